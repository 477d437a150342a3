package repository

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	pkgch "EdgeRefresh/pkg/clickhouse"
	applogger "EdgeRefresh/pkg/logger"
)

// CHCorrelationStore serves correlation submatrices from ClickHouse and
// persists matrix updates.
type CHCorrelationStore struct {
	db    pkgch.Querier
	table string
	l     *applogger.Logger
}

func NewCHCorrelationStore(db pkgch.Querier, table string, l *applogger.Logger) *CHCorrelationStore {
	if l == nil {
		l = applogger.Nop()
	}
	return &CHCorrelationStore{db: db, table: table, l: l}
}

var _ domrepo.CorrelationProvider = (*CHCorrelationStore)(nil)

func (s *CHCorrelationStore) schema() []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            edge_a String,
            edge_b String,
            value Float64,
            updated_at DateTime64(3)
        ) ENGINE = ReplacingMergeTree(updated_at)
        ORDER BY (edge_a, edge_b)
    `, s.table)}
}

// Init creates the correlation table.
func (s *CHCorrelationStore) Init(ctx context.Context) error {
	return pkgch.InitSchema(ctx, s.db, s.schema())
}

// Correlations returns the stored pairs whose edges both belong to edges.
func (s *CHCorrelationStore) Correlations(ctx context.Context, edges []models.EdgeID) ([]models.Correlation, error) {
	if len(edges) < 2 {
		return nil, nil
	}
	start := time.Now()
	in := placeholders(len(edges))
	q := fmt.Sprintf(`
        SELECT edge_a, edge_b, value
        FROM %s FINAL
        WHERE edge_a IN (%s) AND edge_b IN (%s)
    `, s.table, in, in)

	args := make([]interface{}, 0, 2*len(edges))
	for i := 0; i < 2; i++ {
		for _, e := range edges {
			args = append(args, string(e))
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse correlations query error",
			applogger.String("table", s.table),
			applogger.Int("edges", len(edges)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("query correlations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Correlation, 0, len(edges))
	for rows.Next() {
		var a, b string
		var v float64
		if err := rows.Scan(&a, &b, &v); err != nil {
			return nil, fmt.Errorf("scan correlation: %w", err)
		}
		out = append(out, models.Correlation{A: models.EdgeID(a), B: models.EdgeID(b), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	s.l.Debug("clickhouse correlations ok",
		applogger.String("table", s.table),
		applogger.Int("edges", len(edges)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

// SaveCorrelations upserts pairs. Self pairs and NaN values are skipped and
// each pair is stored in canonical order.
func (s *CHCorrelationStore) SaveCorrelations(ctx context.Context, pairs []models.Correlation) error {
	const chunkSize = 2000
	now := time.Now().UTC()
	rows := canonicalPairs(pairs)
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*4)
		for _, p := range rows[start:end] {
			values = append(values, "(?, ?, ?, ?)")
			args = append(args, string(p.A), string(p.B), p.Value, now)
		}
		q := fmt.Sprintf("INSERT INTO %s (edge_a, edge_b, value, updated_at) VALUES %s", s.table, strings.Join(values, ", "))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert correlations: %w", err)
		}
	}
	return nil
}

func canonicalPairs(pairs []models.Correlation) []models.Correlation {
	out := make([]models.Correlation, 0, len(pairs))
	for _, p := range pairs {
		if p.A == p.B || math.IsNaN(p.Value) {
			continue
		}
		k := models.NewEdgePair(p.A, p.B)
		out = append(out, models.Correlation{A: k.A, B: k.B, Value: p.Value})
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
