package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	pkgch "EdgeRefresh/pkg/clickhouse"
)

// CHRefreshStore keeps refresh audit events in ClickHouse.
type CHRefreshStore struct {
	db    pkgch.Querier
	table string
	close func() error
}

// NewCHRefreshStore creates the store. closer, if non-nil, is invoked by Close.
func NewCHRefreshStore(db pkgch.Querier, table string, closer func() error) *CHRefreshStore {
	return &CHRefreshStore{db: db, table: table, close: closer}
}

var _ domrepo.RefreshStore = (*CHRefreshStore)(nil)

func (s *CHRefreshStore) Init(ctx context.Context) error {
	return pkgch.InitSchema(ctx, s.db, []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            id String,
            type LowCardinality(String),
            run_id String,
            refresh_type LowCardinality(String),
            previous_score Nullable(Float64),
            score Float64,
            used_fallback UInt8,
            reason String,
            duration_ms Float64,
            edge_count UInt32,
            ts DateTime64(3)
        ) ENGINE = MergeTree
        ORDER BY (run_id, ts)
    `, s.table)})
}

func (s *CHRefreshStore) SaveRefreshEvent(ctx context.Context, ev models.RefreshEvent) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, type, run_id, refresh_type, previous_score, score, used_fallback, reason, duration_ms, edge_count, ts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, q, eventArgs(ev)...)
	if err != nil {
		return fmt.Errorf("insert refresh event: %w", err)
	}
	return nil
}

func eventArgs(ev models.RefreshEvent) []interface{} {
	var prev interface{}
	if ev.PreviousScore != nil {
		prev = *ev.PreviousScore
	}
	var fallback uint8
	if ev.UsedFallback {
		fallback = 1
	}
	return []interface{}{
		ev.ID,
		string(ev.Type),
		ev.RunID,
		string(ev.RefreshType),
		prev,
		ev.Score,
		fallback,
		ev.Reason,
		ev.DurationMs,
		uint32(ev.EdgeCount),
		ev.Timestamp.UTC(),
	}
}

// RecentRefreshes returns up to limit events, newest first. An empty runID
// returns events of all runs.
func (s *CHRefreshStore) RecentRefreshes(ctx context.Context, runID string, limit int) ([]models.RefreshEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := fmt.Sprintf(`
        SELECT id, type, run_id, refresh_type, previous_score, score, used_fallback, reason, duration_ms, edge_count, ts
        FROM %s
        WHERE (? = '' OR run_id = ?)
        ORDER BY ts DESC
        LIMIT ?
    `, s.table)
	rows, err := s.db.QueryContext(ctx, q, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh history: %w", err)
	}
	defer rows.Close()

	out := make([]models.RefreshEvent, 0, limit)
	for rows.Next() {
		var (
			ev       models.RefreshEvent
			typ, rt  string
			prev     sql.NullFloat64
			fallback uint8
			edges    uint32
			ts       time.Time
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.RunID, &rt, &prev, &ev.Score, &fallback, &ev.Reason, &ev.DurationMs, &edges, &ts); err != nil {
			return nil, fmt.Errorf("scan refresh event: %w", err)
		}
		ev.Type = models.RefreshEventType(typ)
		ev.RefreshType = models.RefreshMode(rt)
		if prev.Valid {
			v := prev.Float64
			ev.PreviousScore = &v
		}
		ev.UsedFallback = fallback == 1
		ev.EdgeCount = int(edges)
		ev.Timestamp = ts
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *CHRefreshStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHRefreshStore) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}
