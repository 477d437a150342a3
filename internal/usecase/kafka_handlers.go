package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	mid "EdgeRefresh/internal/middleware"
	pkgkafka "EdgeRefresh/pkg/kafka"
	"EdgeRefresh/pkg/logger"
)

// EdgeChangeHandler consumes edge change events from Kafka. A message holds
// either one event object or an array of events.
type EdgeChangeHandler struct {
	topic   string
	proc    ChangeProcessor
	metrics domrepo.Metrics
	log     *logger.Logger
}

func NewEdgeChangeHandler(topic string, proc ChangeProcessor, metrics domrepo.Metrics, log *logger.Logger) *EdgeChangeHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &EdgeChangeHandler{topic: topic, proc: proc, metrics: metrics, log: log}
}

func (h *EdgeChangeHandler) Topic() string { return h.topic }

func (h *EdgeChangeHandler) Handle(ctx context.Context, b []byte) error {
	events, err := decodeChanges(b)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode edge change: %v: %w", err, pkgkafka.ErrPoisonMessage)
	}

	start := time.Now()
	var invalid int
	for _, ev := range events {
		if err := h.proc.Process(ctx, ev); err != nil {
			if errors.Is(err, mid.ErrInvalidChange) {
				invalid++
				continue
			}
			// the pipeline keeps failed deliveries for retry
			h.log.Warn("edge change deferred", logger.String("edge_id", string(ev.EdgeID)), logger.Error(err))
		}
	}
	h.metrics.RecordLatency("consumer_edge_change", time.Since(start).Seconds())
	h.metrics.RecordMessageSent("pipeline", h.topic)

	if invalid == len(events) {
		return fmt.Errorf("no valid edge changes in message: %w", pkgkafka.ErrPoisonMessage)
	}
	return nil
}

func decodeChanges(b []byte) ([]models.EdgeChangeEvent, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var evs []models.EdgeChangeEvent
		if err := json.Unmarshal(trimmed, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev models.EdgeChangeEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []models.EdgeChangeEvent{ev}, nil
}

// CorrelationUpdater applies a correlation matrix update.
type CorrelationUpdater interface {
	UpdateCorrelationMatrix(pairs []models.Correlation) models.CorrelationUpdate
}

// CorrelationHandler consumes correlation matrix updates from Kafka.
type CorrelationHandler struct {
	topic   string
	updater CorrelationUpdater
	metrics domrepo.Metrics
	log     *logger.Logger
}

func NewCorrelationHandler(topic string, updater CorrelationUpdater, metrics domrepo.Metrics, log *logger.Logger) *CorrelationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CorrelationHandler{topic: topic, updater: updater, metrics: metrics, log: log}
}

func (h *CorrelationHandler) Topic() string { return h.topic }

// incoming message schema: {"pairs":[{"a","b","value"}]}
func (h *CorrelationHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		Pairs []models.Correlation `json:"pairs"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode correlations: %v: %w", err, pkgkafka.ErrPoisonMessage)
	}
	if len(m.Pairs) == 0 {
		return nil
	}

	start := time.Now()
	upd := h.updater.UpdateCorrelationMatrix(m.Pairs)
	h.metrics.RecordLatency("correlation_update", time.Since(start).Seconds())
	h.log.Info("correlation matrix updated",
		logger.Int("pairs", len(m.Pairs)),
		logger.Int("clusters", upd.Clusters),
		logger.Int("merged", upd.Merged),
		logger.Int("split", upd.Split),
	)
	return nil
}

var (
	_ pkgkafka.MessageHandler = (*EdgeChangeHandler)(nil)
	_ pkgkafka.MessageHandler = (*CorrelationHandler)(nil)
)
