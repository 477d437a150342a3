package repository

import (
	"context"
	"time"

	"EdgeRefresh/internal/domain/models"
)

// Optimizer computes a score for a set of edges. It is supplied by the caller.
type Optimizer interface {
	Optimize(ctx context.Context, req models.OptimizationRequest) (models.OptimizationResult, error)
}

// OptimizerFunc adapts a plain function to Optimizer.
type OptimizerFunc func(ctx context.Context, req models.OptimizationRequest) (models.OptimizationResult, error)

func (f OptimizerFunc) Optimize(ctx context.Context, req models.OptimizationRequest) (models.OptimizationResult, error) {
	return f(ctx, req)
}

// CorrelationProvider returns the correlation submatrix for a set of edges.
type CorrelationProvider interface {
	Correlations(ctx context.Context, edges []models.EdgeID) ([]models.Correlation, error)
}

// CorrelationProviderFunc adapts a plain function to CorrelationProvider.
type CorrelationProviderFunc func(ctx context.Context, edges []models.EdgeID) ([]models.Correlation, error)

func (f CorrelationProviderFunc) Correlations(ctx context.Context, edges []models.EdgeID) ([]models.Correlation, error) {
	return f(ctx, edges)
}

// ChangeStream delivers edge change events from an upstream feed.
type ChangeStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.EdgeChangeEvent, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// EventPublisher publishes refresh audit events.
type EventPublisher interface {
	PublishRefreshEvent(ctx context.Context, ev models.RefreshEvent) error
	Close() error
}

// RefreshStore keeps a history of refresh outcomes outside the process.
type RefreshStore interface {
	Init(ctx context.Context) error
	SaveRefreshEvent(ctx context.Context, ev models.RefreshEvent) error
	RecentRefreshes(ctx context.Context, runID string, limit int) ([]models.RefreshEvent, error)
	Health(ctx context.Context) error
	Close() error
}

// Metrics records operational counters for the refresh core.
type Metrics interface {
	RecordEdgeChange(changeType string)
	RecordImpactSignal()
	SetActiveClusters(n int)
	SetImpactedClusters(n int)
	RecordRefresh(mode string, success bool, d time.Duration)
	RecordFallback(reason string)
	RecordScoreDecrease(runID string)
	RecordCacheWarm(result string, d time.Duration)
	SetWarmsInFlight(n int)
	RecordMessageSent(backend, topic string)
	RecordLatency(op string, seconds float64)
	RecordError(kind string)
}
