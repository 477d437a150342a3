package models

import (
	"encoding/json"
	"time"
)

// RefreshMode selects the partial or full optimization path.
type RefreshMode string

const (
	RefreshPartial RefreshMode = "partial_refresh"
	RefreshFull    RefreshMode = "full_rebuild"
)

// OptimizationRequest is handed to the external optimization function.
type OptimizationRequest struct {
	RunID        string              `json:"run_id"`
	Mode         RefreshMode         `json:"mode"`
	EdgeIDs      []EdgeID            `json:"edge_ids"`
	ChangedEdges []EdgeID            `json:"changed_edges,omitempty"`
	Previous     *OptimizationResult `json:"previous,omitempty"`
}

// OptimizationResult is opaque beyond its score.
type OptimizationResult struct {
	Score    float64         `json:"score"`
	Solution json.RawMessage `json:"solution,omitempty"`
}

// RefreshResult is the structured outcome of a refresh.
type RefreshResult struct {
	RunID                string        `json:"run_id"`
	Success              bool          `json:"success"`
	Score                float64       `json:"score"`
	UsedFallback         bool          `json:"used_fallback"`
	DurationMs           float64       `json:"duration_ms"`
	AffectedClusterCount int           `json:"affected_cluster_count"`
	AffectedEdgeCount    int           `json:"affected_edge_count"`
	RefreshType          RefreshMode   `json:"refresh_type"`
	FallbackReason       string        `json:"fallback_reason,omitempty"`
	Duration             time.Duration `json:"-"`
}

// RefreshEventType names audit events emitted around refreshes.
type RefreshEventType string

const (
	EventRefreshCompleted RefreshEventType = "refresh_completed"
	EventScoreDecreased   RefreshEventType = "score_decreased"
	EventFallbackUsed     RefreshEventType = "fallback_used"
)

// RefreshEvent is an audit record published after a refresh commits.
type RefreshEvent struct {
	ID            string           `json:"id"`
	Type          RefreshEventType `json:"type"`
	RunID         string           `json:"run_id"`
	RefreshType   RefreshMode      `json:"refresh_type"`
	PreviousScore *float64         `json:"previous_score,omitempty"`
	Score         float64          `json:"score"`
	UsedFallback  bool             `json:"used_fallback"`
	Reason        string           `json:"reason,omitempty"`
	DurationMs    float64          `json:"duration_ms"`
	EdgeCount     int              `json:"edge_count"`
	Timestamp     time.Time        `json:"timestamp"`
}

// PerformanceBenchmark compares partial and full refresh latencies.
type PerformanceBenchmark struct {
	BenchmarkAvailable    bool    `json:"benchmark_available"`
	PartialRefreshCount   int64   `json:"partial_refresh_count"`
	FullRebuildCount      int64   `json:"full_rebuild_count"`
	AvgPartialMs          float64 `json:"avg_partial_ms"`
	AvgFullMs             float64 `json:"avg_full_ms"`
	LatencyImprovementPct float64 `json:"latency_improvement_pct"`
	SuccessRate           float64 `json:"success_rate"`
	FallbackRate          float64 `json:"fallback_rate"`
}

// ManagerStats combines the counters of all three collaborators.
type ManagerStats struct {
	TotalOptimizationRuns int                  `json:"total_optimization_runs"`
	StaleRuns             int                  `json:"stale_runs"`
	Aggregator            AggregatorStats      `json:"edge_change_aggregator"`
	Cache                 CacheStats           `json:"correlation_cache_scheduler"`
	Benchmark             PerformanceBenchmark `json:"partial_refresh_manager"`
}
