package models

import (
	"encoding/json"
	"time"
)

// StaleReason explains why a run is stale.
type StaleReason string

const (
	StaleNone             StaleReason = "none"
	StalePendingChanges   StaleReason = "pending_changes"
	StaleStalenessTimeout StaleReason = "staleness_timeout"
)

// RunState is the refresh state machine position of a run.
type RunState string

const (
	RunFresh              RunState = "fresh"
	RunStalePending       RunState = "stale_pending"
	RunRefreshing         RunState = "refreshing"
	RunFallbackRebuilding RunState = "fallback_rebuilding"
)

// RunMetadata is the per-run bookkeeping owned by the refresh manager.
type RunMetadata struct {
	RunID               string          `json:"run_id"`
	TrackedEdges        []EdgeID        `json:"tracked_edge_ids"`
	PendingEdges        []EdgeID        `json:"edges_changed_since_last_refresh"`
	RefreshCount        int             `json:"refresh_count"`
	CreatedAt           time.Time       `json:"created_at"`
	LastRefresh         time.Time       `json:"last_refresh_ts"`
	IsStale             bool            `json:"is_stale"`
	StaleReason         StaleReason     `json:"stale_reason"`
	State               RunState        `json:"state"`
	BestScore           *float64        `json:"best_score,omitempty"`
	LastSolution        json.RawMessage `json:"last_solution,omitempty"`
	LastPartialDuration time.Duration   `json:"last_partial_duration"`
	LastFullDuration    time.Duration   `json:"last_full_duration"`
	LastUsedFallback    bool            `json:"last_used_fallback"`
}

// HasBaseline reports whether a successful refresh has set a best score.
func (m RunMetadata) HasBaseline() bool { return m.BestScore != nil }
