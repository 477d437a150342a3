package models

import "time"

// Cluster is a set of edges whose pairwise correlation meets the cluster threshold.
type Cluster struct {
	ID          string    `json:"cluster_id"`
	Members     []EdgeID  `json:"member_edge_ids"` // sorted, unique
	ImpactEMA   float64   `json:"impact_ema"`
	LastUpdated time.Time `json:"last_updated_ts"`
}

// Size returns the member count.
func (c Cluster) Size() int { return len(c.Members) }

// Correlation is one pairwise entry of a correlation matrix.
type Correlation struct {
	A     EdgeID  `json:"a"`
	B     EdgeID  `json:"b"`
	Value float64 `json:"value"`
}

// EdgePair is an order-independent key for a pair of edges.
type EdgePair struct {
	A EdgeID
	B EdgeID
}

// NewEdgePair orders a and b so that (a,b) and (b,a) map to the same key.
func NewEdgePair(a, b EdgeID) EdgePair {
	if b < a {
		a, b = b, a
	}
	return EdgePair{A: a, B: b}
}

// Submatrix is a cached correlation submatrix for a cluster's members.
type Submatrix struct {
	Members  []EdgeID      `json:"members"`
	Pairs    []Correlation `json:"pairs"`
	WarmedAt time.Time     `json:"warmed_at"`
}

// CacheWarmState tracks warm bookkeeping for one cluster.
type CacheWarmState struct {
	ClusterID  string    `json:"cluster_id"`
	LastWarm   time.Time `json:"last_warm_ts"`
	InProgress bool      `json:"in_progress"`
	HitCount   int64     `json:"hit_count"`
	MissCount  int64     `json:"miss_count"`
}

// CacheStats summarizes correlation cache warming.
type CacheStats struct {
	HitRate               float64       `json:"hit_rate"`
	AvgWarmDuration       time.Duration `json:"avg_warm_duration"`
	WarmsIssued           int64         `json:"warms_issued"`
	WarmsSkippedDuplicate int64         `json:"warms_skipped_duplicate"`
	WarmsSkippedCapacity  int64         `json:"warms_skipped_capacity"`
	WarmFailures          int64         `json:"warm_failures"`
	InFlight              int           `json:"in_flight"`
}

// AggregatorStats summarizes the change aggregator.
type AggregatorStats struct {
	TotalChangesProcessed    int64 `json:"total_changes_processed"`
	ActiveClusters           int   `json:"active_clusters"`
	ImpactedClusters         int   `json:"impacted_clusters"`
	CorrelationMatrixEntries int   `json:"correlation_matrix_entries"`
	ImpactSignals            int64 `json:"impact_signals"`
}

// CorrelationUpdate reports what a correlation matrix update did to the partition.
type CorrelationUpdate struct {
	Clusters int      `json:"clusters"`
	Merged   int      `json:"merged"`
	Split    int      `json:"split"`
	Removed  []string `json:"removed,omitempty"`
}
