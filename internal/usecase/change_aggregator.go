package usecase

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/metrics"
)

// PrunePolicy decides which clusters are destroyed. A zero policy prunes nothing.
type PrunePolicy struct {
	// IdleAfter is how long a cluster may go without updates before it is eligible.
	IdleAfter time.Duration
	// ImpactFloor protects clusters whose impact is still at or above it.
	ImpactFloor float64
}

func (p PrunePolicy) enabled() bool { return p.IdleAfter > 0 }

func (p PrunePolicy) matches(c *models.Cluster, now time.Time) bool {
	return p.enabled() && now.Sub(c.LastUpdated) > p.IdleAfter && c.ImpactEMA < p.ImpactFloor
}

// AggregatorOption configures a ChangeAggregator.
type AggregatorOption func(*AggregatorConfig)

// AggregatorConfig holds ChangeAggregator settings.
type AggregatorConfig struct {
	ImpactThreshold      float64
	CorrelationThreshold float64
	Alpha                float64
	Prune                PrunePolicy
	Logger               *logger.Logger
	Metrics              drepo.Metrics
	Now                  func() time.Time
}

func WithClusterImpactThreshold(v float64) AggregatorOption {
	return func(c *AggregatorConfig) { c.ImpactThreshold = v }
}

func WithCorrelationClusterThreshold(v float64) AggregatorOption {
	return func(c *AggregatorConfig) { c.CorrelationThreshold = v }
}

// WithEMAAlpha sets the smoothing factor; values outside (0,1] are ignored.
func WithEMAAlpha(v float64) AggregatorOption {
	return func(c *AggregatorConfig) {
		if v > 0 && v <= 1 {
			c.Alpha = v
		}
	}
}

// WithPrunePolicy applies p after every correlation update.
func WithPrunePolicy(p PrunePolicy) AggregatorOption {
	return func(c *AggregatorConfig) { c.Prune = p }
}

func WithAggregatorLogger(l *logger.Logger) AggregatorOption {
	return func(c *AggregatorConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithAggregatorMetrics(m drepo.Metrics) AggregatorOption {
	return func(c *AggregatorConfig) {
		if m != nil {
			c.Metrics = m
		}
	}
}

func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(c *AggregatorConfig) {
		if now != nil {
			c.Now = now
		}
	}
}

// ChangeAggregator smooths edge change magnitudes per cluster and keeps the
// correlation-derived partition of edges into clusters.
type ChangeAggregator struct {
	cfg AggregatorConfig

	mu          sync.RWMutex
	clusters    map[string]*models.Cluster
	edgeCluster map[models.EdgeID]string
	matrix      map[models.EdgePair]float64
	// signaled holds clusters that already reported crossing the impact threshold.
	signaled      map[string]bool
	impactedCount int
	totalChanges  int64
	impactSignals int64

	// snapshot of impacted clusters; nil after any write.
	snapshot atomic.Pointer[map[string]models.Cluster]
}

// NewChangeAggregator creates an aggregator with defaults 0.3 / 0.4 / 0.3.
func NewChangeAggregator(opts ...AggregatorOption) *ChangeAggregator {
	cfg := AggregatorConfig{
		ImpactThreshold:      0.3,
		CorrelationThreshold: 0.4,
		Alpha:                0.3,
		Logger:               logger.Nop(),
		Metrics:              metrics.Noop{},
		Now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &ChangeAggregator{
		cfg:         cfg,
		clusters:    make(map[string]*models.Cluster),
		edgeCluster: make(map[models.EdgeID]string),
		matrix:      make(map[models.EdgePair]float64),
		signaled:    make(map[string]bool),
	}
}

// ImpactThreshold returns the configured cluster impact threshold.
func (a *ChangeAggregator) ImpactThreshold() float64 { return a.cfg.ImpactThreshold }

// RecordEdgeChange folds ev into the EMA of the edge's cluster, creating a
// singleton cluster if needed. It returns the cluster id and true only when
// the cluster has just become impacted.
func (a *ChangeAggregator) RecordEdgeChange(ev models.EdgeChangeEvent) (string, bool) {
	m := models.ClampMagnitude(ev.Magnitude)
	now := a.cfg.Now()

	a.mu.Lock()
	id, ok := a.edgeCluster[ev.EdgeID]
	if !ok {
		id = uuid.NewString()
		a.clusters[id] = &models.Cluster{
			ID:          id,
			Members:     []models.EdgeID{ev.EdgeID},
			LastUpdated: now,
		}
		a.edgeCluster[ev.EdgeID] = id
	}
	c := a.clusters[id]
	wasAbove := c.ImpactEMA >= a.cfg.ImpactThreshold
	c.ImpactEMA = a.cfg.Alpha*m + (1-a.cfg.Alpha)*c.ImpactEMA
	c.LastUpdated = now
	above := c.ImpactEMA >= a.cfg.ImpactThreshold

	switch {
	case above && !wasAbove:
		a.impactedCount++
	case !above && wasAbove:
		a.impactedCount--
	}

	signal := false
	if above && !a.signaled[id] {
		a.signaled[id] = true
		a.impactSignals++
		signal = true
	} else if !above {
		delete(a.signaled, id)
	}

	a.totalChanges++
	impact := c.ImpactEMA
	active, impacted := len(a.clusters), a.impactedCount
	a.snapshot.Store(nil)
	a.mu.Unlock()

	a.cfg.Metrics.RecordEdgeChange(string(ev.ChangeType))
	a.cfg.Metrics.SetActiveClusters(active)
	a.cfg.Metrics.SetImpactedClusters(impacted)
	if !signal {
		return "", false
	}

	a.cfg.Metrics.RecordImpactSignal()
	a.cfg.Logger.Debug("cluster impacted",
		logger.String("cluster_id", id),
		logger.String("edge_id", string(ev.EdgeID)),
		logger.Float64("impact_ema", impact),
	)
	return id, true
}

type componentPlan struct {
	members       []models.EdgeID
	contributions map[string]int
}

// UpdateCorrelationMatrix merges pairs into the stored matrix and recomputes
// the cluster partition. Pairs at or above the correlation threshold always
// end up in the same cluster; nothing else joins two edges.
func (a *ChangeAggregator) UpdateCorrelationMatrix(pairs []models.Correlation) models.CorrelationUpdate {
	now := a.cfg.Now()

	a.mu.Lock()
	for _, p := range pairs {
		if p.A == p.B || math.IsNaN(p.Value) {
			continue
		}
		a.matrix[models.NewEdgePair(p.A, p.B)] = p.Value
	}

	uf := newUnionFind(len(a.edgeCluster))
	for edge := range a.edgeCluster {
		uf.add(edge)
	}
	for pair, v := range a.matrix {
		if v >= a.cfg.CorrelationThreshold {
			uf.union(pair.A, pair.B)
		}
	}

	plans := make([]componentPlan, 0)
	for _, members := range uf.components() {
		contrib := make(map[string]int)
		for _, e := range members {
			if id, ok := a.edgeCluster[e]; ok {
				contrib[id]++
			}
		}
		plans = append(plans, componentPlan{members: members, contributions: contrib})
	}
	sort.Slice(plans, func(i, j int) bool {
		if len(plans[i].members) != len(plans[j].members) {
			return len(plans[i].members) > len(plans[j].members)
		}
		return plans[i].members[0] < plans[j].members[0]
	})

	var update models.CorrelationUpdate
	next := make(map[string]*models.Cluster, len(plans))
	nextEdge := make(map[models.EdgeID]string, len(a.edgeCluster))
	nextSignaled := make(map[string]bool)
	claimed := make(map[string]bool)
	fanout := make(map[string]int)

	// Untouched clusters first so their ids are never taken by a neighbour.
	pending := make([]componentPlan, 0, len(plans))
	for _, p := range plans {
		for id := range p.contributions {
			fanout[id]++
		}
		if id, ok := a.retained(p); ok {
			next[id] = a.clusters[id]
			claimed[id] = true
			if a.signaled[id] {
				nextSignaled[id] = true
			}
			for _, e := range p.members {
				nextEdge[e] = id
			}
			continue
		}
		pending = append(pending, p)
	}

	for _, p := range pending {
		var weighted float64
		var weight int
		for id, n := range p.contributions {
			weighted += float64(n) * a.clusters[id].ImpactEMA
			weight += n
		}
		impact := 0.0
		if weight > 0 {
			impact = weighted / float64(weight)
		}
		if len(p.contributions) > 1 {
			update.Merged++
		}

		id := a.reuseID(p.contributions, claimed)
		inherited := id != "" && a.signaled[id]
		if id == "" {
			id = uuid.NewString()
		}
		claimed[id] = true

		next[id] = &models.Cluster{
			ID:          id,
			Members:     p.members,
			ImpactEMA:   impact,
			LastUpdated: now,
		}
		if inherited && impact >= a.cfg.ImpactThreshold {
			nextSignaled[id] = true
		}
		for _, e := range p.members {
			nextEdge[e] = id
		}
	}

	for _, n := range fanout {
		if n > 1 {
			update.Split++
		}
	}
	for id := range a.clusters {
		if _, ok := next[id]; !ok {
			update.Removed = append(update.Removed, id)
		}
	}

	a.clusters = next
	a.edgeCluster = nextEdge
	a.signaled = nextSignaled
	if a.cfg.Prune.enabled() {
		update.Removed = append(update.Removed, a.pruneLocked(a.cfg.Prune, now)...)
	}
	a.recountImpactedLocked()
	sort.Strings(update.Removed)
	update.Clusters = len(a.clusters)
	active, impacted := len(a.clusters), a.impactedCount
	entries := len(a.matrix)
	a.snapshot.Store(nil)
	a.mu.Unlock()

	a.cfg.Metrics.SetActiveClusters(active)
	a.cfg.Metrics.SetImpactedClusters(impacted)
	a.cfg.Logger.Debug("correlation matrix updated",
		logger.Int("pairs", len(pairs)),
		logger.Int("matrix_entries", entries),
		logger.Int("clusters", update.Clusters),
		logger.Int("merged", update.Merged),
		logger.Int("split", update.Split),
		logger.Int("removed", len(update.Removed)),
	)
	return update
}

// retained reports whether p has exactly the members of one prior cluster.
func (a *ChangeAggregator) retained(p componentPlan) (string, bool) {
	if len(p.contributions) != 1 {
		return "", false
	}
	for id, n := range p.contributions {
		if n == len(p.members) && n == len(a.clusters[id].Members) {
			return id, true
		}
	}
	return "", false
}

// reuseID picks the unclaimed prior cluster contributing the most members.
func (a *ChangeAggregator) reuseID(contrib map[string]int, claimed map[string]bool) string {
	best, bestN := "", 0
	for id, n := range contrib {
		if claimed[id] {
			continue
		}
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	return best
}

// Prune removes clusters matching policy along with the stored correlations of
// their members, so they are not rebuilt by the next update.
func (a *ChangeAggregator) Prune(policy PrunePolicy) []string {
	now := a.cfg.Now()

	a.mu.Lock()
	removed := a.pruneLocked(policy, now)
	a.recountImpactedLocked()
	active, impacted := len(a.clusters), a.impactedCount
	a.snapshot.Store(nil)
	a.mu.Unlock()

	sort.Strings(removed)
	a.cfg.Metrics.SetActiveClusters(active)
	a.cfg.Metrics.SetImpactedClusters(impacted)
	if len(removed) > 0 {
		a.cfg.Logger.Info("clusters pruned", logger.Int("count", len(removed)))
	}
	return removed
}

func (a *ChangeAggregator) pruneLocked(policy PrunePolicy, now time.Time) []string {
	var removed []string
	dropped := make(models.EdgeSet)
	for id, c := range a.clusters {
		if !policy.matches(c, now) {
			continue
		}
		removed = append(removed, id)
		for _, e := range c.Members {
			delete(a.edgeCluster, e)
			dropped.Add(e)
		}
		delete(a.clusters, id)
		delete(a.signaled, id)
	}
	if len(dropped) == 0 {
		return removed
	}
	for pair := range a.matrix {
		if dropped.Has(pair.A) || dropped.Has(pair.B) {
			delete(a.matrix, pair)
		}
	}
	return removed
}

func (a *ChangeAggregator) recountImpactedLocked() {
	n := 0
	for _, c := range a.clusters {
		if c.ImpactEMA >= a.cfg.ImpactThreshold {
			n++
		}
	}
	a.impactedCount = n
}

// GetImpactedClusters returns every cluster whose impact is at or above the
// threshold. Reads are served from a snapshot rebuilt after writes.
func (a *ChangeAggregator) GetImpactedClusters() map[string]models.Cluster {
	if snap := a.snapshot.Load(); snap != nil {
		return copyClusterMap(*snap)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if snap := a.snapshot.Load(); snap != nil {
		return copyClusterMap(*snap)
	}
	built := make(map[string]models.Cluster, a.impactedCount)
	for id, c := range a.clusters {
		if c.ImpactEMA >= a.cfg.ImpactThreshold {
			built[id] = cloneCluster(c)
		}
	}
	// stored under the read lock so a concurrent writer cannot interleave
	a.snapshot.Store(&built)
	return copyClusterMap(built)
}

// IsEdgeImpacted reports whether edge belongs to an impacted cluster.
func (a *ChangeAggregator) IsEdgeImpacted(edge models.EdgeID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.edgeCluster[edge]
	if !ok {
		return false
	}
	return a.clusters[id].ImpactEMA >= a.cfg.ImpactThreshold
}

// Cluster returns a copy of the cluster with the given id.
func (a *ChangeAggregator) Cluster(id string) (models.Cluster, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.clusters[id]
	if !ok {
		return models.Cluster{}, false
	}
	return cloneCluster(c), true
}

// ClusterOf returns the cluster containing edge.
func (a *ChangeAggregator) ClusterOf(edge models.EdgeID) (models.Cluster, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.edgeCluster[edge]
	if !ok {
		return models.Cluster{}, false
	}
	return cloneCluster(a.clusters[id]), true
}

// ClustersFor returns the distinct clusters containing any of edges, ordered by id.
func (a *ChangeAggregator) ClustersFor(edges []models.EdgeID) []models.Cluster {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seen := make(map[string]bool)
	out := make([]models.Cluster, 0)
	for _, e := range edges {
		id, ok := a.edgeCluster[e]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, cloneCluster(a.clusters[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clusters returns every cluster ordered by id.
func (a *ChangeAggregator) Clusters() []models.Cluster {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Cluster, 0, len(a.clusters))
	for _, c := range a.clusters {
		out = append(out, cloneCluster(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *ChangeAggregator) Stats() models.AggregatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.AggregatorStats{
		TotalChangesProcessed:    a.totalChanges,
		ActiveClusters:           len(a.clusters),
		ImpactedClusters:         a.impactedCount,
		CorrelationMatrixEntries: len(a.matrix),
		ImpactSignals:            a.impactSignals,
	}
}

func cloneCluster(c *models.Cluster) models.Cluster {
	out := *c
	out.Members = append([]models.EdgeID(nil), c.Members...)
	return out
}

func copyClusterMap(in map[string]models.Cluster) map[string]models.Cluster {
	out := make(map[string]models.Cluster, len(in))
	for id, c := range in {
		c.Members = append([]models.EdgeID(nil), c.Members...)
		out[id] = c
	}
	return out
}
