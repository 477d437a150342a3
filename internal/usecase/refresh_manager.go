package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/metrics"
)

// fallback and eligibility reasons
const (
	reasonEligible      = "eligible"
	reasonNoBaseline    = "no_baseline"
	reasonNoPending     = "no_pending_changes"
	reasonBaselineOld   = "baseline_too_old"
	reasonRegression    = "regression"
	reasonNaNScore      = "nan_score"
	reasonTimeout       = "timeout"
	reasonCancelled     = "cancelled"
	reasonPanic         = "panic"
	reasonOptimizerFail = "optimizer_error"
)

// ManagerOption configures a RefreshManager.
type ManagerOption func(*ManagerConfig)

// ManagerConfig holds RefreshManager settings.
type ManagerConfig struct {
	ScoreDeltaEpsilon    float64
	MinChangedEdges      int
	MaxStalenessInterval time.Duration
	MaxPartialRefreshAge time.Duration
	OptimizerTimeout     time.Duration
	EventTimeout         time.Duration
	Provider             drepo.CorrelationProvider
	Publisher            drepo.EventPublisher
	History              drepo.RefreshStore
	Logger               *logger.Logger
	Metrics              drepo.Metrics
	Now                  func() time.Time
}

func WithScoreDeltaEpsilon(eps float64) ManagerOption {
	return func(c *ManagerConfig) {
		if eps >= 0 {
			c.ScoreDeltaEpsilon = eps
		}
	}
}

// WithMinChangedEdges marks a run stale once n edges are pending; 0 disables the count trigger.
func WithMinChangedEdges(n int) ManagerOption {
	return func(c *ManagerConfig) {
		if n >= 0 {
			c.MinChangedEdges = n
		}
	}
}

// WithMaxStalenessInterval marks runs stale when not refreshed for d; 0 disables.
func WithMaxStalenessInterval(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) { c.MaxStalenessInterval = d }
}

// WithMaxPartialRefreshAge forces a full rebuild once the baseline is older than d; 0 disables.
func WithMaxPartialRefreshAge(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) { c.MaxPartialRefreshAge = d }
}

// WithOptimizerTimeout bounds each optimizer call; 0 relies on the caller's context.
func WithOptimizerTimeout(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) { c.OptimizerTimeout = d }
}

// WithCorrelationProvider enables pre-warming of large affected clusters.
func WithCorrelationProvider(p drepo.CorrelationProvider) ManagerOption {
	return func(c *ManagerConfig) { c.Provider = p }
}

func WithEventPublisher(p drepo.EventPublisher) ManagerOption {
	return func(c *ManagerConfig) { c.Publisher = p }
}

func WithRefreshStore(s drepo.RefreshStore) ManagerOption {
	return func(c *ManagerConfig) { c.History = s }
}

func WithManagerLogger(l *logger.Logger) ManagerOption {
	return func(c *ManagerConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithManagerMetrics(m drepo.Metrics) ManagerOption {
	return func(c *ManagerConfig) {
		if m != nil {
			c.Metrics = m
		}
	}
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(c *ManagerConfig) {
		if now != nil {
			c.Now = now
		}
	}
}

type runEntry struct {
	// refreshMu serialises refreshes of one run.
	refreshMu sync.Mutex

	// mu guards everything below and is never held across external calls.
	mu        sync.Mutex
	meta      models.RunMetadata
	tracked   models.EdgeSet
	pending   models.EdgeSet
	previous  *models.OptimizationResult
	discarded bool
}

// refreshSnapshot is what a refresh works from once the run lock is released.
type refreshSnapshot struct {
	runID       string
	pending     []models.EdgeID
	tracked     models.EdgeSet
	best        *float64
	previous    *models.OptimizationResult
	lastRefresh time.Time
}

type refreshOutcome struct {
	mode     models.RefreshMode
	result   models.OptimizationResult
	edges    int
	clusters int
	duration time.Duration
}

type benchmark struct {
	mu           sync.Mutex
	partialCount int64
	fullCount    int64
	partialTotal time.Duration
	fullTotal    time.Duration
	attempts     int64
	successes    int64
	fallbacks    int64
}

// RefreshManager owns optimization runs and decides between a partial
// refresh of affected edges and an authoritative full rebuild.
type RefreshManager struct {
	cfg        ManagerConfig
	aggregator *ChangeAggregator
	scheduler  *CacheWarmScheduler

	mu   sync.RWMutex
	runs map[string]*runEntry

	bench benchmark
}

// NewRefreshManager composes an aggregator and an optional cache warm scheduler.
func NewRefreshManager(aggregator *ChangeAggregator, scheduler *CacheWarmScheduler, opts ...ManagerOption) *RefreshManager {
	cfg := ManagerConfig{
		ScoreDeltaEpsilon: 0.001,
		EventTimeout:      5 * time.Second,
		Logger:            logger.Nop(),
		Metrics:           metrics.Noop{},
		Now:               time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if aggregator == nil {
		aggregator = NewChangeAggregator(WithAggregatorLogger(cfg.Logger), WithAggregatorMetrics(cfg.Metrics))
	}

	return &RefreshManager{
		cfg:        cfg,
		aggregator: aggregator,
		scheduler:  scheduler,
		runs:       make(map[string]*runEntry),
	}
}

// Aggregator returns the change aggregator backing this manager.
func (m *RefreshManager) Aggregator() *ChangeAggregator { return m.aggregator }

// Scheduler returns the cache warm scheduler, which may be nil.
func (m *RefreshManager) Scheduler() *CacheWarmScheduler { return m.scheduler }

// CreateOptimizationRun starts tracking edges under runID. An empty runID gets a generated id.
func (m *RefreshManager) CreateOptimizationRun(runID string, edges []models.EdgeID) (models.RunMetadata, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	now := m.cfg.Now()

	e := &runEntry{
		meta: models.RunMetadata{
			RunID:       runID,
			CreatedAt:   now,
			StaleReason: models.StaleNone,
			State:       models.RunFresh,
		},
		tracked: models.NewEdgeSet(edges...),
		pending: make(models.EdgeSet),
	}

	view := e.view()

	m.mu.Lock()
	if _, exists := m.runs[runID]; exists {
		m.mu.Unlock()
		return models.RunMetadata{}, fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}
	m.runs[runID] = e
	m.mu.Unlock()

	m.cfg.Logger.Info("optimization run created",
		logger.String("run_id", runID),
		logger.Int("tracked_edges", len(view.TrackedEdges)),
	)
	return view, nil
}

func (m *RefreshManager) run(runID string) (*runEntry, error) {
	m.mu.RLock()
	e, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return e, nil
}

// RecordEdgeChanges adds edges to the run's pending set. The run turns stale
// when the pending count reaches the configured minimum or when any changed
// edge is in an impacted cluster; either condition is sufficient.
func (m *RefreshManager) RecordEdgeChanges(runID string, edges []models.EdgeID) error {
	e, err := m.run(runID)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	impacted := false
	for _, edge := range edges {
		if m.aggregator.IsEdgeImpacted(edge) {
			impacted = true
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discarded {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	e.pending.Add(edges...)
	if impacted || m.countTriggered(len(e.pending)) {
		e.markStale(models.StalePendingChanges)
	}
	return nil
}

func (m *RefreshManager) countTriggered(pending int) bool {
	return m.cfg.MinChangedEdges > 0 && pending >= m.cfg.MinChangedEdges
}

// IngestEdgeChange feeds ev to the aggregator and records the edge as pending
// for every run tracking it.
func (m *RefreshManager) IngestEdgeChange(ev models.EdgeChangeEvent) (string, bool) {
	clusterID, impacted := m.aggregator.RecordEdgeChange(ev)

	m.mu.RLock()
	ids := make([]string, 0)
	for id, e := range m.runs {
		e.mu.Lock()
		tracks := e.tracked.Has(ev.EdgeID)
		e.mu.Unlock()
		if tracks {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.RecordEdgeChanges(id, []models.EdgeID{ev.EdgeID}); err != nil {
			// discarded concurrently
			m.cfg.Logger.Debug("skip edge change for run", logger.String("run_id", id), logger.Error(err))
		}
	}
	return clusterID, impacted
}

// ShouldUsePartialRefresh reports whether the next refresh may take the
// partial path, and why.
func (m *RefreshManager) ShouldUsePartialRefresh(runID string) (bool, string, error) {
	e, err := m.run(runID)
	if err != nil {
		return false, "", err
	}
	e.mu.Lock()
	snap := e.snapshot()
	e.mu.Unlock()
	ok, reason := m.partialEligible(snap)
	return ok, reason, nil
}

func (m *RefreshManager) partialEligible(s refreshSnapshot) (bool, string) {
	switch {
	case s.best == nil:
		return false, reasonNoBaseline
	case len(s.pending) == 0:
		return false, reasonNoPending
	case m.cfg.MaxPartialRefreshAge > 0 && m.cfg.Now().Sub(s.lastRefresh) > m.cfg.MaxPartialRefreshAge:
		return false, reasonBaselineOld
	}
	return true, reasonEligible
}

// ExecutePartialRefresh recomputes only the affected subset of the run. It
// returns false when the run is not eligible, the optimizer fails, or the
// score regresses beyond epsilon; the run is then left as it was.
func (m *RefreshManager) ExecutePartialRefresh(ctx context.Context, runID string, opt drepo.Optimizer) (bool, models.RefreshResult, error) {
	e, err := m.run(runID)
	if err != nil {
		return false, models.RefreshResult{}, err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := m.cfg.Now()
	snap, err := m.begin(e, runID)
	if err != nil {
		return false, models.RefreshResult{}, err
	}
	m.bench.attempt()

	if ok, reason := m.partialEligible(snap); !ok {
		e.restore()
		return false, m.failedResult(runID, models.RefreshPartial, reason, start), nil
	}

	out, err := m.attemptPartial(ctx, snap, opt)
	if err != nil {
		e.restore()
		reason := fallbackReason(err)
		m.cfg.Metrics.RecordRefresh(string(models.RefreshPartial), false, out.duration)
		m.cfg.Logger.Warn("partial refresh rejected",
			logger.String("run_id", runID),
			logger.String("reason", reason),
			logger.Error(err),
		)
		return false, m.failedResult(runID, models.RefreshPartial, reason, start), nil
	}

	res, err := m.commit(ctx, e, snap, out, false, "", start)
	if err != nil {
		return false, res, err
	}
	return true, res, nil
}

// ExecuteRefreshWithFallback tries a partial refresh when a usable baseline
// exists and otherwise, or on failure, rebuilds over all tracked edges. A
// failed rebuild returns *ProviderFailure and leaves the run as it was.
func (m *RefreshManager) ExecuteRefreshWithFallback(ctx context.Context, runID string, opt drepo.Optimizer) (models.RefreshResult, error) {
	e, err := m.run(runID)
	if err != nil {
		return models.RefreshResult{}, err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := m.cfg.Now()
	snap, err := m.begin(e, runID)
	if err != nil {
		return models.RefreshResult{}, err
	}
	m.bench.attempt()

	ok, reason := m.partialEligible(snap)
	partialFailed := false
	if ok {
		out, err := m.attemptPartial(ctx, snap, opt)
		if err == nil {
			return m.commit(ctx, e, snap, out, false, "", start)
		}
		partialFailed = true
		reason = fallbackReason(err)
		m.cfg.Metrics.RecordRefresh(string(models.RefreshPartial), false, out.duration)
		m.cfg.Logger.Warn("partial refresh failed, falling back to full rebuild",
			logger.String("run_id", runID),
			logger.String("reason", reason),
			logger.Error(err),
		)
		e.setState(models.RunFallbackRebuilding)
	}
	m.cfg.Metrics.RecordFallback(reason)

	return m.rebuild(ctx, e, snap, opt, reason, partialFailed, start)
}

// ExecuteFullRebuild recomputes the run over all tracked edges regardless of eligibility.
func (m *RefreshManager) ExecuteFullRebuild(ctx context.Context, runID string, opt drepo.Optimizer) (models.RefreshResult, error) {
	e, err := m.run(runID)
	if err != nil {
		return models.RefreshResult{}, err
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := m.cfg.Now()
	snap, err := m.begin(e, runID)
	if err != nil {
		return models.RefreshResult{}, err
	}
	m.bench.attempt()
	return m.rebuild(ctx, e, snap, opt, "", false, start)
}

func (m *RefreshManager) rebuild(ctx context.Context, e *runEntry, snap refreshSnapshot, opt drepo.Optimizer, reason string, partialFailed bool, start time.Time) (models.RefreshResult, error) {
	edges := snap.tracked.Sorted()
	req := models.OptimizationRequest{
		RunID:        snap.runID,
		Mode:         models.RefreshFull,
		EdgeIDs:      edges,
		ChangedEdges: snap.pending,
		Previous:     snap.previous,
	}

	callStart := m.cfg.Now()
	res, err := m.invoke(ctx, opt, req)
	elapsed := m.cfg.Now().Sub(callStart)
	if err != nil {
		e.restore()
		m.cfg.Metrics.RecordRefresh(string(models.RefreshFull), false, elapsed)
		m.cfg.Metrics.RecordError("full_rebuild")
		m.cfg.Logger.Error("full rebuild failed",
			logger.String("run_id", snap.runID),
			logger.Int("edges", len(edges)),
			logger.Error(err),
		)
		failed := m.failedResult(snap.runID, models.RefreshFull, reason, start)
		failed.UsedFallback = reason != ""
		return failed, &ProviderFailure{Op: "full rebuild", RunID: snap.runID, Err: err}
	}

	out := refreshOutcome{
		mode:     models.RefreshFull,
		result:   res,
		edges:    len(edges),
		clusters: len(m.aggregator.ClustersFor(edges)),
		duration: elapsed,
	}
	if partialFailed {
		m.bench.fallback()
	}
	return m.commit(ctx, e, snap, out, reason != "", reason, start)
}

// begin marks the run refreshing and copies what the refresh needs.
func (m *RefreshManager) begin(e *runEntry, runID string) (refreshSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.discarded {
		return refreshSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	e.meta.State = models.RunRefreshing
	return e.snapshot(), nil
}

func (m *RefreshManager) attemptPartial(ctx context.Context, snap refreshSnapshot, opt drepo.Optimizer) (refreshOutcome, error) {
	clusters := m.aggregator.ClustersFor(snap.pending)
	affected := models.NewEdgeSet(snap.pending...)
	for _, c := range clusters {
		for _, member := range c.Members {
			if snap.tracked.Has(member) {
				affected.Add(member)
			}
		}
	}
	m.prewarm(ctx, clusters)

	edges := affected.Sorted()
	req := models.OptimizationRequest{
		RunID:        snap.runID,
		Mode:         models.RefreshPartial,
		EdgeIDs:      edges,
		ChangedEdges: snap.pending,
		Previous:     snap.previous,
	}

	callStart := m.cfg.Now()
	res, err := m.invoke(ctx, opt, req)
	out := refreshOutcome{
		mode:     models.RefreshPartial,
		result:   res,
		edges:    len(edges),
		clusters: len(clusters),
		duration: m.cfg.Now().Sub(callStart),
	}
	if err != nil {
		return out, err
	}
	if snap.best != nil && res.Score < *snap.best-m.cfg.ScoreDeltaEpsilon {
		return out, fmt.Errorf("%w: score %.6f below best %.6f", errRegression, res.Score, *snap.best)
	}
	return out, nil
}

// prewarm warms large affected clusters before the optimizer runs. Skipped
// or failed warms do not affect the refresh.
func (m *RefreshManager) prewarm(ctx context.Context, clusters []models.Cluster) {
	if m.scheduler == nil || m.cfg.Provider == nil {
		return
	}
	var g errgroup.Group
	for _, c := range clusters {
		if !m.scheduler.ShouldWarmCache(c) {
			continue
		}
		c := c
		g.Go(func() error {
			m.scheduler.ScheduleCacheWarm(ctx, c, m.cfg.Provider)
			return nil
		})
	}
	_ = g.Wait()
}

// invoke calls the optimizer under the configured deadline. Panics, timeouts
// and NaN scores come back as errors.
func (m *RefreshManager) invoke(ctx context.Context, opt drepo.Optimizer, req models.OptimizationRequest) (models.OptimizationResult, error) {
	if m.cfg.OptimizerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.OptimizerTimeout)
		defer cancel()
	}

	type outcome struct {
		res models.OptimizationResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r}}
			}
		}()
		res, err := opt.Optimize(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return models.OptimizationResult{}, out.err
		}
		if math.IsNaN(out.res.Score) {
			return models.OptimizationResult{}, errNaNScore
		}
		return out.res, nil
	case <-ctx.Done():
		return models.OptimizationResult{}, ctx.Err()
	}
}

// commit applies a successful outcome. Only the pending edges the refresh saw
// are cleared; edges recorded meanwhile stay pending and are re-evaluated.
func (m *RefreshManager) commit(ctx context.Context, e *runEntry, snap refreshSnapshot, out refreshOutcome, usedFallback bool, reason string, start time.Time) (models.RefreshResult, error) {
	now := m.cfg.Now()
	total := now.Sub(start)

	e.mu.Lock()
	if e.discarded {
		e.mu.Unlock()
		m.cfg.Logger.Info("refresh result dropped for discarded run", logger.String("run_id", snap.runID))
		return models.RefreshResult{RunID: snap.runID, RefreshType: out.mode}, fmt.Errorf("%w: %s", ErrRunDiscarded, snap.runID)
	}

	var previous *float64
	if e.meta.BestScore != nil {
		p := *e.meta.BestScore
		previous = &p
	}
	score := out.result.Score
	e.meta.BestScore = &score
	result := out.result
	e.previous = &result
	e.meta.LastSolution = out.result.Solution

	for _, edge := range snap.pending {
		delete(e.pending, edge)
	}
	e.meta.RefreshCount++
	e.meta.LastRefresh = now
	e.meta.LastUsedFallback = usedFallback
	if out.mode == models.RefreshPartial {
		e.meta.LastPartialDuration = out.duration
	} else {
		e.meta.LastFullDuration = out.duration
	}
	e.meta.IsStale = false
	e.meta.StaleReason = models.StaleNone
	e.meta.State = models.RunFresh
	if remaining := e.pending.Sorted(); len(remaining) > 0 {
		if m.countTriggered(len(remaining)) || m.anyImpacted(remaining) {
			e.markStale(models.StalePendingChanges)
		}
	}
	e.mu.Unlock()

	m.bench.success(out.mode, out.duration)
	m.cfg.Metrics.RecordRefresh(string(out.mode), true, out.duration)

	decreased := out.mode == models.RefreshFull && previous != nil && score < *previous
	if decreased {
		m.cfg.Metrics.RecordScoreDecrease(snap.runID)
		m.cfg.Logger.Warn("score_decreased",
			logger.String("run_id", snap.runID),
			logger.Float64("previous_score", *previous),
			logger.Float64("score", score),
		)
	}

	res := models.RefreshResult{
		RunID:                snap.runID,
		Success:              true,
		Score:                score,
		UsedFallback:         usedFallback,
		DurationMs:           float64(total) / float64(time.Millisecond),
		AffectedClusterCount: out.clusters,
		AffectedEdgeCount:    out.edges,
		RefreshType:          out.mode,
		FallbackReason:       reason,
		Duration:             total,
	}
	m.cfg.Logger.Info("refresh committed",
		logger.String("run_id", snap.runID),
		logger.String("mode", string(out.mode)),
		logger.Float64("score", score),
		logger.Bool("used_fallback", usedFallback),
		logger.Int("edges", out.edges),
		logger.Duration("duration", total),
	)

	ev := models.RefreshEvent{
		ID:            uuid.NewString(),
		Type:          models.EventRefreshCompleted,
		RunID:         snap.runID,
		RefreshType:   out.mode,
		PreviousScore: previous,
		Score:         score,
		UsedFallback:  usedFallback,
		Reason:        reason,
		DurationMs:    res.DurationMs,
		EdgeCount:     out.edges,
		Timestamp:     now,
	}
	switch {
	case decreased:
		ev.Type = models.EventScoreDecreased
	case usedFallback && reason != reasonNoBaseline:
		ev.Type = models.EventFallbackUsed
	}
	m.emit(ctx, ev)
	return res, nil
}

func (m *RefreshManager) anyImpacted(edges []models.EdgeID) bool {
	for _, edge := range edges {
		if m.aggregator.IsEdgeImpacted(edge) {
			return true
		}
	}
	return false
}

// emit hands ev to the configured sinks. Sink errors are logged only.
func (m *RefreshManager) emit(ctx context.Context, ev models.RefreshEvent) {
	if m.cfg.Publisher == nil && m.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.EventTimeout)
	defer cancel()

	if m.cfg.Publisher != nil {
		if err := m.cfg.Publisher.PublishRefreshEvent(ctx, ev); err != nil {
			m.cfg.Metrics.RecordError("publish_refresh_event")
			m.cfg.Logger.Error("publish refresh event", logger.String("run_id", ev.RunID), logger.Error(err))
		}
	}
	if m.cfg.History != nil {
		if err := m.cfg.History.SaveRefreshEvent(ctx, ev); err != nil {
			m.cfg.Metrics.RecordError("save_refresh_event")
			m.cfg.Logger.Error("save refresh event", logger.String("run_id", ev.RunID), logger.Error(err))
		}
	}
}

func (m *RefreshManager) failedResult(runID string, mode models.RefreshMode, reason string, start time.Time) models.RefreshResult {
	d := m.cfg.Now().Sub(start)
	return models.RefreshResult{
		RunID:          runID,
		Success:        false,
		DurationMs:     float64(d) / float64(time.Millisecond),
		RefreshType:    mode,
		FallbackReason: reason,
		Duration:       d,
	}
}

func fallbackReason(err error) string {
	var pe *PanicError
	switch {
	case errors.Is(err, errRegression):
		return reasonRegression
	case errors.Is(err, errNaNScore):
		return reasonNaNScore
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	case errors.Is(err, context.Canceled):
		return reasonCancelled
	case errors.As(err, &pe):
		return reasonPanic
	default:
		return reasonOptimizerFail
	}
}

// GetRun returns a copy of the run's metadata.
func (m *RefreshManager) GetRun(runID string) (models.RunMetadata, error) {
	e, err := m.run(runID)
	if err != nil {
		return models.RunMetadata{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view(), nil
}

// Runs returns every tracked run ordered by id.
func (m *RefreshManager) Runs() []models.RunMetadata {
	m.mu.RLock()
	entries := make([]*runEntry, 0, len(m.runs))
	for _, e := range m.runs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.RunMetadata, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.view())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// DiscardRun stops tracking runID. An in-flight refresh finishes but its result is dropped.
func (m *RefreshManager) DiscardRun(runID string) error {
	m.mu.Lock()
	e, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	delete(m.runs, runID)
	m.mu.Unlock()

	e.mu.Lock()
	e.discarded = true
	e.mu.Unlock()

	m.cfg.Logger.Info("optimization run discarded", logger.String("run_id", runID))
	return nil
}

// CheckStaleness marks runs not refreshed within the maximum staleness
// interval as stale and returns their ids.
func (m *RefreshManager) CheckStaleness() []string {
	if m.cfg.MaxStalenessInterval <= 0 {
		return nil
	}
	now := m.cfg.Now()

	m.mu.RLock()
	entries := make([]*runEntry, 0, len(m.runs))
	for _, e := range m.runs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var marked []string
	for _, e := range entries {
		e.mu.Lock()
		ref := e.meta.LastRefresh
		if ref.IsZero() {
			ref = e.meta.CreatedAt
		}
		if !e.discarded && !e.meta.IsStale && now.Sub(ref) >= m.cfg.MaxStalenessInterval {
			e.markStale(models.StaleStalenessTimeout)
			marked = append(marked, e.meta.RunID)
		}
		e.mu.Unlock()
	}
	sort.Strings(marked)
	if len(marked) > 0 {
		m.cfg.Logger.Info("runs marked stale by timeout", logger.Strings("run_ids", marked))
	}
	return marked
}

// UpdateCorrelationMatrix updates clusters and drops warm state of removed ones.
func (m *RefreshManager) UpdateCorrelationMatrix(pairs []models.Correlation) models.CorrelationUpdate {
	upd := m.aggregator.UpdateCorrelationMatrix(pairs)
	if m.scheduler != nil && len(upd.Removed) > 0 {
		m.scheduler.Forget(upd.Removed...)
	}
	return upd
}

// PruneClusters applies policy to the aggregator and forgets pruned warm state.
func (m *RefreshManager) PruneClusters(policy PrunePolicy) []string {
	removed := m.aggregator.Prune(policy)
	if m.scheduler != nil && len(removed) > 0 {
		m.scheduler.Forget(removed...)
	}
	return removed
}

// GetPerformanceBenchmark compares partial and full refresh latency.
func (m *RefreshManager) GetPerformanceBenchmark() models.PerformanceBenchmark {
	b := &m.bench
	b.mu.Lock()
	defer b.mu.Unlock()

	out := models.PerformanceBenchmark{
		PartialRefreshCount: b.partialCount,
		FullRebuildCount:    b.fullCount,
	}
	if b.partialCount > 0 {
		out.AvgPartialMs = float64(b.partialTotal) / float64(b.partialCount) / float64(time.Millisecond)
	}
	if b.fullCount > 0 {
		out.AvgFullMs = float64(b.fullTotal) / float64(b.fullCount) / float64(time.Millisecond)
	}
	if b.partialCount > 0 && b.fullCount > 0 {
		out.BenchmarkAvailable = true
		if out.AvgFullMs > 0 {
			out.LatencyImprovementPct = (out.AvgFullMs - out.AvgPartialMs) / out.AvgFullMs * 100
		}
	}
	if b.attempts > 0 {
		out.SuccessRate = float64(b.successes) / float64(b.attempts)
	}
	if b.successes > 0 {
		out.FallbackRate = float64(b.fallbacks) / float64(b.successes)
	}
	return out
}

// Stats combines manager, aggregator and cache counters.
func (m *RefreshManager) Stats() models.ManagerStats {
	runs := m.Runs()
	stale := 0
	for _, r := range runs {
		if r.IsStale {
			stale++
		}
	}
	st := models.ManagerStats{
		TotalOptimizationRuns: len(runs),
		StaleRuns:             stale,
		Aggregator:            m.aggregator.Stats(),
		Benchmark:             m.GetPerformanceBenchmark(),
	}
	if m.scheduler != nil {
		st.Cache = m.scheduler.GetCachePerformanceStats()
	}
	return st
}

func (b *benchmark) attempt() {
	b.mu.Lock()
	b.attempts++
	b.mu.Unlock()
}

func (b *benchmark) fallback() {
	b.mu.Lock()
	b.fallbacks++
	b.mu.Unlock()
}

func (b *benchmark) success(mode models.RefreshMode, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	if mode == models.RefreshPartial {
		b.partialCount++
		b.partialTotal += d
		return
	}
	b.fullCount++
	b.fullTotal += d
}

// snapshot must be called with e.mu held.
func (e *runEntry) snapshot() refreshSnapshot {
	s := refreshSnapshot{
		runID:       e.meta.RunID,
		pending:     e.pending.Sorted(),
		tracked:     e.tracked.Clone(),
		lastRefresh: e.meta.LastRefresh,
	}
	if e.meta.BestScore != nil {
		best := *e.meta.BestScore
		s.best = &best
	}
	if e.previous != nil {
		prev := *e.previous
		s.previous = &prev
	}
	return s
}

// markStale must be called with e.mu held. An existing stale reason is kept.
func (e *runEntry) markStale(reason models.StaleReason) {
	if !e.meta.IsStale {
		e.meta.IsStale = true
		e.meta.StaleReason = reason
	}
	if e.meta.State == models.RunFresh {
		e.meta.State = models.RunStalePending
	}
}

func (e *runEntry) setState(s models.RunState) {
	e.mu.Lock()
	if !e.discarded {
		e.meta.State = s
	}
	e.mu.Unlock()
}

// restore returns a run to its resting state after a failed refresh.
func (e *runEntry) restore() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta.IsStale {
		e.meta.State = models.RunStalePending
	} else {
		e.meta.State = models.RunFresh
	}
}

// view must be called with e.mu held.
func (e *runEntry) view() models.RunMetadata {
	v := e.meta
	v.TrackedEdges = e.tracked.Sorted()
	v.PendingEdges = e.pending.Sorted()
	if e.meta.BestScore != nil {
		best := *e.meta.BestScore
		v.BestScore = &best
	}
	v.LastSolution = append([]byte(nil), e.meta.LastSolution...)
	return v
}
