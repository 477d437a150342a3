package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/cache"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/metrics"
)

const submatrixKeyPrefix = "corr"

// skip reasons reported by eligibility checks
const (
	warmOK        = ""
	warmTooSmall  = "too_small"
	warmDuplicate = "duplicate"
	warmInterval  = "interval"
	warmCapacity  = "capacity"
)

// SchedulerOption configures a CacheWarmScheduler.
type SchedulerOption func(*SchedulerConfig)

// SchedulerConfig holds CacheWarmScheduler settings.
type SchedulerConfig struct {
	ClusterSizeThreshold int
	Interval             time.Duration
	MaxConcurrent        int
	Timeout              time.Duration
	TTL                  time.Duration
	DistributedLock      bool
	Logger               *logger.Logger
	Metrics              drepo.Metrics
	Now                  func() time.Time
}

func WithWarmClusterSizeThreshold(n int) SchedulerOption {
	return func(c *SchedulerConfig) {
		if n > 0 {
			c.ClusterSizeThreshold = n
		}
	}
}

func WithWarmInterval(d time.Duration) SchedulerOption {
	return func(c *SchedulerConfig) {
		if d >= 0 {
			c.Interval = d
		}
	}
}

func WithMaxConcurrentWarms(n int) SchedulerOption {
	return func(c *SchedulerConfig) {
		if n > 0 {
			c.MaxConcurrent = n
		}
	}
}

// WithWarmTimeout bounds a single provider call.
func WithWarmTimeout(d time.Duration) SchedulerOption {
	return func(c *SchedulerConfig) {
		if d > 0 {
			c.Timeout = d
		}
	}
}

// WithWarmTTL sets the expiration of stored submatrices; 0 uses the store default.
func WithWarmTTL(d time.Duration) SchedulerOption {
	return func(c *SchedulerConfig) { c.TTL = d }
}

// WithDistributedLock takes a store lock per submatrix so that several
// processes sharing one store do not warm the same cluster together.
func WithDistributedLock(enabled bool) SchedulerOption {
	return func(c *SchedulerConfig) { c.DistributedLock = enabled }
}

func WithSchedulerLogger(l *logger.Logger) SchedulerOption {
	return func(c *SchedulerConfig) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithSchedulerMetrics(m drepo.Metrics) SchedulerOption {
	return func(c *SchedulerConfig) {
		if m != nil {
			c.Metrics = m
		}
	}
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(c *SchedulerConfig) {
		if now != nil {
			c.Now = now
		}
	}
}

// CacheWarmScheduler proactively refreshes cached correlation submatrices for
// large clusters, with at most MaxConcurrent warms running at once.
type CacheWarmScheduler struct {
	cfg   SchedulerConfig
	store cache.Service
	slots *semaphore.Weighted

	mu       sync.Mutex
	states   map[string]*models.CacheWarmState
	inFlight int

	warmsIssued  int64
	skippedDup   int64
	skippedCap   int64
	failures     int64
	hits         int64
	misses       int64
	warmCount    int64
	warmDuration time.Duration
}

// NewCacheWarmScheduler creates a scheduler storing submatrices in store.
func NewCacheWarmScheduler(store cache.Service, opts ...SchedulerOption) *CacheWarmScheduler {
	cfg := SchedulerConfig{
		ClusterSizeThreshold: 5,
		Interval:             300 * time.Second,
		MaxConcurrent:        3,
		Timeout:              10 * time.Second,
		Logger:               logger.Nop(),
		Metrics:              metrics.Noop{},
		Now:                  time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &CacheWarmScheduler{
		cfg:    cfg,
		store:  store,
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		states: make(map[string]*models.CacheWarmState),
	}
}

// ShouldWarmCache reports whether c is large enough, due, not already being
// warmed, and a slot is free.
func (s *CacheWarmScheduler) ShouldWarmCache(c models.Cluster) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligibilityLocked(c) == warmOK
}

func (s *CacheWarmScheduler) eligibilityLocked(c models.Cluster) string {
	st := s.stateLocked(c.ID)
	switch {
	case c.Size() < s.cfg.ClusterSizeThreshold:
		return warmTooSmall
	case st.InProgress:
		return warmDuplicate
	case !st.LastWarm.IsZero() && s.cfg.Now().Sub(st.LastWarm) < s.cfg.Interval:
		return warmInterval
	case s.inFlight >= s.cfg.MaxConcurrent:
		return warmCapacity
	}
	return warmOK
}

func (s *CacheWarmScheduler) stateLocked(id string) *models.CacheWarmState {
	st, ok := s.states[id]
	if !ok {
		st = &models.CacheWarmState{ClusterID: id}
		s.states[id] = st
	}
	return st
}

// ScheduleCacheWarm warms the submatrix of c through p. It never blocks on a
// slot: it returns false at once when c is not eligible, and false when the
// provider fails, leaving any previous entry in place.
func (s *CacheWarmScheduler) ScheduleCacheWarm(ctx context.Context, c models.Cluster, p drepo.CorrelationProvider) bool {
	s.mu.Lock()
	switch s.eligibilityLocked(c) {
	case warmOK:
	case warmDuplicate:
		s.skippedDup++
		s.mu.Unlock()
		s.cfg.Metrics.RecordCacheWarm("skipped_duplicate", 0)
		return false
	case warmCapacity:
		s.skippedCap++
		s.mu.Unlock()
		s.cfg.Metrics.RecordCacheWarm("skipped_capacity", 0)
		return false
	default:
		s.mu.Unlock()
		return false
	}
	if !s.slots.TryAcquire(1) {
		s.skippedCap++
		s.mu.Unlock()
		s.cfg.Metrics.RecordCacheWarm("skipped_capacity", 0)
		return false
	}
	st := s.states[c.ID]
	st.InProgress = true
	s.inFlight++
	s.warmsIssued++
	inFlight := s.inFlight
	s.mu.Unlock()
	s.cfg.Metrics.SetWarmsInFlight(inFlight)

	members := append([]models.EdgeID(nil), c.Members...)
	models.SortEdges(members)
	key := submatrixKey(members)

	start := s.cfg.Now()
	existed, err := s.warm(ctx, key, members, p)
	elapsed := s.cfg.Now().Sub(start)

	s.mu.Lock()
	st.InProgress = false
	s.inFlight--
	s.slots.Release(1)
	if err == nil {
		st.LastWarm = s.cfg.Now()
		if existed {
			st.HitCount++
			s.hits++
		} else {
			st.MissCount++
			s.misses++
		}
		s.warmCount++
		s.warmDuration += elapsed
	} else {
		s.failures++
	}
	inFlight = s.inFlight
	s.mu.Unlock()
	s.cfg.Metrics.SetWarmsInFlight(inFlight)

	if err != nil {
		s.cfg.Metrics.RecordCacheWarm("failure", elapsed)
		s.cfg.Metrics.RecordError("cache_warm")
		s.cfg.Logger.Warn("cache warm failed",
			logger.String("cluster_id", c.ID),
			logger.Int("members", len(members)),
			logger.Error(err),
		)
		return false
	}

	result := "miss"
	if existed {
		result = "hit"
	}
	s.cfg.Metrics.RecordCacheWarm(result, elapsed)
	s.cfg.Logger.Debug("cache warmed",
		logger.String("cluster_id", c.ID),
		logger.Int("members", len(members)),
		logger.Duration("duration", elapsed),
	)
	return true
}

func (s *CacheWarmScheduler) warm(ctx context.Context, key string, members []models.EdgeID, p drepo.CorrelationProvider) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.cfg.DistributedLock {
		lockKey := cache.LockKey(key)
		ok, err := s.store.TryLock(ctx, lockKey, s.cfg.Timeout)
		if err != nil {
			return false, fmt.Errorf("acquire warm lock: %w", err)
		}
		if !ok {
			return false, errors.New("submatrix is being warmed by another process")
		}
		defer func() {
			// the warm context may already be done
			unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.store.Unlock(unlockCtx, lockKey)
		}()
	}

	pairs, err := fetchCorrelations(ctx, p, members)
	if err != nil {
		return false, err
	}

	existed, err := s.store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check cached submatrix: %w", err)
	}
	sub := models.Submatrix{Members: members, Pairs: pairs, WarmedAt: s.cfg.Now()}
	if err := s.store.Set(ctx, key, sub, s.cfg.TTL); err != nil {
		return false, fmt.Errorf("store submatrix: %w", err)
	}
	return existed, nil
}

// fetchCorrelations calls p and converts a panic or a missed deadline into an error.
func fetchCorrelations(ctx context.Context, p drepo.CorrelationProvider, members []models.EdgeID) ([]models.Correlation, error) {
	type outcome struct {
		pairs []models.Correlation
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r}}
			}
		}()
		pairs, err := p.Correlations(ctx, members)
		done <- outcome{pairs: pairs, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, &ProviderFailure{Op: "correlation provider", Err: out.err}
		}
		return out.pairs, nil
	case <-ctx.Done():
		return nil, &ProviderFailure{Op: "correlation provider", Err: ctx.Err()}
	}
}

// CachedCorrelations reads a stored submatrix for members and counts the lookup.
func (s *CacheWarmScheduler) CachedCorrelations(ctx context.Context, members []models.EdgeID) (models.Submatrix, bool) {
	ids := append([]models.EdgeID(nil), members...)
	models.SortEdges(ids)

	var sub models.Submatrix
	err := s.store.Get(ctx, submatrixKey(ids), &sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.misses++
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.cfg.Logger.Warn("cached correlations read failed", logger.Error(err))
		}
		return models.Submatrix{}, false
	}
	s.hits++
	return sub, true
}

// GetCachePerformanceStats returns counters since construction.
func (s *CacheWarmScheduler) GetCachePerformanceStats() models.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := models.CacheStats{
		WarmsIssued:           s.warmsIssued,
		WarmsSkippedDuplicate: s.skippedDup,
		WarmsSkippedCapacity:  s.skippedCap,
		WarmFailures:          s.failures,
		InFlight:              s.inFlight,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	if s.warmCount > 0 {
		st.AvgWarmDuration = s.warmDuration / time.Duration(s.warmCount)
	}
	return st
}

// State returns the warm bookkeeping of a cluster, if any.
func (s *CacheWarmScheduler) State(clusterID string) (models.CacheWarmState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[clusterID]
	if !ok {
		return models.CacheWarmState{}, false
	}
	return *st, true
}

// Forget drops the state of clusters that no longer exist. In-progress states are kept
// until their warm finishes.
func (s *CacheWarmScheduler) Forget(clusterIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range clusterIDs {
		if st, ok := s.states[id]; ok && !st.InProgress {
			delete(s.states, id)
		}
	}
}

func submatrixKey(sorted []models.EdgeID) string {
	ids := make([]string, len(sorted))
	for i, e := range sorted {
		ids[i] = string(e)
	}
	return cache.SetKey(submatrixKeyPrefix, ids)
}
