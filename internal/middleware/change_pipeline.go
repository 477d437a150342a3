package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"EdgeRefresh/internal/domain/models"
	drepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/pkg/logger"
	"EdgeRefresh/pkg/metrics"
)

// ErrInvalidChange is returned for events that cannot be attributed to an edge.
var ErrInvalidChange = errors.New("invalid edge change")

// Sink receives normalized change events.
type Sink interface {
	Ingest(ctx context.Context, ev models.EdgeChangeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.EdgeChangeEvent) error

func (f SinkFunc) Ingest(ctx context.Context, ev models.EdgeChangeEvent) error { return f(ctx, ev) }

// ChangePipeline sits between change sources and the aggregator. It
// normalizes events, throttles each edge to a maximum rate, and buffers
// events the sink rejected for retry. Events arriving faster than the rate
// are deferred per edge and delivered in arrival order once the edge's
// interval has passed. Every event reaches the sink, so the aggregator
// applies one impact step per change however bursty the source is.
type ChangePipeline struct {
	sink    Sink
	metrics drepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	maxRPS  int
	bufSize int
	bufCh   chan models.EdgeChangeEvent

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	done      chan struct{}
	lastSeen  map[models.EdgeID]time.Time
	deferred  map[models.EdgeID][]models.EdgeChangeEvent
	deferredN int
}

// PipelineOption configures a ChangePipeline.
type PipelineOption func(*ChangePipeline)

// WithMaxRPS sets the maximum deliveries per second per edge; 0 disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *ChangePipeline) {
		if n >= 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sets the retry buffer size used when the sink fails. It
// also bounds the number of deferred events; past it, an edge's backlog is
// delivered immediately.
func WithBufferSize(n int) PipelineOption {
	return func(p *ChangePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithPipelineLogger(l *logger.Logger) PipelineOption {
	return func(p *ChangePipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithPipelineMetrics(m drepo.Metrics) PipelineOption {
	return func(p *ChangePipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *ChangePipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewChangePipeline creates a pipeline delivering to sink.
func NewChangePipeline(sink Sink, opts ...PipelineOption) *ChangePipeline {
	p := &ChangePipeline{
		sink:     sink,
		metrics:  metrics.Noop{},
		log:      logger.Nop(),
		now:      time.Now,
		maxRPS:   20,
		bufSize:  1000,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		lastSeen: make(map[models.EdgeID]time.Time),
		deferred: make(map[models.EdgeID][]models.EdgeChangeEvent),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.EdgeChangeEvent, p.bufSize)
	return p
}

// Start launches the background loop that retries buffered events and
// releases deferred ones.
func (p *ChangePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *ChangePipeline) run(ctx context.Context) {
	defer close(p.done)

	tick := 100 * time.Millisecond
	if p.maxRPS > 0 {
		if iv := time.Second / time.Duration(p.maxRPS); iv < tick {
			tick = iv
		}
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-p.stopCh:
			p.drainDeferred(ctx, true)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainDeferred(ctx, false)
		case ev := <-p.bufCh:
			if err := p.sink.Ingest(ctx, ev); err != nil {
				if backoff < 2*time.Second {
					backoff *= 2
				}
				p.metrics.RecordError("pipeline_flush")
				select {
				case <-time.After(backoff):
				case <-p.stopCh:
					p.drainDeferred(ctx, true)
					return
				}
				select {
				case p.bufCh <- ev:
				default:
					p.metrics.RecordError("pipeline_buffer_drop")
					p.log.Warn("change dropped after retry", logger.String("edge_id", string(ev.EdgeID)))
				}
				continue
			}
			backoff = 50 * time.Millisecond
		}
	}
}

// Stop stops the background loop after delivering deferred events.
func (p *ChangePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	<-p.done
}

// Process normalizes ev and delivers it, or defers it when its edge is over
// the rate limit. When the deferred backlog is full the edge's backlog and
// ev are delivered right away, in order. A sink failure buffers the event
// for retry and is returned wrapped.
func (p *ChangePipeline) Process(ctx context.Context, ev models.EdgeChangeEvent) error {
	start := p.now()
	ev, err := p.normalize(ev, start)
	if err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}

	p.mu.Lock()
	if p.allowLocked(ev.EdgeID, start) {
		p.mu.Unlock()
		return p.deliver(ctx, ev, start)
	}
	if p.deferredN < p.bufSize {
		p.deferred[ev.EdgeID] = append(p.deferred[ev.EdgeID], ev)
		p.deferredN++
		p.mu.Unlock()
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}
	batch := append(p.takeLocked(ev.EdgeID), ev)
	p.lastSeen[ev.EdgeID] = start
	p.mu.Unlock()

	p.metrics.RecordError("pipeline_throttle_overflow")
	return p.deliverAll(ctx, batch, start)
}

func (p *ChangePipeline) deliver(ctx context.Context, ev models.EdgeChangeEvent, start time.Time) error {
	if err := p.sink.Ingest(ctx, ev); err != nil {
		p.metrics.RecordError("pipeline_process")
		select {
		case p.bufCh <- ev:
		default:
			p.metrics.RecordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", p.now().Sub(start).Seconds())
	return nil
}

func (p *ChangePipeline) deliverAll(ctx context.Context, batch []models.EdgeChangeEvent, start time.Time) error {
	var errs []error
	for _, ev := range batch {
		if err := p.deliver(ctx, ev, start); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of deferred and buffered events not yet delivered.
func (p *ChangePipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deferredN + len(p.bufCh)
}

// Sweep forgets the rate state of edges idle for longer than idle that have
// nothing deferred, and returns how many were dropped.
func (p *ChangePipeline) Sweep(idle time.Duration) int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for edge, last := range p.lastSeen {
		if now.Sub(last) < idle {
			continue
		}
		if _, waiting := p.deferred[edge]; waiting {
			continue
		}
		delete(p.lastSeen, edge)
		n++
	}
	return n
}

// Tracked returns the number of edges with rate state.
func (p *ChangePipeline) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lastSeen)
}

func (p *ChangePipeline) normalize(ev models.EdgeChangeEvent, now time.Time) (models.EdgeChangeEvent, error) {
	if ev.EdgeID == "" {
		return ev, fmt.Errorf("%w: empty edge id", ErrInvalidChange)
	}
	ev.ChangeType = models.ParseChangeType(string(ev.ChangeType))
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	return ev, nil
}

func (p *ChangePipeline) interval() time.Duration {
	return time.Second / time.Duration(p.maxRPS)
}

func (p *ChangePipeline) allowLocked(edge models.EdgeID, now time.Time) bool {
	if p.maxRPS <= 0 {
		return true
	}
	if _, waiting := p.deferred[edge]; waiting {
		return false
	}
	last, seen := p.lastSeen[edge]
	if seen && now.Sub(last) < p.interval() {
		return false
	}
	p.lastSeen[edge] = now
	return true
}

// Flush delivers every deferred event now, in arrival order per edge.
func (p *ChangePipeline) Flush(ctx context.Context) {
	p.drainDeferred(ctx, true)
}

// takeLocked removes and returns the backlog of edge.
func (p *ChangePipeline) takeLocked(edge models.EdgeID) []models.EdgeChangeEvent {
	backlog := p.deferred[edge]
	delete(p.deferred, edge)
	p.deferredN -= len(backlog)
	return backlog
}

// drainDeferred delivers the backlog of every edge whose interval has
// passed, or of all edges when force is set.
func (p *ChangePipeline) drainDeferred(ctx context.Context, force bool) {
	now := p.now()
	p.mu.Lock()
	var ready []models.EdgeChangeEvent
	for edge := range p.deferred {
		if force || p.maxRPS <= 0 || now.Sub(p.lastSeen[edge]) >= p.interval() {
			ready = append(ready, p.takeLocked(edge)...)
			p.lastSeen[edge] = now
		}
	}
	p.mu.Unlock()

	_ = p.deliverAll(ctx, ready, now)
}
