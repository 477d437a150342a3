package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
)

type collectSink struct {
	mu     sync.Mutex
	events []models.EdgeChangeEvent
	fail   int
}

func (s *collectSink) Ingest(_ context.Context, ev models.EdgeChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) Events() []models.EdgeChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.EdgeChangeEvent(nil), s.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestChangePipeline_Normalizes(t *testing.T) {
	sink := &collectSink{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := NewChangePipeline(sink, WithPipelineClock(clock.Now))

	err := p.Process(context.Background(), models.EdgeChangeEvent{EdgeID: "e1", ChangeType: " Price_Move ", Magnitude: 0.5})
	require.NoError(t, err)

	got := sink.Events()
	require.Len(t, got, 1)
	assert.Equal(t, models.ChangePriceMove, got[0].ChangeType)
	assert.Equal(t, clock.now, got[0].Timestamp)

	err = p.Process(context.Background(), models.EdgeChangeEvent{ChangeType: "price_move"})
	assert.ErrorIs(t, err, ErrInvalidChange)
	assert.Len(t, sink.Events(), 1)
}

func TestChangePipeline_ThrottleDefersInOrder(t *testing.T) {
	sink := &collectSink{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := NewChangePipeline(sink, WithPipelineClock(clock.Now), WithMaxRPS(10))
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.9}))
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.3}))
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e2", Magnitude: 0.2}))

	assert.Len(t, sink.Events(), 2)
	assert.Equal(t, 2, p.Pending())

	// not yet due
	p.drainDeferred(ctx, false)
	assert.Len(t, sink.Events(), 2)

	clock.Advance(150 * time.Millisecond)
	p.drainDeferred(ctx, false)

	got := sink.Events()
	require.Len(t, got, 4)
	assert.Equal(t, models.EdgeID("e1"), got[2].EdgeID)
	assert.InDelta(t, 0.9, got[2].Magnitude, 1e-9)
	assert.InDelta(t, 0.3, got[3].Magnitude, 1e-9)
	assert.Equal(t, 0, p.Pending())
}

func TestChangePipeline_BacklogOverflowDeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := NewChangePipeline(sink, WithPipelineClock(clock.Now), WithMaxRPS(1), WithBufferSize(2))
	ctx := context.Background()

	for _, m := range []float64{0.1, 0.2, 0.3, 0.4} {
		require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: m}))
	}

	got := sink.Events()
	require.Len(t, got, 4)
	for i, m := range []float64{0.1, 0.2, 0.3, 0.4} {
		assert.InDelta(t, m, got[i].Magnitude, 1e-9)
	}
	assert.Equal(t, 0, p.Pending())
}

func TestChangePipeline_SweepForgetsIdleEdges(t *testing.T) {
	sink := &collectSink{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	p := NewChangePipeline(sink, WithPipelineClock(clock.Now), WithMaxRPS(10))
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))
	clock.Advance(time.Minute)
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e2", Magnitude: 0.1}))
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e2", Magnitude: 0.2}))
	assert.Equal(t, 2, p.Tracked())

	assert.Equal(t, 0, p.Sweep(2*time.Minute))
	assert.Equal(t, 1, p.Sweep(30*time.Second))
	assert.Equal(t, 1, p.Tracked())

	// e2 has a backlog, so its state survives any sweep
	clock.Advance(time.Hour)
	assert.Equal(t, 0, p.Sweep(time.Second))
	assert.Equal(t, 1, p.Pending())
}

func TestChangePipeline_ZeroRPSDisablesThrottle(t *testing.T) {
	sink := &collectSink{}
	p := NewChangePipeline(sink, WithMaxRPS(0))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Process(context.Background(), models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))
	}
	assert.Len(t, sink.Events(), 5)
}

func TestChangePipeline_RetriesBufferedOnFailure(t *testing.T) {
	sink := &collectSink{fail: 1}
	p := NewChangePipeline(sink, WithMaxRPS(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.4})
	require.Error(t, err)
	assert.Equal(t, 1, p.Pending())

	p.Start(ctx)
	defer p.Stop()

	assert.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChangePipeline_StopFlushesDeferred(t *testing.T) {
	sink := &collectSink{}
	p := NewChangePipeline(sink, WithMaxRPS(1))
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))
	require.NoError(t, p.Process(ctx, models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.6}))

	p.Stop()
	got := sink.Events()
	require.Len(t, got, 2)
	assert.InDelta(t, 0.6, got[1].Magnitude, 1e-9)
}
