package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
	"EdgeRefresh/pkg/metrics"
)

// fakeStream serves one channel pair per Read call.
type fakeStream struct {
	mu         sync.Mutex
	reads      []chan *models.EdgeChangeEvent
	errs       []chan error
	reconnects int32
	connected  bool
}

func newFakeStream(n int) *fakeStream {
	s := &fakeStream{}
	for i := 0; i < n; i++ {
		s.reads = append(s.reads, make(chan *models.EdgeChangeEvent, 8))
		s.errs = append(s.errs, make(chan error, 1))
	}
	return s
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Subscribe(context.Context) error { return nil }

func (s *fakeStream) Read(context.Context) (<-chan *models.EdgeChangeEvent, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, errs := s.reads[0], s.errs[0]
	if len(s.reads) > 1 {
		s.reads, s.errs = s.reads[1:], s.errs[1:]
	}
	return ch, errs
}

func (s *fakeStream) Reconnect(context.Context) error {
	atomic.AddInt32(&s.reconnects, 1)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func TestChangeCollector_ForwardsAndReconnects(t *testing.T) {
	stream := newFakeStream(2)
	first, firstErr, second := stream.reads[0], stream.errs[0], stream.reads[1]
	proc := &recordingProcessor{}
	c := NewChangeCollector(stream, proc, metrics.Noop{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsConnected())

	first <- &models.EdgeChangeEvent{EdgeID: "e1"}
	assert.Eventually(t, func() bool { return len(proc.Events()) == 1 }, time.Second, 5*time.Millisecond)

	firstErr <- errors.New("socket closed")
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&stream.reconnects) == 1 }, time.Second, 5*time.Millisecond)

	second <- &models.EdgeChangeEvent{EdgeID: "e2"}
	assert.Eventually(t, func() bool { return len(proc.Events()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, c.Shutdown(shutdownCtx))
	assert.False(t, c.IsConnected())
}
