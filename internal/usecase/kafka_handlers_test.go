package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
	mid "EdgeRefresh/internal/middleware"
	pkgkafka "EdgeRefresh/pkg/kafka"
	"EdgeRefresh/pkg/metrics"
)

type recordingProcessor struct {
	mu  sync.Mutex
	got []models.EdgeChangeEvent
	err error
}

func (p *recordingProcessor) Process(_ context.Context, ev models.EdgeChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.EdgeID == "" {
		return mid.ErrInvalidChange
	}
	p.got = append(p.got, ev)
	return p.err
}

func (p *recordingProcessor) Events() []models.EdgeChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.EdgeChangeEvent(nil), p.got...)
}

func TestEdgeChangeHandler_Handle(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
		poison  bool
	}{
		{name: "single", payload: `{"edge_id":"e1","change_type":"price_move","magnitude":0.3}`, want: 1},
		{name: "array", payload: `[{"edge_id":"e1"},{"edge_id":"e2"},{"edge_id":""}]`, want: 2},
		{name: "garbage", payload: `{"edge_id":`, poison: true},
		{name: "all invalid", payload: `[{"edge_id":""}]`, poison: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &recordingProcessor{}
			h := NewEdgeChangeHandler("changes", proc, metrics.Noop{}, nil)
			assert.Equal(t, "changes", h.Topic())

			err := h.Handle(context.Background(), []byte(tt.payload))
			if tt.poison {
				assert.ErrorIs(t, err, pkgkafka.ErrPoisonMessage)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, proc.Events(), tt.want)
		})
	}
}

func TestEdgeChangeHandler_DownstreamFailureIsNotRetried(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("buffered")}
	h := NewEdgeChangeHandler("changes", proc, metrics.Noop{}, nil)
	assert.NoError(t, h.Handle(context.Background(), []byte(`{"edge_id":"e1"}`)))
}

func TestCorrelationHandler_UpdatesClusters(t *testing.T) {
	m := NewRefreshManager(NewChangeAggregator(WithCorrelationClusterThreshold(0.4)), nil)
	h := NewCorrelationHandler("corr", m, metrics.Noop{}, nil)

	err := h.Handle(context.Background(), []byte(`{"pairs":[{"a":"1","b":"2","value":0.8},{"a":"2","b":"3","value":0.1}]}`))
	require.NoError(t, err)

	clusters := m.Aggregator().Clusters()
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, edges("1", "2"), clusters[0].Members)

	assert.NoError(t, h.Handle(context.Background(), []byte(`{"pairs":[]}`)))
	assert.ErrorIs(t, h.Handle(context.Background(), []byte(`nope`)), pkgkafka.ErrPoisonMessage)
}
