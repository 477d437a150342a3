package repository

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
	pkgkafka "EdgeRefresh/pkg/kafka"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestCanonicalPairs(t *testing.T) {
	got := canonicalPairs([]models.Correlation{
		{A: "b", B: "a", Value: 0.5},
		{A: "a", B: "a", Value: 1},
		{A: "c", B: "d", Value: math.NaN()},
		{A: "c", B: "e", Value: -0.2},
	})
	require.Len(t, got, 2)
	assert.Equal(t, models.Correlation{A: "a", B: "b", Value: 0.5}, got[0])
	assert.Equal(t, models.Correlation{A: "c", B: "e", Value: -0.2}, got[1])
}

func TestEventArgs(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	prev := 1.5
	args := eventArgs(models.RefreshEvent{
		ID: "id", Type: models.EventScoreDecreased, RunID: "r1", RefreshType: models.RefreshFull,
		PreviousScore: &prev, Score: 1.2, UsedFallback: true, Reason: "regression",
		DurationMs: 12, EdgeCount: 3, Timestamp: ts,
	})
	require.Len(t, args, 11)
	assert.Equal(t, "score_decreased", args[1])
	assert.Equal(t, 1.5, args[4])
	assert.Equal(t, uint8(1), args[6])
	assert.Equal(t, uint32(3), args[9])
	assert.Equal(t, ts, args[10])

	args = eventArgs(models.RefreshEvent{})
	assert.Nil(t, args[4])
	assert.Equal(t, uint8(0), args[6])
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   interface{}
	headers []pkgkafka.Header
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaEventPublisher_KeysByRun(t *testing.T) {
	fp := &fakeProducer{}
	pub := NewKafkaEventPublisher(fp, "events")
	ev := models.RefreshEvent{RunID: "r9", Type: models.EventRefreshCompleted}

	require.NoError(t, pub.PublishRefreshEvent(context.Background(), ev))
	assert.Equal(t, "events", fp.topic)
	assert.Equal(t, []byte("r9"), fp.key)
	assert.Equal(t, ev, fp.value)
	require.Len(t, fp.headers, 1)
	assert.Equal(t, "event_type", fp.headers[0].Key)
	assert.Equal(t, []byte(models.EventRefreshCompleted), fp.headers[0].Value)
}

func TestCorrelations_ShortInputSkipsQuery(t *testing.T) {
	s := NewCHCorrelationStore(nil, "t", nil)
	got, err := s.Correlations(context.Background(), []models.EdgeID{"a"})
	require.NoError(t, err)
	assert.Nil(t, got)
}
