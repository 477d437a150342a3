package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestNewProducer_RequiresBrokers(t *testing.T) {
	_, err := NewProducer(WithProducerRegisterer(nil))
	assert.Error(t, err)
}

func TestProducer_Publish(t *testing.T) {
	w := &captureWriter{}
	reg := prometheus.NewRegistry()
	p, err := NewProducer(withWriter(w), WithProducerRegisterer(reg))
	require.NoError(t, err)

	err = p.Publish(context.Background(), "events", []byte("r1"), map[string]int{"n": 1},
		Header{Key: "event_type", Value: []byte("refresh_completed")})
	require.NoError(t, err)
	require.NoError(t, p.PublishMessage(context.Background(), "logs", "raw"))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "events", w.msgs[0].Topic)
	assert.Equal(t, []byte("r1"), w.msgs[0].Key)
	assert.JSONEq(t, `{"n":1}`, string(w.msgs[0].Value))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	assert.Nil(t, w.msgs[1].Key)
	assert.Equal(t, []byte("raw"), w.msgs[1].Value)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("events", "ok")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.metrics.bytes.WithLabelValues("events", "snappy")))
}

func TestProducer_PublishErrors(t *testing.T) {
	w := &captureWriter{err: errors.New("broker down")}
	p, err := NewProducer(withWriter(w), WithProducerRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	err = p.Publish(context.Background(), "events", nil, "x")
	assert.ErrorIs(t, err, w.err)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.messages.WithLabelValues("events", "error")))

	err = p.Publish(context.Background(), "events", nil, func() {})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	assert.Equal(t, kafka.Compression(0), parseCompression("none"))
	assert.Equal(t, kafka.Gzip, parseCompression("gzip"))
	assert.Equal(t, kafka.Zstd, parseCompression("zstd"))
	assert.Equal(t, kafka.Snappy, parseCompression(""))
}
