package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
	mid "EdgeRefresh/internal/middleware"
	"EdgeRefresh/internal/usecase"
	"EdgeRefresh/pkg/config"
	xhttp "EdgeRefresh/pkg/http"
)

type closeRecorder struct{ closed int }

func (c *closeRecorder) Close() error {
	c.closed++
	return errors.New("already closed")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = time.Second
	cfg.Refresh.StalenessCheckInterval = 5 * time.Millisecond
	return cfg
}

func TestApp_MaintainMarksStaleRuns(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	m := usecase.NewRefreshManager(nil, nil,
		usecase.WithMaxStalenessInterval(time.Minute),
		usecase.WithManagerClock(clock),
	)
	_, err := m.CreateOptimizationRun("r1", []models.EdgeID{"a"})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	app := New(testConfig(), nil, Components{Manager: m}, xhttp.WithRegistry(reg, reg))

	app.Maintain()
	meta, _ := m.GetRun("r1")
	assert.False(t, meta.IsStale)

	now = now.Add(2 * time.Minute)
	app.Maintain()
	meta, _ = m.GetRun("r1")
	assert.True(t, meta.IsStale)
	assert.Equal(t, models.StaleStalenessTimeout, meta.StaleReason)
}

func TestApp_RunContextShutsDown(t *testing.T) {
	m := usecase.NewRefreshManager(nil, nil)
	pipe := mid.NewChangePipeline(mid.SinkFunc(func(_ context.Context, ev models.EdgeChangeEvent) error {
		m.IngestEdgeChange(ev)
		return nil
	}))
	closer := &closeRecorder{}

	reg := prometheus.NewRegistry()
	app := New(testConfig(), nil, Components{
		Manager:  m,
		Pipeline: pipe,
		Closers:  []io.Closer{closer, nil},
	}, xhttp.WithRegistry(reg, reg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, 1, closer.closed)
}

func TestApp_ListenFailureStillShutsDown(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Server.Port = taken.Addr().(*net.TCPAddr).Port

	m := usecase.NewRefreshManager(nil, nil)
	var delivered []models.EdgeChangeEvent
	pipe := mid.NewChangePipeline(mid.SinkFunc(func(_ context.Context, ev models.EdgeChangeEvent) error {
		delivered = append(delivered, ev)
		return nil
	}), mid.WithMaxRPS(1))
	// second change is deferred by the per-edge rate and only a clean stop delivers it
	require.NoError(t, pipe.Process(context.Background(), models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))
	require.NoError(t, pipe.Process(context.Background(), models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.2}))
	closer := &closeRecorder{}

	reg := prometheus.NewRegistry()
	app := New(cfg, nil, Components{
		Manager:  m,
		Pipeline: pipe,
		Closers:  []io.Closer{closer},
	}, xhttp.WithRegistry(reg, reg), xhttp.WithHost("127.0.0.1"))

	done := make(chan error, 1)
	go func() { done <- app.RunContext(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after listen failure")
	}
	assert.Equal(t, 1, closer.closed)
	assert.Len(t, delivered, 2)
	assert.Equal(t, 0, pipe.Pending())
}

func TestApp_MaintainSweepsPipelineState(t *testing.T) {
	now := time.Unix(1000, 0)
	pipe := mid.NewChangePipeline(mid.SinkFunc(func(context.Context, models.EdgeChangeEvent) error { return nil }),
		mid.WithPipelineClock(func() time.Time { return now }))
	require.NoError(t, pipe.Process(context.Background(), models.EdgeChangeEvent{EdgeID: "e1", Magnitude: 0.1}))

	reg := prometheus.NewRegistry()
	app := New(testConfig(), nil, Components{Manager: usecase.NewRefreshManager(nil, nil), Pipeline: pipe}, xhttp.WithRegistry(reg, reg))

	app.Maintain()
	assert.Equal(t, 1, pipe.Tracked())

	now = now.Add(idleStateAfter)
	app.Maintain()
	assert.Equal(t, 0, pipe.Tracked())
}
