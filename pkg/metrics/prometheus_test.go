package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_IndependentRegistries(t *testing.T) {
	r1 := New(WithRegisterer(prometheus.NewRegistry()))
	r2 := New(WithRegisterer(prometheus.NewRegistry()))

	r1.RecordEdgeChange("price_move")
	r1.RecordEdgeChange("price_move")
	r2.RecordEdgeChange("price_move")

	assert.Equal(t, 2.0, testutil.ToFloat64(r1.edgeChanges.WithLabelValues("price_move")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r2.edgeChanges.WithLabelValues("price_move")))
}

func TestRecorder_RefreshAndCacheCounters(t *testing.T) {
	r := New(WithRegisterer(prometheus.NewRegistry()))

	r.RecordRefresh("partial_refresh", true, 10*time.Millisecond)
	r.RecordRefresh("full_rebuild", false, 20*time.Millisecond)
	r.RecordFallback("regression")
	r.RecordScoreDecrease("run-1")
	r.RecordCacheWarm("miss", 5*time.Millisecond)
	r.SetWarmsInFlight(2)
	r.SetActiveClusters(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshes.WithLabelValues("partial_refresh", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshes.WithLabelValues("full_rebuild", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fallbacks.WithLabelValues("regression")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.scoreDecreases))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheWarms.WithLabelValues("miss")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.warmsInFlight))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.activeClusters))
}
