package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgerefresh"

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	edgeChanges      *prometheus.CounterVec
	impactSignals    prometheus.Counter
	activeClusters   prometheus.Gauge
	impactedClusters prometheus.Gauge
	refreshes        *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	fallbacks        *prometheus.CounterVec
	scoreDecreases   prometheus.Counter
	cacheWarms       *prometheus.CounterVec
	warmDuration     prometheus.Histogram
	warmsInFlight    prometheus.Gauge
	messagesSent     *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// Option configures a Recorder.
type Option func(*config)

type config struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = reg
	}
}

// New creates a new Prometheus metrics recorder.
func New(opts ...Option) *Recorder {
	cfg := &config{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(cfg)
	}
	factory := promauto.With(cfg.registerer)

	return &Recorder{
		edgeChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edge_changes_total",
				Help:      "Edge change events recorded by the aggregator",
			},
			[]string{"change_type"},
		),
		impactSignals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impact_signals_total",
			Help:      "Clusters that crossed the impact threshold",
		}),
		activeClusters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clusters",
			Help:      "Clusters currently tracked by the aggregator",
		}),
		impactedClusters: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "impacted_clusters",
			Help:      "Clusters at or above the impact threshold",
		}),
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_total",
				Help:      "Refresh attempts by mode and outcome",
			},
			[]string{"mode", "success"},
		),
		refreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of refresh attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_fallbacks_total",
				Help:      "Partial refreshes that fell back to a full rebuild",
			},
			[]string{"reason"},
		),
		scoreDecreases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_decreased_total",
			Help:      "Full rebuilds that produced a lower score than the previous best",
		}),
		cacheWarms: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_warms_total",
				Help:      "Correlation cache warm outcomes",
			},
			[]string{"result"},
		),
		warmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_warm_duration_seconds",
			Help:      "Duration of correlation cache warms",
			Buckets:   prometheus.DefBuckets,
		}),
		warmsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_warms_in_flight",
			Help:      "Cache warms currently running",
		}),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages sent to a backend",
			},
			[]string{"backend", "topic"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordEdgeChange(changeType string) {
	r.edgeChanges.WithLabelValues(changeType).Inc()
}

func (r *Recorder) RecordImpactSignal() { r.impactSignals.Inc() }

func (r *Recorder) SetActiveClusters(n int) { r.activeClusters.Set(float64(n)) }

func (r *Recorder) SetImpactedClusters(n int) { r.impactedClusters.Set(float64(n)) }

func (r *Recorder) RecordRefresh(mode string, success bool, d time.Duration) {
	r.refreshes.WithLabelValues(mode, strconv.FormatBool(success)).Inc()
	r.refreshDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (r *Recorder) RecordFallback(reason string) {
	r.fallbacks.WithLabelValues(reason).Inc()
}

// RecordScoreDecrease counts a decrease. The run id is not a label to keep cardinality bounded.
func (r *Recorder) RecordScoreDecrease(_ string) { r.scoreDecreases.Inc() }

func (r *Recorder) RecordCacheWarm(result string, d time.Duration) {
	r.cacheWarms.WithLabelValues(result).Inc()
	if d > 0 {
		r.warmDuration.Observe(d.Seconds())
	}
}

func (r *Recorder) SetWarmsInFlight(n int) { r.warmsInFlight.Set(float64(n)) }

// RecordMessageSent records a message sent to a backend.
func (r *Recorder) RecordMessageSent(backend, topic string) {
	r.messagesSent.WithLabelValues(backend, topic).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
