// Package metrics exposes the engine's process-level Prometheus
// collectors: run outcomes, block durations, retry attempts, and
// expression-cache effectiveness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunsActive      prometheus.Gauge
	BlockDuration   *prometheus.HistogramVec
	BlockRetryTotal *prometheus.CounterVec
	ExprCacheHits   prometheus.Counter
	ExprCacheMisses prometheus.Counter
}

// NewMetrics builds a Metrics with every collector initialized but not
// yet registered.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_runs_total",
				Help: "Total number of workflow runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_run_duration_seconds",
				Help:    "Workflow run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_runs_active",
				Help: "Number of runs currently executing",
			},
		),
		BlockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_block_duration_seconds",
				Help:    "Per-block handler invocation duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind", "status"},
		),
		BlockRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_block_retries_total",
				Help: "Total number of retried block invocations by kind",
			},
			[]string{"kind"},
		),
		ExprCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_expression_cache_hits_total",
				Help: "Total number of compiled condition/router expression cache hits",
			},
		),
		ExprCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_expression_cache_misses_total",
				Help: "Total number of compiled condition/router expression cache misses",
			},
		),
	}
}

// Register registers every collector with registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.RunsActive,
		m.BlockDuration,
		m.BlockRetryTotal,
		m.ExprCacheHits,
		m.ExprCacheMisses,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun records one run's terminal status and total duration.
func (m *Metrics) RecordRun(status string, durationSeconds float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordBlock records one block invocation's kind, terminal status,
// and duration.
func (m *Metrics) RecordBlock(kind, status string, durationSeconds float64) {
	m.BlockDuration.WithLabelValues(kind, status).Observe(durationSeconds)
}

// RecordRetry records one retried invocation of a block of kind.
func (m *Metrics) RecordRetry(kind string) {
	m.BlockRetryTotal.WithLabelValues(kind).Inc()
}

// RunStarted marks one more run as currently executing.
func (m *Metrics) RunStarted() {
	m.RunsActive.Inc()
}

// RunFinished marks a previously-started run as no longer executing.
func (m *Metrics) RunFinished() {
	m.RunsActive.Dec()
}

// RecordExprCacheHit records a compiled-expression cache hit.
func (m *Metrics) RecordExprCacheHit() {
	m.ExprCacheHits.Inc()
}

// RecordExprCacheMiss records a compiled-expression cache miss.
func (m *Metrics) RecordExprCacheMiss() {
	m.ExprCacheMisses.Inc()
}
