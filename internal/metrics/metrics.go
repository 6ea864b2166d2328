// Package metrics defines the worker's Prometheus instrumentation. The
// counter/histogram shapes are grounded on other_examples' engine.go
// (prometheus.Counter/Histogram fields populated via promauto in a
// constructor, exposed through promhttp.Handler()), adapted from a generic
// task engine to this worker's decision points.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	messagesReceived prometheus.Counter
	terminalTotal     *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	errorsByClass     *prometheus.CounterVec
	upstreamAttempts  prometheus.Histogram
	upstreamLatency   prometheus.Histogram
	inFlight          prometheus.Gauge
	reconnects        prometheus.Counter
}

// New registers the worker's metrics against the default Prometheus
// registry. Call it once at startup.
func New() *Metrics {
	return &Metrics{
		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "llmworker_messages_received_total",
			Help: "Total broker deliveries received by the dispatcher.",
		}),
		terminalTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llmworker_terminal_records_total",
			Help: "Terminal (COMPLETED/FAILED) records written, by status.",
		}, []string{"status"}),
		cacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llmworker_cache_hits_total",
			Help: "Cache probe hits, by source (accelerator or store).",
		}, []string{"source"}),
		errorsByClass: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "llmworker_errors_total",
			Help: "Terminal error outcomes, by classification.",
		}, []string{"class"}),
		upstreamAttempts: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmworker_upstream_attempts",
			Help:    "Number of HTTP attempts consumed per upstream call.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		upstreamLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmworker_upstream_call_seconds",
			Help:    "Wall-clock duration of a full retrying upstream call.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "llmworker_inflight_tasks",
			Help: "Per-message tasks currently admitted past the semaphore.",
		}),
		reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "llmworker_broker_reconnects_total",
			Help: "Number of times a dispatcher broker session ended and a reconnect was scheduled.",
		}),
	}
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) IncTerminal(status string) {
	if m == nil {
		return
	}
	m.terminalTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncCacheHit(source string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(source).Inc()
}

func (m *Metrics) IncErrorClass(class string) {
	if m == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveAttempts(n int) {
	if m == nil {
		return
	}
	m.upstreamAttempts.Observe(float64(n))
}

func (m *Metrics) ObserveUpstreamLatencySeconds(s float64) {
	if m == nil {
		return
	}
	m.upstreamLatency.Observe(s)
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
