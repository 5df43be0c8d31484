package forktide

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors a Metrics tracker into Prometheus
// collectors registered against a caller-supplied registry. It is
// optional: a server built without MetricsConfig.Enabled never
// constructs one, and nothing else in the request path depends on it.
type PrometheusExporter struct {
	metrics *Metrics

	requestsTotal      *prometheus.CounterVec
	connectionsActive  prometheus.Gauge
	requestDurationSec prometheus.Histogram
	workerRestarts     prometheus.Counter
}

// NewPrometheusExporter builds the collector set and registers it
// against reg. Call Observe after every request completes and Sync
// periodically to refresh the gauges from the underlying Metrics.
func NewPrometheusExporter(metrics *Metrics, reg prometheus.Registerer) *PrometheusExporter {
	e := &PrometheusExporter{
		metrics: metrics,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forktide_requests_total",
			Help: "Total HTTP requests processed, by outcome.",
		}, []string{"outcome"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forktide_connections_active",
			Help: "Currently open client connections across all workers.",
		}),
		requestDurationSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forktide_request_duration_seconds",
			Help:    "End-to-end request handling latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forktide_worker_restarts_total",
			Help: "Total worker process restarts across the pool's lifetime.",
		}),
	}

	reg.MustRegister(e.requestsTotal, e.connectionsActive, e.requestDurationSec, e.workerRestarts)
	return e
}

// Observe records one completed request's outcome and latency.
func (e *PrometheusExporter) Observe(outcome string, latencySeconds float64) {
	e.requestsTotal.WithLabelValues(outcome).Inc()
	e.requestDurationSec.Observe(latencySeconds)
}

// ObserveWorkerRestart records a worker respawn.
func (e *PrometheusExporter) ObserveWorkerRestart() {
	e.workerRestarts.Inc()
}

// Sync refreshes the active-connections gauge from the live Metrics
// snapshot; call it from the same ticker that drives health checks.
func (e *PrometheusExporter) Sync() {
	snap := e.metrics.Snapshot()
	e.connectionsActive.Set(float64(snap.ConnectionsActive))
}
