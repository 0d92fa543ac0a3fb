// Package metrics wraps prometheus/client_golang into the typed helper
// surface each MUTT component calls, replacing the teacher's hand-rolled
// Prometheus text-exposition encoder with the real client library.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge/histogram MUTT exposes. Names and
// label sets are fixed: dashboards and alerts are built against them
// directly, so a rename here is a breaking change for every consumer.
type Registry struct {
	reg *prometheus.Registry

	IngestRequestsTotal *prometheus.CounterVec
	IngestQueueDepth    prometheus.Gauge

	AlertQueueDepth      prometheus.Gauge
	AlerterQueueDepth    prometheus.Gauge
	AlerterShedTotal     *prometheus.CounterVec
	UnhandledEventsTotal prometheus.Counter
	RuleCacheLoadSuccess prometheus.Gauge
	AlerterProcessingMS  prometheus.Histogram

	MoogRequestsTotal  *prometheus.CounterVec
	MoogWebhookMS      prometheus.Histogram
	CircuitOpen        prometheus.Gauge
	CircuitTripsTotal  prometheus.Counter
	CircuitBlockedTotal prometheus.Counter

	DBWriteLatencyMS prometheus.Histogram
}

// New builds a Registry with every metric pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		IngestRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total requests handled by the ingestor, labeled by status and reason.",
		}, []string{"status", "reason"}),
		IngestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Current length of ingest_queue.",
		}),
		AlertQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alert_queue_depth",
			Help: "Current length of alert_queue.",
		}),
		AlerterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerter_queue_depth",
			Help: "Length of alert_queue as sampled by the alerter's backpressure check.",
		}),
		AlerterShedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerter_shed_events_total",
			Help: "Total events shed by alerter backpressure, labeled by mode.",
		}, []string{"mode"}),
		UnhandledEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unhandled_events_total",
			Help: "Total events that matched no active alert rule.",
		}),
		RuleCacheLoadSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rule_cache_load_success",
			Help: "1 if the most recent rule cache reload succeeded, 0 otherwise.",
		}),
		AlerterProcessingMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alerter_processing_latency_ms",
			Help:    "Time to match, audit, and route one event, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		MoogRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moog_requests_total",
			Help: "Total outbound webhook calls to moog, labeled by status and reason.",
		}, []string{"status", "reason"}),
		MoogWebhookMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moog_webhook_latency_ms",
			Help:    "Outbound moog webhook call latency, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		CircuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_open",
			Help: "1 if the forwarder's circuit breaker is open, 0 otherwise.",
		}),
		CircuitTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_trips_total",
			Help: "Total times the forwarder's circuit breaker has tripped open.",
		}),
		CircuitBlockedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_blocked_total",
			Help: "Total alert sends skipped because the circuit breaker was open.",
		}),
		DBWriteLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "db_write_latency_ms",
			Help:    "Audit log write latency, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}

	reg.MustRegister(
		r.IngestRequestsTotal, r.IngestQueueDepth,
		r.AlertQueueDepth, r.AlerterQueueDepth, r.AlerterShedTotal,
		r.UnhandledEventsTotal, r.RuleCacheLoadSuccess, r.AlerterProcessingMS,
		r.MoogRequestsTotal, r.MoogWebhookMS, r.CircuitOpen, r.CircuitTripsTotal,
		r.CircuitBlockedTotal, r.DBWriteLatencyMS,
	)
	return r
}

// Handler returns the http.Handler to mount at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
