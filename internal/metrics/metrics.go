// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Session durations are long-lived streams, so the buckets reach into minutes.
var sessionBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionsRejected *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	TimeToFirstChunk prometheus.Histogram
	ChunksRelayed    prometheus.Counter
	BytesRelayed     prometheus.Counter

	BreakerTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_gateway_upstream_header_duration_seconds",
			Help:    "Time until upstream response headers arrived, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_gateway_relay_sessions_active",
			Help: "Number of relay sessions currently open.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_relay_sessions_total",
			Help: "Finished relay sessions by mode and terminal state.",
		}, []string{"mode", "outcome"}),

		SessionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_relay_sessions_rejected_total",
			Help: "Requests rejected before a session was opened, by reason.",
		}, []string{"reason"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_gateway_relay_session_duration_seconds",
			Help:    "Relay session lifetime in seconds.",
			Buckets: sessionBuckets,
		}, []string{"mode"}),

		TimeToFirstChunk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_gateway_relay_first_chunk_seconds",
			Help:    "Time from session start until the first chunk was flushed to the client.",
			Buckets: defaultBuckets,
		}),

		ChunksRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_gateway_relay_chunks_total",
			Help: "Chunks written to clients.",
		}),

		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_gateway_relay_bytes_total",
			Help: "Bytes written to clients by relay sessions.",
		}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_gateway_circuit_breaker_transitions_total",
			Help: "Upstream circuit breaker state transitions.",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionsRejected,
		m.SessionDuration,
		m.TimeToFirstChunk,
		m.ChunksRelayed,
		m.BytesRelayed,
		m.BreakerTransitions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Order matters: the first match wins.
var knownPrefixes = []string{"/api/tasks", "/api", "/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
