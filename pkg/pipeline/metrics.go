package pipeline

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the streaming server. Each
// instance owns its registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	spawnFailures   prometheus.Counter
	bytesRelayed    prometheus.Counter
	sessionDuration prometheus.Histogram
	encoderExits    *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sinkstream_sessions_active",
			Help: "Number of stream sessions currently relaying audio",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkstream_sessions_total",
			Help: "Finished stream sessions by end reason",
		}, []string{"reason"}),
		spawnFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sinkstream_spawn_failures_total",
			Help: "Encoder processes that could not be started",
		}),
		bytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sinkstream_bytes_relayed_total",
			Help: "Audio bytes written to clients",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinkstream_session_duration_seconds",
			Help:    "Lifetime of stream sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		encoderExits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkstream_encoder_exits_total",
			Help: "Reaped encoder processes by exit code",
		}, []string{"code"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sinkstream_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sinkstream_http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionStarted records a session that started relaying
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// RecordSessionEnded records a finished session
func (m *Metrics) RecordSessionEnded(summary SessionSummary) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(string(summary.Reason)).Inc()
	m.sessionDuration.Observe(summary.Duration().Seconds())
	m.encoderExits.WithLabelValues(strconv.Itoa(summary.Exit.Code)).Inc()
}

// RecordSpawnFailure records an encoder that failed to start
func (m *Metrics) RecordSpawnFailure() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

// RecordBytes records audio bytes delivered to a client
func (m *Metrics) RecordBytes(n int) {
	if m == nil {
		return
	}
	m.bytesRelayed.Add(float64(n))
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
