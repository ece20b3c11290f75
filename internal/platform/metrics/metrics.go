package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the publish server.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	uploadsInitTotal  prometheus.Counter
	uploadsDoneTotal  prometheus.Counter
	uploadsFailTotal  prometheus.Counter
	chunksTotal       prometheus.Counter
	chunkBytesTotal   prometheus.Counter
	checksumFailTotal prometheus.Counter
	activeSessions    prometheus.Gauge
}

// New creates and registers the server metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		uploadsInitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_uploads_initialized_total",
			Help: "Total number of upload sessions opened",
		}),
		uploadsDoneTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_uploads_completed_total",
			Help: "Total number of uploads verified and published",
		}),
		uploadsFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_uploads_failed_total",
			Help: "Total number of rejected completion requests",
		}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_chunks_received_total",
			Help: "Total number of chunks accepted",
		}),
		chunkBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_chunk_bytes_received_total",
			Help: "Total payload bytes of accepted chunks",
		}),
		checksumFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunkcast_checksum_failures_total",
			Help: "Total number of chunk or file digest mismatches",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunkcast_active_upload_sessions",
			Help: "Number of upload sessions not yet completed",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.uploadsInitTotal,
		m.uploadsDoneTotal,
		m.uploadsFailTotal,
		m.chunksTotal,
		m.chunkBytesTotal,
		m.checksumFailTotal,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncUploadsInitialized() {
	m.uploadsInitTotal.Inc()
}

func (m *Metrics) IncUploadsCompleted() {
	m.uploadsDoneTotal.Inc()
}

func (m *Metrics) IncUploadsFailed() {
	m.uploadsFailTotal.Inc()
}

// AddChunk records one accepted chunk of size bytes.
func (m *Metrics) AddChunk(size int) {
	m.chunksTotal.Inc()
	m.chunkBytesTotal.Add(float64(size))
}

func (m *Metrics) IncChecksumFailures() {
	m.checksumFailTotal.Inc()
}

// SetActiveSessions sets the active upload sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
