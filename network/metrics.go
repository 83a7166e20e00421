package network

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the transfer counters served at /metrics. Collectors
// live on a private registry so tests can run engines side by side.
type Metrics struct {
	registry *prometheus.Registry

	transfersTotal    *prometheus.CounterVec
	chunksTotal       *prometheus.CounterVec
	chunkRetriesTotal prometheus.Counter
	transferBytes     *prometheus.CounterVec
	activeSessions    *prometheus.GaugeVec
}

// NewMetrics creates and registers the collector set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lansend_transfers_total",
			Help: "Finished transfers by direction and result.",
		}, []string{"direction", "result"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lansend_chunks_total",
			Help: "Chunks moved by direction.",
		}, []string{"direction"}),
		chunkRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lansend_chunk_retries_total",
			Help: "Chunk uploads retried after a transient failure.",
		}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lansend_transfer_bytes_total",
			Help: "Payload bytes moved by direction.",
		}, []string{"direction"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lansend_active_sessions",
			Help: "Sessions currently running by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.transfersTotal,
		m.chunksTotal,
		m.chunkRetriesTotal,
		m.transferBytes,
		m.activeSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TransferFinished counts one finished transfer.
func (m *Metrics) TransferFinished(direction, result string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(direction, result).Inc()
}

// ChunkMoved counts one chunk and its payload bytes.
func (m *Metrics) ChunkMoved(direction string, bytes int64) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(direction).Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// ChunkRetried counts one retried chunk upload.
func (m *Metrics) ChunkRetried() {
	if m == nil {
		return
	}
	m.chunkRetriesTotal.Inc()
}

// SessionStarted marks a session as running.
func (m *Metrics) SessionStarted(direction string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(direction).Inc()
}

// SessionEnded marks a session as finished.
func (m *Metrics) SessionEnded(direction string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(direction).Dec()
}
