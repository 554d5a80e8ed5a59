// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beamlink/beam/pkg/metrics"
)

// relayMetrics is the Prometheus implementation of metrics.RelayMetrics.
type relayMetrics struct {
	chunksRelayed     prometheus.Counter
	chunkBytes        prometheus.Histogram
	chunkRetries      prometheus.Counter
	filesSent         prometheus.Counter
	transfersFailed   *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	activeShares      prometheus.Gauge
	activeConnections prometheus.Gauge
	clusterRole       prometheus.Gauge
}

// NewRelayMetrics creates a Prometheus-backed RelayMetrics instance bound to
// the global registry.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRelayMetrics() metrics.RelayMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return NewRelayMetricsWith(metrics.GetRegistry())
}

// NewRelayMetricsWith creates a RelayMetrics instance registered against the
// given registry. Used directly by tests.
func NewRelayMetricsWith(reg prometheus.Registerer) metrics.RelayMetrics {
	return &relayMetrics{
		chunksRelayed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "beam_chunks_relayed_total",
				Help: "Total number of chunks forwarded from senders to receivers",
			},
		),
		chunkBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "beam_chunk_bytes",
				Help: "Distribution of relayed chunk payload sizes",
				Buckets: []float64{
					4096,    // 4KB
					16384,   // 16KB
					65536,   // 64KB - default chunk size
					131072,  // 128KB
					262144,  // 256KB
					524288,  // 512KB - payload warn threshold
					1048576, // 1MB
				},
			},
		),
		chunkRetries: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "beam_chunk_retries_total",
				Help: "Total number of chunk redeliveries after acknowledgement timeout",
			},
		),
		filesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "beam_files_sent_total",
				Help: "Total number of completed file transfers on this node",
			},
		),
		transfersFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_transfers_failed_total",
				Help: "Total number of failed file transfers by reason",
			},
			[]string{"reason"}, // "retries_exhausted", "checksum_mismatch", "receivers_busy"
		),
		rateLimited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_rate_limited_total",
				Help: "Total number of requests rejected by rate limiting",
			},
			[]string{"surface"}, // "heartbeat", "http"
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_active_sessions",
				Help: "Current number of registered client sessions",
			},
		),
		activeShares: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_active_shares",
				Help: "Current number of active share sessions",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_active_connections",
				Help: "Current number of open websocket connections",
			},
		),
		clusterRole: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "beam_cluster_is_master",
				Help: "Whether this node currently holds the cluster master lock",
			},
		),
	}
}

func (m *relayMetrics) RecordChunkRelayed(bytes int) {
	if m == nil {
		return
	}
	m.chunksRelayed.Inc()
	if bytes > 0 {
		m.chunkBytes.Observe(float64(bytes))
	}
}

func (m *relayMetrics) RecordChunkRetry() {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

func (m *relayMetrics) RecordFileSent() {
	if m == nil {
		return
	}
	m.filesSent.Inc()
}

func (m *relayMetrics) RecordTransferFailed(reason string) {
	if m == nil {
		return
	}
	m.transfersFailed.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) RecordRateLimited(surface string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(surface).Inc()
}

func (m *relayMetrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *relayMetrics) SetActiveShares(count int) {
	if m == nil {
		return
	}
	m.activeShares.Set(float64(count))
}

func (m *relayMetrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

func (m *relayMetrics) SetClusterRole(isMaster bool) {
	if m == nil {
		return
	}
	if isMaster {
		m.clusterRole.Set(1)
	} else {
		m.clusterRole.Set(0)
	}
}
