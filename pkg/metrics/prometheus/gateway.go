package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beamlink/beam/pkg/metrics"
)

// gatewayMetrics is the Prometheus implementation of metrics.GatewayMetrics.
type gatewayMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connsAccepted   prometheus.Counter
	connsClosed     prometheus.Counter
	messages        *prometheus.CounterVec
}

// NewGatewayMetrics creates a Prometheus-backed GatewayMetrics instance bound
// to the global registry.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewGatewayMetrics() metrics.GatewayMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	return NewGatewayMetricsWith(metrics.GetRegistry())
}

// NewGatewayMetricsWith creates a GatewayMetrics instance registered against
// the given registry. Used directly by tests.
func NewGatewayMetricsWith(reg prometheus.Registerer) metrics.GatewayMetrics {
	return &gatewayMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_http_requests_total",
				Help: "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "beam_http_request_duration_milliseconds",
				Help: "Duration of HTTP requests in milliseconds",
				Buckets: []float64{
					1,    // 1ms
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
					5000, // 5s
				},
			},
			[]string{"route"},
		),
		connsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "beam_ws_connections_accepted_total",
				Help: "Total number of accepted websocket connections",
			},
		),
		connsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "beam_ws_connections_closed_total",
				Help: "Total number of closed websocket connections",
			},
		),
		messages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "beam_ws_messages_total",
				Help: "Total number of inbound websocket events by name",
			},
			[]string{"event"},
		),
	}
}

func (m *gatewayMetrics) RecordRequest(route string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(durationMs)
}

func (m *gatewayMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
}

func (m *gatewayMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connsClosed.Inc()
}

func (m *gatewayMetrics) RecordMessage(event string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(event).Inc()
}
