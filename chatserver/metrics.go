package chatserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Line kinds used as the "kind" label of linechat_lines_total.
const (
	kindChat           = "chat"
	kindWhisper        = "whisper"
	kindWho            = "who"
	kindSystem         = "system"
	kindFormatError    = "format_error"
	kindTargetNotFound = "target_not_found"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	connections       prometheus.Counter
	activeSessions    prometheus.Gauge
	lines             *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	handshakeFailures prometheus.Counter
}

// NewMetrics creates the server collectors and registers them with reg.
//
// Parameters:
//   - reg: Registerer to add the collectors to, e.g. prometheus.NewRegistry()
//
// Returns:
//   - A *Metrics to pass in Options.Metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		connections: f.NewCounter(prometheus.CounterOpts{
			Name: "linechat_connections_total",
			Help: "TCP connections accepted.",
		}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "linechat_active_sessions",
			Help: "Sessions that completed the nickname handshake and are still connected.",
		}),
		lines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "linechat_lines_total",
			Help: "Client commands and server notices processed, by kind.",
		}, []string{"kind"}),
		deliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "linechat_delivery_failures_total",
			Help: "Lines that could not be written to a recipient.",
		}),
		handshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "linechat_handshake_failures_total",
			Help: "Connections that closed before completing the nickname handshake.",
		}),
	}
}

func (m *Metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) sessionJoined() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) sessionLeft() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) line(kind string) {
	if m == nil {
		return
	}
	m.lines.WithLabelValues(kind).Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) handshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}
