package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hidrelay"

var (
	registerOnce sync.Once

	connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connections by role.",
		},
		[]string{"role"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently pairing a controller with a target.",
		},
	)
	sessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by reason.",
		},
		[]string{"reason"},
	)
	forwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded between peers.",
		},
		[]string{"direction"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages that were not forwarded.",
		},
		[]string{"reason"},
	)
	handshakeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed before registration.",
		},
		[]string{"code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connections, activeSessions, sessionsEnded, forwarded, dropped, handshakeFailures)
	})
}

func ConnectionOpened(role string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Inc()
}

func ConnectionClosed(role string) {
	RegisterMetrics()
	connections.WithLabelValues(role).Dec()
}

func SessionStarted() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionEnded(reason string) {
	RegisterMetrics()
	activeSessions.Dec()
	sessionsEnded.WithLabelValues(reason).Inc()
}

// Forwarded counts one relayed message; direction is "to_target" or
// "to_controller".
func Forwarded(direction string) {
	RegisterMetrics()
	forwarded.WithLabelValues(direction).Inc()
}

func Dropped(reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(reason).Inc()
}

func HandshakeFailed(code string) {
	RegisterMetrics()
	handshakeFailures.WithLabelValues(code).Inc()
}
