package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus instrumentation, grounded on the
// teacher's pkg/server/metrics.go shape (promauto constructors, a
// histogram for fanout size) but covering this engine's own events.
type Metrics struct {
	Registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsRejectedIP  prometheus.Counter
	loginAttempts       *prometheus.CounterVec // outcome label
	rateLimitRejections *prometheus.CounterVec // class label
	broadcastFanout     *prometheus.HistogramVec
	packetsReceived     *prometheus.CounterVec // type label
}

// NewMetrics builds a metrics set against its own registry, so that
// multiple Server instances (as in tests) never collide on the global
// default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "synac_active_sessions",
			Help: "Current number of active sessions.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "synac_sessions_created_total",
			Help: "Total sessions admitted.",
		}),
		sessionsRejectedIP: factory.NewCounter(prometheus.CounterOpts{
			Name: "synac_sessions_rejected_per_ip_total",
			Help: "Connections rejected for exceeding limit_connections_per_ip.",
		}),
		loginAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synac_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		rateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synac_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by class.",
		}, []string{"class"}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synac_broadcast_fanout",
			Help:    "Number of sessions a broadcast was delivered to.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"scoped"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "synac_packets_received_total",
			Help: "Inbound packets by type.",
		}, []string{"type"}),
	}
}
