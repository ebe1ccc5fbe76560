// Package metrics exposes Prometheus instrumentation for the
// handshake, peer table, and sweepers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Registry is a dedicated registry rather than the global default, so
// multiple Server/Client instances in the same test binary don't
// collide on metric registration.
var Registry = prometheus.NewRegistry()

var (
	// HandshakeTotal counts pre-auth outcomes by result: success,
	// parse_error, protocol_error, whitelist_rejected, auth_rejected,
	// stale_timestamp, bad_signature, collision_rejected, timeout.
	HandshakeTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "outcomes_total",
			Help:      "Pre-authentication outcomes by result.",
		},
		[]string{"result"},
	)

	// PeersActive is the current number of authenticated peers.
	PeersActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peers",
			Name:      "active",
			Help:      "Number of currently authenticated peers.",
		},
	)

	// PendingActive is the current number of sockets/connections
	// awaiting upgrade or authentication, by stage.
	PendingActive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "active",
			Help:      "Number of connections pending upgrade or authentication.",
		},
		[]string{"stage"}, // raw, auth
	)

	// SweepEvictionsTotal counts evictions performed by a sweeper.
	SweepEvictionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "evictions_total",
			Help:      "Connections evicted by a periodic sweeper.",
		},
		[]string{"kind"}, // auth_timeout, idle
	)

	// ReconnectAttemptsTotal counts client reconnect attempts.
	ReconnectAttemptsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of client reconnect attempts.",
		},
	)
)

// Handler returns the HTTP handler serving this registry's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
