package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirror the shape a public request travels through: registry ->
// tunnel -> pool -> injector/bridge. Names follow the
// "<service>_<subject>_<unit>" convention.
var (
	ActiveTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localtunnel_active_tunnels", Help: "Currently registered client tunnels",
	})
	TunnelsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_tunnels_started_total", Help: "Tunnels that completed start()",
	})
	TunnelsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_tunnels_ended_total", Help: "Tunnels that emitted end",
	})
	IdSubstitutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_id_substitutions_total", Help: "create() calls that substituted a generated id after a collision",
	})

	PoolIdleSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localtunnel_pool_idle_sockets", Help: "Idle tunnel sockets across all pools",
	})
	PoolWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localtunnel_pool_waiters", Help: "Pending waiters across all pools",
	})
	SocketsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_sockets_admitted_total", Help: "Tunnel sockets admitted into a pool",
	})
	SocketsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_sockets_rejected_total", Help: "Accepted sockets rejected for exceeding max_sockets",
	})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localtunnel_requests_total", Help: "Public requests by outcome",
	}, []string{"outcome"})
	UpgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localtunnel_upgrades_total", Help: "Upgrade requests by outcome",
	}, []string{"outcome"})
	RequestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "localtunnel_request_duration_seconds", Help: "Time from dispatch to response completion",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
	})
)
