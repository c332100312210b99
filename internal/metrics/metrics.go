// Package metrics declares the Prometheus collectors exported by the control
// plane. Collectors register themselves at init via promauto; the /metrics
// endpoint is mounted by the HTTP router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockhand_agents_connected",
		Help: "Number of agents with a live WebSocket connection.",
	})
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_handshake_failures_total",
		Help: "Total number of failed agent handshakes by reason.",
	}, []string{"reason"})
	RateLimitedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_rate_limited_connections_total",
		Help: "Total number of connections refused by the rate limiter.",
	})
	RPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dockhand_rpc_request_duration_seconds",
		Help:    "Duration of agent-initiated RPC method calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	TokenRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_token_rotations_total",
		Help: "Total number of token rotation attempts by outcome.",
	}, []string{"outcome"})
	CommandExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockhand_commands_total",
		Help: "Total number of routed commands by execution path.",
	}, []string{"method"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockhand_command_duration_seconds",
		Help:    "End-to-end duration of routed commands.",
		Buckets: prometheus.DefBuckets,
	})
	StaleAgentsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockhand_stale_agents_disconnected_total",
		Help: "Total number of agents force-disconnected by the staleness sweep.",
	})
)
