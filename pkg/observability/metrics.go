// Package observability exposes the engine's Prometheus metrics
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine reports
type Metrics struct {
	FlowsInitialized    prometheus.Counter
	PaymentsProcessed   *prometheus.CounterVec
	LockContention      *prometheus.CounterVec
	TransportReconnects prometheus.Counter
	HeartbeatMisses     prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	CleanupsRefused     prometheus.Counter
	RenamesFailed       prometheus.Counter
	PollCycles          prometheus.Counter
}

// NewMetrics registers the engine collectors on the given registerer.
// Passing prometheus.DefaultRegisterer wires them to the /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FlowsInitialized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "flows_initialized_total",
			Help:      "Payment flows initialized",
		}),
		PaymentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "payments_processed_total",
			Help:      "Payment processing attempts by outcome",
		}, []string{"outcome"}),
		LockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions refused, by purpose",
		}, []string{"purpose"}),
		TransportReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "transport_reconnects_total",
			Help:      "Successful realtime reconnects",
		}),
		HeartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "transport_heartbeat_misses_total",
			Help:      "Heartbeats without an ack within the timeout",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "payflow",
			Name:      "active_flow_subscriptions",
			Help:      "Flows with a live status subscription",
		}),
		CleanupsRefused: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "cleanups_refused_total",
			Help:      "Cleanup requests refused while processing was in flight",
		}),
		RenamesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "identifier_renames_failed_total",
			Help:      "Atomic identifier transitions that rolled back",
		}),
		PollCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "payflow",
			Name:      "poll_cycles_total",
			Help:      "Status poll cycles executed while realtime was down",
		}),
	}
}
