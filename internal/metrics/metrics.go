// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MessagesPublished counts data messages handed to the broker, per symbol and data type.
var MessagesPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "messages_published_total",
		Help:      "Data messages published through the broker",
	},
	[]string{"symbol", "data_type"},
)

// BroadcastDeliveries counts delivery attempts on the broadcast channel.
var BroadcastDeliveries = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "broadcast_deliveries_total",
		Help:      "Delivery attempts on the broadcast channel",
	},
)

// BroadcastDropped counts frames dropped because a subscriber socket was
// disconnected or its outbound buffer was full.
var BroadcastDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "broadcast_dropped_total",
		Help:      "Broadcast frames dropped for slow or disconnected subscribers",
	},
)

// ProtocolErrors counts malformed messages discarded by receiving loops.
var ProtocolErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "protocol_errors_total",
		Help:      "Malformed messages discarded by receiving loops",
	},
	[]string{"channel"},
)

// RestartsScheduled counts health-triggered worker restarts.
var RestartsScheduled = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "restarts_scheduled_total",
		Help:      "Worker restarts scheduled by the supervisor",
	},
)

// RestartsExhausted counts workers left in permanent ERROR after the restart budget.
var RestartsExhausted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "restarts_exhausted_total",
		Help:      "Workers left in permanent ERROR after exhausting restarts",
	},
)

// PoolWarmSlots tracks the number of pre-spawned, unassigned workers.
var PoolWarmSlots = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "pool_warm_slots",
		Help:      "Pre-spawned, strategy-unbound workers held by the pool",
	},
)

// PoolAssignedWorkers tracks workers currently assigned to strategies.
var PoolAssignedWorkers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "pool_assigned_workers",
		Help:      "Workers currently assigned to strategies",
	},
)

// ControlRequestDuration observes control request/reply round-trip latency.
var ControlRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "argo",
		Subsystem: "orchestrator",
		Name:      "control_request_duration_seconds",
		Help:      "Control request/reply round-trip latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{"verb"},
)
