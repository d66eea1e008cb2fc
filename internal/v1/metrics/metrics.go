package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab (application-level grouping)
// - subsystem: websocket, session, chat, store (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, sessions, members)
// - Counter: cumulative events (ops applied, evictions, errors)
// - Histogram: latency distributions (event processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of live document sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of live document sessions",
	})

	// SessionMembers tracks the number of members in each document session.
	SessionMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "members_count",
		Help:      "Number of members in each document session",
	}, []string{"doc_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// OperationsApplied counts edit operations accepted into document history.
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "operations_total",
		Help:      "Total edit operations accepted",
	}, []string{"kind"})

	// OperationsRejected counts inbound operations rejected by validation.
	OperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "operations_rejected_total",
		Help:      "Total inbound operations rejected",
	}, []string{"reason"})

	// MessageProcessingDuration tracks the time spent processing inbox events.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SlowConsumerEvictions counts members dropped for full outbound queues.
	SlowConsumerEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "session",
		Name:      "slow_consumer_evictions_total",
		Help:      "Members evicted because their outbound queue was full",
	})

	// SnapshotSaves counts snapshot persistence attempts by outcome.
	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "store",
		Name:      "snapshot_saves_total",
		Help:      "Snapshot persistence attempts",
	}, []string{"status"})

	// ChatMessages counts chat messages accepted per room.
	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Chat messages accepted",
	}, []string{"room_id"})

	// RateLimitExceeded counts rejected requests per limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"scope", "limit_type"})

	// CircuitBreakerState exposes the snapshot-cache breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"target"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
