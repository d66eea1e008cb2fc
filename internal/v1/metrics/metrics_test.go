package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)

	IncConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveWebSocketConnections))

	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveWebSocketConnections))
}

func TestSessionMembersLabels(t *testing.T) {
	SessionMembers.WithLabelValues("doc-metrics-test").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(SessionMembers.WithLabelValues("doc-metrics-test")))
	SessionMembers.DeleteLabelValues("doc-metrics-test")
}

func TestCountersDoNotPanic(t *testing.T) {
	OperationsApplied.WithLabelValues("insert").Inc()
	OperationsRejected.WithLabelValues("invalid_op").Inc()
	SlowConsumerEvictions.Inc()
	SnapshotSaves.WithLabelValues("ok").Inc()
	ChatMessages.WithLabelValues("general").Inc()
	RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
	CircuitBreakerState.WithLabelValues("redis").Set(1)
}
