package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/erc7824/nitrolite/chainrpc/pkg/metrics"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordRequest("eth_blockNumber", metrics.OutcomeSuccess, 10*time.Millisecond)
	m.RecordRequest("eth_blockNumber", metrics.OutcomeSuccess, 20*time.Millisecond)
	m.RecordRequest("eth_call", metrics.OutcomeRPCError, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("eth_blockNumber", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("eth_call", metrics.OutcomeRPCError)))

	m.RecordBatch(3, metrics.OutcomeSuccess)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues(metrics.OutcomeSuccess)))

	known := []string{"open", "closed"}
	m.SetTransportState("ws", "open", known)
	m.SetTransportState("ws", "closed", known)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TransportState.WithLabelValues("ws", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportState.WithLabelValues("ws", "closed")))

	m.AddActiveSubscriptions(2)
	m.AddActiveSubscriptions(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSubscriptions))

	m.IncBlockTimeout()
	m.IncWatcherFallback()
	m.IncDropped("unknown_subscription")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlockTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatcherFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedMessages.WithLabelValues("unknown_subscription")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("eth_chainId", metrics.OutcomeFailure, time.Second)
		m.RecordBatch(1, metrics.OutcomeTimeout)
		m.SetTransportState("ipc", "open", nil)
		m.IncReconnectAttempt("ipc")
		m.IncDropped("x")
		m.AddActiveSubscriptions(1)
		m.IncSubscriptionEvent("active")
		m.IncBlockTimeout()
		m.IncWatcherFallback()
		m.IncConfirmationOutcome(metrics.OutcomeSuccess)
	})
}
