// Package metrics exposes Prometheus instrumentation for chainrpc clients.
//
// A nil *Metrics is valid and records nothing, so library components accept
// an optional pointer instead of branching on configuration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainrpc"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRPCError = "rpc_error"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
)

// Metrics holds every collector chainrpc updates.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	BatchesTotal         *prometheus.CounterVec
	BatchSize            prometheus.Histogram
	TransportState       *prometheus.GaugeVec
	ReconnectAttempts    *prometheus.CounterVec
	DroppedMessages      *prometheus.CounterVec
	ActiveSubscriptions  prometheus.Gauge
	SubscriptionEvents   *prometheus.CounterVec
	BlockTimeouts        prometheus.Counter
	WatcherFallbacks     prometheus.Counter
	ConfirmationOutcomes *prometheus.CounterVec
}

// NewMetrics registers collectors with the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers collectors with registry, or with the
// default registerer when registry is nil.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Single JSON-RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Round trip time of single JSON-RPC calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Executed batches by outcome",
		}, []string{"outcome"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of calls per executed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
		TransportState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "1 for the current state of each duplex transport kind, 0 otherwise",
		}, []string{"transport", "state"}),
		ReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts by transport kind",
		}, []string{"transport"}),
		DroppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages discarded by reason",
		}, []string{"reason"}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently routed by id",
		}),
		SubscriptionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Subscription lifecycle transitions by event",
		}, []string{"event"}),
		BlockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_timeouts_total",
			Help:      "Transactions that exceeded the block timeout",
		}),
		WatcherFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_fallbacks_total",
			Help:      "Block watchers that fell back from header subscription to polling",
		}),
		ConfirmationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_outcomes_total",
			Help:      "Receipt waits by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RecordRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordBatch(size int, outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	m.BatchSize.Observe(float64(size))
}

// SetTransportState marks state as current for the transport kind and clears
// the other known states.
func (m *Metrics) SetTransportState(transport, state string, known []string) {
	if m == nil {
		return
	}
	for _, s := range known {
		v := 0.0
		if s == state {
			v = 1
		}
		m.TransportState.WithLabelValues(transport, s).Set(v)
	}
}

func (m *Metrics) IncReconnectAttempt(transport string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddActiveSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Add(float64(delta))
}

func (m *Metrics) IncSubscriptionEvent(event string) {
	if m == nil {
		return
	}
	m.SubscriptionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncBlockTimeout() {
	if m == nil {
		return
	}
	m.BlockTimeouts.Inc()
}

func (m *Metrics) IncWatcherFallback() {
	if m == nil {
		return
	}
	m.WatcherFallbacks.Inc()
}

func (m *Metrics) IncConfirmationOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ConfirmationOutcomes.WithLabelValues(outcome).Inc()
}
