package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "relief_hub"

// Metrics holds the Prometheus collectors for the hub, the alert poller and
// the feed client.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	MessagesSent     *prometheus.CounterVec
	MessagesDropped  prometheus.Counter
	InboundMessages  *prometheus.CounterVec
	SessionsEvicted  prometheus.Counter
	FeedErrors       *prometheus.CounterVec
	FeedBreakerState prometheus.Gauge
	AlertsBroadcast  *prometheus.CounterVec
	DedupTracked     prometheus.Gauge
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered real-time sessions.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages queued to sessions, by message type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped because the session was not writable.",
		}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages handled by the router, by message type.",
		}, []string{"type"}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions closed by the heartbeat monitor.",
		}),
		FeedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Failed alert feed requests, by operation.",
		}, []string{"op"}),
		FeedBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_breaker_state",
			Help:      "Alert feed circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		AlertsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_broadcast_total",
			Help:      "Alert envelopes fanned out, by message type.",
		}, []string{"type"}),
		DedupTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_tracked",
			Help:      "Alert IDs held by the dedup tracker.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.MessagesSent,
		m.MessagesDropped,
		m.InboundMessages,
		m.SessionsEvicted,
		m.FeedErrors,
		m.FeedBreakerState,
		m.AlertsBroadcast,
		m.DedupTracked,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry, for callers
// and tests that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
