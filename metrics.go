package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OutboxPending      prometheus.Gauge
	DeliveryAttempts   *prometheus.CounterVec
	ReconciledChanges  *prometheus.CounterVec
	ConversationEvents *prometheus.CounterVec
	Notifications      prometheus.Counter
	Reachable          prometheus.Gauge
	FeedErrors         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_outbox_pending",
			Help: "Messages stored locally that the remote store has not acknowledged",
		}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_delivery_attempts_total",
			Help: "Remote write attempts by outcome",
		}, []string{"result"}),
		ReconciledChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_reconciled_changes_total",
			Help: "Message change events applied to the local store",
		}, []string{"kind"}),
		ConversationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_conversation_changes_total",
			Help: "Conversation change events applied to the local store",
		}, []string{"kind", "phase"}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_notifications_total",
			Help: "Local notifications triggered by incoming messages",
		}),
		Reachable: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_network_reachable",
			Help: "1 when the network is reachable",
		}),
		FeedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_feed_errors_total",
			Help: "Change feeds that terminated with an error",
		}, []string{"scope"}),
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) attempt(result string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) reconciled(kind ChangeKind) {
	if m == nil {
		return
	}
	m.ReconciledChanges.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) conversationChange(kind ChangeKind, initial bool) {
	if m == nil {
		return
	}
	phase := "incremental"
	if initial {
		phase = "initial"
	}
	m.ConversationEvents.WithLabelValues(string(kind), phase).Inc()
}

func (m *Metrics) notified() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

func (m *Metrics) setReachable(reachable bool) {
	if m == nil {
		return
	}
	if reachable {
		m.Reachable.Set(1)
	} else {
		m.Reachable.Set(0)
	}
}

func (m *Metrics) feedError(scope string) {
	if m == nil {
		return
	}
	m.FeedErrors.WithLabelValues(scope).Inc()
}
