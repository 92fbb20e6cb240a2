package crewsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's counters in a private registry so several
// sessions in one process never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	FeedEvents    *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	Rollbacks     *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Heartbeats    prometheus.Counter
	Preloads      *prometheus.CounterVec
}

// NewMetrics creates and registers the counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "feed_events_total",
			Help:      "Change-feed notifications by type and outcome.",
		}, []string{"type", "outcome"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "sends_total",
			Help:      "Optimistic sends by outcome.",
		}, []string{"outcome"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "rollbacks_total",
			Help:      "Optimistic mutations rolled back, by reason.",
		}, []string{"reason"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "notifications_total",
			Help:      "Dispatcher decisions for inserted messages.",
		}, []string{"decision"}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "presence_heartbeats_total",
			Help:      "Presence announcements sent.",
		}),
		Preloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewsync",
			Name:      "attachment_preloads_total",
			Help:      "Attachment preloads before a confirmed swap, by outcome.",
		}, []string{"outcome"}),
	}
	m.Registry.MustRegister(m.FeedEvents, m.Sends, m.Rollbacks, m.Notifications, m.Heartbeats, m.Preloads)
	return m
}

func (m *Metrics) feed(typ FeedEventType, outcome string) {
	m.FeedEvents.WithLabelValues(string(typ), outcome).Inc()
}

func (m *Metrics) send(outcome string) { m.Sends.WithLabelValues(outcome).Inc() }

func (m *Metrics) rollback(reason string) { m.Rollbacks.WithLabelValues(reason).Inc() }

func (m *Metrics) notification(d Decision) { m.Notifications.WithLabelValues(string(d)).Inc() }

func (m *Metrics) preload(outcome string) { m.Preloads.WithLabelValues(outcome).Inc() }
