// Package metrics exposes Prometheus instrumentation shared by the
// governance subsystems. Each subsystem also returns point-in-time
// snapshot structs on demand; the counters here feed the external sink.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the governance-layer Prometheus collectors.
type Metrics struct {
	MessagesPublished *prometheus.CounterVec
	MessagesDelivered *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	EventsStored      prometheus.Counter
	EventsReplayed    prometheus.Counter
	VotesCast         *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionsFinished  *prometheus.CounterVec
	AgentsRegistered  prometheus.Gauge
	HealthChecksRun   prometheus.Counter
}

// New creates the collectors and registers them with the given registerer.
// Pass prometheus.DefaultRegisterer for process-wide metrics, or a private
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "broker",
			Name:      "messages_published_total",
			Help:      "Messages published, by topic and delivery mode.",
		}, []string{"topic", "mode"}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "broker",
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to subscribers, by topic.",
		}, []string{"topic"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "broker",
			Name:      "publish_errors_total",
			Help:      "Publish failures, by topic.",
		}, []string{"topic"}),
		EventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "events",
			Name:      "stored_total",
			Help:      "Events appended to durable streams.",
		}),
		EventsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "events",
			Name:      "replayed_total",
			Help:      "Events re-delivered through replay.",
		}),
		VotesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "consensus",
			Name:      "votes_cast_total",
			Help:      "Votes recorded, by choice.",
		}, []string{"choice"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govkit",
			Subsystem: "consensus",
			Name:      "sessions_active",
			Help:      "Consensus sessions currently active.",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "consensus",
			Name:      "sessions_finished_total",
			Help:      "Sessions reaching a terminal state, by status.",
		}, []string{"status"}),
		AgentsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govkit",
			Subsystem: "discovery",
			Name:      "agents_registered",
			Help:      "Agents with an active registration.",
		}),
		HealthChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "govkit",
			Subsystem: "discovery",
			Name:      "health_checks_total",
			Help:      "Health checks performed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesPublished,
			m.MessagesDelivered,
			m.PublishErrors,
			m.EventsStored,
			m.EventsReplayed,
			m.VotesCast,
			m.SessionsActive,
			m.SessionsFinished,
			m.AgentsRegistered,
			m.HealthChecksRun,
		)
	}

	return m
}

// Nop returns unregistered collectors for callers that do not export metrics.
func Nop() *Metrics {
	return New(nil)
}
