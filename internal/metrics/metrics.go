// Package metrics exposes Prometheus collectors for the gateway.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

type Metrics struct {
	phase       prometheus.Gauge
	transitions *prometheus.CounterVec
	reconnects  prometheus.Counter
	subscribers prometheus.Gauge
	evictions   *prometheus.CounterVec
	events      *prometheus.CounterVec
	messages    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "Current session phase (0=idle 1=connecting 2=awaiting_pairing 3=open 4=closing 5=closed 6=logged_out).",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session phase transitions by target phase.",
		}, []string{"phase"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after recoverable closes.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Live real-time subscribers.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_evictions_total",
			Help:      "Subscribers removed by the hub, by reason.",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_published_total",
			Help:      "Events broadcast to subscribers, by type.",
		}, []string{"type"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound message attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.phase, m.transitions, m.reconnects, m.subscribers, m.evictions, m.events, m.messages)
	return m
}

func (m *Metrics) SetPhase(name string, value int) {
	if m == nil {
		return
	}
	m.phase.Set(float64(value))
	m.transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) Evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MessageSent(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
