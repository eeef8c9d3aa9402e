// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orchestra"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	// State machine
	Transitions     *prometheus.CounterVec
	WorkflowsActive prometheus.Gauge

	// Collaborators
	CollaboratorCalls    *prometheus.CounterVec
	CollaboratorDuration *prometheus.HistogramVec

	// Event bus
	EventsBroadcast prometheus.Counter
	Subscribers     prometheus.Gauge
	Evictions       prometheus.Counter
	MirrorErrors    prometheus.Counter
}

// New registers the collectors on a fresh registry, alongside the Go and
// process collectors.
//
// Metrics:
//   - orchestra_transitions_total{from,to}
//   - orchestra_workflows_active
//   - orchestra_collaborator_calls_total{role,outcome}
//   - orchestra_collaborator_duration_seconds{role}
//   - orchestra_events_broadcast_total
//   - orchestra_subscribers
//   - orchestra_subscriber_evictions_total
//   - orchestra_mirror_errors_total
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Workflow state transitions applied",
		}, []string{"from", "to"}),
		WorkflowsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Workflows currently admitted by the concurrency guard",
		}),
		CollaboratorCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_calls_total",
			Help:      "Architect, developer and reviewer calls by outcome",
		}, []string{"role", "outcome"}),
		CollaboratorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Duration of collaborator calls",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"role"}),
		EventsBroadcast: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to live subscribers",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected event subscribers",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers disconnected for missing the delivery timeout",
		}),
		MirrorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_errors_total",
			Help:      "Failed publishes to the NATS event mirror",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.WorkflowsActive.Set(float64(n))
}

func (m *Metrics) ObserveCall(role, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CollaboratorCalls.WithLabelValues(role, outcome).Inc()
	m.CollaboratorDuration.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) AddBroadcast(n int) {
	if m == nil {
		return
	}
	m.EventsBroadcast.Add(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) IncEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) IncMirrorError() {
	if m == nil {
		return
	}
	m.MirrorErrors.Inc()
}
