package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Assignments     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	AutoStops       *prometheus.CounterVec
	EventPublishErr prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "assignments_total", Help: "Variant lookups by outcome (created or existing)."},
			[]string{"variant", "result"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "assignment_cache_lookups_total", Help: "Assignment cache lookups."},
			[]string{"result"},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "outcomes_recorded_total", Help: "Outcomes recorded per variant."},
			[]string{"variant"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "lifecycle_transitions_total", Help: "Experiment status transitions."},
			[]string{"to"},
		),
		AutoStops: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "harm_auto_stops_total", Help: "Experiments stopped by the harm check."},
			[]string{"metric"},
		),
		EventPublishErr: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "experiment", Subsystem: "ab", Name: "event_publish_failures_total", Help: "Lifecycle events that could not be published."},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Assignments, m.CacheLookups, m.Outcomes, m.Transitions, m.AutoStops, m.EventPublishErr)
	}
	return m
}

func (m *Metrics) Assigned(variant, result string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(variant, result).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) OutcomeRecorded(variant string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(variant).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) AutoStopped(metric string) {
	if m == nil {
		return
	}
	m.AutoStops.WithLabelValues(metric).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.EventPublishErr.Inc()
}
