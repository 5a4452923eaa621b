package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/costguard/pkg/breaker"
)

// GuardMetrics tracks budget guard decisions.
//
// Metrics:
//   - costguard_guard_decisions_total: decisions by action and reason
//   - costguard_guard_evaluation_duration_seconds: evaluation latency
//   - costguard_guard_utilization_percent: last seen utilization per scope
type GuardMetrics struct {
	decisions          *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	utilization        *prometheus.GaugeVec
}

// NewGuardMetrics creates and registers guard metrics.
func NewGuardMetrics(namespace string, registry *prometheus.Registry) *GuardMetrics {
	gm := &GuardMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "decisions_total",
				Help:      "Guard decisions by action and reason",
			},
			[]string{"action", "reason"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "evaluation_duration_seconds",
				Help:      "Time spent evaluating one request against its budget",
				// 10µs to 50ms; evaluation is in-memory.
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		utilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "guard",
				Name:      "utilization_percent",
				Help:      "Budget utilization including the estimate at the last evaluation",
			},
			[]string{"scope"},
		),
	}
	registry.MustRegister(gm.decisions, gm.evaluationDuration, gm.utilization)
	return gm
}

// RecordDecision counts one decision and updates the scope's utilization.
func (gm *GuardMetrics) RecordDecision(scope, action, reason string, utilization float64) {
	gm.decisions.WithLabelValues(action, reason).Inc()
	gm.utilization.WithLabelValues(scope).Set(utilization)
}

// BreakerMetrics tracks circuit breaker transitions.
//
// Metrics:
//   - costguard_breaker_transitions_total: transitions by kind and reason
//   - costguard_breaker_state: 1 for the scope's current state, 0 otherwise
type BreakerMetrics struct {
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

// NewBreakerMetrics creates and registers breaker metrics.
func NewBreakerMetrics(namespace string, registry *prometheus.Registry) *BreakerMetrics {
	bm := &BreakerMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker transitions by kind and reason",
			},
			[]string{"kind", "reason"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Current circuit state per scope (1 = active state)",
			},
			[]string{"scope", "state"},
		),
	}
	registry.MustRegister(bm.transitions, bm.state)
	return bm
}

var breakerStates = []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen}

// RecordTransition counts a transition and moves the scope's state gauge.
func (bm *BreakerMetrics) RecordTransition(scope string, kind breaker.EventKind, to breaker.State, reason string) {
	if reason == "" {
		reason = "none"
	}
	bm.transitions.WithLabelValues(string(kind), reason).Inc()
	for _, s := range breakerStates {
		v := 0.0
		if s == to {
			v = 1
		}
		bm.state.WithLabelValues(scope, string(s)).Set(v)
	}
}
