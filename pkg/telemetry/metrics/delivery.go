package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics tracks the durable delivery queue.
type QueueMetrics struct {
	depth      *prometheus.GaugeVec
	deliveries *prometheus.CounterVec
	full       prometheus.Counter
}

// NewQueueMetrics creates and registers queue metrics.
func NewQueueMetrics(namespace string, registry *prometheus.Registry) *QueueMetrics {
	qm := &QueueMetrics{
		depth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Queued entries by state (pending, ready, dead)",
			},
			[]string{"state"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "deliveries_total",
				Help:      "Delivery attempts by entry kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		full: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "full_total",
				Help:      "Enqueues refused because the queue was at capacity",
			},
		),
	}
	registry.MustRegister(qm.depth, qm.deliveries, qm.full)
	return qm
}

// AlertMetrics tracks raised and suppressed alerts.
type AlertMetrics struct {
	emitted    *prometheus.CounterVec
	suppressed *prometheus.CounterVec
}

// NewAlertMetrics creates and registers alert metrics.
func NewAlertMetrics(namespace string, registry *prometheus.Registry) *AlertMetrics {
	am := &AlertMetrics{
		emitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "emitted_total",
				Help:      "Alerts raised by type and priority",
			},
			[]string{"type", "priority"},
		),
		suppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "suppressed_total",
				Help:      "Alerts dropped by type and suppression reason",
			},
			[]string{"type", "reason"},
		),
	}
	registry.MustRegister(am.emitted, am.suppressed)
	return am
}

// ActionMetrics tracks automated action execution.
type ActionMetrics struct {
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewActionMetrics creates and registers action metrics.
func NewActionMetrics(namespace string, registry *prometheus.Registry) *ActionMetrics {
	am := &ActionMetrics{
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "results_total",
				Help:      "Executed actions by trigger, action type and status",
			},
			[]string{"trigger", "action", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "duration_seconds",
				Help:      "Action execution time",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"action"},
		),
	}
	registry.MustRegister(am.results, am.duration)
	return am
}

// RecordResult counts one action outcome.
func (am *ActionMetrics) RecordResult(trigger, action, status string, d time.Duration) {
	if action == "" {
		action = "none"
	}
	am.results.WithLabelValues(trigger, action, status).Inc()
	if d > 0 {
		am.duration.WithLabelValues(action).Observe(d.Seconds())
	}
}
