package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics tracks usage ingestion and the spend it carries.
//
// Metrics:
//   - costguard_ingest_records_total: accepted records by provider and model
//   - costguard_ingest_cost_usd_total: accepted spend in USD
//   - costguard_ingest_tokens_total: accepted tokens
//   - costguard_ingest_cost_per_record_usd: per-record cost distribution
//   - costguard_ingest_rejected_batches_total / rejected_records_total
//   - costguard_ingest_unknown_model_total: costs priced with the fallback
type IngestMetrics struct {
	records         *prometheus.CounterVec
	cost            *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	costPerRecord   *prometheus.HistogramVec
	rejectedBatches *prometheus.CounterVec
	rejectedRecords *prometheus.CounterVec
	unknownModels   *prometheus.CounterVec
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string, registry *prometheus.Registry) *IngestMetrics {
	labels := []string{"provider", "model"}
	im := &IngestMetrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "records_total",
			Help: "Accepted usage records by provider and model",
		}, labels),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "cost_usd_total",
			Help: "Accepted spend in USD by provider and model",
		}, labels),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "tokens_total",
			Help: "Accepted tokens by provider and model",
		}, labels),
		costPerRecord: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "cost_per_record_usd",
			Help: "Cost distribution per usage record in USD",
			// $0.0001 to $10
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"provider"}),
		rejectedBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "rejected_batches_total",
			Help: "Ingestion batches refused by reason",
		}, []string{"reason"}),
		rejectedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "rejected_records_total",
			Help: "Usage records in refused batches by reason",
		}, []string{"reason"}),
		unknownModels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "unknown_model_total",
			Help: "Costs computed with the fallback price because the model was not in the pricing table",
		}, labels),
	}
	registry.MustRegister(
		im.records,
		im.cost,
		im.tokens,
		im.costPerRecord,
		im.rejectedBatches,
		im.rejectedRecords,
		im.unknownModels,
	)
	return im
}

// RecordAccepted counts one accepted record.
func (im *IngestMetrics) RecordAccepted(provider, model string, cost float64, tokens int64) {
	im.records.WithLabelValues(provider, model).Inc()
	if cost > 0 {
		im.cost.WithLabelValues(provider, model).Add(cost)
		im.costPerRecord.WithLabelValues(provider).Observe(cost)
	}
	if tokens > 0 {
		im.tokens.WithLabelValues(provider, model).Add(float64(tokens))
	}
}

// SchedulerMetrics tracks scheduled task runs.
type SchedulerMetrics struct {
	runs *prometheus.CounterVec
}

// NewSchedulerMetrics creates and registers scheduler metrics.
func NewSchedulerMetrics(namespace string, registry *prometheus.Registry) *SchedulerMetrics {
	sm := &SchedulerMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled task runs by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
	registry.MustRegister(sm.runs)
	return sm
}
