package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/usage"
)

// DefaultMaxScopes bounds how many distinct scope label values are exported
// before further scopes are folded into OtherLabel.
const DefaultMaxScopes = 1000

// OtherLabel replaces label values beyond the cardinality limit.
const OtherLabel = "other"

// Collector owns every costguard metric and the registry they live on.
//
// All Observe methods are no-ops when metrics are disabled, so callers can
// subscribe a Collector unconditionally.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	guard     *GuardMetrics
	breaker   *BreakerMetrics
	queue     *QueueMetrics
	alerts    *AlertMetrics
	actions   *ActionMetrics
	scheduler *SchedulerMetrics
	ingest    *IngestMetrics

	scopes *CardinalityLimiter
	models *CardinalityLimiter
}

// NewCollector creates a collector registering on registry, or on a fresh
// registry when registry is nil.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg == nil {
		cfg = &config.MetricsConfig{Enabled: true}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		config:    cfg,
		registry:  registry,
		guard:     NewGuardMetrics(cfg.Namespace, registry),
		breaker:   NewBreakerMetrics(cfg.Namespace, registry),
		queue:     NewQueueMetrics(cfg.Namespace, registry),
		alerts:    NewAlertMetrics(cfg.Namespace, registry),
		actions:   NewActionMetrics(cfg.Namespace, registry),
		scheduler: NewSchedulerMetrics(cfg.Namespace, registry),
		ingest:    NewIngestMetrics(cfg.Namespace, registry),
		scopes:    NewCardinalityLimiter(DefaultMaxScopes),
		models:    NewCardinalityLimiter(DefaultMaxScopes),
	}
}

// Enabled reports whether observations are recorded.
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Registry returns the registry backing Handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) scope(s string) string {
	if !c.scopes.Allow(s) {
		return OtherLabel
	}
	return s
}

func (c *Collector) model(m string) string {
	if !c.models.Allow(m) {
		return OtherLabel
	}
	return m
}

// ObserveDecision records a guard decision. It matches the guard subscriber
// signature.
func (c *Collector) ObserveDecision(d guard.Decision) {
	if !c.config.Enabled {
		return
	}
	c.guard.RecordDecision(c.scope(d.Scope), string(d.Action), string(d.Reason), d.Utilization)
}

// ObserveEvaluation records how long one guard evaluation took.
func (c *Collector) ObserveEvaluation(d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.guard.evaluationDuration.Observe(d.Seconds())
}

// ObserveCircuitEvent records a breaker transition.
func (c *Collector) ObserveCircuitEvent(ev breaker.Event) {
	if !c.config.Enabled {
		return
	}
	c.breaker.RecordTransition(c.scope(ev.Scope), ev.Kind, ev.To, string(ev.Reason))
}

// ObserveAlert records an emitted alert.
func (c *Collector) ObserveAlert(a alerts.Alert) {
	if !c.config.Enabled {
		return
	}
	c.alerts.emitted.WithLabelValues(string(a.Type), string(a.Priority)).Inc()
}

// ObserveSuppressed records an alert dropped by cooldown or deduplication.
func (c *Collector) ObserveSuppressed(a alerts.Alert, reason string) {
	if !c.config.Enabled {
		return
	}
	c.alerts.suppressed.WithLabelValues(string(a.Type), reason).Inc()
}

// ObserveActionResult records the outcome of one executed action.
func (c *Collector) ObserveActionResult(r actions.Result) {
	if !c.config.Enabled {
		return
	}
	c.actions.RecordResult(string(r.Trigger), string(r.Action), string(r.Status), r.Duration)
}

// ObserveTaskResult records a scheduler run.
func (c *Collector) ObserveTaskResult(r scheduler.Result) {
	if !c.config.Enabled {
		return
	}
	outcome := "success"
	switch {
	case r.Skipped:
		outcome = "skipped"
	case !r.Success:
		outcome = "failure"
	}
	c.scheduler.runs.WithLabelValues(string(r.Kind), outcome).Inc()
}

// ObserveIngested records an accepted record and its cost.
func (c *Collector) ObserveIngested(r usage.Record) {
	if !c.config.Enabled {
		return
	}
	c.ingest.RecordAccepted(r.Provider, c.model(r.Model), r.Cost, r.TotalTokens)
}

// ObserveRejected records a batch refused at ingestion.
func (c *Collector) ObserveRejected(reason string, records int) {
	if !c.config.Enabled {
		return
	}
	c.ingest.rejectedBatches.WithLabelValues(reason).Inc()
	c.ingest.rejectedRecords.WithLabelValues(reason).Add(float64(records))
}

// ObserveUnknownModel records a cost computed without a pricing entry. It
// matches the costs unknown-model hook.
func (c *Collector) ObserveUnknownModel(model, provider string) {
	if !c.config.Enabled {
		return
	}
	c.ingest.unknownModels.WithLabelValues(provider, c.model(model)).Inc()
}

// ObserveQueueFull records an enqueue refused because the queue is at
// capacity.
func (c *Collector) ObserveQueueFull(int) {
	if !c.config.Enabled {
		return
	}
	c.queue.full.Inc()
}

// ObserveDelivered records a successful queue delivery.
func (c *Collector) ObserveDelivered(e queue.Entry) {
	if !c.config.Enabled {
		return
	}
	c.queue.deliveries.WithLabelValues(kindLabel(e.Kind), "delivered").Inc()
}

// ObserveDeliveryFailed records a failed queue delivery attempt.
func (c *Collector) ObserveDeliveryFailed(e queue.Entry, _ error) {
	if !c.config.Enabled {
		return
	}
	outcome := "retry"
	if e.Dead {
		outcome = "dead"
	}
	c.queue.deliveries.WithLabelValues(kindLabel(e.Kind), outcome).Inc()
}

// SetQueueStats publishes queue depth gauges.
func (c *Collector) SetQueueStats(s queue.Stats) {
	if !c.config.Enabled {
		return
	}
	c.queue.depth.WithLabelValues("pending").Set(float64(s.QueuedCount))
	c.queue.depth.WithLabelValues("ready").Set(float64(s.ReadyCount))
	c.queue.depth.WithLabelValues("dead").Set(float64(s.DeadCount))
}

func kindLabel(kind string) string {
	if kind == "" {
		return "default"
	}
	return kind
}

// CardinalityLimiter caps the number of distinct values a label may take.
type CardinalityLimiter struct {
	maxCardinality int

	mu      sync.RWMutex
	current map[string]struct{}
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is already tracked or still fits under the
// limit, tracking it in the latter case.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	_, exists := cl.current[value]
	cl.mu.RUnlock()
	if exists {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of tracked values.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
