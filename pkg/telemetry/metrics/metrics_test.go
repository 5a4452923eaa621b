package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/usage"
)

func newTestCollector(t *testing.T, enabled bool) *Collector {
	t.Helper()
	return NewCollector(&config.MetricsConfig{Enabled: enabled, Namespace: "test"}, prometheus.NewRegistry())
}

func TestCollectorGuardDecisions(t *testing.T) {
	c := newTestCollector(t, true)

	c.ObserveDecision(guard.Decision{Scope: "team-a", Action: guard.ActionBlock, Reason: guard.ReasonThresholdRule, Utilization: 104})
	c.ObserveDecision(guard.Decision{Scope: "team-a", Action: guard.ActionBlock, Reason: guard.ReasonThresholdRule, Utilization: 106})
	c.ObserveDecision(guard.Decision{Scope: "team-b", Action: guard.ActionAllow, Reason: guard.ReasonNoMatch, Utilization: 12})
	c.ObserveEvaluation(200 * time.Microsecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.guard.decisions.WithLabelValues("block", "threshold-rule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.guard.decisions.WithLabelValues("allow", "no-match")))
	assert.Equal(t, 106.0, testutil.ToFloat64(c.guard.utilization.WithLabelValues("team-a")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.guard.evaluationDuration))
}

func TestCollectorBreakerState(t *testing.T) {
	c := newTestCollector(t, true)

	c.ObserveCircuitEvent(breaker.Event{Scope: "s", Kind: breaker.EventTrip, From: breaker.StateClosed, To: breaker.StateOpen, Reason: breaker.ReasonCostSpike})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breaker.state.WithLabelValues("s", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breaker.state.WithLabelValues("s", "closed")))

	c.ObserveCircuitEvent(breaker.Event{Scope: "s", Kind: breaker.EventReset, From: breaker.StateOpen, To: breaker.StateClosed})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breaker.state.WithLabelValues("s", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breaker.state.WithLabelValues("s", "closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breaker.transitions.WithLabelValues("trip", "cost-spike")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breaker.transitions.WithLabelValues("reset", "none")))
}

func TestCollectorAlertsActionsScheduler(t *testing.T) {
	c := newTestCollector(t, true)

	a := alerts.Alert{Type: alerts.TypeAnomalyDetected, Priority: alerts.PriorityHigh}
	c.ObserveAlert(a)
	c.ObserveSuppressed(a, "cooldown")
	c.ObserveActionResult(actions.Result{Trigger: actions.Manual, Action: actions.Notify, Status: actions.StatusSuccess, Duration: time.Millisecond})
	c.ObserveActionResult(actions.Result{Trigger: actions.Manual, Status: actions.StatusSkipped})
	c.ObserveTaskResult(scheduler.Result{Kind: scheduler.ResetSpend, Success: true})
	c.ObserveTaskResult(scheduler.Result{Kind: scheduler.ResetSpend, Success: true, Skipped: true})
	c.ObserveTaskResult(scheduler.Result{Kind: scheduler.SetLimit})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.alerts.emitted.WithLabelValues("anomaly_detected", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alerts.suppressed.WithLabelValues("anomaly_detected", "cooldown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.results.WithLabelValues("manual", "notify", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actions.results.WithLabelValues("manual", "none", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduler.runs.WithLabelValues("reset_spend", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduler.runs.WithLabelValues("reset_spend", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scheduler.runs.WithLabelValues("set_limit", "failure")))
}

func TestCollectorIngestAndQueue(t *testing.T) {
	c := newTestCollector(t, true)

	c.ObserveIngested(usage.Record{Provider: "openai", Model: "gpt-4o", Cost: 0.25, TotalTokens: 1200})
	c.ObserveIngested(usage.Record{Provider: "openai", Model: "gpt-4o", Cost: 0.5, TotalTokens: 800})
	c.ObserveRejected("invalid", 3)
	c.ObserveUnknownModel("mystery-1", "acme")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ingest.records.WithLabelValues("openai", "gpt-4o")))
	assert.InDelta(t, 0.75, testutil.ToFloat64(c.ingest.cost.WithLabelValues("openai", "gpt-4o")), 1e-9)
	assert.Equal(t, 2000.0, testutil.ToFloat64(c.ingest.tokens.WithLabelValues("openai", "gpt-4o")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingest.rejectedBatches.WithLabelValues("invalid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ingest.rejectedRecords.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingest.unknownModels.WithLabelValues("acme", "mystery-1")))

	c.ObserveDelivered(queue.Entry{Kind: "alert"})
	c.ObserveDeliveryFailed(queue.Entry{Kind: "alert"}, errors.New("503"))
	c.ObserveDeliveryFailed(queue.Entry{Dead: true}, errors.New("503"))
	c.ObserveQueueFull(10)
	c.SetQueueStats(queue.Stats{QueuedCount: 4, ReadyCount: 1, DeadCount: 2})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queue.deliveries.WithLabelValues("alert", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queue.deliveries.WithLabelValues("alert", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queue.deliveries.WithLabelValues("default", "dead")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queue.full))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.queue.depth.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.queue.depth.WithLabelValues("dead")))
}

func TestCollectorDisabledRecordsNothing(t *testing.T) {
	c := newTestCollector(t, false)
	assert.False(t, c.Enabled())

	c.ObserveDecision(guard.Decision{Scope: "s", Action: guard.ActionBlock, Reason: guard.ReasonThresholdRule})
	c.ObserveIngested(usage.Record{Provider: "openai", Model: "gpt-4o", Cost: 1})
	c.ObserveQueueFull(1)

	assert.Equal(t, 0, testutil.CollectAndCount(c.guard.decisions))
	assert.Equal(t, 0, testutil.CollectAndCount(c.ingest.records))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.queue.full))
}

func TestCollectorFoldsScopesPastLimit(t *testing.T) {
	c := newTestCollector(t, true)
	c.scopes = NewCardinalityLimiter(2)

	for i := range 5 {
		c.ObserveDecision(guard.Decision{Scope: fmt.Sprintf("scope-%d", i), Action: guard.ActionAllow, Reason: guard.ReasonNoMatch, Utilization: float64(i)})
	}
	assert.Equal(t, 3, testutil.CollectAndCount(c.guard.utilization), "two scopes plus other")
	assert.Equal(t, 4.0, testutil.ToFloat64(c.guard.utilization.WithLabelValues(OtherLabel)))
}

func TestCardinalityLimiter(t *testing.T) {
	cl := NewCardinalityLimiter(2)
	assert.True(t, cl.Allow("a"))
	assert.True(t, cl.Allow("b"))
	assert.True(t, cl.Allow("a"))
	assert.False(t, cl.Allow("c"))
	assert.Equal(t, 2, cl.Count())
}

func TestHandlerServesRegistry(t *testing.T) {
	c := newTestCollector(t, true)
	c.ObserveDecision(guard.Decision{Scope: "s", Action: guard.ActionWarn, Reason: guard.ReasonThresholdRule})

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_guard_decisions_total{action="warn",reason="threshold-rule"} 1`)
}

func TestNewCollectorDefaults(t *testing.T) {
	c := NewCollector(nil, nil)
	require.NotNil(t, c.Registry())
	assert.True(t, c.Enabled())
	assert.Equal(t, config.DefaultMetricsNamespace, c.config.Namespace)
}
