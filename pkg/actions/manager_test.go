package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/idempotency"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/retry"
	"mercator-hq/costguard/pkg/scheduler"
)

var t0 = time.Date(2026, 4, 14, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sink struct {
	mu     sync.Mutex
	alerts []alerts.Alert
	err    error
}

func (s *sink) Notify(_ context.Context, a alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *sink) sent() []alerts.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerts.Alert(nil), s.alerts...)
}

func setup(t *testing.T, opts ...Option) (*Manager, *guard.Guard, *clock, *sink) {
	t.Helper()
	clk := &clock{t: t0}
	g := guard.New(guard.DefaultConfig(), guard.WithClock(clk.Now))
	out := &sink{}
	base := []Option{WithClock(clk.Now), WithLogger(zaptest.NewLogger(t)), WithNotifier(out)}
	return New(DefaultConfig(), g, append(base, opts...)...), g, clk, out
}

func manualEvent(id, scope string) Event {
	return Event{ID: id, Trigger: Manual, Scope: scope}
}

func TestGuardDecisionRunsThresholdRule(t *testing.T) {
	m, g, _, out := setup(t)
	g.SetLimit("team-a", 100)
	g.RecordSpend("team-a", 85)
	require.NoError(t, g.SetRules("team-a", []guard.Rule{{
		ID: "warn-80", Priority: 1, Action: guard.ActionWarn,
		Conditions: []guard.Condition{{Kind: guard.PercentOfLimit, Percent: 80}},
	}}))
	require.NoError(t, m.SetRules([]Rule{
		ThresholdRule("team-a", 80, Definition{
			Type:     Notify,
			Message:  "{scope} at {utilization}% of {limit}",
			Channels: []alerts.Channel{alerts.ChannelSlack},
		}),
	}))
	defer g.Subscribe(m.OnDecision)()

	d, err := g.Evaluate(context.Background(), "team-a", guard.RequestContext{EstimatedCost: 1})
	require.NoError(t, err)
	require.Equal(t, guard.ActionWarn, d.Action)

	sent := out.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "team-a at 86.0% of 100.00", sent[0].Message)
	assert.Equal(t, []alerts.Channel{alerts.ChannelSlack}, sent[0].Channels)
	assert.Equal(t, alerts.PriorityHigh, sent[0].Priority)
	assert.Equal(t, "threshold-team-a-80", sent[0].Source)

	h := m.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, StatusSuccess, h[0].Status)
	assert.Equal(t, d.ID, h[0].EventID)
	assert.Equal(t, ThresholdReached, h[0].Trigger)
}

func TestDuplicateEventsRunOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := idempotency.NewRedisStoreFromClient(client, "actions:", zaptest.NewLogger(t))

	rule := Rule{ID: "pause", Trigger: Manual, Actions: []Definition{{Type: DisableScope}}, Cooldown: time.Nanosecond}

	first, g, _, _ := setup(t, WithStore(store))
	require.NoError(t, first.SetRules([]Rule{rule}))
	res := first.Handle(context.Background(), manualEvent("ev-1", "s"))
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.True(t, g.Spend("s").Paused)

	res = first.Handle(context.Background(), manualEvent("ev-1", "s"))
	require.Len(t, res, 1)
	assert.Equal(t, StatusSkipped, res[0].Status)
	assert.Equal(t, SkippedDuplicate, res[0].Message)

	// A second process sharing the store sees the same claim.
	second, _, _, _ := setup(t, WithStore(store))
	require.NoError(t, second.SetRules([]Rule{rule}))
	res = second.Handle(context.Background(), manualEvent("ev-1", "s"))
	require.Len(t, res, 1)
	assert.Equal(t, StatusSkipped, res[0].Status)

	assert.True(t, mr.Exists("actions:"+idempotency.Key("pause", "ev-1")))
}

func TestCooldownAndDailyCap(t *testing.T) {
	m, _, clk, out := setup(t)
	require.NoError(t, m.SetRules([]Rule{{
		ID: "notify", Trigger: Manual, Actions: []Definition{{Type: Notify}},
		Cooldown: 10 * time.Minute, MaxPerDay: 2,
	}}))

	status := func(id string) (Status, string) {
		res := m.Handle(context.Background(), manualEvent(id, "s"))
		require.Len(t, res, 1)
		return res[0].Status, res[0].Message
	}

	st, _ := status("a")
	assert.Equal(t, StatusSuccess, st)

	clk.Advance(5 * time.Minute)
	st, msg := status("b")
	assert.Equal(t, StatusSkipped, st)
	assert.Equal(t, SkippedCooldown, msg)

	clk.Advance(6 * time.Minute)
	st, _ = status("c")
	assert.Equal(t, StatusSuccess, st)

	clk.Advance(11 * time.Minute)
	st, msg = status("d")
	assert.Equal(t, StatusSkipped, st)
	assert.Equal(t, SkippedDailyCap, msg)

	clk.Advance(24 * time.Hour)
	st, _ = status("e")
	assert.Equal(t, StatusSuccess, st, "the daily count resets on a new date")

	assert.Len(t, out.sent(), 3)
	assert.Len(t, m.RuleHistory("notify"), 5)
}

func TestActionsExecuteThroughQueue(t *testing.T) {
	mux := queue.NewMux()
	clk := &clock{t: t0}
	q, err := queue.New(queue.Config{}, mux, queue.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	g := guard.New(guard.DefaultConfig(), guard.WithClock(clk.Now))
	g.SetLimit("s", 200)
	m := New(DefaultConfig(), g, WithClock(clk.Now), WithPublisher(q), WithLogger(zaptest.NewLogger(t)))
	mux.Handle(QueueKind, m)

	require.NoError(t, m.SetRules([]Rule{{
		ID: "shrink", Trigger: Manual,
		Actions: []Definition{
			{Type: AdjustBudget, Percentage: -10},
			{Type: Throttle, Delay: 2 * time.Second, Duration: time.Hour},
		},
	}}))

	res := m.Handle(context.Background(), manualEvent("ev-1", "s"))
	assert.Empty(t, res, "queued actions report when they run")
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 200.0, g.Spend("s").Limit)

	n, err := q.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sp := g.Spend("s")
	assert.Equal(t, 180.0, sp.Limit)
	assert.Equal(t, 2*time.Second, sp.ThrottleDelay)
	assert.Equal(t, t0.Add(time.Hour), sp.ThrottleUntil)

	h := m.History(0)
	require.Len(t, h, 2)
	for _, r := range h {
		assert.Equal(t, StatusSuccess, r.Status)
	}
}

func TestRedeliveredJobRunsOnce(t *testing.T) {
	m, g, _, _ := setup(t)
	g.SetLimit("s", 100)
	e := queue.Entry{ID: "1", Kind: QueueKind, Payload: []byte(`{"ruleId":"raise","index":0,"action":{"type":"adjust_budget","amount":50},"event":{"id":"ev-1","scope":"s"}}`)}

	require.NoError(t, m.Deliver(context.Background(), e))
	require.NoError(t, m.Deliver(context.Background(), e))
	assert.Equal(t, 150.0, g.Spend("s").Limit)

	h := m.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, StatusSuccess, h[0].Status)
	assert.Equal(t, StatusSkipped, h[1].Status)
	assert.Equal(t, SkippedDuplicate, h[1].Message)

	// The next action of the same rule and event is a separate execution.
	e.Payload = []byte(`{"ruleId":"raise","index":1,"action":{"type":"adjust_budget","amount":50},"event":{"id":"ev-1","scope":"s"}}`)
	require.NoError(t, m.Deliver(context.Background(), e))
	assert.Equal(t, 200.0, g.Spend("s").Limit)
}

type flakyPublisher struct {
	mu    sync.Mutex
	fails int
	jobs  []Job
}

func (p *flakyPublisher) Submit(_ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return "", errors.New("queue full")
	}
	p.jobs = append(p.jobs, payload.(Job))
	return "id", nil
}

func TestFailedSubmitLeavesEventRetryable(t *testing.T) {
	pub := &flakyPublisher{fails: 1}
	m, _, _, _ := setup(t, WithPublisher(pub))
	require.NoError(t, m.SetRules([]Rule{{
		ID: "pause", Trigger: Manual, Actions: []Definition{{Type: DisableScope}},
	}}))

	res := m.Handle(context.Background(), manualEvent("ev-1", "s"))
	require.Len(t, res, 1)
	assert.Equal(t, StatusFailure, res[0].Status)
	assert.Empty(t, pub.jobs)

	// Same event, no clock movement: neither dedupe nor cooldown applies.
	res = m.Handle(context.Background(), manualEvent("ev-1", "s"))
	assert.Empty(t, res)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, "ev-1", pub.jobs[0].Event.ID)

	res = m.Handle(context.Background(), manualEvent("ev-1", "s"))
	require.Len(t, res, 1)
	assert.Equal(t, SkippedDuplicate, res[0].Message)
}

func TestBreakerActionsAndCircuitEvents(t *testing.T) {
	clk := &clock{t: t0}
	br := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clk.Now))
	g := guard.New(guard.DefaultConfig(), guard.WithClock(clk.Now), guard.WithBreaker(br))
	m := New(DefaultConfig(), g, WithClock(clk.Now), WithCircuits(br), WithLogger(zaptest.NewLogger(t)))
	defer br.OnStateChange(m.OnCircuitEvent)()

	require.NoError(t, m.SetRules([]Rule{
		{ID: "trip", Trigger: Manual, Actions: []Definition{{Type: TripBreaker, Reason: string(breaker.ReasonCostSpike)}}},
		{ID: "pause-on-spike", Trigger: CircuitTripped, Actions: []Definition{{Type: DisableScope}},
			Conditions: []Condition{{Field: FieldReason, Operator: OpIn, Values: []string{"cost-spike", "anomaly-critical"}}}},
	}))

	res := m.Trigger(context.Background(), "s", "operator")
	require.Len(t, res, 1)
	assert.Equal(t, StatusSuccess, res[0].Status)
	assert.Equal(t, "breaker open", res[0].Message)
	assert.Equal(t, breaker.ReasonCostSpike, br.Status("s").Reason)

	m.Wait()
	assert.True(t, g.Spend("s").Paused)
	require.Len(t, m.RuleHistory("pause-on-spike"), 1)

	require.NoError(t, m.AddRule(Rule{ID: "trip", Trigger: Manual, Actions: []Definition{{Type: ResetBreaker}}}))
	clk.Advance(DefaultConfig().DefaultCooldown)
	res = m.Trigger(context.Background(), "s", "recovered")
	require.Len(t, res, 1)
	assert.Equal(t, "breaker closed", res[0].Message)
	assert.Len(t, m.Rules(), 2)
}

func TestDeliverWithoutCircuitsIsPermanent(t *testing.T) {
	m, _, _, _ := setup(t)
	e := queue.Entry{ID: "1", Kind: QueueKind, Payload: []byte(`{"ruleId":"r","action":{"type":"trip_breaker"},"event":{"id":"x","scope":"s"}}`)}
	err := m.Deliver(context.Background(), e)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoCircuits)

	err = m.Deliver(context.Background(), queue.Entry{ID: "2", Kind: QueueKind, Payload: []byte(`{`)})
	assert.True(t, retry.IsPermanent(err))
}

func TestNotifierFailureIsRetryable(t *testing.T) {
	m, _, _, out := setup(t)
	out.err = errors.New("slack down")
	e := queue.Entry{ID: "1", Kind: QueueKind, Payload: []byte(`{"ruleId":"r","action":{"type":"escalate","recipients":["oncall"]},"event":{"id":"x","scope":"s"}}`)}

	err := m.Deliver(context.Background(), e)
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))

	h := m.History(0)
	require.Len(t, h, 1)
	assert.Equal(t, StatusFailure, h[0].Status)
	assert.Equal(t, "slack down", h[0].Error)

	out.err = nil
	require.NoError(t, m.Deliver(context.Background(), e))
	sent := out.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, alerts.PriorityCritical, sent[0].Priority)
	assert.Equal(t, []string{"oncall"}, sent[0].Details["recipients"])
	assert.Equal(t, "ESCALATION: scope s requires attention. Utilization: 0.0%", sent[0].Message)
}

func TestResetSpendAndSubscribers(t *testing.T) {
	m, g, _, _ := setup(t)
	g.SetLimit("s", 50)
	g.RecordSpend("s", 40)
	require.NoError(t, m.SetRules([]Rule{{ID: "reset", Trigger: Scheduled, Actions: []Definition{{Type: ResetSpend}}}}))

	var got []Result
	unsubscribe := m.Subscribe(func(r Result) { got = append(got, r) })

	m.OnTaskResult(scheduler.Result{TaskID: "t", Scope: "s", Kind: scheduler.Report, Period: "2026-04-14", Success: true})
	m.OnTaskResult(scheduler.Result{TaskID: "t", Scope: "s", Kind: scheduler.Report, Period: "2026-04-14", Success: true, Skipped: true})
	assert.Equal(t, 0.0, g.Spend("s").Spent)
	require.Len(t, got, 1)
	assert.Equal(t, ResetSpend, got[0].Action)

	unsubscribe()
	m.OnTaskResult(scheduler.Result{TaskID: "t", Scope: "s", Kind: scheduler.Report, Period: "2026-04-15", Success: true})
	assert.Len(t, got, 1)
}

func TestConditions(t *testing.T) {
	ev := Event{Scope: "team-a", CurrentSpend: 75, Limit: 100, Utilization: 75, Severity: "high"}
	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"gt", Condition{Field: FieldCurrentSpend, Operator: OpGT, Value: 70}, true},
		{"lt", Condition{Field: FieldLimit, Operator: OpLT, Value: 100}, false},
		{"eq", Condition{Field: FieldLimit, Operator: OpEQ, Value: 100}, true},
		{"gte", Condition{Field: FieldUtilization, Operator: OpGTE, Value: 75}, true},
		{"lte", Condition{Field: FieldUtilization, Operator: OpLTE, Value: 74.9}, false},
		{"between inclusive", Condition{Field: FieldUtilization, Operator: OpBetween, Min: 50, Max: 75}, true},
		{"between outside", Condition{Field: FieldUtilization, Operator: OpBetween, Min: 80, Max: 90}, false},
		{"text eq", Condition{Field: FieldScope, Operator: OpEQ, Text: "team-a"}, true},
		{"text in", Condition{Field: FieldSeverity, Operator: OpIn, Values: []string{"critical"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.c.Validate())
			assert.Equal(t, tt.want, tt.c.holds(ev))
		})
	}
}

func TestRuleValidation(t *testing.T) {
	valid := Rule{ID: "r", Trigger: Manual, Actions: []Definition{{Type: Notify}}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *Rule)
	}{
		{"missing id", func(r *Rule) { r.ID = "" }},
		{"unknown trigger", func(r *Rule) { r.Trigger = "sometimes" }},
		{"no actions", func(r *Rule) { r.Actions = nil }},
		{"unknown action", func(r *Rule) { r.Actions = []Definition{{Type: "reboot"}} }},
		{"throttle without delay", func(r *Rule) { r.Actions = []Definition{{Type: Throttle, Duration: time.Hour}} }},
		{"escalate without recipients", func(r *Rule) { r.Actions = []Definition{{Type: Escalate}} }},
		{"adjust without amount", func(r *Rule) { r.Actions = []Definition{{Type: AdjustBudget}} }},
		{"bad trip reason", func(r *Rule) { r.Actions = []Definition{{Type: TripBreaker, Reason: "bored"}} }},
		{"bad priority", func(r *Rule) { r.Actions = []Definition{{Type: Notify, Priority: "urgent"}} }},
		{"operator for text field", func(r *Rule) {
			r.Conditions = []Condition{{Field: FieldScope, Operator: OpGT}}
		}},
		{"unknown field", func(r *Rule) {
			r.Conditions = []Condition{{Field: "budgetId", Operator: OpEQ}}
		}},
		{"negative cooldown", func(r *Rule) { r.Cooldown = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Actions = append([]Definition(nil), valid.Actions...)
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}

	m, _, _, _ := setup(t)
	assert.Error(t, m.SetRules([]Rule{valid, valid}), "duplicate ids")
}

func TestEventMapping(t *testing.T) {
	_, ok := FromDecision(guard.Decision{Action: guard.ActionBlock, Reason: guard.ReasonCircuitOpen})
	assert.False(t, ok, "only rule-driven decisions raise events")

	ev, ok := FromDecision(guard.Decision{ID: "d", Scope: "s", Action: guard.ActionBlock, Reason: guard.ReasonThresholdRule, RuleID: "hard-90"})
	require.True(t, ok)
	assert.Equal(t, ThresholdExceeded, ev.Trigger)
	assert.Equal(t, "hard-90", ev.Reason)

	_, ok = FromCircuitEvent(breaker.Event{Kind: breaker.EventClose})
	assert.False(t, ok)

	ev, ok = FromAlert(alerts.Alert{ID: "a", Type: alerts.TypeBudgetExhaustion, Priority: alerts.PriorityCritical})
	require.True(t, ok)
	assert.Equal(t, ForecastWarning, ev.Trigger)
	assert.Equal(t, "critical", ev.Severity)

	_, ok = FromAlert(alerts.Alert{Type: alerts.TypeModelCostOptimization})
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	ev := Event{Scope: "s", CurrentSpend: 12.346, Limit: 20, Utilization: 61.725, Trigger: AnomalyDetected, Severity: "high"}
	assert.Equal(t, "s 12.35/20.00 61.7% anomaly_detected high",
		Format("{scope} {currentSpend}/{limit} {utilization}% {trigger} {severity}", ev))
}
