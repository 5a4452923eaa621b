package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/patterns"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGuard(t *testing.T, opts ...Option) (*Guard, *clock) {
	clk := &clock{now: t0}
	opts = append([]Option{WithClock(clk.Now), WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(DefaultConfig(), opts...), clk
}

func ninetyPercent() Rule {
	return Rule{
		ID:         "hard-90",
		Name:       "absolute spend ≥ 90%",
		Priority:   100,
		Conditions: []Condition{{Kind: PercentOfLimit, Percent: 90}},
		Action:     ActionBlock,
	}
}

func TestBlockNearLimitByPercentRule(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("team-a", 100)
	g.RecordSpend("team-a", 95)
	require.NoError(t, g.SetRules("team-a", []Rule{ninetyPercent()}))

	d, err := g.Evaluate(context.Background(), "team-a", RequestContext{EstimatedCost: 10, Model: "gpt-4o"})
	require.NoError(t, err)

	assert.Equal(t, ActionBlock, d.Action)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonThresholdRule, d.Reason)
	assert.Equal(t, "hard-90", d.RuleID)
	assert.Equal(t, "absolute spend ≥ 90%", d.RuleName)
	assert.InDelta(t, 105, d.Utilization, 1e-9)
	assert.Contains(t, d.Suggestions, "Consider using gpt-4o-mini for lower costs")

	var budgetErr *BudgetExceededError
	require.True(t, errors.As(d.Err(), &budgetErr))
	assert.Equal(t, "team-a", budgetErr.Scope)
	assert.Equal(t, 100.0, budgetErr.Limit)
	assert.Equal(t, 95.0, budgetErr.CurrentSpend)
	assert.Equal(t, 10.0, budgetErr.EstimatedCost)

	assert.Equal(t, 0.0, g.Spend("team-a").Reserved, "blocked requests reserve nothing")
}

func TestNoMatchAllowsAndReserves(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("s", 100)
	require.NoError(t, g.SetRules("s", []Rule{ninetyPercent()}))

	d, err := g.Evaluate(context.Background(), "s", RequestContext{EstimatedCost: 5})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action)
	assert.Equal(t, ReasonNoMatch, d.Reason)
	assert.NoError(t, d.Err())
	assert.Equal(t, 5.0, g.Spend("s").Reserved)

	g.Commit("s", 5, 4)
	sp := g.Spend("s")
	assert.Equal(t, 0.0, sp.Reserved)
	assert.Equal(t, 4.0, sp.Spent)
}

func TestPrecedence(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("s", 100)
	g.RecordSpend("s", 50)

	rules := []Rule{
		{ID: "b-warn", Priority: 10, Action: ActionWarn,
			Conditions: []Condition{{Kind: AbsoluteSpend, Amount: 10}}},
		{ID: "a-warn", Priority: 10, Action: ActionWarn,
			Conditions: []Condition{{Kind: AbsoluteSpend, Amount: 10}}},
		{ID: "specific", Priority: 10, Action: ActionThrottle, ThrottleDelay: time.Second,
			Conditions: []Condition{
				{Kind: AbsoluteSpend, Amount: 10},
				{Kind: ModelIn, Models: []string{"gpt-4"}},
			}},
		{ID: "low", Priority: 1, Action: ActionBlock,
			Conditions: []Condition{{Kind: AbsoluteSpend, Amount: 0}}},
	}
	require.NoError(t, g.SetRules("s", rules))

	ids := []string{}
	for _, r := range g.Rules("s") {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"specific", "a-warn", "b-warn", "low"}, ids)

	d, _ := g.Evaluate(context.Background(), "s", RequestContext{Model: "gpt-4"})
	assert.Equal(t, "specific", d.RuleID)
	assert.Equal(t, time.Second, d.ThrottleDelay)

	d, _ = g.Evaluate(context.Background(), "s", RequestContext{Model: "claude-3-haiku"})
	assert.Equal(t, "a-warn", d.RuleID, "ties on priority and specificity go to the lowest id")
}

func TestGlobalRulesApplyToEveryScope(t *testing.T) {
	g, _ := newGuard(t)
	require.NoError(t, g.SetRules(GlobalScope, []Rule{{
		ID: "big-request", Priority: 5, Action: ActionBlock,
		Conditions: []Condition{{Kind: RequestCostAbove, Amount: 20}},
	}}))

	d, _ := g.Evaluate(context.Background(), "anything", RequestContext{EstimatedCost: 25})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "big-request", d.RuleID)
}

func TestCircuitOpenBlocksBeforeRules(t *testing.T) {
	clk := &clock{now: t0}
	br := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clk.Now))
	g := New(DefaultConfig(), WithClock(clk.Now), WithBreaker(br))

	br.Trip("s", breaker.ReasonManual, "operator")
	d, err := g.Evaluate(context.Background(), "s", RequestContext{Priority: PriorityCritical})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
	assert.Equal(t, breaker.StateOpen, d.Circuit)

	var openErr *CircuitOpenError
	assert.True(t, errors.As(d.Err(), &openErr))

	clk.Advance(breaker.DefaultConfig().Cooldown)
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.True(t, d.Allowed)
	assert.Equal(t, breaker.StateHalfOpen, d.Circuit)
	assert.Equal(t, breaker.StateClosed, br.Status("s").State, "successful probe closes")
}

func TestRepeatedBlocksTripBreaker(t *testing.T) {
	clk := &clock{now: t0}
	br := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clk.Now))
	g := New(DefaultConfig(), WithClock(clk.Now), WithBreaker(br))
	g.SetLimit("x", 100)
	g.RecordSpend("x", 99)
	require.NoError(t, g.SetRules("x", []Rule{ninetyPercent()}))

	for i := 0; i < 3; i++ {
		d, _ := g.Evaluate(context.Background(), "x", RequestContext{EstimatedCost: 1})
		assert.Equal(t, ReasonThresholdRule, d.Reason)
		clk.Advance(5 * time.Second)
	}
	st := br.Status("x")
	assert.Equal(t, breaker.StateOpen, st.State)
	assert.Equal(t, breaker.ReasonRepeatedBlock, st.Reason)

	d, _ := g.Evaluate(context.Background(), "x", RequestContext{EstimatedCost: 1})
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
}

func TestStaleForecastFailsClosed(t *testing.T) {
	g, clk := newGuard(t)
	g.SetLimit("s", 100)
	require.NoError(t, g.SetRules("s", []Rule{{
		ID: "exhaust", Priority: 1, Action: ActionWarn,
		Conditions: []Condition{{Kind: ForecastExhaustionWithin, Days: 3}},
	}}))

	d, _ := g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ReasonNoMatch, d.Reason, "no projection yet")

	g.UpdateProjection(forecast.Projection{
		Scope: "s", Exhausts: true,
		ExhaustionAt: t0.Add(48 * time.Hour), ComputedAt: t0,
	})
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ActionWarn, d.Action)

	clk.Advance(16 * time.Minute)
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, ReasonStaleData, d.Reason)
	assert.Equal(t, InputForecast, d.Stale)

	var staleErr *StaleDataError
	require.True(t, errors.As(d.Err(), &staleErr))
	assert.Equal(t, InputForecast, staleErr.Input)
}

func TestAnomalySeverityRule(t *testing.T) {
	g, _ := newGuard(t)
	require.NoError(t, g.SetRules("s", []Rule{{
		ID: "crit", Priority: 1, Action: ActionBlock,
		Conditions: []Condition{{Kind: AnomalySeverityAtLeast, Severity: patterns.SeverityHigh}},
	}}))

	g.UpdateAnomaly("s", patterns.SeverityMedium, time.Time{})
	d, _ := g.Evaluate(context.Background(), "s", RequestContext{})
	assert.True(t, d.Allowed)

	g.UpdateAnomaly("s", patterns.SeverityCritical, time.Time{})
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, "crit", d.RuleID)
}

func TestThrottleDelayIsLinear(t *testing.T) {
	g, _ := newGuard(t)
	assert.Equal(t, time.Duration(0), g.throttleDelay(80))
	assert.Equal(t, time.Duration(0), g.throttleDelay(90))
	assert.Equal(t, 2500*time.Millisecond, g.throttleDelay(95))
	assert.Equal(t, 5*time.Second, g.throttleDelay(100))
	assert.Equal(t, 5*time.Second, g.throttleDelay(140))
}

func TestThresholdsOnlyShapeDerivedDelay(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("over", 100)
	g.RecordSpend("over", 120)

	d, err := g.Evaluate(context.Background(), "over", RequestContext{EstimatedCost: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, d.Action, "no rule, no enforcement past the block threshold")
	assert.Equal(t, ReasonNoMatch, d.Reason)

	g.SetLimit("slow", 100)
	g.RecordSpend("slow", 94)
	require.NoError(t, g.SetRules("slow", []Rule{{
		ID: "slow-90", Priority: 1, Action: ActionThrottle,
		Conditions: []Condition{{Kind: PercentOfLimit, Percent: 90}},
	}}))
	d, err = g.Evaluate(context.Background(), "slow", RequestContext{EstimatedCost: 1})
	require.NoError(t, err)
	assert.Equal(t, ActionThrottle, d.Action)
	assert.InDelta(t, float64(2500*time.Millisecond), float64(d.ThrottleDelay), float64(time.Millisecond))
}

func TestDowngrade(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("s", 100)
	g.RecordSpend("s", 93)
	require.NoError(t, g.SetRules("s", []Rule{{
		ID: "down", Priority: 1, Action: ActionDowngrade,
		Conditions: []Condition{{Kind: UtilizationBetween, Min: 90, Max: 100}},
	}}))

	d, _ := g.Evaluate(context.Background(), "s", RequestContext{Model: "gpt-4o", EstimatedCost: 2})
	assert.Equal(t, ActionDowngrade, d.Action)
	assert.Equal(t, "gpt-4o-mini", d.DowngradeModel)
	assert.True(t, d.Allowed)

	d, _ = g.Evaluate(context.Background(), "s", RequestContext{Model: "unmapped", EstimatedCost: 2})
	assert.Equal(t, ActionThrottle, d.Action, "no downgrade target falls back to throttling")
	assert.Positive(t, d.ThrottleDelay)
}

func TestPriorityBypass(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("s", 10)
	g.RecordSpend("s", 10)
	require.NoError(t, g.SetRules("s", []Rule{
		ninetyPercent(),
		{ID: "only-low", Priority: 200, Action: ActionBlock,
			BypassPriorities: []Priority{PriorityHigh},
			Conditions:       []Condition{{Kind: PriorityIn, Priorities: []Priority{PriorityHigh, PriorityLow}}}},
	}))

	d, _ := g.Evaluate(context.Background(), "s", RequestContext{Priority: PriorityCritical, BypassReason: "incident"})
	assert.Equal(t, ReasonPriorityBypass, d.Reason)
	assert.True(t, d.Allowed)

	d, _ = g.Evaluate(context.Background(), "s", RequestContext{Priority: PriorityHigh})
	assert.Equal(t, "hard-90", d.RuleID, "rule-level bypass skips only-low")

	d, _ = g.Evaluate(context.Background(), "s", RequestContext{Priority: PriorityLow})
	assert.Equal(t, "only-low", d.RuleID)
}

func TestPauseOverrideAndReset(t *testing.T) {
	g, clk := newGuard(t)
	g.SetLimit("s", 100)
	g.RecordSpend("s", 95)
	require.NoError(t, g.SetRules("s", []Rule{ninetyPercent()}))

	g.Override("s", 500, t0.Add(time.Hour))
	d, _ := g.Evaluate(context.Background(), "s", RequestContext{EstimatedCost: 1})
	assert.True(t, d.Allowed)
	assert.Equal(t, 500.0, d.Limit)
	g.Release("s", 1)

	clk.Advance(time.Hour)
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{EstimatedCost: 1})
	assert.False(t, d.Allowed, "override lifted at expiry")
	assert.Equal(t, 100.0, d.Limit)

	g.ResetSpend("s")
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{EstimatedCost: 1})
	assert.True(t, d.Allowed)

	g.Pause("s")
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ReasonPaused, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrScopePaused)
	g.Resume("s")

	g.Throttle("s", 2*time.Second, clk.Now().Add(time.Minute))
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ActionThrottle, d.Action)
	assert.Equal(t, ReasonThrottled, d.Reason)
	clk.Advance(time.Minute)
	d, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	assert.Equal(t, ActionAllow, d.Action)

	assert.Equal(t, 150.0, g.AdjustLimit("s", 50))
	assert.Equal(t, 0.0, g.AdjustLimit("s", -1000))
}

func TestConcurrentNearLimitRequestsCannotBothPass(t *testing.T) {
	g, _ := newGuard(t)
	g.SetLimit("s", 100)
	g.RecordSpend("s", 85)
	require.NoError(t, g.SetRules("s", []Rule{{
		ID: "cap", Priority: 1, Action: ActionBlock,
		Conditions: []Condition{{Kind: PercentOfLimit, Percent: 100.0001}},
	}}))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.Evaluate(context.Background(), "s", RequestContext{EstimatedCost: 10})
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestEvaluationTimeoutFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EvaluationTimeout = 20 * time.Millisecond
	g := New(cfg)

	st := g.state("s")
	require.NoError(t, st.acquire(context.Background()))
	defer st.release()

	d, err := g.Evaluate(context.Background(), "s", RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, ReasonTimeout, d.Reason)
	assert.ErrorIs(t, d.Err(), ErrEvaluationTimeout)
}

func TestSubscribersReceiveDecisions(t *testing.T) {
	g, _ := newGuard(t)
	var got []Decision
	unsubscribe := g.Subscribe(func(d Decision) { got = append(got, d) })

	_, _ = g.Evaluate(context.Background(), "s", RequestContext{})
	unsubscribe()
	_, _ = g.Evaluate(context.Background(), "s", RequestContext{})

	require.Len(t, got, 1)
	assert.Equal(t, "s", got[0].Scope)
}

func TestInvalidInput(t *testing.T) {
	g, _ := newGuard(t)
	_, err := g.Evaluate(context.Background(), "", RequestContext{})
	assert.ErrorIs(t, err, ErrInvalidScope)

	err = g.SetRules("s", []Rule{{ID: "r", Action: ActionBlock}})
	assert.Error(t, err)
	err = g.SetRules("s", []Rule{{ID: "r", Action: "explode", Conditions: []Condition{{Kind: AbsoluteSpend}}}})
	assert.Error(t, err)
	err = g.SetRules("s", []Rule{
		{ID: "r", Action: ActionBlock, Conditions: []Condition{{Kind: AbsoluteSpend}}},
		{ID: "r", Action: ActionWarn, Conditions: []Condition{{Kind: AbsoluteSpend}}},
	})
	assert.Error(t, err)
	err = g.SetRules("s", []Rule{{ID: "r", Action: ActionBlock,
		Conditions: []Condition{{Kind: UtilizationBetween, Min: 50, Max: 10}}}})
	assert.Error(t, err)

	err = g.ReplaceRules(map[string][]Rule{"s": {{ID: "bad", Action: ActionBlock}}})
	assert.Error(t, err)
}

func genRules(t *rapid.T) []Rule {
	kinds := []ConditionKind{AbsoluteSpend, PercentOfLimit, RequestCostAbove, UtilizationBetween, ModelIn}
	actions := []Action{ActionAllow, ActionWarn, ActionThrottle, ActionDowngrade, ActionBlock}
	n := rapid.IntRange(0, 6).Draw(t, "rules")
	rules := make([]Rule, 0, n)
	for i := 0; i < n; i++ {
		var conds []Condition
		for j := rapid.IntRange(1, 3).Draw(t, "conds"); j > 0; j-- {
			c := Condition{Kind: rapid.SampledFrom(kinds).Draw(t, "kind")}
			switch c.Kind {
			case AbsoluteSpend, RequestCostAbove:
				c.Amount = rapid.Float64Range(0, 200).Draw(t, "amount")
			case PercentOfLimit:
				c.Percent = rapid.Float64Range(1, 150).Draw(t, "percent")
			case UtilizationBetween:
				c.Min = rapid.Float64Range(0, 100).Draw(t, "min")
				c.Max = c.Min + rapid.Float64Range(1, 100).Draw(t, "width")
			case ModelIn:
				c.Models = []string{rapid.SampledFrom([]string{"gpt-4o", "gpt-4", "claude-opus"}).Draw(t, "model")}
			}
			conds = append(conds, c)
		}
		rules = append(rules, Rule{
			ID:         rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "id") + string(rune('a'+i)),
			Priority:   rapid.IntRange(0, 3).Draw(t, "priority"),
			Conditions: conds,
			Action:     rapid.SampledFrom(actions).Draw(t, "action"),
		})
	}
	return rules
}

// Identical spend, rules, snapshots and request always give the same
// decision.
func TestEvaluationIsDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rules := genRules(rt)
		limit := rapid.Float64Range(0, 200).Draw(rt, "limit")
		spent := rapid.Float64Range(0, 250).Draw(rt, "spent")
		req := RequestContext{
			EstimatedCost: rapid.Float64Range(0, 50).Draw(rt, "estimate"),
			Model:         rapid.SampledFrom([]string{"gpt-4o", "gpt-4", "claude-opus", "other"}).Draw(rt, "model"),
		}

		evaluate := func() Decision {
			clk := &clock{now: t0}
			g := New(DefaultConfig(), WithClock(clk.Now))
			g.SetLimit("s", limit)
			g.RecordSpend("s", spent)
			if err := g.SetRules("s", rules); err != nil {
				rt.Fatalf("rules rejected: %v", err)
			}
			d, err := g.Evaluate(context.Background(), "s", req)
			if err != nil {
				rt.Fatalf("evaluate: %v", err)
			}
			d.ID = ""
			return d
		}

		first, second := evaluate(), evaluate()
		assert.Equal(rt, first, second)
	})
}

// While the breaker is open every decision is block, whatever the rules say.
func TestOpenBreakerAlwaysBlocks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clk := &clock{now: t0}
		br := breaker.New(breaker.DefaultConfig(), breaker.WithClock(clk.Now))
		g := New(DefaultConfig(), WithClock(clk.Now), WithBreaker(br))
		if err := g.SetRules("s", genRules(rt)); err != nil {
			rt.Fatalf("rules rejected: %v", err)
		}
		g.SetLimit("s", rapid.Float64Range(0, 200).Draw(rt, "limit"))

		st := br.Trip("s", rapid.SampledFrom([]breaker.Reason{
			breaker.ReasonManual, breaker.ReasonCostSpike, breaker.ReasonRepeatedBlock,
		}).Draw(rt, "reason"), "")

		for i := rapid.IntRange(1, 10).Draw(rt, "requests"); i > 0; i-- {
			clk.Advance(time.Duration(rapid.IntRange(0, 20).Draw(rt, "step")) * time.Second)
			if !clk.Now().Before(st.CooldownUntil) {
				break
			}
			d, err := g.Evaluate(context.Background(), "s", RequestContext{
				EstimatedCost: rapid.Float64Range(0, 10).Draw(rt, "estimate"),
				Priority:      rapid.SampledFrom([]Priority{PriorityNormal, PriorityCritical}).Draw(rt, "priority"),
			})
			if err != nil {
				rt.Fatalf("evaluate: %v", err)
			}
			if d.Action != ActionBlock || d.Reason != ReasonCircuitOpen {
				rt.Fatalf("open breaker let a request through: %+v", d)
			}
		}
	})
}
