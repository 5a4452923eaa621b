package routing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	translatePrompt = "Translate this sentence to French"
	debugPrompt     = "Debug and refactor this function that builds the index"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   Complexity
	}{
		{"short keyword prompt", translatePrompt, Simple},
		{"code work", debugPrompt, Complex},
		{"arithmetic", "Solve 3x + 4 = 19 and prove the result", Reasoning},
		{"medium length defaults to moderate", strings.Repeat("word ", 50), Moderate},
		{"long prompt", strings.Repeat("word ", 120), Complex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.prompt))
		})
	}
}

func newRouter(t *testing.T, strategy Strategy, opts ...Option) *Router {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	return New(cfg, nil, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func TestCostOptimizedPicksCheapRecommendedModel(t *testing.T) {
	r := newRouter(t, CostOptimized)

	d, err := r.Route(context.Background(), Request{Prompt: translatePrompt})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", d.Model)
	assert.Equal(t, Simple, d.Complexity)
	assert.Equal(t, []string{"complexity:simple"}, d.AppliedRules)
	assert.Contains(t, d.Reasoning, "recommended for simple tasks")
	assert.Len(t, d.Alternatives, 3)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.Positive(t, d.EstimatedCost)
}

func TestQualityOptimizedPicksPremiumForComplexWork(t *testing.T) {
	r := newRouter(t, QualityOptimized)

	d, err := r.Route(context.Background(), Request{Prompt: debugPrompt})
	require.NoError(t, err)
	assert.Equal(t, Complex, d.Complexity)
	assert.Equal(t, "gpt-4-turbo", d.Model)
	require.NotEmpty(t, d.Alternatives)
	assert.Equal(t, "claude-3-opus-latest", d.Alternatives[0].Model)
}

func TestProviderAndCapabilityFilters(t *testing.T) {
	r := newRouter(t, CostOptimized)

	d, err := r.Route(context.Background(), Request{Prompt: translatePrompt, PreferredProvider: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-haiku-latest", d.Model)

	d, err = r.Route(context.Background(), Request{Prompt: translatePrompt, RequiredCapabilities: []string{"reasoning"}})
	require.NoError(t, err)
	assert.Contains(t, []string{"o1-mini", "o1-preview"}, d.Model)
	assert.Len(t, d.Alternatives, 1)

	_, err = r.Route(context.Background(), Request{Prompt: translatePrompt, RequiredCapabilities: []string{"telepathy"}})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestBudgetLimitDemotesExpensiveModels(t *testing.T) {
	r := newRouter(t, QualityOptimized)

	d, err := r.Route(context.Background(), Request{Prompt: debugPrompt, BudgetLimit: 0.0001})
	require.NoError(t, err)
	assert.LessOrEqual(t, d.EstimatedCost, 0.0001)
}

func TestRules(t *testing.T) {
	clock := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	r := newRouter(t, Balanced, WithClock(func() time.Time { return clock }))

	require.NoError(t, r.SetRules([]Rule{
		{
			ID: "ticket-summary", Name: "ticket summaries", Priority: 50,
			Condition: Condition{Field: FieldTaskType, Operator: OpEquals, Value: "summarize-ticket"},
			Action:    RuleAction{Type: RouteToModel, Model: "gpt-4o-mini", Reason: "cheap enough"},
		},
		{
			ID: "cap-output", Priority: 90,
			Condition: Condition{Field: FieldPromptLength, Operator: OpGreaterThan, Number: 10},
			Action:    RuleAction{Type: AdjustParams, Params: map[string]any{"max_tokens": 256}},
		},
		{
			ID: "free-tier", Priority: 70,
			Condition: Condition{Field: "tier", Operator: OpIn, Values: []string{"free"}},
			Action:    RuleAction{Type: Reject, Reason: "free tier cannot call models"},
		},
		{
			ID: "night", Priority: 10, Disabled: true,
			Condition: Condition{Field: FieldTimeOfDay, Operator: OpLessThan, Number: 6},
			Action:    RuleAction{Type: Reject},
		},
	}))
	assert.Equal(t, "cap-output", r.Rules()[0].ID)

	d, err := r.Route(context.Background(), Request{Prompt: translatePrompt, TaskType: "summarize-ticket"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", d.Model)
	assert.Equal(t, `Rule "ticket summaries": cheap enough`, d.Reasoning)
	assert.Equal(t, []string{"cap-output", "ticket summaries"}, d.AppliedRules)
	assert.Equal(t, map[string]any{"max_tokens": 256}, d.Parameters)
	assert.Equal(t, 1.0, d.Confidence)

	_, err = r.Route(context.Background(), Request{Prompt: translatePrompt, Metadata: map[string]string{"tier": "free"}})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "free-tier", rejected.RuleID)
	assert.ErrorIs(t, err, ErrRequestRejected)

	d, err = r.Route(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err, "disabled night rule is skipped")
	assert.Nil(t, d.Parameters)

	require.NoError(t, r.AddRule(Rule{
		ID:        "night-on",
		Condition: Condition{Field: FieldTimeOfDay, Operator: OpLessThan, Number: 6},
		Action:    RuleAction{Type: Reject},
	}))
	_, err = r.Route(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrRequestRejected)
	assert.True(t, r.RemoveRule("night-on"))
	assert.False(t, r.RemoveRule("night-on"))

	stats := r.Stats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, int64(1), stats.RuleRouted)
}

func TestRuleValidation(t *testing.T) {
	r := newRouter(t, Balanced)
	tests := []Rule{
		{Condition: Condition{Field: FieldModel, Operator: OpEquals, Value: "x"}, Action: RuleAction{Type: Reject}},
		{ID: "r", Priority: 101, Condition: Condition{Field: FieldModel, Operator: OpEquals, Value: "x"}, Action: RuleAction{Type: Reject}},
		{ID: "r", Condition: Condition{Field: FieldModel, Operator: "like", Value: "x"}, Action: RuleAction{Type: Reject}},
		{ID: "r", Condition: Condition{Field: FieldModel, Operator: OpIn}, Action: RuleAction{Type: Reject}},
		{ID: "r", Condition: Condition{Field: FieldModel, Operator: OpEquals, Value: "x"}, Action: RuleAction{Type: RouteToModel}},
	}
	for _, rule := range tests {
		assert.Error(t, r.SetRules([]Rule{rule}))
	}
	dup := Rule{ID: "r", Condition: Condition{Field: FieldModel, Operator: OpEquals, Value: "x"}, Action: RuleAction{Type: Reject}}
	assert.Error(t, r.SetRules([]Rule{dup, dup}))
}

func TestObservePerformance(t *testing.T) {
	r := newRouter(t, CostOptimized)

	good := 0.9
	r.Observe(Observation{Model: "gpt-4o", Latency: time.Second, Success: true, Quality: &good})
	r.Observe(Observation{Model: "gpt-4o", Latency: 3 * time.Second, Success: false})

	p, ok := r.Performance("gpt-4o")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, p.AverageLatency)
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
	assert.InDelta(t, 0.9, p.AverageQuality, 1e-9)
	assert.Equal(t, 2, p.SampleSize)

	_, ok = r.Performance("unknown")
	assert.False(t, ok)
}

func TestFailingModelLosesRouting(t *testing.T) {
	r := newRouter(t, CostOptimized)
	for range 10 {
		r.Observe(Observation{Model: "gpt-4o-mini", Latency: 100 * time.Millisecond, Success: false})
	}

	d, err := r.Route(context.Background(), Request{Prompt: translatePrompt})
	require.NoError(t, err)
	assert.Equal(t, "claude-3-haiku-latest", d.Model)
}

func TestRouteInputErrors(t *testing.T) {
	r := newRouter(t, Balanced)
	_, err := r.Route(context.Background(), Request{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Route(ctx, Request{Prompt: "hello"})
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, int64(2), r.Stats().Errors)
	r.ResetStats()
	assert.Zero(t, r.Stats().TotalRequests)
}
