package optimization

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mercator-hq/costguard/pkg/analyzer"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/usage"
)

var t0 = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type memorySource struct {
	records []usage.Record
	err     error
}

func (m *memorySource) Records(_ context.Context, scope string, start, end time.Time) ([]usage.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []usage.Record
	for _, r := range m.records {
		if r.Scope == scope && !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticProjections map[string]forecast.Projection

func (s staticProjections) LatestProjection(scope string) (forecast.Projection, bool) {
	p, ok := s[scope]
	return p, ok
}

func record(model, provider string, ts time.Time, in, out int64) usage.Record {
	return usage.Record{
		ID:               fmt.Sprintf("%s-%d", model, ts.UnixNano()),
		Scope:            "team-a",
		Timestamp:        ts,
		Provider:         provider,
		Model:            model,
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		Status:           usage.StatusSuccess,
	}
}

func newEngine(t *testing.T, cfg Config, src Source, opts ...Option) *Engine {
	t.Helper()
	calc := costs.NewCalculator(nil)
	a := analyzer.New(analyzer.DefaultConfig(), calc)
	r := routing.New(routing.DefaultConfig(), calc)
	base := []Option{WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return t0 })}
	return New(cfg, calc, a, r, src, append(base, opts...)...)
}

// premiumUsage is 30 days of one large gpt-4-turbo call per day, $0.40 each.
func premiumUsage() []usage.Record {
	var rs []usage.Record
	for i := range 30 {
		rs = append(rs, record("gpt-4-turbo", "openai", t0.AddDate(0, 0, -i).Add(-time.Hour), 10000, 10000))
	}
	return rs
}

func TestReportRanksRecommendations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CostAlertThreshold = 0.3
	e := newEngine(t, cfg, &memorySource{records: premiumUsage()})

	rep, err := e.Report(context.Background(), "team-a", ReportOptions{})
	require.NoError(t, err)

	assert.Equal(t, t0, rep.End)
	assert.Equal(t, t0.AddDate(0, 0, -30), rep.Start)
	assert.Equal(t, 30, rep.Summary.TotalRequests)
	assert.InDelta(t, 12.0, rep.Summary.TotalCost, 1e-9)
	assert.InDelta(t, 0.4, rep.Summary.AverageCostPerRequest, 1e-9)
	assert.Equal(t, "gpt-4-turbo", rep.Summary.TopModel)
	assert.InDelta(t, 0.4, rep.Projection.Daily, 1e-9)
	assert.Nil(t, rep.Budget)

	require.Len(t, rep.Recommendations, 3)
	budget, sw, premium := rep.Recommendations[0], rep.Recommendations[1], rep.Recommendations[2]

	assert.Equal(t, BudgetAlert, budget.Type)
	assert.Equal(t, PriorityCritical, budget.Priority)
	assert.Equal(t, "rec-3", budget.ID)

	assert.Equal(t, ModelSwitch, sw.Type)
	assert.Equal(t, PriorityHigh, sw.Priority)
	assert.Equal(t, "Switch from gpt-4-turbo to gpt-4o-mini", sw.Title)
	assert.Equal(t, []string{"gpt-4-turbo", "gpt-4o-mini"}, sw.AffectedModels)
	assert.InDelta(t, 12.0-0.225, sw.ProjectedSavings, 1e-9)

	assert.Equal(t, "rec-1", premium.ID)
	assert.Equal(t, "Reduce premium model usage", premium.Title)
	assert.Equal(t, PriorityHigh, premium.Priority)
	assert.Equal(t, []string{"gpt-4-turbo"}, premium.AffectedModels)
	assert.InDelta(t, 6.0, premium.ProjectedSavings, 1e-9)
	assert.InDelta(t, 12.0, premium.CurrentCost, 1e-9)

	assert.InDelta(t, 6.0+11.775, rep.PotentialSavings, 1e-9)
}

func TestMinSavingsFiltersOnlySavingsRecommendations(t *testing.T) {
	var rs []usage.Record
	day := t0.AddDate(0, 0, -7)
	for i := range 6 {
		rs = append(rs, record("gpt-4o-mini", "openai", day.AddDate(0, 0, i), 50, 10))
	}
	for i := range 20 {
		rs = append(rs, record("gpt-4o-mini", "openai", day.AddDate(0, 0, 6).Add(time.Duration(i)*time.Minute), 50, 10))
	}
	e := newEngine(t, DefaultConfig(), &memorySource{records: rs})

	rep, err := e.Report(context.Background(), "team-a", ReportOptions{})
	require.NoError(t, err)

	var types []RecommendationType
	for _, r := range rep.Recommendations {
		types = append(types, r.Type)
	}
	assert.Equal(t, []RecommendationType{BudgetAlert, Batching, Caching}, types)
	assert.Equal(t, PriorityHigh, rep.Recommendations[0].Priority)
	assert.Equal(t, "Cost spikes detected", rep.Recommendations[0].Title)
	assert.Equal(t, []string{"gpt-4o-mini"}, rep.Recommendations[1].AffectedModels)
	assert.Zero(t, rep.PotentialSavings)
}

func TestBudgetProjectionBecomesAlert(t *testing.T) {
	proj := forecast.Projection{
		Scope:               "team-a",
		Limit:               100,
		CurrentSpend:        80,
		ProjectedSpend:      130,
		ProjectedOverage:    30,
		ComputedAt:          t0,
		Exhausts:            true,
		ExhaustionAt:        t0.Add(48 * time.Hour),
		DaysUntilExhaustion: 2,
		ExceedProbability:   0.95,
		Confidence:          forecast.LabelHigh,
		Recommendation:      "Reduce spend",
	}
	e := newEngine(t, DefaultConfig(), &memorySource{}, WithProjections(staticProjections{"team-a": proj}))

	rep, err := e.Report(context.Background(), "team-a", ReportOptions{})
	require.NoError(t, err)
	require.NotNil(t, rep.Budget)
	assert.Equal(t, "N/A", rep.Summary.TopModel)
	require.Len(t, rep.Recommendations, 1)
	r := rep.Recommendations[0]
	assert.Equal(t, BudgetAlert, r.Type)
	assert.Equal(t, PriorityCritical, r.Priority)
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)
	assert.Equal(t, "Reduce spend", r.Implementation)
	assert.Contains(t, r.Description, "exhaustion in 2.0 days")

	rep, err = e.Report(context.Background(), "team-a", ReportOptions{SkipRecommendations: true})
	require.NoError(t, err)
	assert.NotNil(t, rep.Budget)
	assert.Empty(t, rep.Recommendations)

	cfg := DefaultConfig()
	cfg.DisableCostAlerts = true
	e.SetConfig(cfg)
	rep, err = e.Report(context.Background(), "team-a", ReportOptions{})
	require.NoError(t, err)
	assert.Empty(t, rep.Recommendations)
}

func TestReportErrors(t *testing.T) {
	e := newEngine(t, DefaultConfig(), &memorySource{err: errors.New("db down")})
	_, err := e.Report(context.Background(), "team-a", ReportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	_, err = e.Report(context.Background(), "team-a", ReportOptions{Start: t0, End: t0.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestAlternatives(t *testing.T) {
	e := newEngine(t, DefaultConfig(), &memorySource{})
	rs := []usage.Record{
		record("gpt-4", "openai", t0, 1000, 1000),
		record("gpt-4", "openai", t0.Add(time.Minute), 1000, 1000),
	}

	alts := e.Alternatives("gpt-4", rs, 2, 10)
	require.Len(t, alts, 2)
	assert.Equal(t, "llama3", alts[0].Model)
	assert.Equal(t, "mistral", alts[1].Model)
	assert.InDelta(t, 100.0, alts[0].SavingsPercent, 1e-9)
	assert.False(t, alts[0].Feasible)
	assert.Contains(t, alts[0].Warnings, "llama3 lacks capability: function_calling")

	all := e.Alternatives("gpt-4", rs, 0, 10)
	for _, a := range all {
		assert.NotEqual(t, "gpt-4", a.Model)
		assert.GreaterOrEqual(t, a.SavingsPercent, 10.0)
	}
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].SavingsPercent, all[i].SavingsPercent)
	}
}

func TestRoutingFacade(t *testing.T) {
	e := newEngine(t, DefaultConfig(), &memorySource{})

	b := e.Estimate("gpt-4o-mini", "openai", 1000, 1000)
	assert.InDelta(t, 0.00075, b.TotalCost, 1e-12)

	require.NoError(t, e.AddRule(routing.Rule{
		ID:        "pin",
		Condition: routing.Condition{Field: routing.FieldTaskType, Operator: routing.OpEquals, Value: "ticket"},
		Action:    routing.RuleAction{Type: routing.RouteToModel, Model: "gpt-4o"},
	}))
	require.Len(t, e.Rules(), 1)

	d, err := e.Route(context.Background(), routing.Request{Prompt: "Summarize this ticket", TaskType: "ticket"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", d.Model)
	assert.True(t, e.RemoveRule("pin"))

	e.RecordPerformance(routing.Observation{Model: "gpt-4o", Latency: time.Second, Success: true})

	cfg := DefaultConfig()
	cfg.DisableAutoRouting = true
	e.SetConfig(cfg)
	_, err = e.Route(context.Background(), routing.Request{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrAutoRoutingDisabled)
	assert.True(t, e.Config().DisableAutoRouting)
}
