package costs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCalculator_Lookup(t *testing.T) {
	c := NewCalculator(nil)

	tests := []struct {
		name     string
		model    string
		provider string
		want     Tier
		ok       bool
	}{
		{"exact", "gpt-4o", "openai", TierStandard, true},
		{"longest prefix wins", "gpt-4o-mini-2024-07-18", "openai", TierBudget, true},
		{"dated snapshot", "gpt-4-0613", "openai", TierPremium, true},
		{"latest suffix ignored", "claude-3-opus-20240229", "anthropic", TierPremium, true},
		{"unknown", "mystery-model", "acme", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := c.Lookup(tt.model, tt.provider)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, p.Tier)
		})
	}
}

func TestCalculator_ProviderQualifiedKey(t *testing.T) {
	table := DefaultPricing()
	table["azure/gpt-4o"] = Pricing{InputPer1K: 0.005, OutputPer1K: 0.02, Provider: "azure", Tier: TierStandard}
	c := NewCalculator(table)

	b := c.Calculate("gpt-4o", "azure", Usage{InputTokens: 1000})
	assert.InDelta(t, 0.0025, b.TotalCost, 1e-12, "exact model name takes precedence")

	b = c.Calculate("gpt-4o-2024", "azure", Usage{InputTokens: 1000})
	assert.InDelta(t, 0.0025, b.TotalCost, 1e-12)

	p, ok := c.Lookup("custom", "azure")
	assert.False(t, ok)
	assert.Zero(t, p.InputPer1K)
}

func TestCalculator_Calculate(t *testing.T) {
	c := NewCalculator(nil)

	b := c.Calculate("gpt-4", "openai", Usage{InputTokens: 1000, OutputTokens: 500})
	assert.True(t, b.Known)
	assert.InDelta(t, 0.03, b.InputCost, 1e-12)
	assert.InDelta(t, 0.03, b.OutputCost, 1e-12)
	assert.InDelta(t, 0.06, b.TotalCost, 1e-12)
	assert.Equal(t, "USD", b.Currency)
}

func TestCalculator_UnknownModelCostsZero(t *testing.T) {
	var hits []string
	c := NewCalculator(nil, WithUnknownModelHook(func(model, provider string) {
		hits = append(hits, provider+"/"+model)
	}))

	b := c.Calculate("mystery", "acme", Usage{InputTokens: 5000, OutputTokens: 5000})
	assert.False(t, b.Known)
	assert.Zero(t, b.TotalCost)
	assert.Equal(t, []string{"acme/mystery"}, hits)
}

func TestCalculator_DefaultEntry(t *testing.T) {
	table := map[string]Pricing{
		"default": {InputPer1K: 0.001, OutputPer1K: 0.002},
	}
	c := NewCalculator(table)

	b := c.Calculate("anything", "", Usage{InputTokens: 1000, OutputTokens: 1000})
	assert.True(t, b.Known)
	assert.InDelta(t, 0.003, b.TotalCost, 1e-12)
}

func TestCalculator_UpdatePricing(t *testing.T) {
	c := NewCalculator(nil)
	c.UpdatePricing(map[string]Pricing{"gpt-4o": {InputPer1K: 1}})

	b := c.Calculate("gpt-4o", "openai", Usage{InputTokens: 1000})
	assert.InDelta(t, 1.0, b.TotalCost, 1e-12)

	_, ok := c.Lookup("gpt-4", "openai")
	assert.False(t, ok)
}

func TestCalculator_CostIsNonNegativeAndDeterministic(t *testing.T) {
	c := NewCalculator(nil)
	models := []string{"gpt-4o", "gpt-4o-mini", "claude-3-haiku", "llama3", "unknown-x"}

	rapid.Check(t, func(t *rapid.T) {
		model := rapid.SampledFrom(models).Draw(t, "model")
		u := Usage{
			InputTokens:  rapid.Int64Range(-10, 1_000_000).Draw(t, "in"),
			OutputTokens: rapid.Int64Range(-10, 1_000_000).Draw(t, "out"),
		}
		a := c.Calculate(model, "", u)
		b := c.Calculate(model, "", u)
		if a.TotalCost < 0 {
			t.Fatalf("negative cost %v", a.TotalCost)
		}
		if a.TotalCost != b.TotalCost {
			t.Fatalf("non-deterministic cost %v != %v", a.TotalCost, b.TotalCost)
		}
	})
}

func TestCalculator_Total(t *testing.T) {
	c := NewCalculator(nil)
	calls := []Call{
		{Model: "gpt-4", Provider: "openai", Usage: Usage{InputTokens: 1000}},
		{Model: "claude-3-haiku", Provider: "anthropic", Usage: Usage{InputTokens: 1000}},
		{Model: "mystery", Usage: Usage{InputTokens: 1000}},
	}

	totals := c.Total(calls)
	assert.InDelta(t, 0.03025, totals.Total, 1e-12)
	assert.InDelta(t, 0.03, totals.ByModel["gpt-4"], 1e-12)
	assert.InDelta(t, 0.00025, totals.ByProvider["anthropic"], 1e-12)
	assert.Equal(t, 1, totals.Unknown)
}

func TestCalculator_Project(t *testing.T) {
	c := NewCalculator(nil)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	var calls []Call
	for day := 1; day <= 4; day++ {
		tokens := int64(1000)
		if day > 2 {
			tokens = 2000
		}
		calls = append(calls, Call{
			Model:     "gpt-4",
			Usage:     Usage{InputTokens: tokens},
			Timestamp: now.Add(-time.Duration(day) * 24 * time.Hour),
		})
	}

	p := c.Project(calls, 30, now)
	require.Equal(t, 4, p.BasedOnDays)
	assert.InDelta(t, 0.045, p.Daily, 1e-12)
	assert.InDelta(t, 0.045*30, p.Monthly, 1e-9)
	assert.Equal(t, TrendDecreasing, p.Trend, "older days were more expensive")

	empty := c.Project(nil, 30, now)
	assert.Equal(t, TrendStable, empty.Trend)
	assert.Zero(t, empty.Daily)
}

func TestCalculator_PotentialSavings(t *testing.T) {
	c := NewCalculator(nil)
	calls := []Call{
		{Model: "gpt-4o", Usage: Usage{InputTokens: 10000, OutputTokens: 1000}},
	}

	s := c.PotentialSavings(calls, "gpt-4o-mini")
	assert.True(t, s.Feasible)
	assert.Greater(t, s.Savings, 0.0)
	assert.Greater(t, s.SavingsPercentage, 90.0)

	s = c.PotentialSavings(calls, "llama3")
	assert.False(t, s.Feasible)
	assert.NotEmpty(t, s.Warnings)

	s = c.PotentialSavings(calls, "nope")
	assert.False(t, s.Feasible)
}

func TestCalculator_Cheapest(t *testing.T) {
	c := NewCalculator(nil)

	name, _, ok := c.Cheapest(Requirements{Provider: "openai"})
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", name)

	name, _, ok = c.Cheapest(Requirements{RequiredCapabilities: []string{"reasoning"}})
	require.True(t, ok)
	assert.Equal(t, "o1-mini", name)

	_, _, ok = c.Cheapest(Requirements{MinContextWindow: 1_000_000})
	assert.False(t, ok)
}
