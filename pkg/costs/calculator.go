package costs

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultKey = "default"

// Calculator computes call costs from a pricing table.
// It is safe for concurrent use and supports hot-reload of the table.
type Calculator struct {
	mu      sync.RWMutex
	table   map[string]Pricing
	prefix  []string // table keys ordered longest first, "-latest" stripped
	byTrim  map[string]string
	logger  *zap.Logger
	unknown func(model, provider string)
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger sets the logger used for data-quality warnings.
func WithLogger(l *zap.Logger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithUnknownModelHook registers fn to be called whenever a model resolves to
// no pricing entry.
func WithUnknownModelHook(fn func(model, provider string)) Option {
	return func(c *Calculator) {
		c.unknown = fn
	}
}

// NewCalculator creates a calculator over table. A nil table uses
// DefaultPricing.
func NewCalculator(table map[string]Pricing, opts ...Option) *Calculator {
	c := &Calculator{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if table == nil {
		table = DefaultPricing()
	}
	c.UpdatePricing(table)
	return c
}

// UpdatePricing atomically replaces the pricing table.
func (c *Calculator) UpdatePricing(table map[string]Pricing) {
	cp := make(map[string]Pricing, len(table))
	byTrim := make(map[string]string, len(table))
	prefix := make([]string, 0, len(table))
	for k, v := range table {
		cp[k] = v
		if k == defaultKey || strings.Contains(k, "/") {
			continue
		}
		trimmed := strings.TrimSuffix(k, "-latest")
		byTrim[trimmed] = k
		prefix = append(prefix, trimmed)
	}
	sort.Slice(prefix, func(i, j int) bool {
		if len(prefix[i]) != len(prefix[j]) {
			return len(prefix[i]) > len(prefix[j])
		}
		return prefix[i] < prefix[j]
	})

	c.mu.Lock()
	c.table = cp
	c.prefix = prefix
	c.byTrim = byTrim
	c.mu.Unlock()
}

// Lookup resolves the pricing entry for model. ok is false when nothing
// matched, including the default entry.
func (c *Calculator) Lookup(model, provider string) (Pricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.table[model]; ok {
		return p, true
	}
	if provider != "" {
		if p, ok := c.table[provider+"/"+model]; ok {
			return p, true
		}
	}
	for _, pre := range c.prefix {
		if strings.HasPrefix(model, pre) {
			return c.table[c.byTrim[pre]], true
		}
	}
	if p, ok := c.table[defaultKey]; ok {
		return p, true
	}
	return Pricing{}, false
}

// Calculate returns the cost of a call. It never fails; unknown models cost
// zero and are reported through the logger and unknown-model hook.
func (c *Calculator) Calculate(model, provider string, u Usage) Breakdown {
	p, ok := c.Lookup(model, provider)
	if !ok {
		c.logger.Warn("no pricing for model, costing at zero",
			zap.String("model", model),
			zap.String("provider", provider),
		)
		if c.unknown != nil {
			c.unknown(model, provider)
		}
		return Breakdown{Model: model, Provider: provider, Currency: "USD"}
	}
	if p.Provider != "" {
		provider = p.Provider
	}
	return compute(model, provider, p, u)
}

func compute(model, provider string, p Pricing, u Usage) Breakdown {
	in := tokenCost(u.InputTokens, p.InputPer1K)
	out := tokenCost(u.OutputTokens, p.OutputPer1K)
	return Breakdown{
		Model:      model,
		Provider:   provider,
		InputCost:  in,
		OutputCost: out,
		TotalCost:  in + out,
		Currency:   "USD",
		Known:      true,
		Pricing:    p,
	}
}

func tokenCost(tokens int64, per1K float64) float64 {
	if tokens <= 0 || per1K <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * per1K
}

// Total aggregates the cost of calls by model and provider.
func (c *Calculator) Total(calls []Call) Totals {
	t := Totals{
		ByModel:    make(map[string]float64),
		ByProvider: make(map[string]float64),
	}
	for _, call := range calls {
		b := c.Calculate(call.Model, call.Provider, call.Usage)
		if !b.Known {
			t.Unknown++
		}
		provider := b.Provider
		if provider == "" {
			provider = "unknown"
		}
		t.Total += b.TotalCost
		t.ByModel[call.Model] += b.TotalCost
		t.ByProvider[provider] += b.TotalCost
	}
	return t
}

// Project extrapolates the daily spend of calls made within lookbackDays of
// now. The trend compares the first and second half of the observed days;
// a change beyond ±10% is reported as increasing or decreasing.
func (c *Calculator) Project(calls []Call, lookbackDays int, now time.Time) Projection {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	cutoff := now.Add(-time.Duration(lookbackDays) * 24 * time.Hour)

	byDay := make(map[string]float64)
	for _, call := range calls {
		if call.Timestamp.Before(cutoff) {
			continue
		}
		key := call.Timestamp.UTC().Format("2006-01-02")
		byDay[key] += c.Calculate(call.Model, call.Provider, call.Usage).TotalCost
	}
	if len(byDay) == 0 {
		return Projection{Trend: TrendStable}
	}

	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	daily := make([]float64, len(days))
	for i, d := range days {
		daily[i] = byDay[d]
	}

	avg := mean(daily)
	mid := len(daily) / 2
	first, second := mean(daily[:mid]), mean(daily[mid:])

	trend := TrendStable
	var pct float64
	if first > 0 {
		pct = (second - first) / first * 100
		switch {
		case pct > 10:
			trend = TrendIncreasing
		case pct < -10:
			trend = TrendDecreasing
		}
	}

	return Projection{
		Daily:            avg,
		Weekly:           avg * 7,
		Monthly:          avg * 30,
		Yearly:           avg * 365,
		BasedOnDays:      len(daily),
		AverageDailyCost: avg,
		Trend:            trend,
		TrendPercentage:  pct,
	}
}

// PotentialSavings estimates the effect of moving calls to target. The
// result is infeasible when the target lacks the context window or a
// capability one of the calls' models relies on.
func (c *Calculator) PotentialSavings(calls []Call, target string) Savings {
	tp, ok := c.Lookup(target, "")
	if !ok {
		return Savings{
			TargetModel: target,
			Warnings:    []string{fmt.Sprintf("unknown target model: %s", target)},
		}
	}

	var current, projected float64
	seen := make(map[string]struct{})
	var warnings []string
	warn := func(msg string) {
		if _, dup := seen[msg]; !dup {
			seen[msg] = struct{}{}
			warnings = append(warnings, msg)
		}
	}

	for _, call := range calls {
		current += c.Calculate(call.Model, call.Provider, call.Usage).TotalCost
		if cp, ok := c.Lookup(call.Model, call.Provider); ok {
			if tp.ContextWindow > 0 && call.Usage.InputTokens > int64(tp.ContextWindow) {
				warn(fmt.Sprintf("some requests exceed %s context window", target))
			}
			for _, capability := range cp.Capabilities {
				if !tp.HasCapability(capability) {
					warn(fmt.Sprintf("%s lacks capability: %s", target, capability))
				}
			}
		}
		projected += compute(target, tp.Provider, tp, call.Usage).TotalCost
	}

	s := Savings{
		TargetModel:   target,
		CurrentCost:   current,
		ProjectedCost: projected,
		Savings:       current - projected,
		Feasible:      len(warnings) == 0,
		Warnings:      warnings,
	}
	if current > 0 {
		s.SavingsPercentage = s.Savings / current * 100
	}
	return s
}

// Models returns a copy of the pricing table without the default entry.
func (c *Calculator) Models() map[string]Pricing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Pricing, len(c.table))
	for k, v := range c.table {
		if k != defaultKey {
			out[k] = v
		}
	}
	return out
}

// Cheapest returns the lowest blended-cost model satisfying req.
// Ties break on model name.
func (c *Calculator) Cheapest(req Requirements) (string, Pricing, bool) {
	best := ""
	var bestP Pricing
	bestCost := math.Inf(1)
	for name, p := range c.Models() {
		if req.MinContextWindow > 0 && p.ContextWindow < req.MinContextWindow {
			continue
		}
		if req.Provider != "" && p.Provider != req.Provider {
			continue
		}
		missing := false
		for _, capability := range req.RequiredCapabilities {
			if !p.HasCapability(capability) {
				missing = true
				break
			}
		}
		if missing {
			continue
		}
		cost := p.UnitCost()
		if cost < bestCost || (cost == bestCost && name < best) {
			best, bestP, bestCost = name, p, cost
		}
	}
	return best, bestP, best != ""
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
