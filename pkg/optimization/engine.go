// Package optimization turns usage analysis into ranked cost-saving
// recommendations.
//
// The Engine combines the analyzer's detected patterns, model-switch
// alternatives priced by the cost calculator and, when a forecaster is
// attached, the budget outlook of the scope. It also fronts the model
// router so that routing and its rules can be managed from one place.
package optimization

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/analyzer"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/usage"
)

// ErrAutoRoutingDisabled is returned by Route when routing is switched off.
var ErrAutoRoutingDisabled = errors.New("auto-routing is disabled")

// Source loads the usage records of a scope.
type Source interface {
	Records(ctx context.Context, scope string, start, end time.Time) ([]usage.Record, error)
}

// Projections exposes the latest budget projection of a scope.
type Projections interface {
	LatestProjection(scope string) (forecast.Projection, bool)
}

// Config holds engine settings.
type Config struct {
	DisableAutoRouting bool `yaml:"disable_auto_routing"`
	DisableCostAlerts  bool `yaml:"disable_cost_alerts"`

	// CostAlertThreshold is the projected daily spend in USD above which a
	// budget alert is recommended.
	CostAlertThreshold float64 `yaml:"cost_alert_threshold"`

	// LookbackDays is the default report period.
	LookbackDays int `yaml:"lookback_days"`

	// MinSavings drops savings recommendations worth less than this.
	MinSavings float64 `yaml:"min_savings"`

	// SwitchMinCost is the spend a model needs before a switch is suggested.
	SwitchMinCost float64 `yaml:"switch_min_cost"`

	// SwitchMinSavingsPercent is the smallest saving worth a switch.
	SwitchMinSavingsPercent float64 `yaml:"switch_min_savings_percent"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		CostAlertThreshold:      100,
		LookbackDays:            30,
		MinSavings:              5,
		SwitchMinCost:           10,
		SwitchMinSavingsPercent: 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CostAlertThreshold <= 0 {
		c.CostAlertThreshold = d.CostAlertThreshold
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = d.LookbackDays
	}
	if c.MinSavings < 0 {
		c.MinSavings = 0
	}
	if c.SwitchMinCost <= 0 {
		c.SwitchMinCost = d.SwitchMinCost
	}
	if c.SwitchMinSavingsPercent <= 0 {
		c.SwitchMinSavingsPercent = d.SwitchMinSavingsPercent
	}
}

// Engine produces optimization reports. It is safe for concurrent use.
type Engine struct {
	calc     *costs.Calculator
	analyzer *analyzer.Analyzer
	router   *routing.Router
	source   Source
	budgets  Projections
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithProjections attaches the budget outlook used for forecast alerts.
func WithProjections(p Projections) Option {
	return func(e *Engine) {
		e.budgets = p
	}
}

// New creates an Engine reading usage from src.
func New(cfg Config, calc *costs.Calculator, a *analyzer.Analyzer, r *routing.Router, src Source, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:      cfg,
		calc:     calc,
		analyzer: a,
		router:   r,
		source:   src,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "optimization"))
	return e
}

// Config returns the current settings.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig replaces the settings.
func (e *Engine) SetConfig(cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Report analyzes the usage of scope and ranks recommendations.
func (e *Engine) Report(ctx context.Context, scope string, opts ReportOptions) (Report, error) {
	cfg := e.Config()
	end := opts.End
	if end.IsZero() {
		end = e.now()
	}
	start := opts.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -cfg.LookbackDays)
	}
	if !start.Before(end) {
		return Report{}, fmt.Errorf("report period start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	records, err := e.source.Records(ctx, scope, start, end)
	if err != nil {
		return Report{}, fmt.Errorf("load usage of %s: %w", scope, err)
	}
	return e.build(scope, records, start, end, opts.SkipRecommendations), nil
}

func (e *Engine) build(scope string, records []usage.Record, start, end time.Time, skipRecs bool) Report {
	cfg := e.Config()
	analysis := e.analyzer.Analyze(records, analyzer.BucketDay)
	calls := toCalls(records)

	rep := Report{
		Scope:       scope,
		GeneratedAt: e.now(),
		Start:       start,
		End:         end,
		Projection:  e.calc.Project(calls, cfg.LookbackDays, end),
		Analysis:    analysis,
		Summary: Summary{
			TotalCost:     analysis.TotalCost,
			TotalRequests: analysis.TotalRequests,
			TopModel:      "N/A",
		},
	}
	if analysis.TotalRequests > 0 {
		rep.Summary.AverageCostPerRequest = analysis.TotalCost / float64(analysis.TotalRequests)
	}
	if len(analysis.Models) > 0 {
		rep.Summary.TopModel = analysis.Models[0].Model
		rep.Summary.TopModelCost = analysis.Models[0].TotalCost
	}
	if e.budgets != nil {
		if p, ok := e.budgets.LatestProjection(scope); ok {
			rep.Budget = &p
		}
	}
	if skipRecs {
		return rep
	}

	rep.Recommendations = e.recommend(cfg, analysis, records, calls, rep.Budget, end)
	for _, r := range rep.Recommendations {
		rep.PotentialSavings += r.ProjectedSavings
	}
	e.logger.Debug("optimization report built",
		zap.String("scope", scope),
		zap.Int("records", len(records)),
		zap.Int("recommendations", len(rep.Recommendations)),
		zap.Float64("potential_savings", rep.PotentialSavings),
	)
	return rep
}

func (e *Engine) recommend(cfg Config, analysis analyzer.Result, records []usage.Record, calls []costs.Call, budget *forecast.Projection, end time.Time) []Recommendation {
	var recs []Recommendation
	add := func(r Recommendation) {
		r.ID = fmt.Sprintf("rec-%d", len(recs)+1)
		recs = append(recs, r)
	}

	for _, p := range analysis.Patterns {
		r, ok := fromPattern(p)
		if !ok {
			continue
		}
		if claimsSavings(r.Type) && r.ProjectedSavings < cfg.MinSavings {
			continue
		}
		add(r)
	}

	for _, s := range analysis.Models {
		if s.TotalCost <= cfg.SwitchMinCost {
			continue
		}
		var own []usage.Record
		for _, rec := range records {
			if rec.Model == s.Model {
				own = append(own, rec)
			}
		}
		alts := e.Alternatives(s.Model, own, 0, cfg.SwitchMinSavingsPercent)
		i := slices.IndexFunc(alts, func(a Alternative) bool { return a.Feasible })
		if i < 0 {
			continue
		}
		alt := alts[i]
		prio := PriorityMedium
		if alt.SavingsPercent > 40 {
			prio = PriorityHigh
		}
		add(Recommendation{
			Type:             ModelSwitch,
			Priority:         prio,
			Title:            fmt.Sprintf("Switch from %s to %s", s.Model, alt.Model),
			Description:      fmt.Sprintf("Switching to %s could save %.1f%% on this model's usage", alt.Model, alt.SavingsPercent),
			CurrentCost:      alt.CurrentCost,
			ProjectedSavings: alt.CurrentCost - alt.ProjectedCost,
			Implementation:   fmt.Sprintf("Update API calls to use %q instead of %q", alt.Model, s.Model),
			AffectedModels:   []string{s.Model, alt.Model},
			Confidence:       0.8,
			Evidence: map[string]any{
				"currentModel":   s.Model,
				"newModel":       alt.Model,
				"savingsPercent": alt.SavingsPercent,
			},
		})
	}

	if !cfg.DisableCostAlerts && len(analysis.Models) > 0 {
		daily := e.calc.Project(calls, 7, end).Daily
		if daily > cfg.CostAlertThreshold {
			add(Recommendation{
				Type:           BudgetAlert,
				Priority:       PriorityCritical,
				Title:          "Projected costs exceed threshold",
				Description:    fmt.Sprintf("Daily costs are projected at $%.2f, exceeding the $%.2f threshold", daily, cfg.CostAlertThreshold),
				CurrentCost:    daily,
				Implementation: "Review usage patterns and consider implementing cost controls",
				AffectedModels: modelNames(analysis.Models),
				Confidence:     0.9,
				Evidence: map[string]any{
					"dailyProjection": daily,
					"threshold":       cfg.CostAlertThreshold,
				},
			})
		}
	}

	if !cfg.DisableCostAlerts && budget != nil {
		if r, ok := fromBudget(*budget); ok {
			add(r)
		}
	}

	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		if c := cmp.Compare(a.Priority.rank(), b.Priority.rank()); c != 0 {
			return c
		}
		return cmp.Compare(b.ProjectedSavings, a.ProjectedSavings)
	})
	return recs
}

// claimsSavings reports whether a recommendation type is justified by the
// money it saves rather than by the risk it flags.
func claimsSavings(t RecommendationType) bool {
	return t == ModelSwitch || t == PromptOptimization
}

func fromPattern(p analyzer.Pattern) (Recommendation, bool) {
	var affected []string
	if p.Model != "" {
		affected = []string{p.Model}
	}
	r := Recommendation{
		Description:      p.Description,
		Implementation:   p.Recommendation,
		ProjectedSavings: p.PotentialSavings,
		AffectedModels:   affected,
		Evidence:         p.Evidence,
	}
	switch p.Type {
	case analyzer.PremiumOveruse:
		r.Type = ModelSwitch
		r.Priority = PriorityMedium
		if p.Severity == analyzer.SeverityHigh {
			r.Priority = PriorityHigh
		}
		r.Title = "Reduce premium model usage"
		r.CurrentCost = p.PotentialSavings * 2
		if models, ok := p.Evidence["premiumModels"].([]string); ok {
			r.AffectedModels = models
		}
		r.Confidence = 0.7
	case analyzer.HighOutput:
		r.Type = PromptOptimization
		r.Priority = PriorityMedium
		r.Title = "Optimize response length"
		r.CurrentCost = p.PotentialSavings * 5
		r.Confidence = 0.6
	case analyzer.CostSpikes:
		r.Type = BudgetAlert
		r.Priority = PriorityHigh
		r.Title = "Cost spikes detected"
		r.Confidence = 0.9
	case analyzer.LowUtilization:
		r.Type = Batching
		r.Priority = PriorityLow
		r.Title = "Consider request batching"
		r.Confidence = 0.5
	case analyzer.BurstTraffic:
		r.Type = Caching
		r.Priority = PriorityLow
		r.Title = "Smooth traffic bursts"
		r.Confidence = 0.5
	default:
		return Recommendation{}, false
	}
	return r, true
}

func fromBudget(p forecast.Projection) (Recommendation, bool) {
	if p.Limit <= 0 || (!p.Exhausts && p.ExceedProbability < 0.5) {
		return Recommendation{}, false
	}
	prio := PriorityHigh
	if p.ExhaustsWithin(72 * time.Hour) {
		prio = PriorityCritical
	}
	conf := 0.5
	switch p.Confidence {
	case forecast.LabelHigh:
		conf = 0.9
	case forecast.LabelMedium:
		conf = 0.7
	}
	desc := fmt.Sprintf("Spend is projected to reach $%.2f against a $%.2f limit (%.0f%% chance of exceeding)",
		p.ProjectedSpend, p.Limit, p.ExceedProbability*100)
	if p.Exhausts {
		desc += fmt.Sprintf("; exhaustion in %.1f days", p.DaysUntilExhaustion)
	}
	return Recommendation{
		Type:           BudgetAlert,
		Priority:       prio,
		Title:          "Budget projected to be exceeded",
		Description:    desc,
		CurrentCost:    p.CurrentSpend,
		Implementation: p.Recommendation,
		Confidence:     conf,
		Evidence: map[string]any{
			"limit":             p.Limit,
			"projectedSpend":    p.ProjectedSpend,
			"projectedOverage":  p.ProjectedOverage,
			"exceedProbability": p.ExceedProbability,
		},
	}, true
}

// Alternatives ranks models cheaper than model for the given records by
// savings percentage. maxAlternatives <= 0 returns every alternative.
func (e *Engine) Alternatives(model string, records []usage.Record, maxAlternatives int, minSavingsPercent float64) []Alternative {
	calls := toCalls(records)
	names := make([]string, 0)
	for name := range e.calc.Models() {
		if name != model {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var out []Alternative
	for _, name := range names {
		s := e.calc.PotentialSavings(calls, name)
		if s.SavingsPercentage < minSavingsPercent {
			continue
		}
		out = append(out, Alternative{
			Model:          name,
			CurrentCost:    s.CurrentCost,
			ProjectedCost:  s.ProjectedCost,
			SavingsPercent: s.SavingsPercentage,
			Feasible:       s.Feasible,
			Warnings:       s.Warnings,
		})
	}
	slices.SortStableFunc(out, func(a, b Alternative) int {
		return cmp.Compare(b.SavingsPercent, a.SavingsPercent)
	})
	if maxAlternatives > 0 && len(out) > maxAlternatives {
		out = out[:maxAlternatives]
	}
	return out
}

// Estimate prices a single call.
func (e *Engine) Estimate(model, provider string, inputTokens, outputTokens int64) costs.Breakdown {
	return e.calc.Calculate(model, provider, costs.Usage{InputTokens: inputTokens, OutputTokens: outputTokens})
}

// Route delegates to the model router.
func (e *Engine) Route(ctx context.Context, req routing.Request) (*routing.Decision, error) {
	if e.Config().DisableAutoRouting {
		return nil, ErrAutoRoutingDisabled
	}
	return e.router.Route(ctx, req)
}

// AddRule adds a routing rule.
func (e *Engine) AddRule(rule routing.Rule) error { return e.router.AddRule(rule) }

// RemoveRule removes a routing rule by id.
func (e *Engine) RemoveRule(id string) bool { return e.router.RemoveRule(id) }

// Rules returns the routing rules in evaluation order.
func (e *Engine) Rules() []routing.Rule { return e.router.Rules() }

// RecordPerformance feeds a call outcome back to the router.
func (e *Engine) RecordPerformance(o routing.Observation) { e.router.Observe(o) }

func toCalls(records []usage.Record) []costs.Call {
	calls := make([]costs.Call, len(records))
	for i, r := range records {
		calls[i] = costs.Call{
			Model:     r.Model,
			Provider:  r.Provider,
			Usage:     costs.Usage{InputTokens: r.PromptTokens, OutputTokens: r.CompletionTokens},
			Timestamp: r.Timestamp,
		}
	}
	return calls
}

func modelNames(stats []analyzer.ModelStats) []string {
	out := make([]string, len(stats))
	for i, s := range stats {
		out[i] = s.Model
	}
	return out
}
