// Package routing recommends a model for a request.
//
// The Router first applies custom rules in priority order: a rule can pin
// the model, merge request parameters, or reject the request. Without a
// pinning rule it classifies the prompt complexity, filters the priced
// models by provider and capabilities, and scores each candidate on tier
// quality, estimated cost and observed latency. Models recommended for the
// complexity get a 20% boost.
//
// Routing is advisory: the router never calls a provider. Observed call
// outcomes are fed back with Observe and improve latency scores and
// decision confidence.
package routing

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/costs"
)

// DefaultRecommendations lists the preferred models per complexity.
func DefaultRecommendations() map[Complexity][]string {
	return map[Complexity][]string{
		Simple:    {"gpt-4o-mini", "claude-3-haiku-latest", "gpt-3.5-turbo"},
		Moderate:  {"gpt-4o", "claude-3-5-sonnet-latest"},
		Complex:   {"gpt-4-turbo", "claude-3-opus-latest", "gpt-4o"},
		Reasoning: {"o1-preview", "o1-mini", "claude-3-opus-latest"},
	}
}

// Config holds router settings.
type Config struct {
	Strategy        Strategy
	Recommendations map[Complexity][]string
	MaxAlternatives int

	// CostCeiling is the estimated cost that scores zero on cost.
	CostCeiling float64

	// LatencyCeiling is the average latency that scores zero on speed.
	LatencyCeiling time.Duration
}

// DefaultConfig returns the default router settings.
func DefaultConfig() Config {
	return Config{
		Strategy:        Balanced,
		Recommendations: DefaultRecommendations(),
		MaxAlternatives: 3,
		CostCeiling:     0.1,
		LatencyCeiling:  5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if !c.Strategy.Valid() {
		c.Strategy = d.Strategy
	}
	if c.Recommendations == nil {
		c.Recommendations = d.Recommendations
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = d.MaxAlternatives
	}
	if c.CostCeiling <= 0 {
		c.CostCeiling = d.CostCeiling
	}
	if c.LatencyCeiling <= 0 {
		c.LatencyCeiling = d.LatencyCeiling
	}
}

var tierQuality = map[costs.Tier]float64{
	costs.TierPremium:  1.0,
	costs.TierStandard: 0.7,
	costs.TierBudget:   0.4,
}

// Router selects models for requests. It is safe for concurrent use.
type Router struct {
	cfg    Config
	calc   *costs.Calculator
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	rules atomic.Pointer[[]Rule]
	stats *atomicStats

	perfMu sync.RWMutex
	perf   map[string]*performance
}

type performance struct {
	Performance
	qualitySamples int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the clock used by time_of_day conditions.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// WithTracerProvider sets the tracer provider for routing spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		if tp != nil {
			r.tracer = tp.Tracer("costguard/routing")
		}
	}
}

// New creates a Router. A nil calculator uses the default pricing table.
func New(cfg Config, calc *costs.Calculator, opts ...Option) *Router {
	cfg.applyDefaults()
	if calc == nil {
		calc = costs.NewCalculator(nil)
	}
	r := &Router{
		cfg:    cfg,
		calc:   calc,
		logger: zap.NewNop(),
		tracer: otel.Tracer("costguard/routing"),
		now:    time.Now,
		perf:   make(map[string]*performance),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "routing"))
	r.stats = newAtomicStats(r.now())
	empty := []Rule{}
	r.rules.Store(&empty)
	return r
}

// SetRules validates and installs the custom rules.
func (r *Router) SetRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate routing rule id %q", rule.ID)
		}
		seen[rule.ID] = true
	}
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	r.rules.Store(&sorted)
	return nil
}

// AddRule installs one more rule.
func (r *Router) AddRule(rule Rule) error {
	return r.SetRules(append(r.Rules(), rule))
}

// RemoveRule removes the rule with id and reports whether it existed.
func (r *Router) RemoveRule(id string) bool {
	rules := r.Rules()
	i := slices.IndexFunc(rules, func(rule Rule) bool { return rule.ID == id })
	if i < 0 {
		return false
	}
	rules = slices.Delete(rules, i, i+1)
	r.rules.Store(&rules)
	return true
}

// Rules returns the installed rules in evaluation order.
func (r *Router) Rules() []Rule {
	return slices.Clone(*r.rules.Load())
}

// Observe folds a call outcome into the model's running performance.
func (r *Router) Observe(o Observation) {
	if o.Model == "" {
		return
	}
	r.perfMu.Lock()
	defer r.perfMu.Unlock()
	p := r.perf[o.Model]
	if p == nil {
		p = &performance{Performance: Performance{Model: o.Model, SuccessRate: 1, AverageQuality: 0.5}}
		r.perf[o.Model] = p
	}
	n := float64(p.SampleSize)
	p.AverageLatency = time.Duration((float64(p.AverageLatency)*n + float64(o.Latency)) / (n + 1))
	ok := 0.0
	if o.Success {
		ok = 1
	}
	p.SuccessRate = (p.SuccessRate*n + ok) / (n + 1)
	if o.Quality != nil {
		q := float64(p.qualitySamples)
		p.AverageQuality = (p.AverageQuality*q + *o.Quality) / (q + 1)
		p.qualitySamples++
	}
	p.SampleSize++
}

// Performance returns the running record of model.
func (r *Router) Performance(model string) (Performance, bool) {
	r.perfMu.RLock()
	defer r.perfMu.RUnlock()
	p, ok := r.perf[model]
	if !ok {
		return Performance{}, false
	}
	return p.Performance, true
}

// Stats returns a snapshot of the routing statistics.
func (r *Router) Stats() Stats {
	return r.stats.snapshot()
}

// ResetStats zeroes the routing statistics.
func (r *Router) ResetStats() {
	r.stats.reset(r.now())
}

// Route recommends a model for req.
//
// Rules are applied first, highest priority first: route_to_model returns
// immediately, adjust_params merges parameters into the decision, and
// reject returns a *RejectedError. Then the prompt is classified and the
// candidates are scored.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	r.stats.totalRequests.Add(1)
	if err := ctx.Err(); err != nil {
		r.stats.errors.Add(1)
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		r.stats.errors.Add(1)
		return nil, ErrEmptyPrompt
	}

	_, span := r.tracer.Start(ctx, "routing.route")
	defer span.End()

	d, err := r.route(req)
	if err != nil {
		if _, ok := err.(*RejectedError); ok {
			r.stats.rejected.Add(1)
		} else {
			r.stats.errors.Add(1)
		}
		span.RecordError(err)
		r.logger.Debug("routing failed", zap.String("request_id", req.RequestID), zap.Error(err))
		return nil, err
	}

	r.stats.record(d)
	span.SetAttributes(
		attribute.String("routing.model", d.Model),
		attribute.String("routing.complexity", string(d.Complexity)),
	)
	r.logger.Debug("request routed",
		zap.String("request_id", req.RequestID),
		zap.String("model", d.Model),
		zap.String("complexity", string(d.Complexity)),
		zap.Float64("estimated_cost", d.EstimatedCost),
		zap.Strings("applied_rules", d.AppliedRules))
	return d, nil
}

func (r *Router) route(req Request) (*Decision, error) {
	var applied []string
	var params map[string]any

	for _, rule := range *r.rules.Load() {
		if rule.Disabled || !r.holds(rule.Condition, req) {
			continue
		}
		applied = append(applied, rule.label())
		switch rule.Action.Type {
		case RouteToModel:
			reason := rule.Action.Reason
			if reason == "" {
				reason = "Custom routing rule"
			}
			r.stats.ruleRouted.Add(1)
			return &Decision{
				Model:         rule.Action.Model,
				Reasoning:     fmt.Sprintf("Rule %q: %s", rule.label(), reason),
				Alternatives:  []Alternative{},
				EstimatedCost: r.estimate(rule.Action.Model, "", req),
				Confidence:    1,
				AppliedRules:  applied,
				Parameters:    params,
			}, nil
		case AdjustParams:
			if params == nil {
				params = make(map[string]any)
			}
			for k, v := range rule.Action.Params {
				params[k] = v
			}
		case Reject:
			return nil, &RejectedError{RuleID: rule.ID, Reason: rule.Action.Reason}
		}
	}

	complexity := Classify(req.Prompt)
	applied = append(applied, "complexity:"+string(complexity))

	candidates := r.candidates(req, complexity)
	if len(candidates) == 0 {
		return nil, &NoCandidatesError{Provider: req.PreferredProvider, Capabilities: req.RequiredCapabilities}
	}
	scored := r.score(candidates, req, complexity)

	best := scored[0]
	alts := make([]Alternative, 0, r.cfg.MaxAlternatives)
	for _, c := range scored[1:min(len(scored), r.cfg.MaxAlternatives+1)] {
		alts = append(alts, Alternative{Model: c.model, Reason: c.reasoning, EstimatedCost: c.cost})
	}
	return &Decision{
		Model:         best.model,
		Reasoning:     best.reasoning,
		Complexity:    complexity,
		Alternatives:  alts,
		EstimatedCost: best.cost,
		Confidence:    best.confidence,
		AppliedRules:  applied,
		Parameters:    params,
	}, nil
}

func (r *Router) holds(c Condition, req Request) bool {
	var s string
	var n float64
	numeric := true
	switch c.Field {
	case FieldModel:
		s, numeric = req.Model, false
	case FieldTokens:
		n = float64(req.MaxTokens)
		s = strconv.Itoa(req.MaxTokens)
	case FieldPromptLength:
		l := utf8.RuneCountInString(req.Prompt)
		n, s = float64(l), strconv.Itoa(l)
	case FieldTaskType:
		s, numeric = req.TaskType, false
	case FieldTimeOfDay:
		h := r.now().Hour()
		n, s = float64(h), strconv.Itoa(h)
	default:
		s = req.Metadata[string(c.Field)]
		v, err := strconv.ParseFloat(s, 64)
		n, numeric = v, err == nil
	}

	switch c.Operator {
	case OpEquals:
		return s == c.Value
	case OpContains:
		return strings.Contains(s, c.Value)
	case OpGreaterThan:
		return numeric && n > c.Number
	case OpLessThan:
		return numeric && n < c.Number
	case OpIn:
		return slices.Contains(c.Values, s)
	}
	return false
}

// candidates returns the priced models that satisfy the request, the
// recommended ones for complexity first.
func (r *Router) candidates(req Request, complexity Complexity) []string {
	models := r.calc.Models()
	var eligible []string
	for name, p := range models {
		if req.PreferredProvider != "" && p.Provider != req.PreferredProvider {
			continue
		}
		if !slices.ContainsFunc(req.RequiredCapabilities, func(c string) bool { return !p.HasCapability(c) }) {
			eligible = append(eligible, name)
		}
	}
	slices.Sort(eligible)

	recommended := r.cfg.Recommendations[complexity]
	out := make([]string, 0, len(eligible))
	for _, m := range recommended {
		if slices.Contains(eligible, m) {
			out = append(out, m)
		}
	}
	for _, m := range eligible {
		if !slices.Contains(recommended, m) {
			out = append(out, m)
		}
	}
	return out
}

// estimate prices a request on model, assuming four characters per input
// token and twice the input as output when MaxTokens is unset.
func (r *Router) estimate(model, provider string, req Request) float64 {
	in := int64(math.Ceil(float64(len(req.Prompt)) / 4))
	out := int64(req.MaxTokens)
	if out <= 0 {
		out = in * 2
	}
	return r.calc.Calculate(model, provider, costs.Usage{InputTokens: in, OutputTokens: out}).TotalCost
}

type scoredModel struct {
	model      string
	score      float64
	reasoning  string
	cost       float64
	confidence float64
}

func (r *Router) score(candidates []string, req Request, complexity Complexity) []scoredModel {
	quality, latency := r.cfg.Strategy.defaults()
	if req.QualityPriority > 0 {
		quality = req.QualityPriority
	}
	if req.LatencyPriority > 0 {
		latency = req.LatencyPriority
	}
	qw, lw := quality/100, latency/100
	cw := 1 - max(qw, lw)

	out := make([]scoredModel, 0, len(candidates))
	for _, model := range candidates {
		p, ok := r.calc.Lookup(model, "")
		if !ok {
			out = append(out, scoredModel{model: model, reasoning: "Unknown model"})
			continue
		}
		cost := r.estimate(model, p.Provider, req)
		if req.BudgetLimit > 0 && cost > req.BudgetLimit {
			out = append(out, scoredModel{model: model, reasoning: "Exceeds budget limit", cost: cost, confidence: 1})
			continue
		}

		perf, hasPerf := r.Performance(model)
		q, found := tierQuality[p.Tier]
		if !found {
			q = 0.5
		}
		c := 1 - math.Min(cost/r.cfg.CostCeiling, 1)
		l := 0.5
		confidence := 0.5
		if hasPerf {
			l = 1 - math.Min(float64(perf.AverageLatency)/float64(r.cfg.LatencyCeiling), 1)
			confidence = math.Min(float64(perf.SampleSize)/100, 1)
		}

		s := q*qw + c*cw + l*lw
		recommended := slices.Contains(r.cfg.Recommendations[complexity], model)
		if recommended {
			s *= 1.2
		}
		if hasPerf {
			s *= perf.SuccessRate
		}

		var reasons []string
		if recommended {
			reasons = append(reasons, fmt.Sprintf("recommended for %s tasks", complexity))
		}
		if q > 0.8 {
			reasons = append(reasons, "high quality")
		}
		if c > 0.7 {
			reasons = append(reasons, "cost-effective")
		}
		if l > 0.7 {
			reasons = append(reasons, "fast response")
		}
		reasoning := fmt.Sprintf("Default selection for %s complexity", complexity)
		if len(reasons) > 0 {
			reasoning = "Selected because: " + strings.Join(reasons, ", ")
		}

		out = append(out, scoredModel{model: model, score: s, reasoning: reasoning, cost: cost, confidence: confidence})
	}
	slices.SortStableFunc(out, func(a, b scoredModel) int {
		return cmp.Compare(b.score, a.score)
	})
	return out
}
