package guard

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/scope"
)

// GlobalScope holds rules that apply to every scope.
const GlobalScope = "*"

// Config holds guard settings.
type Config struct {
	// EvaluationTimeout bounds one evaluation, including the wait for the
	// scope lock. An evaluation that runs out of time blocks.
	EvaluationTimeout time.Duration

	// StalenessThreshold is the maximum age of forecast and anomaly
	// snapshots a rule may depend on.
	StalenessThreshold time.Duration

	// Derived throttle delays grow linearly from zero at ThrottleThreshold
	// to MaxThrottleDelay at BlockThreshold (both percent of limit).
	ThrottleThreshold float64
	BlockThreshold    float64
	MaxThrottleDelay  time.Duration

	// DowngradeMap maps a model to its cheaper replacement.
	DowngradeMap map[string]string

	// Requests with one of BypassPriorities skip rule evaluation when
	// AllowPriorityBypass is set. An open breaker still blocks them.
	AllowPriorityBypass bool
	BypassPriorities    []Priority
}

// DefaultDowngradeMap returns the built-in model downgrade map.
func DefaultDowngradeMap() map[string]string {
	return map[string]string{
		"gpt-4":             "gpt-3.5-turbo",
		"gpt-4-turbo":       "gpt-3.5-turbo",
		"gpt-4o":            "gpt-4o-mini",
		"claude-3-opus":     "claude-3-sonnet",
		"claude-opus":       "claude-sonnet",
		"claude-3.5-sonnet": "claude-3-haiku",
	}
}

// DefaultConfig returns the default guard settings.
func DefaultConfig() Config {
	return Config{
		EvaluationTimeout:   250 * time.Millisecond,
		StalenessThreshold:  15 * time.Minute,
		ThrottleThreshold:   90,
		BlockThreshold:      100,
		MaxThrottleDelay:    5 * time.Second,
		DowngradeMap:        DefaultDowngradeMap(),
		AllowPriorityBypass: true,
		BypassPriorities:    []Priority{PriorityCritical},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = d.EvaluationTimeout
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.ThrottleThreshold <= 0 {
		c.ThrottleThreshold = d.ThrottleThreshold
	}
	if c.BlockThreshold <= c.ThrottleThreshold {
		c.BlockThreshold = max(d.BlockThreshold, c.ThrottleThreshold)
	}
	if c.MaxThrottleDelay <= 0 {
		c.MaxThrottleDelay = d.MaxThrottleDelay
	}
	if c.DowngradeMap == nil {
		c.DowngradeMap = d.DowngradeMap
	}
}

type scopeState struct {
	sem chan struct{}

	limit         float64
	baseLimit     float64
	overrideUntil time.Time

	spent    float64
	reserved float64

	paused        bool
	throttle      time.Duration
	throttleUntil time.Time

	projection *forecast.Projection
	anomaly    *AnomalySignal
}

func (s *scopeState) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scopeState) release() {
	<-s.sem
}

// Guard evaluates budget rules per scope.
type Guard struct {
	cfg     Config
	breaker *breaker.Breaker
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	scopes *scope.Registry[*scopeState]

	rulesMu sync.Mutex
	rules   atomic.Pointer[map[string][]Rule]

	subMu  sync.RWMutex
	subs   map[int]func(Decision)
	nextID int
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// WithBreaker connects the circuit breaker. Without one the circuit is
// always reported closed.
func WithBreaker(b *breaker.Breaker) Option {
	return func(g *Guard) {
		g.breaker = b
	}
}

// WithTracerProvider sets the tracer provider used for evaluation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) {
		if tp != nil {
			g.tracer = tp.Tracer("costguard/guard")
		}
	}
}

// New creates a Guard.
func New(cfg Config, opts ...Option) *Guard {
	cfg.applyDefaults()
	g := &Guard{
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer("costguard/guard"),
		now:    time.Now,
		scopes: scope.NewRegistry(func(string) *scopeState {
			return &scopeState{sem: make(chan struct{}, 1)}
		}),
		subs: make(map[int]func(Decision)),
	}
	empty := map[string][]Rule{}
	g.rules.Store(&empty)
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "guard"))
	return g
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

func (g *Guard) state(name string) *scopeState {
	var st *scopeState
	g.scopes.Do(name, func(s **scopeState) { st = *s })
	return st
}

// with runs fn holding the scope lock. It is used by ledger updates, which
// wait as long as needed.
func (g *Guard) with(name string, fn func(st *scopeState, now time.Time)) {
	st := g.state(name)
	_ = st.acquire(context.Background())
	defer st.release()
	now := g.now()
	st.lift(now, g.logger, name)
	fn(st, now)
}

// lift drops an expired override and throttle. Caller holds the scope lock.
func (s *scopeState) lift(now time.Time, logger *zap.Logger, name string) {
	if !s.overrideUntil.IsZero() && !now.Before(s.overrideUntil) {
		logger.Info("limit override lifted",
			zap.String("scope", name),
			zap.Float64("limit", s.baseLimit))
		s.limit = s.baseLimit
		s.overrideUntil = time.Time{}
	}
	if !s.throttleUntil.IsZero() && !now.Before(s.throttleUntil) {
		s.throttle = 0
		s.throttleUntil = time.Time{}
	}
}

// SetRules replaces the rule set of scope after validating every rule.
// GlobalScope sets rules shared by all scopes. A nil slice removes them.
func (g *Guard) SetRules(scopeName string, rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	g.rulesMu.Lock()
	defer g.rulesMu.Unlock()
	next := maps.Clone(*g.rules.Load())
	if len(rules) == 0 {
		delete(next, scopeName)
	} else {
		next[scopeName] = sortRules(slices.Clone(rules))
	}
	g.rules.Store(&next)
	g.logger.Info("rules updated", zap.String("scope", scopeName), zap.Int("count", len(rules)))
	return nil
}

// ReplaceRules swaps the whole rule book at once, as done on a config
// reload. Nothing is replaced when a rule is invalid.
func (g *Guard) ReplaceRules(book map[string][]Rule) error {
	next := make(map[string][]Rule, len(book))
	for name, rules := range book {
		seen := make(map[string]bool, len(rules))
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("scope %s: %w", name, err)
			}
			if seen[r.ID] {
				return fmt.Errorf("scope %s: duplicate rule id %q", name, r.ID)
			}
			seen[r.ID] = true
		}
		if len(rules) > 0 {
			next[name] = sortRules(slices.Clone(rules))
		}
	}
	g.rulesMu.Lock()
	g.rules.Store(&next)
	g.rulesMu.Unlock()
	return nil
}

// Rules returns the rules that apply to scope in evaluation order.
func (g *Guard) Rules(scopeName string) []Rule {
	book := *g.rules.Load()
	if scopeName == GlobalScope {
		return slices.Clone(book[GlobalScope])
	}
	rules := append(slices.Clone(book[scopeName]), book[GlobalScope]...)
	return sortRules(rules)
}

// sortRules orders rules by priority desc, specificity desc, id asc.
func sortRules(rules []Rule) []Rule {
	slices.SortStableFunc(rules, func(a, b Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Specificity(), a.Specificity()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return rules
}

// Subscribe registers fn for every decision and returns a function that
// removes it. Subscribers run after the scope lock is released.
func (g *Guard) Subscribe(fn func(Decision)) func() {
	g.subMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.subMu.Unlock()
	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}

func (g *Guard) publish(d Decision) {
	g.subMu.RLock()
	fns := make([]func(Decision), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
}

// Evaluate decides whether a request against scope may proceed. Allowed
// decisions reserve the estimated cost until Commit or Release. Policy
// outcomes are returned as decisions; the error is reserved for invalid
// input.
func (g *Guard) Evaluate(ctx context.Context, scopeName string, req RequestContext) (Decision, error) {
	if scopeName == "" || scopeName == GlobalScope {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidScope, scopeName)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.EvaluationTimeout)
	defer cancel()
	ctx, span := g.tracer.Start(ctx, "guard.evaluate", trace.WithAttributes(
		attribute.String("scope", scopeName),
		attribute.String("model", req.Model),
		attribute.Float64("estimated_cost", req.EstimatedCost),
	))
	defer span.End()

	st := g.state(scopeName)
	if err := st.acquire(ctx); err != nil {
		now := g.now()
		d := g.base(scopeName, st, req, now, false)
		d = block(d, ReasonTimeout, "evaluation did not complete in time")
		g.logger.Warn("guard evaluation timed out, failing closed",
			zap.String("scope", scopeName), zap.Error(err))
		span.SetAttributes(attribute.String("action", string(d.Action)))
		g.publish(d)
		return d, nil
	}

	now := g.now()
	st.lift(now, g.logger, scopeName)
	d := g.decide(scopeName, st, req, now)
	if d.Allowed && req.EstimatedCost > 0 {
		st.reserved += req.EstimatedCost
	}
	g.feedBreaker(scopeName, d, now)
	st.release()

	span.SetAttributes(
		attribute.String("action", string(d.Action)),
		attribute.String("reason", string(d.Reason)),
		attribute.String("rule_id", d.RuleID),
	)
	if d.Allowed {
		g.logger.Debug("request allowed",
			zap.String("scope", scopeName),
			zap.String("action", string(d.Action)),
			zap.String("rule_id", d.RuleID))
	} else {
		g.logger.Warn("request blocked",
			zap.String("scope", scopeName),
			zap.String("reason", string(d.Reason)),
			zap.String("rule_id", d.RuleID),
			zap.Float64("current_spend", d.CurrentSpend),
			zap.Float64("estimated_cost", d.EstimatedCost),
			zap.Float64("limit", d.Limit))
	}
	g.publish(d)
	return d, nil
}

// feedBreaker reports the decision to the breaker. Caller holds the scope
// lock so that breaker transitions are serialised with evaluation.
func (g *Guard) feedBreaker(scopeName string, d Decision, now time.Time) {
	if g.breaker == nil {
		return
	}
	switch {
	case d.Reason == ReasonCircuitOpen:
	case !d.Allowed:
		g.breaker.RecordBlock(scopeName, now)
	case d.Circuit == breaker.StateHalfOpen:
		g.breaker.Probe(scopeName, true)
	default:
		g.breaker.RecordAllow(scopeName)
	}
}

func (g *Guard) base(scopeName string, st *scopeState, req RequestContext, now time.Time, locked bool) Decision {
	d := Decision{
		ID:            uuid.NewString(),
		Scope:         scopeName,
		EvaluatedAt:   now,
		EstimatedCost: req.EstimatedCost,
		Model:         req.Model,
		Circuit:       breaker.StateClosed,
	}
	if locked {
		d.Limit = st.limit
		d.CurrentSpend = st.spent + st.reserved
		if st.limit > 0 {
			d.Remaining = st.limit - d.CurrentSpend
			d.Utilization = (d.CurrentSpend + req.EstimatedCost) / st.limit * 100
		}
	}
	return d
}

func block(d Decision, reason Reason, msg string) Decision {
	d.Action = ActionBlock
	d.Allowed = false
	d.Reason = reason
	d.Message = msg
	return d
}

// decide is the pure evaluation step. Caller holds the scope lock.
func (g *Guard) decide(scopeName string, st *scopeState, req RequestContext, now time.Time) Decision {
	d := g.base(scopeName, st, req, now, true)
	prio := req.priority()

	if g.breaker != nil {
		bs, ok := g.breaker.Allow(scopeName)
		d.Circuit = bs.State
		if !ok {
			d = block(d, ReasonCircuitOpen, fmt.Sprintf("circuit %s (%s)", bs.State, bs.Reason))
			if !bs.CooldownUntil.IsZero() {
				d.Suggestions = []string{"Retry after " + bs.CooldownUntil.Format(time.RFC3339)}
			}
			return d
		}
	}

	if st.paused {
		return block(d, ReasonPaused, "scope is paused")
	}

	if g.cfg.AllowPriorityBypass && slices.Contains(g.cfg.BypassPriorities, prio) {
		d.Action = ActionAllow
		d.Allowed = true
		d.Reason = ReasonPriorityBypass
		d.Message = "priority bypass: " + string(prio)
		if req.BypassReason != "" {
			d.Message += " (" + req.BypassReason + ")"
		}
		return d
	}

	f := facts{
		limit:      st.limit,
		spend:      st.spent + st.reserved,
		estimate:   req.EstimatedCost,
		model:      req.Model,
		priority:   prio,
		projection: st.projection,
		anomaly:    st.anomaly,
	}

	for _, r := range g.Rules(scopeName) {
		if r.Disabled || r.bypassed(prio) {
			continue
		}
		if input := g.staleInput(r, st, now); input != "" {
			d = block(d, ReasonStaleData, fmt.Sprintf("rule %q depends on stale %s data", r.ID, input))
			d.RuleID, d.RuleName, d.RuleVersion = r.ID, r.Name, r.Version
			d.Stale = input
			return d
		}
		if !matches(r, f) {
			continue
		}
		return g.apply(d, r, f)
	}

	d.Action = ActionAllow
	d.Allowed = true
	d.Reason = ReasonNoMatch
	d.Message = "within budget limits"
	if st.throttle > 0 {
		d.Action = ActionThrottle
		d.Reason = ReasonThrottled
		d.ThrottleDelay = st.throttle
		d.Message = "scope is throttled"
	}
	return d
}

func matches(r Rule, f facts) bool {
	for _, c := range r.Conditions {
		if !c.holds(f) {
			return false
		}
	}
	return true
}

// staleInput returns the first snapshot r depends on that is older than the
// staleness threshold. A snapshot that was never produced is not stale; the
// condition reading it simply does not hold.
func (g *Guard) staleInput(r Rule, st *scopeState, now time.Time) string {
	for _, c := range r.Conditions {
		switch c.Input() {
		case InputForecast:
			if st.projection != nil && now.Sub(st.projection.ComputedAt) > g.cfg.StalenessThreshold {
				return InputForecast
			}
		case InputAnomaly:
			if st.anomaly != nil && now.Sub(st.anomaly.At) > g.cfg.StalenessThreshold {
				return InputAnomaly
			}
		}
	}
	return ""
}

func (g *Guard) apply(d Decision, r Rule, f facts) Decision {
	d.Action = r.Action
	d.Reason = ReasonThresholdRule
	d.RuleID, d.RuleName, d.RuleVersion = r.ID, r.Name, r.Version
	d.Message = r.Message
	if d.Message == "" {
		name := r.Name
		if name == "" {
			name = r.ID
		}
		d.Message = fmt.Sprintf("rule %q triggered", name)
	}

	switch r.Action {
	case ActionThrottle:
		d.ThrottleDelay = r.ThrottleDelay
		if d.ThrottleDelay == 0 {
			d.ThrottleDelay = g.throttleDelay(f.utilization())
		}
		d.Suggestions = []string{
			"Reduce request frequency to stay within budget",
			"Consider batching requests",
		}
	case ActionDowngrade:
		model := r.AlternativeModel
		if model == "" {
			model = g.cfg.DowngradeMap[f.model]
		}
		if model == "" {
			d.Action = ActionThrottle
			d.ThrottleDelay = g.throttleDelay(f.utilization())
		} else {
			d.DowngradeModel = model
			d.Suggestions = []string{fmt.Sprintf("Switch to %s to reduce costs", model)}
		}
	case ActionWarn:
		d.Suggestions = []string{
			"Monitor spending closely",
			"Consider setting up budget alerts",
		}
	case ActionBlock:
		d.Suggestions = g.blockSuggestions(f.model)
	}
	d.Allowed = d.Action.Allows()
	return d
}

func (g *Guard) blockSuggestions(model string) []string {
	s := []string{"Wait for the budget reset or increase the budget limit"}
	if alt := g.cfg.DowngradeMap[model]; alt != "" {
		s = append(s, fmt.Sprintf("Consider using %s for lower costs", alt))
	}
	return append(s, "Contact an administrator to increase limits")
}

// throttleDelay grows linearly between the throttle and block thresholds.
func (g *Guard) throttleDelay(utilization float64) time.Duration {
	span := g.cfg.BlockThreshold - g.cfg.ThrottleThreshold
	ratio := (utilization - g.cfg.ThrottleThreshold) / span
	ratio = min(1, max(0, ratio))
	return time.Duration(ratio * float64(g.cfg.MaxThrottleDelay))
}

// SetLimit sets the budget limit of scope. Zero removes it. An active
// override keeps applying until it expires.
func (g *Guard) SetLimit(scopeName string, limit float64) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.baseLimit = limit
		if st.overrideUntil.IsZero() {
			st.limit = limit
		}
	})
}

// AdjustLimit adds delta to the base limit, clamped at zero, and returns the
// new base limit.
func (g *Guard) AdjustLimit(scopeName string, delta float64) float64 {
	var out float64
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.baseLimit = max(0, st.baseLimit+delta)
		if st.overrideUntil.IsZero() {
			st.limit = st.baseLimit
		}
		out = st.baseLimit
	})
	return out
}

// Override applies a temporary limit until the given time, after which the
// base limit applies again.
func (g *Guard) Override(scopeName string, limit float64, until time.Time) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		if st.overrideUntil.IsZero() {
			st.baseLimit = st.limit
		}
		st.limit = limit
		st.overrideUntil = until
	})
	g.logger.Info("limit override applied",
		zap.String("scope", scopeName),
		zap.Float64("limit", limit),
		zap.Time("until", until))
}

// ClearOverride lifts an active override at once.
func (g *Guard) ClearOverride(scopeName string) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		if !st.overrideUntil.IsZero() {
			st.limit = st.baseLimit
			st.overrideUntil = time.Time{}
		}
	})
}

// RecordSpend adds the actual cost of a request that was not reserved, such
// as usage reported by ingestion.
func (g *Guard) RecordSpend(scopeName string, cost float64) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.spent += cost
	})
}

// Commit replaces a reservation made by Evaluate with the actual cost.
func (g *Guard) Commit(scopeName string, estimated, actual float64) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.reserved = max(0, st.reserved-estimated)
		st.spent += actual
	})
}

// Release drops a reservation made by Evaluate for a request that did not
// run.
func (g *Guard) Release(scopeName string, estimated float64) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.reserved = max(0, st.reserved-estimated)
	})
}

// ResetSpend zeroes the committed spend of scope, as at the start of a
// billing period. Reservations of in-flight requests are kept.
func (g *Guard) ResetSpend(scopeName string) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.spent = 0
	})
	g.logger.Info("spend reset", zap.String("scope", scopeName))
}

// Pause blocks every request against scope until Resume.
func (g *Guard) Pause(scopeName string) {
	g.with(scopeName, func(st *scopeState, _ time.Time) { st.paused = true })
	g.logger.Warn("scope paused", zap.String("scope", scopeName))
}

// Resume lifts Pause.
func (g *Guard) Resume(scopeName string) {
	g.with(scopeName, func(st *scopeState, _ time.Time) { st.paused = false })
	g.logger.Info("scope resumed", zap.String("scope", scopeName))
}

// Throttle delays otherwise unmatched requests against scope by delay until
// the given time.
func (g *Guard) Throttle(scopeName string, delay time.Duration, until time.Time) {
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		st.throttle = delay
		st.throttleUntil = until
	})
}

// UpdateProjection stores the latest budget projection of its scope. A zero
// ComputedAt is stamped with the current time.
func (g *Guard) UpdateProjection(p forecast.Projection) {
	g.with(p.Scope, func(st *scopeState, now time.Time) {
		if p.ComputedAt.IsZero() {
			p.ComputedAt = now
		}
		st.projection = &p
	})
}

// UpdateAnomaly stores the latest anomaly severity of scope. A zero at is
// stamped with the current time.
func (g *Guard) UpdateAnomaly(scopeName string, severity patterns.Severity, at time.Time) {
	g.with(scopeName, func(st *scopeState, now time.Time) {
		if at.IsZero() {
			at = now
		}
		st.anomaly = &AnomalySignal{Severity: severity, At: at}
	})
}

// Spend returns the ledger of scope.
func (g *Guard) Spend(scopeName string) Spend {
	var out Spend
	g.with(scopeName, func(st *scopeState, _ time.Time) {
		out = Spend{
			Scope:         scopeName,
			Limit:         st.limit,
			Spent:         st.spent,
			Reserved:      st.reserved,
			BaseLimit:     st.baseLimit,
			OverrideUntil: st.overrideUntil,
			Paused:        st.paused,
			ThrottleDelay: st.throttle,
			ThrottleUntil: st.throttleUntil,
		}
	})
	return out
}

// Scopes returns the scopes the guard has state for.
func (g *Guard) Scopes() []string {
	return g.scopes.Scopes()
}
