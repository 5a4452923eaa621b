// Package breaker implements the per-scope circuit breaker that protects a
// budget against runaway spend.
//
// A closed breaker lets the guard evaluate rules. It trips open on repeated
// guard blocks, cost spikes, delivery failures or an explicit Trip call
// (critical anomaly, imminent exhaustion, operator). While open every guard
// decision is block. Once the cooldown elapses the breaker turns half-open
// and lets a bounded number of probes through; enough successful probes
// close it, a failed probe reopens it with a cooldown that may grow with the
// number of consecutive trips.
package breaker

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/scope"
)

// Config holds breaker thresholds.
type Config struct {
	// Cooldown is the open period after the first trip.
	Cooldown time.Duration

	// Policy selects fixed or exponential growth of the open period on
	// consecutive trips. Exponential uses Cooldown × Factor^(trips-1),
	// capped at MaxCooldown.
	Policy      CooldownPolicy
	Factor      float64
	MaxCooldown time.Duration

	// BlockThreshold consecutive guard blocks inside BlockWindow trip the
	// breaker with ReasonRepeatedBlock.
	BlockThreshold int
	BlockWindow    time.Duration

	// A cost above CostSpikeMultiplier times the mean of the costs seen in
	// CostWindow trips with ReasonCostSpike, once MinCostSamples exist.
	CostSpikeMultiplier float64
	CostWindow          time.Duration
	MinCostSamples      int

	// FailureThreshold failures inside FailureWindow trip with
	// ReasonErrorRate.
	FailureThreshold int
	FailureWindow    time.Duration

	// HalfOpenSuccessThreshold successful probes close the breaker;
	// HalfOpenMaxAttempts bounds the probes let through.
	HalfOpenSuccessThreshold int
	HalfOpenMaxAttempts      int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Cooldown:                 5 * time.Minute,
		Policy:                   CooldownFixed,
		Factor:                   2,
		MaxCooldown:              time.Hour,
		BlockThreshold:           3,
		BlockWindow:              time.Minute,
		CostSpikeMultiplier:      5,
		CostWindow:               5 * time.Minute,
		MinCostSamples:           5,
		FailureThreshold:         5,
		FailureWindow:            time.Minute,
		HalfOpenSuccessThreshold: 1,
		HalfOpenMaxAttempts:      5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Policy == "" {
		c.Policy = d.Policy
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.Cooldown)
	}
	if c.BlockThreshold <= 0 {
		c.BlockThreshold = d.BlockThreshold
	}
	if c.BlockWindow <= 0 {
		c.BlockWindow = d.BlockWindow
	}
	if c.CostSpikeMultiplier <= 0 {
		c.CostSpikeMultiplier = d.CostSpikeMultiplier
	}
	if c.CostWindow <= 0 {
		c.CostWindow = d.CostWindow
	}
	if c.MinCostSamples <= 0 {
		c.MinCostSamples = d.MinCostSamples
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	if c.HalfOpenMaxAttempts < c.HalfOpenSuccessThreshold {
		c.HalfOpenMaxAttempts = max(d.HalfOpenMaxAttempts, c.HalfOpenSuccessThreshold)
	}
}

// cooldown returns the open period for the given consecutive trip count.
func (c Config) cooldown(trips int) time.Duration {
	if c.Policy != CooldownExponential || trips <= 1 {
		return c.Cooldown
	}
	d := float64(c.Cooldown) * math.Pow(c.Factor, float64(trips-1))
	if math.IsInf(d, 0) || d >= float64(c.MaxCooldown) {
		return c.MaxCooldown
	}
	return time.Duration(d)
}

type costSample struct {
	at   time.Time
	cost float64
}

type circuit struct {
	state         State
	reason        Reason
	detail        string
	trippedAt     time.Time
	cooldownUntil time.Time
	trips         int

	blocks    []time.Time
	failures  []time.Time
	costs     []costSample
	attempts  int
	successes int
}

// Breaker holds one circuit per scope.
type Breaker struct {
	cfg      Config
	circuits *scope.Registry[circuit]
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	listeners map[int]func(Event)
	nextID    int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		cfg: cfg,
		circuits: scope.NewRegistry(func(string) circuit {
			return circuit{state: StateClosed}
		}),
		logger:    zap.NewNop(),
		now:       time.Now,
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "breaker"))
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// OnStateChange registers fn for every Event and returns a function that
// unregisters it. Listeners run synchronously after the scope lock is
// released.
func (b *Breaker) OnStateChange(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Breaker) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// do runs fn on the scope's circuit after applying any due open → half-open
// transition, then publishes the collected events.
func (b *Breaker) do(scopeName string, fn func(c *circuit, now time.Time, events *[]Event)) {
	var events []Event
	b.circuits.Do(scopeName, func(c *circuit) {
		now := b.now()
		b.advance(scopeName, c, now, &events)
		if fn != nil {
			fn(c, now, &events)
		}
	})
	b.emit(events)
}

func (b *Breaker) advance(scopeName string, c *circuit, now time.Time, events *[]Event) {
	if c.state != StateOpen || now.Before(c.cooldownUntil) {
		return
	}
	c.state = StateHalfOpen
	c.attempts = 0
	c.successes = 0
	*events = append(*events, b.event(scopeName, EventHalfOpen, StateOpen, StateHalfOpen, c.reason, "cooldown elapsed", now))
	b.logger.Info("circuit half-open", zap.String("scope", scopeName), zap.String("reason", string(c.reason)))
}

func (b *Breaker) event(scopeName string, kind EventKind, from, to State, reason Reason, detail string, at time.Time) Event {
	return Event{
		ID:     uuid.NewString(),
		Scope:  scopeName,
		Kind:   kind,
		From:   from,
		To:     to,
		Reason: reason,
		Detail: detail,
		At:     at,
	}
}

func (b *Breaker) status(scopeName string, c *circuit, now time.Time) Status {
	return Status{
		Scope:             scopeName,
		State:             c.state,
		Reason:            c.reason,
		Detail:            c.detail,
		TrippedAt:         c.trippedAt,
		CooldownUntil:     c.cooldownUntil,
		ConsecutiveTrips:  c.trips,
		RecentBlocks:      len(within(c.blocks, now, b.cfg.BlockWindow)),
		RecentFailures:    len(within(c.failures, now, b.cfg.FailureWindow)),
		HalfOpenAttempts:  c.attempts,
		HalfOpenSuccesses: c.successes,
	}
}

// Status returns the breaker state of scope. An open breaker whose cooldown
// has elapsed is reported, and moved, half-open.
func (b *Breaker) Status(scopeName string) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, _ *[]Event) {
		st = b.status(scopeName, c, now)
	})
	return st
}

// All returns the status of every known scope.
func (b *Breaker) All() []Status {
	scopes := b.circuits.Scopes()
	out := make([]Status, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, b.Status(s))
	}
	return out
}

// Allow reports whether a request for scope may proceed to rule evaluation.
// Closed breakers allow; open ones refuse; half-open ones admit up to
// HalfOpenMaxAttempts probes.
func (b *Breaker) Allow(scopeName string) (Status, bool) {
	var st Status
	var ok bool
	b.do(scopeName, func(c *circuit, now time.Time, _ *[]Event) {
		switch c.state {
		case StateClosed:
			ok = true
		case StateHalfOpen:
			if c.attempts < b.cfg.HalfOpenMaxAttempts {
				c.attempts++
				ok = true
			}
		}
		st = b.status(scopeName, c, now)
	})
	return st, ok
}

// Trip opens the breaker of scope. Tripping an open breaker is a no-op except
// that a more severe reason replaces the current one.
func (b *Breaker) Trip(scopeName string, reason Reason, detail string) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		b.trip(scopeName, c, reason, detail, now, events)
		st = b.status(scopeName, c, now)
	})
	return st
}

// caller holds the scope lock
func (b *Breaker) trip(scopeName string, c *circuit, reason Reason, detail string, now time.Time, events *[]Event) {
	if c.state == StateOpen {
		if reason.Severity() > c.reason.Severity() {
			c.reason = reason
			c.detail = detail
			*events = append(*events, b.event(scopeName, EventUpgrade, StateOpen, StateOpen, reason, detail, now))
			b.logger.Warn("circuit trip reason upgraded",
				zap.String("scope", scopeName),
				zap.String("reason", string(reason)))
		}
		return
	}

	from := c.state
	c.trips++
	c.state = StateOpen
	c.reason = reason
	c.detail = detail
	c.trippedAt = now
	c.cooldownUntil = now.Add(b.cfg.cooldown(c.trips))
	c.attempts = 0
	c.successes = 0
	c.blocks = nil
	*events = append(*events, b.event(scopeName, EventTrip, from, StateOpen, reason, detail, now))
	b.logger.Warn("circuit breaker tripped",
		zap.String("scope", scopeName),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
		zap.Int("consecutive_trips", c.trips),
		zap.Time("cooldown_until", c.cooldownUntil))
}

// Reset closes the breaker of scope unconditionally and clears its history.
func (b *Breaker) Reset(scopeName, detail string) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		from := c.state
		*c = circuit{state: StateClosed}
		*events = append(*events, b.event(scopeName, EventReset, from, StateClosed, "", detail, now))
		b.logger.Info("circuit breaker reset", zap.String("scope", scopeName), zap.String("detail", detail))
		st = b.status(scopeName, c, now)
	})
	return st
}

// Probe reports the outcome of a half-open probe. Success closes the breaker
// once HalfOpenSuccessThreshold probes passed; failure reopens it. Outside
// half-open, Probe does nothing.
func (b *Breaker) Probe(scopeName string, ok bool) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		if c.state == StateHalfOpen {
			if ok {
				c.successes++
				if c.successes >= b.cfg.HalfOpenSuccessThreshold {
					reason := c.reason
					*c = circuit{state: StateClosed, costs: c.costs}
					*events = append(*events, b.event(scopeName, EventClose, StateHalfOpen, StateClosed, reason, "probe succeeded", now))
					b.logger.Info("circuit closed after probe", zap.String("scope", scopeName))
				}
			} else {
				b.trip(scopeName, c, c.reason, "probe failed", now, events)
			}
		}
		st = b.status(scopeName, c, now)
	})
	return st
}

// RecordBlock registers a guard block at the given time. BlockThreshold
// consecutive blocks inside BlockWindow trip the breaker.
func (b *Breaker) RecordBlock(scopeName string, at time.Time) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		switch c.state {
		case StateHalfOpen:
			b.trip(scopeName, c, c.reason, "blocked during probe", now, events)
		case StateClosed:
			c.blocks = append(within(c.blocks, at, b.cfg.BlockWindow), at)
			if len(c.blocks) >= b.cfg.BlockThreshold {
				b.trip(scopeName, c, ReasonRepeatedBlock, "consecutive guard blocks", now, events)
			}
		}
		st = b.status(scopeName, c, now)
	})
	return st
}

// RecordAllow registers a non-blocking guard decision, which ends any run of
// consecutive blocks.
func (b *Breaker) RecordAllow(scopeName string) {
	b.do(scopeName, func(c *circuit, _ time.Time, _ *[]Event) {
		c.blocks = nil
	})
}

// RecordCost registers the cost of a completed request and trips the
// breaker on a spike against the recent mean.
func (b *Breaker) RecordCost(scopeName string, cost float64) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		cutoff := now.Add(-b.cfg.CostWindow)
		kept := c.costs[:0]
		var sum float64
		for _, s := range c.costs {
			if s.at.After(cutoff) {
				kept = append(kept, s)
				sum += s.cost
			}
		}
		c.costs = kept

		if c.state == StateClosed && len(c.costs) >= b.cfg.MinCostSamples {
			mean := sum / float64(len(c.costs))
			if mean > 0 && cost > mean*b.cfg.CostSpikeMultiplier {
				b.trip(scopeName, c, ReasonCostSpike, "request cost above recent mean", now, events)
			}
		}
		c.costs = append(c.costs, costSample{at: now, cost: cost})
		st = b.status(scopeName, c, now)
	})
	return st
}

// RecordFailure registers a failed request or delivery. FailureThreshold
// failures inside FailureWindow trip the breaker; any failure during
// half-open reopens it.
func (b *Breaker) RecordFailure(scopeName, detail string) Status {
	var st Status
	b.do(scopeName, func(c *circuit, now time.Time, events *[]Event) {
		c.failures = append(within(c.failures, now, b.cfg.FailureWindow), now)
		switch c.state {
		case StateHalfOpen:
			b.trip(scopeName, c, ReasonErrorRate, detail, now, events)
		case StateClosed:
			if len(c.failures) >= b.cfg.FailureThreshold {
				b.trip(scopeName, c, ReasonErrorRate, detail, now, events)
			}
		}
		st = b.status(scopeName, c, now)
	})
	return st
}

// within returns the suffix of ts no older than window before now. ts is in
// ascending order.
func within(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	for i, t := range ts {
		if t.After(cutoff) {
			return ts[i:]
		}
	}
	return ts[:0]
}
