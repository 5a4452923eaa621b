// Package alerts turns forecasts, projections and anomalies into
// prioritised, deduplicated alerts and hands them to the event queue for
// delivery.
//
// Built-in generators cover budget exceed forecasts, high utilisation,
// confident anomalies, rising and volatile trends, and premium model
// overuse. Configured rules add alerts on top. Each candidate passes three
// gates before it is emitted: the per-scope cap on active alerts, the
// cooldown on (scope, type, budget), and the per-scope hourly rate limit.
package alerts

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mercator-hq/costguard/pkg/idempotency"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/scope"
)

// QueueKind is the event queue entry kind of alert deliveries.
const QueueKind = "alert"

// SourceBuiltin marks alerts raised by the built-in generators.
const SourceBuiltin = "builtin"

// Suppression reasons passed to the OnSuppressed callback.
const (
	SuppressedDuplicate = "duplicate"
	SuppressedRateLimit = "rate_limit"
	SuppressedCapacity  = "max_active"
)

// Publisher accepts deliveries for asynchronous processing. *queue.Queue
// satisfies it.
type Publisher interface {
	Submit(kind string, payload any) (string, error)
}

// Config holds alert thresholds and limits.
type Config struct {
	// ExceedProbabilityThreshold raises budget forecast alerts.
	ExceedProbabilityThreshold float64
	// UtilizationWarning raises utilisation alerts, in percent.
	UtilizationWarning float64
	// AnomalyConfidenceThreshold filters anomaly alerts.
	AnomalyConfidenceThreshold float64
	// TrendConfidenceThreshold and TrendMinMonthlyCost gate rising trend
	// alerts.
	TrendConfidenceThreshold float64
	TrendMinMonthlyCost      float64
	// PremiumModelShare of total cost spent on one PremiumModels entry
	// raises an optimisation alert.
	PremiumModelShare float64
	PremiumModels     []string

	Expiration        time.Duration
	Cooldown          time.Duration
	Retention         time.Duration
	MaxActivePerScope int
	MaxAlertsPerHour  int
	DefaultChannels   []Channel

	DisableBuiltins bool
}

// DefaultConfig returns the default alert settings.
func DefaultConfig() Config {
	return Config{
		ExceedProbabilityThreshold: 0.7,
		UtilizationWarning:         80,
		AnomalyConfidenceThreshold: 0.8,
		TrendConfidenceThreshold:   0.7,
		TrendMinMonthlyCost:        100,
		PremiumModelShare:          0.5,
		PremiumModels:              []string{"gpt-4", "gpt-4-turbo", "claude-3-opus", "claude-opus"},
		Expiration:                 48 * time.Hour,
		Cooldown:                   time.Hour,
		Retention:                  30 * 24 * time.Hour,
		MaxActivePerScope:          50,
		MaxAlertsPerHour:           10,
		DefaultChannels:            []Channel{ChannelLog},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ExceedProbabilityThreshold <= 0 {
		c.ExceedProbabilityThreshold = d.ExceedProbabilityThreshold
	}
	if c.UtilizationWarning <= 0 {
		c.UtilizationWarning = d.UtilizationWarning
	}
	if c.AnomalyConfidenceThreshold <= 0 {
		c.AnomalyConfidenceThreshold = d.AnomalyConfidenceThreshold
	}
	if c.TrendConfidenceThreshold <= 0 {
		c.TrendConfidenceThreshold = d.TrendConfidenceThreshold
	}
	if c.TrendMinMonthlyCost <= 0 {
		c.TrendMinMonthlyCost = d.TrendMinMonthlyCost
	}
	if c.PremiumModelShare <= 0 {
		c.PremiumModelShare = d.PremiumModelShare
	}
	if c.PremiumModels == nil {
		c.PremiumModels = d.PremiumModels
	}
	if c.Expiration <= 0 {
		c.Expiration = d.Expiration
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.Retention < c.Expiration {
		c.Retention = max(d.Retention, c.Expiration)
	}
	if c.MaxActivePerScope <= 0 {
		c.MaxActivePerScope = d.MaxActivePerScope
	}
	if c.MaxAlertsPerHour <= 0 {
		c.MaxAlertsPerHour = d.MaxAlertsPerHour
	}
	if len(c.DefaultChannels) == 0 {
		c.DefaultChannels = d.DefaultChannels
	}
}

type suppression struct {
	a      Alert
	reason string
}

type scopeAlerts struct {
	alerts  []*Alert
	limiter *rate.Limiter
}

// Service generates and tracks alerts.
type Service struct {
	cfg       Config
	cooldowns idempotency.Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	rules  atomic.Pointer[[]Rule]
	scopes *scope.Registry[scopeAlerts]

	mu   sync.RWMutex
	byID map[string]string

	subMu        sync.RWMutex
	subs         map[int]func(Alert)
	nextSub      int
	onSuppressed func(a Alert, reason string)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCooldownStore sets the store that tracks dedupe cooldowns. The default
// is an in-process store.
func WithCooldownStore(st idempotency.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.cooldowns = st
		}
	}
}

// WithPublisher sets where emitted alerts are delivered. Without one alerts
// are only tracked.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// OnSuppressed registers a callback for candidates that were not emitted.
func OnSuppressed(fn func(a Alert, reason string)) Option {
	return func(s *Service) {
		s.onSuppressed = fn
	}
}

// NewService creates a Service.
func NewService(cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		byID:   make(map[string]string),
		subs:   make(map[int]func(Alert)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cooldowns == nil {
		s.cooldowns = idempotency.NewMemoryStore(s.now)
	}
	perHour := cfg.MaxAlertsPerHour
	s.scopes = scope.NewRegistry(func(string) scopeAlerts {
		return scopeAlerts{limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)}
	})
	empty := []Rule{}
	s.rules.Store(&empty)
	s.logger = s.logger.With(zap.String("component", "alerts"))
	return s
}

// SetRules validates and installs the alert rules.
func (s *Service) SetRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	cp := slices.Clone(rules)
	s.rules.Store(&cp)
	return nil
}

// Rules returns the installed rules.
func (s *Service) Rules() []Rule {
	return slices.Clone(*s.rules.Load())
}

// Subscribe registers fn for every emitted alert and returns a function that
// removes it.
func (s *Service) Subscribe(fn func(Alert)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Process runs the generators and rules over in and returns the alerts that
// survived deduplication, capacity and rate limiting, highest priority first.
// Delivery failures are logged and never fail the call. A candidate whose
// cooldown cannot be checked is dropped; the others are still emitted and
// returned alongside the error.
func (s *Service) Process(ctx context.Context, in Input) ([]Alert, error) {
	if in.Scope == "" {
		return nil, fmt.Errorf("alert input scope is required")
	}
	now := s.now()

	var candidates []*Alert
	if !s.cfg.DisableBuiltins {
		candidates = append(candidates, s.builtins(in, now)...)
	}
	candidates = append(candidates, s.fromRules(in, now)...)
	slices.SortStableFunc(candidates, func(a, b *Alert) int {
		return cmp.Compare(b.Priority.Rank(), a.Priority.Rank())
	})

	var emitted []Alert
	var suppressed []suppression
	var claimErrs []error

	s.scopes.Do(in.Scope, func(st *scopeAlerts) {
		st.prune(now, s.cfg.Retention)
		active := 0
		for _, a := range st.alerts {
			if a.Active(now) {
				active++
			}
		}

		for _, a := range candidates {
			if active >= s.cfg.MaxActivePerScope {
				suppressed = append(suppressed, suppression{*a, SuppressedCapacity})
				continue
			}
			key := idempotency.Key("alert", a.Scope, string(a.Type), a.Budget, a.dedupe)
			ok, err := s.cooldowns.Claim(ctx, key, s.cooldownFor(a))
			if err != nil {
				s.logger.Warn("failed to check alert cooldown",
					zap.String("scope", a.Scope),
					zap.String("type", string(a.Type)),
					zap.Error(err))
				claimErrs = append(claimErrs, err)
				continue
			}
			if !ok {
				suppressed = append(suppressed, suppression{*a, SuppressedDuplicate})
				continue
			}
			if !st.limiter.AllowN(now, 1) {
				_ = s.cooldowns.Release(ctx, key)
				suppressed = append(suppressed, suppression{*a, SuppressedRateLimit})
				continue
			}
			st.alerts = append(st.alerts, a)
			active++
			emitted = append(emitted, *a)
		}
	})
	for _, sup := range suppressed {
		s.logger.Debug("alert suppressed",
			zap.String("scope", sup.a.Scope),
			zap.String("type", string(sup.a.Type)),
			zap.String("reason", sup.reason))
		if s.onSuppressed != nil {
			s.onSuppressed(sup.a, sup.reason)
		}
	}

	s.mu.Lock()
	for _, a := range emitted {
		s.byID[a.ID] = a.Scope
	}
	s.mu.Unlock()

	for _, a := range emitted {
		s.logger.Info("alert raised",
			zap.String("scope", a.Scope),
			zap.String("alert_id", a.ID),
			zap.String("type", string(a.Type)),
			zap.String("priority", string(a.Priority)))
		s.deliver(a)
		s.publish(a)
	}
	if len(claimErrs) > 0 {
		return emitted, fmt.Errorf("failed to check alert cooldown: %w", errors.Join(claimErrs...))
	}
	return emitted, nil
}

func (s *Service) cooldownFor(a *Alert) time.Duration {
	if a.Source != SourceBuiltin {
		for _, r := range *s.rules.Load() {
			if r.ID == a.Source && r.Cooldown > 0 {
				return r.Cooldown
			}
		}
	}
	return s.cfg.Cooldown
}

func (s *Service) deliver(a Alert) {
	if s.publisher == nil {
		return
	}
	for _, ch := range a.Channels {
		if ch == ChannelInApp {
			continue
		}
		if _, err := s.publisher.Submit(QueueKind, Delivery{Alert: a, Channel: ch}); err != nil {
			s.logger.Warn("failed to queue alert delivery",
				zap.String("alert_id", a.ID),
				zap.String("channel", string(ch)),
				zap.Error(err))
		}
	}
}

func (s *Service) publish(a Alert) {
	s.subMu.RLock()
	fns := make([]func(Alert), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(a)
	}
}

// prune drops alerts created more than retention ago.
func (st *scopeAlerts) prune(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	st.alerts = slices.DeleteFunc(st.alerts, func(a *Alert) bool {
		return a.CreatedAt.Before(cutoff)
	})
}

func (s *Service) newAlert(in Input, t Type, p Priority, title, msg string, details map[string]any, now time.Time) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  p,
		Scope:     in.Scope,
		Budget:    in.budget(),
		Title:     title,
		Message:   msg,
		Details:   details,
		Channels:  slices.Clone(s.cfg.DefaultChannels),
		Source:    SourceBuiltin,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiration),
	}
}

func (s *Service) fromRules(in Input, now time.Time) []*Alert {
	var out []*Alert
	for _, r := range *s.rules.Load() {
		if r.Disabled {
			continue
		}
		hold := true
		for _, c := range r.Conditions {
			if !c.holds(in) {
				hold = false
				break
			}
		}
		if !hold {
			continue
		}
		title := r.Name
		if title == "" {
			title = r.ID
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("alert rule %q matched for scope %s", r.ID, in.Scope)
		}
		a := s.newAlert(in, r.Type, r.Priority, title, msg, map[string]any{"rule": r.ID}, now)
		a.Source = r.ID
		a.dedupe = r.ID
		if len(r.Channels) > 0 {
			a.Channels = slices.Clone(r.Channels)
		}
		out = append(out, a)
	}
	return out
}

// Active returns the unexpired, unacknowledged alerts of scope, newest first.
func (s *Service) Active(scopeName string) []Alert {
	now := s.now()
	var out []Alert
	if e, ok := s.scopes.Lookup(scopeName); ok {
		e.Do(func(st *scopeAlerts) {
			for _, a := range st.alerts {
				if a.Active(now) {
					out = append(out, *a)
				}
			}
		})
	}
	slices.Reverse(out)
	return out
}

// Acknowledge marks an alert as handled. It reports whether the alert was
// found.
func (s *Service) Acknowledge(id, action string) bool {
	s.mu.RLock()
	scopeName, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	found := false
	now := s.now()
	s.scopes.Do(scopeName, func(st *scopeAlerts) {
		for _, a := range st.alerts {
			if a.ID == id {
				a.AcknowledgedAt = &now
				a.ActionTaken = action
				found = true
				return
			}
		}
	})
	if found {
		s.logger.Info("alert acknowledged", zap.String("alert_id", id), zap.String("action", action))
	}
	return found
}

// Summary aggregates the alerts of scope raised in the last days.
func (s *Service) Summary(scopeName string, days int) Summary {
	if days <= 0 {
		days = 7
	}
	now := s.now()
	start := now.Add(-time.Duration(days) * 24 * time.Hour)
	sum := Summary{
		Scope: scopeName,
		Start: start,
		End:   now,
		ByPriority: map[Priority]int{
			PriorityCritical: 0, PriorityHigh: 0, PriorityMedium: 0, PriorityLow: 0,
		},
		ByType: make(map[Type]int),
	}
	if e, ok := s.scopes.Lookup(scopeName); ok {
		e.Do(func(st *scopeAlerts) {
			for _, a := range st.alerts {
				if a.CreatedAt.Before(start) {
					continue
				}
				sum.Total++
				sum.ByPriority[a.Priority]++
				sum.ByType[a.Type]++
				if a.AcknowledgedAt != nil {
					sum.AcknowledgedCount++
					if a.ActionTaken != "" {
						sum.RecentActions = append(sum.RecentActions, Action{
							AlertID: a.ID, Action: a.ActionTaken, Timestamp: *a.AcknowledgedAt,
						})
					}
				}
				if a.Active(now) {
					sum.Active = append(sum.Active, *a)
				}
			}
		})
	}
	return sum
}

// anomalyTitle returns the headline for an anomaly type.
func anomalyTitle(t patterns.AnomalyType) string {
	switch t {
	case patterns.CostSpike:
		return "Cost Spike Detected"
	case patterns.CostDrop:
		return "Unusual Cost Drop"
	case patterns.UsageSurge:
		return "Usage Surge Detected"
	case patterns.UsageDrop:
		return "Usage Drop Detected"
	case patterns.LatencySpike:
		return "Latency Spike"
	case patterns.ErrorRateSpike:
		return "Error Rate Spike"
	case patterns.OffHours:
		return "Off-Hours Activity"
	case patterns.Drift, patterns.PlateauBreak:
		return "Trend Break Detected"
	}
	return "Anomaly Detected"
}

func isPremium(model string, premium []string) bool {
	m := strings.ToLower(model)
	for _, p := range premium {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}
