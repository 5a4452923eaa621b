// Package actions runs automatic responses to budget events.
//
// A Manager matches events against rules. An event comes from a guard
// decision, a breaker transition, an alert, or a manual or scheduled call.
// Each matching rule runs at most once per event. A rule also has a
// cooldown and a daily cap. Its actions are submitted to the event queue
// as QueueKind entries, and the queue hands them back to the manager's
// Deliver method. Results are kept in a bounded history and published to
// subscribers.
package actions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/idempotency"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/retry"
)

// QueueKind is the event queue entry kind of action executions.
const QueueKind = "action"

// ErrNoCircuits is returned by breaker actions when no breaker is configured.
var ErrNoCircuits = errors.New("no circuit breaker configured")

var errUnknownAction = errors.New("unknown action type")

// Skip reasons.
const (
	SkippedDuplicate = "duplicate event"
	SkippedCooldown  = "cooldown"
	SkippedDailyCap  = "daily limit reached"
)

// Budgets is the spend ledger actions operate on. *guard.Guard implements
// it.
type Budgets interface {
	Spend(scope string) guard.Spend
	Pause(scope string)
	ResetSpend(scope string)
	AdjustLimit(scope string, delta float64) float64
	Throttle(scope string, delay time.Duration, until time.Time)
}

// Circuits trips and resets scope breakers. *breaker.Breaker implements it.
type Circuits interface {
	Trip(scope string, reason breaker.Reason, detail string) breaker.Status
	Reset(scope, detail string) breaker.Status
}

// Publisher accepts jobs for asynchronous execution. *queue.Queue satisfies
// it.
type Publisher interface {
	Submit(kind string, payload any) (string, error)
}

// Config holds the rule defaults.
type Config struct {
	DefaultCooldown  time.Duration `yaml:"default_cooldown"`
	DefaultMaxPerDay int           `yaml:"default_max_per_day"`

	// DedupeTTL is how long a handled (rule, event) pair is remembered.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`

	HistorySize     int              `yaml:"history_size"`
	DefaultChannels []alerts.Channel `yaml:"default_channels"`
}

// DefaultConfig returns the default action settings.
func DefaultConfig() Config {
	return Config{
		DefaultCooldown:  30 * time.Minute,
		DefaultMaxPerDay: 10,
		DedupeTTL:        24 * time.Hour,
		HistorySize:      1000,
		DefaultChannels:  []alerts.Channel{alerts.ChannelLog},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultCooldown <= 0 {
		c.DefaultCooldown = d.DefaultCooldown
	}
	if c.DefaultMaxPerDay <= 0 {
		c.DefaultMaxPerDay = d.DefaultMaxPerDay
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if len(c.DefaultChannels) == 0 {
		c.DefaultChannels = d.DefaultChannels
	}
}

// Job is the queue payload of one action execution.
type Job struct {
	RuleID string `json:"ruleId"`
	Index  int    `json:"index"`
	Action Definition `json:"action"`
	Event  Event  `json:"event"`
}

type ruleState struct {
	last  time.Time
	day   string
	count int
}

// Manager matches events against rules and executes their actions.
type Manager struct {
	cfg       Config
	budgets   Budgets
	circuits  Circuits
	notifier  alerts.Notifier
	store     idempotency.Store
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	rules atomic.Pointer[[]Rule]

	mu      sync.Mutex
	state   map[string]*ruleState
	history []Result

	subMu   sync.RWMutex
	subs    map[int]func(Result)
	nextSub int

	pending sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithStore sets the store that remembers handled events. The default is
// an in-process store.
func WithStore(st idempotency.Store) Option {
	return func(m *Manager) {
		if st != nil {
			m.store = st
		}
	}
}

// WithPublisher routes executions through a queue. Without one actions run
// inline.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithNotifier sets where notify and escalate alerts are sent. The default
// logs them.
func WithNotifier(n alerts.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithCircuits enables trip_breaker and reset_breaker.
func WithCircuits(c Circuits) Option {
	return func(m *Manager) {
		m.circuits = c
	}
}

// New creates a Manager acting on budgets.
func New(cfg Config, budgets Budgets, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		budgets: budgets,
		logger:  zap.NewNop(),
		now:     time.Now,
		state:   make(map[string]*ruleState),
		subs:    make(map[int]func(Result)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "actions"))
	if m.store == nil {
		m.store = idempotency.NewMemoryStore(m.now)
	}
	if m.notifier == nil {
		m.notifier = alerts.LogNotifier{Logger: m.logger}
	}
	empty := []Rule{}
	m.rules.Store(&empty)
	return m
}

// SetRules validates and installs rules. Run state of rules that keep
// their id is preserved.
func (m *Manager) SetRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate action rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	m.rules.Store(&sorted)

	m.mu.Lock()
	for id := range m.state {
		if !seen[id] {
			delete(m.state, id)
		}
	}
	m.mu.Unlock()
	m.logger.Info("action rules installed", zap.Int("rules", len(sorted)))
	return nil
}

// AddRule installs one more rule, replacing a rule with the same id.
func (m *Manager) AddRule(r Rule) error {
	rules := slices.DeleteFunc(m.Rules(), func(x Rule) bool { return x.ID == r.ID })
	return m.SetRules(append(rules, r))
}

// Rules returns the installed rules, highest priority first.
func (m *Manager) Rules() []Rule {
	return slices.Clone(*m.rules.Load())
}

// Subscribe registers fn for every result and returns a function that
// removes it.
func (m *Manager) Subscribe(fn func(Result)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Handle matches ev against the rules. Actions of matching rules are
// submitted to the queue, or executed inline without one. The returned
// results cover skipped rules, failed submissions and inline executions.
func (m *Manager) Handle(ctx context.Context, ev Event) []Result {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	var results []Result
	for _, r := range *m.rules.Load() {
		if !r.matches(ev) {
			continue
		}

		key := idempotency.Key(r.ID, ev.ID)
		claimed, err := m.store.Claim(ctx, key, m.cfg.DedupeTTL)
		if err != nil {
			results = append(results, m.result(r.ID, ev, "", StatusFailure, "", fmt.Errorf("claim event: %w", err)))
			continue
		}
		if !claimed {
			results = append(results, m.result(r.ID, ev, "", StatusSkipped, SkippedDuplicate, nil))
			continue
		}
		reason, undo := m.admit(r)
		if reason != "" {
			results = append(results, m.result(r.ID, ev, "", StatusSkipped, reason, nil))
			continue
		}

		m.logger.Info("action rule matched",
			zap.String("rule_id", r.ID),
			zap.String("event_id", ev.ID),
			zap.String("scope", ev.Scope),
			zap.String("trigger", string(ev.Trigger)))

		submitFailed := false
		for i, a := range r.Actions {
			job := Job{RuleID: r.ID, Index: i, Action: a, Event: ev}
			if m.publisher == nil {
				res, _ := m.run(ctx, job)
				results = append(results, res)
				continue
			}
			if _, err := m.publisher.Submit(QueueKind, job); err != nil {
				submitFailed = true
				results = append(results, m.result(r.ID, ev, a.Type, StatusFailure, "", fmt.Errorf("submit: %w", err)))
			}
		}
		if submitFailed {
			// The event may be handled again. Actions that were queued are
			// claimed per execution and do not run twice.
			undo()
			if err := m.store.Release(ctx, key); err != nil {
				m.logger.Warn("failed to release event claim",
					zap.String("rule_id", r.ID),
					zap.String("event_id", ev.ID),
					zap.Error(err))
			}
		}
	}
	m.record(results...)
	return results
}

// admit applies the cooldown and daily cap of r and counts the run when it
// may proceed. It returns the skip reason otherwise. undo takes the counted
// run back.
func (m *Manager) admit(r Rule) (reason string, undo func()) {
	cooldown := cmp.Or(r.Cooldown, m.cfg.DefaultCooldown)
	maxPerDay := cmp.Or(r.MaxPerDay, m.cfg.DefaultMaxPerDay)
	now := m.now()
	day := now.Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[r.ID]
	if !ok {
		st = &ruleState{}
		m.state[r.ID] = st
	}
	if st.day != day {
		st.day = day
		st.count = 0
	}
	if !st.last.IsZero() && now.Sub(st.last) < cooldown {
		return SkippedCooldown, nil
	}
	if st.count >= maxPerDay {
		return SkippedDailyCap, nil
	}
	prev := *st
	st.last = now
	st.count++
	return "", func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st.day == prev.day && st.last.Equal(now) {
			st.last = prev.last
			st.count = prev.count
		}
	}
}

// Deliver executes a queued job. It implements queue.Deliverer.
func (m *Manager) Deliver(ctx context.Context, e queue.Entry) error {
	var job Job
	if err := e.Decode(&job); err != nil {
		return retry.MarkPermanent(fmt.Errorf("decode action job: %w", err))
	}

	// A job may be delivered again after it ran, for example when the queue
	// failed to persist its removal.
	key := idempotency.Key(job.RuleID, job.Event.ID, strconv.Itoa(job.Index), "exec")
	claimed, err := m.store.Claim(ctx, key, m.cfg.DedupeTTL)
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if !claimed {
		m.record(m.result(job.RuleID, job.Event, job.Action.Type, StatusSkipped, SkippedDuplicate, nil))
		return nil
	}

	res, err := m.run(ctx, job)
	m.record(res)
	if err != nil {
		if rerr := m.store.Release(ctx, key); rerr != nil {
			m.logger.Warn("failed to release execution claim",
				zap.String("rule_id", job.RuleID),
				zap.String("event_id", job.Event.ID),
				zap.Error(rerr))
		}
	}
	if errors.Is(err, ErrNoCircuits) || errors.Is(err, errUnknownAction) {
		return retry.MarkPermanent(err)
	}
	return err
}

func (m *Manager) run(ctx context.Context, job Job) (Result, error) {
	start := m.now()
	msg, err := m.execute(ctx, job)
	res := m.result(job.RuleID, job.Event, job.Action.Type, StatusSuccess, msg, err)
	if err != nil {
		res.Status = StatusFailure
		m.logger.Warn("action failed",
			zap.String("rule_id", job.RuleID),
			zap.String("action", string(job.Action.Type)),
			zap.String("scope", job.Event.Scope),
			zap.Error(err))
	}
	res.Duration = m.now().Sub(start)
	return res, err
}

func (m *Manager) execute(ctx context.Context, job Job) (string, error) {
	a, ev := job.Action, job.Event
	switch a.Type {
	case Notify, Escalate:
		alert := m.alert(job)
		if err := m.notifier.Notify(ctx, alert); err != nil {
			return "", err
		}
		if a.Type == Escalate {
			return fmt.Sprintf("escalated to %s", strings.Join(a.Recipients, ", ")), nil
		}
		return fmt.Sprintf("notified via %s", joinChannels(alert.Channels)), nil

	case Throttle:
		until := m.now().Add(a.Duration)
		m.budgets.Throttle(ev.Scope, a.Delay, until)
		return fmt.Sprintf("throttled by %s until %s", a.Delay, until.Format(time.RFC3339)), nil

	case DisableScope:
		m.budgets.Pause(ev.Scope)
		return "scope paused", nil

	case AdjustBudget:
		delta := a.Amount
		if a.Percentage != 0 {
			delta = m.budgets.Spend(ev.Scope).Limit * a.Percentage / 100
		}
		limit := m.budgets.AdjustLimit(ev.Scope, delta)
		return fmt.Sprintf("limit adjusted by %.2f to %.2f", delta, limit), nil

	case ResetSpend:
		m.budgets.ResetSpend(ev.Scope)
		return "spend reset", nil

	case TripBreaker:
		if m.circuits == nil {
			return "", ErrNoCircuits
		}
		reason := breaker.ReasonManual
		if a.Reason != "" {
			reason = breaker.Reason(a.Reason)
		}
		st := m.circuits.Trip(ev.Scope, reason, fmt.Sprintf("action rule %s", job.RuleID))
		return fmt.Sprintf("breaker %s", st.State), nil

	case ResetBreaker:
		if m.circuits == nil {
			return "", ErrNoCircuits
		}
		st := m.circuits.Reset(ev.Scope, fmt.Sprintf("action rule %s", job.RuleID))
		return fmt.Sprintf("breaker %s", st.State), nil
	}
	return "", fmt.Errorf("%w %q", errUnknownAction, a.Type)
}

const (
	notifyTemplate   = "Budget alert: {scope} is at {utilization}% utilization ({currentSpend} of {limit}), triggered by {trigger}"
	escalateTemplate = "ESCALATION: scope {scope} requires attention. Utilization: {utilization}%"
)

func (m *Manager) alert(job Job) alerts.Alert {
	a, ev := job.Action, job.Event
	now := m.now()

	priority, title, tpl := alerts.PriorityHigh, "Budget action: "+ev.Scope, notifyTemplate
	if a.Type == Escalate {
		priority, title, tpl = alerts.PriorityCritical, "Escalation: "+ev.Scope, escalateTemplate
	}
	if a.Priority != "" {
		priority = a.Priority
	}
	if a.Message != "" {
		tpl = a.Message
	}
	channels := a.Channels
	if len(channels) == 0 {
		channels = m.cfg.DefaultChannels
	}

	details := map[string]any{
		"eventId":      ev.ID,
		"trigger":      string(ev.Trigger),
		"currentSpend": ev.CurrentSpend,
		"limit":        ev.Limit,
		"utilization":  ev.Utilization,
	}
	if len(a.Recipients) > 0 {
		details["recipients"] = a.Recipients
	}

	return alerts.Alert{
		ID:          "act-" + idempotency.Key(job.RuleID, ev.ID, strconv.Itoa(job.Index))[:16],
		Type:        alertType(ev.Trigger),
		Priority:    priority,
		Scope:       ev.Scope,
		Title:       title,
		Message:     Format(tpl, ev),
		Details:     details,
		Channels:    slices.Clone(channels),
		Source:      job.RuleID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
		ActionTaken: string(a.Type),
	}
}

func alertType(t Trigger) alerts.Type {
	switch t {
	case AnomalyDetected:
		return alerts.TypeAnomalyDetected
	case ForecastWarning:
		return alerts.TypeBudgetForecastExceed
	}
	return alerts.TypeBudgetUtilization
}

func joinChannels(chs []alerts.Channel) string {
	s := make([]string, len(chs))
	for i, c := range chs {
		s[i] = string(c)
	}
	return strings.Join(s, ", ")
}

// Format replaces the event placeholders of tpl.
func Format(tpl string, ev Event) string {
	return strings.NewReplacer(
		"{scope}", ev.Scope,
		"{currentSpend}", strconv.FormatFloat(ev.CurrentSpend, 'f', 2, 64),
		"{limit}", strconv.FormatFloat(ev.Limit, 'f', 2, 64),
		"{utilization}", strconv.FormatFloat(ev.Utilization, 'f', 1, 64),
		"{trigger}", string(ev.Trigger),
		"{severity}", ev.Severity,
		"{reason}", ev.Reason,
	).Replace(tpl)
}

func (m *Manager) result(ruleID string, ev Event, t Type, status Status, msg string, err error) Result {
	r := Result{
		RuleID:     ruleID,
		EventID:    ev.ID,
		Scope:      ev.Scope,
		Trigger:    ev.Trigger,
		Action:     t,
		Status:     status,
		Message:    msg,
		ExecutedAt: m.now(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (m *Manager) record(results ...Result) {
	if len(results) == 0 {
		return
	}
	m.mu.Lock()
	m.history = append(m.history, results...)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.mu.Unlock()

	m.subMu.RLock()
	fns := make([]func(Result), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, r := range results {
		for _, fn := range fns {
			fn(r)
		}
	}
}

// History returns up to limit of the most recent results, oldest first.
// A limit of zero returns all kept results.
func (m *Manager) History(limit int) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h)
}

// RuleHistory returns the kept results of one rule.
func (m *Manager) RuleHistory(id string) []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Result
	for _, r := range m.history {
		if r.RuleID == id {
			out = append(out, r)
		}
	}
	return out
}
