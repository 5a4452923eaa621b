// Package scheduler runs time-based budget tasks: spend resets at billing
// period boundaries, temporary limit overrides, limit adjustments,
// pause/resume, forced re-evaluation and reports.
//
// Run times come from robfig/cron schedules. Every run is keyed by the
// billing period it belongs to and claimed in a Ledger first, so a task that
// is triggered twice for the same period (a restart, a missed tick followed
// by RunNow) applies once.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mercator-hq/costguard/pkg/guard"
)

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskRunning is returned by RunNow while the task is executing.
	ErrTaskRunning = errors.New("task is already running")
)

// Budgets is the spend ledger tasks operate on. *guard.Guard implements it.
type Budgets interface {
	Spend(scope string) guard.Spend
	Scopes() []string
	ResetSpend(scope string)
	SetLimit(scope string, limit float64)
	AdjustLimit(scope string, delta float64) float64
	Override(scope string, limit float64, until time.Time)
	Pause(scope string)
	Resume(scope string)
}

// Config holds scheduler settings.
type Config struct {
	Disabled bool `yaml:"disabled"`

	// CheckInterval is how often due tasks are looked for.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxConcurrent bounds the tasks executing at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// DisableRetry reschedules a failed task normally instead of retrying.
	DisableRetry bool          `yaml:"disable_retry"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`

	// Timezone is the default for schedules that name none.
	Timezone string `yaml:"timezone"`

	// HistorySize bounds the kept results.
	HistorySize int `yaml:"history_size"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Minute,
		MaxConcurrent: 5,
		MaxRetries:    3,
		RetryDelay:    5 * time.Minute,
		Timezone:      "UTC",
		HistorySize:   1000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
}

// entry is the run state of one task. Guarded by Scheduler.mu.
type entry struct {
	task  Task
	sched cron.Schedule
	loc   *time.Location

	enabled  bool
	running  bool
	removed  bool
	next     time.Time
	due      time.Time
	lastRun  time.Time
	runs     int
	failures int
	last     []Result
}

func (e *entry) status() TaskStatus {
	return TaskStatus{
		Task:     e.task,
		Enabled:  e.enabled,
		Running:  e.running,
		NextRun:  e.next,
		LastRun:  e.lastRun,
		Runs:     e.runs,
		Failures: e.failures,
		Last:     slices.Clone(e.last),
	}
}

// Scheduler executes tasks against a Budgets ledger. It is safe for
// concurrent use.
type Scheduler struct {
	cfg        Config
	loc        *time.Location
	budgets    Budgets
	ledger     Ledger
	reevaluate func(ctx context.Context, scope string) error
	report     func(ctx context.Context, scope string, t Task) error
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	tasks   map[string]*entry
	history []Result
	subs    map[int]func(Result)
	nextSub int

	runMu sync.Mutex
	cron  *cron.Cron
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLedger sets the period ledger. The default is a MemoryLedger.
func WithLedger(l Ledger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.ledger = l
		}
	}
}

// WithReevaluator sets the function run by reevaluate tasks.
func WithReevaluator(fn func(ctx context.Context, scope string) error) Option {
	return func(s *Scheduler) {
		s.reevaluate = fn
	}
}

// WithReporter sets the function run by report tasks. Without one, reports
// are only logged.
func WithReporter(fn func(ctx context.Context, scope string, t Task) error) Option {
	return func(s *Scheduler) {
		s.report = fn
	}
}

// New creates a Scheduler.
func New(cfg Config, budgets Budgets, opts ...Option) (*Scheduler, error) {
	cfg.applyDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}
	s := &Scheduler{
		cfg:     cfg,
		loc:     loc,
		budgets: budgets,
		ledger:  NewMemoryLedger(),
		logger:  zap.NewNop(),
		now:     time.Now,
		tasks:   make(map[string]*entry),
		subs:    make(map[int]func(Result)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s, nil
}

// Subscribe registers fn for every task result. The returned function
// unsubscribes.
func (s *Scheduler) Subscribe(fn func(Result)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) newEntry(t Task, now time.Time) (*entry, error) {
	sched, loc, err := t.Schedule.compile(s.loc)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.ID, err)
	}
	e := &entry{task: t, sched: sched, loc: loc, enabled: !t.Disabled}
	if t.Schedule.Type == Once {
		e.next = t.Schedule.At
	} else {
		e.next = sched.Next(now.In(loc))
	}
	e.due = e.next
	return e, nil
}

// Add validates and schedules t. An empty ID is assigned.
func (s *Scheduler) Add(t Task) (TaskStatus, error) {
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()
	}
	if err := t.Validate(); err != nil {
		return TaskStatus{}, err
	}
	e, err := s.newEntry(t, s.now())
	if err != nil {
		return TaskStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return TaskStatus{}, fmt.Errorf("duplicate task id %q", t.ID)
	}
	s.tasks[t.ID] = e
	s.logger.Info("task scheduled",
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("scope", t.Scope),
		zap.Time("next_run", e.next))
	return e.status(), nil
}

// Update replaces the definition of an existing task and recomputes its
// next run. Run counts are kept.
func (s *Scheduler) Update(t Task) (TaskStatus, error) {
	if err := t.Validate(); err != nil {
		return TaskStatus{}, err
	}
	fresh, err := s.newEntry(t, s.now())
	if err != nil {
		return TaskStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[t.ID]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	e.task, e.sched, e.loc = t, fresh.sched, fresh.loc
	e.next, e.due = fresh.next, fresh.due
	e.enabled = !t.Disabled && (t.MaxRuns == 0 || e.runs < t.MaxRuns)
	return e.status(), nil
}

// Replace installs tasks as the complete task set, as on a configuration
// reload. Tasks whose definition is unchanged keep their run state; tasks
// no longer present are removed. Every task must carry an ID.
func (s *Scheduler) Replace(tasks []Task) error {
	now := s.now()
	fresh := make(map[string]*entry, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task %q: id is required", t.Name)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := fresh[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		e, err := s.newEntry(t, now)
		if err != nil {
			return err
		}
		fresh[t.ID] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.tasks {
		if e, ok := fresh[id]; ok && reflect.DeepEqual(e.task, old.task) {
			fresh[id] = old
			continue
		}
		old.removed = true
	}
	s.tasks = fresh
	s.logger.Info("task set replaced", zap.Int("tasks", len(fresh)))
	return nil
}

// Remove deletes a task. A run in progress finishes; no further runs
// happen.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return false
	}
	e.removed = true
	delete(s.tasks, id)
	return true
}

// Task returns the state of one task.
func (s *Scheduler) Task(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, false
	}
	return e.status(), true
}

// Tasks returns every task ordered by id. A non-empty scope filters.
func (s *Scheduler) Tasks(scope string) []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		if scope == "" || e.task.Scope == scope {
			out = append(out, e.status())
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskStatus) int { return cmp.Compare(a.Task.ID, b.Task.ID) })
	return out
}

func (s *Scheduler) pending(now time.Time) []*entry {
	var due []*entry
	for _, e := range s.tasks {
		if e.enabled && !e.running && !e.next.IsZero() && !e.next.After(now) {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b *entry) int {
		if c := a.next.Compare(b.next); c != 0 {
			return c
		}
		return cmp.Compare(a.task.ID, b.task.ID)
	})
	return due
}

// Tick executes the tasks that are due, at most MaxConcurrent at a time
// including runs already in progress, and waits for them. It returns the
// number of tasks executed.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	busy := 0
	for _, e := range s.tasks {
		if e.running {
			busy++
		}
	}
	due := s.pending(now)
	if free := s.cfg.MaxConcurrent - busy; len(due) > free {
		due = due[:max(0, free)]
	}
	type run struct {
		e    *entry
		task Task
		at   time.Time
	}
	runs := make([]run, len(due))
	for i, e := range due {
		e.running = true
		runs[i] = run{e: e, task: e.task, at: e.due}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, r := range runs {
		g.Go(func() error {
			s.execute(ctx, r.e, r.task, r.at)
			return nil
		})
	}
	_ = g.Wait()
	return len(runs)
}

// RunNow executes a task immediately for the period containing the current
// time and returns its results. It does not change the regular schedule
// except through MaxRuns and failure handling.
func (s *Scheduler) RunNow(ctx context.Context, id string) ([]Result, error) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if e.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	e.running = true
	task := e.task
	s.mu.Unlock()

	return s.execute(ctx, e, task, s.now()), nil
}

func (s *Scheduler) execute(ctx context.Context, e *entry, task Task, at time.Time) []Result {
	period := task.Schedule.period(at, e.loc)
	scopes := []string{task.Scope}
	if task.Scope == AllScopes {
		scopes = s.budgets.Scopes()
	}

	s.logger.Info("executing scheduled task",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("period", period),
		zap.Int("scopes", len(scopes)))

	results := make([]Result, 0, len(scopes))
	failed, applied := false, false
	for _, sc := range scopes {
		r := s.apply(ctx, task, sc, period)
		failed = failed || !r.Success
		applied = applied || (r.Success && !r.Skipped)
		results = append(results, r)
	}

	now := s.now()
	s.mu.Lock()
	e.running = false
	e.last = results
	switch {
	case e.removed:
	case failed:
		e.failures++
		switch {
		case e.failures >= s.cfg.MaxRetries:
			e.enabled = false
			s.logger.Warn("task disabled after repeated failures",
				zap.String("task_id", task.ID),
				zap.Int("failures", e.failures))
		case !s.cfg.DisableRetry:
			e.next = now.Add(s.cfg.RetryDelay)
		default:
			e.next = e.sched.Next(now.In(e.loc))
			e.due = e.next
		}
	default:
		e.failures = 0
		if applied {
			e.runs++
			e.lastRun = now
		}
		e.next = e.sched.Next(now.In(e.loc))
		e.due = e.next
		if task.MaxRuns > 0 && e.runs >= task.MaxRuns {
			e.enabled = false
			s.logger.Info("task disabled, max runs reached", zap.String("task_id", task.ID))
		}
		if e.next.IsZero() {
			delete(s.tasks, task.ID)
			e.removed = true
		}
	}
	s.history = append(s.history, results...)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	subs := make([]func(Result), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, r := range results {
		for _, fn := range subs {
			fn(r)
		}
	}
	return results
}

func (s *Scheduler) apply(ctx context.Context, task Task, scopeName, period string) Result {
	start := s.now()
	r := Result{
		TaskID:     task.ID,
		Scope:      scopeName,
		Kind:       task.Kind,
		Period:     period,
		ExecutedAt: start,
	}
	fail := func(err error) Result {
		r.Message = "task failed: " + err.Error()
		r.Error = err.Error()
		r.Duration = s.now().Sub(start)
		s.logger.Error("scheduled task failed",
			zap.String("task_id", task.ID),
			zap.String("scope", scopeName),
			zap.Error(err))
		return r
	}

	key := ledgerKey(task.ID, scopeName, period)
	claimed, err := s.ledger.Claim(ctx, key, start)
	if err != nil {
		return fail(fmt.Errorf("claim period %s: %w", period, err))
	}
	if !claimed {
		r.Success, r.Skipped = true, true
		r.Message = fmt.Sprintf("already applied for period %s", period)
		s.logger.Debug("scheduled task skipped",
			zap.String("task_id", task.ID),
			zap.String("scope", scopeName),
			zap.String("period", period))
		return r
	}

	prev, next, err := s.perform(ctx, task, scopeName, start)
	if err != nil {
		if rerr := s.ledger.Release(ctx, key); rerr != nil {
			s.logger.Warn("failed to release period claim", zap.String("key", key), zap.Error(rerr))
		}
		return fail(err)
	}
	r.Success = true
	r.Previous, r.New = prev, next
	r.Message = fmt.Sprintf("executed %s", task.Kind)
	r.Duration = s.now().Sub(start)
	return r
}

func (s *Scheduler) perform(ctx context.Context, task Task, scopeName string, now time.Time) (prev, next any, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	spend := s.budgets.Spend(scopeName)
	p := task.Params

	switch task.Kind {
	case ResetSpend:
		s.budgets.ResetSpend(scopeName)
		return spend.Spent, 0.0, nil

	case SetLimit:
		s.budgets.SetLimit(scopeName, p.Amount)
		return spend.BaseLimit, p.Amount, nil

	case IncreaseLimit, DecreaseLimit:
		delta := p.Amount
		if p.Percentage > 0 {
			delta = spend.BaseLimit * p.Percentage / 100
		}
		if task.Kind == DecreaseLimit {
			delta = -delta
		}
		return spend.BaseLimit, s.budgets.AdjustLimit(scopeName, delta), nil

	case Override:
		s.budgets.Override(scopeName, p.Amount, now.Add(p.Duration))
		return spend.Limit, p.Amount, nil

	case Pause:
		s.budgets.Pause(scopeName)
		return spend.Paused, true, nil

	case Resume:
		s.budgets.Resume(scopeName)
		return spend.Paused, false, nil

	case Reevaluate:
		if s.reevaluate == nil {
			return nil, nil, errors.New("no re-evaluator configured")
		}
		return nil, nil, s.reevaluate(ctx, scopeName)

	case Report:
		if s.report == nil {
			s.logger.Info("budget report",
				zap.String("scope", scopeName),
				zap.Float64("spent", spend.Spent),
				zap.Float64("limit", spend.Limit),
				zap.Strings("recipients", p.Recipients))
			return nil, nil, nil
		}
		return nil, p.Recipients, s.report(ctx, scopeName, task)
	}
	return nil, nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

// History returns up to limit of the most recent results, oldest first.
// A non-positive limit returns all kept results.
func (s *Scheduler) History(limit int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return slices.Clone(h)
}

// TaskHistory returns the kept results of one task.
func (s *Scheduler) TaskHistory(id string) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, r := range s.history {
		if r.TaskID == id {
			out = append(out, r)
		}
	}
	return out
}

// Summary reports the scheduler state.
func (s *Scheduler) Summary() Summary {
	s.runMu.Lock()
	running := s.cron != nil
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{
		Enabled:      !s.cfg.Disabled,
		Running:      running,
		Tasks:        len(s.tasks),
		PendingTasks: len(s.pending(s.now())),
	}
	for _, e := range s.tasks {
		if e.running {
			sum.RunningTasks++
		}
	}
	return sum
}

// Start runs Tick every CheckInterval on a cron runner until ctx is done or
// Stop is called. It is a no-op when the scheduler is disabled or already
// running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cfg.Disabled {
		s.logger.Info("scheduler is disabled")
		return nil
	}
	if s.cron != nil {
		s.logger.Warn("scheduler already running")
		return nil
	}

	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.cfg.CheckInterval), cron.FuncJob(func() {
		s.Tick(ctx)
	}))
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", zap.Duration("check_interval", s.cfg.CheckInterval))

	go s.Tick(ctx)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the runner and waits for a tick in progress to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
