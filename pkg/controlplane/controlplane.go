package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/analyzer"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/idempotency"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/scope"
	"mercator-hq/costguard/pkg/storage"
	"mercator-hq/costguard/pkg/telemetry/health"
	"mercator-hq/costguard/pkg/telemetry/metrics"
	"mercator-hq/costguard/pkg/telemetry/tracing"
	"mercator-hq/costguard/pkg/usage"
)

const (
	// ReservationTTL is how long a reservation made by Evaluate waits for
	// its usage record before it is released.
	ReservationTTL = 15 * time.Minute

	// HistoryDays is how much closed-window history is kept per scope for
	// forecasting.
	HistoryDays = 30

	// MemoryRecordLimit caps the records kept per scope when storage is
	// disabled.
	MemoryRecordLimit = 50000

	recentVectors       = 12
	queueStatsInterval  = 15 * time.Second
	maintenanceInterval = time.Hour
	sweepInterval       = time.Minute
)

// ErrUnknownScope is returned for scopes the control plane has never seen.
var ErrUnknownScope = errors.New("unknown scope")

// ErrUnsupportedPeriod is returned by Forecast for an unknown bucket size.
var ErrUnsupportedPeriod = errors.New("unsupported forecast period")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("control plane already started")

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithLogger sets the logger passed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(cp *ControlPlane) {
		if l != nil {
			cp.root = l
		}
	}
}

// WithMetrics sets the metrics collector. By default one is created from
// the telemetry configuration on a private registry.
func WithMetrics(m *metrics.Collector) Option {
	return func(cp *ControlPlane) {
		if m != nil {
			cp.metrics = m
		}
	}
}

// WithTracerProvider sets the tracer provider used for guard evaluation,
// routing, queue delivery and ingestion spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cp *ControlPlane) {
		if tp != nil {
			cp.tp = tp
		}
	}
}

// WithClock replaces time.Now in every component. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(cp *ControlPlane) {
		if now != nil {
			cp.now = now
		}
	}
}

// ControlPlane owns the costguard components and the flows between them.
type ControlPlane struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	root    *zap.Logger
	logger  *zap.Logger
	metrics *metrics.Collector
	tp      trace.TracerProvider
	tracer  trace.Tracer
	now     func() time.Time

	validator atomic.Pointer[usage.Validator]
	calc      *costs.Calculator

	store     *storage.Store
	cooldowns idempotency.Store
	dedupe    idempotency.Store
	redis     *idempotency.RedisStore
	records   *recordBuffer

	extractor  *features.Extractor
	detector   *patterns.Detector
	forecaster *forecast.Forecaster
	history    *scope.Registry[[]features.Vector]
	maxHistory int

	breaker      *breaker.Breaker
	guard        *guard.Guard
	reservations *reservations

	queue      *queue.Queue
	mux        *queue.Mux
	dispatcher *alerts.Dispatcher
	alerts     *alerts.Service
	actions    *actions.Manager
	scheduler  *scheduler.Scheduler

	router    *routing.Router
	analyzer  *analyzer.Analyzer
	optimizer *optimization.Engine

	health *health.Checker

	closers []func() error
	unsubs  []func()

	runMu        sync.Mutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New builds every component from cfg and wires them together. Budgets
// persisted by a previous run are restored before configured budgets are
// applied. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*ControlPlane, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	cp := &ControlPlane{
		cfg:          cfg,
		root:         zap.NewNop(),
		tp:           noop.NewTracerProvider(),
		now:          time.Now,
		reservations: newReservations(),
	}
	for _, opt := range opts {
		opt(cp)
	}
	cp.logger = cp.root.With(zap.String("component", "controlplane"))
	cp.tracer = cp.tp.Tracer(tracing.InstrumentationName)
	if cp.metrics == nil {
		cp.metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
	}

	steps := []struct {
		name string
		fn   func(context.Context, *config.Config) error
	}{
		{"storage", cp.openStores},
		{"pipeline", cp.buildPipeline},
		{"enforcement", cp.buildEnforcement},
		{"delivery", cp.buildDelivery},
		{"scheduler", cp.buildScheduler},
		{"optimization", cp.buildOptimization},
		{"budgets", cp.restoreBudgets},
	}
	for _, step := range steps {
		if err := step.fn(ctx, cfg); err != nil {
			_ = cp.close()
			return nil, fmt.Errorf("failed to build %s: %w", step.name, err)
		}
	}
	cp.wire()
	cp.registerChecks()

	cp.logger.Info("control plane ready",
		zap.Bool("storage", cp.store != nil),
		zap.Bool("redis", cp.redis != nil),
		zap.Int("budgets", len(cfg.Guard.Budgets)),
		zap.Duration("window", cp.extractor.Window()))
	return cp, nil
}

func (cp *ControlPlane) openStores(ctx context.Context, cfg *config.Config) error {
	cp.validator.Store(usage.NewValidator(cfg.Ingest.Build()))
	cp.calc = costs.NewCalculator(cfg.PricingTable(),
		costs.WithLogger(cp.root),
		costs.WithUnknownModelHook(cp.metrics.ObserveUnknownModel))

	if cfg.Storage.Disabled {
		cp.records = newRecordBuffer(MemoryRecordLimit)
	} else {
		st, err := storage.Open(cfg.Storage.Build(), storage.WithLogger(cp.root), storage.WithClock(cp.now))
		if err != nil {
			return err
		}
		cp.store = st
		cp.closers = append(cp.closers, st.Close)
	}

	if !cfg.Redis.Enabled {
		cp.cooldowns = idempotency.NewMemoryStore(cp.now)
		cp.dedupe = idempotency.NewMemoryStore(cp.now)
		return nil
	}
	rs, err := idempotency.NewRedisStore(ctx, cfg.Redis.Build("alerts:"), cp.root)
	if err != nil {
		return err
	}
	cp.redis = rs
	cp.cooldowns = rs
	cp.closers = append(cp.closers, rs.Close)

	// Shares the connection pool; closing it leaves the client open.
	dedupe := idempotency.NewRedisStoreFromClient(rs.Client(), cfg.Redis.Prefix+"actions:", cp.root)
	cp.dedupe = dedupe
	cp.closers = append(cp.closers, dedupe.Close)
	return nil
}

func (cp *ControlPlane) buildPipeline(_ context.Context, cfg *config.Config) error {
	loc := cfg.Location()
	cp.extractor = features.NewExtractor(cfg.Features.Build(loc),
		features.WithSink(cp.onWindow),
		features.WithLogger(cp.root))
	cp.detector = patterns.NewDetector(cfg.Patterns.Build(), patterns.WithLogger(cp.root))
	cp.forecaster = forecast.NewForecaster(cfg.Forecast.Build(loc),
		forecast.WithLogger(cp.root),
		forecast.WithClock(cp.now))

	cp.history = scope.NewRegistry(func(string) []features.Vector { return nil })
	cp.maxHistory = max(1, int(HistoryDays*24*time.Hour/cp.extractor.Window()))
	return nil
}

func (cp *ControlPlane) buildEnforcement(_ context.Context, cfg *config.Config) error {
	cp.breaker = breaker.New(cfg.Breaker.Build(),
		breaker.WithLogger(cp.root),
		breaker.WithClock(cp.now))
	cp.guard = guard.New(cfg.Guard.Build(),
		guard.WithLogger(cp.root),
		guard.WithClock(cp.now),
		guard.WithBreaker(cp.breaker),
		guard.WithTracerProvider(cp.tp))
	return cp.guard.ReplaceRules(cfg.Guard.RuleBook())
}

func (cp *ControlPlane) buildDelivery(_ context.Context, cfg *config.Config) error {
	cp.dispatcher = alerts.NewDispatcher(cp.root)
	cp.registerNotifiers(cfg)

	cp.mux = queue.NewMux()
	q, err := queue.New(cfg.Queue.Build(), cp.mux,
		queue.WithLogger(cp.root),
		queue.WithClock(cp.now),
		queue.WithTracerProvider(cp.tp),
		queue.OnQueueFull(cp.metrics.ObserveQueueFull),
		queue.OnEventProcessed(cp.metrics.ObserveDelivered),
		queue.OnEventFailed(cp.metrics.ObserveDeliveryFailed))
	if err != nil {
		return err
	}
	cp.queue = q
	cp.closers = append(cp.closers, q.Close)

	cp.alerts = alerts.NewService(cfg.Alerts.Build(),
		alerts.WithLogger(cp.root),
		alerts.WithClock(cp.now),
		alerts.WithCooldownStore(cp.cooldowns),
		alerts.WithPublisher(q),
		alerts.OnSuppressed(cp.metrics.ObserveSuppressed))
	if err := cp.alerts.SetRules(cfg.Alerts.Rules); err != nil {
		return fmt.Errorf("alert rules: %w", err)
	}

	cp.actions = actions.New(cfg.Actions.Build(), cp.guard,
		actions.WithLogger(cp.root),
		actions.WithClock(cp.now),
		actions.WithStore(cp.dedupe),
		actions.WithPublisher(q),
		actions.WithNotifier(alerts.NotifierFunc(cp.enqueueAlert)),
		actions.WithCircuits(cp.breaker))
	if err := cp.actions.SetRules(cfg.Actions.Rules); err != nil {
		return fmt.Errorf("action rules: %w", err)
	}

	cp.mux.Handle(alerts.QueueKind, cp.dispatcher)
	cp.mux.Handle(actions.QueueKind, cp.actions)
	return nil
}

// registerNotifiers (re)binds the notification channels. Channels without
// a URL fall back to the log so queued deliveries never dead-letter for a
// missing notifier.
func (cp *ControlPlane) registerNotifiers(cfg *config.Config) {
	logN := alerts.LogNotifier{Logger: cp.root.With(zap.String("component", "alerts.log"))}
	cp.dispatcher.Register(alerts.ChannelLog, logN)
	cp.dispatcher.Register(alerts.ChannelInApp, alerts.NotifierFunc(func(context.Context, alerts.Alert) error {
		// Active alerts are served from the alert service.
		return nil
	}))

	if url := cfg.Alerts.Webhook.URL; url != "" {
		cp.dispatcher.Register(alerts.ChannelWebhook, alerts.NewWebhookNotifier(url, cfg.Alerts.Webhook.Retry, cp.root))
	} else {
		cp.dispatcher.Register(alerts.ChannelWebhook, logN)
	}
	if url := cfg.Alerts.Slack.URL; url != "" {
		cp.dispatcher.Register(alerts.ChannelSlack, alerts.NewSlackNotifier(url, cfg.Alerts.Slack.Retry, cp.root))
	} else {
		cp.dispatcher.Register(alerts.ChannelSlack, logN)
	}
}

// enqueueAlert queues one delivery per channel of an alert raised by an
// action.
func (cp *ControlPlane) enqueueAlert(_ context.Context, a alerts.Alert) error {
	channels := a.Channels
	if len(channels) == 0 {
		channels = []alerts.Channel{alerts.ChannelLog}
	}
	var errs []error
	for _, ch := range channels {
		if _, err := cp.queue.Submit(alerts.QueueKind, alerts.Delivery{Alert: a, Channel: ch}); err != nil {
			errs = append(errs, fmt.Errorf("queue %s delivery: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (cp *ControlPlane) buildScheduler(_ context.Context, cfg *config.Config) error {
	var ledger scheduler.Ledger = scheduler.NewMemoryLedger()
	if cp.store != nil {
		ledger = cp.store
	}
	s, err := scheduler.New(cfg.Scheduler.Build(cfg.Timezone), cp.guard,
		scheduler.WithLogger(cp.root),
		scheduler.WithClock(cp.now),
		scheduler.WithLedger(ledger),
		scheduler.WithReevaluator(cp.reevaluate),
		scheduler.WithReporter(cp.report))
	if err != nil {
		return err
	}
	cp.scheduler = s
	return s.Replace(cfg.Scheduler.Tasks)
}

func (cp *ControlPlane) buildOptimization(_ context.Context, cfg *config.Config) error {
	cp.router = routing.New(cfg.Routing.Build(), cp.calc,
		routing.WithLogger(cp.root),
		routing.WithClock(cp.now),
		routing.WithTracerProvider(cp.tp))
	if err := cp.router.SetRules(cfg.Routing.Rules); err != nil {
		return fmt.Errorf("routing rules: %w", err)
	}
	cp.analyzer = analyzer.New(cfg.Analyzer.Build(cfg.Location()), cp.calc, analyzer.WithLogger(cp.root))

	var src optimization.Source = cp.records
	if cp.store != nil {
		src = cp.store
	}
	cp.optimizer = optimization.New(cfg.Optimization, cp.calc, cp.analyzer, cp.router, src,
		optimization.WithLogger(cp.root),
		optimization.WithClock(cp.now),
		optimization.WithProjections(cp.forecaster))
	return nil
}

// restoreBudgets loads persisted ledgers, then sets the configured limit of
// every scope that had none stored. Limits adjusted at runtime survive a
// restart this way.
func (cp *ControlPlane) restoreBudgets(ctx context.Context, cfg *config.Config) error {
	restored := make(map[string]bool)
	if cp.store != nil {
		n, err := cp.store.Restore(ctx, cp.guard)
		if err != nil {
			return err
		}
		for _, s := range cp.guard.Scopes() {
			restored[s] = true
		}
		if n > 0 {
			cp.logger.Info("budgets restored", zap.Int("scopes", n))
		}
	}
	for name, limit := range cfg.Guard.Budgets {
		if !restored[name] {
			cp.guard.SetLimit(name, limit)
		}
	}
	return nil
}

func (cp *ControlPlane) wire() {
	cp.unsubs = append(cp.unsubs,
		cp.guard.Subscribe(func(d guard.Decision) {
			cp.metrics.ObserveDecision(d)
			if cp.store != nil {
				cp.store.AuditDecision(d)
			}
			cp.actions.OnDecision(d)
		}),
		cp.breaker.OnStateChange(func(e breaker.Event) {
			cp.metrics.ObserveCircuitEvent(e)
			cp.actions.OnCircuitEvent(e)
		}),
		cp.alerts.Subscribe(func(a alerts.Alert) {
			cp.metrics.ObserveAlert(a)
			cp.actions.OnAlert(a)
		}),
		cp.scheduler.Subscribe(func(r scheduler.Result) {
			cp.metrics.ObserveTaskResult(r)
			cp.actions.OnTaskResult(r)
		}),
		cp.actions.Subscribe(cp.metrics.ObserveActionResult),
	)
}

func (cp *ControlPlane) registerChecks() {
	cp.health = health.New(cp.config().Telemetry.Health.CheckTimeout)
	if cp.store != nil {
		cp.health.Register("storage", cp.store.Ping)
	}
	if cp.redis != nil {
		cp.health.RegisterOptional("redis", cp.redis.Ping)
	}
	cp.health.RegisterOptional("queue", cp.checkQueue)
}

func (cp *ControlPlane) checkQueue(context.Context) error {
	st := cp.queue.Stats()
	if limit := cp.config().Queue.MaxQueueSize; limit > 0 && st.QueuedCount >= limit {
		return fmt.Errorf("%w: %d entries pending", queue.ErrQueueFull, st.QueuedCount)
	}
	return nil
}

// Start launches the delivery queue, the scheduler and the periodic loops:
// window flushing, forecast refresh, budget snapshots, reservation expiry,
// storage maintenance and queue gauges.
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.runMu.Lock()
	defer cp.runMu.Unlock()
	if cp.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)

	cp.queue.Start(ctx)
	if err := cp.scheduler.Start(ctx); err != nil {
		cancel()
		cp.queue.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	cp.cancel = cancel

	cfg := cp.config()
	cp.every(ctx, "flush", min(time.Minute, cp.extractor.Window()), cp.flush)
	cp.every(ctx, "forecast", cfg.Forecast.RecomputeInterval, cp.refreshAll)
	cp.every(ctx, "reservations", sweepInterval, cp.expireReservations)
	cp.every(ctx, "maintenance", maintenanceInterval, cp.maintain)
	cp.every(ctx, "queue-stats", queueStatsInterval, func(context.Context) {
		cp.metrics.SetQueueStats(cp.queue.Stats())
	})
	if cp.store != nil {
		cp.every(ctx, "snapshot", cfg.Storage.SnapshotInterval, cp.snapshot)
	}

	cp.logger.Info("control plane started")
	return nil
}

func (cp *ControlPlane) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	cp.logger.Debug("loop started", zap.String("loop", name), zap.Duration("interval", interval))
}

// Shutdown stops the loops, the scheduler and the queue, persists budgets
// and closes the stores. Pending queue entries stay on disk. It is safe to
// call more than once.
func (cp *ControlPlane) Shutdown(ctx context.Context) error {
	var err error
	cp.shutdownOnce.Do(func() {
		cp.runMu.Lock()
		cancel := cp.cancel
		cp.cancel = nil
		cp.runMu.Unlock()
		if cancel != nil {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			cp.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for background loops: %w", ctx.Err())
		}

		cp.scheduler.Stop()
		cp.actions.Wait()
		if cp.store != nil {
			cp.snapshot(ctx)
		}
		for _, unsub := range cp.unsubs {
			unsub()
		}
		err = errors.Join(err, cp.close())
		cp.logger.Info("control plane stopped")
	})
	return err
}

// close runs the closers in reverse order of creation.
func (cp *ControlPlane) close() error {
	var errs []error
	for i := len(cp.closers) - 1; i >= 0; i-- {
		if err := cp.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	cp.closers = nil
	return errors.Join(errs...)
}

func (cp *ControlPlane) snapshot(ctx context.Context) {
	n, err := cp.store.Snapshot(ctx, cp.guard)
	if err != nil {
		cp.logger.Error("budget snapshot failed", zap.Error(err))
		return
	}
	cp.logger.Debug("budgets saved", zap.Int("scopes", n))
}

func (cp *ControlPlane) maintain(ctx context.Context) {
	if cp.store != nil {
		if _, err := cp.store.Cleanup(ctx); err != nil {
			cp.logger.Error("storage cleanup failed", zap.Error(err))
		}
	}
	for _, st := range []idempotency.Store{cp.cooldowns, cp.dedupe} {
		if m, ok := st.(*idempotency.MemoryStore); ok {
			m.Sweep()
		}
	}
}

func (cp *ControlPlane) config() *config.Config {
	cp.cfgMu.RLock()
	defer cp.cfgMu.RUnlock()
	return cp.cfg
}

// Config returns the configuration currently applied.
func (cp *ControlPlane) Config() *config.Config { return cp.config() }

// Metrics returns the metrics collector.
func (cp *ControlPlane) Metrics() *metrics.Collector { return cp.metrics }

// Health returns the readiness checker.
func (cp *ControlPlane) Health() *health.Checker { return cp.health }

// Queue returns the delivery queue.
func (cp *ControlPlane) Queue() *queue.Queue { return cp.queue }

// Guard returns the budget guard.
func (cp *ControlPlane) Guard() *guard.Guard { return cp.guard }

// Scheduler returns the task scheduler.
func (cp *ControlPlane) Scheduler() *scheduler.Scheduler { return cp.scheduler }

// Actions returns the actions manager.
func (cp *ControlPlane) Actions() *actions.Manager { return cp.actions }
