package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mercator-hq/costguard/pkg/retry"
)

// Deliverer delivers one entry. Returning an error that retry.IsPermanent
// accepts dead-letters the entry at once; any other error schedules a retry.
type Deliverer interface {
	Deliver(ctx context.Context, e Entry) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, e Entry) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// Mux routes entries to deliverers by kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Deliverer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Deliverer)}
}

// Handle registers d for kind, replacing any previous deliverer.
func (m *Mux) Handle(kind string, d Deliverer) {
	m.mu.Lock()
	m.handlers[kind] = d
	m.mu.Unlock()
}

// Deliver dispatches e by its kind.
func (m *Mux) Deliver(ctx context.Context, e Entry) error {
	m.mu.RLock()
	d, ok := m.handlers[e.Kind]
	m.mu.RUnlock()
	if !ok {
		return &PermanentDeliveryError{Kind: e.Kind, Err: ErrNoDeliverer}
	}
	return d.Deliver(ctx, e)
}

// Queue is a bounded at-least-once delivery queue. Pending and dead entries
// are mirrored to NDJSON files when a directory is configured, so entries
// survive restarts. Dead entries are never removed automatically.
type Queue struct {
	cfg       Config
	deliverer Deliverer
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	pendingPath string
	deadPath    string
	statsPath   string

	mu        sync.Mutex
	pending   []*Entry
	memDead   []*Entry
	deadCount int
	stats     Stats
	closed    bool

	processing sync.Mutex
	wake       chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	onQueueFull func(size int)
	onProcessed func(e Entry)
	onFailed    func(e Entry, err error)
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the clock used for scheduling retries.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithTracerProvider sets the tracer provider used for delivery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(q *Queue) {
		if tp != nil {
			q.tracer = tp.Tracer("costguard/queue")
		}
	}
}

// OnQueueFull registers a callback fired when an entry is rejected because
// the queue is full.
func OnQueueFull(fn func(size int)) Option {
	return func(q *Queue) {
		q.onQueueFull = fn
	}
}

// OnEventProcessed registers a callback fired after a successful delivery.
func OnEventProcessed(fn func(e Entry)) Option {
	return func(q *Queue) {
		q.onProcessed = fn
	}
}

// OnEventFailed registers a callback fired when an entry is dead-lettered.
func OnEventFailed(fn func(e Entry, err error)) Option {
	return func(q *Queue) {
		q.onFailed = fn
	}
}

// New creates a queue and loads any persisted entries from cfg.Dir.
func New(cfg Config, d Deliverer, opts ...Option) (*Queue, error) {
	cfg.applyDefaults()
	q := &Queue{
		cfg:       cfg,
		deliverer: d,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("costguard/queue"),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("component", "queue"))

	if cfg.Dir == "" {
		return q, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory %q: %w", cfg.Dir, err)
	}
	q.pendingPath = filepath.Join(cfg.Dir, PendingFile)
	q.deadPath = filepath.Join(cfg.Dir, DeadFile)
	q.statsPath = filepath.Join(cfg.Dir, StatsFile)

	pending, err := readEntries(q.pendingPath, q.logger)
	if err != nil {
		return nil, err
	}
	q.pending = pending

	dead, err := countLines(q.deadPath)
	if err != nil {
		return nil, err
	}
	q.deadCount = dead

	stats, err := readStats(q.statsPath)
	if err != nil {
		q.logger.Warn("ignoring unreadable queue stats", zap.Error(err))
	}
	q.stats = stats

	q.logger.Info("queue opened",
		zap.String("dir", cfg.Dir),
		zap.Int("pending", len(q.pending)),
		zap.Int("dead", q.deadCount))
	return q, nil
}

// Submit queues payload for immediate delivery and returns the entry id.
func (q *Queue) Submit(kind string, payload any) (string, error) {
	return q.add(kind, payload, nil)
}

// Enqueue queues payload after a failed delivery attempt made elsewhere.
// The first retry is scheduled one base delay from now.
func (q *Queue) Enqueue(kind string, payload any, cause error) (string, error) {
	return q.add(kind, payload, cause)
}

func (q *Queue) add(kind string, payload any, cause error) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	now := q.now()
	e := &Entry{
		ID:       uuid.NewString(),
		Kind:     kind,
		Payload:  raw,
		QueuedAt: now,
	}
	if cause != nil {
		next := now.Add(q.cfg.Retry.Delay(0))
		e.LastError = cause.Error()
		e.NextRetryAt = &next
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	if size := len(q.pending); size >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		q.logger.Warn("queue full, dropping entry",
			zap.String("kind", kind),
			zap.Int("size", size),
			zap.Int("max_size", q.cfg.MaxQueueSize))
		if q.onQueueFull != nil {
			q.onQueueFull(size)
		}
		return "", ErrQueueFull
	}
	if q.pendingPath != "" {
		if err := appendEntries(q.pendingPath, e); err != nil {
			q.mu.Unlock()
			return "", err
		}
	}
	q.pending = append(q.pending, e)
	if cause != nil {
		q.stats.LastErrorAt = &now
	}
	q.mu.Unlock()

	q.logger.Debug("entry queued", zap.String("id", e.ID), zap.String("kind", kind))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return e.ID, nil
}

type outcome struct {
	id  string
	err error
}

// Process delivers every ready entry in batches of BatchSize, at most Workers
// at a time. It returns the number of entries delivered. A call made while
// another is running returns immediately.
func (q *Queue) Process(ctx context.Context) (int, error) {
	if !q.processing.TryLock() {
		return 0, nil
	}
	defer q.processing.Unlock()

	now := q.now()
	q.mu.Lock()
	var ready []Entry
	for _, e := range q.pending {
		if e.Ready(now) {
			ready = append(ready, *e)
		}
	}
	q.mu.Unlock()

	if len(ready) == 0 {
		return 0, nil
	}
	q.logger.Debug("processing queue", zap.Int("ready", len(ready)))

	delivered := 0
	for start := 0; start < len(ready); start += q.cfg.BatchSize {
		end := min(start+q.cfg.BatchSize, len(ready))
		batch := ready[start:end]

		results := make([]outcome, len(batch))
		var g errgroup.Group
		g.SetLimit(q.cfg.Workers)
		for i := range batch {
			if ctx.Err() != nil {
				break
			}
			e := batch[i]
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				err := q.deliver(ctx, e)
				if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					// Interrupted, not failed: the entry keeps its retry budget.
					return nil
				}
				results[i] = outcome{id: e.ID, err: err}
				return nil
			})
		}
		_ = g.Wait()

		n, err := q.apply(results)
		delivered += n
		if err != nil {
			return delivered, err
		}
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
	}

	q.mu.Lock()
	flushed := q.now()
	q.stats.LastFlushAt = &flushed
	q.mu.Unlock()
	q.saveStats()
	return delivered, nil
}

func (q *Queue) deliver(ctx context.Context, e Entry) error {
	ctx, span := q.tracer.Start(ctx, "queue.deliver", trace.WithAttributes(
		attribute.String("queue.entry_id", e.ID),
		attribute.String("queue.kind", e.Kind),
		attribute.Int("queue.retry_count", e.RetryCount),
	))
	defer span.End()

	if q.deliverer == nil {
		err := &PermanentDeliveryError{Kind: e.Kind, Err: ErrNoDeliverer}
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	err := q.deliverer.Deliver(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// apply records delivery outcomes and rewrites the files.
func (q *Queue) apply(results []outcome) (int, error) {
	now := q.now()
	byID := make(map[string]error, len(results))
	for _, r := range results {
		if r.id != "" {
			byID[r.id] = r.err
		}
	}

	var processed, failed []Entry
	var failures []error
	var dead []*Entry
	delivered := 0

	q.mu.Lock()
	kept := q.pending[:0:0]
	for _, e := range q.pending {
		err, ok := byID[e.ID]
		if !ok {
			kept = append(kept, e)
			continue
		}
		if err == nil {
			delivered++
			q.stats.ProcessedCount++
			processed = append(processed, *e)
			continue
		}

		e.RetryCount++
		e.LastError = err.Error()
		q.stats.LastErrorAt = &now
		if retry.IsPermanent(err) || e.RetryCount >= q.cfg.Retry.MaxRetries {
			e.Dead = true
			e.NextRetryAt = nil
			dead = append(dead, e)
			q.stats.FailedCount++
			failed = append(failed, *e)
			failures = append(failures, err)
			q.logger.Warn("entry moved to dead letter",
				zap.String("id", e.ID),
				zap.String("kind", e.Kind),
				zap.Int("retries", e.RetryCount),
				zap.Error(err))
			continue
		}
		next := now.Add(q.cfg.Retry.Delay(e.RetryCount - 1))
		e.NextRetryAt = &next
		kept = append(kept, e)
		q.logger.Debug("entry scheduled for retry",
			zap.String("id", e.ID),
			zap.Int("retry_count", e.RetryCount),
			zap.Time("next_retry_at", next))
	}
	q.pending = kept
	q.deadCount += len(dead)

	var err error
	if q.pendingPath != "" {
		err = writeEntries(q.pendingPath, q.pending)
		if err == nil && len(dead) > 0 {
			err = appendEntries(q.deadPath, dead...)
		}
	} else {
		q.memDead = append(q.memDead, dead...)
	}
	q.mu.Unlock()

	for _, e := range processed {
		if q.onProcessed != nil {
			q.onProcessed(e)
		}
	}
	for i, e := range failed {
		if q.onFailed != nil {
			q.onFailed(e, failures[i])
		}
	}
	return delivered, err
}

// Start runs Process every ProcessInterval and whenever an entry is
// submitted, until Stop is called or ctx is done.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.cfg.ProcessInterval)
		defer ticker.Stop()

		q.run(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-q.wake:
			}
			q.run(ctx)
		}
	}()
	q.logger.Info("queue processing started", zap.Duration("interval", q.cfg.ProcessInterval))
}

func (q *Queue) run(ctx context.Context) {
	if _, err := q.Process(ctx); err != nil && ctx.Err() == nil {
		q.logger.Error("queue processing failed", zap.Error(err))
	}
}

// Stop ends background processing and waits for the current pass.
func (q *Queue) Stop() {
	q.runMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	q.saveStats()
	q.logger.Info("queue processing stopped")
}

// Close stops processing and rejects further entries. Pending entries stay
// on disk for the next start.
func (q *Queue) Close() error {
	q.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.saveStats()
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.QueuedCount = len(q.pending)
	s.DeadCount = q.deadCount
	s.ReadyCount = 0
	for _, e := range q.pending {
		if e.Ready(now) {
			s.ReadyCount++
		}
	}
	return s
}

// Pending returns a copy of the pending entries in queue order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.pending))
	for i, e := range q.pending {
		out[i] = *e
	}
	return out
}

// Dead returns the dead-lettered entries.
func (q *Queue) Dead() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.deadEntries()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}

// caller holds q.mu
func (q *Queue) deadEntries() ([]*Entry, error) {
	if q.deadPath == "" {
		return q.memDead, nil
	}
	return readEntries(q.deadPath, q.logger)
}

// Requeue moves dead entries back to pending with a fresh retry budget. No
// ids requeues every dead entry. It returns the number moved.
func (q *Queue) Requeue(ids ...string) (int, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}

	dead, err := q.deadEntries()
	if err != nil {
		return 0, err
	}
	var moved, rest []*Entry
	for _, e := range dead {
		if len(want) == 0 || want[e.ID] {
			moved = append(moved, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(moved) == 0 {
		return 0, nil
	}
	if len(q.pending)+len(moved) > q.cfg.MaxQueueSize {
		return 0, fmt.Errorf("requeue of %d entries: %w", len(moved), ErrQueueFull)
	}

	for _, e := range moved {
		e.Dead = false
		e.RetryCount = 0
		e.NextRetryAt = nil
	}
	if q.pendingPath != "" {
		if err := appendEntries(q.pendingPath, moved...); err != nil {
			return 0, err
		}
		if err := writeEntries(q.deadPath, rest); err != nil {
			return 0, err
		}
	} else {
		q.memDead = rest
	}
	q.pending = append(q.pending, moved...)
	q.deadCount = len(rest)

	q.logger.Info("dead entries requeued", zap.Int("count", len(moved)))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return len(moved), nil
}

// Clear drops every pending entry. Dead entries are kept.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	if q.pendingPath != "" {
		if err := writeEntries(q.pendingPath, nil); err != nil {
			return err
		}
	}
	q.logger.Info("queue cleared")
	return nil
}

func (q *Queue) saveStats() {
	if q.statsPath == "" {
		return
	}
	s := q.Stats()
	if err := writeStats(q.statsPath, s); err != nil {
		q.logger.Warn("failed to save queue stats", zap.Error(err))
	}
}
