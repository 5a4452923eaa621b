// Package instrument defines the boundary between callers of metered AI APIs
// and the control plane.
//
// Callers wrap each provider call with an Adapter. The control plane ships a
// Recorder adapter that turns completed calls into usage records and hands
// them to a sink, typically the ingestion path.
package instrument

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/usage"
)

// Call describes a provider call as seen before it is made.
type Call struct {
	ID         string
	Scope      string
	Provider   string
	Model      string
	AgentID    string
	WorkflowID string
	StartedAt  time.Time
}

// Result is the outcome of a successful call.
type Result struct {
	PromptTokens     int64
	CompletionTokens int64

	// Cost is the provider-reported cost; zero lets the control plane price it.
	Cost float64
}

// Adapter observes provider calls.
type Adapter interface {
	// BeforeCall runs before the call is made. Returning an error aborts the call.
	BeforeCall(ctx context.Context, call *Call) error

	// AfterCall runs after a successful call.
	AfterCall(ctx context.Context, call *Call, res Result)

	// OnError runs after a failed call.
	OnError(ctx context.Context, call *Call, err error)
}

// Sink receives usage records produced by the Recorder.
type Sink func(ctx context.Context, records []usage.Record) error

// Recorder is an Adapter that emits one usage record per completed call.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder delivering to sink.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger, now: time.Now}
}

// BeforeCall assigns an id and start time.
func (r *Recorder) BeforeCall(_ context.Context, call *Call) error {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = r.now()
	}
	return nil
}

// AfterCall records a successful call.
func (r *Recorder) AfterCall(ctx context.Context, call *Call, res Result) {
	rec := r.record(call)
	rec.PromptTokens = res.PromptTokens
	rec.CompletionTokens = res.CompletionTokens
	rec.TotalTokens = res.PromptTokens + res.CompletionTokens
	rec.Cost = res.Cost
	rec.Status = usage.StatusSuccess
	r.emit(ctx, rec)
}

// OnError records a failed call.
func (r *Recorder) OnError(ctx context.Context, call *Call, err error) {
	rec := r.record(call)
	rec.Status = usage.StatusError
	if err != nil {
		rec.Error = err.Error()
	}
	r.emit(ctx, rec)
}

func (r *Recorder) record(call *Call) usage.Record {
	return usage.Record{
		ID:         call.ID,
		Scope:      call.Scope,
		Timestamp:  call.StartedAt,
		Provider:   call.Provider,
		Model:      call.Model,
		Latency:    r.now().Sub(call.StartedAt),
		AgentID:    call.AgentID,
		WorkflowID: call.WorkflowID,
		RequestID:  call.ID,
	}
}

func (r *Recorder) emit(ctx context.Context, rec usage.Record) {
	if r.sink == nil {
		return
	}
	if err := r.sink(ctx, []usage.Record{rec}); err != nil {
		r.logger.Warn("failed to deliver usage record",
			zap.String("scope", rec.Scope),
			zap.String("model", rec.Model),
			zap.Error(err),
		)
	}
}

// Chain fans each hook out to several adapters in registration order.
// BeforeCall stops at the first error.
type Chain struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// Register appends a to the chain.
func (c *Chain) Register(a Adapter) {
	c.mu.Lock()
	c.adapters = append(c.adapters, a)
	c.mu.Unlock()
}

func (c *Chain) snapshot() []Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Adapter(nil), c.adapters...)
}

func (c *Chain) BeforeCall(ctx context.Context, call *Call) error {
	for _, a := range c.snapshot() {
		if err := a.BeforeCall(ctx, call); err != nil {
			return err
		}
	}
	return nil
}

func (c *Chain) AfterCall(ctx context.Context, call *Call, res Result) {
	for _, a := range c.snapshot() {
		a.AfterCall(ctx, call, res)
	}
}

func (c *Chain) OnError(ctx context.Context, call *Call, err error) {
	for _, a := range c.snapshot() {
		a.OnError(ctx, call, err)
	}
}

// ErrNoCall is returned by Wrap when fn is nil.
var ErrNoCall = errors.New("instrument: nil call")

// Wrap runs fn between the adapter hooks.
func Wrap(ctx context.Context, a Adapter, call *Call, fn func(ctx context.Context) (Result, error)) (Result, error) {
	if fn == nil {
		return Result{}, ErrNoCall
	}
	if err := a.BeforeCall(ctx, call); err != nil {
		return Result{}, err
	}
	res, err := fn(ctx)
	if err != nil {
		a.OnError(ctx, call, err)
		return Result{}, err
	}
	a.AfterCall(ctx, call, res)
	return res, nil
}
