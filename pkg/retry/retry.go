// Package retry runs operations with capped exponential backoff.
//
// The delay before retry n (0-based) is InitialDelay × Multiplier^n, capped
// at MaxDelay. Errors that report themselves permanent stop the loop
// immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Policy configures backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"max_retries" json:"maxRetries"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initialDelay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
}

// DefaultPolicy returns 3 retries starting at 1s, doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Permanent marks errors that must not be retried.
type Permanent interface {
	Permanent() bool
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// MarkPermanent wraps err so that Do returns it without retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain is permanent.
func IsPermanent(err error) bool {
	var p Permanent
	return errors.As(err, &p) && p.Permanent()
}

// Retrier executes functions under a Policy.
type Retrier struct {
	policy  Policy
	sleep   Sleeper
	logger  *zap.Logger
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithSleeper replaces the sleep function, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		r.sleep = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retrier) {
		if l != nil {
			r.logger = l
		}
	}
}

// OnRetry registers a hook called before every wait.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *Retrier) {
		r.onRetry = fn
	}
}

// New creates a Retrier.
func New(p Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy: p.normalized(),
		sleep:  Sleep,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns a permanent error, retries run out
// or ctx is done.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.policy.Delay(attempt - 1)
			if r.onRetry != nil {
				r.onRetry(attempt, delay, lastErr)
			}
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return fmt.Errorf("retry interrupted: %w", errors.Join(err, lastErr))
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry interrupted: %w", errors.Join(ctx.Err(), lastErr))
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("max_retries", r.policy.MaxRetries),
		zap.Error(lastErr))
	return fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// Do runs fn with a one-off Retrier.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Option) error {
	return New(p, opts...).Do(ctx, fn)
}
