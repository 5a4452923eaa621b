package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Check statuses.
const (
	StatusOK        = "ok"
	StatusUnhealthy = "unhealthy"
)

// Overall statuses.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// DefaultCheckTimeout bounds a single check when none is configured.
const DefaultCheckTimeout = 5 * time.Second

// ErrCheckTimeout is reported when a check does not return in time.
var ErrCheckTimeout = errors.New("health check timeout")

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`

	Duration   time.Duration `json:"-"`
	DurationMS float64       `json:"duration_ms"`
}

// Status is the aggregated health of the process.
type Status struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ready reports whether the status allows serving traffic. A degraded
// process, where only optional checks fail, is still ready.
func (s Status) Ready() bool {
	return s.Status != StatusNotReady
}

type registered struct {
	fn       CheckFunc
	critical bool
}

// Checker runs readiness checks against the process's dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]registered

	checkTimeout time.Duration
	now          func() time.Time
}

// New creates a checker. A zero timeout uses DefaultCheckTimeout.
func New(checkTimeout time.Duration) *Checker {
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	return &Checker{
		checks:       make(map[string]registered),
		checkTimeout: checkTimeout,
		now:          time.Now,
	}
}

// Register adds a critical check. A failing critical check makes the
// process not ready. An existing check with the same name is replaced.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, true)
}

// RegisterOptional adds a check whose failure only degrades the process.
func (c *Checker) RegisterOptional(name string, check CheckFunc) {
	c.register(name, check, false)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registered{fn: check, critical: critical}
}

// Unregister removes a check.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Liveness reports that the process is running.
func (c *Checker) Liveness() Status {
	return Status{Status: StatusOK, Timestamp: c.now()}
}

// Readiness runs every registered check concurrently.
func (c *Checker) Readiness(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]registered, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			res := c.run(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := StatusReady
	for _, res := range results {
		if res.Status == StatusOK {
			continue
		}
		if res.Critical {
			status = StatusNotReady
			break
		}
		status = StatusDegraded
	}
	return Status{Status: status, Checks: results, Timestamp: c.now()}
}

func (c *Checker) run(ctx context.Context, check registered) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- check.fn(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ErrCheckTimeout
	}

	elapsed := time.Since(start)
	res := CheckResult{
		Status:     StatusOK,
		Critical:   check.critical,
		Duration:   elapsed,
		DurationMS: float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}
