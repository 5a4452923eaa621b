package guard

import (
	"errors"
	"fmt"

	"mercator-hq/costguard/pkg/breaker"
)

var (
	// ErrInvalidScope is returned for an empty scope name.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrEvaluationTimeout is surfaced when evaluation did not finish in time.
	ErrEvaluationTimeout = errors.New("guard evaluation timed out")

	// ErrScopePaused is surfaced for requests against a paused scope.
	ErrScopePaused = errors.New("scope is paused")
)

// BudgetExceededError is surfaced when a rule blocks a request.
type BudgetExceededError struct {
	Scope         string
	Limit         float64
	CurrentSpend  float64
	EstimatedCost float64
	RuleID        string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for scope %s: spend %.4f + estimate %.4f against limit %.4f (rule %s)",
		e.Scope, e.CurrentSpend, e.EstimatedCost, e.Limit, e.RuleID)
}

// CircuitOpenError is surfaced when the scope's breaker refuses requests.
// Callers use it to tell protection from policy.
type CircuitOpenError struct {
	Scope string
	State breaker.State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s for scope %s", e.State, e.Scope)
}

// StaleDataError is surfaced when a rule depends on a forecast or anomaly
// snapshot older than the staleness threshold.
type StaleDataError struct {
	Scope string
	Input string
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale %s data for scope %s", e.Input, e.Scope)
}
