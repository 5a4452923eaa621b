package guard

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/patterns"
)

// Action is the outcome of an evaluation.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionWarn      Action = "warn"
	ActionThrottle  Action = "throttle"
	ActionDowngrade Action = "downgrade"
	ActionBlock     Action = "block"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionWarn, ActionThrottle, ActionDowngrade, ActionBlock:
		return true
	}
	return false
}

// Allows reports whether the request may proceed under a.
func (a Action) Allows() bool {
	return a != ActionBlock
}

// Reason classifies why a decision was made.
type Reason string

const (
	ReasonNoMatch        Reason = "no-match"
	ReasonThresholdRule  Reason = "threshold-rule"
	ReasonCircuitOpen    Reason = "circuit-open"
	ReasonStaleData      Reason = "stale-data"
	ReasonPriorityBypass Reason = "priority-bypass"
	ReasonPaused         Reason = "scope-paused"
	ReasonThrottled      Reason = "scope-throttled"
	ReasonTimeout        Reason = "evaluation-timeout"
)

// Priority is the caller-declared importance of a request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority parses a priority name. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// RequestContext describes the request being evaluated.
type RequestContext struct {
	RequestID     string   `json:"requestId,omitempty"`
	Model         string   `json:"model,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	EstimatedCost float64  `json:"estimatedCost"`
	InputTokens   int64    `json:"inputTokens,omitempty"`
	OutputTokens  int64    `json:"outputTokens,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	BypassReason  string   `json:"bypassReason,omitempty"`
}

func (r RequestContext) priority() Priority {
	if r.Priority == "" {
		return PriorityNormal
	}
	return r.Priority
}

// Rule is one configured policy clause. Rules are values: a new version of a
// rule replaces the old one through SetRules and is never edited in place.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Version    int         `json:"version" yaml:"version"`
	Name       string      `json:"name" yaml:"name"`
	Priority   int         `json:"priority" yaml:"priority"`
	Disabled   bool        `json:"disabled,omitempty" yaml:"disabled"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Action     Action      `json:"action" yaml:"action"`

	// ThrottleDelay fixes the delay of a throttle rule. Zero derives the
	// delay from utilisation.
	ThrottleDelay time.Duration `json:"throttleDelay,omitempty" yaml:"throttle_delay"`

	// AlternativeModel is the downgrade target. Empty falls back to the
	// configured downgrade map.
	AlternativeModel string `json:"alternativeModel,omitempty" yaml:"alternative_model"`

	Message string `json:"message,omitempty" yaml:"message"`

	// BypassPriorities lists request priorities this rule does not apply to.
	BypassPriorities []Priority `json:"bypassPriorities,omitempty" yaml:"bypass_priorities"`
}

// Validate checks the rule and its conditions.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.ID)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s: conditions[%d]: %w", r.ID, i, err)
		}
	}
	if r.ThrottleDelay < 0 {
		return fmt.Errorf("rule %s: throttle delay must not be negative", r.ID)
	}
	return nil
}

// Specificity is the number of conditions of the rule.
func (r Rule) Specificity() int {
	return len(r.Conditions)
}

func (r Rule) bypassed(p Priority) bool {
	return slices.Contains(r.BypassPriorities, p)
}

// Decision is the result of one evaluation.
type Decision struct {
	ID          string    `json:"id"`
	Scope       string    `json:"scope"`
	Action      Action    `json:"action"`
	Allowed     bool      `json:"allowed"`
	Reason      Reason    `json:"reason"`
	Message     string    `json:"message"`
	RuleID      string    `json:"ruleId,omitempty"`
	RuleName    string    `json:"ruleName,omitempty"`
	RuleVersion int       `json:"ruleVersion,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`

	Limit         float64 `json:"limit"`
	CurrentSpend  float64 `json:"currentSpend"`
	EstimatedCost float64 `json:"estimatedCost"`
	Remaining     float64 `json:"remaining"`

	// Utilization is (spend + estimate) / limit in percent; zero without a
	// limit.
	Utilization float64 `json:"utilization"`

	ThrottleDelay  time.Duration `json:"throttleDelay,omitempty"`
	DowngradeModel string        `json:"downgradeModel,omitempty"`
	Suggestions    []string      `json:"suggestions,omitempty"`

	Circuit breaker.State `json:"circuit"`
	Model   string        `json:"model,omitempty"`
	// Stale names the input that was too old, for stale-data blocks.
	Stale string `json:"stale,omitempty"`
}

// Err returns the error a caller surfaces for a block decision, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonCircuitOpen:
		return &CircuitOpenError{Scope: d.Scope, State: d.Circuit}
	case ReasonStaleData:
		return &StaleDataError{Scope: d.Scope, Input: d.Stale}
	case ReasonTimeout:
		return fmt.Errorf("scope %s: %w", d.Scope, ErrEvaluationTimeout)
	case ReasonPaused:
		return fmt.Errorf("scope %s: %w", d.Scope, ErrScopePaused)
	}
	return &BudgetExceededError{
		Scope:         d.Scope,
		Limit:         d.Limit,
		CurrentSpend:  d.CurrentSpend,
		EstimatedCost: d.EstimatedCost,
		RuleID:        d.RuleID,
	}
}

// Spend is the ledger of one scope.
type Spend struct {
	Scope    string  `json:"scope"`
	Limit    float64 `json:"limit"`
	Spent    float64 `json:"spent"`
	Reserved float64 `json:"reserved"`

	// BaseLimit is the configured limit while an override is active.
	BaseLimit     float64   `json:"baseLimit"`
	OverrideUntil time.Time `json:"overrideUntil,omitempty"`

	Paused        bool          `json:"paused"`
	ThrottleDelay time.Duration `json:"throttleDelay,omitempty"`
	ThrottleUntil time.Time     `json:"throttleUntil,omitempty"`
}

// Current returns committed plus reserved spend.
func (s Spend) Current() float64 {
	return s.Spent + s.Reserved
}

// AnomalySignal is the latest anomaly severity seen for a scope.
type AnomalySignal struct {
	Severity patterns.Severity `json:"severity"`
	At       time.Time         `json:"at"`
}
