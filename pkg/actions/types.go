package actions

import (
	"fmt"
	"slices"
	"time"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
)

// Trigger names the kind of event a rule reacts to.
type Trigger string

const (
	ThresholdReached  Trigger = "threshold_reached"
	ThresholdExceeded Trigger = "threshold_exceeded"
	AnomalyDetected   Trigger = "anomaly_detected"
	CircuitTripped    Trigger = "circuit_tripped"
	ForecastWarning   Trigger = "forecast_warning"
	Manual            Trigger = "manual"
	Scheduled         Trigger = "scheduled"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case ThresholdReached, ThresholdExceeded, AnomalyDetected, CircuitTripped,
		ForecastWarning, Manual, Scheduled:
		return true
	}
	return false
}

// Event is one occurrence that rules are matched against. ID identifies the
// occurrence; handling the same ID twice runs each rule once.
type Event struct {
	ID      string    `json:"id"`
	Trigger Trigger   `json:"trigger"`
	Scope   string    `json:"scope"`
	At      time.Time `json:"at"`

	CurrentSpend float64 `json:"currentSpend"`
	Limit        float64 `json:"limit"`

	// Utilization is CurrentSpend over Limit in percent.
	Utilization float64 `json:"utilization"`

	Severity string `json:"severity,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Field names a value of an Event that conditions can compare.
type Field string

const (
	FieldCurrentSpend Field = "current_spend"
	FieldLimit        Field = "limit"
	FieldUtilization  Field = "utilization"
	FieldScope        Field = "scope"
	FieldSeverity     Field = "severity"
	FieldReason       Field = "reason"
)

func (f Field) numeric() bool {
	return f == FieldCurrentSpend || f == FieldLimit || f == FieldUtilization
}

func (f Field) text() bool {
	return f == FieldScope || f == FieldSeverity || f == FieldReason
}

// Operator compares a field against a condition's operands.
type Operator string

const (
	OpGT      Operator = "gt"
	OpLT      Operator = "lt"
	OpEQ      Operator = "eq"
	OpGTE     Operator = "gte"
	OpLTE     Operator = "lte"
	OpIn      Operator = "in"
	OpBetween Operator = "between"
)

// Condition is one clause of a rule. Numeric fields take gt, lt, eq, gte,
// lte against Value and between against [Min, Max]. Text fields take eq
// against Text and in against Values.
type Condition struct {
	Field    Field    `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value,omitempty" yaml:"value"`
	Min      float64  `json:"min,omitempty" yaml:"min"`
	Max      float64  `json:"max,omitempty" yaml:"max"`
	Text     string   `json:"text,omitempty" yaml:"text"`
	Values   []string `json:"values,omitempty" yaml:"values"`
}

// Validate checks that the operator suits the field.
func (c Condition) Validate() error {
	switch {
	case c.Field.numeric():
		switch c.Operator {
		case OpGT, OpLT, OpEQ, OpGTE, OpLTE:
		case OpBetween:
			if c.Min > c.Max {
				return fmt.Errorf("%s between: min %g exceeds max %g", c.Field, c.Min, c.Max)
			}
		default:
			return fmt.Errorf("operator %q does not apply to numeric field %s", c.Operator, c.Field)
		}
	case c.Field.text():
		switch c.Operator {
		case OpEQ:
		case OpIn:
			if len(c.Values) == 0 {
				return fmt.Errorf("%s in: values must not be empty", c.Field)
			}
		default:
			return fmt.Errorf("operator %q does not apply to text field %s", c.Operator, c.Field)
		}
	default:
		return fmt.Errorf("unknown field %q", c.Field)
	}
	return nil
}

func (c Condition) holds(ev Event) bool {
	if c.Field.text() {
		var s string
		switch c.Field {
		case FieldScope:
			s = ev.Scope
		case FieldSeverity:
			s = ev.Severity
		case FieldReason:
			s = ev.Reason
		}
		if c.Operator == OpIn {
			return slices.Contains(c.Values, s)
		}
		return s == c.Text
	}

	var v float64
	switch c.Field {
	case FieldCurrentSpend:
		v = ev.CurrentSpend
	case FieldLimit:
		v = ev.Limit
	case FieldUtilization:
		v = ev.Utilization
	}
	switch c.Operator {
	case OpGT:
		return v > c.Value
	case OpLT:
		return v < c.Value
	case OpEQ:
		return v == c.Value
	case OpGTE:
		return v >= c.Value
	case OpLTE:
		return v <= c.Value
	case OpBetween:
		return v >= c.Min && v <= c.Max
	}
	return false
}

// Type is the side effect an action performs.
type Type string

const (
	Notify       Type = "notify"
	Throttle     Type = "throttle"
	DisableScope Type = "disable_scope"
	Escalate     Type = "escalate"
	AdjustBudget Type = "adjust_budget"
	TripBreaker  Type = "trip_breaker"
	ResetBreaker Type = "reset_breaker"
	ResetSpend   Type = "reset_spend"
)

// Definition is one step of a rule. Which fields are read depends on Type.
type Definition struct {
	Type Type `json:"type" yaml:"type"`

	// Message is a template for notify and escalate. The placeholders
	// {scope}, {currentSpend}, {limit}, {utilization}, {trigger},
	// {severity} and {reason} are replaced from the event.
	Message  string           `json:"message,omitempty" yaml:"message"`
	Channels []alerts.Channel `json:"channels,omitempty" yaml:"channels"`
	Priority alerts.Priority  `json:"priority,omitempty" yaml:"priority"`

	// Recipients are the escalation contacts.
	Recipients []string `json:"recipients,omitempty" yaml:"recipients"`

	// Delay and Duration shape a throttle.
	Delay    time.Duration `json:"delay,omitempty" yaml:"delay"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration"`

	// Amount is an absolute limit change for adjust_budget; Percentage is
	// relative to the current limit and takes precedence. Both may be
	// negative.
	Amount     float64 `json:"amount,omitempty" yaml:"amount"`
	Percentage float64 `json:"percentage,omitempty" yaml:"percentage"`

	// Reason is the breaker reason recorded by trip_breaker.
	Reason string `json:"reason,omitempty" yaml:"reason"`
}

// Validate checks the fields required by Type.
func (a Definition) Validate() error {
	switch a.Type {
	case Notify, DisableScope, ResetBreaker, ResetSpend:
	case TripBreaker:
		if a.Reason != "" {
			if _, err := breaker.ParseReason(a.Reason); err != nil {
				return err
			}
		}
	case Escalate:
		if len(a.Recipients) == 0 {
			return fmt.Errorf("escalate requires recipients")
		}
	case Throttle:
		if a.Delay <= 0 || a.Duration <= 0 {
			return fmt.Errorf("throttle requires a positive delay and duration")
		}
	case AdjustBudget:
		if a.Amount == 0 && a.Percentage == 0 {
			return fmt.Errorf("adjust_budget requires an amount or percentage")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.Priority != "" && a.Priority.Rank() == 0 {
		return fmt.Errorf("unknown priority %q", a.Priority)
	}
	return nil
}

// Rule runs its Actions when an event of Trigger matches all Conditions.
type Rule struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled"`

	// Priority orders matching rules; higher runs first.
	Priority int `json:"priority,omitempty" yaml:"priority"`

	// Scope restricts the rule to one scope. Empty matches every scope.
	Scope string `json:"scope,omitempty" yaml:"scope"`

	Trigger    Trigger      `json:"trigger" yaml:"trigger"`
	Conditions []Condition  `json:"conditions,omitempty" yaml:"conditions"`
	Actions    []Definition `json:"actions" yaml:"actions"`

	// Cooldown is the minimum time between two runs. Zero uses the manager
	// default.
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`

	// MaxPerDay caps runs per calendar day. Zero uses the manager default.
	MaxPerDay int `json:"maxPerDay,omitempty" yaml:"max_per_day"`
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("action rule id is required")
	}
	if !r.Trigger.Valid() {
		return fmt.Errorf("action rule %s: unknown trigger %q", r.ID, r.Trigger)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("action rule %s: at least one action is required", r.ID)
	}
	if r.Cooldown < 0 || r.MaxPerDay < 0 {
		return fmt.Errorf("action rule %s: cooldown and max per day must not be negative", r.ID)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("action rule %s: conditions[%d]: %w", r.ID, i, err)
		}
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action rule %s: actions[%d]: %w", r.ID, i, err)
		}
	}
	return nil
}

func (r Rule) matches(ev Event) bool {
	if r.Disabled || r.Trigger != ev.Trigger {
		return false
	}
	if r.Scope != "" && r.Scope != ev.Scope {
		return false
	}
	for _, c := range r.Conditions {
		if !c.holds(ev) {
			return false
		}
	}
	return true
}

// ThresholdRule builds a rule that runs actions when the utilization of
// scope reaches percent.
func ThresholdRule(scope string, percent float64, actions ...Definition) Rule {
	return Rule{
		ID:       fmt.Sprintf("threshold-%s-%g", scope, percent),
		Name:     fmt.Sprintf("Threshold %g%% rule", percent),
		Priority: int(percent / 10),
		Scope:    scope,
		Trigger:  ThresholdReached,
		Conditions: []Condition{
			{Field: FieldUtilization, Operator: OpGTE, Value: percent},
		},
		Actions:   actions,
		Cooldown:  time.Hour,
		MaxPerDay: 3,
	}
}

// Status is the outcome of one action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

// Result records what happened to one action of a rule, or to the rule as
// a whole when it was skipped before any action ran.
type Result struct {
	RuleID     string        `json:"ruleId"`
	EventID    string        `json:"eventId"`
	Scope      string        `json:"scope"`
	Trigger    Trigger       `json:"trigger"`
	Action     Type          `json:"action,omitempty"`
	Status     Status        `json:"status"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executedAt"`
	Duration   time.Duration `json:"duration"`
}
