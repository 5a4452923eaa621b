package alerts

import (
	"fmt"
	"slices"
	"time"

	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/patterns"
)

// Type classifies an alert.
type Type string

const (
	TypeBudgetForecastExceed  Type = "budget_forecast_exceed"
	TypeBudgetUtilization     Type = "budget_utilization"
	TypeAnomalyDetected       Type = "anomaly_detected"
	TypeTrendWarning          Type = "trend_warning"
	TypeUsagePatternChange    Type = "usage_pattern_change"
	TypeModelCostOptimization Type = "model_cost_optimization"
	TypeBudgetExhaustion      Type = "budget_exhaustion"
)

// Priority orders alerts; critical first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns 1 for low up to 4 for critical, 0 when unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 0
}

// fromSeverity maps an anomaly severity onto an alert priority.
func fromSeverity(s patterns.Severity) Priority {
	switch s {
	case patterns.SeverityCritical:
		return PriorityCritical
	case patterns.SeverityHigh:
		return PriorityHigh
	case patterns.SeverityMedium:
		return PriorityMedium
	}
	return PriorityLow
}

// Channel names a notification transport.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
	ChannelInApp   Channel = "in_app"
)

// Alert is one predictive alert.
type Alert struct {
	ID       string         `json:"id"`
	Type     Type           `json:"type"`
	Priority Priority       `json:"priority"`
	Scope    string         `json:"scope"`
	Budget   string         `json:"budget,omitempty"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Channels []Channel      `json:"channels"`

	// Source is the id of the rule that raised the alert, or "builtin".
	Source string `json:"source"`

	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ActionTaken    string     `json:"actionTaken,omitempty"`

	// dedupe extends (scope, type, budget) when one input can raise several
	// alerts of the same type.
	dedupe string
}

// Active reports whether the alert is unexpired and unacknowledged at now.
func (a Alert) Active(now time.Time) bool {
	return a.AcknowledgedAt == nil && now.Before(a.ExpiresAt)
}

// Input carries the signals of one analysis pass for a scope.
type Input struct {
	Scope string

	// Budget identifies the budget the projection belongs to. Empty uses
	// the scope name.
	Budget string

	Projection *forecast.Projection
	Forecast   *forecast.Result
	Anomalies  []patterns.Anomaly

	// Vectors are the recent feature windows, used for model-mix alerts.
	Vectors []features.Vector
}

func (in Input) budget() string {
	if in.Budget != "" {
		return in.Budget
	}
	return in.Scope
}

// ConditionKind tags an alert rule condition.
type ConditionKind string

const (
	AnomalySeverityAtLeast   ConditionKind = "anomaly_severity_at_least"
	AnomalyTypeIn            ConditionKind = "anomaly_type_in"
	ExhaustionWithin         ConditionKind = "exhaustion_within"
	ExceedProbabilityAtLeast ConditionKind = "exceed_probability_at_least"
	UtilizationAtLeast       ConditionKind = "utilization_at_least"
	TrendIs                  ConditionKind = "trend_is"
)

// Condition is one clause of an alert rule.
type Condition struct {
	Kind         ConditionKind          `json:"kind" yaml:"kind"`
	Severity     patterns.Severity      `json:"severity,omitempty" yaml:"severity"`
	AnomalyTypes []patterns.AnomalyType `json:"anomalyTypes,omitempty" yaml:"anomaly_types"`
	Days         float64                `json:"days,omitempty" yaml:"days"`
	Probability  float64                `json:"probability,omitempty" yaml:"probability"`
	Percent      float64                `json:"percent,omitempty" yaml:"percent"`
	Direction    patterns.Direction     `json:"direction,omitempty" yaml:"direction"`
}

// Validate checks the fields Kind requires.
func (c Condition) Validate() error {
	switch c.Kind {
	case AnomalySeverityAtLeast:
		if c.Severity.Rank() == 0 {
			return fmt.Errorf("%s: unknown severity %q", c.Kind, c.Severity)
		}
	case AnomalyTypeIn:
		if len(c.AnomalyTypes) == 0 {
			return fmt.Errorf("%s: anomaly types must not be empty", c.Kind)
		}
	case ExhaustionWithin:
		if c.Days <= 0 {
			return fmt.Errorf("%s: days must be positive", c.Kind)
		}
	case ExceedProbabilityAtLeast:
		if c.Probability <= 0 || c.Probability > 1 {
			return fmt.Errorf("%s: probability must be in (0, 1]", c.Kind)
		}
	case UtilizationAtLeast:
		if c.Percent <= 0 {
			return fmt.Errorf("%s: percent must be positive", c.Kind)
		}
	case TrendIs:
		switch c.Direction {
		case patterns.Rising, patterns.Falling, patterns.Flat, patterns.Volatile:
		default:
			return fmt.Errorf("%s: unknown direction %q", c.Kind, c.Direction)
		}
	default:
		return fmt.Errorf("unknown alert condition kind %q", c.Kind)
	}
	return nil
}

func (c Condition) holds(in Input) bool {
	switch c.Kind {
	case AnomalySeverityAtLeast:
		return slices.ContainsFunc(in.Anomalies, func(a patterns.Anomaly) bool {
			return a.Severity.AtLeast(c.Severity)
		})
	case AnomalyTypeIn:
		return slices.ContainsFunc(in.Anomalies, func(a patterns.Anomaly) bool {
			return slices.Contains(c.AnomalyTypes, a.Type)
		})
	case ExhaustionWithin:
		return in.Projection != nil &&
			in.Projection.ExhaustsWithin(time.Duration(c.Days*float64(24*time.Hour)))
	case ExceedProbabilityAtLeast:
		return in.Projection != nil && in.Projection.ExceedProbability >= c.Probability
	case UtilizationAtLeast:
		p := in.Projection
		return p != nil && p.Limit > 0 && p.CurrentSpend/p.Limit*100 >= c.Percent
	case TrendIs:
		return in.Forecast != nil && in.Forecast.Summary.Trend == c.Direction
	}
	return false
}

// Rule raises an alert of Type when all Conditions hold.
type Rule struct {
	ID         string      `json:"id" yaml:"id"`
	Name       string      `json:"name" yaml:"name"`
	Disabled   bool        `json:"disabled,omitempty" yaml:"disabled"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Type       Type        `json:"type" yaml:"type"`
	Priority   Priority    `json:"priority" yaml:"priority"`
	Channels   []Channel   `json:"channels,omitempty" yaml:"channels"`
	Message    string      `json:"message,omitempty" yaml:"message"`

	// Cooldown overrides the service cooldown for alerts of this rule.
	Cooldown time.Duration `json:"cooldown,omitempty" yaml:"cooldown"`
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("alert rule id is required")
	}
	if r.Type == "" {
		return fmt.Errorf("alert rule %s: type is required", r.ID)
	}
	if r.Priority.Rank() == 0 {
		return fmt.Errorf("alert rule %s: unknown priority %q", r.ID, r.Priority)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("alert rule %s: at least one condition is required", r.ID)
	}
	for i, c := range r.Conditions {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("alert rule %s: conditions[%d]: %w", r.ID, i, err)
		}
	}
	return nil
}

// Summary aggregates the alerts of a scope over a period.
type Summary struct {
	Scope             string           `json:"scope"`
	Start             time.Time        `json:"start"`
	End               time.Time        `json:"end"`
	Total             int              `json:"total"`
	ByPriority        map[Priority]int `json:"byPriority"`
	ByType            map[Type]int     `json:"byType"`
	AcknowledgedCount int              `json:"acknowledgedCount"`
	Active            []Alert          `json:"active"`
	RecentActions     []Action         `json:"recentActions"`
}

// Action records an operator acknowledgement.
type Action struct {
	AlertID   string    `json:"alertId"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
