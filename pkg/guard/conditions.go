package guard

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/patterns"
)

// ConditionKind tags a Condition variant.
type ConditionKind string

const (
	AbsoluteSpend            ConditionKind = "absolute_spend"
	PercentOfLimit           ConditionKind = "percent_of_limit"
	ForecastExhaustionWithin ConditionKind = "forecast_exhaustion_within"
	AnomalySeverityAtLeast   ConditionKind = "anomaly_severity_at_least"
	RequestCostAbove         ConditionKind = "request_cost_above"
	ModelIn                  ConditionKind = "model_in"
	PriorityIn               ConditionKind = "priority_in"
	UtilizationBetween       ConditionKind = "utilization_between"
)

// Input names the snapshot a condition reads besides the spend ledger.
const (
	InputForecast = "forecast"
	InputAnomaly  = "anomaly"
)

// Condition is one clause of a rule. Kind selects which fields are read:
//
//	absolute_spend              Amount: spend + estimate ≥ Amount
//	percent_of_limit            Percent: (spend + estimate) / limit ≥ Percent%
//	forecast_exhaustion_within  Days: projected exhaustion within Days
//	anomaly_severity_at_least   Severity
//	request_cost_above          Amount: estimate > Amount
//	model_in                    Models
//	priority_in                 Priorities
//	utilization_between         Min ≤ spend / limit < Max, in percent
type Condition struct {
	Kind       ConditionKind     `json:"kind" yaml:"kind"`
	Amount     float64           `json:"amount,omitempty" yaml:"amount"`
	Percent    float64           `json:"percent,omitempty" yaml:"percent"`
	Days       float64           `json:"days,omitempty" yaml:"days"`
	Severity   patterns.Severity `json:"severity,omitempty" yaml:"severity"`
	Models     []string          `json:"models,omitempty" yaml:"models"`
	Priorities []Priority        `json:"priorities,omitempty" yaml:"priorities"`
	Min        float64           `json:"min,omitempty" yaml:"min"`
	Max        float64           `json:"max,omitempty" yaml:"max"`
}

// Validate checks that the fields required by Kind are set and sane.
func (c Condition) Validate() error {
	switch c.Kind {
	case AbsoluteSpend, RequestCostAbove:
		if c.Amount < 0 {
			return fmt.Errorf("%s: amount must not be negative", c.Kind)
		}
	case PercentOfLimit:
		if c.Percent <= 0 {
			return fmt.Errorf("%s: percent must be positive", c.Kind)
		}
	case ForecastExhaustionWithin:
		if c.Days <= 0 {
			return fmt.Errorf("%s: days must be positive", c.Kind)
		}
	case AnomalySeverityAtLeast:
		if c.Severity.Rank() == 0 {
			return fmt.Errorf("%s: unknown severity %q", c.Kind, c.Severity)
		}
	case ModelIn:
		if len(c.Models) == 0 {
			return fmt.Errorf("%s: models must not be empty", c.Kind)
		}
	case PriorityIn:
		if len(c.Priorities) == 0 {
			return fmt.Errorf("%s: priorities must not be empty", c.Kind)
		}
		for _, p := range c.Priorities {
			if _, err := ParsePriority(string(p)); err != nil || p == "" {
				return fmt.Errorf("%s: unknown priority %q", c.Kind, p)
			}
		}
	case UtilizationBetween:
		if c.Min < 0 || c.Max <= c.Min {
			return fmt.Errorf("%s: need 0 ≤ min < max, got %g..%g", c.Kind, c.Min, c.Max)
		}
	case "":
		return errors.New("condition kind is required")
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// Input returns the snapshot the condition depends on, or "".
func (c Condition) Input() string {
	switch c.Kind {
	case ForecastExhaustionWithin:
		return InputForecast
	case AnomalySeverityAtLeast:
		return InputAnomaly
	}
	return ""
}

// facts is everything a condition may read during one evaluation.
type facts struct {
	limit    float64
	spend    float64
	estimate float64
	model    string
	priority Priority

	projection *forecast.Projection
	anomaly    *AnomalySignal
}

func (f facts) projected() float64 {
	return f.spend + f.estimate
}

// utilization returns projected spend over the limit in percent.
func (f facts) utilization() float64 {
	if f.limit <= 0 {
		return 0
	}
	return f.projected() / f.limit * 100
}

func (c Condition) holds(f facts) bool {
	switch c.Kind {
	case AbsoluteSpend:
		return f.projected() >= c.Amount
	case PercentOfLimit:
		return f.limit > 0 && f.utilization() >= c.Percent
	case ForecastExhaustionWithin:
		return f.projection != nil &&
			f.projection.ExhaustsWithin(time.Duration(c.Days*float64(24*time.Hour)))
	case AnomalySeverityAtLeast:
		return f.anomaly != nil && f.anomaly.Severity.Rank() > 0 && f.anomaly.Severity.AtLeast(c.Severity)
	case RequestCostAbove:
		return f.estimate > c.Amount
	case ModelIn:
		return slices.Contains(c.Models, f.model)
	case PriorityIn:
		return slices.Contains(c.Priorities, f.priority)
	case UtilizationBetween:
		if f.limit <= 0 {
			return false
		}
		u := f.spend / f.limit * 100
		return u >= c.Min && u < c.Max
	}
	return false
}
