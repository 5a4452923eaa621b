package routing

import (
	"fmt"
	"time"
)

// Complexity is the estimated difficulty of a prompt.
type Complexity string

const (
	Simple    Complexity = "simple"
	Moderate  Complexity = "moderate"
	Complex   Complexity = "complex"
	Reasoning Complexity = "reasoning"
)

// Strategy sets the default weighting between quality, latency and cost
// when a request does not state its own priorities.
type Strategy string

const (
	CostOptimized    Strategy = "cost_optimized"
	QualityOptimized Strategy = "quality_optimized"
	Balanced         Strategy = "balanced"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CostOptimized, QualityOptimized, Balanced:
		return true
	}
	return false
}

// defaults returns the quality and latency priorities of s.
func (s Strategy) defaults() (quality, latency float64) {
	switch s {
	case CostOptimized:
		return 20, 20
	case QualityOptimized:
		return 90, 30
	}
	return 50, 50
}

// Request describes a call that needs a model.
type Request struct {
	// RequestID is the unique identifier for this request.
	RequestID string `json:"requestId,omitempty"`

	Prompt string `json:"prompt"`

	// Model is the model the caller asked for, if any. Rules can match on it.
	Model string `json:"model,omitempty"`

	MaxTokens            int      `json:"maxTokens,omitempty"`
	PreferredProvider    string   `json:"preferredProvider,omitempty"`
	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`

	// BudgetLimit excludes models whose estimated cost exceeds it. Zero
	// means no limit.
	BudgetLimit float64 `json:"budgetLimit,omitempty"`

	// QualityPriority and LatencyPriority weigh candidates, 0-100. Zero uses
	// the router strategy defaults.
	QualityPriority float64 `json:"qualityPriority,omitempty"`
	LatencyPriority float64 `json:"latencyPriority,omitempty"`

	TaskType string            `json:"taskType,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Alternative is a runner-up model.
type Alternative struct {
	Model         string  `json:"model"`
	Reason        string  `json:"reason"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Decision is the outcome of routing a request.
type Decision struct {
	Model         string        `json:"selectedModel"`
	Reasoning     string        `json:"reasoning"`
	Complexity    Complexity    `json:"complexity,omitempty"`
	Alternatives  []Alternative `json:"alternatives"`
	EstimatedCost float64       `json:"estimatedCost"`

	// Confidence grows with the amount of performance data behind the
	// choice, 0-1.
	Confidence   float64        `json:"confidence"`
	AppliedRules []string       `json:"appliedRules"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Field is the request attribute a rule condition inspects.
type Field string

const (
	FieldModel        Field = "model"
	FieldTokens       Field = "tokens"
	FieldPromptLength Field = "prompt_length"
	FieldTaskType     Field = "task_type"
	FieldTimeOfDay    Field = "time_of_day"
)

// Operator compares a field with the condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
)

// Condition is the clause of a routing rule. Fields other than the
// built-in ones are read from the request metadata.
type Condition struct {
	Field    Field    `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value"`
	Number   float64  `json:"number,omitempty" yaml:"number"`
	Values   []string `json:"values,omitempty" yaml:"values"`
}

// Validate checks that the operator has the value it needs.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Operator {
	case OpEquals, OpContains:
		if c.Value == "" {
			return fmt.Errorf("%s on %s: value is required", c.Operator, c.Field)
		}
	case OpGreaterThan, OpLessThan:
	case OpIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("in on %s: values must not be empty", c.Field)
		}
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// ActionType is what a matching rule does.
type ActionType string

const (
	RouteToModel ActionType = "route_to_model"
	AdjustParams ActionType = "adjust_params"
	Reject       ActionType = "reject"
)

// RuleAction is the effect of a routing rule.
type RuleAction struct {
	Type   ActionType     `json:"type" yaml:"type"`
	Model  string         `json:"model,omitempty" yaml:"model"`
	Params map[string]any `json:"params,omitempty" yaml:"params"`
	Reason string         `json:"reason,omitempty" yaml:"reason"`
}

// Rule is a custom routing rule. Higher priorities are evaluated first.
type Rule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Priority  int        `json:"priority" yaml:"priority"`
	Condition Condition  `json:"condition" yaml:"condition"`
	Action    RuleAction `json:"action" yaml:"action"`
	Disabled  bool       `json:"disabled,omitempty" yaml:"disabled"`
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("routing rule id is required")
	}
	if r.Priority < 0 || r.Priority > 100 {
		return fmt.Errorf("routing rule %s: priority must be within 0-100", r.ID)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("routing rule %s: %w", r.ID, err)
	}
	switch r.Action.Type {
	case RouteToModel:
		if r.Action.Model == "" {
			return fmt.Errorf("routing rule %s: route_to_model needs a model", r.ID)
		}
	case AdjustParams, Reject:
	default:
		return fmt.Errorf("routing rule %s: unknown action %q", r.ID, r.Action.Type)
	}
	return nil
}

func (r Rule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Observation is the outcome of one call, fed back to the router.
type Observation struct {
	Model   string
	Latency time.Duration
	Success bool

	// Quality is an optional 0-1 rating of the response.
	Quality *float64
}

// Performance is the running record of a model.
type Performance struct {
	Model          string        `json:"model"`
	AverageLatency time.Duration `json:"averageLatency"`
	SuccessRate    float64       `json:"successRate"`
	AverageQuality float64       `json:"averageQuality"`
	SampleSize     int           `json:"sampleSize"`
}

// Stats contains statistics about routing decisions.
type Stats struct {
	TotalRequests int64            `json:"totalRequests"`
	PerModel      map[string]int64 `json:"perModel"`
	PerComplexity map[string]int64 `json:"perComplexity"`
	RuleRouted    int64            `json:"ruleRouted"`
	Rejected      int64            `json:"rejected"`
	Errors        int64            `json:"errors"`
	LastResetTime time.Time        `json:"lastResetTime"`
}
