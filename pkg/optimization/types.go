package optimization

import (
	"time"

	"mercator-hq/costguard/pkg/analyzer"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/forecast"
)

// RecommendationType classifies what a recommendation asks the operator to do.
type RecommendationType string

const (
	ModelSwitch        RecommendationType = "model_switch"
	PromptOptimization RecommendationType = "prompt_optimization"
	Batching           RecommendationType = "batching"
	Caching            RecommendationType = "caching"
	BudgetAlert        RecommendationType = "budget_alert"
)

// Priority orders recommendations in a report.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Recommendation is a single actionable optimization.
type Recommendation struct {
	ID               string             `json:"id"`
	Type             RecommendationType `json:"type"`
	Priority         Priority           `json:"priority"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	CurrentCost      float64            `json:"currentCost"`
	ProjectedSavings float64            `json:"projectedSavings"`
	Implementation   string             `json:"implementation"`
	AffectedModels   []string           `json:"affectedModels"`
	Confidence       float64            `json:"confidence"`
	Evidence         map[string]any     `json:"evidence,omitempty"`
}

// Summary is the headline of a report.
type Summary struct {
	TotalCost             float64 `json:"totalCost"`
	TotalRequests         int     `json:"totalRequests"`
	AverageCostPerRequest float64 `json:"averageCostPerRequest"`
	TopModel              string  `json:"topModel"`
	TopModelCost          float64 `json:"topModelCost"`
}

// Report is the optimization report of a scope over a period.
type Report struct {
	Scope       string           `json:"scope"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Summary     Summary          `json:"summary"`
	Projection  costs.Projection `json:"projection"`
	Analysis    analyzer.Result  `json:"analysis"`

	// Budget is the latest forecast projection of the scope, when one exists.
	Budget *forecast.Projection `json:"budget,omitempty"`

	Recommendations  []Recommendation `json:"recommendations"`
	PotentialSavings float64          `json:"potentialSavings"`
}

// ReportOptions narrow a report. Zero values select the configured lookback
// ending now.
type ReportOptions struct {
	Start time.Time
	End   time.Time

	// SkipRecommendations produces the analysis only.
	SkipRecommendations bool
}

// Alternative is a cheaper model evaluated against a set of usage records.
type Alternative struct {
	Model          string   `json:"model"`
	CurrentCost    float64  `json:"currentCost"`
	ProjectedCost  float64  `json:"projectedCost"`
	SavingsPercent float64  `json:"savingsPercent"`
	Feasible       bool     `json:"feasible"`
	Warnings       []string `json:"warnings,omitempty"`
}
