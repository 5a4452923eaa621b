package costs

import "time"

// Tier is the price/quality class of a model.
type Tier string

const (
	TierBudget   Tier = "budget"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Rank orders tiers from cheapest to most capable.
func (t Tier) Rank() int {
	switch t {
	case TierBudget:
		return 0
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	default:
		return -1
	}
}

// Pricing is the price card of a single model.
type Pricing struct {
	// InputPer1K is the USD cost per 1000 prompt tokens.
	InputPer1K float64 `json:"inputPer1k" yaml:"input_per_1k"`

	// OutputPer1K is the USD cost per 1000 completion tokens.
	OutputPer1K float64 `json:"outputPer1k" yaml:"output_per_1k"`

	Provider      string   `json:"provider" yaml:"provider"`
	Tier          Tier     `json:"tier" yaml:"tier"`
	ContextWindow int      `json:"contextWindow" yaml:"context_window"`
	Capabilities  []string `json:"capabilities" yaml:"capabilities"`
}

// HasCapability reports whether the model advertises capability c.
func (p Pricing) HasCapability(c string) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// UnitCost is the blended per-1K cost used to rank models.
func (p Pricing) UnitCost() float64 {
	return p.InputPer1K + p.OutputPer1K
}

// Usage is the token count of a single call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Breakdown is the cost of a single call.
type Breakdown struct {
	Model      string  `json:"model"`
	Provider   string  `json:"provider"`
	InputCost  float64 `json:"inputCost"`
	OutputCost float64 `json:"outputCost"`
	TotalCost  float64 `json:"totalCost"`
	Currency   string  `json:"currency"`

	// Known is false when the model resolved to no pricing entry.
	Known bool `json:"known"`

	// Pricing is the entry used; zero when Known is false.
	Pricing Pricing `json:"pricing"`
}

// Totals aggregates the cost of many calls.
type Totals struct {
	Total      float64            `json:"total"`
	ByModel    map[string]float64 `json:"byModel"`
	ByProvider map[string]float64 `json:"byProvider"`
	Unknown    int                `json:"unknownModels"`
}

// Trend is the direction of spend over a lookback period.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Projection extrapolates historical daily spend.
type Projection struct {
	Daily            float64 `json:"daily"`
	Weekly           float64 `json:"weekly"`
	Monthly          float64 `json:"monthly"`
	Yearly           float64 `json:"yearly"`
	BasedOnDays      int     `json:"basedOnDays"`
	AverageDailyCost float64 `json:"averageDailyCost"`
	Trend            Trend   `json:"trend"`
	TrendPercentage  float64 `json:"trendPercentage"`
}

// Savings estimates the effect of moving a set of calls to another model.
type Savings struct {
	TargetModel       string   `json:"targetModel"`
	CurrentCost       float64  `json:"currentCost"`
	ProjectedCost     float64  `json:"projectedCost"`
	Savings           float64  `json:"savings"`
	SavingsPercentage float64  `json:"savingsPercentage"`
	Feasible          bool     `json:"feasible"`
	Warnings          []string `json:"warnings,omitempty"`
}

// Requirements constrain model selection in Cheapest.
type Requirements struct {
	MinContextWindow     int
	RequiredCapabilities []string
	Provider             string
}

// Call is the subset of a usage record needed for aggregate calculations.
type Call struct {
	Model     string
	Provider  string
	Usage     Usage
	Timestamp time.Time
}
