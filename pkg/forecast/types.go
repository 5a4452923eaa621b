package forecast

import (
	"time"

	"mercator-hq/costguard/pkg/patterns"
)

// Period is the granularity of forecast points.
type Period string

const (
	PeriodHour Period = "hour"
	PeriodDay  Period = "day"
	PeriodWeek Period = "week"
)

// Duration returns the length of one period.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodHour:
		return time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// count returns the number of periods covering horizonDays.
func (p Period) count(horizonDays int) int {
	switch p {
	case PeriodHour:
		return horizonDays * 24
	case PeriodWeek:
		return (horizonDays + 6) / 7
	default:
		return horizonDays
	}
}

// Point is the prediction for one period starting at Timestamp.
type Point struct {
	Timestamp         time.Time `json:"timestamp"`
	PredictedCost     float64   `json:"predictedCost"`
	PredictedRequests float64   `json:"predictedRequests"`
	Confidence        float64   `json:"confidence"`
	LowerBound        float64   `json:"lowerBound"`
	UpperBound        float64   `json:"upperBound"`
}

// end returns the end of the period covered by the point.
func (p Point) end(period Period) time.Time {
	return p.Timestamp.Add(period.Duration())
}

// Summary aggregates the forecast curve.
type Summary struct {
	TotalPredictedCost float64            `json:"totalPredictedCost"`
	AveragePeriodCost  float64            `json:"averagePeriodCost"`
	PeakCost           float64            `json:"peakCost"`
	PeakAt             time.Time          `json:"peakAt"`
	Trend              patterns.Direction `json:"trend"`
	TrendConfidence    float64            `json:"trendConfidence"`
	TrendR2            float64            `json:"trendR2"`
}

// Result is one forecast of a scope. A new result replaces the previous one
// on every cycle.
type Result struct {
	Scope       string    `json:"scope"`
	GeneratedAt time.Time `json:"generatedAt"`
	Period      Period    `json:"period"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Points      []Point   `json:"points"`
	Summary     Summary   `json:"summary"`

	// DataPoints is the number of feature windows the forecast was built from.
	DataPoints int `json:"dataPoints"`

	// Sufficient is false when DataPoints is below the configured minimum.
	Sufficient bool `json:"sufficient"`

	Seasonal bool     `json:"seasonal"`
	Warnings []string `json:"warnings,omitempty"`
}

// Label grades the trust in a projection.
type Label string

const (
	LabelHigh   Label = "high"
	LabelMedium Label = "medium"
	LabelLow    Label = "low"
)

// Projection is the budget outlook of a scope derived from a Result.
type Projection struct {
	Scope            string    `json:"scope"`
	Limit            float64   `json:"limit"`
	CurrentSpend     float64   `json:"currentSpend"`
	ProjectedSpend   float64   `json:"projectedSpend"`
	ProjectedOverage float64   `json:"projectedOverage"`
	Utilization      float64   `json:"utilization"`
	ComputedAt       time.Time `json:"computedAt"`

	// Exhausts is false when the curve stays under the limit for the whole
	// horizon; ExhaustionAt and DaysUntilExhaustion are then zero.
	Exhausts            bool      `json:"exhausts"`
	ExhaustionAt        time.Time `json:"exhaustionAt,omitempty"`
	DaysUntilExhaustion float64   `json:"daysUntilExhaustion,omitempty"`

	ExceedProbability float64 `json:"exceedProbability"`
	Confidence        Label   `json:"confidence"`
	Recommendation    string  `json:"recommendation"`
}

// ExhaustsWithin reports whether the projected exhaustion falls within d of
// the projection time.
func (p Projection) ExhaustsWithin(d time.Duration) bool {
	return p.Exhausts && !p.ExhaustionAt.After(p.ComputedAt.Add(d))
}
