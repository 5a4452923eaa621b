package analyzer

import (
	"time"
)

// Bucket is the granularity of the usage time series.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return true
	}
	return false
}

// PatternType names a usage pattern.
type PatternType string

const (
	PremiumOveruse     PatternType = "high_cost_model_overuse"
	LowUtilization     PatternType = "low_utilization"
	BurstTraffic       PatternType = "burst_traffic"
	HighOutput         PatternType = "consistent_high_output"
	InefficientRetries PatternType = "inefficient_retries"
	CostSpikes         PatternType = "cost_spike"
)

// Severity grades a detected pattern.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Pattern is one detected usage pattern with the evidence behind it.
type Pattern struct {
	Type             PatternType    `json:"type"`
	Severity         Severity       `json:"severity"`
	Description      string         `json:"description"`
	Evidence         map[string]any `json:"evidence"`
	Recommendation   string         `json:"recommendation"`
	PotentialSavings float64        `json:"potentialSavings,omitempty"`
	Model            string         `json:"model,omitempty"`
	Start            time.Time      `json:"start,omitzero"`
	End              time.Time      `json:"end,omitzero"`
}

// ModelStats aggregates the usage of one model.
type ModelStats struct {
	Model               string        `json:"model"`
	Provider            string        `json:"provider"`
	RequestCount        int           `json:"requestCount"`
	InputTokens         int64         `json:"totalInputTokens"`
	OutputTokens        int64         `json:"totalOutputTokens"`
	TotalCost           float64       `json:"totalCost"`
	AverageInputTokens  float64       `json:"averageInputTokens"`
	AverageOutputTokens float64       `json:"averageOutputTokens"`
	AverageLatency      time.Duration `json:"averageLatency"`
	ErrorRate           float64       `json:"errorRate"`

	// PeakHour is the hour of day with the most requests, -1 when unknown.
	PeakHour int `json:"peakHour"`
}

// Point is one bucket of the usage time series.
type Point struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int       `json:"requestCount"`
	TotalTokens  int64     `json:"totalTokens"`
	TotalCost    float64   `json:"totalCost"`
	Models       []string  `json:"models"`
}

// Result is the outcome of one analysis.
type Result struct {
	Start           time.Time    `json:"start"`
	End             time.Time    `json:"end"`
	Bucket          Bucket       `json:"bucket"`
	TotalRequests   int          `json:"totalRequests"`
	TotalCost       float64      `json:"totalCost"`
	TotalTokens     int64        `json:"totalTokens"`
	Models          []ModelStats `json:"modelStats"`
	Patterns        []Pattern    `json:"patterns"`
	Series          []Point      `json:"timeSeries"`
	Recommendations []string     `json:"recommendations"`
}

// Savings sums the potential savings of every pattern.
func (r Result) Savings() float64 {
	var s float64
	for _, p := range r.Patterns {
		s += p.PotentialSavings
	}
	return s
}
