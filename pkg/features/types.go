package features

import (
	"fmt"
	"time"
)

// Vector is the feature set of one closed window of one scope.
type Vector struct {
	Scope string    `json:"scope"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Volume
	RequestCount int     `json:"requestCount"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalCost    float64 `json:"totalCost"`

	// Per-request statistics (population variance)
	AvgCost       float64 `json:"avgCost"`
	CostVariance  float64 `json:"costVariance"`
	AvgTokens     float64 `json:"avgTokens"`
	TokenVariance float64 `json:"tokenVariance"`
	AvgLatencyMS  float64 `json:"avgLatencyMs"`
	ErrorRate     float64 `json:"errorRate"`

	// RequestVariance is the variance of per-minute request counts.
	RequestVariance float64 `json:"requestVariance"`

	// Rate of change versus the previous window.
	CostDelta    float64 `json:"costDelta"`
	TokenDelta   float64 `json:"tokenDelta"`
	CostTrend    float64 `json:"costTrend"`
	RequestTrend float64 `json:"requestTrend"`

	// Model mix
	ModelDistribution map[string]int `json:"modelDistribution"`
	TopModel          string         `json:"topModel"`
	TopModelShare     float64        `json:"topModelShare"`
	UniqueModels      int            `json:"uniqueModels"`
	UniqueAgents      int            `json:"uniqueAgents"`
	UniqueWorkflows   int            `json:"uniqueWorkflows"`

	// Calendar position of the window midpoint.
	HourOfDay     int  `json:"hourOfDay"`
	DayOfWeek     int  `json:"dayOfWeek"`
	Weekend       bool `json:"weekend"`
	BusinessHours bool `json:"businessHours"`

	// SeasonalIndex is the window cost relative to the historical mean of
	// the same weekday and time-of-day slot. 1.0 without history.
	SeasonalIndex float64 `json:"seasonalIndex"`

	// LateRecords counts out-of-order records folded into this window.
	LateRecords int `json:"lateRecords"`
}

// Empty reports whether the window saw no traffic.
func (v Vector) Empty() bool {
	return v.RequestCount == 0
}

// StaleRecordError rejects a record that arrived too late to be placed in any
// open window.
type StaleRecordError struct {
	Scope      string
	Timestamp  time.Time
	OpenWindow time.Time
	Slack      time.Duration
}

func (e *StaleRecordError) Error() string {
	return fmt.Sprintf("stale record for scope %q: timestamp %s is more than %s before open window %s",
		e.Scope, e.Timestamp.Format(time.RFC3339), e.Slack, e.OpenWindow.Format(time.RFC3339))
}
