package patterns

import (
	"fmt"
	"strings"
	"time"
)

// AnomalyType classifies a deviation.
type AnomalyType string

const (
	CostSpike      AnomalyType = "cost_spike"
	CostDrop       AnomalyType = "cost_drop"
	UsageSurge     AnomalyType = "usage_surge"
	UsageDrop      AnomalyType = "usage_drop"
	LatencySpike   AnomalyType = "latency_spike"
	ErrorRateSpike AnomalyType = "error_rate_spike"
	OffHours       AnomalyType = "off_hours_activity"
	Drift          AnomalyType = "drift"
	PlateauBreak   AnomalyType = "plateau_break"
)

// Severity grades an anomaly. The zero value is SeverityNone.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity name.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return SeverityNone, fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// ladder grades value against ascending medium/high/critical cut-offs.
func ladder(value, medium, high, critical float64) Severity {
	switch {
	case value >= critical:
		return SeverityCritical
	case value >= high:
		return SeverityHigh
	case value >= medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Metric names the feature a score was computed on.
type Metric string

const (
	MetricCost      Metric = "cost"
	MetricRequests  Metric = "requests"
	MetricLatency   Metric = "latency"
	MetricErrorRate Metric = "error_rate"
)

// Anomaly is one flagged deviation of one window.
type Anomaly struct {
	ID          string      `json:"id"`
	Scope       string      `json:"scope"`
	Type        AnomalyType `json:"type"`
	Severity    Severity    `json:"severity"`
	Metric      Metric      `json:"metric"`
	Score       float64     `json:"score"`
	Confidence  float64     `json:"confidence"`
	Observed    float64     `json:"observed"`
	Expected    float64     `json:"expected"`
	WindowStart time.Time   `json:"windowStart"`
	WindowEnd   time.Time   `json:"windowEnd"`
	Description string      `json:"description"`

	// order is the evaluation position of the contributing metric; later
	// positions are treated as more recent when breaking severity ties.
	order int
}

// Direction classifies a fitted trend.
type Direction string

const (
	Rising   Direction = "rising"
	Falling  Direction = "falling"
	Flat     Direction = "flat"
	Volatile Direction = "volatile"
)

// Trend is an ordinary least squares fit over recent windows.
type Trend struct {
	Direction  Direction `json:"direction"`
	Slope      float64   `json:"slope"`
	Intercept  float64   `json:"intercept"`
	R2         float64   `json:"r2"`
	Confidence float64   `json:"confidence"`
	Points     int       `json:"points"`

	// Forecast extends the fitted line past the last point.
	Forecast []float64 `json:"forecast,omitempty"`
}

// Finding is the detector output for one closed window.
type Finding struct {
	Scope       string    `json:"scope"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`

	// Primary is the anomaly chosen for the window after tie-breaking.
	Primary *Anomaly `json:"primary,omitempty"`

	// Anomalies holds every anomaly above the confidence floor, primary included.
	Anomalies []Anomaly `json:"anomalies,omitempty"`

	CostTrend  Trend `json:"costTrend"`
	UsageTrend Trend `json:"usageTrend"`

	// Baseline is false while the scope has fewer windows than required for
	// scoring.
	Baseline bool `json:"baseline"`
}

// MaxSeverity returns the severity of the primary anomaly.
func (f Finding) MaxSeverity() Severity {
	if f.Primary == nil {
		return SeverityNone
	}
	return f.Primary.Severity
}
