package patterns

import (
	"fmt"
	"time"

	"mercator-hq/costguard/pkg/features"
)

// Statistics summarises a series of windows.
type Statistics struct {
	MeanCost          float64 `json:"meanCost"`
	StdCost           float64 `json:"stdCost"`
	MeanRequests      float64 `json:"meanRequests"`
	StdRequests       float64 `json:"stdRequests"`
	MeanLatencyMS     float64 `json:"meanLatencyMs"`
	StdLatencyMS      float64 `json:"stdLatencyMs"`
	BaselineErrorRate float64 `json:"baselineErrorRate"`
}

// AlertKind groups pattern alerts.
type AlertKind string

const (
	AlertAnomaly AlertKind = "anomaly"
	AlertTrend   AlertKind = "trend"
)

// PatternAlert is a human-facing summary raised by Analyze.
type PatternAlert struct {
	Kind            AlertKind `json:"kind"`
	Severity        Severity  `json:"severity"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	Related         []string  `json:"relatedAnomalies,omitempty"`
	SuggestedAction string    `json:"suggestedAction"`
}

// Analysis is the result of a batch pass over historical windows.
type Analysis struct {
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Anomalies  []Anomaly        `json:"anomalies"`
	CostTrend  Trend            `json:"costTrend"`
	UsageTrend Trend            `json:"usageTrend"`
	Seasonal   features.Profile `json:"seasonal"`
	Statistics Statistics       `json:"statistics"`
	Alerts     []PatternAlert   `json:"alerts"`
}

// Analyze scores a complete series without touching streaming state. Every
// window past the first MinDataPoints is scored against the windows before
// it, exactly as Observe would have.
func (d *Detector) Analyze(vs []features.Vector) Analysis {
	var a Analysis
	if len(vs) == 0 {
		return a
	}
	a.Start = vs[0].Start
	a.End = vs[len(vs)-1].End
	a.CostTrend = Trend{Direction: Flat}
	a.UsageTrend = Trend{Direction: Flat}
	if len(vs) < d.cfg.MinDataPoints {
		return a
	}

	costs, requests := series(vs)
	latencies := make([]float64, len(vs))
	errRates := make([]float64, len(vs))
	for i, v := range vs {
		latencies[i] = v.AvgLatencyMS
		errRates[i] = v.ErrorRate
	}
	a.Statistics = Statistics{
		MeanCost:          mean(costs),
		StdCost:           stddev(costs),
		MeanRequests:      mean(requests),
		StdRequests:       stddev(requests),
		MeanLatencyMS:     mean(latencies),
		StdLatencyMS:      stddev(latencies),
		BaselineErrorRate: mean(errRates),
	}

	for i := d.cfg.MinDataPoints; i < len(vs); i++ {
		start := i - d.cfg.BaselineWindows
		if start < 0 {
			start = 0
		}
		a.Anomalies = append(a.Anomalies, d.score(vs[start:i], vs[i])...)
	}

	a.CostTrend = FitTrend(costs, d.cfg.TrendHorizon)
	a.UsageTrend = FitTrend(requests, d.cfg.TrendHorizon)
	a.Seasonal = features.SeasonalProfile(vs)
	a.Alerts = patternAlerts(a.Anomalies, a.CostTrend, a.UsageTrend)
	return a
}

func patternAlerts(anomalies []Anomaly, cost, use Trend) []PatternAlert {
	var alerts []PatternAlert

	var critical, high []string
	for _, an := range anomalies {
		switch an.Severity {
		case SeverityCritical:
			critical = append(critical, an.ID)
		case SeverityHigh:
			high = append(high, an.ID)
		}
	}
	if len(critical) > 0 {
		alerts = append(alerts, PatternAlert{
			Kind:            AlertAnomaly,
			Severity:        SeverityCritical,
			Title:           "Critical anomalies detected",
			Message:         fmt.Sprintf("%d critical anomalies detected in recent usage", len(critical)),
			Related:         critical,
			SuggestedAction: "Investigate immediately. Check for unauthorized access or runaway agents.",
		})
	}
	if len(high) >= 3 {
		alerts = append(alerts, PatternAlert{
			Kind:            AlertAnomaly,
			Severity:        SeverityHigh,
			Title:           "Multiple high-severity anomalies",
			Message:         fmt.Sprintf("%d high-severity anomalies detected, suggesting a systematic issue", len(high)),
			Related:         high,
			SuggestedAction: "Review recent changes to agents or workflows and consider tighter limits.",
		})
	}

	if cost.Direction == Rising && cost.Confidence > 0.7 && len(cost.Forecast) > 0 {
		first, last := cost.Forecast[0], cost.Forecast[len(cost.Forecast)-1]
		if first > 0 && last > first {
			pct := (last - first) / first * 100
			if pct > 20 {
				sev := SeverityMedium
				if pct > 50 {
					sev = SeverityHigh
				}
				alerts = append(alerts, PatternAlert{
					Kind:            AlertTrend,
					Severity:        sev,
					Title:           "Rising cost trend",
					Message:         fmt.Sprintf("Costs are projected to increase %.0f%% over the forecast horizon", pct),
					SuggestedAction: "Review budget limits and cost optimisation recommendations.",
				})
			}
		}
	}

	if use.Direction == Falling && use.Confidence > 0.8 {
		alerts = append(alerts, PatternAlert{
			Kind:            AlertTrend,
			Severity:        SeverityMedium,
			Title:           "Declining usage trend",
			Message:         "Usage has been steadily declining. This may indicate service issues or reduced demand.",
			SuggestedAction: "Verify service health and check affected integrations.",
		})
	}

	if cost.Direction == Volatile && use.Direction == Volatile {
		alerts = append(alerts, PatternAlert{
			Kind:            AlertAnomaly,
			Severity:        SeverityMedium,
			Title:           "Volatile usage pattern",
			Message:         "Both cost and usage are highly volatile, making forecasting unreliable.",
			SuggestedAction: "Investigate sources of variability.",
		})
	}
	return alerts
}
