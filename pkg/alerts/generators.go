package alerts

import (
	"fmt"
	"sort"
	"time"

	"mercator-hq/costguard/pkg/patterns"
)

func (s *Service) builtins(in Input, now time.Time) []*Alert {
	var out []*Alert
	out = append(out, s.budgetAlerts(in, now)...)
	out = append(out, s.anomalyAlerts(in, now)...)
	out = append(out, s.trendAlerts(in, now)...)
	out = append(out, s.modelAlerts(in, now)...)
	return out
}

// priorityFromProbability grades an exceed probability.
func priorityFromProbability(p float64) Priority {
	switch {
	case p >= 0.95:
		return PriorityCritical
	case p >= 0.85:
		return PriorityHigh
	case p >= 0.7:
		return PriorityMedium
	}
	return PriorityLow
}

func (s *Service) budgetAlerts(in Input, now time.Time) []*Alert {
	p := in.Projection
	if p == nil || p.Limit <= 0 {
		return nil
	}
	var out []*Alert

	if p.ExceedProbability >= s.cfg.ExceedProbabilityThreshold {
		details := map[string]any{
			"limit":             p.Limit,
			"currentSpend":      p.CurrentSpend,
			"projectedSpend":    p.ProjectedSpend,
			"exceedProbability": p.ExceedProbability,
		}
		if p.Exhausts {
			details["daysUntilExhaustion"] = p.DaysUntilExhaustion
			details["exhaustionAt"] = p.ExhaustionAt
		}
		out = append(out, s.newAlert(in, TypeBudgetForecastExceed,
			priorityFromProbability(p.ExceedProbability),
			fmt.Sprintf("Budget %q projected to exceed", in.budget()),
			p.Recommendation, details, now))
	}

	util := p.CurrentSpend / p.Limit * 100
	if util >= s.cfg.UtilizationWarning && util < 100 {
		out = append(out, s.newAlert(in, TypeBudgetUtilization, PriorityMedium,
			fmt.Sprintf("Budget %q at %.0f%%", in.budget(), util),
			fmt.Sprintf("Current spend is $%.2f of $%.2f limit.", p.CurrentSpend, p.Limit),
			map[string]any{
				"utilization": util,
				"remaining":   p.Limit - p.CurrentSpend,
			}, now))
	}
	return out
}

func (s *Service) anomalyAlerts(in Input, now time.Time) []*Alert {
	var out []*Alert
	for _, an := range in.Anomalies {
		if an.Confidence < s.cfg.AnomalyConfidenceThreshold {
			continue
		}
		a := s.newAlert(in, TypeAnomalyDetected, fromSeverity(an.Severity),
			anomalyTitle(an.Type), an.Description,
			map[string]any{
				"anomalyId":   an.ID,
				"anomalyType": an.Type,
				"metric":      an.Metric,
				"observed":    an.Observed,
				"expected":    an.Expected,
				"score":       an.Score,
				"confidence":  an.Confidence,
				"windowStart": an.WindowStart,
			}, now)
		a.dedupe = string(an.Type)
		out = append(out, a)
	}
	return out
}

func (s *Service) trendAlerts(in Input, now time.Time) []*Alert {
	f := in.Forecast
	if f == nil || len(f.Points) == 0 {
		return nil
	}
	sum := f.Summary
	var out []*Alert

	switch sum.Trend {
	case patterns.Rising:
		if sum.TrendConfidence <= s.cfg.TrendConfidenceThreshold {
			break
		}
		daily := sum.AveragePeriodCost * float64(24*time.Hour) / float64(f.Period.Duration())
		monthly := daily * 30
		if monthly <= s.cfg.TrendMinMonthlyCost {
			break
		}
		prio := PriorityMedium
		if daily > 50 {
			prio = PriorityHigh
		}
		out = append(out, s.newAlert(in, TypeTrendWarning, prio,
			"Rising Cost Trend Detected",
			fmt.Sprintf("Costs are projected to average $%.2f/day, totaling approximately $%.2f this month.", daily, monthly),
			map[string]any{
				"averageDailyCost":     daily,
				"projectedWeeklyCost":  daily * 7,
				"projectedMonthlyCost": monthly,
				"trendConfidence":      sum.TrendConfidence,
				"peakCost":             sum.PeakCost,
				"peakAt":               sum.PeakAt,
			}, now))
	case patterns.Volatile:
		out = append(out, s.newAlert(in, TypeUsagePatternChange, PriorityMedium,
			"Volatile Cost Pattern",
			"Cost patterns are highly variable, making forecasting difficult. Consider implementing more consistent usage policies.",
			map[string]any{
				"trend":      sum.Trend,
				"confidence": sum.TrendConfidence,
			}, now))
	}
	return out
}

type modelUsage struct {
	requests int
	cost     float64
}

func (s *Service) modelAlerts(in Input, now time.Time) []*Alert {
	usage := make(map[string]*modelUsage)
	var total float64
	for _, v := range in.Vectors {
		if v.RequestCount == 0 {
			continue
		}
		perRequest := v.TotalCost / float64(v.RequestCount)
		for model, n := range v.ModelDistribution {
			u := usage[model]
			if u == nil {
				u = &modelUsage{}
				usage[model] = u
			}
			u.requests += n
			u.cost += perRequest * float64(n)
			total += perRequest * float64(n)
		}
	}
	if total <= 0 {
		return nil
	}

	models := make([]string, 0, len(usage))
	for m := range usage {
		models = append(models, m)
	}
	sort.Strings(models)

	var out []*Alert
	for _, m := range models {
		u := usage[m]
		share := u.cost / total
		if !isPremium(m, s.cfg.PremiumModels) || share <= s.cfg.PremiumModelShare {
			continue
		}
		a := s.newAlert(in, TypeModelCostOptimization, PriorityMedium,
			"Premium Model Optimization Opportunity",
			fmt.Sprintf("%s accounts for %.0f%% of costs. Consider using cheaper models for routine tasks.", m, share*100),
			map[string]any{
				"model":          m,
				"costPercentage": share,
				"totalCost":      u.cost,
				"requestCount":   u.requests,
			}, now)
		a.dedupe = m
		out = append(out, a)
	}
	return out
}
