package forecast

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Project walks the forecast curve from currentSpend at now and reports
// whether and when it crosses limit. Periods that ended before now are
// skipped and the period containing now only counts its remaining part. The
// crossing is interpolated linearly inside the period where it happens.
func (f *Forecaster) Project(res Result, limit, currentSpend float64, now time.Time) Projection {
	p := Projection{
		Scope:        res.Scope,
		Limit:        limit,
		CurrentSpend: currentSpend,
		ComputedAt:   now,
		Confidence:   label(res),
	}

	period := res.Period
	if period == "" {
		period = PeriodDay
	}

	cum := currentSpend
	var variance float64
	if limit > 0 && currentSpend >= limit {
		p.Exhausts = true
		p.ExhaustionAt = now
	}
	for _, pt := range res.Points {
		end := pt.end(period)
		if !end.After(now) {
			continue
		}
		start := pt.Timestamp
		portion := 1.0
		if start.Before(now) {
			portion = float64(end.Sub(now)) / float64(period.Duration())
			start = now
		}
		cost := pt.PredictedCost * portion
		if f.z > 0 {
			sd := (pt.UpperBound - pt.PredictedCost) / f.z * portion
			variance += sd * sd
		}

		if limit > 0 && !p.Exhausts && cum+cost >= limit && cost > 0 {
			frac := (limit - cum) / cost
			p.Exhausts = true
			p.ExhaustionAt = start.Add(time.Duration(frac * float64(end.Sub(start))))
		}
		cum += cost
	}

	p.ProjectedSpend = cum
	if limit <= 0 {
		p.Recommendation = "No budget limit configured."
		f.storeProjection(p)
		return p
	}

	p.ProjectedOverage = math.Max(0, cum-limit)
	p.Utilization = cum / limit
	if p.Exhausts {
		p.DaysUntilExhaustion = p.ExhaustionAt.Sub(now).Hours() / 24
	}

	sigma := math.Sqrt(variance)
	switch {
	case sigma > 0:
		p.ExceedProbability = 1 - normalCDF((limit-cum)/sigma)
	case cum >= limit:
		p.ExceedProbability = 1
	}
	p.Recommendation = recommend(p)

	f.logger.Debug("budget projected",
		zap.String("scope", p.Scope),
		zap.Float64("limit", limit),
		zap.Float64("projected_spend", p.ProjectedSpend),
		zap.Bool("exhausts", p.Exhausts),
		zap.String("confidence", string(p.Confidence)),
	)
	f.storeProjection(p)
	return p
}

func (f *Forecaster) storeProjection(p Projection) {
	f.latest.Do(p.Scope, func(s *snapshot) {
		s.projection = &p
	})
}

// label grades a forecast from data sufficiency and trend fit.
func label(res Result) Label {
	if len(res.Points) == 0 {
		return LabelLow
	}
	fit := res.Summary.TrendConfidence
	switch {
	case res.Sufficient && fit >= 0.7:
		return LabelHigh
	case res.Sufficient || fit >= 0.4:
		return LabelMedium
	default:
		return LabelLow
	}
}

func recommend(p Projection) string {
	if p.ProjectedOverage > 0 {
		over := p.ProjectedOverage / p.Limit * 100
		switch {
		case over > 50:
			return fmt.Sprintf("CRITICAL: Budget projected to exceed by %.0f%%. Consider implementing hard limits or cost optimization immediately.", over)
		case over > 20:
			return fmt.Sprintf("WARNING: Budget projected to exceed by %.0f%%. Review high-cost models and implement rate limiting.", over)
		default:
			return fmt.Sprintf("NOTICE: Budget may be exceeded by %.0f%%. Monitor spending closely.", over)
		}
	}
	util := p.Utilization * 100
	if util > 90 {
		return fmt.Sprintf("Budget utilization projected at %.0f%%. Consider increasing limit or optimizing costs.", util)
	}
	return fmt.Sprintf("Budget on track. Projected utilization: %.0f%%", util)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}
