package features

import "math"

// FeatureNames labels the columns produced by Encode.
var FeatureNames = []string{
	"requestCount",
	"inputTokens",
	"outputTokens",
	"totalCost",
	"avgCost",
	"avgTokens",
	"avgLatencyMs",
	"errorRate",
	"topModelShare",
	"uniqueModels",
	"hourOfDay_sin",
	"hourOfDay_cos",
	"dayOfWeek_sin",
	"dayOfWeek_cos",
	"weekend",
	"businessHours",
	"requestTrend",
	"costTrend",
	"costVariance",
	"requestVariance",
	"uniqueAgents",
	"uniqueWorkflows",
	"seasonalIndex",
}

// Encode flattens v into a numeric vector. Cyclical calendar features are
// encoded as sin/cos pairs.
func Encode(v Vector) []float64 {
	hour := float64(v.HourOfDay) / 24 * 2 * math.Pi
	day := float64(v.DayOfWeek) / 7 * 2 * math.Pi
	return []float64{
		float64(v.RequestCount),
		float64(v.InputTokens),
		float64(v.OutputTokens),
		v.TotalCost,
		v.AvgCost,
		v.AvgTokens,
		v.AvgLatencyMS,
		v.ErrorRate,
		v.TopModelShare,
		float64(v.UniqueModels),
		math.Sin(hour),
		math.Cos(hour),
		math.Sin(day),
		math.Cos(day),
		boolToFloat(v.Weekend),
		boolToFloat(v.BusinessHours),
		v.RequestTrend,
		v.CostTrend,
		v.CostVariance,
		v.RequestVariance,
		float64(v.UniqueAgents),
		float64(v.UniqueWorkflows),
		v.SeasonalIndex,
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Stats holds per-column means and standard deviations.
type Stats struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// Normalize z-normalises the encoded vectors. When stats is nil they are
// computed from vs; columns with zero spread use a standard deviation of 1.
func Normalize(vs []Vector, stats *Stats) ([][]float64, Stats) {
	if len(vs) == 0 {
		return nil, Stats{}
	}
	rows := make([][]float64, len(vs))
	for i, v := range vs {
		rows[i] = Encode(v)
	}
	cols := len(rows[0])

	var st Stats
	if stats != nil && len(stats.Means) == cols && len(stats.Stds) == cols {
		st = *stats
	} else {
		st = Stats{Means: make([]float64, cols), Stds: make([]float64, cols)}
		n := float64(len(rows))
		for _, r := range rows {
			for j, x := range r {
				st.Means[j] += x
			}
		}
		for j := range st.Means {
			st.Means[j] /= n
		}
		for _, r := range rows {
			for j, x := range r {
				d := x - st.Means[j]
				st.Stds[j] += d * d
			}
		}
		for j := range st.Stds {
			st.Stds[j] = math.Sqrt(st.Stds[j] / n)
			if st.Stds[j] == 0 {
				st.Stds[j] = 1
			}
		}
	}

	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = make([]float64, cols)
		for j, x := range r {
			out[i][j] = (x - st.Means[j]) / st.Stds[j]
		}
	}
	return out, st
}

// Profile is the share of cost falling in each hour of day and day of week.
// Each array sums to 1 when any cost was observed.
type Profile struct {
	Hourly [24]float64 `json:"hourly"`
	Daily  [7]float64  `json:"daily"`
}

// SeasonalProfile averages window cost per hour and weekday and normalises
// the averages into shares.
func SeasonalProfile(vs []Vector) Profile {
	var p Profile
	var hourN [24]int
	var dayN [7]int
	for _, v := range vs {
		p.Hourly[v.HourOfDay] += v.TotalCost
		hourN[v.HourOfDay]++
		p.Daily[v.DayOfWeek] += v.TotalCost
		dayN[v.DayOfWeek]++
	}

	var hourSum, daySum float64
	for i := range p.Hourly {
		if hourN[i] > 0 {
			p.Hourly[i] /= float64(hourN[i])
		}
		hourSum += p.Hourly[i]
	}
	for i := range p.Daily {
		if dayN[i] > 0 {
			p.Daily[i] /= float64(dayN[i])
		}
		daySum += p.Daily[i]
	}
	if hourSum > 0 {
		for i := range p.Hourly {
			p.Hourly[i] /= hourSum
		}
	}
	if daySum > 0 {
		for i := range p.Daily {
			p.Daily[i] /= daySum
		}
	}
	return p
}
