package features

import (
	"math"
	"time"

	"mercator-hq/costguard/pkg/usage"
)

// accumulator keeps running sums for the open window.
type accumulator struct {
	start time.Time

	count        int
	errors       int
	late         int
	inputTokens  int64
	outputTokens int64
	cost         float64
	costSq       float64
	tokens       float64
	tokensSq     float64
	latencyMS    float64

	models    map[string]int
	agents    map[string]struct{}
	workflows map[string]struct{}
	perMinute map[int]int
}

func newAccumulator(start time.Time) *accumulator {
	return &accumulator{
		start:     start,
		models:    make(map[string]int),
		agents:    make(map[string]struct{}),
		workflows: make(map[string]struct{}),
		perMinute: make(map[int]int),
	}
}

func (a *accumulator) add(rec usage.Record) {
	a.count++
	if rec.Failed() {
		a.errors++
	}
	a.inputTokens += rec.PromptTokens
	a.outputTokens += rec.CompletionTokens
	a.cost += rec.Cost
	a.costSq += rec.Cost * rec.Cost
	tok := float64(rec.PromptTokens + rec.CompletionTokens)
	a.tokens += tok
	a.tokensSq += tok * tok
	a.latencyMS += float64(rec.Latency) / float64(time.Millisecond)

	if rec.Model != "" {
		a.models[rec.Model]++
	}
	if rec.AgentID != "" {
		a.agents[rec.AgentID] = struct{}{}
	}
	if rec.WorkflowID != "" {
		a.workflows[rec.WorkflowID] = struct{}{}
	}

	minute := int(rec.Timestamp.Sub(a.start) / time.Minute)
	if minute < 0 {
		minute = 0
	}
	a.perMinute[minute]++
}

func (a *accumulator) vector(name string, window time.Duration, prev *Vector, cfg Config) Vector {
	v := Vector{
		Scope:             name,
		Start:             a.start,
		End:               a.start.Add(window),
		RequestCount:      a.count,
		InputTokens:       a.inputTokens,
		OutputTokens:      a.outputTokens,
		TotalCost:         a.cost,
		ModelDistribution: make(map[string]int, len(a.models)),
		UniqueModels:      len(a.models),
		UniqueAgents:      len(a.agents),
		UniqueWorkflows:   len(a.workflows),
		LateRecords:       a.late,
	}

	if a.count > 0 {
		n := float64(a.count)
		v.AvgCost = a.cost / n
		v.CostVariance = variance(a.costSq, a.cost, n)
		v.AvgTokens = a.tokens / n
		v.TokenVariance = variance(a.tokensSq, a.tokens, n)
		v.AvgLatencyMS = a.latencyMS / n
		v.ErrorRate = float64(a.errors) / n
	}

	top, topCount := "", 0
	for m, c := range a.models {
		v.ModelDistribution[m] = c
		if c > topCount || (c == topCount && m < top) {
			top, topCount = m, c
		}
	}
	v.TopModel = top
	if a.count > 0 {
		v.TopModelShare = float64(topCount) / float64(a.count)
	}

	minutes := int(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	var sum, sumSq float64
	for i := 0; i < minutes; i++ {
		c := float64(a.perMinute[i])
		sum += c
		sumSq += c * c
	}
	v.RequestVariance = variance(sumSq, sum, float64(minutes))

	mid := a.start.Add(window / 2).In(cfg.Location)
	v.HourOfDay = mid.Hour()
	v.DayOfWeek = int(mid.Weekday())
	v.Weekend = mid.Weekday() == time.Saturday || mid.Weekday() == time.Sunday
	v.BusinessHours = !v.Weekend && v.HourOfDay >= cfg.BusinessHoursStart && v.HourOfDay < cfg.BusinessHoursEnd

	if prev != nil {
		v.CostDelta = v.TotalCost - prev.TotalCost
		v.TokenDelta = float64(v.InputTokens+v.OutputTokens) - float64(prev.InputTokens+prev.OutputTokens)
		prevReq := float64(prev.RequestCount)
		if prevReq == 0 {
			prevReq = 1
		}
		prevCost := prev.TotalCost
		if prevCost == 0 {
			prevCost = 0.001
		}
		v.RequestTrend = math.Tanh((float64(v.RequestCount) - prevReq) / prevReq)
		v.CostTrend = math.Tanh((v.TotalCost - prevCost) / (prevCost + 0.001))
	}

	return v
}

// variance returns the population variance from a sum of squares and a sum.
func variance(sumSq, sum, n float64) float64 {
	if n <= 0 {
		return 0
	}
	m := sum / n
	v := sumSq/n - m*m
	if v < 0 {
		return 0
	}
	return v
}
