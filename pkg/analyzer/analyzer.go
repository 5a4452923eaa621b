// Package analyzer summarises historical usage of a scope: per-model
// statistics, a bucketed time series, and usage patterns that point at
// savings (premium model overuse, bursts, verbose outputs, failing calls,
// cost spikes).
//
// The analyzer is stateless; every call to Analyze works on the records it
// is given. Record costs that were not reported are priced with the cost
// calculator.
package analyzer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/usage"
)

// Config holds pattern detection thresholds.
type Config struct {
	// PremiumSharePercent of requests on premium-tier models flags overuse.
	PremiumSharePercent float64

	// LowUtilizationTokens is the average input size below which a model is
	// considered underused.
	LowUtilizationTokens float64

	// BurstMultiplier of the mean bucket request count marks a burst.
	BurstMultiplier float64

	// HighOutputRatio of output to input tokens marks verbose responses.
	HighOutputRatio float64

	// ErrorRateThreshold flags models whose calls fail too often.
	ErrorRateThreshold float64

	// CostSpikeMultiplier of the mean bucket cost marks a spike.
	CostSpikeMultiplier float64

	// Location is used for bucketing and peak hours. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		PremiumSharePercent:  30,
		LowUtilizationTokens: 100,
		BurstMultiplier:      3,
		HighOutputRatio:      5,
		ErrorRateThreshold:   0.1,
		CostSpikeMultiplier:  2,
		Location:             time.UTC,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PremiumSharePercent <= 0 {
		c.PremiumSharePercent = d.PremiumSharePercent
	}
	if c.LowUtilizationTokens <= 0 {
		c.LowUtilizationTokens = d.LowUtilizationTokens
	}
	if c.BurstMultiplier <= 0 {
		c.BurstMultiplier = d.BurstMultiplier
	}
	if c.HighOutputRatio <= 0 {
		c.HighOutputRatio = d.HighOutputRatio
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.CostSpikeMultiplier <= 0 {
		c.CostSpikeMultiplier = d.CostSpikeMultiplier
	}
	if c.Location == nil {
		c.Location = d.Location
	}
}

// Analyzer derives usage statistics and patterns.
type Analyzer struct {
	cfg    Config
	calc   *costs.Calculator
	logger *zap.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Analyzer. A nil calculator uses the default pricing table.
func New(cfg Config, calc *costs.Calculator, opts ...Option) *Analyzer {
	cfg.applyDefaults()
	if calc == nil {
		calc = costs.NewCalculator(nil)
	}
	a := &Analyzer{cfg: cfg, calc: calc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "analyzer"))
	return a
}

// priced is a record with its resolved cost.
type priced struct {
	usage.Record
	cost float64
}

// Analyze computes statistics, the time series and patterns over records.
// An unknown bucket defaults to day.
func (a *Analyzer) Analyze(records []usage.Record, bucket Bucket) Result {
	if !bucket.Valid() {
		bucket = BucketDay
	}
	res := Result{Bucket: bucket}
	if len(records) == 0 {
		return res
	}

	rs := make([]priced, len(records))
	for i, r := range records {
		rs[i] = priced{Record: r, cost: a.cost(r)}
	}
	slices.SortStableFunc(rs, func(x, y priced) int {
		return x.Timestamp.Compare(y.Timestamp)
	})

	res.Start = rs[0].Timestamp
	res.End = rs[len(rs)-1].Timestamp
	res.TotalRequests = len(rs)
	res.Models = a.modelStats(rs)
	for _, m := range res.Models {
		res.TotalCost += m.TotalCost
		res.TotalTokens += m.InputTokens + m.OutputTokens
	}
	res.Series = a.series(rs, bucket)
	res.Patterns = a.detect(len(rs), res.Models, res.Series)
	res.Recommendations = recommendations(res.Patterns, res.Models)

	a.logger.Debug("usage analyzed",
		zap.Int("records", len(rs)),
		zap.Int("models", len(res.Models)),
		zap.Int("patterns", len(res.Patterns)))
	return res
}

func (a *Analyzer) cost(r usage.Record) float64 {
	if r.Cost > 0 {
		return r.Cost
	}
	return a.calc.Calculate(r.Model, r.Provider, costs.Usage{
		InputTokens:  r.PromptTokens,
		OutputTokens: r.CompletionTokens,
	}).TotalCost
}

// ModelStats returns per-model statistics, highest cost first.
func (a *Analyzer) ModelStats(records []usage.Record) []ModelStats {
	rs := make([]priced, len(records))
	for i, r := range records {
		rs[i] = priced{Record: r, cost: a.cost(r)}
	}
	return a.modelStats(rs)
}

func (a *Analyzer) modelStats(rs []priced) []ModelStats {
	type acc struct {
		stats   ModelStats
		errors  int
		latency time.Duration
		hours   [24]int
	}
	byModel := make(map[string]*acc)
	for _, r := range rs {
		m := byModel[r.Model]
		if m == nil {
			m = &acc{stats: ModelStats{Model: r.Model, Provider: r.Provider}}
			byModel[r.Model] = m
		}
		m.stats.RequestCount++
		m.stats.InputTokens += r.PromptTokens
		m.stats.OutputTokens += r.CompletionTokens
		m.stats.TotalCost += r.cost
		m.latency += r.Latency
		if r.Failed() {
			m.errors++
		}
		m.hours[r.Timestamp.In(a.cfg.Location).Hour()]++
	}

	out := make([]ModelStats, 0, len(byModel))
	for _, m := range byModel {
		s := m.stats
		n := float64(s.RequestCount)
		s.AverageInputTokens = float64(s.InputTokens) / n
		s.AverageOutputTokens = float64(s.OutputTokens) / n
		s.AverageLatency = m.latency / time.Duration(s.RequestCount)
		s.ErrorRate = float64(m.errors) / n
		s.PeakHour = -1
		best := 0
		for h, c := range m.hours {
			if c > best {
				best, s.PeakHour = c, h
			}
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(x, y ModelStats) int {
		if c := cmp.Compare(y.TotalCost, x.TotalCost); c != 0 {
			return c
		}
		return strings.Compare(x.Model, y.Model)
	})
	return out
}

// bucketStart truncates t to the start of its bucket. Weeks start on Sunday.
func bucketStart(t time.Time, b Bucket, loc *time.Location) time.Time {
	t = t.In(loc)
	y, mo, d := t.Date()
	switch b {
	case BucketHour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc)
	case BucketWeek:
		return time.Date(y, mo, d-int(t.Weekday()), 0, 0, 0, 0, loc)
	case BucketMonth:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}

func (a *Analyzer) series(rs []priced, b Bucket) []Point {
	var out []Point
	index := make(map[time.Time]int)
	seen := make(map[int]map[string]bool)
	for _, r := range rs {
		start := bucketStart(r.Timestamp, b, a.cfg.Location)
		i, ok := index[start]
		if !ok {
			i = len(out)
			index[start] = i
			out = append(out, Point{Timestamp: start})
			seen[i] = make(map[string]bool)
		}
		p := &out[i]
		p.RequestCount++
		p.TotalTokens += r.PromptTokens + r.CompletionTokens
		p.TotalCost += r.cost
		if !seen[i][r.Model] {
			seen[i][r.Model] = true
			p.Models = append(p.Models, r.Model)
		}
	}
	slices.SortFunc(out, func(x, y Point) int { return x.Timestamp.Compare(y.Timestamp) })
	return out
}

func (a *Analyzer) detect(total int, stats []ModelStats, series []Point) []Pattern {
	var out []Pattern
	out = append(out, a.premiumOveruse(total, stats)...)

	for _, s := range stats {
		if s.AverageInputTokens < a.cfg.LowUtilizationTokens {
			out = append(out, Pattern{
				Type:        LowUtilization,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("Model %s has low average input (%.0f tokens)", s.Model, s.AverageInputTokens),
				Evidence: map[string]any{
					"averageTokens": s.AverageInputTokens,
					"requestCount":  s.RequestCount,
				},
				Recommendation: "Consider batching requests or using a smaller model",
				Model:          s.Model,
			})
		}
	}

	out = append(out, a.bursts(series)...)

	for _, s := range stats {
		if s.AverageInputTokens == 0 || s.RequestCount <= 10 {
			continue
		}
		ratio := s.AverageOutputTokens / s.AverageInputTokens
		if ratio <= a.cfg.HighOutputRatio {
			continue
		}
		out = append(out, Pattern{
			Type:        HighOutput,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("Model %s has high output ratio (%.1fx input)", s.Model, ratio),
			Evidence: map[string]any{
				"outputRatio":   ratio,
				"averageOutput": s.AverageOutputTokens,
			},
			Recommendation:   "Consider adding a max_tokens limit or optimizing prompts for conciseness",
			PotentialSavings: s.TotalCost * 0.2,
			Model:            s.Model,
		})
	}

	for _, s := range stats {
		if s.ErrorRate <= a.cfg.ErrorRateThreshold || s.RequestCount <= 5 {
			continue
		}
		sev := SeverityMedium
		if s.ErrorRate > 0.25 {
			sev = SeverityHigh
		}
		out = append(out, Pattern{
			Type:        InefficientRetries,
			Severity:    sev,
			Description: fmt.Sprintf("Model %s has %.1f%% error rate", s.Model, s.ErrorRate*100),
			Evidence: map[string]any{
				"errorRate":     s.ErrorRate,
				"totalRequests": s.RequestCount,
			},
			Recommendation: "Review error handling and retry logic",
			Model:          s.Model,
		})
	}

	out = append(out, a.costSpikes(series)...)
	return out
}

func (a *Analyzer) premiumOveruse(total int, stats []ModelStats) []Pattern {
	var premium []string
	var requests int
	var cost float64
	provider := ""
	for _, s := range stats {
		p, ok := a.calc.Lookup(s.Model, s.Provider)
		if !ok || p.Tier != costs.TierPremium {
			continue
		}
		premium = append(premium, s.Model)
		requests += s.RequestCount
		cost += s.TotalCost
		if provider == "" {
			provider = p.Provider
		}
	}
	share := float64(requests) / float64(total) * 100
	if share <= a.cfg.PremiumSharePercent {
		return nil
	}

	sev := SeverityMedium
	if share > 50 {
		sev = SeverityHigh
	}
	alt := "cheaper models"
	if name, _, ok := a.calc.Cheapest(costs.Requirements{Provider: provider}); ok {
		alt = name
	}
	return []Pattern{{
		Type:        PremiumOveruse,
		Severity:    sev,
		Description: fmt.Sprintf("%.1f%% of requests use premium models", share),
		Evidence: map[string]any{
			"premiumPercent": share,
			"premiumModels":  premium,
		},
		Recommendation:   fmt.Sprintf("Consider using %s for routine tasks", alt),
		PotentialSavings: cost * 0.5,
	}}
}

func (a *Analyzer) bursts(series []Point) []Pattern {
	if len(series) <= 3 {
		return nil
	}
	var sum float64
	for _, p := range series {
		sum += float64(p.RequestCount)
	}
	avg := sum / float64(len(series))

	var out []Pattern
	for _, p := range series {
		n := float64(p.RequestCount)
		if n <= avg*a.cfg.BurstMultiplier {
			continue
		}
		sev := SeverityMedium
		if n > avg*5 {
			sev = SeverityHigh
		}
		out = append(out, Pattern{
			Type:        BurstTraffic,
			Severity:    sev,
			Description: fmt.Sprintf("Traffic spike detected: %d requests (%.1fx average)", p.RequestCount, n/avg),
			Evidence: map[string]any{
				"burstRequests":   p.RequestCount,
				"averageRequests": avg,
				"timestamp":       p.Timestamp,
			},
			Recommendation: "Consider implementing request queuing or rate limiting",
			Start:          p.Timestamp,
			End:            p.Timestamp,
		})
	}
	return out
}

type spike struct {
	Timestamp time.Time `json:"timestamp"`
	Cost      float64   `json:"cost"`
}

func (a *Analyzer) costSpikes(series []Point) []Pattern {
	if len(series) <= 5 {
		return nil
	}
	var sum float64
	for _, p := range series {
		sum += p.TotalCost
	}
	avg := sum / float64(len(series))

	var spikes []spike
	for _, p := range series {
		if p.TotalCost > avg*a.cfg.CostSpikeMultiplier {
			spikes = append(spikes, spike{Timestamp: p.Timestamp, Cost: p.TotalCost})
		}
	}
	if len(spikes) == 0 {
		return nil
	}
	return []Pattern{{
		Type:        CostSpikes,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("%d cost spike(s) detected (>%.0f%% of average)", len(spikes), a.cfg.CostSpikeMultiplier*100),
		Evidence: map[string]any{
			"spikePeriods": spikes,
			"averageCost":  avg,
		},
		Recommendation: "Investigate unusual activity during spike periods",
		Start:          spikes[0].Timestamp,
		End:            spikes[len(spikes)-1].Timestamp,
	}}
}

func recommendations(patterns []Pattern, stats []ModelStats) []string {
	var out []string
	for _, p := range patterns {
		tag := strings.ToUpper(string(p.Severity))
		if p.PotentialSavings > 10 {
			out = append(out, fmt.Sprintf("[%s] %s - Potential savings: $%.2f", tag, p.Recommendation, p.PotentialSavings))
			continue
		}
		out = append(out, fmt.Sprintf("[%s] %s", tag, p.Recommendation))
	}

	if len(stats) > 1 {
		var total float64
		for _, s := range stats {
			total += s.TotalCost
		}
		if total > 0 {
			share := stats[0].TotalCost / total * 100
			if share > 60 {
				out = append(out, fmt.Sprintf("Consider diversifying model usage - %s accounts for %.1f%% of costs", stats[0].Model, share))
			}
		}
	}
	return out
}
