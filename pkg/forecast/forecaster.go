package forecast

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/scope"
)

const (
	DefaultHorizonDays     = 7
	DefaultMaxHorizonDays  = 30
	DefaultMinDataPoints   = 24
	DefaultBaselinePeriods = 30
	DefaultTrendWeight     = 0.3
	DefaultSeasonalWeight  = 0.2
	DefaultConfidenceLevel = 0.95
)

// Config holds forecaster parameters.
type Config struct {
	DefaultHorizonDays int
	MaxHorizonDays     int

	// MinDataPoints is the number of feature windows below which a forecast
	// is flagged insufficient.
	MinDataPoints int

	// BaselinePeriods is the number of most recent buckets used for level,
	// trend and spread.
	BaselinePeriods int

	// TrendWeight damps the slope when the trend is flat or volatile.
	TrendWeight float64

	// SeasonalWeight scales the seasonal component.
	SeasonalWeight float64

	// ConfidenceLevel sets the two-sided band width (0.95 → 1.96σ).
	ConfidenceLevel float64

	DisableSeasonality bool

	// Location is used to cut period buckets. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig returns the default forecaster parameters.
func DefaultConfig() Config {
	return Config{
		DefaultHorizonDays: DefaultHorizonDays,
		MaxHorizonDays:     DefaultMaxHorizonDays,
		MinDataPoints:      DefaultMinDataPoints,
		BaselinePeriods:    DefaultBaselinePeriods,
		TrendWeight:        DefaultTrendWeight,
		SeasonalWeight:     DefaultSeasonalWeight,
		ConfidenceLevel:    DefaultConfidenceLevel,
		Location:           time.UTC,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultHorizonDays <= 0 {
		c.DefaultHorizonDays = d.DefaultHorizonDays
	}
	if c.MaxHorizonDays <= 0 {
		c.MaxHorizonDays = d.MaxHorizonDays
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = d.MinDataPoints
	}
	if c.BaselinePeriods <= 0 {
		c.BaselinePeriods = d.BaselinePeriods
	}
	if c.TrendWeight <= 0 {
		c.TrendWeight = d.TrendWeight
	}
	if c.SeasonalWeight < 0 {
		c.SeasonalWeight = 0
	}
	if c.SeasonalWeight == 0 && !c.DisableSeasonality {
		c.SeasonalWeight = d.SeasonalWeight
	}
	if c.ConfidenceLevel <= 0 || c.ConfidenceLevel >= 1 {
		c.ConfidenceLevel = d.ConfidenceLevel
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

type snapshot struct {
	result     *Result
	projection *Projection
}

// Forecaster builds forecasts and budget projections and keeps the latest of
// each per scope.
type Forecaster struct {
	cfg    Config
	z      float64
	logger *zap.Logger
	now    func() time.Time
	latest *scope.Registry[snapshot]
}

// Option configures a Forecaster.
type Option func(*Forecaster)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Forecaster) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the clock used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(f *Forecaster) {
		f.now = now
	}
}

// NewForecaster creates a forecaster.
func NewForecaster(cfg Config, opts ...Option) *Forecaster {
	cfg.applyDefaults()
	f := &Forecaster{
		cfg:    cfg,
		z:      math.Sqrt2 * math.Erfinv(cfg.ConfidenceLevel),
		logger: zap.NewNop(),
		now:    time.Now,
		latest: scope.NewRegistry[snapshot](nil),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the effective configuration.
func (f *Forecaster) Config() Config {
	return f.cfg
}

type bucket struct {
	start    time.Time
	cost     float64
	requests float64
}

// Forecast projects the spend of scope over horizonDays from its feature
// windows. trend overrides the fitted cost trend; its slope must be expressed
// per period. A nil trend is fitted from the resampled series.
func (f *Forecaster) Forecast(scopeName string, vs []features.Vector, trend *patterns.Trend, horizonDays int, period Period) Result {
	if period == "" {
		period = PeriodDay
	}
	if horizonDays <= 0 {
		horizonDays = f.cfg.DefaultHorizonDays
	}
	if horizonDays > f.cfg.MaxHorizonDays {
		horizonDays = f.cfg.MaxHorizonDays
	}

	res := Result{
		Scope:       scopeName,
		GeneratedAt: f.now(),
		Period:      period,
		DataPoints:  len(vs),
		Sufficient:  len(vs) >= f.cfg.MinDataPoints,
	}
	if !res.Sufficient {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"insufficient data: %d data points (minimum %d required), forecast accuracy may be low",
			len(vs), f.cfg.MinDataPoints))
	}

	buckets, start := f.resample(vs, period)
	if len(buckets) == 0 {
		res.Warnings = append(res.Warnings, "no usage history, forecast is empty")
		res.Summary.Trend = patterns.Flat
		f.storeResult(scopeName, &res)
		return res
	}

	if len(buckets) > f.cfg.BaselinePeriods {
		buckets = buckets[len(buckets)-f.cfg.BaselinePeriods:]
	}
	costs := make([]float64, len(buckets))
	requests := make([]float64, len(buckets))
	for i, b := range buckets {
		costs[i] = b.cost
		requests[i] = b.requests
	}

	costTrend := patterns.FitTrend(costs, 0)
	if trend != nil {
		costTrend = *trend
	}
	usageTrend := patterns.FitTrend(requests, 0)

	costLevel, costSlope, sigma := f.line(costs, costTrend)
	reqLevel, reqSlope, _ := f.line(requests, usageTrend)

	profile := features.SeasonalProfile(vs)
	res.Seasonal = f.seasonal(period, len(buckets))

	trendConf := costTrend.Confidence
	if trendConf == 0 {
		trendConf = 0.5
	}
	dataConf := math.Min(1, float64(len(vs))/float64(f.cfg.MinDataPoints))

	n := period.count(horizonDays)
	res.Points = make([]Point, 0, n)
	ts := start
	for i := 0; i < n; i++ {
		step := float64(i + 1)
		cost := costLevel + costSlope*step
		if res.Seasonal {
			cost += f.cfg.SeasonalWeight * costLevel * (factor(profile, period, ts) - 1)
		}
		cost = math.Max(0, cost)

		spread := sigma * math.Sqrt(1+float64(i)/10) * f.z
		res.Points = append(res.Points, Point{
			Timestamp:         ts,
			PredictedCost:     cost,
			PredictedRequests: math.Max(0, reqLevel+reqSlope*step),
			Confidence:        math.Exp(-0.05*float64(i)) * dataConf * trendConf,
			LowerBound:        math.Max(0, cost-spread),
			UpperBound:        cost + spread,
		})
		ts = next(ts, period)
	}

	res.Start = start
	res.End = ts
	res.Summary = summarize(res.Points, costTrend)

	f.logger.Debug("forecast computed",
		zap.String("scope", scopeName),
		zap.String("period", string(period)),
		zap.Int("points", len(res.Points)),
		zap.Float64("total_predicted_cost", res.Summary.TotalPredictedCost),
		zap.String("trend", string(costTrend.Direction)),
	)
	f.storeResult(scopeName, &res)
	return res
}

// line returns the level at the last bucket, the per-period slope and the
// residual spread. Flat and volatile trends have their slope damped by the
// trend weight.
func (f *Forecaster) line(ys []float64, t patterns.Trend) (level, slope, sigma float64) {
	n := len(ys)
	var sum float64
	for _, y := range ys {
		sum += y
	}
	mean := sum / float64(n)

	slope = t.Slope
	if t.Direction != patterns.Rising && t.Direction != patterns.Falling {
		slope *= f.cfg.TrendWeight
	}
	// An OLS line passes through the centroid, so its value at the last
	// index is mean + slope*(n-1)/2.
	level = mean + slope*float64(n-1)/2
	if n < 2 {
		return level, slope, 0
	}

	origin := level - slope*float64(n-1)
	var ss float64
	for i, y := range ys {
		d := y - (origin + slope*float64(i))
		ss += d * d
	}
	return level, slope, math.Sqrt(ss / float64(n))
}

// seasonal reports whether enough full cycles exist for a seasonal term.
func (f *Forecaster) seasonal(period Period, buckets int) bool {
	if f.cfg.DisableSeasonality || f.cfg.SeasonalWeight == 0 {
		return false
	}
	switch period {
	case PeriodHour:
		return buckets >= 48
	case PeriodDay:
		return buckets >= 14
	default:
		return false
	}
}

// factor is the seasonal multiplier around 1 for the period starting at ts.
// Slots never observed are neutral.
func factor(p features.Profile, period Period, ts time.Time) float64 {
	var share float64
	var slots float64
	switch period {
	case PeriodHour:
		share, slots = p.Hourly[ts.Hour()], 24
	case PeriodDay:
		share, slots = p.Daily[int(ts.Weekday())], 7
	default:
		return 1
	}
	if share == 0 {
		return 1
	}
	return share * slots
}

// resample sums windows into period buckets, zero-filling gaps. A trailing
// bucket the windows do not fully cover is dropped. It returns the buckets
// and the start of the first forecast period.
func (f *Forecaster) resample(vs []features.Vector, period Period) ([]bucket, time.Time) {
	if len(vs) == 0 {
		return nil, time.Time{}
	}
	sorted := make([]features.Vector, len(vs))
	copy(sorted, vs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	loc := f.cfg.Location
	first := truncate(sorted[0].Start, period, loc)
	last := truncate(sorted[len(sorted)-1].Start, period, loc)

	var buckets []bucket
	index := make(map[int64]int)
	for t := first; !t.After(last); t = next(t, period) {
		index[t.Unix()] = len(buckets)
		buckets = append(buckets, bucket{start: t})
	}
	for _, v := range sorted {
		i := index[truncate(v.Start, period, loc).Unix()]
		buckets[i].cost += v.TotalCost
		buckets[i].requests += float64(v.RequestCount)
	}

	end := next(last, period)
	if sorted[len(sorted)-1].End.Before(end) && len(buckets) > 1 {
		buckets = buckets[:len(buckets)-1]
		end = last
	}
	return buckets, end
}

func truncate(t time.Time, p Period, loc *time.Location) time.Time {
	t = t.In(loc)
	switch p {
	case PeriodHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case PeriodWeek:
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		return d.AddDate(0, 0, -int(d.Weekday()))
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	}
}

func next(t time.Time, p Period) time.Time {
	switch p {
	case PeriodHour:
		return t.Add(time.Hour)
	case PeriodWeek:
		return t.AddDate(0, 0, 7)
	default:
		return t.AddDate(0, 0, 1)
	}
}

func summarize(points []Point, t patterns.Trend) Summary {
	s := Summary{
		Trend:           t.Direction,
		TrendConfidence: t.Confidence,
		TrendR2:         t.R2,
	}
	if s.Trend == "" {
		s.Trend = patterns.Flat
	}
	if len(points) == 0 {
		return s
	}
	s.PeakAt = points[0].Timestamp
	for _, p := range points {
		s.TotalPredictedCost += p.PredictedCost
		if p.PredictedCost > s.PeakCost {
			s.PeakCost = p.PredictedCost
			s.PeakAt = p.Timestamp
		}
	}
	s.AveragePeriodCost = s.TotalPredictedCost / float64(len(points))
	return s
}

func (f *Forecaster) storeResult(scopeName string, r *Result) {
	f.latest.Do(scopeName, func(s *snapshot) {
		s.result = r
	})
}

// Latest returns the most recent forecast of scope.
func (f *Forecaster) Latest(scopeName string) (Result, bool) {
	e, ok := f.latest.Lookup(scopeName)
	if !ok {
		return Result{}, false
	}
	var out Result
	e.Do(func(s *snapshot) {
		if s.result != nil {
			out, ok = *s.result, true
		} else {
			ok = false
		}
	})
	return out, ok
}

// LatestProjection returns the most recent budget projection of scope.
func (f *Forecaster) LatestProjection(scopeName string) (Projection, bool) {
	e, ok := f.latest.Lookup(scopeName)
	if !ok {
		return Projection{}, false
	}
	var out Projection
	e.Do(func(s *snapshot) {
		if s.projection != nil {
			out, ok = *s.projection, true
		} else {
			ok = false
		}
	})
	return out, ok
}
