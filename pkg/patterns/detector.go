package patterns

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/scope"
)

// Method selects the baseline estimator.
type Method string

const (
	// MethodZScore uses mean and standard deviation.
	MethodZScore Method = "zscore"

	// MethodMAD uses median and scaled median absolute deviation.
	MethodMAD Method = "mad"
)

// Config holds detection thresholds. Spike and drop thresholds are in
// baseline spreads (standard deviations for MethodZScore).
type Config struct {
	Method Method

	// BaselineWindows is the number of past windows in the rolling baseline.
	BaselineWindows int

	// MinDataPoints is the baseline size below which nothing is scored.
	MinDataPoints int

	// MinConfidence drops anomalies below this confidence.
	MinConfidence float64

	CostSpikeThreshold    float64
	CostDropThreshold     float64
	UsageSurgeThreshold   float64
	UsageDropThreshold    float64
	LatencySpikeThreshold float64

	// ErrorRateMultiplier and ErrorRateFloor gate error-rate spikes: the
	// window rate must exceed both multiplier×baseline and the floor.
	ErrorRateMultiplier float64
	ErrorRateFloor      float64

	// OffHoursMultiplier flags off-hours windows costing more than this
	// multiple of the baseline mean.
	OffHoursMultiplier float64

	// DriftWindows is the number of recent windows whose mean is compared
	// to the older baseline; DriftThreshold is the shift in spreads.
	DriftWindows   int
	DriftThreshold float64

	// PlateauCV is the coefficient of variation below which the baseline is
	// a plateau; PlateauBreakRatio is the relative change that breaks it.
	PlateauCV         float64
	PlateauBreakRatio float64

	// TrendWindows is the number of recent windows used for trend fitting.
	TrendWindows int

	// TrendHorizon is the number of points projected by trend fits.
	TrendHorizon int

	// RecentAnomalies bounds the per-scope anomaly history.
	RecentAnomalies int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Method:                MethodZScore,
		BaselineWindows:       24,
		MinDataPoints:         10,
		MinConfidence:         0.7,
		CostSpikeThreshold:    2.5,
		CostDropThreshold:     2.0,
		UsageSurgeThreshold:   2.5,
		UsageDropThreshold:    2.0,
		LatencySpikeThreshold: 3.0,
		ErrorRateMultiplier:   2.0,
		ErrorRateFloor:        0.05,
		OffHoursMultiplier:    1.5,
		DriftWindows:          3,
		DriftThreshold:        2.0,
		PlateauCV:             0.05,
		PlateauBreakRatio:     0.5,
		TrendWindows:          12,
		TrendHorizon:          7,
		RecentAnomalies:       100,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Method == "" {
		c.Method = d.Method
	}
	if c.BaselineWindows <= 0 {
		c.BaselineWindows = d.BaselineWindows
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = d.MinDataPoints
	}
	if c.MinDataPoints > c.BaselineWindows {
		c.MinDataPoints = c.BaselineWindows
	}
	setDefault(&c.MinConfidence, d.MinConfidence)
	setDefault(&c.CostSpikeThreshold, d.CostSpikeThreshold)
	setDefault(&c.CostDropThreshold, d.CostDropThreshold)
	setDefault(&c.UsageSurgeThreshold, d.UsageSurgeThreshold)
	setDefault(&c.UsageDropThreshold, d.UsageDropThreshold)
	setDefault(&c.LatencySpikeThreshold, d.LatencySpikeThreshold)
	setDefault(&c.ErrorRateMultiplier, d.ErrorRateMultiplier)
	setDefault(&c.ErrorRateFloor, d.ErrorRateFloor)
	setDefault(&c.OffHoursMultiplier, d.OffHoursMultiplier)
	setDefault(&c.DriftThreshold, d.DriftThreshold)
	setDefault(&c.PlateauCV, d.PlateauCV)
	setDefault(&c.PlateauBreakRatio, d.PlateauBreakRatio)
	if c.DriftWindows <= 0 {
		c.DriftWindows = d.DriftWindows
	}
	if c.TrendWindows <= 0 {
		c.TrendWindows = d.TrendWindows
	}
	if c.TrendHorizon <= 0 {
		c.TrendHorizon = d.TrendHorizon
	}
	if c.RecentAnomalies <= 0 {
		c.RecentAnomalies = d.RecentAnomalies
	}
}

func setDefault(v *float64, d float64) {
	if *v <= 0 {
		*v = d
	}
}

// Sink receives every Finding.
type Sink func(Finding)

type scopeState struct {
	history []features.Vector
	last    *Finding
	recent  []Anomaly
}

// Detector scores feature windows against a per-scope rolling baseline.
// Scopes never share state.
type Detector struct {
	cfg    Config
	scopes *scope.Registry[scopeState]
	logger *zap.Logger
	sinks  []Sink
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSink adds a Finding consumer.
func WithSink(s Sink) Option {
	return func(d *Detector) { d.sinks = append(d.sinks, s) }
}

// NewDetector creates a detector.
func NewDetector(cfg Config, opts ...Option) *Detector {
	cfg.applyDefaults()
	d := &Detector{
		cfg:    cfg,
		scopes: scope.NewRegistry[scopeState](nil),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe scores v against its scope's baseline, then folds v into the
// baseline. Windows must be observed in order.
func (d *Detector) Observe(v features.Vector) Finding {
	var f Finding
	d.scopes.Do(v.Scope, func(st *scopeState) {
		f = d.observe(st, v)
	})
	if f.Primary != nil {
		d.logger.Info("anomaly detected",
			zap.String("scope", f.Scope),
			zap.String("type", string(f.Primary.Type)),
			zap.String("severity", string(f.Primary.Severity)),
			zap.Float64("score", f.Primary.Score),
			zap.Time("window_start", f.WindowStart),
		)
	}
	for _, s := range d.sinks {
		s(f)
	}
	return f
}

func (d *Detector) observe(st *scopeState, v features.Vector) Finding {
	f := Finding{Scope: v.Scope, WindowStart: v.Start, WindowEnd: v.End}

	if len(st.history) >= d.cfg.MinDataPoints {
		f.Baseline = true
		f.Anomalies = d.score(st.history, v)
		f.Primary = primary(f.Anomalies)
	}

	st.history = append(st.history, v)
	if len(st.history) > d.cfg.BaselineWindows {
		st.history = st.history[len(st.history)-d.cfg.BaselineWindows:]
	}

	recent := st.history
	if len(recent) > d.cfg.TrendWindows {
		recent = recent[len(recent)-d.cfg.TrendWindows:]
	}
	costs, requests := series(recent)
	f.CostTrend = FitTrend(costs, d.cfg.TrendHorizon)
	f.UsageTrend = FitTrend(requests, d.cfg.TrendHorizon)

	st.recent = append(st.recent, f.Anomalies...)
	if len(st.recent) > d.cfg.RecentAnomalies {
		st.recent = st.recent[len(st.recent)-d.cfg.RecentAnomalies:]
	}
	st.last = &f
	return f
}

// score evaluates every detector against the baseline built from history.
// The slice order of the result is the evaluation order.
func (d *Detector) score(history []features.Vector, v features.Vector) []Anomaly {
	costs, requests := series(history)
	latencies := make([]float64, len(history))
	errRates := make([]float64, len(history))
	for i, h := range history {
		latencies[i] = h.AvgLatencyMS
		errRates[i] = h.ErrorRate
	}

	var out []Anomaly
	add := func(a Anomaly) {
		if a.Confidence < d.cfg.MinConfidence {
			return
		}
		a.ID = uuid.NewString()
		a.Scope = v.Scope
		a.WindowStart = v.Start
		a.WindowEnd = v.End
		a.order = len(out)
		out = append(out, a)
	}

	cost := newBaseline(costs, d.cfg.Method)
	if z, ok := cost.score(v.TotalCost); ok {
		switch {
		case z > d.cfg.CostSpikeThreshold:
			add(Anomaly{Type: CostSpike, Metric: MetricCost, Severity: ladder(z, 2.5, 3.5, 4.5), Score: z,
				Confidence: confidence(z), Observed: v.TotalCost, Expected: cost.center,
				Description: fmt.Sprintf("cost spike: $%.2f (%.1f spreads above baseline)", v.TotalCost, z)})
		case z < -d.cfg.CostDropThreshold:
			add(Anomaly{Type: CostDrop, Metric: MetricCost, Severity: ladder(-z, 2, 3, 4), Score: z,
				Confidence: confidence(-z), Observed: v.TotalCost, Expected: cost.center,
				Description: fmt.Sprintf("cost drop: $%.2f (%.1f spreads below baseline)", v.TotalCost, -z)})
		}
	}

	req := newBaseline(requests, d.cfg.Method)
	if z, ok := req.score(float64(v.RequestCount)); ok {
		switch {
		case z > d.cfg.UsageSurgeThreshold:
			add(Anomaly{Type: UsageSurge, Metric: MetricRequests, Severity: ladder(z, 2.5, 3.5, 4.5), Score: z,
				Confidence: confidence(z), Observed: float64(v.RequestCount), Expected: req.center,
				Description: fmt.Sprintf("usage surge: %d requests (%.1f spreads above baseline)", v.RequestCount, z)})
		case z < -d.cfg.UsageDropThreshold:
			add(Anomaly{Type: UsageDrop, Metric: MetricRequests, Severity: ladder(-z, 2, 3, 4), Score: z,
				Confidence: confidence(-z), Observed: float64(v.RequestCount), Expected: req.center,
				Description: fmt.Sprintf("usage drop: %d requests (%.1f spreads below baseline)", v.RequestCount, -z)})
		}
	}

	lat := newBaseline(latencies, d.cfg.Method)
	if z, ok := lat.score(v.AvgLatencyMS); ok && z > d.cfg.LatencySpikeThreshold {
		add(Anomaly{Type: LatencySpike, Metric: MetricLatency, Severity: ladder(z, 3, 4, 5), Score: z,
			Confidence: confidence(z), Observed: v.AvgLatencyMS, Expected: lat.center,
			Description: fmt.Sprintf("latency spike: %.0fms (%.1f spreads above baseline)", v.AvgLatencyMS, z)})
	}

	if baseErr := mean(errRates); baseErr > 0 && v.ErrorRate > d.cfg.ErrorRateFloor {
		ratio := v.ErrorRate / baseErr
		if ratio > d.cfg.ErrorRateMultiplier {
			add(Anomaly{Type: ErrorRateSpike, Metric: MetricErrorRate, Severity: ladder(ratio, 2, 3, 5), Score: ratio,
				Confidence: minf(0.95, 0.5+ratio/10), Observed: v.ErrorRate, Expected: baseErr,
				Description: fmt.Sprintf("error rate spike: %.1f%% (%.1fx baseline)", v.ErrorRate*100, ratio)})
		}
	}

	meanCost := mean(costs)
	if !v.BusinessHours && meanCost > 0 && v.TotalCost > meanCost*d.cfg.OffHoursMultiplier {
		spread := stddev(costs)
		if spread == 0 {
			spread = 1
		}
		add(Anomaly{Type: OffHours, Metric: MetricCost, Severity: SeverityLow, Score: (v.TotalCost - meanCost) / spread,
			Confidence: 0.7, Observed: v.TotalCost, Expected: meanCost,
			Description: fmt.Sprintf("off-hours activity: $%.2f at %02d:00", v.TotalCost, v.HourOfDay)})
	}

	if k := d.cfg.DriftWindows; len(history) >= d.cfg.MinDataPoints+k-1 && k > 1 {
		older := costs[:len(costs)-(k-1)]
		recent := append(append([]float64(nil), costs[len(costs)-(k-1):]...), v.TotalCost)
		ob := newBaseline(older, d.cfg.Method)
		if z, ok := ob.score(mean(recent)); ok && abs(z) >= d.cfg.DriftThreshold {
			add(Anomaly{Type: Drift, Metric: MetricCost, Severity: ladder(abs(z), 2, 3, 4), Score: z,
				Confidence: confidence(abs(z)), Observed: mean(recent), Expected: ob.center,
				Description: fmt.Sprintf("cost drift: last %d windows average $%.2f vs $%.2f", k, mean(recent), ob.center)})
		}
	}

	if meanCost > 0 && stddev(costs)/meanCost < d.cfg.PlateauCV {
		change := abs(v.TotalCost-meanCost) / meanCost
		if change >= d.cfg.PlateauBreakRatio {
			sev := SeverityMedium
			if change >= 1 {
				sev = SeverityHigh
			}
			add(Anomaly{Type: PlateauBreak, Metric: MetricCost, Severity: sev, Score: change,
				Confidence: minf(0.99, 0.7+change/10), Observed: v.TotalCost, Expected: meanCost,
				Description: fmt.Sprintf("plateau break: $%.2f vs steady $%.2f", v.TotalCost, meanCost)})
		}
	}

	return out
}

// primary picks the most severe anomaly; ties go to the most recently
// evaluated metric.
func primary(as []Anomaly) *Anomaly {
	if len(as) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(as); i++ {
		if as[i].Severity.Rank() > as[best].Severity.Rank() ||
			(as[i].Severity.Rank() == as[best].Severity.Rank() && as[i].order > as[best].order) {
			best = i
		}
	}
	p := as[best]
	return &p
}

// Last returns the latest Finding of scope.
func (d *Detector) Last(name string) (Finding, bool) {
	entry, ok := d.scopes.Lookup(name)
	if !ok {
		return Finding{}, false
	}
	var f Finding
	entry.Do(func(st *scopeState) {
		if st.last != nil {
			f, ok = *st.last, true
		} else {
			ok = false
		}
	})
	return f, ok
}

// Recent returns up to limit of the scope's latest anomalies, newest first.
func (d *Detector) Recent(name string, limit int) []Anomaly {
	entry, ok := d.scopes.Lookup(name)
	if !ok {
		return nil
	}
	var out []Anomaly
	entry.Do(func(st *scopeState) {
		out = append(out, st.recent...)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].WindowStart.After(out[j].WindowStart)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Scopes lists the scopes the detector has seen.
func (d *Detector) Scopes() []string {
	return d.scopes.Scopes()
}

func series(vs []features.Vector) (costs, requests []float64) {
	costs = make([]float64, len(vs))
	requests = make([]float64, len(vs))
	for i, v := range vs {
		costs[i] = v.TotalCost
		requests[i] = float64(v.RequestCount)
	}
	return costs, requests
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
