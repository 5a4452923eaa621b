package features

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/scope"
	"mercator-hq/costguard/pkg/usage"
)

// Defaults for Config.
const (
	DefaultWindow             = 60 * time.Minute
	DefaultRetentionSlack     = 5 * time.Minute
	DefaultBusinessHoursStart = 9
	DefaultBusinessHoursEnd   = 17
	DefaultSeasonalHistory    = 8

	maxSeasonalIndex = 100.0
)

// Config controls windowing.
type Config struct {
	// Window is the window size. It should divide a day evenly (5m, 15m, 60m).
	Window time.Duration

	// RetentionSlack is how far before the open window a late record may be
	// and still be accepted.
	RetentionSlack time.Duration

	BusinessHoursStart int
	BusinessHoursEnd   int

	// SeasonalHistory is the number of past windows kept per weekday and
	// time-of-day slot for the seasonal index.
	SeasonalHistory int

	// Location is used for calendar features. Defaults to UTC.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.RetentionSlack < 0 {
		c.RetentionSlack = 0
	}
	if c.BusinessHoursStart == 0 && c.BusinessHoursEnd == 0 {
		c.BusinessHoursStart = DefaultBusinessHoursStart
		c.BusinessHoursEnd = DefaultBusinessHoursEnd
	}
	if c.SeasonalHistory <= 0 {
		c.SeasonalHistory = DefaultSeasonalHistory
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Sink receives every closed window.
type Sink func(Vector)

// Option configures an Extractor.
type Option func(*Extractor)

// WithSink sets the consumer of closed windows.
func WithSink(s Sink) Option {
	return func(e *Extractor) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

type slot struct {
	weekday time.Weekday
	index   int
}

type scopeState struct {
	cursor   time.Time // start of the open window; zero before the first record
	acc      *accumulator
	prev     *Vector
	seasonal map[slot][]float64
}

// Extractor maintains one open window per scope. It is safe for concurrent
// use; scopes are processed independently.
type Extractor struct {
	cfg    Config
	scopes *scope.Registry[scopeState]
	sink   Sink
	logger *zap.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(cfg Config, opts ...Option) *Extractor {
	cfg.applyDefaults()
	e := &Extractor{
		cfg: cfg,
		scopes: scope.NewRegistry(func(string) scopeState {
			return scopeState{seasonal: make(map[slot][]float64)}
		}),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Window returns the configured window size.
func (e *Extractor) Window() time.Duration {
	return e.cfg.Window
}

// Add places rec in its scope's open window, closing any windows that end
// at or before the record's window.
func (e *Extractor) Add(rec usage.Record) error {
	var closed []Vector
	var err error
	e.scopes.Do(rec.Scope, func(st *scopeState) {
		closed, err = e.add(rec.Scope, st, rec)
	})
	e.emit(closed)
	return err
}

func (e *Extractor) add(name string, st *scopeState, rec usage.Record) ([]Vector, error) {
	ws := rec.Timestamp.Truncate(e.cfg.Window)
	if st.cursor.IsZero() {
		st.cursor = ws
	}

	var closed []Vector
	late := false
	switch {
	case ws.Before(st.cursor):
		if st.cursor.Sub(rec.Timestamp) > e.cfg.RetentionSlack {
			return nil, &StaleRecordError{
				Scope:      name,
				Timestamp:  rec.Timestamp,
				OpenWindow: st.cursor,
				Slack:      e.cfg.RetentionSlack,
			}
		}
		late = true
	case ws.After(st.cursor):
		closed = e.advance(name, st, ws)
	}

	if st.acc == nil {
		st.acc = newAccumulator(st.cursor)
	}
	st.acc.add(rec)
	if late {
		st.acc.late++
		e.logger.Debug("late record folded into open window",
			zap.String("scope", name),
			zap.Time("timestamp", rec.Timestamp),
			zap.Time("window_start", st.cursor),
		)
	}
	return closed, nil
}

// advance closes windows until the open window starts at target.
func (e *Extractor) advance(name string, st *scopeState, target time.Time) []Vector {
	var closed []Vector
	for st.cursor.Before(target) {
		closed = append(closed, e.close(name, st))
	}
	return closed
}

func (e *Extractor) close(name string, st *scopeState) Vector {
	acc := st.acc
	if acc == nil {
		acc = newAccumulator(st.cursor)
	}
	v := acc.vector(name, e.cfg.Window, st.prev, e.cfg)

	key := slot{weekday: v.Start.In(e.cfg.Location).Weekday(), index: slotIndex(v.Start.In(e.cfg.Location), e.cfg.Window)}
	hist := st.seasonal[key]
	v.SeasonalIndex = seasonalIndex(v.TotalCost, hist)
	hist = append(hist, v.TotalCost)
	if len(hist) > e.cfg.SeasonalHistory {
		hist = hist[len(hist)-e.cfg.SeasonalHistory:]
	}
	st.seasonal[key] = hist

	st.prev = &v
	st.acc = nil
	st.cursor = v.End
	return v
}

// Flush closes every window of every scope that ends at or before now,
// including empty windows, and returns how many were closed.
func (e *Extractor) Flush(now time.Time) int {
	total := 0
	for _, name := range e.scopes.Scopes() {
		var closed []Vector
		e.scopes.Do(name, func(st *scopeState) {
			if st.cursor.IsZero() {
				return
			}
			for !st.cursor.Add(e.cfg.Window).After(now) {
				closed = append(closed, e.close(name, st))
			}
		})
		e.emit(closed)
		total += len(closed)
	}
	return total
}

// Last returns the most recent closed window of scope.
func (e *Extractor) Last(name string) (Vector, bool) {
	entry, ok := e.scopes.Lookup(name)
	if !ok {
		return Vector{}, false
	}
	var v Vector
	entry.Do(func(st *scopeState) {
		if st.prev != nil {
			v, ok = *st.prev, true
		} else {
			ok = false
		}
	})
	return v, ok
}

func (e *Extractor) emit(vs []Vector) {
	if e.sink == nil {
		return
	}
	for _, v := range vs {
		e.sink(v)
	}
}

// Extract computes the contiguous windows covering records in one pass. The
// records need not be sorted. The last window is closed as well.
func (e *Extractor) Extract(name string, records []usage.Record) []Vector {
	if len(records) == 0 {
		return nil
	}
	sorted := append([]usage.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	st := &scopeState{seasonal: make(map[slot][]float64)}
	var out []Vector
	for _, rec := range sorted {
		closed, _ := e.add(name, st, rec)
		out = append(out, closed...)
	}
	out = append(out, e.close(name, st))
	return out
}

func slotIndex(t time.Time, window time.Duration) int {
	minutes := t.Hour()*60 + t.Minute()
	w := int(window / time.Minute)
	if w <= 0 {
		return minutes
	}
	return minutes / w
}

func seasonalIndex(cost float64, history []float64) float64 {
	if len(history) == 0 {
		return 1
	}
	var sum float64
	for _, h := range history {
		sum += h
	}
	m := sum / float64(len(history))
	if m <= 0 {
		if cost <= 0 {
			return 1
		}
		return maxSeasonalIndex
	}
	return math.Min(cost/m, maxSeasonalIndex)
}
