package routing

import (
	"sync"
	"sync/atomic"
	"time"
)

// atomicStats tracks routing statistics with atomic counters.
type atomicStats struct {
	totalRequests atomic.Int64
	perModel      sync.Map // map[string]*atomic.Int64
	perComplexity sync.Map // map[string]*atomic.Int64
	ruleRouted    atomic.Int64
	rejected      atomic.Int64
	errors        atomic.Int64

	mu            sync.RWMutex
	lastResetTime time.Time
}

func newAtomicStats(now time.Time) *atomicStats {
	return &atomicStats{lastResetTime: now}
}

func increment(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func (s *atomicStats) record(d *Decision) {
	increment(&s.perModel, d.Model)
	if d.Complexity != "" {
		increment(&s.perComplexity, string(d.Complexity))
	}
}

func load(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

// snapshot returns a point-in-time copy of the statistics.
func (s *atomicStats) snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalRequests: s.totalRequests.Load(),
		PerModel:      load(&s.perModel),
		PerComplexity: load(&s.perComplexity),
		RuleRouted:    s.ruleRouted.Load(),
		Rejected:      s.rejected.Load(),
		Errors:        s.errors.Load(),
		LastResetTime: s.lastResetTime,
	}
}

func (s *atomicStats) reset(now time.Time) {
	s.totalRequests.Store(0)
	s.ruleRouted.Store(0)
	s.rejected.Store(0)
	s.errors.Store(0)
	s.perModel.Clear()
	s.perComplexity.Clear()

	s.mu.Lock()
	s.lastResetTime = now
	s.mu.Unlock()
}
