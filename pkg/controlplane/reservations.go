package controlplane

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/costguard/pkg/usage"
)

type reservation struct {
	id     string
	scope  string
	amount float64
	at     time.Time
}

// reservations tracks the estimates reserved by Evaluate, keyed by request
// id, until a usage record settles them.
type reservations struct {
	mu   sync.Mutex
	byID map[string]reservation
}

func newReservations() *reservations {
	return &reservations{byID: make(map[string]reservation)}
}

// hold records an estimate. A second hold for the same request adds to it.
func (r *reservations) hold(id, scopeName string, amount float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if ok && cur.scope == scopeName {
		cur.amount += amount
		cur.at = at
		r.byID[id] = cur
		return
	}
	r.byID[id] = reservation{id: id, scope: scopeName, amount: amount, at: at}
}

// take removes and returns the estimate held for id in scope.
func (r *reservations) take(id, scopeName string) (float64, bool) {
	if id == "" {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok || cur.scope != scopeName {
		return 0, false
	}
	delete(r.byID, id)
	return cur.amount, true
}

// expire removes and returns the reservations held since before cutoff.
func (r *reservations) expire(cutoff time.Time) []reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []reservation
	for id, cur := range r.byID {
		if cur.at.Before(cutoff) {
			out = append(out, cur)
			delete(r.byID, id)
		}
	}
	return out
}

func (r *reservations) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// recordBuffer keeps recent usage records in memory when storage is
// disabled. It implements optimization.Source.
type recordBuffer struct {
	mu      sync.RWMutex
	limit   int
	byScope map[string][]usage.Record
	ids     map[string]struct{}
}

func newRecordBuffer(limit int) *recordBuffer {
	return &recordBuffer{
		limit:   limit,
		byScope: make(map[string][]usage.Record),
		ids:     make(map[string]struct{}),
	}
}

// insert stores records and returns those not seen before. The oldest
// records of a scope are dropped beyond the limit.
func (b *recordBuffer) insert(records []usage.Record) []usage.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	fresh := make([]usage.Record, 0, len(records))
	for _, rec := range records {
		if _, dup := b.ids[rec.ID]; dup {
			continue
		}
		b.ids[rec.ID] = struct{}{}
		fresh = append(fresh, rec)

		list := append(b.byScope[rec.Scope], rec)
		if over := len(list) - b.limit; over > 0 {
			for _, old := range list[:over] {
				delete(b.ids, old.ID)
			}
			list = append([]usage.Record(nil), list[over:]...)
		}
		b.byScope[rec.Scope] = list
	}
	return fresh
}

// Records returns the records of scope with start ≤ timestamp < end,
// oldest first. An empty scope returns every scope.
func (b *recordBuffer) Records(_ context.Context, scopeName string, start, end time.Time) ([]usage.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []usage.Record
	for name, list := range b.byScope {
		if scopeName != "" && name != scopeName {
			continue
		}
		for _, rec := range list {
			if !rec.Timestamp.Before(start) && rec.Timestamp.Before(end) {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
