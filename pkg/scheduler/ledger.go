package scheduler

import (
	"context"
	"sync"
	"time"
)

// Ledger records which periods a task has been applied for. Claim and
// Release must be safe for concurrent use.
type Ledger interface {
	// Claim marks key as applied at the given time. It returns false when
	// the key was already claimed.
	Claim(ctx context.Context, key string, at time.Time) (bool, error)

	// Release forgets a claim so a failed run can be retried.
	Release(ctx context.Context, key string) error
}

// MemoryLedger is an in-process Ledger. Claims are lost on restart.
type MemoryLedger struct {
	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claims: make(map[string]time.Time)}
}

// Claim implements Ledger.
func (l *MemoryLedger) Claim(_ context.Context, key string, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claims[key]; ok {
		return false, nil
	}
	l.claims[key] = at
	return true, nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.claims, key)
	l.mu.Unlock()
	return nil
}

// Len returns the number of claims.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}

func ledgerKey(taskID, scope, period string) string {
	return taskID + "|" + scope + "|" + period
}
