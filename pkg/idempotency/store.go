// Package idempotency records claimed keys so that repeated events trigger
// their side effects once.
//
// Keys are claimed with a time to live. A claim succeeds only for the first
// caller inside that window; later claims report the key as already taken.
// The alert service uses claims as dedupe cooldowns and the actions manager
// uses them to skip duplicate executions.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrClosed is returned by a closed store.
var ErrClosed = errors.New("idempotency store closed")

// Store claims keys for a bounded time.
type Store interface {
	// Claim records key for ttl. It returns false when the key is already
	// claimed and has not expired. A ttl of zero never expires.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Seen reports whether key is currently claimed.
	Seen(ctx context.Context, key string) (bool, error)

	// Release drops a claim so the key can be claimed again.
	Release(ctx context.Context, key string) error

	Close() error
}

// Key derives a fixed-length key from its parts as the hex SHA-256 of the
// parts joined by NUL.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]time.Time
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates an empty in-process store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		keys: make(map[string]time.Time),
		now:  now,
	}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.now()
	if s.live(key, now) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.keys[key] = exp
	return true, nil
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.live(key, s.now()), nil
}

// caller holds s.mu
func (s *MemoryStore) live(key string, now time.Time) bool {
	exp, ok := s.keys[key]
	if !ok {
		return false
	}
	if !exp.IsZero() && !now.Before(exp) {
		delete(s.keys, key)
		return false
	}
	return true
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Sweep removes expired keys and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, exp := range s.keys {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored keys, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.keys = map[string]time.Time{}
	s.mu.Unlock()
	return nil
}
