package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the current configuration snapshot. Readers get an immutable
// *Config without locking; a reload validates the candidate and swaps it in
// whole, then notifies subscribers in registration order.
type Store struct {
	current atomic.Pointer[Config]

	mu     sync.Mutex
	subs   map[int]func(*Config)
	order  []int
	nextID int
}

// NewStore creates a store holding cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{subs: make(map[int]func(*Config))}
	s.current.Store(cfg)
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *Store) Load() *Config {
	return s.current.Load()
}

// Swap validates cfg and makes it the current snapshot. An invalid cfg
// leaves the current snapshot in place.
func (s *Store) Swap(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.current.Store(cfg)
	fns := make([]func(*Config), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

// Reload loads path with environment overrides and swaps the result in.
func (s *Store) Reload(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}
	return s.Swap(cfg)
}

// Subscribe registers fn to receive every new snapshot. It returns a
// function that removes the subscription.
func (s *Store) Subscribe(fn func(*Config)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.order = append(s.order, id)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}
