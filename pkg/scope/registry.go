// Package scope provides the per-scope state registry shared by the stateful
// components of the control plane.
//
// Each scope (organisation, team, agent, workflow) owns exactly one entry.
// The registry lock only guards the map; work on an entry happens under that
// entry's own mutex, so a slow scope never blocks evaluation of another.
package scope

import (
	"sort"
	"sync"
)

// Entry holds the state of one scope together with the mutex that serialises
// access to it.
type Entry[T any] struct {
	mu    sync.Mutex
	state T
}

// Do runs fn with exclusive access to the entry state.
func (e *Entry[T]) Do(fn func(state *T)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.state)
}

// Registry maps scope names to entries, creating them on first use.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[T]
	init    func(scope string) T
}

// NewRegistry creates a registry. init builds the state of a scope the first
// time it is seen; nil uses the zero value of T.
func NewRegistry[T any](init func(scope string) T) *Registry[T] {
	return &Registry[T]{
		entries: make(map[string]*Entry[T]),
		init:    init,
	}
}

// Get returns the entry for scope, creating it when absent.
func (r *Registry[T]) Get(scope string) *Entry[T] {
	r.mu.RLock()
	e, ok := r.entries[scope]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[scope]; ok {
		return e
	}
	e = &Entry[T]{}
	if r.init != nil {
		e.state = r.init(scope)
	}
	r.entries[scope] = e
	return e
}

// Lookup returns the entry for scope without creating it.
func (r *Registry[T]) Lookup(scope string) (*Entry[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[scope]
	return e, ok
}

// Do is shorthand for Get(scope).Do(fn).
func (r *Registry[T]) Do(scope string, fn func(state *T)) {
	r.Get(scope).Do(fn)
}

// Delete removes scope from the registry.
func (r *Registry[T]) Delete(scope string) {
	r.mu.Lock()
	delete(r.entries, scope)
	r.mu.Unlock()
}

// Scopes returns the known scope names in sorted order.
func (r *Registry[T]) Scopes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of scopes.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
