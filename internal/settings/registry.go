package settings

import (
	"runtime"
	"sync"

	"github.com/tonimelisma/csom-go/internal/session"
)

// Registry maps session identity to Settings. It holds no reference to the
// sessions themselves: entries are keyed by session ID and dropped
// automatically once the session becomes unreachable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	settings *Settings
	cleanup  runtime.Cleanup
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Get returns the settings registered for s.
func (r *Registry) Get(s *session.Session) (*Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[s.ID()]
	if !ok {
		return nil, false
	}

	return e.settings, true
}

// Set registers st for s, replacing any previous association.
func (r *Registry) Set(s *session.Session, st *Settings) {
	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.settings = st

		return
	}

	// The cleanup argument must not reference s, or s would never be
	// collected.
	cleanup := runtime.AddCleanup(s, r.drop, id)
	r.entries[id] = &entry{settings: st, cleanup: cleanup}
}

// Remove drops the entry for s.
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[s.ID()]; ok {
		e.cleanup.Stop()
		delete(r.entries, s.ID())
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// drop runs on the cleanup goroutine after a session became unreachable.
func (r *Registry) drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, id)
}
