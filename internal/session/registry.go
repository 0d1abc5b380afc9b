package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

// Registry maps user IDs to their live sessions. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session of userID, calling create when none exists.
// create runs under the registry lock and must not touch the registry. The
// second result reports whether the session was created.
func (r *Registry) GetOrCreate(userID string, create func() *Session) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		return s, false
	}
	s = create()
	r.sessions[userID] = s
	return s, true
}

// Get returns the session of userID.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove deletes s from the registry if it is still the session registered
// for its user. It reports whether an entry was removed.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.UserID()]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.UserID())
	return true
}

// All returns the registered sessions sorted by user ID.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	ids := slices.Sorted(maps.Keys(r.sessions))
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.sessions[id])
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DisposeAll removes and disposes every session.
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range all {
		wg.Go(func() {
			if err := s.Dispose(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
