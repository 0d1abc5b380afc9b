package subscription

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Set is the per-session registry of subscriptions, keyed by app ID. It is
// safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	byApp map[string][]Subscription
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{byApp: make(map[string][]Subscription)}
}

// Update replaces the subscriptions of appID. Entries that fail to parse are
// skipped and reported in the returned error; the valid ones are stored
// regardless. changed reports whether the app's normalized subscription list
// differs from before.
func (s *Set) Update(appID string, raws []string) (changed bool, err error) {
	var (
		subs []Subscription
		errs []error
	)
	for _, raw := range raws {
		sub, perr := Parse(raw)
		if perr != nil {
			errs = append(errs, perr)
			continue
		}
		subs = append(subs, sub)
	}
	if len(errs) > 0 {
		slog.Warn("subscription: ignoring invalid entries", "app_id", appID, "count", len(errs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.byApp[appID]
	if len(subs) == 0 {
		delete(s.byApp, appID)
	} else {
		s.byApp[appID] = subs
	}
	return !sameRaw(prev, subs), errors.Join(errs...)
}

// Remove drops every subscription of appID and reports whether it had any.
func (s *Set) Remove(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byApp[appID]
	delete(s.byApp, appID)
	return ok
}

// All returns every subscription of every app, ordered by app ID.
func (s *Set) All() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Subscription
	for _, app := range slices.Sorted(maps.Keys(s.byApp)) {
		out = append(out, s.byApp[app]...)
	}
	return out
}

// Raw returns every raw subscription string, ordered by app ID.
func (s *Set) Raw() []string {
	all := s.All()
	out := make([]string, len(all))
	for i, sub := range all {
		out[i] = sub.Raw
	}
	return out
}

// Apps returns the IDs of all apps with at least one subscription.
func (s *Set) Apps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.byApp))
}

// AppsFor returns the apps subscribed to the normalized key.
func (s *Set) AppsFor(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for app, subs := range s.byApp {
		if slices.ContainsFunc(subs, func(sub Subscription) bool { return sub.Key() == key }) {
			out = append(out, app)
		}
	}
	slices.Sort(out)
	return out
}

// AppsWithKind returns the apps holding at least one subscription of kind.
func (s *Set) AppsWithKind(kind Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for app, subs := range s.byApp {
		if slices.ContainsFunc(subs, func(sub Subscription) bool { return sub.Kind == kind }) {
			out = append(out, app)
		}
	}
	slices.Sort(out)
	return out
}

// HasAudioDependent reports whether any app needs live audio.
func (s *Set) HasAudioDependent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, subs := range s.byApp {
		for _, sub := range subs {
			if sub.Kind.AudioDependent() {
				return true
			}
		}
	}
	return false
}

func sameRaw(a, b []Subscription) bool {
	return slices.EqualFunc(a, b, func(x, y Subscription) bool { return x.Raw == y.Raw })
}
