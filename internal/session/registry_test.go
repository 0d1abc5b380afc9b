package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/glassline/pkg/provider/stt/mock"
)

func newRegistrySession(userID string) *Session {
	return New(Config{
		UserID:   userID,
		Provider: &mock.Provider{},
		Delivery: &deliveryRecorder{},
		Bridge:   &fakeBridge{},
		Issuer:   &fakeIssuer{},
	})
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry()
	t.Cleanup(func() { _ = r.DisposeAll(context.Background()) })

	var (
		created atomic.Int32
		wg      sync.WaitGroup
	)
	results := make([]*Session, 32)
	for i := range results {
		wg.Go(func() {
			s, ok := r.GetOrCreate("user-1", func() *Session {
				created.Add(1)
				return newRegistrySession("user-1")
			})
			if ok {
				t.Logf("goroutine %d created the session", i)
			}
			results[i] = s
		})
	}
	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Fatalf("sessions created = %d, want 1", n)
	}
	for i, s := range results {
		if s != results[0] {
			t.Fatalf("goroutine %d got a different session", i)
		}
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	t.Cleanup(func() { _ = r.DisposeAll(context.Background()) })

	stale := newRegistrySession("user-1")
	t.Cleanup(func() { _ = stale.Dispose(context.Background()) })

	cur, _ := r.GetOrCreate("user-1", func() *Session { return newRegistrySession("user-1") })
	if r.Remove(stale) {
		t.Error("Remove(stale) = true, want false")
	}
	if got, ok := r.Get("user-1"); !ok || got != cur {
		t.Error("current session missing after stale remove")
	}
	if !r.Remove(cur) {
		t.Error("Remove(cur) = false, want true")
	}
	if _, ok := r.Get("user-1"); ok {
		t.Error("session still registered after Remove")
	}
	_ = cur.Dispose(context.Background())
}

func TestRegistry_DisposeAll(t *testing.T) {
	r := NewRegistry()
	var sessions []*Session
	for i := range 5 {
		id := fmt.Sprintf("user-%d", i)
		s, _ := r.GetOrCreate(id, func() *Session { return newRegistrySession(id) })
		sessions = append(sessions, s)
	}
	if all := r.All(); len(all) != 5 || all[0].UserID() != "user-0" {
		t.Fatalf("All() = %d sessions, want 5 sorted by user", len(all))
	}

	if err := r.DisposeAll(t.Context()); err != nil {
		t.Fatalf("DisposeAll: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after DisposeAll, want 0", r.Len())
	}
	for _, s := range sessions {
		if !s.Disposed() {
			t.Errorf("session %s not disposed", s.UserID())
		}
		// Disposing again stays a no-op.
		if err := s.Dispose(t.Context()); err != nil {
			t.Errorf("second Dispose(%s): %v", s.UserID(), err)
		}
	}
}
