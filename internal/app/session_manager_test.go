package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/internal/session"
	"github.com/MrWong99/glassline/pkg/audio"
	sttmock "github.com/MrWong99/glassline/pkg/provider/stt/mock"
)

func newTestSessionManager(t *testing.T, mutate func(*config.Config)) (*SessionManager, *sttmock.Provider) {
	t.Helper()
	cfg := &config.Config{Engine: config.ProviderEntry{Name: "mock"}}
	config.ApplyDefaults(cfg)
	if mutate != nil {
		mutate(cfg)
	}
	p := &sttmock.Provider{}
	sm := NewSessionManager(SessionManagerConfig{Config: cfg, Provider: p})
	t.Cleanup(func() { _ = sm.Shutdown(context.Background()) })
	return sm, p
}

func TestSessionManager_AcquireReusesSession(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	a, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if a != b {
		t.Error("Acquire returned a different session for the same user")
	}
	if sm.Len() != 1 {
		t.Errorf("Len() = %d, want 1", sm.Len())
	}
}

func TestSessionManager_ConcurrentAcquire(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)

	const n = 32
	got := make([]*session.Session, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			s, err := sm.Acquire("user-1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			got[i] = s
		})
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different session", i)
		}
	}
}

func TestSessionManager_ExpiredSessionIsReplaced(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, func(c *config.Config) {
		c.Server.DisconnectGrace = 10 * time.Millisecond
	})
	first, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !first.Disposed() {
		if time.Now().After(deadline) {
			t.Fatal("session not disposed after its grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := sm.Get("user-1"); ok {
		t.Error("expired session still registered")
	}

	second, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if second == first || second.Disposed() {
		t.Error("Acquire after expiry did not create a fresh session")
	}
}

func TestSessionManager_RouteAudio(t *testing.T) {
	t.Parallel()

	sm, p := newTestSessionManager(t, nil)

	// No session yet: dropped without panicking.
	sm.RouteAudio("user-1", audio.Chunk{Origin: audio.OriginSequenced, Data: []byte{1, 2}})

	s, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.UpdateSubscriptions(t.Context(), "app-1", []string{"transcription:en-US"}); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	eng := p.LastSession()

	sm.RouteAudio("user-1", audio.Chunk{Origin: audio.OriginSequenced, Sequence: 0, Data: []byte{1, 2}})

	deadline := time.Now().Add(2 * time.Second)
	for eng.SendAudioCallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("routed audio never reached the engine")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionManager_UpdateTranscription(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	old := sm.cfg

	tc := old.Transcription
	tc.StaleAfter = time.Minute
	sm.UpdateTranscription(tc)

	if sm.cfg == old {
		t.Fatal("UpdateTranscription mutated the shared config in place")
	}
	if sm.cfg.Transcription.StaleAfter != time.Minute {
		t.Errorf("StaleAfter = %v, want 1m", sm.cfg.Transcription.StaleAfter)
	}
	if old.Transcription.StaleAfter == time.Minute {
		t.Error("previous config was modified")
	}

	sc := sm.sessionConfig("user-1", sm.cfg)
	if sc.StaleAfter != time.Minute {
		t.Errorf("new session StaleAfter = %v, want 1m", sc.StaleAfter)
	}
}

func TestSessionManager_Report(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	for _, id := range []string{"user-b", "user-a"} {
		if _, err := sm.Acquire(id); err != nil {
			t.Fatalf("Acquire(%s): %v", id, err)
		}
	}

	r := sm.Report()
	snaps, ok := r.Sessions.([]session.Snapshot)
	if !ok {
		t.Fatalf("Sessions type = %T, want []session.Snapshot", r.Sessions)
	}
	if len(snaps) != 2 || snaps[0].UserID != "user-a" || snaps[1].UserID != "user-b" {
		t.Errorf("snapshots = %+v, want user-a and user-b in order", snaps)
	}
	if r.Unhealthy != 0 {
		t.Errorf("Unhealthy = %d, want 0", r.Unhealthy)
	}
}

func TestSessionManager_ShutdownDisposesAll(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	s, err := sm.Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := sm.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !s.Disposed() {
		t.Error("session not disposed by Shutdown")
	}
	if _, err := sm.Acquire("user-2"); err != ErrShuttingDown {
		t.Errorf("Acquire after Shutdown err = %v, want ErrShuttingDown", err)
	}
}
