package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glassline/internal/app"
	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/internal/resilience"
	"github.com/MrWong99/glassline/internal/transcription"
	"github.com/MrWong99/glassline/pkg/provider/stt"
	sttmock "github.com/MrWong99/glassline/pkg/provider/stt/mock"
)

// testConfig returns a validated config using the mock engine and ephemeral
// ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			UDPAddr:    "127.0.0.1:0",
		},
		Engine: config.ProviderEntry{Name: "mock"},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

type recordingSink struct {
	mu     sync.Mutex
	events []transcription.Event
	closed bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Consume(_ context.Context, _ string, ev transcription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([]transcription.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events), s.closed
}

func newTestApp(t *testing.T, cfg *config.Config, engines *app.Engines, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(t.Context(), cfg, engines, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresEngine(t *testing.T) {
	t.Parallel()

	if _, err := app.New(t.Context(), testConfig(t), &app.Engines{}); err == nil {
		t.Fatal("New() without engine returned nil error")
	}
}

func TestNew_WithMockEngine(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &app.Engines{Primary: &sttmock.Provider{}})
	if a.UDPAddr() == "" {
		t.Error("UDPAddr() is empty with udp_addr configured")
	}
	if a.EngineStatus() != nil {
		t.Errorf("EngineStatus() = %v, want nil without fallbacks", a.EngineStatus())
	}

	for _, path := range []string{"/healthz", "/readyz", "/streamz"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestNew_UDPDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Server.UDPAddr = ""
	a := newTestApp(t, cfg, &app.Engines{Primary: &sttmock.Provider{}})
	if a.UDPAddr() != "" {
		t.Errorf("UDPAddr() = %q, want empty", a.UDPAddr())
	}
}

type namedEngine struct {
	*sttmock.Provider
	name string
}

func (e namedEngine) Name() string { return e.name }

func TestNew_WithFallbacks(t *testing.T) {
	t.Parallel()

	primary := namedEngine{Provider: &sttmock.Provider{StartStreamErr: errors.New("refused")}, name: "primary"}
	backup := namedEngine{Provider: &sttmock.Provider{}, name: "backup"}

	cfg := testConfig(t)
	cfg.Breaker.MaxFailures = 1
	a := newTestApp(t, cfg, &app.Engines{Primary: primary, Fallbacks: []stt.Provider{backup}})

	s, err := a.Sessions().Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.UpdateSubscriptions(t.Context(), "app-1", []string{"transcription:en-US"}); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	if backup.LastSession() == nil {
		t.Fatal("backup engine did not receive the stream")
	}

	status := a.EngineStatus()
	if len(status) != 2 {
		t.Fatalf("EngineStatus() = %v, want 2 entries", status)
	}
	if status[0].Name != "primary" || status[0].State != resilience.StateOpen {
		t.Errorf("primary status = %+v, want open", status[0])
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streamz", nil))
	var body struct {
		Engines []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"engines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /streamz: %v", err)
	}
	if len(body.Engines) != 2 || body.Engines[0].State != "open" || body.Engines[1].State != "closed" {
		t.Errorf("/streamz engines = %+v, want primary open and backup closed", body.Engines)
	}
}

func TestApp_DeliversToSinkAndFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{}
	rec := &recordingSink{}
	a, err := app.New(t.Context(), testConfig(t), &app.Engines{Primary: p}, app.WithSink(rec))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	s, err := a.Sessions().Acquire("user-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.UpdateSubscriptions(t.Context(), "app-1", []string{"transcription:en-US"}); err != nil {
		t.Fatalf("UpdateSubscriptions: %v", err)
	}
	p.LastSession().Emit(stt.Event{Type: stt.EventResult, Tokens: []stt.Token{{Text: "hello"}}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if evs, _ := rec.snapshot(); len(evs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the sink")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	evs, closed := rec.snapshot()
	if !closed {
		t.Error("sink not closed by Shutdown")
	}
	if last := evs[len(evs)-1]; !last.IsFinal || last.Text != "hello" {
		t.Errorf("last event = %+v, want final hello flushed on shutdown", last)
	}
	if _, err := a.Sessions().Acquire("user-2"); !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("Acquire after Shutdown err = %v, want ErrShuttingDown", err)
	}
}

func TestApp_StreamzReportsSessions(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &app.Engines{Primary: &sttmock.Provider{}})
	if _, err := a.Sessions().Acquire("user-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streamz", nil))
	var body struct {
		Status   string `json:"status"`
		Sessions []struct {
			UserID string `json:"user_id"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode /streamz: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if len(body.Sessions) != 1 || body.Sessions[0].UserID != "user-1" {
		t.Errorf("sessions = %+v, want user-1", body.Sessions)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &app.Engines{Primary: &sttmock.Provider{}})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t), &app.Engines{Primary: &sttmock.Provider{}})
	if err := a.Shutdown(t.Context()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	a, err := app.New(t.Context(), testConfig(t), &app.Engines{Primary: &sttmock.Provider{}},
		app.WithSink(&recordingSink{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}
