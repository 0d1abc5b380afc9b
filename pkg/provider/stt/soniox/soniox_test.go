package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

func TestLanguageHints(t *testing.T) {
	tests := []struct {
		name    string
		primary string
		hints   []string
		want    []string
	}{
		{"primary only", "en-US", nil, []string{"en"}},
		{"dedup base codes", "en-US", []string{"en-GB", "ja"}, []string{"en", "ja"}},
		{"auto primary", "auto", []string{"de"}, []string{"de"}},
		{"empty", "", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := languageHints(tt.primary, tt.hints)
			if !slices.Equal(got, tt.want) {
				t.Errorf("languageHints(%q, %v) = %v, want %v", tt.primary, tt.hints, got, tt.want)
			}
		})
	}
}

func TestStartRequest(t *testing.T) {
	p, err := New("key", WithModel("stt-rt-v4"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := p.startRequest(stt.StreamConfig{
		Language:                      "en-US",
		Hints:                         []string{"ja"},
		DisableLanguageIdentification: true,
		Diarization:                   true,
	})
	if req.Model != "stt-rt-v4" || req.APIKey != "key" {
		t.Errorf("unexpected model/key: %+v", req)
	}
	if req.AudioFormat != "pcm_s16le" || req.SampleRate != 16000 || req.NumChannels != 1 {
		t.Errorf("unexpected audio format: %+v", req)
	}
	if req.EnableLanguageIdentification {
		t.Error("language identification should be disabled")
	}
	if !req.EnableSpeakerDiarization || !req.EnableEndpointDetection {
		t.Errorf("diarization and endpoint detection should be on: %+v", req)
	}
	if !slices.Equal(req.LanguageHints, []string{"en", "ja"}) {
		t.Errorf("LanguageHints = %v", req.LanguageHints)
	}
}

func TestHandleMessage_RollingWindow(t *testing.T) {
	s := &session{}

	// Non-final tokens are re-sent in full; final tokens only once.
	steps := []struct {
		msg  string
		want string
	}{
		{`{"tokens":[{"text":"Hi","is_final":false,"speaker":"1"}],"total_audio_proc_ms":300}`, "Hi"},
		{`{"tokens":[{"text":"Hi","is_final":true,"speaker":"1"},{"text":" there","is_final":false,"speaker":"1"}]}`, "Hi there"},
		{`{"tokens":[{"text":" there","is_final":true,"speaker":"1"},{"text":" friend","is_final":false,"speaker":"1"}]}`, "Hi there friend"},
	}
	for i, st := range steps {
		evs := s.handleMessage([]byte(st.msg))
		if len(evs) != 1 || evs[0].Type != stt.EventResult {
			t.Fatalf("step %d: got %+v", i, evs)
		}
		if got := stt.JoinTokens(evs[0].Tokens); got != st.want {
			t.Errorf("step %d: window = %q, want %q", i, got, st.want)
		}
	}
	if got := stt.JoinTokens(s.BufferedTokens()); got != "Hi there" {
		t.Errorf("BufferedTokens = %q, want %q", got, "Hi there")
	}

	evs := s.handleMessage([]byte(`{"tokens":[{"text":" friend","is_final":true},{"text":"<end>","is_final":true}],"total_audio_proc_ms":1200}`))
	if len(evs) != 2 || evs[0].Type != stt.EventResult || evs[1].Type != stt.EventEndpoint {
		t.Fatalf("endpoint: got %+v", evs)
	}
	if got := stt.JoinTokens(evs[0].Tokens); got != "Hi there friend" {
		t.Errorf("final window = %q", got)
	}
	if evs[1].ProcessedAudio != 1200*time.Millisecond {
		t.Errorf("ProcessedAudio = %v, want 1.2s", evs[1].ProcessedAudio)
	}
	if len(s.BufferedTokens()) != 0 {
		t.Error("buffer should be empty after endpoint")
	}
}

func TestHandleMessage_Markers(t *testing.T) {
	s := &session{}

	evs := s.handleMessage([]byte(`{"tokens":[{"text":"<fin>","is_final":true}]}`))
	if len(evs) != 1 || evs[0].Type != stt.EventFinalized {
		t.Fatalf("fin only: got %+v", evs)
	}

	evs = s.handleMessage([]byte(`{"tokens":[],"finished":true}`))
	if len(evs) != 1 || evs[0].Type != stt.EventFinished {
		t.Fatalf("finished: got %+v", evs)
	}
	if !s.isFinished() {
		t.Error("session should be marked finished")
	}

	if evs := s.handleMessage([]byte(`{"tokens":[]}`)); len(evs) != 0 {
		t.Errorf("empty update should produce nothing, got %+v", evs)
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	s := &session{}

	evs := s.handleMessage([]byte(`{"error_code":401,"error_message":"invalid api key"}`))
	if len(evs) != 1 || evs[0].Type != stt.EventError {
		t.Fatalf("got %+v", evs)
	}
	if !strings.Contains(evs[0].Err.Error(), "invalid api key") {
		t.Errorf("error = %v", evs[0].Err)
	}

	if evs := s.handleMessage([]byte(`{`)); len(evs) != 0 {
		t.Errorf("malformed: got %+v, want skipped", evs)
	}
	if got := s.malformed.Load(); got != 1 {
		t.Errorf("malformed count = %d, want 1", got)
	}
}

// fakeServer records what the client sends and replays scripted responses
// once the first audio frame arrives.
type fakeServer struct {
	config    chan startRequest
	controls  chan string
	audioSeen chan int
}

func startFakeServer(t *testing.T, script []string) (*httptest.Server, *fakeServer) {
	t.Helper()
	fs := &fakeServer{
		config:    make(chan startRequest, 1),
		controls:  make(chan string, 8),
		audioSeen: make(chan int, 64),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cfg startRequest
		_ = json.Unmarshal(data, &cfg)
		fs.config <- cfg

		scripted := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				var c controlMessage
				_ = json.Unmarshal(data, &c)
				fs.controls <- c.Type
				continue
			}
			if len(data) == 0 {
				// End of stream.
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"tokens":[],"finished":true}`))
				return
			}
			fs.audioSeen <- len(data)
			if !scripted {
				scripted = true
				for _, m := range script {
					_ = conn.Write(ctx, websocket.MessageText, []byte(m))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, h stt.SessionHandle) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return stt.Event{}
}

func TestSession_EndToEnd(t *testing.T) {
	srv, fs := startFakeServer(t, []string{
		`{"tokens":[{"text":"Hi","is_final":false,"speaker":"1"}]}`,
		`{"tokens":[{"text":"Hi","is_final":true,"speaker":"1"},{"text":"<end>","is_final":true}]}`,
	})

	p, err := New("secret", WithBaseURL(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US", Diarization: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	cfg := <-fs.config
	if cfg.APIKey != "secret" || cfg.AudioFormat != "pcm_s16le" || !cfg.EnableSpeakerDiarization {
		t.Errorf("unexpected config message: %+v", cfg)
	}
	if ev := nextEvent(t, h); ev.Type != stt.EventConnected {
		t.Fatalf("first event = %v, want connected", ev.Type)
	}

	if err := h.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if n := <-fs.audioSeen; n != 640 {
		t.Errorf("server received %d bytes, want 640", n)
	}

	for i, want := range []stt.EventType{stt.EventResult, stt.EventResult, stt.EventEndpoint} {
		if ev := nextEvent(t, h); ev.Type != want {
			t.Fatalf("event %d = %v, want %v", i, ev.Type, want)
		}
	}

	if err := h.(stt.Finalizer).Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := <-fs.controls; got != "finalize" {
		t.Errorf("control = %q, want finalize", got)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ev := nextEvent(t, h); ev.Type != stt.EventFinished {
		t.Errorf("terminal event = %v, want finished", ev.Type)
	}
	if _, ok := <-h.Events(); ok {
		t.Error("events channel should be closed")
	}
	if err := h.SendAudio([]byte{1, 2}); err != stt.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := h.(stt.Finalizer).Finalize(); err != stt.ErrClosed {
		t.Errorf("Finalize after Close = %v, want ErrClosed", err)
	}
}

func TestSession_Keepalive(t *testing.T) {
	srv, fs := startFakeServer(t, nil)

	p, _ := New("k", WithBaseURL(wsURL(srv)), WithKeepaliveInterval(50*time.Millisecond))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()
	<-fs.config

	select {
	case got := <-fs.controls:
		if got != "keepalive" {
			t.Errorf("control = %q, want keepalive", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive sent")
	}
}

func TestSession_ServerDropIsDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
		conn.Close(websocket.StatusInternalError, "boom")
	}))
	t.Cleanup(srv.Close)

	p, _ := New("k", WithBaseURL(wsURL(srv)))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // connected
	ev := nextEvent(t, h)
	if ev.Type != stt.EventDisconnected || ev.Err == nil {
		t.Errorf("got %v (err %v), want disconnected with error", ev.Type, ev.Err)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestHandleMessage_ProgressOnly(t *testing.T) {
	s := &session{}
	evs := s.handleMessage([]byte(`{"tokens":[],"total_audio_proc_ms":2400}`))
	if len(evs) != 1 || evs[0].Type != stt.EventResult {
		t.Fatalf("events = %+v, want one progress result", evs)
	}
	if len(evs[0].Tokens) != 0 {
		t.Errorf("progress result carries %d tokens, want 0", len(evs[0].Tokens))
	}
	if evs[0].ProcessedAudio != 2400*time.Millisecond {
		t.Errorf("ProcessedAudio = %v, want 2.4s", evs[0].ProcessedAudio)
	}
}

func TestSession_SkipsMalformedResponse(t *testing.T) {
	srv, _ := startFakeServer(t, []string{
		`{"tokens":[{"text":"Hi`,
		`{"tokens":[{"text":"Hi there","is_final":false}]}`,
	})
	p, _ := New("k", WithBaseURL(wsURL(srv)))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	nextEvent(t, h) // connected
	if err := h.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	ev := nextEvent(t, h)
	if ev.Type != stt.EventResult || stt.JoinTokens(ev.Tokens) != "Hi there" {
		t.Fatalf("event = %+v, want the valid window after the truncated frame", ev)
	}
	if err := h.SendAudio(make([]byte, 320)); err != nil {
		t.Errorf("SendAudio after malformed frame: %v", err)
	}
}

func TestSendAudio_DoesNotBlock(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *session)
		want    error
	}{
		{
			name:    "queue full",
			prepare: func(s *session) { s.audio <- []byte{1} },
			want:    stt.ErrBackpressure,
		},
		{
			name:    "writer stopped",
			prepare: func(s *session) { close(s.writerDone) },
			want:    errWriterStopped,
		},
		{
			name:    "closed",
			prepare: func(s *session) { close(s.done) },
			want:    stt.ErrClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &session{
				audio:      make(chan []byte, 1),
				done:       make(chan struct{}),
				writerDone: make(chan struct{}),
			}
			tt.prepare(s)
			if err := s.SendAudio([]byte{2}); !errors.Is(err, tt.want) {
				t.Errorf("SendAudio = %v, want %v", err, tt.want)
			}
		})
	}
}
