package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en-US", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "endpointing", "300", q.Get("endpointing"))
	assertEqual(t, "diarize", "", q.Get("diarize"))
}

func TestBuildURL_ProviderDefaults(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q := mustQuery(t, rawURL)

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageSelection(t *testing.T) {
	p, _ := New("key")

	tests := []struct {
		name string
		cfg  stt.StreamConfig
		want string
	}{
		{"explicit", stt.StreamConfig{Language: "fr-FR"}, "fr-FR"},
		{"auto", stt.StreamConfig{Language: "auto"}, "multi"},
		{"hints enable multi", stt.StreamConfig{Language: "en-US", Hints: []string{"ja"}}, "multi"},
		{"hints with identification disabled", stt.StreamConfig{Language: "en-US", Hints: []string{"ja"}, DisableLanguageIdentification: true}, "en-US"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawURL, err := p.buildURL(tt.cfg)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			assertEqual(t, "language", tt.want, mustQuery(t, rawURL).Get("language"))
		})
	}
}

func TestBuildURL_Diarization(t *testing.T) {
	p, _ := New("key")
	rawURL, _ := p.buildURL(stt.StreamConfig{Diarization: true})
	assertEqual(t, "diarize", "true", mustQuery(t, rawURL).Get("diarize"))
}

// ---- message handling ----

const interimHi = `{"type":"Results","is_final":false,"start":0,"duration":0.5,
	"channel":{"alternatives":[{"transcript":"Hi","words":[{"word":"hi","punctuated_word":"Hi","start":0.1,"end":0.3,"confidence":0.9,"speaker":1}]}]}}`

const finalHiThere = `{"type":"Results","is_final":true,"start":0,"duration":1.0,
	"channel":{"alternatives":[{"transcript":"Hi there","words":[
		{"word":"hi","punctuated_word":"Hi","start":0.1,"end":0.3,"confidence":0.9,"speaker":1},
		{"word":"there","punctuated_word":"there","start":0.4,"end":0.7,"confidence":0.8,"speaker":1}]}]}}`

const interimFriend = `{"type":"Results","is_final":false,"start":1.0,"duration":0.5,
	"channel":{"alternatives":[{"transcript":"friend","words":[{"word":"friend","start":1.1,"end":1.4,"confidence":0.7,"speaker":1}]}]}}`

const speechFinalFriend = `{"type":"Results","is_final":true,"speech_final":true,"start":1.0,"duration":0.6,
	"channel":{"alternatives":[{"transcript":"friend.","words":[{"word":"friend","punctuated_word":"friend.","start":1.1,"end":1.4,"confidence":0.7,"speaker":1}]}]}}`

func newTestSession() *session {
	return &session{}
}

func TestHandleMessage_RollingWindow(t *testing.T) {
	s := newTestSession()

	evs := s.handleMessage([]byte(interimHi))
	if len(evs) != 1 || evs[0].Type != stt.EventResult {
		t.Fatalf("interim: got %+v", evs)
	}
	assertEqual(t, "window", "Hi", stt.JoinTokens(evs[0].Tokens))
	assertEqual(t, "speaker", "1", evs[0].Tokens[0].Speaker)

	evs = s.handleMessage([]byte(finalHiThere))
	assertEqual(t, "window", "Hi there", stt.JoinTokens(evs[0].Tokens))
	if got := len(s.BufferedTokens()); got != 2 {
		t.Errorf("committed tokens = %d, want 2", got)
	}

	// An interim segment extends the committed ones.
	evs = s.handleMessage([]byte(interimFriend))
	assertEqual(t, "window", "Hi there friend", stt.JoinTokens(evs[0].Tokens))
	if evs[0].ProcessedAudio != 1500*time.Millisecond {
		t.Errorf("ProcessedAudio = %v, want 1.5s", evs[0].ProcessedAudio)
	}

	evs = s.handleMessage([]byte(speechFinalFriend))
	if len(evs) != 2 || evs[0].Type != stt.EventResult || evs[1].Type != stt.EventEndpoint {
		t.Fatalf("speech_final: got %+v", evs)
	}
	assertEqual(t, "window", "Hi there friend.", stt.JoinTokens(evs[0].Tokens))
	if got := len(s.BufferedTokens()); got != 0 {
		t.Errorf("committed tokens after endpoint = %d, want 0", got)
	}
}

func TestHandleMessage_FromFinalize(t *testing.T) {
	s := newTestSession()
	evs := s.handleMessage([]byte(`{"type":"Results","is_final":true,"from_finalize":true,
		"channel":{"alternatives":[{"words":[{"word":"ok","start":0,"end":0.2}]}]}}`))
	if len(evs) != 2 || evs[1].Type != stt.EventFinalized {
		t.Fatalf("got %+v, want result + finalized", evs)
	}
}

func TestHandleMessage_UtteranceEnd(t *testing.T) {
	s := newTestSession()

	if evs := s.handleMessage([]byte(`{"type":"UtteranceEnd","last_word_end":1.2}`)); len(evs) != 0 {
		t.Errorf("UtteranceEnd without committed words should be ignored, got %+v", evs)
	}
	s.handleMessage([]byte(finalHiThere))
	evs := s.handleMessage([]byte(`{"type":"UtteranceEnd","last_word_end":1.2}`))
	if len(evs) != 1 || evs[0].Type != stt.EventEndpoint {
		t.Fatalf("got %+v, want endpoint", evs)
	}
}

func TestHandleMessage_IgnoredAndMalformed(t *testing.T) {
	s := newTestSession()

	if evs := s.handleMessage([]byte(`{"type":"Metadata","request_id":"x"}`)); len(evs) != 0 {
		t.Errorf("Metadata should be ignored, got %+v", evs)
	}
	if evs := s.handleMessage([]byte(`{"type":"Results","channel":{"alternatives":[]}}`)); len(evs) != 0 {
		t.Errorf("empty alternatives should produce nothing, got %+v", evs)
	}
	if evs := s.handleMessage([]byte(`not json`)); len(evs) != 0 {
		t.Errorf("malformed message should be skipped, got %+v", evs)
	}
	if got := s.malformed.Load(); got != 1 {
		t.Errorf("malformed count = %d, want 1", got)
	}
	// The next well-formed result is still decoded.
	evs := s.handleMessage([]byte(interimHi))
	if len(evs) != 1 || evs[0].Type != stt.EventResult {
		t.Errorf("result after malformed message = %+v, want one result", evs)
	}
	if evs := s.handleMessage([]byte(`{"type":"Error","description":"bad request"}`)); len(evs) != 1 || evs[0].Type != stt.EventError {
		t.Errorf("engine error message = %+v, want error event", evs)
	}
}

// ---- live session against a fake server ----

func TestSession_EndToEnd(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotFinalize := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		sentResults := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			switch {
			case typ == websocket.MessageBinary && !sentResults:
				sentResults = true
				for _, m := range []string{interimHi, finalHiThere, speechFinalFriend} {
					_ = conn.Write(ctx, websocket.MessageText, []byte(m))
				}
			case strings.Contains(string(data), "Finalize"):
				gotFinalize <- struct{}{}
			case strings.Contains(string(data), "CloseStream"):
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	p, err := New("secret", WithBaseURL("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en-US"})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	assertEqual(t, "auth", "Token secret", <-gotAuth)

	if ev := nextEvent(t, h); ev.Type != stt.EventConnected {
		t.Fatalf("first event = %v, want connected", ev.Type)
	}
	if err := h.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	want := []stt.EventType{stt.EventResult, stt.EventResult, stt.EventResult, stt.EventEndpoint}
	for i, w := range want {
		if ev := nextEvent(t, h); ev.Type != w {
			t.Fatalf("event %d = %v, want %v", i, ev.Type, w)
		}
	}

	if err := h.(stt.Finalizer).Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	select {
	case <-gotFinalize:
	case <-ctx.Done():
		t.Fatal("server never received Finalize")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ev := nextEvent(t, h); ev.Type != stt.EventFinished {
		t.Errorf("terminal event = %v, want finished", ev.Type)
	}
	if _, ok := <-h.Events(); ok {
		t.Error("events channel should be closed after Close")
	}
	if err := h.SendAudio([]byte{0, 0}); err != stt.ErrClosed {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
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

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "name", "deepgram", p.Name())
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "baseURL", deepgramEndpoint, p.baseURL)
}

// ---- helpers ----

func mustQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	return u.Query()
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

func TestHandleMessage_SilenceProgress(t *testing.T) {
	s := newTestSession()
	evs := s.handleMessage([]byte(`{"type":"Results","start":1.0,"duration":1.5,"is_final":true,
		"channel":{"alternatives":[{"transcript":"","words":[]}]}}`))
	if len(evs) != 1 || evs[0].Type != stt.EventResult {
		t.Fatalf("events = %+v, want one progress result", evs)
	}
	if len(evs[0].Tokens) != 0 {
		t.Errorf("tokens = %+v, want none", evs[0].Tokens)
	}
	if evs[0].ProcessedAudio != 2500*time.Millisecond {
		t.Errorf("ProcessedAudio = %v, want 2.5s", evs[0].ProcessedAudio)
	}
}
