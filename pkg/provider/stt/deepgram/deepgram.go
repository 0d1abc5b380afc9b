// Package deepgram provides an stt.Provider backed by the Deepgram live
// transcription WebSocket API.
//
// Deepgram sends incremental segments: interim results for the segment being
// recognised and an is_final result once a segment is committed. The session
// stitches committed segments and the current interim segment into the
// rolling window the stt package expects, and reports speech_final and
// UtteranceEnd messages as endpoints.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	closeTimeout      = 3 * time.Second
)

// Compile-time interface checks.
var (
	_ stt.Provider         = (*Provider)(nil)
	_ stt.SessionHandle    = (*session)(nil)
	_ stt.Finalizer        = (*session)(nil)
	_ stt.TranscriptBuffer = (*session)(nil)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the language used when a stream does not specify one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithSampleRate sets the provider-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithEndpointing sets how much trailing silence, in milliseconds, Deepgram
// waits before marking speech_final.
func WithEndpointing(ms int) Option {
	return func(p *Provider) {
		p.endpointingMs = ms
	}
}

// WithBaseURL overrides the WebSocket endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey        string
	model         string
	language      string
	sampleRate    int
	endpointingMs int
	baseURL       string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		model:         defaultModel,
		language:      defaultLanguage,
		sampleRate:    defaultSampleRate,
		endpointingMs: 300,
		baseURL:       deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// StartStream opens a live transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = p.sampleRate
	}

	// The session outlives the dial context.
	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		cancel:     cancel,
		events:     make(chan stt.Event, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
		sampleRate: sampleRate,
	}
	sess.events <- stt.Event{Type: stt.EventConnected}

	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	// Deepgram's code-switching model handles multi-language audio.
	if lang == "auto" || (len(cfg.Hints) > 0 && !cfg.DisableLanguageIdentification) {
		lang = "multi"
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(ch))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	if p.endpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(p.endpointingMs))
	}
	if cfg.Diarization {
		q.Set("diarize", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of Results and UtteranceEnd messages.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
				Speaker        *int    `json:"speaker"`
				Language       string  `json:"language"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	events chan stt.Event
	audio  chan []byte

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	sampleRate int
	malformed  atomic.Uint64

	mu        sync.Mutex
	committed []stt.Token // is_final segments of the current utterance
}

// SendAudio queues a PCM chunk for delivery to Deepgram without blocking.
// It fails with [stt.ErrBackpressure] when the queue is full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		return stt.ErrBackpressure
	}
}

// Events returns the engine event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Finalize asks Deepgram to commit everything it has buffered. Deepgram
// replies with a result flagged from_finalize.
func (s *session) Finalize() error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return fmt.Errorf("deepgram: finalize: %w", err)
	}
	return nil
}

// BufferedTokens returns the committed segments of the current utterance.
func (s *session) BufferedTokens() []stt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed)
}

// Close asks Deepgram to flush and close, waits briefly for the final
// messages and then tears the connection down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		select {
		case <-s.readDone:
		case <-ctx.Done():
		}
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop sends queued audio as binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("deepgram: write failed", "err", err)
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages and converts them into stt events. It
// closes the event channel when the connection ends.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	defer close(s.readDone)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.emitEnd(err)
			return
		}
		for _, ev := range s.handleMessage(msg) {
			s.events <- ev
		}
	}
}

// emitEnd sends the terminal event: finished when we asked for the close,
// disconnected otherwise.
func (s *session) emitEnd(err error) {
	select {
	case <-s.done:
		s.events <- stt.Event{Type: stt.EventFinished}
	default:
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.events <- stt.Event{Type: stt.EventFinished}
			return
		}
		s.events <- stt.Event{Type: stt.EventDisconnected, Err: fmt.Errorf("deepgram: %w", err)}
	}
}

// handleMessage turns one Deepgram message into zero or more events.
func (s *session) handleMessage(data []byte) []stt.Event {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if n := s.malformed.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("deepgram: skipping malformed message", "count", n, "err", err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch resp.Type {
	case "Results":
		tokens := parseTokens(resp)
		window := slices.Concat(s.committed, tokens)
		if resp.IsFinal {
			s.committed = window
		}
		processed := time.Duration((resp.Start + resp.Duration) * float64(time.Second))

		var out []stt.Event
		if len(window) > 0 || processed > 0 {
			out = append(out, stt.Event{Type: stt.EventResult, Tokens: window, ProcessedAudio: processed})
		}
		switch {
		case resp.FromFinalize:
			s.committed = nil
			out = append(out, stt.Event{Type: stt.EventFinalized, ProcessedAudio: processed})
		case resp.SpeechFinal:
			s.committed = nil
			out = append(out, stt.Event{Type: stt.EventEndpoint, ProcessedAudio: processed})
		}
		return out
	case "UtteranceEnd":
		if len(s.committed) == 0 {
			return nil
		}
		s.committed = nil
		return []stt.Event{{Type: stt.EventEndpoint}}
	case "Error":
		return []stt.Event{{Type: stt.EventError, Err: fmt.Errorf("deepgram: %s", strings.TrimSpace(string(data)))}}
	default:
		return nil
	}
}

// parseTokens converts the first alternative's words into tokens. Every word
// after the first carries a leading space so stt.JoinTokens reads naturally.
func parseTokens(resp deepgramResponse) []stt.Token {
	if len(resp.Channel.Alternatives) == 0 {
		return nil
	}
	alt := resp.Channel.Alternatives[0]
	tokens := make([]stt.Token, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		tok := stt.Token{
			Text:       " " + text,
			Language:   w.Language,
			Confidence: w.Confidence,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			IsFinal:    resp.IsFinal,
		}
		if tok.Language == "" && len(alt.Languages) > 0 {
			tok.Language = alt.Languages[0]
		}
		if w.Speaker != nil {
			tok.Speaker = strconv.Itoa(*w.Speaker)
		}
		tokens = append(tokens, tok)
	}
	return tokens
}
