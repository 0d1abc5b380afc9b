// Package soniox provides an stt.Provider backed by the Soniox real-time
// WebSocket API.
//
// A connection starts with a JSON configuration message, followed by binary
// PCM frames. Soniox answers with token lists: final tokens are sent once,
// non-final tokens are re-sent in full on every update. The session keeps the
// final tokens of the current utterance and combines them with the latest
// non-final tokens into a rolling window. The "<end>" and "<fin>" marker
// tokens close the utterance.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel      = "stt-rt-v3"
	defaultSampleRate = 16000
	keepaliveInterval = 10 * time.Second
	closeTimeout      = 3 * time.Second
)

// errWriterStopped is returned by SendAudio once the connection stopped
// accepting audio after a write error.
var errWriterStopped = errors.New("soniox: connection no longer accepts audio")

// Compile-time interface checks.
var (
	_ stt.Provider         = (*Provider)(nil)
	_ stt.SessionHandle    = (*session)(nil)
	_ stt.Finalizer        = (*session)(nil)
	_ stt.TranscriptBuffer = (*session)(nil)
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithModel sets the real-time model name.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.endpoint = u
		}
	}
}

// WithKeepaliveInterval sets how long the connection may go without audio
// before a keepalive message is sent.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepalive = d
		}
	}
}

// Provider implements stt.Provider for Soniox.
type Provider struct {
	apiKey    string
	model     string
	endpoint  string
	keepalive time.Duration
}

// New creates a Soniox provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		endpoint:  defaultEndpoint,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "soniox" }

// StartStream dials Soniox and sends the configuration message.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}

	start, err := json.Marshal(p.startRequest(cfg))
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal config")
		return nil, fmt.Errorf("soniox: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		conn.Close(websocket.StatusInternalError, "send config")
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:       conn,
		cancel:     cancel,
		events:     make(chan stt.Event, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readDone:   make(chan struct{}),
		keepalive:  p.keepalive,
	}
	sess.events <- stt.Event{Type: stt.EventConnected}

	sess.wg.Add(2)
	go sess.readLoop(loopCtx)
	go sess.writeLoop(loopCtx)
	return sess, nil
}

func (p *Provider) startRequest(cfg stt.StreamConfig) startRequest {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch == 0 {
		ch = 1
	}
	return startRequest{
		APIKey:                       p.apiKey,
		Model:                        p.model,
		AudioFormat:                  "pcm_s16le",
		SampleRate:                   sr,
		NumChannels:                  ch,
		LanguageHints:                languageHints(cfg.Language, cfg.Hints),
		EnableLanguageIdentification: !cfg.DisableLanguageIdentification,
		EnableSpeakerDiarization:     cfg.Diarization,
		EnableEndpointDetection:      true,
	}
}

// languageHints reduces BCP-47 tags to the base language codes Soniox
// expects, primary language first, without duplicates.
func languageHints(primary string, hints []string) []string {
	var out []string
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag == "" || strings.EqualFold(tag, "auto") {
			return
		}
		base, _, _ := strings.Cut(tag, "-")
		base = strings.ToLower(base)
		if !slices.Contains(out, base) {
			out = append(out, base)
		}
	}
	add(primary)
	for _, h := range hints {
		add(h)
	}
	return out
}

// ---- session ----

type session struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	events chan stt.Event
	audio  chan []byte

	done       chan struct{}
	writerDone chan struct{}
	readDone   chan struct{}
	once       sync.Once
	wg         sync.WaitGroup

	keepalive time.Duration

	malformed atomic.Uint64

	mu       sync.Mutex
	finals   []stt.Token // final tokens of the current utterance
	finished bool
}

// SendAudio queues a PCM chunk without blocking. It fails with
// [stt.ErrBackpressure] when the queue is full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	case <-s.writerDone:
		return errWriterStopped
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

// Finalize asks Soniox to finalize all pending tokens. The answer ends with
// a "<fin>" marker.
func (s *session) Finalize() error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	return s.writeControl("finalize")
}

// BufferedTokens returns the final tokens of the current utterance.
func (s *session) BufferedTokens() []stt.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.finals)
}

// Close flushes queued audio, signals end of stream with an empty frame and
// waits briefly for Soniox to send its finished message.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writerDone

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.conn.Write(ctx, websocket.MessageBinary, nil); err != nil {
			slog.Debug("soniox: send end of stream", "err", err)
		}
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

func (s *session) writeControl(typ string) error {
	data, _ := json.Marshal(controlMessage{Type: typ})
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("soniox: send %s: %w", typ, err)
	}
	return nil
}

// writeLoop sends audio and keepalives. On close it flushes whatever audio is
// still queued.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.writerDone)

	ticker := time.NewTicker(s.keepalive / 2)
	defer ticker.Stop()
	lastSend := time.Now()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("soniox: write failed", "err", err)
				return
			}
			lastSend = time.Now()
		case <-ticker.C:
			if time.Since(lastSend) >= s.keepalive {
				if err := s.writeControl("keepalive"); err != nil {
					slog.Debug("soniox: keepalive failed", "err", err)
				}
				lastSend = time.Now()
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop converts server responses into events and closes the event
// channel when the connection ends.
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
		if s.isFinished() {
			return
		}
	}
}

func (s *session) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *session) emitEnd(err error) {
	if s.isFinished() {
		return
	}
	select {
	case <-s.done:
		s.events <- stt.Event{Type: stt.EventFinished}
	default:
		s.events <- stt.Event{Type: stt.EventDisconnected, Err: fmt.Errorf("soniox: %w", err)}
	}
}

// handleMessage turns one server response into events.
func (s *session) handleMessage(data []byte) []stt.Event {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		if n := s.malformed.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("soniox: skipping malformed response", "count", n, "err", err)
		}
		return nil
	}
	if err := resp.err(); err != nil {
		return []stt.Event{{Type: stt.EventError, Err: err}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	processed := time.Duration(resp.TotalAudioProcMs) * time.Millisecond
	var (
		nonFinal           []stt.Token
		content            bool
		endpoint, finalize bool
	)
	for _, t := range resp.Tokens {
		switch t.Text {
		case endToken:
			endpoint = true
			continue
		case finToken:
			finalize = true
			continue
		}
		content = true
		if t.IsFinal {
			s.finals = append(s.finals, t.toToken())
		} else {
			nonFinal = append(nonFinal, t.toToken())
		}
	}

	// Progress-only responses still produce a result so consumers can tell a
	// silent stream from a stalled one.
	var out []stt.Event
	if content || processed > 0 {
		out = append(out, stt.Event{
			Type:           stt.EventResult,
			Tokens:         slices.Concat(s.finals, nonFinal),
			ProcessedAudio: processed,
		})
	}
	if endpoint {
		s.finals = nil
		out = append(out, stt.Event{Type: stt.EventEndpoint, ProcessedAudio: processed})
	}
	if finalize {
		s.finals = nil
		out = append(out, stt.Event{Type: stt.EventFinalized, ProcessedAudio: processed})
	}
	if resp.Finished {
		s.finished = true
		out = append(out, stt.Event{Type: stt.EventFinished, ProcessedAudio: processed})
	}
	return out
}
