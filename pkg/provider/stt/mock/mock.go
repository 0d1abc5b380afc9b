// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify which StreamConfig values a caller starts sessions
// with. Each StartStream call returns a fresh Session unless NewSession is
// set. Use Session.Emit to inject engine events and inspect which audio
// chunks were delivered.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess := p.LastSession()
//	sess.Emit(stt.Event{Type: stt.EventResult, Tokens: []stt.Token{{Text: "Hi"}}})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
	// Handle is the returned handle, nil when the call failed.
	Handle stt.SessionHandle
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NewSession builds the handle returned by StartStream. When nil a plain
	// *Session is created.
	NewSession func(cfg stt.StreamConfig) stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrFunc, if set, is consulted per call; a non-nil result
	// fails that call.
	StartStreamErrFunc func(cfg stt.StreamConfig) error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Handles records every handle returned by StartStream.
	Handles []stt.SessionHandle
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Name returns "mock".
func (p *Provider) Name() string { return "mock" }

// StartStream records the call and returns a new session or the configured error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.StartStreamErrFunc != nil {
		if err := p.StartStreamErrFunc(cfg); err != nil {
			return nil, err
		}
	}
	var h stt.SessionHandle
	if p.NewSession != nil {
		h = p.NewSession(cfg)
	} else {
		h = NewSession()
	}
	p.Handles = append(p.Handles, h)
	p.StartStreamCalls[len(p.StartStreamCalls)-1].Handle = h
	return h, nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StartStreamCalls)
}

// LastSession returns the most recent handle as a *Session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Handles) == 0 {
		return nil
	}
	return sessionOf(p.Handles[len(p.Handles)-1])
}

// SessionFor returns the most recent session started with the given language.
func (p *Provider) SessionFor(language string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.StartStreamCalls) - 1; i >= 0; i-- {
		c := p.StartStreamCalls[i]
		if c.Handle != nil && c.Cfg.Language == language {
			return sessionOf(c.Handle)
		}
	}
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Handles = nil
}

func sessionOf(h stt.SessionHandle) *Session {
	switch s := h.(type) {
	case *Session:
		return s
	case *FinalizingSession:
		return s.Session
	default:
		return nil
	}
}

// Session is a mock implementation of stt.SessionHandle. Events injected
// with Emit are delivered on Events. Close emits EventFinished and closes
// the channel, like a real engine.
type Session struct {
	mu     sync.Mutex
	events chan stt.Event
	closed bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel that already
// holds an EventConnected.
func NewSession() *Session {
	s := &Session{events: make(chan stt.Event, 128)}
	s.events <- stt.Event{Type: stt.EventConnected}
	return s
}

// Emit delivers ev on the event channel. Events emitted after Close are
// discarded.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Disconnect emits EventDisconnected and closes the event channel, as an
// engine does when the connection drops.
func (s *Session) Disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- stt.Event{Type: stt.EventDisconnected, Err: err}
	s.closed = true
	close(s.events)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	s.SendAudioCalls = append(s.SendAudioCalls, slices.Clone(chunk))
	return s.SendAudioErr
}

// SetSendAudioErr changes SendAudioErr. Thread-safe.
func (s *Session) SetSendAudioErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioErr = err
}

// Events returns the event channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Audio returns a copy of the chunks passed to SendAudio. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.SendAudioCalls)
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Close records the call, emits EventFinished once and closes the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		s.events <- stt.Event{Type: stt.EventFinished}
		close(s.events)
	}
	return s.CloseErr
}

// FinalizingSession is a Session that also implements stt.Finalizer and
// stt.TranscriptBuffer.
type FinalizingSession struct {
	*Session

	fmu sync.Mutex

	// Buffered is returned by BufferedTokens.
	Buffered []stt.Token

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// OnFinalize, if set, runs on every Finalize call, e.g. to emit the
	// engine's EventFinalized.
	OnFinalize func(s *FinalizingSession)

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int
}

// Compile-time interface checks.
var (
	_ stt.Finalizer        = (*FinalizingSession)(nil)
	_ stt.TranscriptBuffer = (*FinalizingSession)(nil)
)

// NewFinalizingSession returns a FinalizingSession around a fresh Session.
func NewFinalizingSession() *FinalizingSession {
	return &FinalizingSession{Session: NewSession()}
}

// Finalize records the call, runs OnFinalize and returns FinalizeErr.
func (s *FinalizingSession) Finalize() error {
	s.fmu.Lock()
	s.FinalizeCallCount++
	hook := s.OnFinalize
	err := s.FinalizeErr
	s.fmu.Unlock()
	if hook != nil {
		hook(s)
	}
	return err
}

// Finalizes returns the number of Finalize calls. Thread-safe.
func (s *FinalizingSession) Finalizes() int {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.FinalizeCallCount
}

// SetBuffered replaces the tokens returned by BufferedTokens. Thread-safe.
func (s *FinalizingSession) SetBuffered(tokens []stt.Token) {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	s.Buffered = tokens
}

// BufferedTokens returns a copy of Buffered.
func (s *FinalizingSession) BufferedTokens() []stt.Token {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return slices.Clone(s.Buffered)
}
