// Package stt defines the capability the transcription layer needs from a
// real-time speech recognition engine.
//
// An engine connection accepts 16-bit PCM and reports its recognition state as
// a rolling window: every [EventResult] carries the full token list of the
// utterance currently being recognised, not only the tokens that changed since
// the previous result. Consumers must treat each result as authoritative and
// replace what they showed before.
//
// Engines that can flush their window on demand implement [Finalizer]. Engines
// that keep their own copy of already-committed text implement
// [TranscriptBuffer]. Both are probed with a type assertion on the
// [SessionHandle].
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SendAudio and Finalize after the session was closed.
var ErrClosed = errors.New("stt: session closed")

// ErrBackpressure is returned by SendAudio when the engine connection cannot
// accept more audio right now. The chunk is dropped.
var ErrBackpressure = errors.New("stt: audio queue full")

// StreamConfig describes the audio format and recognition options for a new
// engine session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the PCM channel count. Almost always 1.
	Channels int

	// Language is the primary BCP-47 language tag (e.g. "en-US"). "auto"
	// or an empty string lets the engine identify the language.
	Language string

	// Hints are additional language or vocabulary hints. Engines map them to
	// whatever their API supports and ignore the rest.
	Hints []string

	// DisableLanguageIdentification turns off automatic language detection
	// so the engine sticks to Language.
	DisableLanguageIdentification bool

	// Diarization enables per-token speaker labels.
	Diarization bool
}

// SessionHandle is one live engine connection.
//
// Events are delivered on the channel returned by Events in the order the
// engine produced them. The channel is closed after the final event
// ([EventFinished] or [EventDisconnected]) has been sent. All methods are safe
// for concurrent use.
type SessionHandle interface {
	// SendAudio delivers PCM matching the negotiated StreamConfig.
	SendAudio(pcm []byte) error

	// Events returns the engine event stream.
	Events() <-chan Event

	// Close ends the session and releases its resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Finalizer is implemented by sessions whose engine can be asked to commit
// the current window immediately. The engine answers with a final
// [EventResult] followed by [EventFinalized].
type Finalizer interface {
	Finalize() error
}

// TranscriptBuffer is implemented by sessions that accumulate committed
// tokens of the current utterance on their own. It lets callers recover
// speech that never appeared in a result they processed.
type TranscriptBuffer interface {
	// BufferedTokens returns the committed tokens of the current utterance.
	BufferedTokens() []Token
}

// Provider opens engine sessions. Implementations must be safe for
// concurrent use; a process holds one provider and opens many sessions.
type Provider interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// StartStream connects to the engine. The returned session is ready to
	// accept audio; an [EventConnected] is the first event emitted.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
