// Package transcription turns live PCM into utterance-level transcription
// events.
//
// A [Stream] owns one engine connection for one normalized subscription key
// and converts the engine's rolling token window into interim and final
// [Event]s with a stable utterance ID. A [Coordinator] keeps exactly one
// Stream per key that any subscriber currently wants.
package transcription

import (
	"errors"
	"time"
)

var (
	// ErrStreamNotWritable is returned by [Stream.Write] when the stream is
	// not in [StateReady] or [StateActive]. The chunk is dropped.
	ErrStreamNotWritable = errors.New("transcription: stream not writable")

	// ErrClosed is returned by operations on a closed [Coordinator].
	ErrClosed = errors.New("transcription: coordinator closed")
)

// State is the lifecycle state of a [Stream].
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateActive
	StateError
	StateClosing
	StateClosed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name in JSON health snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Writable reports whether audio writes are accepted in this state.
func (s State) Writable() bool {
	return s == StateReady || s == StateActive
}

// Options are the merged recognition options of one stream.
type Options struct {
	// Language is the canonical BCP-47 tag or "auto".
	Language string

	// Hints is the deduplicated union of every subscriber's hints.
	Hints []string

	// DisableLanguageIdentification is true only when every subscriber asked
	// for it.
	DisableLanguageIdentification bool
}

// Event is one interim or final transcription of an utterance.
type Event struct {
	// Key is the normalized subscription key of the producing stream.
	Key string

	// Text is the full current text of the utterance. An interim with the
	// same UtteranceID replaces the previous one.
	Text string

	IsFinal     bool
	UtteranceID string
	SpeakerID   string
	Language    string
	Confidence  float64

	// Start and End are offsets into the stream's audio.
	Start time.Duration
	End   time.Duration

	// Timestamp is when the event was produced.
	Timestamp time.Time
}

// Health is a point-in-time snapshot of a stream's health counters.
type Health struct {
	Key      string `json:"key"`
	Provider string `json:"provider"`
	State    State  `json:"state"`

	WritesOK      uint64 `json:"writes_ok"`
	WritesFailed  uint64 `json:"writes_failed"`
	WritesDropped uint64 `json:"writes_dropped"`

	// ConsecutiveFailures resets on every successful write.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// SinceLastTokens is the time since the engine last reported a result,
	// or since the stream started if it never did.
	SinceLastTokens time.Duration `json:"since_last_tokens"`

	// SinceLastWrite is the time since the last successful write, or since
	// the stream started if there was none.
	SinceLastWrite time.Duration `json:"since_last_write"`

	// Latency is the smoothed gap between audio sent and audio the engine
	// reports as processed.
	Latency time.Duration `json:"latency"`

	// AudioSent is the total duration of PCM written successfully.
	AudioSent time.Duration `json:"audio_sent"`

	StartedAt time.Time `json:"started_at"`
}

// Unhealthy reports whether a stream in this state would be restarted by a
// health check using staleAfter.
func (h Health) Unhealthy(staleAfter time.Duration) bool {
	switch {
	case h.State == StateError:
		return true
	case staleAfter > 0 && h.State == StateActive:
		return h.SinceLastTokens > staleAfter && h.SinceLastWrite < staleAfter
	}
	return false
}
