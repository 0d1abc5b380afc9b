package stt

import (
	"strings"
	"time"
)

// EventType enumerates engine lifecycle and recognition events.
type EventType int

const (
	EventConnected EventType = iota
	EventResult
	EventEndpoint
	EventFinalized
	EventFinished
	// EventError is an error reported by the engine itself. Adapters skip
	// frames they cannot decode instead of emitting it.
	EventError
	EventDisconnected
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventResult:
		return "result"
	case EventEndpoint:
		return "endpoint"
	case EventFinalized:
		return "finalized"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Token is one recognised word or word piece.
type Token struct {
	Text       string
	Speaker    string
	Language   string
	Confidence float64
	Start      time.Duration
	End        time.Duration
	IsFinal    bool
}

// Event is one message from an engine session.
type Event struct {
	Type EventType

	// Tokens is the complete rolling window of the current utterance. Only
	// set for [EventResult].
	Tokens []Token

	// ProcessedAudio is the cumulative duration of audio the engine has
	// processed so far, if the engine reports it.
	ProcessedAudio time.Duration

	// Err describes an [EventError] or an unexpected [EventDisconnected].
	Err error
}

// JoinTokens concatenates token texts verbatim and trims the result. Tokens
// carry their own leading whitespace, so word pieces join without a gap.
func JoinTokens(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Text)
	}
	return strings.TrimSpace(b.String())
}
