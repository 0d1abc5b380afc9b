package stt

import "testing"

func TestJoinTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tokens []Token
		want   string
	}{
		{"empty", nil, ""},
		{"word pieces", []Token{{Text: "Hel"}, {Text: "lo"}, {Text: " world"}}, "Hello world"},
		{"leading space trimmed", []Token{{Text: " Hi"}, {Text: " there"}}, "Hi there"},
		{"punctuation", []Token{{Text: "Hi"}, {Text: "."}}, "Hi."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := JoinTokens(tt.tokens); got != tt.want {
				t.Errorf("JoinTokens = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventTypeString(t *testing.T) {
	t.Parallel()

	want := map[EventType]string{
		EventConnected:    "connected",
		EventResult:       "result",
		EventEndpoint:     "endpoint",
		EventFinalized:    "finalized",
		EventFinished:     "finished",
		EventError:        "error",
		EventDisconnected: "disconnected",
		EventType(99):     "unknown",
	}
	for et, s := range want {
		if got := et.String(); got != s {
			t.Errorf("%d.String() = %q, want %q", et, got, s)
		}
	}
}
