package transcription

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHealth_Unhealthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		h     Health
		stale time.Duration
		want  bool
	}{
		{"error state", Health{State: StateError}, 0, true},
		{"ready", Health{State: StateReady, SinceLastTokens: time.Hour}, time.Second, false},
		{"active and fresh", Health{State: StateActive, SinceLastTokens: time.Second}, 30 * time.Second, false},
		{"active and stale", Health{State: StateActive, SinceLastTokens: time.Minute, SinceLastWrite: time.Second}, 30 * time.Second, true},
		{"stale without audio", Health{State: StateActive, SinceLastTokens: time.Minute, SinceLastWrite: time.Minute}, 30 * time.Second, false},
		{"staleness disabled", Health{State: StateActive, SinceLastTokens: time.Hour}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.h.Unhealthy(tt.stale); got != tt.want {
				t.Errorf("Unhealthy(%v) = %v, want %v", tt.stale, got, tt.want)
			}
		})
	}
}

func TestHealth_JSONState(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Health{Key: "transcription:en-US", State: StateActive})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["state"] != StateActive.String() {
		t.Errorf("state = %v, want %q", got["state"], StateActive.String())
	}
}
