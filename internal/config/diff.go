package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriptionChanged is true if any transcription tuning changed.
	// New sessions pick up the new values; live streams keep theirs.
	TranscriptionChanged bool
	NewTranscription     TranscriptionConfig

	// RestartRequired lists the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TranscriptionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Transcription != new.Transcription {
		d.TranscriptionChanged = true
		d.NewTranscription = new.Transcription
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !sameServer(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEngine(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameEngine) || old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "engine_fallbacks")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Sinks != new.Sinks {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameServer(a, b ServerConfig) bool {
	ta, tb := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	if ta == nil || tb == nil {
		return ta == tb
	}
	return *ta == *tb
}

// sameEngine compares the scalar engine fields and the option keys. Option
// values are compared by their printed form.
func sameEngine(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
