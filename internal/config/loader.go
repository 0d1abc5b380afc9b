package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists the engines that ship with Glassline.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = []string{"soniox", "deepgram", "whisper", "whisper-native", "mock"}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr             = ":8080"
	DefaultSampleRate             = 16000
	DefaultReorderCapacity        = 10
	DefaultReorderMaxGap          = 50
	DefaultReorderTimeout         = 20 * time.Millisecond
	DefaultGapCheckInterval       = 2 * time.Second
	DefaultGapThreshold           = 5 * time.Second
	DefaultReconnectCooldown      = 30 * time.Second
	DefaultSubscriberBuffer       = 64
	DefaultDisconnectGrace        = 60 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultHealthCheckInterval    = 10 * time.Second
	DefaultStaleAfter             = 30 * time.Second
	DefaultStartConcurrency       = 4
	DefaultFinalizeTimeout        = 2 * time.Second
	DefaultSubjectPrefix          = "glassline.transcription"
	DefaultSinkQueueSize          = 1024
	DefaultServiceName            = "glassline"
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerResetTimeout    = 30 * time.Second
	DefaultBreakerHalfOpenProbes  = 1
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.DisconnectGrace, DefaultDisconnectGrace)

	setDefault(&cfg.Breaker.MaxFailures, DefaultBreakerMaxFailures)
	setDefault(&cfg.Breaker.ResetTimeout, DefaultBreakerResetTimeout)
	setDefault(&cfg.Breaker.HalfOpenProbes, DefaultBreakerHalfOpenProbes)

	a := &cfg.Audio
	setDefault(&a.SampleRate, DefaultSampleRate)
	setDefault(&a.ReorderCapacity, DefaultReorderCapacity)
	setDefault(&a.ReorderMaxGap, DefaultReorderMaxGap)
	setDefault(&a.ReorderTimeout, DefaultReorderTimeout)
	setDefault(&a.GapCheckInterval, DefaultGapCheckInterval)
	setDefault(&a.GapThreshold, DefaultGapThreshold)
	setDefault(&a.ReconnectCooldown, DefaultReconnectCooldown)
	setDefault(&a.SubscriberBuffer, DefaultSubscriberBuffer)

	t := &cfg.Transcription
	setDefault(&t.MaxConsecutiveFailures, DefaultMaxConsecutiveFailures)
	setDefault(&t.HealthCheckInterval, DefaultHealthCheckInterval)
	setDefault(&t.StaleAfter, DefaultStaleAfter)
	setDefault(&t.StartConcurrency, DefaultStartConcurrency)
	setDefault(&t.FinalizeTimeout, DefaultFinalizeTimeout)

	setDefault(&cfg.Sinks.NATS.SubjectPrefix, DefaultSubjectPrefix)
	setDefault(&cfg.Sinks.QueueSize, DefaultSinkQueueSize)
	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.UDPAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.UDPAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.udp_addr %q: %w", cfg.Server.UDPAddr, err))
		}
	}
	if cfg.Server.DisconnectGrace < 0 {
		errs = append(errs, fmt.Errorf("server.disconnect_grace must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Engine
	if cfg.Engine.Name == "" {
		errs = append(errs, fmt.Errorf("engine.name is required"))
	} else if !slices.Contains(ValidEngineNames, cfg.Engine.Name) {
		slog.Warn("unknown engine name; may be a typo or third-party engine",
			"name", cfg.Engine.Name,
			"known", ValidEngineNames,
		)
	}

	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("engine_fallbacks[%d].name is required", i))
		} else if !slices.Contains(ValidEngineNames, fb.Name) {
			slog.Warn("unknown fallback engine name", "index", i, "name", fb.Name)
		}
	}
	if cfg.Breaker.MaxFailures < 1 || cfg.Breaker.HalfOpenProbes < 1 || cfg.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine_breaker values must be positive"))
	}

	// Audio
	a := cfg.Audio
	switch a.SampleRate {
	case 8000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; valid values: 8000, 16000, 24000, 48000", a.SampleRate))
	}
	if a.ReorderCapacity < 1 {
		errs = append(errs, fmt.Errorf("audio.reorder_capacity must be at least 1"))
	}
	if a.ReorderMaxGap < 1 || a.ReorderMaxGap >= 1<<15 {
		errs = append(errs, fmt.Errorf("audio.reorder_max_gap %d is out of range [1, 32767]", a.ReorderMaxGap))
	}
	if a.GapThreshold <= a.GapCheckInterval {
		slog.Warn("audio.gap_threshold is not larger than audio.gap_check_interval; gaps are detected late",
			"gap_threshold", a.GapThreshold,
			"gap_check_interval", a.GapCheckInterval,
		)
	}

	// Transcription
	t := cfg.Transcription
	if t.MaxConsecutiveFailures < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_consecutive_failures must be at least 1"))
	}
	if t.StartConcurrency < 1 {
		errs = append(errs, fmt.Errorf("transcription.start_concurrency must be at least 1"))
	}
	if t.StaleAfter < t.HealthCheckInterval {
		errs = append(errs, fmt.Errorf("transcription.stale_after %s is shorter than health_check_interval %s", t.StaleAfter, t.HealthCheckInterval))
	}

	// Sinks
	if cfg.Sinks.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("sinks.queue_size must be at least 1"))
	}
	if cfg.Sinks.NATS.URL == "" && cfg.Sinks.Postgres.DSN == "" {
		slog.Debug("no event sinks configured; events reach connected apps only")
	}

	return errors.Join(errs...)
}
