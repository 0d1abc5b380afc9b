// Command glassline is the main entry point for the Glassline live
// transcription gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/glassline/internal/app"
	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/pkg/provider/stt"
	"github.com/MrWong99/glassline/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/glassline/pkg/provider/stt/mock"
	"github.com/MrWong99/glassline/pkg/provider/stt/soniox"
	"github.com/MrWong99/glassline/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags "-X main.version=…".
var version = "dev"

// extraEngines holds registration hooks compiled in by build tags.
var extraEngines []func(reg *config.Registry, cfg *config.Config)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logFormat := flag.String("log-format", "text", "log output format: text or json")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "glassline: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "glassline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(*logFormat, level))

	slog.Info("glassline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg, cfg)

	engines, err := buildEngines(cfg, reg)
	if err != nil {
		slog.Error("failed to build engines", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, engines)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			applied, err := w.Reload()
			if err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
				continue
			}
			slog.Info("SIGHUP reload", "changed", applied)
		}
	}
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

type deepgramOptions struct {
	Language      string `mapstructure:"language"`
	EndpointingMS int    `mapstructure:"endpointing_ms"`
}

type sonioxOptions struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

type whisperOptions struct {
	Language            string `mapstructure:"language"`
	SilenceThresholdMS  int    `mapstructure:"silence_threshold_ms"`
	MaxBufferDurationMS int    `mapstructure:"max_buffer_duration_ms"`
}

// registerBuiltinEngines wires all built-in engine factories into reg. Each
// factory decodes its engine-specific options with [config.DecodeOptions].
func registerBuiltinEngines(reg *config.Registry, cfg *config.Config) {
	reg.RegisterEngine("soniox", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o sonioxOptions
		if err := config.DecodeOptions(entry.Options, &o); err != nil {
			return nil, err
		}
		return soniox.New(entry.APIKey,
			soniox.WithModel(entry.Model),
			soniox.WithBaseURL(entry.BaseURL),
			soniox.WithKeepaliveInterval(o.KeepaliveInterval),
		)
	})

	reg.RegisterEngine("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o deepgramOptions
		if err := config.DecodeOptions(entry.Options, &o); err != nil {
			return nil, err
		}
		opts := []deepgram.Option{
			deepgram.WithModel(entry.Model),
			deepgram.WithBaseURL(entry.BaseURL),
			deepgram.WithSampleRate(cfg.Audio.SampleRate),
		}
		if o.Language != "" {
			opts = append(opts, deepgram.WithLanguage(o.Language))
		}
		if o.EndpointingMS > 0 {
			opts = append(opts, deepgram.WithEndpointing(o.EndpointingMS))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterEngine("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var o whisperOptions
		if err := config.DecodeOptions(entry.Options, &o); err != nil {
			return nil, err
		}
		opts := []whisper.Option{
			whisper.WithModel(entry.Model),
			whisper.WithSampleRate(cfg.Audio.SampleRate),
		}
		if o.Language != "" {
			opts = append(opts, whisper.WithLanguage(o.Language))
		}
		if o.SilenceThresholdMS > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(o.SilenceThresholdMS))
		}
		if o.MaxBufferDurationMS > 0 {
			opts = append(opts, whisper.WithMaxBufferDurationMs(o.MaxBufferDurationMS))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// mock accepts every stream and never produces text; useful for load
	// testing the ingress path without an engine account.
	reg.RegisterEngine("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})

	for _, register := range extraEngines {
		register(reg, cfg)
	}

	for _, name := range reg.Engines() {
		slog.Debug("registered engine", "name", name)
	}
}

// buildEngines instantiates the primary engine and its fallbacks.
func buildEngines(cfg *config.Config, reg *config.Registry) (*app.Engines, error) {
	primary, err := reg.CreateEngine(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("create engine %q: %w", cfg.Engine.Name, err)
	}
	slog.Info("engine created", "name", cfg.Engine.Name, "model", cfg.Engine.Model)

	engines := &app.Engines{Primary: primary}
	for i, entry := range cfg.Fallbacks {
		p, err := reg.CreateEngine(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback engine %d %q: %w", i, entry.Name, err)
		}
		engines.Fallbacks = append(engines.Fallbacks, p)
		slog.Info("fallback engine created", "index", i, "name", entry.Name)
	}
	return engines, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Glassline: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", engineLabel(cfg.Engine))
	for _, fb := range cfg.Fallbacks {
		printRow("  fallback", engineLabel(fb))
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("UDP addr", orDisabled(cfg.Server.UDPAddr))
	printRow("TLS", enabled(cfg.Server.TLS != nil))
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Grace period", cfg.Server.DisconnectGrace.String())
	printRow("NATS", orDisabled(cfg.Sinks.NATS.URL))
	printRow("Postgres", enabled(cfg.Sinks.Postgres.DSN != ""))
	printRow("OTLP", orDisabled(cfg.Telemetry.OTLPEndpoint))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func engineLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func orDisabled(v string) string {
	if v == "" {
		return "(disabled)"
	}
	return v
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
