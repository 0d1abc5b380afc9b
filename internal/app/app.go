// Package app wires all Glassline subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves device and app traffic, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSink, WithMetrics).
// When an option is not provided, New creates real implementations from the
// config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/internal/health"
	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/internal/resilience"
	"github.com/MrWong99/glassline/internal/sink"
	"github.com/MrWong99/glassline/internal/sink/natsbus"
	"github.com/MrWong99/glassline/internal/sink/postgres"
	"github.com/MrWong99/glassline/internal/transport"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// sinkTimeout bounds a single sink write.
const sinkTimeout = 5 * time.Second

// serverShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const serverShutdownTimeout = 5 * time.Second

// Engines holds the configured speech engines. Populated by main.go via the
// config registry.
type Engines struct {
	// Primary is the engine every stream tries first. Required.
	Primary stt.Provider

	// Fallbacks are tried in order when the primary cannot open a stream.
	Fallbacks []stt.Provider
}

// App owns all subsystem lifetimes of the Glassline gateway.
type App struct {
	cfg     *config.Config
	engines *Engines
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	engine   stt.Provider
	group    *resilience.EngineGroup
	sinks    sink.Multi
	extra    []sink.Sink
	apps     *transport.AppRegistry
	sessions *SessionManager
	udp      *transport.UDPListener
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSink adds a sink that receives every transcription event in addition
// to the configured ones.
func WithSink(s sink.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, s) }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The engines struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: engine failover, sink
// connections, session management, the UDP listener and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, engines *Engines, opts ...Option) (*App, error) {
	if engines == nil || engines.Primary == nil {
		return nil, errors.New("app: a primary engine is required")
	}
	a := &App{
		cfg:     cfg,
		engines: engines,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engine failover ───────────────────────────────────────────────
	a.initEngine()

	// ── 2. Sinks ─────────────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	a.apps = transport.NewAppRegistry()
	var out sink.Sink
	if len(a.sinks) > 0 {
		out = a.sinks
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:   cfg,
		Provider: a.engine,
		Apps:     a.apps,
		Sink:     out,
		Metrics:  a.metrics,
	})

	// ── 4. UDP audio ingress ─────────────────────────────────────────────
	if err := a.initUDP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init udp: %w", err)
	}

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEngine places a breaker-guarded failover group in front of the engines
// when fallbacks are configured.
func (a *App) initEngine() {
	if len(a.engines.Fallbacks) == 0 {
		a.engine = a.engines.Primary
		return
	}
	b := a.cfg.Breaker
	g := resilience.NewEngineGroup(a.engines.Primary, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenProbes,
		},
	}, a.metrics)
	for _, fb := range a.engines.Fallbacks {
		g.AddFallback(fb)
	}
	a.group = g
	a.engine = g
	slog.Info("engine failover enabled", "chain", g.Name())
}

// initSinks connects the configured event sinks. Each one is fed through a
// bounded queue so a slow sink never stalls a session.
func (a *App) initSinks(ctx context.Context) error {
	sc := a.cfg.Sinks

	if sc.NATS.URL != "" {
		bus, err := natsbus.Connect(natsbus.Config{
			URL:           sc.NATS.URL,
			SubjectPrefix: sc.NATS.SubjectPrefix,
			Token:         sc.NATS.Token,
			Name:          a.cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return err
		}
		a.addSink(bus)
		a.checkers = append(a.checkers, health.Checker{
			Name: "nats",
			Check: func(context.Context) error {
				if !bus.Healthy() {
					return errors.New("not connected")
				}
				return nil
			},
		})
	}

	if sc.Postgres.DSN != "" {
		store, err := postgres.NewStore(ctx, sc.Postgres.DSN)
		if err != nil {
			return err
		}
		a.addSink(store)
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	}

	for _, s := range a.extra {
		a.addSink(s)
	}
	if len(a.sinks) > 0 {
		slog.Info("event sinks ready", "count", len(a.sinks))
	}
	return nil
}

func (a *App) addSink(s sink.Sink) {
	q := sink.NewQueue(s, a.cfg.Sinks.QueueSize, sinkTimeout, a.metrics)
	a.sinks = append(a.sinks, q)
	a.closers = append(a.closers, q.Close)
}

// initUDP binds the datagram listener and hands it to the session manager as
// media bridge and credential issuer.
func (a *App) initUDP() error {
	if a.cfg.Server.UDPAddr == "" {
		slog.Info("udp audio ingress disabled")
		return nil
	}
	l, err := transport.ListenUDP(a.cfg.Server.UDPAddr, a.sessions.RouteAudio,
		transport.WithPublicHost(a.cfg.Server.UDPPublicHost),
	)
	if err != nil {
		return err
	}
	a.udp = l
	a.sessions.media = l
	a.closers = append(a.closers, l.Close)
	return nil
}

func (a *App) initHTTP() {
	a.health = health.New(a.checkers...).WithStreams(a.streamReport)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/device", transport.NewDeviceHandler(a.sessions, a.udp))
	mux.Handle("GET /ws/app", transport.NewAppHandler(a.sessions, a.apps))
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// UDPAddr returns the bound datagram address, or "" when UDP is disabled.
func (a *App) UDPAddr() string {
	if a.udp == nil {
		return ""
	}
	return a.udp.Addr().String()
}

// EngineStatus returns the breaker state of every engine, or nil when no
// fallbacks are configured.
func (a *App) EngineStatus() []resilience.BreakerStatus {
	if a.group == nil {
		return nil
	}
	return a.group.Status()
}

// streamReport adds the engine breaker states to the session report.
func (a *App) streamReport() health.StreamReport {
	rep := a.sessions.Report()
	if status := a.EngineStatus(); status != nil {
		rep.Engines = status
	}
	return rep
}

// ApplyConfig applies the hot-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.TranscriptionChanged {
		a.sessions.UpdateTranscription(d.NewTranscription)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and datagram traffic and blocks until ctx is cancelled or a
// listener fails. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("https server listening", "addr", a.server.Addr)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("http server listening", "addr", a.server.Addr)
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	if a.udp != nil {
		g.Go(func() error { return a.udp.Serve(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("app running", "engine", a.engine.Name(), "sinks", len(a.sinks))
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disposes every session, then tears down the remaining subsystems
// in init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		// Sessions first so their final transcriptions still reach the sinks.
		if err := a.sessions.Shutdown(ctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before it failed.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
