package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/glassline/internal/config"
	"github.com/MrWong99/glassline/internal/health"
	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/internal/session"
	"github.com/MrWong99/glassline/internal/sink"
	"github.com/MrWong99/glassline/internal/transcription"
	"github.com/MrWong99/glassline/internal/transport"
	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// ErrShuttingDown is returned by [SessionManager.Acquire] once Shutdown began.
var ErrShuttingDown = errors.New("app: shutting down")

// expireTimeout bounds the disposal of a session whose grace period ran out.
const expireTimeout = 10 * time.Second

var _ transport.SessionSource = (*SessionManager)(nil)

// SessionManager creates sessions on demand, routes datagram audio to them
// and disposes them once their grace period expires. All exported methods
// are safe for concurrent use.
type SessionManager struct {
	registry *session.Registry
	provider stt.Provider
	apps     *transport.AppRegistry
	sink     sink.Sink
	metrics  *observe.Metrics

	// media is nil when datagram ingress is disabled.
	media *transport.UDPListener

	mu     sync.RWMutex
	cfg    *config.Config
	closed bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Provider stt.Provider

	// Apps receives transcription events for connected apps.
	Apps *transport.AppRegistry

	// Sink, when non-nil, receives every transcription event as well.
	Sink sink.Sink

	Metrics *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Apps == nil {
		cfg.Apps = transport.NewAppRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		registry: session.NewRegistry(),
		provider: cfg.Provider,
		apps:     cfg.Apps,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		cfg:      cfg.Config,
	}
}

// Acquire returns the live session of userID, creating it when none exists.
func (sm *SessionManager) Acquire(userID string) (*session.Session, error) {
	for range 2 {
		sm.mu.RLock()
		closed, cfg := sm.closed, sm.cfg
		sm.mu.RUnlock()
		if closed {
			return nil, ErrShuttingDown
		}

		s, created := sm.registry.GetOrCreate(userID, func() *session.Session {
			return session.New(sm.sessionConfig(userID, cfg))
		})
		if !s.Disposed() {
			if created {
				slog.Debug("session registered", "user_id", userID, "sessions", sm.registry.Len())
			}
			return s, nil
		}
		// Lost a race with grace expiry; drop the stale entry and retry.
		sm.registry.Remove(s)
	}
	return nil, session.ErrDisposed
}

// Get returns the live session of userID without creating one.
func (sm *SessionManager) Get(userID string) (*session.Session, bool) {
	return sm.registry.Get(userID)
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int { return sm.registry.Len() }

// RouteAudio hands a datagram chunk to the session of userID. Audio for users
// without a session is dropped.
func (sm *SessionManager) RouteAudio(userID string, c audio.Chunk) {
	s, ok := sm.registry.Get(userID)
	if !ok {
		slog.Debug("dropping datagram for user without session", "user_id", userID)
		return
	}
	s.HandleAudio(c)
}

// UpdateTranscription replaces the transcription tuning used for sessions
// created from now on. Running sessions keep their settings.
func (sm *SessionManager) UpdateTranscription(tc config.TranscriptionConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	next := *sm.cfg
	next.Transcription = tc
	sm.cfg = &next
	slog.Info("transcription settings updated for new sessions",
		"max_consecutive_failures", tc.MaxConsecutiveFailures,
		"stale_after", tc.StaleAfter,
		"diarization", tc.Diarization,
	)
}

// Report returns the stream health of every session for /streamz.
func (sm *SessionManager) Report() health.StreamReport {
	all := sm.registry.All()
	snaps := make([]session.Snapshot, 0, len(all))
	unhealthy := 0
	for _, s := range all {
		snap := s.Snapshot()
		unhealthy += snap.Unhealthy
		snaps = append(snaps, snap)
	}
	return health.StreamReport{Sessions: snaps, Unhealthy: unhealthy}
}

// Shutdown refuses new sessions and disposes every live one, flushing
// pending transcriptions to apps and sinks.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()

	n := sm.registry.Len()
	err := sm.registry.DisposeAll(ctx)
	slog.Info("sessions disposed", "count", n)
	return err
}

func (sm *SessionManager) sessionConfig(userID string, cfg *config.Config) session.Config {
	a, t := cfg.Audio, cfg.Transcription
	sc := session.Config{
		UserID:              userID,
		Provider:            sm.provider,
		Delivery:            session.DeliveryFunc(sm.deliver),
		EngineFormat:        audio.Format{SampleRate: a.SampleRate, Channels: 1},
		ReorderCapacity:     a.ReorderCapacity,
		ReorderMaxGap:       a.ReorderMaxGap,
		ReorderTimeout:      a.ReorderTimeout,
		GapInterval:         a.GapCheckInterval,
		GapThreshold:        a.GapThreshold,
		GapCooldown:         a.ReconnectCooldown,
		DisconnectGrace:     cfg.Server.DisconnectGrace,
		OnExpire:            sm.expire,
		HealthCheckInterval: t.HealthCheckInterval,
		StaleAfter:          t.StaleAfter,
		StartConcurrency:    t.StartConcurrency,
		SubscriberBuffer:    a.SubscriberBuffer,
		StreamOptions: []transcription.StreamOption{
			transcription.WithMaxConsecutiveFailures(t.MaxConsecutiveFailures),
			transcription.WithFinalizeTimeout(t.FinalizeTimeout),
			transcription.WithDiarization(t.Diarization),
		},
		Metrics: sm.metrics,
	}
	if sm.media != nil {
		sc.Bridge = sm.media
		sc.Issuer = sm.media
	}
	return sc
}

// deliver fans one event out to the subscribed apps and the sinks.
func (sm *SessionManager) deliver(userID string, apps []string, ev transcription.Event) {
	sm.apps.Deliver(userID, apps, ev)
	if sm.sink == nil {
		return
	}
	if err := sm.sink.Consume(context.Background(), userID, ev); err != nil {
		slog.Debug("sink rejected transcription event", "user_id", userID, "key", ev.Key, "err", err)
	}
}

func (sm *SessionManager) expire(s *session.Session) {
	if !sm.registry.Remove(s) {
		return
	}
	if sm.media != nil {
		sm.media.Unregister(s.UserID())
	}
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if err := s.Dispose(ctx); err != nil {
		slog.Warn("disposing expired session", "user_id", s.UserID(), "err", err)
	}
}
