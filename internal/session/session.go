// Package session owns the per-user live audio pipeline: ordering of
// datagram audio, decoding and fan-out, transcription stream coordination,
// gap recovery and disposal.
//
// Each [Session] runs one goroutine that processes audio, flushes the reorder
// buffer and drives the periodic checks, so its audio state is never touched
// concurrently. Sessions share nothing except the [Registry].
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/internal/subscription"
	"github.com/MrWong99/glassline/internal/transcription"
	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/audio/codec"
	"github.com/MrWong99/glassline/pkg/audio/reorder"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// ErrDisposed is returned by operations on a disposed session.
var ErrDisposed = errors.New("session: disposed")

// Control message types sent to the device.
const (
	ControlConnectionAck  = "connection_ack"
	ControlMediaReconnect = "media_reconnect"
	ControlError          = "error"
)

// Defaults for [Config].
const (
	DefaultDisconnectGrace     = 60 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultStaleAfter          = 30 * time.Second
	defaultInboxSize           = 256
)

// Credentials let a device re-establish its media path.
type Credentials struct {
	UDPHost   string    `json:"udp_host,omitempty"`
	UDPPort   int       `json:"udp_port,omitempty"`
	UserHash  uint32    `json:"user_hash,omitempty"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ControlMessage is an outbound control message to the device.
type ControlMessage struct {
	Type        string       `json:"type"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Transport is the device's duplex channel as seen by a session.
type Transport interface {
	// Open reports whether the channel can currently deliver messages.
	Open() bool

	// SendControl delivers msg to the device.
	SendControl(ctx context.Context, msg ControlMessage) error
}

// MediaBridge re-establishes the upstream media path of a user.
type MediaBridge interface {
	Reconnect(ctx context.Context, userID string) error
}

// CredentialIssuer mints fresh media credentials for a user.
type CredentialIssuer interface {
	Issue(ctx context.Context, userID string) (Credentials, error)
}

// Delivery receives the session's transcription output. Calls for one key
// arrive in emission order and never after the session was disposed.
type Delivery interface {
	// DeliverTranscription hands ev to the apps subscribed to its key.
	DeliverTranscription(userID string, apps []string, ev transcription.Event)
}

// DeliveryFunc adapts a function to [Delivery].
type DeliveryFunc func(userID string, apps []string, ev transcription.Event)

// DeliverTranscription calls f.
func (f DeliveryFunc) DeliverTranscription(userID string, apps []string, ev transcription.Event) {
	f(userID, apps, ev)
}

// Config configures a [Session].
type Config struct {
	UserID string

	// Provider opens transcription engine sessions.
	Provider stt.Provider

	// Delivery receives transcription events. Required.
	Delivery Delivery

	Bridge MediaBridge
	Issuer CredentialIssuer

	// EngineFormat is the PCM format fed to engines and raw-audio
	// subscribers. Defaults to 16 kHz mono.
	EngineFormat audio.Format

	// Reorder buffer tuning; zero values use the reorder package defaults.
	ReorderCapacity int
	ReorderMaxGap   int
	ReorderTimeout  time.Duration

	// Gap recovery; zero values use the package defaults.
	GapInterval  time.Duration
	GapThreshold time.Duration
	GapCooldown  time.Duration

	// DisconnectGrace is how long a session survives without a device
	// transport. Defaults to 60s.
	DisconnectGrace time.Duration

	// OnExpire is called once the grace period ran out. It typically removes
	// the session from the registry and disposes it.
	OnExpire func(*Session)

	// HealthCheckInterval and StaleAfter drive stream restarts.
	HealthCheckInterval time.Duration
	StaleAfter          time.Duration

	// StreamOptions apply to every transcription stream.
	StreamOptions    []transcription.StreamOption
	StartConcurrency int

	SubscriberBuffer int

	Metrics *observe.Metrics
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.EngineFormat.SampleRate <= 0 {
		c.EngineFormat.SampleRate = transcription.DefaultSampleRate
	}
	if c.EngineFormat.Channels <= 0 {
		c.EngineFormat.Channels = 1
	}
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = reorder.DefaultTimeout
	}
	if c.GapInterval <= 0 {
		c.GapInterval = DefaultGapInterval
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.StaleAfter < 0 {
		c.StaleAfter = 0
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one connected user's live audio pipeline.
type Session struct {
	cfg     Config
	userID  string
	metrics *observe.Metrics

	reorder     *reorder.Buffer
	hub         *AudioHub
	coord       *transcription.Coordinator
	subs        *subscription.Set
	reconnector *Reconnector

	inbox    chan audio.Chunk
	stop     chan struct{}
	loopDone chan struct{}

	mu         sync.Mutex
	transport  Transport
	micEnabled bool
	inGrace    bool
	graceTimer *time.Timer

	disposed     atomic.Bool
	disposeOnce  sync.Once
	healthActive atomic.Bool
	inboxDrops   atomic.Uint64

	lastReorder reorder.Stats
}

// New creates a session and starts its processing loop. The session starts
// without a transport, in its grace period, with the microphone enabled.
func New(cfg Config) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:        cfg,
		userID:     cfg.UserID,
		metrics:    cfg.Metrics,
		subs:       subscription.NewSet(),
		inbox:      make(chan audio.Chunk, defaultInboxSize),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		micEnabled: true,
	}

	var ropts []reorder.Option
	if cfg.ReorderCapacity > 0 {
		ropts = append(ropts, reorder.WithCapacity(cfg.ReorderCapacity))
	}
	if cfg.ReorderMaxGap > 0 {
		ropts = append(ropts, reorder.WithMaxGap(cfg.ReorderMaxGap))
	}
	ropts = append(ropts, reorder.WithTimeout(cfg.ReorderTimeout), reorder.WithClock(cfg.Now))
	s.reorder = reorder.New(ropts...)

	s.coord = transcription.NewCoordinator(cfg.Provider, s.onTranscription,
		transcription.WithStreamOptions(append([]transcription.StreamOption{
			transcription.WithSampleRate(cfg.EngineFormat.SampleRate),
			transcription.WithStreamMetrics(cfg.Metrics),
		}, cfg.StreamOptions...)...),
		transcription.WithStartConcurrency(cfg.StartConcurrency),
		transcription.WithMetrics(cfg.Metrics),
	)
	s.hub = NewAudioHub(cfg.UserID, cfg.EngineFormat, s.coord.Write, cfg.Metrics)
	s.hub.now = cfg.Now
	s.hub.MarkAudio(cfg.Now())

	s.reconnector = NewReconnector(ReconnectorConfig{
		UserID:    cfg.UserID,
		Threshold: cfg.GapThreshold,
		Cooldown:  cfg.GapCooldown,
		Bridge:    cfg.Bridge,
		Issuer:    cfg.Issuer,
		Probe:     s.conditions,
		Send:      s.SendControl,
		Metrics:   cfg.Metrics,
		Now:       cfg.Now,
	})

	s.mu.Lock()
	s.startGraceLocked()
	s.mu.Unlock()

	cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	go s.run()
	slog.Info("session created", "user_id", cfg.UserID)
	return s
}

// UserID returns the user the session belongs to.
func (s *Session) UserID() string { return s.userID }

// Disposed reports whether Dispose has run.
func (s *Session) Disposed() bool { return s.disposed.Load() }

// run is the session's single processing goroutine.
func (s *Session) run() {
	defer close(s.loopDone)

	flush := time.NewTicker(max(s.cfg.ReorderTimeout/2, time.Millisecond))
	defer flush.Stop()
	gap := time.NewTicker(s.cfg.GapInterval)
	defer gap.Stop()
	health := time.NewTicker(s.cfg.HealthCheckInterval)
	defer health.Stop()

	for {
		select {
		case <-s.stop:
			return
		case c := <-s.inbox:
			s.ingest(c)
		case <-flush.C:
			for _, p := range s.reorder.FlushExpired() {
				s.hub.Process(p)
			}
		case <-gap.C:
			s.recordReorderStats()
			s.reconnector.Check()
		case <-health.C:
			s.checkHealth()
		}
	}
}

func (s *Session) ingest(c audio.Chunk) {
	if c.Origin != audio.OriginSequenced {
		s.hub.Process(c.Data)
		return
	}
	for _, p := range s.reorder.Add(c.Sequence, c.Data) {
		s.hub.Process(p)
	}
}

// HandleAudio queues one raw chunk for processing. It never blocks; chunks
// arriving while the queue is full or after disposal are dropped.
func (s *Session) HandleAudio(c audio.Chunk) {
	if s.disposed.Load() {
		return
	}
	select {
	case s.inbox <- c:
	case <-s.stop:
	default:
		if n := s.inboxDrops.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("session audio queue full, dropping chunk", "user_id", s.userID, "dropped", n)
		}
	}
}

// ConfigureAudio sets the device's audio format.
func (s *Session) ConfigureAudio(f codec.Format, p codec.Params) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	return s.hub.Configure(f, p)
}

// SetMicrophone records whether the device microphone is on.
func (s *Session) SetMicrophone(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.micEnabled != enabled {
		slog.Info("microphone state changed", "user_id", s.userID, "enabled", enabled)
	}
	s.micEnabled = enabled
	if enabled {
		// A fresh mic stream is not a gap.
		s.hub.MarkAudio(s.cfg.Now())
	}
}

// AttachTransport binds the device channel and ends a grace period.
func (s *Session) AttachTransport(t Transport) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.inGrace {
		slog.Info("device reconnected within grace period", "user_id", s.userID)
	}
	s.inGrace = false
	return nil
}

// DetachTransport unbinds t, if it is still the current transport, and
// starts the disconnect grace period.
func (s *Session) DetachTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != t || s.disposed.Load() {
		return
	}
	s.transport = nil
	s.startGraceLocked()
}

func (s *Session) startGraceLocked() {
	s.inGrace = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	slog.Debug("session grace period started", "user_id", s.userID, "grace", s.cfg.DisconnectGrace)
	s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.graceExpired)
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	expired := s.inGrace && s.transport == nil && !s.disposed.Load()
	s.mu.Unlock()
	if !expired {
		return
	}
	slog.Info("session grace period expired", "user_id", s.userID)
	if s.cfg.OnExpire != nil {
		s.cfg.OnExpire(s)
		return
	}
	_ = s.Dispose(context.Background())
}

// SendControl delivers msg over the current transport.
func (s *Session) SendControl(ctx context.Context, msg ControlMessage) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil || !t.Open() {
		return errors.New("session: no open transport")
	}
	return t.SendControl(ctx, msg)
}

// UpdateSubscriptions replaces the subscriptions of appID and reconciles the
// transcription streams. Invalid entries are skipped and reported.
func (s *Session) UpdateSubscriptions(ctx context.Context, appID string, raws []string) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	changed, parseErr := s.subs.Update(appID, raws)
	if !changed {
		return parseErr
	}
	slog.Info("subscriptions updated", "user_id", s.userID, "app_id", appID, "subscriptions", raws)
	if err := s.coord.ReconcileWith(ctx, s.subs.Raw); err != nil {
		return errors.Join(parseErr, err)
	}
	return parseErr
}

// RemoveApp drops every subscription of appID and its raw-audio feed.
func (s *Session) RemoveApp(ctx context.Context, appID string) error {
	s.hub.Unsubscribe(appID)
	if !s.subs.Remove(appID) || s.disposed.Load() {
		return nil
	}
	return s.coord.ReconcileWith(ctx, s.subs.Raw)
}

// SubscribeAudio registers appID for raw PCM. The channel closes when the app
// unsubscribes or the session is disposed.
func (s *Session) SubscribeAudio(appID string) (<-chan []byte, error) {
	if s.disposed.Load() {
		return nil, ErrDisposed
	}
	return s.hub.Subscribe(appID, s.cfg.SubscriberBuffer)
}

// UnsubscribeAudio removes appID's raw PCM feed.
func (s *Session) UnsubscribeAudio(appID string) {
	s.hub.Unsubscribe(appID)
}

// Subscriptions returns the session's subscription registry.
func (s *Session) Subscriptions() *subscription.Set { return s.subs }

// Finalize flushes the utterance in flight on every transcription stream,
// e.g. when voice activity detection reports the end of speech.
func (s *Session) Finalize(ctx context.Context) {
	if s.disposed.Load() {
		return
	}
	s.coord.Finalize(ctx)
}

func (s *Session) onTranscription(ev transcription.Event) {
	if s.disposed.Load() {
		return
	}
	apps := s.subs.AppsFor(ev.Key)
	s.cfg.Delivery.DeliverTranscription(s.userID, apps, ev)
}

func (s *Session) conditions() Conditions {
	s.mu.Lock()
	c := Conditions{
		MicEnabled:    s.micEnabled,
		InGrace:       s.inGrace,
		TransportOpen: s.transport != nil && s.transport.Open(),
	}
	s.mu.Unlock()
	c.LastAudio = s.hub.LastAudio()
	c.AudioDependent = s.subs.HasAudioDependent() || s.hub.HasSubscribers()
	c.Disposed = s.disposed.Load()
	return c
}

// checkHealth restarts unhealthy streams in the background; at most one
// check runs at a time.
func (s *Session) checkHealth() {
	if !s.healthActive.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.healthActive.Store(false)
		if s.disposed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheckInterval)
		defer cancel()
		if keys := s.coord.CheckHealth(ctx, s.cfg.StaleAfter); len(keys) > 0 {
			slog.Info("restarted transcription streams", "user_id", s.userID, "keys", keys)
		}
	}()
}

// recordReorderStats exports the reorder counters accumulated since the last
// call.
func (s *Session) recordReorderStats() {
	cur := s.reorder.Stats()
	prev := s.lastReorder
	s.lastReorder = cur
	ctx := context.Background()
	s.metrics.RecordReorder(ctx, "in_order", delta(prev.InOrder, cur.InOrder))
	s.metrics.RecordReorder(ctx, "reordered", delta(prev.Reordered, cur.Reordered))
	s.metrics.RecordReorder(ctx, "dropped", delta(prev.Dropped, cur.Dropped))
	s.metrics.RecordReorder(ctx, "skipped", delta(prev.Skipped, cur.Skipped))
}

// delta handles counters that a resynchronisation reset to zero.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

// drain feeds audio still queued or held for reordering to the hub, so it
// reaches the engines before their streams close.
func (s *Session) drain() {
	for {
		select {
		case c := <-s.inbox:
			s.ingest(c)
		default:
			for _, p := range s.reorder.Flush() {
				s.hub.Process(p)
			}
			return
		}
	}
}

// Snapshot is a point-in-time view of a session for health endpoints.
type Snapshot struct {
	UserID        string                 `json:"user_id"`
	MicEnabled    bool                   `json:"mic_enabled"`
	InGrace       bool                   `json:"in_grace"`
	TransportOpen bool                   `json:"transport_open"`
	LastAudio     time.Time              `json:"last_audio"`
	Apps          []string               `json:"apps"`
	Reorder       reorder.Stats          `json:"reorder"`
	Hub           HubStats               `json:"hub"`
	Streams       []transcription.Health `json:"streams"`
	Unhealthy     int                    `json:"unhealthy"`
	InboxDrops    uint64                 `json:"inbox_drops"`
	Reconnecting  bool                   `json:"reconnecting"`
}

// Snapshot returns the session's current health state.
func (s *Session) Snapshot() Snapshot {
	c := s.conditions()
	snap := Snapshot{
		UserID:        s.userID,
		MicEnabled:    c.MicEnabled,
		InGrace:       c.InGrace,
		TransportOpen: c.TransportOpen,
		LastAudio:     c.LastAudio,
		Apps:          s.subs.Apps(),
		Reorder:       s.reorder.Stats(),
		Hub:           s.hub.Stats(),
		Streams:       s.coord.Health(),
		InboxDrops:    s.inboxDrops.Load(),
		Reconnecting:  s.reconnector.InFlight(),
	}
	for _, h := range snap.Streams {
		if h.Unhealthy(s.cfg.StaleAfter) {
			snap.Unhealthy++
		}
	}
	return snap
}

// Dispose stops the processing loop and every periodic check, pushes queued
// and reorder-buffered audio through, closes the transcription streams
// (flushing pending text as finals), releases the decoder and closes
// raw-audio feeds. Later calls return nil without doing anything.
func (s *Session) Dispose(ctx context.Context) error {
	var err error
	s.disposeOnce.Do(func() {
		close(s.stop)
		<-s.loopDone
		s.drain()

		s.mu.Lock()
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.transport = nil
		s.mu.Unlock()

		s.reconnector.Stop()

		// Pending finals still reach subscribers.
		err = s.coord.Close(ctx)
		s.disposed.Store(true)

		s.hub.Dispose()
		s.reorder.Reset()

		s.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session disposed", "user_id", s.userID)
	})
	return err
}
