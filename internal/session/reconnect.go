package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/glassline/internal/observe"
)

// Default gap-recovery parameters.
const (
	DefaultGapInterval  = 2 * time.Second
	DefaultGapThreshold = 5 * time.Second
	DefaultGapCooldown  = 30 * time.Second
)

// Conditions is the session state the gap check depends on.
type Conditions struct {
	LastAudio time.Time

	// AudioDependent is true when any app subscribes to transcription,
	// translation or raw audio.
	AudioDependent bool

	MicEnabled    bool
	InGrace       bool
	TransportOpen bool
	Disposed      bool
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	UserID string

	// Threshold is the audio silence after which the media path is
	// considered broken. Defaults to 5s if zero.
	Threshold time.Duration

	// Cooldown is the minimum time between two reconnect attempts. Defaults
	// to 30s if zero.
	Cooldown time.Duration

	// Bridge is optional; without one the upstream step is skipped.
	Bridge MediaBridge

	// Issuer mints device credentials. Gap recovery is disabled without one.
	Issuer CredentialIssuer

	// Probe reads the current session state.
	Probe func() Conditions

	// Send delivers a control message to the device.
	Send func(ctx context.Context, msg ControlMessage) error

	Metrics *observe.Metrics
	Now     func() time.Time
}

// Reconnector detects a silently broken media path and re-establishes it:
// it reconnects the upstream media bridge, then sends the device fresh
// credentials so it reconnects its side.
//
// Every guard is re-evaluated after each asynchronous step; a sequence whose
// preconditions no longer hold is aborted.
type Reconnector struct {
	cfg ReconnectorConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// disabled is set when there is no way to hand the device new
	// credentials.
	disabled bool

	mu          sync.Mutex
	lastAttempt time.Time
	inFlight    bool
	stopped     bool
}

// NewReconnector creates a [Reconnector].
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultGapThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultGapCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconnector{cfg: cfg, ctx: ctx, cancel: cancel}
	if cfg.Issuer == nil || cfg.Send == nil {
		r.disabled = true
		slog.Info("gap recovery disabled, no media credential issuer", "user_id", cfg.UserID)
	}
	return r
}

// Enabled reports whether gap recovery can run at all.
func (r *Reconnector) Enabled() bool { return !r.disabled }

// Check evaluates the guards and, when they all hold, starts a reconnect in
// the background. It reports whether an attempt was started.
func (r *Reconnector) Check() bool {
	now := r.cfg.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.inFlight {
		return false
	}
	if !r.lastAttempt.IsZero() && now.Sub(r.lastAttempt) < r.cfg.Cooldown {
		return false
	}
	cond := r.cfg.Probe()
	if !r.eligible(cond, now) {
		return false
	}

	slog.Warn("audio gap detected, reconnecting media path",
		"user_id", r.cfg.UserID,
		"gap", now.Sub(cond.LastAudio),
		"threshold", r.cfg.Threshold,
	)
	r.lastAttempt = now
	r.inFlight = true
	r.wg.Add(1)
	go r.attempt()
	return true
}

// eligible reports whether every guard holds, cooldown excluded.
func (r *Reconnector) eligible(c Conditions, now time.Time) bool {
	if r.disabled || c.Disposed || r.ctx.Err() != nil {
		return false
	}
	if !c.AudioDependent || !c.MicEnabled || c.InGrace || !c.TransportOpen {
		return false
	}
	if c.LastAudio.IsZero() {
		return false
	}
	return now.Sub(c.LastAudio) > r.cfg.Threshold
}

// stillValid re-evaluates the guards mid-sequence.
func (r *Reconnector) stillValid(step string) bool {
	if r.eligible(r.cfg.Probe(), r.cfg.Now()) {
		return true
	}
	slog.Info("media reconnect aborted, session state changed",
		"user_id", r.cfg.UserID,
		"after", step,
	)
	r.cfg.Metrics.RecordMediaReconnect(context.Background(), "aborted")
	return false
}

func (r *Reconnector) attempt() {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(r.ctx, "session.media_reconnect")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", r.cfg.UserID))
	log := observe.Logger(ctx).With("user_id", r.cfg.UserID)
	fail := func(err error) {
		observe.FailSpan(span, err)
		r.cfg.Metrics.RecordMediaReconnect(ctx, "error")
	}

	if !r.stillValid("start") {
		return
	}

	if r.cfg.Bridge != nil {
		if err := r.cfg.Bridge.Reconnect(ctx, r.cfg.UserID); err != nil {
			log.Error("media bridge reconnect failed", "err", err)
			fail(err)
			return
		}
		if !r.stillValid("bridge reconnect") {
			return
		}
	}

	creds, err := r.cfg.Issuer.Issue(ctx, r.cfg.UserID)
	if err != nil {
		log.Error("issuing media credentials failed", "err", err)
		fail(err)
		return
	}
	if !r.stillValid("credential issue") {
		return
	}

	msg := ControlMessage{Type: ControlMediaReconnect, Credentials: &creds}
	if err := r.cfg.Send(ctx, msg); err != nil {
		log.Error("sending media reconnect to device failed", "err", err)
		fail(err)
		return
	}
	slog.Info("media reconnect sent to device", "user_id", r.cfg.UserID)
	r.cfg.Metrics.RecordMediaReconnect(ctx, "ok")
}

// InFlight reports whether a reconnect sequence is running.
func (r *Reconnector) InFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

// LastAttempt returns when the last reconnect started, or the zero time.
func (r *Reconnector) LastAttempt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAttempt
}

// Stop cancels an in-flight sequence and waits for it to return. Later Check
// calls do nothing. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
