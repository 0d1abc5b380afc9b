package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// Defaults for [Stream] construction.
const (
	DefaultSampleRate             = 16000
	DefaultMaxConsecutiveFailures = 5
	DefaultFinalizeTimeout        = 2 * time.Second

	// latencyAlpha is the weight of the newest sample in the latency EWMA.
	latencyAlpha = 0.2
)

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithSampleRate sets the PCM sample rate negotiated with the engine.
func WithSampleRate(rate int) StreamOption {
	return func(s *Stream) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// WithMaxConsecutiveFailures sets how many consecutive write failures move the
// stream to [StateError].
func WithMaxConsecutiveFailures(n int) StreamOption {
	return func(s *Stream) {
		if n > 0 {
			s.maxFailures = n
		}
	}
}

// WithFinalizeTimeout bounds how long [Stream.Finalize] waits for the engine to
// acknowledge a server-side finalize.
func WithFinalizeTimeout(d time.Duration) StreamOption {
	return func(s *Stream) {
		if d > 0 {
			s.finalizeTimeout = d
		}
	}
}

// WithDiarization enables per-token speaker labels on the engine.
func WithDiarization(on bool) StreamOption {
	return func(s *Stream) { s.diarization = on }
}

// WithStreamMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithStreamMetrics(m *observe.Metrics) StreamOption {
	return func(s *Stream) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StreamOption {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// utterance is the speech span currently being recognised.
type utterance struct {
	id         string
	text       string
	speaker    string
	language   string
	confidence float64
	start, end time.Duration
}

// Stream adapts one engine session to utterance-level [Event]s.
//
// Events are delivered to the callback passed to [OpenStream] one at a time,
// in the order they were produced. The callback must not call back into the
// Stream.
type Stream struct {
	key      string
	opts     Options
	provider string
	handle   stt.SessionHandle
	onEvent  func(Event)

	sampleRate      int
	maxFailures     int
	finalizeTimeout time.Duration
	diarization     bool
	metrics         *observe.Metrics
	now             func() time.Time
	startedAt       time.Time

	// mu guards state and the health counters.
	mu            sync.Mutex
	state         State
	writesOK      uint64
	writesFailed  uint64
	writesDropped uint64
	consecutive   int
	audioSent     time.Duration
	lastWrite     time.Time
	lastTokens    time.Time
	latency       time.Duration
	haveLatency   bool

	// uttMu guards the utterance tracking and serialises event delivery.
	uttMu      sync.Mutex
	utt        *utterance
	flushed    bool
	finWaiters []chan struct{}

	closeOnce sync.Once
	closeErr  error
	readDone  chan struct{}
}

// OpenStream connects to the engine and returns a stream in [StateReady].
// onEvent receives every transcription event of the stream.
func OpenStream(ctx context.Context, p stt.Provider, key string, opts Options, onEvent func(Event), options ...StreamOption) (*Stream, error) {
	s := &Stream{
		key:             key,
		opts:            opts,
		provider:        p.Name(),
		onEvent:         onEvent,
		sampleRate:      DefaultSampleRate,
		maxFailures:     DefaultMaxConsecutiveFailures,
		finalizeTimeout: DefaultFinalizeTimeout,
		metrics:         observe.DefaultMetrics(),
		now:             time.Now,
		state:           StateInitializing,
		readDone:        make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.onEvent == nil {
		s.onEvent = func(Event) {}
	}
	s.startedAt = s.now()

	ctx, span := observe.StartSpan(ctx, "transcription.open_stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("transcription.key", key),
		attribute.String("transcription.provider", s.provider),
	)

	handle, err := p.StartStream(ctx, stt.StreamConfig{
		SampleRate:                    s.sampleRate,
		Channels:                      1,
		Language:                      opts.Language,
		Hints:                         opts.Hints,
		DisableLanguageIdentification: opts.DisableLanguageIdentification,
		Diarization:                   s.diarization,
	})
	if err != nil {
		s.metrics.RecordStreamStart(ctx, s.provider, "error")
		observe.FailSpan(span, err)
		return nil, fmt.Errorf("transcription: start %s stream for %q: %w", s.provider, key, err)
	}
	s.metrics.RecordStreamStart(ctx, s.provider, "ok")
	s.metrics.ActiveStreams.Add(ctx, 1)

	s.handle = handle
	s.setState(StateReady)
	go s.readLoop()

	observe.Logger(ctx).Info("transcription stream ready",
		"key", key,
		"provider", s.provider,
		"language", opts.Language,
		"hints", opts.Hints,
		"disable_language_identification", opts.DisableLanguageIdentification,
	)
	return s, nil
}

// Key returns the normalized subscription key of the stream.
func (s *Stream) Key() string { return s.key }

// Options returns the merged options the stream was opened with.
func (s *Stream) Options() Options { return s.opts }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Stream) setStateLocked(st State) {
	if s.state == st {
		return
	}
	slog.Debug("transcription stream state", "key", s.key, "from", s.state, "to", st)
	s.state = st
}

// Write sends PCM to the engine. Outside [StateReady] and [StateActive] the
// chunk is dropped, counted and [ErrStreamNotWritable] is returned.
func (s *Stream) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	if !s.state.Writable() {
		s.writesDropped++
		s.mu.Unlock()
		s.metrics.StreamWritesDropped.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("key", s.key)))
		return ErrStreamNotWritable
	}
	s.mu.Unlock()

	err := s.handle.SendAudio(pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.writesFailed++
		s.consecutive++
		s.metrics.StreamWriteFailures.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("provider", s.provider)))
		if s.consecutive >= s.maxFailures && s.state.Writable() {
			slog.Warn("transcription stream failing, marking as error",
				"key", s.key,
				"consecutive_failures", s.consecutive,
				"err", err,
			)
			s.setStateLocked(StateError)
		}
		return err
	}
	s.writesOK++
	s.consecutive = 0
	s.audioSent += audio.PCMDuration(len(pcm), s.sampleRate, 1)
	s.lastWrite = s.now()
	if s.state == StateReady {
		s.setStateLocked(StateActive)
	}
	return nil
}

// Finalize flushes the utterance in flight as a final event. Engines that
// implement [stt.Finalizer] are asked to commit their window first; the call
// waits for their acknowledgement up to the finalize timeout. Without engine
// support, or when the engine does not answer in time, the pending interim is
// finalised locally, falling back to the engine's own buffer when nothing is
// pending.
func (s *Stream) Finalize(ctx context.Context) error {
	if f, ok := s.handle.(stt.Finalizer); ok && s.State().Writable() {
		wait := s.addFinalizeWaiter()
		if err := f.Finalize(); err != nil {
			slog.Warn("engine finalize failed, finalizing locally", "key", s.key, "err", err)
		} else {
			timer := time.NewTimer(s.finalizeTimeout)
			defer timer.Stop()
			select {
			case <-wait:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				slog.Warn("engine finalize not acknowledged, finalizing locally", "key", s.key)
			}
		}
	}

	s.uttMu.Lock()
	defer s.uttMu.Unlock()
	s.finalizeLocked(true)
	return nil
}

func (s *Stream) addFinalizeWaiter() <-chan struct{} {
	ch := make(chan struct{})
	s.uttMu.Lock()
	s.finWaiters = append(s.finWaiters, ch)
	s.uttMu.Unlock()
	return ch
}

// Close flushes any pending interim as a final event, then closes the engine
// session and waits for its event stream to end or ctx to expire. Calling
// Close more than once is safe.
func (s *Stream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)

		s.uttMu.Lock()
		s.finalizeLocked(true)
		s.flushed = true
		s.uttMu.Unlock()

		s.closeErr = s.handle.Close()
		select {
		case <-s.readDone:
		case <-ctx.Done():
			if s.closeErr == nil {
				s.closeErr = ctx.Err()
			}
		}
		s.setState(StateClosed)
		s.metrics.ActiveStreams.Add(context.Background(), -1)
		slog.Info("transcription stream closed", "key", s.key, "provider", s.provider)
	})
	return s.closeErr
}

// Health returns a snapshot of the stream's health counters.
func (s *Stream) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	h := Health{
		Key:                 s.key,
		Provider:            s.provider,
		State:               s.state,
		WritesOK:            s.writesOK,
		WritesFailed:        s.writesFailed,
		WritesDropped:       s.writesDropped,
		ConsecutiveFailures: s.consecutive,
		Latency:             s.latency,
		AudioSent:           s.audioSent,
		StartedAt:           s.startedAt,
		SinceLastTokens:     now.Sub(s.startedAt),
		SinceLastWrite:      now.Sub(s.startedAt),
	}
	if !s.lastTokens.IsZero() {
		h.SinceLastTokens = now.Sub(s.lastTokens)
	}
	if !s.lastWrite.IsZero() {
		h.SinceLastWrite = now.Sub(s.lastWrite)
	}
	return h
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	for ev := range s.handle.Events() {
		s.handleEvent(ev)
	}
	s.mu.Lock()
	if s.state != StateClosing && s.state != StateClosed && s.state != StateError {
		slog.Warn("transcription stream ended unexpectedly", "key", s.key)
		s.setStateLocked(StateError)
	}
	s.mu.Unlock()
}

func (s *Stream) handleEvent(ev stt.Event) {
	switch ev.Type {
	case stt.EventConnected:
		slog.Debug("engine connected", "key", s.key)
	case stt.EventResult:
		s.observeProgress(ev.ProcessedAudio)
		s.uttMu.Lock()
		s.applyWindowLocked(ev.Tokens)
		s.uttMu.Unlock()
	case stt.EventEndpoint:
		s.uttMu.Lock()
		s.finalizeLocked(false)
		s.uttMu.Unlock()
	case stt.EventFinalized:
		s.uttMu.Lock()
		s.finalizeLocked(false)
		for _, ch := range s.finWaiters {
			close(ch)
		}
		s.finWaiters = nil
		s.uttMu.Unlock()
	case stt.EventFinished:
		slog.Debug("engine finished", "key", s.key)
	case stt.EventError:
		slog.Error("engine error", "key", s.key, "provider", s.provider, "err", ev.Err)
		s.markError()
	case stt.EventDisconnected:
		slog.Warn("engine disconnected", "key", s.key, "provider", s.provider, "err", ev.Err)
		s.markError()
	}
}

func (s *Stream) markError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosing && s.state != StateClosed {
		s.setStateLocked(StateError)
	}
}

// observeProgress records that the engine is alive and updates the smoothed
// latency from its processed-audio position.
func (s *Stream) observeProgress(processed time.Duration) {
	s.mu.Lock()
	s.lastTokens = s.now()
	if processed <= 0 {
		s.mu.Unlock()
		return
	}
	lag := max(s.audioSent-processed, 0)
	if s.haveLatency {
		s.latency = time.Duration(latencyAlpha*float64(lag) + (1-latencyAlpha)*float64(s.latency))
	} else {
		s.latency = lag
		s.haveLatency = true
	}
	latency := s.latency
	s.mu.Unlock()

	s.metrics.EngineLatency.Record(context.Background(), latency.Seconds(),
		metric.WithAttributes(observe.Attr("provider", s.provider)))
}

// applyWindowLocked treats tokens as the authoritative full text of the
// current utterance and emits an interim when the text changed.
func (s *Stream) applyWindowLocked(tokens []stt.Token) {
	if s.flushed {
		return
	}
	text := stt.JoinTokens(tokens)
	if text == "" {
		return
	}
	if s.utt == nil {
		s.utt = &utterance{id: uuid.NewString(), start: tokens[0].Start}
	}
	u := s.utt
	last := tokens[len(tokens)-1]
	if last.Speaker != "" {
		u.speaker = last.Speaker
	}
	if last.Language != "" {
		u.language = last.Language
	}
	if last.Confidence > 0 {
		u.confidence = last.Confidence
	}
	u.end = last.End
	if text == u.text {
		return
	}
	u.text = text
	s.emitLocked(u, false)
}

// finalizeLocked emits the pending utterance as final and clears it. With
// fallback set and nothing pending, the engine's own buffer is used instead.
func (s *Stream) finalizeLocked(fallback bool) {
	if s.flushed {
		return
	}
	if s.utt != nil && s.utt.text != "" {
		s.emitLocked(s.utt, true)
		s.utt = nil
		return
	}
	s.utt = nil
	if !fallback {
		return
	}
	buf, ok := s.handle.(stt.TranscriptBuffer)
	if !ok {
		return
	}
	tokens := buf.BufferedTokens()
	text := stt.JoinTokens(tokens)
	if text == "" {
		return
	}
	last := tokens[len(tokens)-1]
	slog.Debug("finalizing from engine buffer", "key", s.key, "tokens", len(tokens))
	s.emitLocked(&utterance{
		id:         uuid.NewString(),
		text:       text,
		speaker:    last.Speaker,
		language:   last.Language,
		confidence: last.Confidence,
		start:      tokens[0].Start,
		end:        last.End,
	}, true)
}

func (s *Stream) emitLocked(u *utterance, final bool) {
	lang := u.language
	if lang == "" && s.opts.Language != "auto" {
		lang = s.opts.Language
	}
	s.metrics.RecordTranscription(context.Background(), s.key, final)
	s.onEvent(Event{
		Key:         s.key,
		Text:        u.text,
		IsFinal:     final,
		UtteranceID: u.id,
		SpeakerID:   u.speaker,
		Language:    lang,
		Confidence:  u.confidence,
		Start:       u.start,
		End:         u.end,
		Timestamp:   s.now(),
	})
}
