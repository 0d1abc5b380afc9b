package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/audio/codec"
)

// ErrSubscriberExists is returned by [AudioHub.Subscribe] for a duplicate ID.
var ErrSubscriberExists = errors.New("session: audio subscriber already exists")

// DefaultSubscriberBuffer is the channel capacity of a raw-audio subscriber.
const DefaultSubscriberBuffer = 64

// HubStats is a snapshot of the hub counters.
type HubStats struct {
	Format          codec.Format
	Chunks          uint64
	DecodeFailures  uint64
	PCMBytes        uint64
	LastAudio       time.Time
	Subscribers     map[string]SubscriberStats
	DecoderDegraded bool
}

// SubscriberStats tracks one raw-audio subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	ch      chan []byte
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// AudioHub decodes device audio into engine-format PCM and distributes it to
// raw-audio subscribers and the transcription sink.
//
// Process must be called from a single goroutine; the remaining methods are
// safe for concurrent use.
type AudioHub struct {
	userID  string
	sink    func(pcm []byte)
	metrics *observe.Metrics
	now     func() time.Time

	// Owned by the Process goroutine.
	converter audio.FormatConverter

	mu        sync.Mutex
	aligner   audio.SampleAligner
	format    codec.Format
	params    codec.Params
	decoder   codec.Decoder
	degraded  bool
	lastAudio time.Time
	disposed  bool

	chunks         atomic.Uint64
	decodeFailures atomic.Uint64
	pcmBytes       atomic.Uint64

	subMu sync.RWMutex
	subs  map[string]*subscriber
}

// NewAudioHub returns a hub that converts audio to target and hands every
// PCM buffer to sink. The hub starts in PCM mode at the target format.
func NewAudioHub(userID string, target audio.Format, sink func(pcm []byte), m *observe.Metrics) *AudioHub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if sink == nil {
		sink = func([]byte) {}
	}
	return &AudioHub{
		userID:    userID,
		sink:      sink,
		metrics:   m,
		now:       time.Now,
		converter: audio.FormatConverter{Target: target},
		format:    codec.FormatPCM,
		params:    codec.Params{SampleRate: target.SampleRate, Channels: target.Channels},
		subs:      make(map[string]*subscriber),
	}
}

// Configure sets the audio format announced by the device. A previously
// created decoder is released; a new one is created lazily on the next
// compressed chunk. Invalid parameters are reported but still stored: the
// compressed path then degrades to dropping audio.
func (h *AudioHub) Configure(f codec.Format, p codec.Params) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return ErrDisposed
	}
	if h.decoder != nil {
		_ = h.decoder.Close()
		h.decoder = nil
	}
	if p.SampleRate <= 0 {
		p.SampleRate = h.converter.Target.SampleRate
	}
	if p.Channels <= 0 {
		p.Channels = 1
	}
	h.format = f
	h.params = p
	h.degraded = false
	slog.Info("audio format configured",
		"user_id", h.userID,
		"format", f,
		"sample_rate", p.SampleRate,
		"channels", p.Channels,
		"frame_duration", p.FrameDuration,
		"frame_size", p.FrameSize,
	)
	if f.Compressed() {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("session: configure %s: %w", f, err)
		}
	}
	return nil
}

// Process runs one ordered chunk through decode, sample alignment and format
// conversion, then distributes the result. Failures are logged and the chunk
// is dropped.
func (h *AudioHub) Process(data []byte) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.lastAudio = h.now()
	h.chunks.Add(1)
	format, params := h.format, h.params

	pcm := slices.Clone(data)
	if format.Compressed() {
		dec := h.decoderLocked()
		if dec == nil {
			h.mu.Unlock()
			return
		}
		var err error
		pcm, err = dec.Decode(pcm)
		if err != nil {
			h.mu.Unlock()
			h.decodeFailures.Add(1)
			h.metrics.DecodeFailures.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("format", string(format))))
			slog.Debug("dropping undecodable audio chunk", "user_id", h.userID, "format", format, "err", err)
			return
		}
	}
	pcm = h.aligner.Align(pcm)
	h.mu.Unlock()

	if len(pcm) == 0 {
		return
	}
	frame := h.converter.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: params.SampleRate,
		Channels:   params.Channels,
	})
	h.distribute(frame.Data)
}

// decoderLocked returns the session decoder, creating it on first use. It
// returns nil once creation failed until the format is configured again.
func (h *AudioHub) decoderLocked() codec.Decoder {
	if h.decoder != nil {
		return h.decoder
	}
	if h.degraded {
		return nil
	}
	dec, err := codec.NewDecoder(h.format, h.params)
	if err != nil {
		h.degraded = true
		slog.Error("audio decoder unavailable, dropping compressed audio",
			"user_id", h.userID,
			"format", h.format,
			"err", err,
		)
		return nil
	}
	h.decoder = dec
	return dec
}

func (h *AudioHub) distribute(pcm []byte) {
	ctx := context.Background()
	h.pcmBytes.Add(uint64(len(pcm)))
	h.metrics.PCMBytes.Add(ctx, int64(len(pcm)))

	h.subMu.RLock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- pcm:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
			h.metrics.SubscriberDrops.Add(ctx, 1)
			slog.Debug("audio subscriber lagging, dropping chunk", "user_id", h.userID, "subscriber", id)
		}
	}
	h.subMu.RUnlock()

	h.sink(pcm)
}

// Subscribe registers a raw-audio subscriber. The returned channel is closed
// by Unsubscribe or Dispose. Chunks are dropped while the channel is full.
func (h *AudioHub) Subscribe(id string, buffer int) (<-chan []byte, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.subs == nil {
		return nil, ErrDisposed
	}
	if _, ok := h.subs[id]; ok {
		return nil, ErrSubscriberExists
	}
	sub := &subscriber{ch: make(chan []byte, buffer)}
	h.subs[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a raw-audio subscriber and closes its channel. It
// reports whether the subscriber existed.
func (h *AudioHub) Unsubscribe(id string) bool {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.ch)
	return true
}

// HasSubscribers reports whether any raw-audio subscriber is registered.
func (h *AudioHub) HasSubscribers() bool {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subs) > 0
}

// LastAudio returns when the last chunk arrived, or the zero time.
func (h *AudioHub) LastAudio() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAudio
}

// MarkAudio resets the liveness clock without audio, e.g. when the media
// path was just re-established.
func (h *AudioHub) MarkAudio(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAudio = t
}

// Stats returns a snapshot of the hub counters.
func (h *AudioHub) Stats() HubStats {
	h.mu.Lock()
	st := HubStats{
		Format:          h.format,
		LastAudio:       h.lastAudio,
		DecoderDegraded: h.degraded,
	}
	h.mu.Unlock()
	st.Chunks = h.chunks.Load()
	st.DecodeFailures = h.decodeFailures.Load()
	st.PCMBytes = h.pcmBytes.Load()

	h.subMu.RLock()
	st.Subscribers = make(map[string]SubscriberStats, len(h.subs))
	for id, sub := range h.subs {
		st.Subscribers[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	h.subMu.RUnlock()
	return st
}

// Dispose releases the decoder, drops the carried byte and closes every
// subscriber channel. Calling Dispose more than once is safe.
func (h *AudioHub) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	if h.decoder != nil {
		if err := h.decoder.Close(); err != nil {
			slog.Warn("error closing audio decoder", "user_id", h.userID, "err", err)
		}
		h.decoder = nil
	}
	h.aligner.Reset()
	h.mu.Unlock()

	h.subMu.Lock()
	for _, sub := range h.subs {
		close(sub.ch)
	}
	h.subs = nil
	h.subMu.Unlock()
}
