package whisper

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/glassline/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// flushTimeout bounds the inference that runs when a session closes.
	flushTimeout = 30 * time.Second
)

// inferFunc transcribes one utterance of PCM.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentConfig is the per-session silence segmentation setup shared by the
// HTTP and native engines.
type segmentConfig struct {
	language            string
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
}

func (c segmentConfig) withStream(cfg stt.StreamConfig) segmentConfig {
	if cfg.Language != "" && cfg.Language != "auto" {
		c.language = cfg.Language
	}
	if cfg.SampleRate > 0 {
		c.sampleRate = cfg.SampleRate
	}
	c.channels = max(cfg.Channels, 1)
	return c
}

var (
	_ stt.SessionHandle = (*session)(nil)
	_ stt.Finalizer     = (*session)(nil)
)

// session simulates a streaming engine on top of a batch one: it buffers
// speech, cuts utterances at silence and reports each transcribed utterance
// as a single final [stt.EventResult] followed by [stt.EventEndpoint].
//
// All mutable buffer state is confined to the loop goroutine.
type session struct {
	cfg   segmentConfig
	infer inferFunc

	audioCh    chan []byte
	finalizeCh chan struct{}
	events     chan stt.Event

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSession(ctx context.Context, cfg segmentConfig, infer inferFunc) *session {
	s := &session{
		cfg:        cfg,
		infer:      infer,
		audioCh:    make(chan []byte, 256),
		finalizeCh: make(chan struct{}),
		events:     make(chan stt.Event, 64),
		done:       make(chan struct{}),
	}
	s.events <- stt.Event{Type: stt.EventConnected}
	s.wg.Go(func() { s.loop(context.WithoutCancel(ctx)) })
	return s
}

// SendAudio queues a chunk of 16-bit little-endian PCM for segmentation.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Finalize transcribes the buffered speech right away. The result, if any,
// is followed by [stt.EventFinalized].
func (s *session) Finalize() error {
	select {
	case s.finalizeCh <- struct{}{}:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Events returns the engine event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close transcribes any pending speech, emits [stt.EventFinished] and closes
// the event channel. Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) loop(ctx context.Context) {
	defer close(s.events)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
		received  int
	)

	bytesPerMs := s.cfg.sampleRate * s.cfg.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	flush := func(ctx context.Context, boundary stt.EventType) {
		pcm := buffer
		speech := hadSpeech
		buffer, hadSpeech, silenceMs = nil, false, 0

		var text string
		if speech && len(pcm) > 0 {
			var err error
			text, err = s.infer(ctx, pcm)
			if err != nil {
				slog.Warn("whisper inference failed", "err", err)
				s.events <- stt.Event{Type: stt.EventError, Err: err}
			}
		}
		if text != "" {
			s.events <- stt.Event{
				Type: stt.EventResult,
				Tokens: []stt.Token{{
					Text:     text,
					Language: s.cfg.language,
					IsFinal:  true,
				}},
				ProcessedAudio: time.Duration(received/bytesPerMs) * time.Millisecond,
			}
		}
		if text != "" || boundary == stt.EventFinalized {
			s.events <- stt.Event{Type: boundary}
		}
	}

	for {
		select {
		case <-s.done:
			fc, cancel := context.WithTimeout(ctx, flushTimeout)
			flush(fc, stt.EventEndpoint)
			cancel()
			s.events <- stt.Event{Type: stt.EventFinished}
			return

		case <-s.finalizeCh:
			flush(ctx, stt.EventFinalized)

		case chunk := <-s.audioCh:
			received += len(chunk)
			if computeRMS(chunk) < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += chunkDurationMs(chunk, s.cfg.sampleRate, s.cfg.channels)
					buffer = append(buffer, chunk...)
					if silenceMs >= s.cfg.silenceThresholdMs {
						flush(ctx, stt.EventEndpoint)
					}
				}
				continue
			}
			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
				flush(ctx, stt.EventEndpoint)
			}
		}
	}
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a PCM chunk in milliseconds.
// Returns 0 for invalid inputs.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return len(chunk) * 1000 / (sampleRate * channels * (bitsPerSample / 8))
}
