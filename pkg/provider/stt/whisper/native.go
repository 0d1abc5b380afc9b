//go:build whispercpp

// This file contains the NativeProvider backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared across all sessions.
type NativeProvider struct {
	model whisperlib.Model
	seg   segmentConfig
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.seg.language = lang }
}

// WithNativeSilenceThresholdMs sets the silence that ends an utterance.
// Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the longest utterance before a forced
// cut. Defaults to 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.maxBufferDurationMs = ms }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model: model,
		seg: segmentConfig{
			language:            defaultLanguage,
			sampleRate:          defaultSampleRate,
			silenceThresholdMs:  defaultSilenceThresholdMs,
			maxBufferDurationMs: defaultMaxBufferDurationMs,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "whisper-native".
func (p *NativeProvider) Name() string { return "whisper-native" }

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. whisper.cpp models are
// trained on 16 kHz audio, so streams at other rates are rejected.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	seg := p.seg.withStream(cfg)
	if seg.sampleRate != whisperlib.SampleRate {
		return nil, fmt.Errorf("whisper: unsupported sample rate %d, want %d", seg.sampleRate, whisperlib.SampleRate)
	}
	return newSession(ctx, seg, func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(seg, pcm)
	}), nil
}

// infer runs whisper.cpp on pcm using a fresh context and returns the
// concatenated segment text.
func (p *NativeProvider) infer(seg segmentConfig, pcm []byte) (string, error) {
	samples := audio.ToFloat32Mono(pcm, seg.channels)

	// Contexts are not safe for concurrent use; the model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(baseLanguage(seg.language)); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", seg.language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
