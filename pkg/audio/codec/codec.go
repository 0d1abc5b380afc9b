// Package codec decodes compressed device audio into 16-bit little-endian
// linear PCM.
//
// A [Decoder] is created per session with the parameters negotiated when the
// device announced its audio configuration. Decoders keep inter-frame state
// and must not be shared between streams.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format identifies the wire format of device audio.
type Format string

const (
	// FormatPCM is raw 16-bit little-endian PCM; no decoder is needed.
	FormatPCM Format = "pcm"

	// FormatOpus is Opus, one or more packets per chunk.
	FormatOpus Format = "opus"

	// FormatLC3 is LC3 as sent by some glasses. There is no pure-Go decoder
	// for it, so sessions announcing it degrade to a silent audio path.
	FormatLC3 Format = "lc3"
)

// Sentinel errors.
var (
	ErrUnsupportedFormat = errors.New("codec: unsupported format")
	ErrMissingParams     = errors.New("codec: missing decoder parameters")
	ErrClosed            = errors.New("codec: decoder closed")
)

// DefaultFrameDuration is used when the device does not announce one.
const DefaultFrameDuration = 20 * time.Millisecond

// ParseFormat maps a device-supplied format name onto a [Format].
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatPCM, FormatOpus, FormatLC3:
		return f, nil
	case "":
		return FormatPCM, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Compressed reports whether the format needs a [Decoder].
func (f Format) Compressed() bool { return f != FormatPCM }

// Params are the negotiated decoder parameters.
type Params struct {
	// SampleRate of the decoded PCM in Hz.
	SampleRate int

	// Channels of the decoded PCM.
	Channels int

	// FrameDuration is the duration of one encoded frame.
	FrameDuration time.Duration

	// FrameSize is the size in bytes of one encoded frame for constant
	// bitrate streams. Zero means every chunk carries exactly one frame.
	FrameSize int
}

// Validate checks that the parameters describe a usable decoder.
func (p Params) Validate() error {
	var errs []error
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: sample rate must be positive", ErrMissingParams))
	}
	if p.Channels < 1 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("%w: channels must be 1 or 2, got %d", ErrMissingParams, p.Channels))
	}
	if p.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("%w: frame size must not be negative", ErrMissingParams))
	}
	return errors.Join(errs...)
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (p Params) SamplesPerFrame() int {
	d := p.FrameDuration
	if d <= 0 {
		d = DefaultFrameDuration
	}
	return int(int64(p.SampleRate) * int64(d) / int64(time.Second))
}

// Decoder turns encoded frames into PCM.
type Decoder interface {
	// Decode decodes one chunk (one or more encoded frames) and returns
	// little-endian int16 PCM, interleaved when stereo.
	Decode(chunk []byte) ([]byte, error)

	// Close releases decoder state. It is safe to call more than once.
	Close() error
}

// NewDecoder creates a decoder for a compressed format.
func NewDecoder(f Format, p Params) (Decoder, error) {
	if !f.Compressed() {
		return nil, fmt.Errorf("%w: %q needs no decoder", ErrUnsupportedFormat, f)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch f {
	case FormatOpus:
		return newOpusDecoder(p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

// splitFrames cuts a constant-bitrate chunk into frameSize pieces. A
// frameSize of zero yields the chunk as a single frame.
func splitFrames(chunk []byte, frameSize int) ([][]byte, error) {
	if frameSize == 0 {
		return [][]byte{chunk}, nil
	}
	if len(chunk)%frameSize != 0 {
		return nil, fmt.Errorf("codec: chunk of %d bytes is not a multiple of frame size %d", len(chunk), frameSize)
	}
	frames := make([][]byte, 0, len(chunk)/frameSize)
	for off := 0; off < len(chunk); off += frameSize {
		frames = append(frames, chunk[off:off+frameSize])
	}
	return frames, nil
}
