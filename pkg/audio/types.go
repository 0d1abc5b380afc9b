// Package audio defines the raw audio chunk that device transports hand to a
// session, and the PCM helpers used to normalise it: sample alignment,
// channel mixing, resampling and float conversion.
package audio

import "time"

// Origin tells which delivery path an audio chunk arrived on.
type Origin int

const (
	// OriginReliable chunks arrive in order over a stream transport
	// (WebSocket) and skip the reorder buffer.
	OriginReliable Origin = iota

	// OriginSequenced chunks arrive over an unordered datagram path and carry
	// a 16-bit sequence number.
	OriginSequenced
)

// String returns a lower-case name for the origin.
func (o Origin) String() string {
	switch o {
	case OriginReliable:
		return "reliable"
	case OriginSequenced:
		return "sequenced"
	default:
		return "unknown"
	}
}

// Chunk is one unit of raw device audio as received from a transport. Data
// may be PCM or encoded frames depending on the session's negotiated format.
type Chunk struct {
	Origin Origin

	// Sequence is only meaningful for [OriginSequenced] chunks.
	Sequence uint16

	Data []byte

	ReceivedAt time.Time
}

// AudioFrame is decoded PCM with its format attached.
type AudioFrame struct {
	// Data is little-endian int16 PCM, interleaved when stereo.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono or 2 for stereo.
	Channels int

	// Timestamp is the arrival time of the chunk the frame was decoded from,
	// relative to the start of the session.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration returns the playback length of n bytes of int16 PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
