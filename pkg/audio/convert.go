package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter brings device PCM into the format the speech engines
// expect. Create one per session.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert converts a frame to the target format. Frames that already match
// are returned unchanged. Resampling happens before channel conversion so
// that stereo input is only resampled when the target is stereo too.
//
// Input must be sample aligned; see [SampleAligner].
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	c.warnedMismatch.Do(func() {
		slog.Info("audio: converting device audio", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		src.Channels = 1
	}
	if src.SampleRate != c.Target.SampleRate {
		if src.Channels == 1 {
			pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, src.SampleRate, c.Target.SampleRate)
		}
		src.SampleRate = c.Target.SampleRate
	}
	if src.Channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		src.Channels = 2
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: src.SampleRate,
		Channels:   src.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// ToFloat32Mono converts int16 PCM with the given channel count to mono
// float32 samples in [-1, 1], averaging channels per frame. A trailing
// partial frame is ignored.
func ToFloat32Mono(pcm []byte, channels int) []float32 {
	channels = max(channels, 1)
	samples := BytesToInt16s(pcm)
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += float32(s) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair, clamped to the int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples mono int16 PCM with linear interpolation. The
// input is returned unchanged when the rates match or are invalid.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, srcRate, dstRate, 1)
}

// ResampleStereo16 resamples interleaved stereo int16 PCM with linear
// interpolation.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, srcRate, dstRate, 2)
}

func resample16(pcm []byte, srcRate, dstRate, channels int) []byte {
	frameBytes := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	sample := func(frame, ch int) float64 {
		off := frame*frameBytes + ch*2
		return float64(int16(pcm[off]) | int16(pcm[off+1])<<8)
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			v := int16(sample(idx, ch)*(1-frac) + sample(next, ch)*frac)
			off := i*frameBytes + ch*2
			out[off] = byte(v)
			out[off+1] = byte(v >> 8)
		}
	}
	return out
}

func clamp16(v int32) int32 {
	return max(-32768, min(32767, v))
}
