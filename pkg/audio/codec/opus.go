package codec

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/glassline/pkg/audio"
)

var _ Decoder = (*opusDecoder)(nil)

// opusDecoder wraps a gopus decoder for one device stream.
type opusDecoder struct {
	mu        sync.Mutex
	dec       *gopus.Decoder
	frameSize int
	maxSample int
}

func newOpusDecoder(p Params) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(p.SampleRate, p.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:       dec,
		frameSize: p.FrameSize,
		maxSample: p.SamplesPerFrame(),
	}, nil
}

// Decode decodes every Opus packet in chunk and concatenates the PCM.
func (d *opusDecoder) Decode(chunk []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return nil, ErrClosed
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	frames, err := splitFrames(chunk, d.frameSize)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range frames {
		pcm, err := d.dec.Decode(f, d.maxSample, false)
		if err != nil {
			return nil, fmt.Errorf("codec: opus decode: %w", err)
		}
		out = append(out, audio.Int16sToBytes(pcm)...)
	}
	return out, nil
}

// Close drops the decoder state.
func (d *opusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dec = nil
	return nil
}
