package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/audio/codec"
)

type sinkRecorder struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (s *sinkRecorder) write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, pcm)
}

func (s *sinkRecorder) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

var engineFormat = audio.Format{SampleRate: 16000, Channels: 1}

func newTestHub(t *testing.T) (*AudioHub, *sinkRecorder) {
	t.Helper()
	rec := &sinkRecorder{}
	h := NewAudioHub("user-1", engineFormat, rec.write, nil)
	t.Cleanup(h.Dispose)
	return h, rec
}

func opusPacket(t *testing.T, rate, channels int) []byte {
	t.Helper()
	enc, err := gopus.NewEncoder(rate, channels, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	samples := rate / 50
	pcm := make([]int16, samples*channels)
	for i := range pcm {
		pcm[i] = int16((i % 32) * 200)
	}
	packet, err := enc.Encode(pcm, samples, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return packet
}

func TestAudioHub_PCMPassthrough(t *testing.T) {
	h, rec := newTestHub(t)

	in := []byte{1, 2, 3, 4}
	h.Process(in)
	in[0] = 99

	got := rec.all()
	if len(got) != 1 || !bytes.Equal(got[0], []byte{1, 2, 3, 4}) {
		t.Fatalf("sink got %v, want one copy of [1 2 3 4]", got)
	}
	if h.LastAudio().IsZero() {
		t.Error("LastAudio not updated")
	}
	if st := h.Stats(); st.Chunks != 1 || st.PCMBytes != 4 {
		t.Errorf("Stats = %+v, want 1 chunk and 4 bytes", st)
	}
}

func TestAudioHub_CarriesOddByte(t *testing.T) {
	h, rec := newTestHub(t)

	h.Process([]byte{1, 2, 3})
	h.Process([]byte{4, 5, 6})
	h.Process([]byte{7})

	got := rec.all()
	want := [][]byte{{1, 2}, {3, 4, 5, 6}}
	if len(got) != len(want) {
		t.Fatalf("sink got %d chunks %v, want %v", len(got), got, want)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAudioHub_ConvertsToEngineFormat(t *testing.T) {
	h, rec := newTestHub(t)
	if err := h.Configure(codec.FormatPCM, codec.Params{SampleRate: 16000, Channels: 2}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// Two stereo frames become two mono samples.
	h.Process([]byte{1, 0, 3, 0, 5, 0, 7, 0})
	got := rec.all()
	if len(got) != 1 || len(got[0]) != 4 {
		t.Fatalf("sink got %v, want one 4-byte mono chunk", got)
	}
}

func TestAudioHub_DecodesOpus(t *testing.T) {
	h, rec := newTestHub(t)
	if err := h.Configure(codec.FormatOpus, codec.Params{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	h.Process(opusPacket(t, 16000, 1))
	got := rec.all()
	if len(got) != 1 || len(got[0]) != 640 {
		t.Fatalf("sink got %d chunks, want one 640-byte PCM chunk", len(got))
	}
}

func TestAudioHub_DropsUndecodableChunk(t *testing.T) {
	h, rec := newTestHub(t)
	if err := h.Configure(codec.FormatOpus, codec.Params{SampleRate: 16000, Channels: 1, FrameSize: 4}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	h.Process([]byte{1, 2, 3})
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("sink got %v, want nothing", got)
	}
	st := h.Stats()
	if st.DecodeFailures != 1 {
		t.Errorf("DecodeFailures = %d, want 1", st.DecodeFailures)
	}
	if st.LastAudio.IsZero() {
		t.Error("LastAudio not updated for undecodable chunk")
	}
}

func TestAudioHub_UnsupportedCodecDegrades(t *testing.T) {
	h, rec := newTestHub(t)
	if err := h.Configure(codec.FormatLC3, codec.Params{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	h.Process([]byte{1, 2, 3, 4})
	h.Process([]byte{5, 6, 7, 8})
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("sink got %v, want nothing", got)
	}
	if !h.Stats().DecoderDegraded {
		t.Error("DecoderDegraded = false, want true")
	}

	// Switching back to PCM recovers.
	if err := h.Configure(codec.FormatPCM, codec.Params{}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	h.Process([]byte{1, 2})
	if got := rec.all(); len(got) != 1 {
		t.Errorf("sink got %d chunks after PCM reconfigure, want 1", len(got))
	}
}

func TestAudioHub_ConfigureRejectsBadParams(t *testing.T) {
	h, _ := newTestHub(t)
	err := h.Configure(codec.FormatOpus, codec.Params{SampleRate: 16000, Channels: 3})
	if !errors.Is(err, codec.ErrMissingParams) {
		t.Errorf("Configure err = %v, want ErrMissingParams", err)
	}
}

func TestAudioHub_Subscribers(t *testing.T) {
	h, rec := newTestHub(t)

	fast, err := h.Subscribe("fast", 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("slow", 1); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := h.Subscribe("fast", 1); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe err = %v, want ErrSubscriberExists", err)
	}

	h.Process([]byte{1, 2})
	h.Process([]byte{3, 4})

	if got := <-fast; !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("fast first chunk = %v", got)
	}
	st := h.Stats()
	if s := st.Subscribers["slow"]; s.Sent != 1 || s.Dropped != 1 {
		t.Errorf("slow stats = %+v, want 1 sent 1 dropped", s)
	}
	if s := st.Subscribers["fast"]; s.Sent != 2 || s.Dropped != 0 {
		t.Errorf("fast stats = %+v, want 2 sent", s)
	}
	// A lagging subscriber never blocks the transcription path.
	if got := len(rec.all()); got != 2 {
		t.Errorf("sink got %d chunks, want 2", got)
	}

	if !h.Unsubscribe("fast") {
		t.Error("Unsubscribe(fast) = false")
	}
	<-fast
	if _, ok := <-fast; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if h.Unsubscribe("fast") {
		t.Error("second Unsubscribe(fast) = true")
	}
}

func TestAudioHub_DisposeTwice(t *testing.T) {
	h, rec := newTestHub(t)
	if err := h.Configure(codec.FormatOpus, codec.Params{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	h.Process(opusPacket(t, 16000, 1))
	ch, err := h.Subscribe("app", 1)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.Dispose()
	h.Dispose()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel open after Dispose")
	}
	before := len(rec.all())
	h.Process([]byte{1, 2})
	if got := len(rec.all()); got != before {
		t.Error("Process delivered audio after Dispose")
	}
	if err := h.Configure(codec.FormatPCM, codec.Params{}); !errors.Is(err, ErrDisposed) {
		t.Errorf("Configure after Dispose err = %v, want ErrDisposed", err)
	}
	if _, err := h.Subscribe("late", 1); !errors.Is(err, ErrDisposed) {
		t.Errorf("Subscribe after Dispose err = %v, want ErrDisposed", err)
	}
}
