package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/glassline/pkg/provider/stt/soniox"
)

// sonioxServer answers the first audio frame with the scripted text frames.
func sonioxServer(t *testing.T, script ...string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil { // config
			return
		}
		scripted := false
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}
			if len(data) == 0 {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"tokens":[],"finished":true}`))
				return
			}
			if !scripted {
				scripted = true
				for _, m := range script {
					_ = conn.Write(ctx, websocket.MessageText, []byte(m))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_MalformedEngineResultKeepsStreamWritable(t *testing.T) {
	url := sonioxServer(t,
		`{"tokens":[{"text":"Hi`,
		`{"tokens":[{"text":"Hi there","is_final":false}]}`,
	)
	p, err := soniox.New("k", soniox.WithBaseURL(url))
	if err != nil {
		t.Fatalf("soniox.New: %v", err)
	}
	rec := newRecorder()
	s, err := OpenStream(t.Context(), p, "transcription:en-US", Options{Language: "en-US"}, rec.on)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	if err := s.Write(make([]byte, 320)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ev := rec.next(t); ev.Text != "Hi there" || ev.IsFinal {
		t.Fatalf("event = %+v, want interim Hi there", ev)
	}
	if got := s.State(); got == StateError {
		t.Fatal("stream in ERROR after one malformed engine result")
	}
	if err := s.Write(make([]byte, 320)); err != nil {
		t.Errorf("Write after malformed result: %v", err)
	}
}
