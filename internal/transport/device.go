package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/glassline/internal/session"
	"github.com/MrWong99/glassline/pkg/audio"
	"github.com/MrWong99/glassline/pkg/audio/codec"
)

// SessionSource hands out the live session of a user, creating it when
// needed.
type SessionSource interface {
	Acquire(userID string) (*session.Session, error)
}

// Device control message types.
const (
	msgAudioConfig     = "audio_config"
	msgMicrophoneState = "microphone_state"
	msgVAD             = "vad"
)

// deviceMessage is an inbound device control message. Only the fields of
// the given type are set.
type deviceMessage struct {
	Type string `json:"type"`

	// audio_config
	Format          string `json:"format"`
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	FrameDurationMS int    `json:"frame_duration_ms"`
	FrameSize       int    `json:"frame_size"`

	// microphone_state
	Enabled *bool `json:"enabled"`

	// vad
	Speaking *bool `json:"speaking"`
}

// deviceTransport adapts a device socket to [session.Transport].
type deviceTransport struct {
	conn *wsConn
}

var _ session.Transport = (*deviceTransport)(nil)

func (d *deviceTransport) Open() bool { return d.conn.isOpen() }

func (d *deviceTransport) SendControl(ctx context.Context, msg session.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: encode control message: %w", err)
	}
	return d.conn.sendCtx(ctx, websocket.TextMessage, data)
}

// DeviceHandler serves /ws/device?user_id=…. Binary messages are reliable
// audio chunks, text messages are JSON controls.
type DeviceHandler struct {
	Sessions SessionSource

	// UDP, when set, registers the user for datagram audio and provides the
	// credentials sent in the connection acknowledgement.
	UDP *UDPListener

	upgrader websocket.Upgrader
}

// NewDeviceHandler returns a handler acquiring sessions from src.
func NewDeviceHandler(src SessionSource, udp *UDPListener) *DeviceHandler {
	return &DeviceHandler{Sessions: src, UDP: udp, upgrader: newUpgrader()}
}

func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	sess, err := h.Sessions.Acquire(userID)
	if err != nil {
		slog.Error("device session unavailable", "user_id", userID, "err", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("device websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	conn := newWSConn(ws)
	defer conn.close()

	tr := &deviceTransport{conn: conn}
	if err := sess.AttachTransport(tr); err != nil {
		slog.Warn("device attached to disposed session", "user_id", userID, "err", err)
		return
	}
	defer sess.DetachTransport(tr)
	slog.Info("device connected", "user_id", userID, "remote", r.RemoteAddr)

	ack := session.ControlMessage{Type: session.ControlConnectionAck}
	if h.UDP != nil {
		h.UDP.Register(userID)
		creds, err := h.UDP.Issue(r.Context(), userID)
		if err == nil {
			ack.Credentials = &creds
		}
	}
	if err := tr.SendControl(r.Context(), ack); err != nil {
		slog.Warn("sending connection ack failed", "user_id", userID, "err", err)
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("device websocket closed unexpectedly", "user_id", userID, "err", err)
			}
			slog.Info("device disconnected", "user_id", userID)
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			sess.HandleAudio(audio.Chunk{
				Origin:     audio.OriginReliable,
				Data:       data,
				ReceivedAt: time.Now(),
			})
		case websocket.TextMessage:
			if err := h.handleControl(r.Context(), sess, data); err != nil {
				slog.Warn("invalid device control message", "user_id", userID, "err", err)
				_ = tr.SendControl(r.Context(), session.ControlMessage{Type: session.ControlError, Message: err.Error()})
			}
		}
	}
}

func (h *DeviceHandler) handleControl(ctx context.Context, sess *session.Session, data []byte) error {
	var msg deviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}
	switch msg.Type {
	case msgAudioConfig:
		f, err := codec.ParseFormat(msg.Format)
		if err != nil {
			return err
		}
		return sess.ConfigureAudio(f, codec.Params{
			SampleRate:    msg.SampleRate,
			Channels:      msg.Channels,
			FrameDuration: time.Duration(msg.FrameDurationMS) * time.Millisecond,
			FrameSize:     msg.FrameSize,
		})
	case msgMicrophoneState:
		if msg.Enabled == nil {
			return fmt.Errorf("%s: enabled is required", msgMicrophoneState)
		}
		sess.SetMicrophone(*msg.Enabled)
	case msgVAD:
		if msg.Speaking != nil && !*msg.Speaking {
			sess.Finalize(ctx)
		}
	default:
		slog.Debug("ignoring unknown device message", "type", msg.Type)
	}
	return nil
}
