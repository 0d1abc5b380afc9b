package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/glassline/internal/session"
	"github.com/MrWong99/glassline/internal/sink"
	"github.com/MrWong99/glassline/internal/subscription"
	"github.com/MrWong99/glassline/internal/transcription"
)

// App message types.
const (
	msgSubscriptionUpdate = "subscription_update"
	msgSubscriptionAck    = "subscription_ack"
)

type appMessage struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
}

type subscriptionAck struct {
	Type          string   `json:"type"`
	Subscriptions []string `json:"subscriptions"`
	Error         string   `json:"error,omitempty"`
}

type appKey struct {
	userID string
	appID  string
}

// AppRegistry tracks connected consumer apps and delivers transcription
// events to them. It is safe for concurrent use.
type AppRegistry struct {
	mu    sync.RWMutex
	conns map[appKey]*wsConn

	seq atomic.Uint64
}

// NewAppRegistry returns an empty registry.
func NewAppRegistry() *AppRegistry {
	return &AppRegistry{conns: make(map[appKey]*wsConn)}
}

// register binds the connection of an app, returning the one it replaced.
func (r *AppRegistry) register(userID, appID string, c *wsConn) *wsConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := appKey{userID, appID}
	prev := r.conns[k]
	r.conns[k] = c
	return prev
}

// unregister removes c if it is still the app's connection.
func (r *AppRegistry) unregister(userID, appID string, c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := appKey{userID, appID}
	if r.conns[k] != c {
		return false
	}
	delete(r.conns, k)
	return true
}

// Connected returns the connected app IDs of userID, sorted.
func (r *AppRegistry) Connected(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.conns {
		if k.userID == userID {
			out = append(out, k.appID)
		}
	}
	slices.Sort(out)
	return out
}

// Deliver sends ev to each of apps that is connected. Apps whose outbound
// queue is full miss the event. It returns how many apps received it.
func (r *AppRegistry) Deliver(userID string, apps []string, ev transcription.Event) int {
	if len(apps) == 0 {
		return 0
	}
	data, err := json.Marshal(sink.NewMessage(userID, ev))
	if err != nil {
		slog.Error("encoding transcription event failed", "user_id", userID, "err", err)
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, app := range apps {
		c, ok := r.conns[appKey{userID, app}]
		if !ok {
			continue
		}
		if err := c.send(websocket.TextMessage, data); err != nil {
			slog.Warn("dropping transcription for app", "user_id", userID, "app_id", app, "key", ev.Key, "err", err)
			continue
		}
		n++
	}
	return n
}

// AppHandler serves /ws/app?user_id=…&app_id=…. Apps send subscription
// updates and receive transcription events and, when subscribed to
// audio_chunk, binary PCM.
type AppHandler struct {
	Sessions SessionSource
	Apps     *AppRegistry

	upgrader websocket.Upgrader
}

// NewAppHandler returns a handler acquiring sessions from src and routing
// events through apps.
func NewAppHandler(src SessionSource, apps *AppRegistry) *AppHandler {
	return &AppHandler{Sessions: src, Apps: apps, upgrader: newUpgrader()}
}

func (h *AppHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, appID := q.Get("user_id"), q.Get("app_id")
	if userID == "" || appID == "" {
		http.Error(w, "user_id and app_id are required", http.StatusBadRequest)
		return
	}
	sess, err := h.Sessions.Acquire(userID)
	if err != nil {
		slog.Error("app session unavailable", "user_id", userID, "app_id", appID, "err", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("app websocket upgrade failed", "user_id", userID, "app_id", appID, "err", err)
		return
	}
	conn := newWSConn(ws)
	if prev := h.Apps.register(userID, appID, conn); prev != nil {
		slog.Info("app reconnected, closing previous connection", "user_id", userID, "app_id", appID)
		prev.close()
	}
	slog.Info("app connected", "user_id", userID, "app_id", appID)

	ac := &appConn{
		userID:  userID,
		appID:   appID,
		audioID: appID + "#" + strconv.FormatUint(h.Apps.seq.Add(1), 10),
		sess:    sess,
		conn:    conn,
	}
	defer func() {
		ac.stopAudio()
		conn.close()
		// A replaced connection leaves the app's subscriptions to its
		// successor.
		if h.Apps.unregister(userID, appID, conn) {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := sess.RemoveApp(ctx, appID); err != nil && !errors.Is(err, session.ErrDisposed) {
				slog.Warn("removing app subscriptions failed", "user_id", userID, "app_id", appID, "err", err)
			}
		}
		slog.Info("app disconnected", "user_id", userID, "app_id", appID)
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg appMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid app message", "user_id", userID, "app_id", appID, "err", err)
			continue
		}
		if msg.Type != msgSubscriptionUpdate {
			slog.Debug("ignoring unknown app message", "type", msg.Type)
			continue
		}
		ac.updateSubscriptions(r.Context(), msg.Subscriptions)
	}
}

// appConn is one app's connection to a session.
type appConn struct {
	userID, appID string
	sess          *session.Session
	conn          *wsConn

	// audioID names the raw-audio subscription of this connection, so a
	// replaced connection never tears down its successor's feed.
	audioID string

	audioDone chan struct{}
}

func (a *appConn) updateSubscriptions(ctx context.Context, raws []string) {
	err := a.sess.UpdateSubscriptions(ctx, a.appID, raws)
	ack := subscriptionAck{Type: msgSubscriptionAck, Subscriptions: raws}
	if err != nil {
		ack.Error = err.Error()
		slog.Warn("subscription update incomplete", "user_id", a.userID, "app_id", a.appID, "err", err)
	}

	wantAudio := slices.ContainsFunc(raws, func(raw string) bool {
		sub, err := subscription.Parse(raw)
		return err == nil && sub.Kind == subscription.KindAudio
	})
	switch {
	case wantAudio && a.audioDone == nil:
		a.startAudio()
	case !wantAudio && a.audioDone != nil:
		a.stopAudio()
	}

	if data, err := json.Marshal(ack); err == nil {
		_ = a.conn.send(websocket.TextMessage, data)
	}
}

func (a *appConn) startAudio() {
	ch, err := a.sess.SubscribeAudio(a.audioID)
	if err != nil {
		slog.Warn("raw audio subscription failed", "user_id", a.userID, "app_id", a.appID, "err", err)
		return
	}
	done := make(chan struct{})
	a.audioDone = done
	go func() {
		defer close(done)
		for pcm := range ch {
			// Lagging apps lose audio rather than stalling the session.
			_ = a.conn.send(websocket.BinaryMessage, pcm)
		}
	}()
}

func (a *appConn) stopAudio() {
	if a.audioDone == nil {
		return
	}
	a.sess.UnsubscribeAudio(a.audioID)
	<-a.audioDone
	a.audioDone = nil
}
