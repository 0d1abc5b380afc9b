package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("transport: connection closed")

// ErrSlowConsumer is returned when a connection's outbound queue is full.
var ErrSlowConsumer = errors.New("transport: outbound queue full")

// Connection tuning.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	outboundQueue  = 256
)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

type outbound struct {
	kind int
	data []byte
}

// wsConn serialises writes to a gorilla connection through one writer
// goroutine and keeps the connection alive with pings.
type wsConn struct {
	conn *websocket.Conn
	out  chan outbound
	done chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWSConn(c *websocket.Conn) *wsConn {
	w := &wsConn{
		conn: c,
		out:  make(chan outbound, outboundQueue),
		done: make(chan struct{}),
	}
	w.open.Store(true)
	c.SetReadLimit(maxMessageSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

func (w *wsConn) writeLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-w.out:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(msg.kind, msg.data); err != nil {
				slog.Debug("websocket write failed", "err", err)
				w.open.Store(false)
				_ = w.conn.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				w.open.Store(false)
				_ = w.conn.Close()
				return
			}
		}
	}
}

// send queues a message without blocking.
func (w *wsConn) send(kind int, data []byte) error {
	if !w.open.Load() {
		return ErrConnClosed
	}
	select {
	case <-w.done:
		return ErrConnClosed
	case w.out <- outbound{kind: kind, data: data}:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// sendCtx queues a message, waiting for room until ctx is done.
func (w *wsConn) sendCtx(ctx context.Context, kind int, data []byte) error {
	if !w.open.Load() {
		return ErrConnClosed
	}
	select {
	case <-w.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.out <- outbound{kind: kind, data: data}:
		return nil
	}
}

func (w *wsConn) isOpen() bool { return w.open.Load() }

// close stops the writer, sends a close frame and closes the socket.
func (w *wsConn) close() {
	w.closeOnce.Do(func() {
		w.open.Store(false)
		close(w.done)
		w.wg.Wait()
		_ = w.conn.Close()
	})
}
