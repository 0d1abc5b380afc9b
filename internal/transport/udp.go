// Package transport implements device and app ingress: the UDP audio
// listener and the WebSocket endpoints for devices and consumer apps.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glassline/internal/session"
	"github.com/MrWong99/glassline/pkg/audio"
)

// Datagram layout.
const (
	udpHeaderSize = 6
	maxDatagram   = 4096
	pingMagic     = "PING"
)

// DefaultCredentialTTL is how long issued media credentials are valid.
const DefaultCredentialTTL = 10 * time.Minute

var (
	_ session.MediaBridge      = (*UDPListener)(nil)
	_ session.CredentialIssuer = (*UDPListener)(nil)
)

// HashUserID returns the 32-bit FNV-1a hash devices put in every datagram.
func HashUserID(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return h.Sum32()
}

// AudioHandler receives every datagram of a registered user.
type AudioHandler func(userID string, c audio.Chunk)

// UDPStats are the listener counters.
type UDPStats struct {
	Received uint64
	Dropped  uint64
	Unknown  uint64
	Pings    uint64
}

// UDPOption configures a [UDPListener].
type UDPOption func(*UDPListener)

// WithPublicHost sets the host advertised in issued credentials. Defaults to
// the host of the listen address.
func WithPublicHost(host string) UDPOption {
	return func(l *UDPListener) {
		if host != "" {
			l.publicHost = host
		}
	}
}

// WithCredentialTTL sets how long issued credentials are valid.
func WithCredentialTTL(d time.Duration) UDPOption {
	return func(l *UDPListener) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithPingHook registers a function called for every ping of a known user.
func WithPingHook(f func(userID string)) UDPOption {
	return func(l *UDPListener) { l.onPing = f }
}

// UDPListener receives sequenced device audio over UDP.
//
// Datagram layout: bytes 0..4 are the FNV-1a hash of the user ID, bytes 4..6
// the big-endian sequence number, the rest is the audio payload. A payload
// starting with "PING" is a keepalive that is echoed to the sender.
type UDPListener struct {
	conn       *net.UDPConn
	handler    AudioHandler
	publicHost string
	ttl        time.Duration
	onPing     func(userID string)

	mu       sync.RWMutex
	users    map[uint32]string
	lastPing map[string]time.Time

	received atomic.Uint64
	dropped  atomic.Uint64
	unknown  atomic.Uint64
	pings    atomic.Uint64

	closeOnce sync.Once
}

// ListenUDP binds addr and returns a listener. Call Serve to start reading.
func ListenUDP(addr string, handler AudioHandler, opts ...UDPOption) (*UDPListener, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %q: %w", addr, err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		slog.Warn("udp: could not raise read buffer", "err", err)
	}
	l := &UDPListener{
		conn:     conn,
		handler:  handler,
		ttl:      DefaultCredentialTTL,
		users:    make(map[uint32]string),
		lastPing: make(map[string]time.Time),
	}
	if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		l.publicHost = host
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *UDPListener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until ctx is cancelled or the listener is closed.
func (l *UDPListener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	slog.Info("udp audio listener started", "addr", l.conn.LocalAddr().String())
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("udp read error", "err", err)
			continue
		}
		l.handleDatagram(buf[:n], from)
	}
}

func (l *UDPListener) handleDatagram(b []byte, from *net.UDPAddr) {
	if len(b) < udpHeaderSize {
		l.dropped.Add(1)
		return
	}
	hash := binary.BigEndian.Uint32(b[0:4])
	seq := binary.BigEndian.Uint16(b[4:6])

	l.mu.RLock()
	userID, ok := l.users[hash]
	l.mu.RUnlock()

	if len(b) >= udpHeaderSize+len(pingMagic) && string(b[6:10]) == pingMagic {
		l.pings.Add(1)
		if !ok {
			slog.Debug("udp ping from unknown user hash", "user_hash", hash, "remote", from.String())
			return
		}
		l.handlePing(userID, b, from)
		return
	}
	if !ok {
		l.unknown.Add(1)
		return
	}

	if n := l.received.Add(1); n%1000 == 0 {
		st := l.Stats()
		slog.Debug("udp stats", "received", st.Received, "dropped", st.Dropped, "unknown", st.Unknown, "pings", st.Pings)
	}
	payload := make([]byte, len(b)-udpHeaderSize)
	copy(payload, b[udpHeaderSize:])
	l.handler(userID, audio.Chunk{
		Origin:     audio.OriginSequenced,
		Sequence:   seq,
		Data:       payload,
		ReceivedAt: time.Now(),
	})
}

func (l *UDPListener) handlePing(userID string, b []byte, from *net.UDPAddr) {
	l.mu.Lock()
	l.lastPing[userID] = time.Now()
	l.mu.Unlock()

	if _, err := l.conn.WriteToUDP(b, from); err != nil {
		slog.Debug("udp ping echo failed", "user_id", userID, "err", err)
	}
	if l.onPing != nil {
		l.onPing(userID)
	}
}

// Register maps the user's hash to userID so its datagrams are accepted.
func (l *UDPListener) Register(userID string) uint32 {
	hash := HashUserID(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.users[hash]; ok && prev != userID {
		slog.Warn("udp user hash collision, replacing registration", "user_hash", hash, "previous", prev, "user_id", userID)
	}
	l.users[hash] = userID
	return hash
}

// Unregister stops accepting datagrams of userID.
func (l *UDPListener) Unregister(userID string) {
	hash := HashUserID(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.users[hash] == userID {
		delete(l.users, hash)
	}
	delete(l.lastPing, userID)
}

// LastPing returns when userID last pinged, or the zero time.
func (l *UDPListener) LastPing(userID string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastPing[userID]
}

// Reconnect re-registers userID and forgets its last ping so the device has
// to prove the path again.
func (l *UDPListener) Reconnect(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.Register(userID)
	l.mu.Lock()
	delete(l.lastPing, userID)
	l.mu.Unlock()
	slog.Info("udp media path reset", "user_id", userID)
	return nil
}

// Issue returns fresh media credentials for userID.
func (l *UDPListener) Issue(ctx context.Context, userID string) (session.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return session.Credentials{}, err
	}
	return session.Credentials{
		UDPHost:   l.publicHost,
		UDPPort:   l.Addr().Port,
		UserHash:  HashUserID(userID),
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(l.ttl),
	}, nil
}

// Stats returns a snapshot of the counters.
func (l *UDPListener) Stats() UDPStats {
	return UDPStats{
		Received: l.received.Load(),
		Dropped:  l.dropped.Load(),
		Unknown:  l.unknown.Load(),
		Pings:    l.pings.Load(),
	}
}

// Close stops the listener. Safe to call more than once.
func (l *UDPListener) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
