// Package natsbus publishes transcription events to NATS.
//
// Every event becomes one JSON [sink.Message] on the subject
// "<prefix>.<user_id>". Interim and final events share a subject; consumers
// tell them apart by is_final and replace interims by utterance_id.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/glassline/internal/sink"
	"github.com/MrWong99/glassline/internal/transcription"
)

// DefaultSubjectPrefix is used when [Config.SubjectPrefix] is empty.
const DefaultSubjectPrefix = "glassline.transcription"

// Publisher is the part of a NATS connection the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var (
	_ Publisher = (*nats.Conn)(nil)
	_ sink.Sink = (*Sink)(nil)
)

// Config configures [Connect].
type Config struct {
	URL            string
	SubjectPrefix  string
	Name           string
	Token          string
	ConnectTimeout time.Duration
}

// Sink publishes events over a [Publisher].
type Sink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
}

// New returns a sink publishing over pub.
func New(pub Publisher, prefix string) *Sink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials the NATS server and returns a sink owning the connection.
func Connect(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("natsbus: url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "glassline"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	slog.Info("connected to NATS", "url", conn.ConnectedUrl(), "subject_prefix", cfg.SubjectPrefix)

	s := New(conn, cfg.SubjectPrefix)
	s.conn = conn
	return s, nil
}

// Name returns "nats".
func (s *Sink) Name() string { return "nats" }

// Subject returns the subject events of userID are published on.
func (s *Sink) Subject(userID string) string {
	return s.prefix + "." + subjectToken(userID)
}

// Consume publishes ev as JSON.
func (s *Sink) Consume(_ context.Context, userID string, ev transcription.Event) error {
	data, err := json.Marshal(sink.NewMessage(userID, ev))
	if err != nil {
		return fmt.Errorf("natsbus: encode event: %w", err)
	}
	if err := s.pub.Publish(s.Subject(userID), data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the owned connection is connected. A sink built
// with [New] is always healthy.
func (s *Sink) Healthy() bool {
	if s.conn == nil {
		return true
	}
	return s.conn.Status() == nats.CONNECTED
}

// Close drains the owned connection, if any.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	return nil
}

// subjectToken makes id usable as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
