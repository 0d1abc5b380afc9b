// Package sink forwards produced transcription events to external systems
// such as a message bus or a transcript log.
//
// Session delivery must never wait on a remote system, so sinks are normally
// wrapped in a [Queue] which hands events to a worker goroutine and drops them
// when the worker falls behind.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/internal/transcription"
)

// Sink consumes transcription events.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Consume handles one event of userID.
	Consume(ctx context.Context, userID string, ev transcription.Event) error

	// Close flushes and releases the sink.
	Close() error
}

// Message is the JSON form of a transcription event as sent to apps and
// published on the bus.
type Message struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	Key         string    `json:"key"`
	Text        string    `json:"text"`
	IsFinal     bool      `json:"is_final"`
	UtteranceID string    `json:"utterance_id"`
	SpeakerID   string    `json:"speaker_id,omitempty"`
	Language    string    `json:"language,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	StartMS     int64     `json:"start_ms"`
	EndMS       int64     `json:"end_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessage converts ev into its wire form.
func NewMessage(userID string, ev transcription.Event) Message {
	return Message{
		Type:        "transcription",
		UserID:      userID,
		Key:         ev.Key,
		Text:        ev.Text,
		IsFinal:     ev.IsFinal,
		UtteranceID: ev.UtteranceID,
		SpeakerID:   ev.SpeakerID,
		Language:    ev.Language,
		Confidence:  ev.Confidence,
		StartMS:     ev.Start.Milliseconds(),
		EndMS:       ev.End.Milliseconds(),
		Timestamp:   ev.Timestamp,
	}
}

// Multi fans every event out to all of its sinks.
type Multi []Sink

var _ Sink = Multi(nil)

// Name returns "multi".
func (m Multi) Name() string { return "multi" }

// Consume passes ev to every sink and joins their errors.
func (m Multi) Consume(ctx context.Context, userID string, ev transcription.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Consume(ctx, userID, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// DefaultQueueSize is the capacity of a [Queue] when none is given.
const DefaultQueueSize = 1024

type item struct {
	userID string
	ev     transcription.Event
}

// Queue decouples a slow sink from event producers. Events are consumed in
// order by one worker goroutine; when the queue is full new events are
// dropped.
type Queue struct {
	next    Sink
	timeout time.Duration
	metrics *observe.Metrics

	items chan item
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once

	dropped atomic.Uint64
	failed  atomic.Uint64
}

var _ Sink = (*Queue)(nil)

// NewQueue starts a worker that feeds next. Each Consume call on next gets
// timeout to finish.
func NewQueue(next Sink, size int, timeout time.Duration, m *observe.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	q := &Queue{
		next:    next,
		timeout: timeout,
		metrics: m,
		items:   make(chan item, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the wrapped sink's name.
func (q *Queue) Name() string { return q.next.Name() }

// Consume enqueues ev without blocking. It never returns an error; failures
// of the wrapped sink are logged and counted by the worker.
func (q *Queue) Consume(_ context.Context, userID string, ev transcription.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil
	}
	select {
	case q.items <- item{userID: userID, ev: ev}:
	default:
		if n := q.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("sink queue full, dropping event", "sink", q.next.Name(), "dropped", n)
		}
		q.metrics.RecordSinkError(context.Background(), q.next.Name())
	}
	return nil
}

func (q *Queue) run() {
	defer close(q.done)
	for it := range q.items {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Consume(ctx, it.userID, it.ev); err != nil {
			q.failed.Add(1)
			q.metrics.RecordSinkError(ctx, q.next.Name())
			slog.Warn("sink failed to consume event",
				"sink", q.next.Name(),
				"user_id", it.userID,
				"key", it.ev.Key,
				"err", err,
			)
		}
		cancel()
	}
}

// Dropped returns how many events were dropped because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Failed returns how many events the wrapped sink rejected.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

// Close drains the queue, waits for the worker and closes the wrapped sink.
// Safe to call more than once.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
		<-q.done
		err = q.next.Close()
	})
	return err
}
