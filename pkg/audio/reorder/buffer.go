// Package reorder restores the original send order of audio packets that
// arrive over an unordered transport such as UDP.
//
// Each packet carries a 16-bit sequence number that wraps at 65536. The
// [Buffer] holds a small number of early-arrived packets and releases them as
// soon as the gap in front of them is filled, or once they have waited
// longer than the configured timeout. Ordering is sacrificed in favour of
// bounded latency: a missing packet delays its successors by at most one
// timeout.
package reorder

import (
	"slices"
	"sync"
	"time"
)

// Default tuning values.
const (
	DefaultCapacity = 10
	DefaultMaxGap   = 50
	DefaultTimeout  = 20 * time.Millisecond
)

// Stats is a point-in-time snapshot of the buffer counters.
type Stats struct {
	// InOrder counts packets that arrived exactly at the expected sequence.
	// Reset by a resynchronisation.
	InOrder uint64

	// Reordered counts packets that arrived early and had to be buffered.
	// Reset by a resynchronisation.
	Reordered uint64

	// Dropped counts late or duplicate packets and packets discarded by a
	// resynchronisation.
	Dropped uint64

	// Skipped counts sequence numbers given up on by forced advancement or
	// timeout flushes.
	Skipped uint64

	// Resyncs counts how often a gap larger than the max gap reset the stream.
	Resyncs uint64

	// Depth is the number of packets currently held.
	Depth int
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithCapacity sets the number of early packets the buffer may hold.
func WithCapacity(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithMaxGap sets the sequence distance beyond which the buffer assumes the
// sender restarted or a burst was lost and resynchronises.
func WithMaxGap(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.maxGap = n
		}
	}
}

// WithTimeout sets how long an early packet may wait for its predecessors.
func WithTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

type entry struct {
	payload    []byte
	receivedAt time.Time
}

// Buffer is a packet reorder buffer for a single audio stream.
//
// All methods are safe for concurrent use, although in practice a buffer is
// owned by one session loop.
type Buffer struct {
	capacity int
	maxGap   int
	timeout  time.Duration
	now      func() time.Time

	mu          sync.Mutex
	expected    uint16
	initialized bool
	pending     map[uint16]entry
	stats       Stats
}

// New creates an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		capacity: DefaultCapacity,
		maxGap:   DefaultMaxGap,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.pending = make(map[uint16]entry, b.capacity)
	return b
}

// Add accepts one packet and returns the payloads that are now safe to
// forward, in sequence order. The returned slice is nil when nothing can be
// released yet.
func (b *Buffer) Add(seq uint16, payload []byte) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.initialized {
		b.expected = seq
		b.initialized = true
	}

	var out [][]byte
	d := Distance(b.expected, seq)
	if d > b.maxGap || d < -b.maxGap {
		b.stats.Resyncs++
		b.stats.Dropped += uint64(len(b.pending))
		b.stats.InOrder = 0
		b.stats.Reordered = 0
		clear(b.pending)
		b.expected = seq
		d = 0
	}

	switch {
	case d == 0:
		out = b.emitExpected(out, payload)
	case d > 0:
		if _, dup := b.pending[seq]; dup {
			b.stats.Dropped++
			break
		}
		if len(b.pending) >= b.capacity {
			out = b.forceAdvance(out)
			// The forced advance may have caught up with this packet.
			if nd := Distance(b.expected, seq); nd == 0 {
				out = b.emitExpected(out, payload)
				break
			} else if nd < 0 {
				b.stats.Dropped++
				break
			}
		}
		b.pending[seq] = entry{payload: payload, receivedAt: now}
		b.stats.Reordered++
	default:
		b.stats.Dropped++
	}

	out = b.flushExpired(out, now)
	b.stats.Depth = len(b.pending)
	return out
}

// FlushExpired releases packets that have waited longer than the timeout
// without receiving a new packet. It is meant to be called periodically so
// that a stalled stream still drains.
func (b *Buffer) FlushExpired() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.flushExpired(nil, b.now())
	b.stats.Depth = len(b.pending)
	return out
}

// Flush drains every buffered packet in sequence order, e.g. when the session
// ends.
func (b *Buffer) Flush() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	seqs := b.sortedPending()
	out := make([][]byte, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, b.pending[s].payload)
		delete(b.pending, s)
	}
	b.expected = Advance(seqs[len(seqs)-1], 1)
	b.stats.Depth = 0
	return out
}

// Reset clears all buffered packets, counters and the expected sequence.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.pending)
	b.initialized = false
	b.expected = 0
	b.stats = Stats{}
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// emitExpected releases the packet at the expected sequence and everything
// contiguous behind it.
func (b *Buffer) emitExpected(out [][]byte, payload []byte) [][]byte {
	out = append(out, payload)
	b.stats.InOrder++
	b.expected = Advance(b.expected, 1)
	return b.drainContiguous(out)
}

func (b *Buffer) drainContiguous(out [][]byte) [][]byte {
	for {
		e, ok := b.pending[b.expected]
		if !ok {
			return out
		}
		delete(b.pending, b.expected)
		out = append(out, e.payload)
		b.expected = Advance(b.expected, 1)
	}
}

// forceAdvance gives up on the missing packets in front of the oldest
// buffered one and drains from there.
func (b *Buffer) forceAdvance(out [][]byte) [][]byte {
	if len(b.pending) == 0 {
		return out
	}
	oldest := b.sortedPending()[0]
	b.stats.Skipped += uint64(Distance(b.expected, oldest))
	b.expected = oldest
	return b.drainContiguous(out)
}

// flushExpired releases every buffered packet up to and including the newest
// one that has exceeded the timeout. Packets in front of an expired one are
// released with it so that emission stays monotonic.
func (b *Buffer) flushExpired(out [][]byte, now time.Time) [][]byte {
	if len(b.pending) == 0 {
		return out
	}
	seqs := b.sortedPending()
	last := -1
	for i, s := range seqs {
		if now.Sub(b.pending[s].receivedAt) >= b.timeout {
			last = i
		}
	}
	if last < 0 {
		return out
	}
	for _, s := range seqs[:last+1] {
		if Less(b.expected, s) {
			b.stats.Skipped += uint64(Distance(b.expected, s))
		}
		out = append(out, b.pending[s].payload)
		delete(b.pending, s)
		if !Less(Advance(s, 1), b.expected) {
			b.expected = Advance(s, 1)
		}
	}
	return b.drainContiguous(out)
}

// sortedPending returns buffered sequence numbers ordered relative to the
// expected sequence.
func (b *Buffer) sortedPending() []uint16 {
	seqs := make([]uint16, 0, len(b.pending))
	for s := range b.pending {
		seqs = append(seqs, s)
	}
	exp := b.expected
	slices.SortFunc(seqs, func(x, y uint16) int {
		return Distance(exp, x) - Distance(exp, y)
	})
	return seqs
}
