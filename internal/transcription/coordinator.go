package transcription

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glassline/internal/observe"
	"github.com/MrWong99/glassline/internal/subscription"
	"github.com/MrWong99/glassline/pkg/provider/stt"
)

// DefaultStartConcurrency bounds how many engine connections one
// reconciliation opens in parallel.
const DefaultStartConcurrency = 4

// CoordinatorOption configures a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithStreamOptions sets the options every new [Stream] is opened with.
func WithStreamOptions(opts ...StreamOption) CoordinatorOption {
	return func(c *Coordinator) { c.streamOpts = append(c.streamOpts, opts...) }
}

// WithStartConcurrency bounds parallel stream starts per reconciliation.
func WithStartConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.startLimit = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// MergeOptions merges the options of subscriptions sharing one key. Hints are
// unioned in order of first appearance. Language identification is disabled
// only when every subscription asks for it, so an empty list never disables
// it.
func MergeOptions(subs []subscription.Subscription) Options {
	var o Options
	if len(subs) == 0 {
		return o
	}
	o.Language = subs[0].Language
	o.DisableLanguageIdentification = true
	for _, s := range subs {
		for _, h := range s.Hints {
			if !slices.Contains(o.Hints, h) {
				o.Hints = append(o.Hints, h)
			}
		}
		if !s.DisableLanguageIdentification {
			o.DisableLanguageIdentification = false
		}
	}
	return o
}

// Desired maps every transcription key wanted by raws to its merged options.
// Translation subscriptions and strings that do not parse are left out.
func Desired(raws []string) map[string]Options {
	byKey := make(map[string][]subscription.Subscription)
	for _, raw := range raws {
		sub, err := subscription.Parse(raw)
		if err != nil {
			slog.Debug("skipping invalid subscription", "raw", raw, "err", err)
			continue
		}
		if sub.Kind != subscription.KindTranscription {
			continue
		}
		byKey[sub.Key()] = append(byKey[sub.Key()], sub)
	}
	out := make(map[string]Options, len(byKey))
	for key, subs := range byKey {
		out[key] = MergeOptions(subs)
	}
	return out
}

// Coordinator keeps one [Stream] per desired transcription key.
//
// Reconcile, CheckHealth and Close are serialised; the stream set changes only
// inside them. Write and Finalize may be called concurrently with any of them.
type Coordinator struct {
	provider   stt.Provider
	onEvent    func(Event)
	streamOpts []StreamOption
	startLimit int
	metrics    *observe.Metrics

	reconcileMu sync.Mutex

	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool
}

// NewCoordinator returns a Coordinator that opens streams on p and delivers
// their events to onEvent.
func NewCoordinator(p stt.Provider, onEvent func(Event), opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		provider:   p,
		onEvent:    onEvent,
		startLimit: DefaultStartConcurrency,
		metrics:    observe.DefaultMetrics(),
		streams:    make(map[string]*Stream),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reconcile brings the running streams in line with raws. Streams whose key is
// no longer wanted are closed and newly wanted keys are started with freshly
// merged options. Keys that stay wanted keep their stream untouched, even if
// their merged options changed. A stream that fails to start is logged and
// left absent until the next Reconcile or health check.
func (c *Coordinator) Reconcile(ctx context.Context, raws []string) error {
	return c.ReconcileWith(ctx, func() []string { return raws })
}

// ReconcileWith is [Coordinator.Reconcile] with the subscriptions read from
// current once the reconciliation holds the lock, so concurrent callers
// always converge on the latest subscription set.
func (c *Coordinator) ReconcileWith(ctx context.Context, current func() []string) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	desired := Desired(current())

	c.mu.RLock()
	var stale []*Stream
	for key, s := range c.streams {
		if _, ok := desired[key]; !ok {
			stale = append(stale, s)
		}
	}
	var fresh []string
	for key := range desired {
		if _, ok := c.streams[key]; !ok {
			fresh = append(fresh, key)
		}
	}
	c.mu.RUnlock()

	for _, s := range stale {
		c.mu.Lock()
		delete(c.streams, s.Key())
		c.mu.Unlock()
		if err := s.Close(ctx); err != nil {
			slog.Warn("error closing transcription stream", "key", s.Key(), "err", err)
		}
	}

	c.startAll(ctx, fresh, desired)
	return nil
}

// startAll opens streams for keys in parallel. Failures are logged only.
func (c *Coordinator) startAll(ctx context.Context, keys []string, desired map[string]Options) {
	if len(keys) == 0 {
		return
	}
	slices.Sort(keys)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.startLimit)
	for _, key := range keys {
		opts := desired[key]
		g.Go(func() error {
			s, err := OpenStream(gctx, c.provider, key, opts, c.onEvent, c.streamOpts...)
			if err != nil {
				slog.Error("failed to start transcription stream", "key", key, "err", err)
				return nil
			}
			c.mu.Lock()
			c.streams[key] = s
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// Write feeds pcm to every running stream. Streams that are not writable
// count the drop themselves.
func (c *Coordinator) Write(pcm []byte) {
	for _, s := range c.snapshot() {
		if err := s.Write(pcm); err != nil && !errors.Is(err, ErrStreamNotWritable) {
			slog.Debug("transcription write failed", "key", s.Key(), "err", err)
		}
	}
}

// Finalize flushes the in-flight utterance of every stream, in parallel.
func (c *Coordinator) Finalize(ctx context.Context) {
	streams := c.snapshot()
	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Finalize(ctx); err != nil {
				slog.Warn("finalize failed", "key", s.Key(), "err", err)
			}
		}()
	}
	wg.Wait()
}

// CheckHealth restarts streams that are in [StateError], and active streams
// whose engine has reported nothing for staleAfter while audio kept flowing.
// A zero staleAfter disables the staleness check. It returns the restarted
// keys.
func (c *Coordinator) CheckHealth(ctx context.Context, staleAfter time.Duration) []string {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	if c.isClosed() {
		return nil
	}

	var unhealthy []*Stream
	for _, s := range c.snapshot() {
		h := s.Health()
		if !h.Unhealthy(staleAfter) {
			continue
		}
		if h.State == StateActive {
			slog.Warn("transcription stream stalled",
				"key", h.Key,
				"since_last_tokens", h.SinceLastTokens,
			)
		}
		unhealthy = append(unhealthy, s)
	}
	if len(unhealthy) == 0 {
		return nil
	}

	desired := make(map[string]Options, len(unhealthy))
	keys := make([]string, 0, len(unhealthy))
	for _, s := range unhealthy {
		c.mu.Lock()
		delete(c.streams, s.Key())
		c.mu.Unlock()
		if err := s.Close(ctx); err != nil {
			slog.Debug("error closing unhealthy stream", "key", s.Key(), "err", err)
		}
		desired[s.Key()] = s.Options()
		keys = append(keys, s.Key())
		c.metrics.StreamRestarts.Add(ctx, 1)
	}
	slog.Info("restarting unhealthy transcription streams", "keys", keys)
	c.startAll(ctx, keys, desired)
	return keys
}

// Keys returns the keys of the running streams, sorted.
func (c *Coordinator) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.streams))
}

// Stream returns the running stream for key, or nil.
func (c *Coordinator) Stream(key string) *Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streams[key]
}

// Health returns a snapshot of every running stream, sorted by key.
func (c *Coordinator) Health() []Health {
	streams := c.snapshot()
	out := make([]Health, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Health())
	}
	slices.SortFunc(out, func(a, b Health) int { return cmp.Compare(a.Key, b.Key) })
	return out
}

// Close closes every stream, flushing pending interims as finals. Later
// Reconcile calls return [ErrClosed]. Calling Close more than once is safe.
func (c *Coordinator) Close(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := slices.Collect(maps.Values(c.streams))
	clear(c.streams)
	c.mu.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) snapshot() []*Stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Collect(maps.Values(c.streams))
}
