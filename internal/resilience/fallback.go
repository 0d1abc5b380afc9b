package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// entry in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// IsFailure decides whether an error trips the entry's breaker.
	// Default: every error except context cancellation.
	IsFailure func(error) bool
}

// fallbackEntry pairs a value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// type. When the primary fails (or its circuit breaker is open), the next
// healthy fallback is tried in registration order.
//
// Entries are registered before the group is shared; calls are then safe
// for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// BreakerStatus is the breaker state of one group entry.
type BreakerStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}

// Status returns the breaker state of every entry in order.
func (fg *FallbackGroup[T]) Status() []BreakerStatus {
	out := make([]BreakerStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = BreakerStatus{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning the result value and the name of the entry that produced it. It is
// a package-level function because Go does not support method-level type
// parameters.
//
// Errors the group does not count as failures are returned immediately;
// later entries would fail the same way.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.ExecuteFiltered(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		}, fg.cfg.IsFailure)
		if err == nil {
			return result, entry.name, nil
		}
		if !errors.Is(err, ErrCircuitOpen) && !fg.cfg.IsFailure(err) {
			return zero, entry.name, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
