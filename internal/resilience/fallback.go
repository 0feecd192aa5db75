package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAllFailed is returned when every attempted entry failed. It wraps
	// the last underlying error.
	ErrAllFailed = errors.New("resilience: all providers failed")

	// ErrNoProvider is returned before any attempt when no entry is
	// eligible.
	ErrNoProvider = errors.New("resilience: no provider available")

	// ErrUnknownEntry is returned when a start entry is not part of the
	// group.
	ErrUnknownEntry = errors.New("resilience: unknown provider")
)

// Entry is the minimum a group member must implement.
type Entry interface {
	Name() string
	Available() bool
}

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is set
	// per entry.
	CircuitBreaker CircuitBreakerConfig

	// DisableOn reports whether err must take the entry out of the rotation
	// for the lifetime of the group (e.g. a quota error). Nil never disables.
	DisableOn func(err error) bool

	// Logger receives failover records. Nil uses slog.Default.
	Logger *slog.Logger
}

// Ready is an optional per-attempt gate, e.g. a cached health probe.
type Ready[T Entry] func(ctx context.Context, entry T) bool

type fallbackEntry[T Entry] struct {
	value    T
	breaker  *CircuitBreaker
	disabled error // non-nil once DisableOn matched
}

// FallbackGroup holds entries in priority order.
type FallbackGroup[T Entry] struct {
	cfg   FallbackConfig
	log   *slog.Logger
	ready Ready[T]

	mu      sync.RWMutex
	entries []*fallbackEntry[T]
}

// NewFallbackGroup creates a group over entries, tried in the given order.
func NewFallbackGroup[T Entry](cfg FallbackConfig, entries ...T) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	if fg.log == nil {
		fg.log = slog.Default()
	}
	for _, e := range entries {
		fg.Add(e)
	}
	return fg
}

// Add appends an entry with the lowest priority.
func (fg *FallbackGroup[T]) Add(e T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = e.Name()
	fg.mu.Lock()
	fg.entries = append(fg.entries, &fallbackEntry[T]{value: e, breaker: NewCircuitBreaker(cb)})
	fg.mu.Unlock()
}

// SetReady installs a readiness gate consulted before each attempt.
func (fg *FallbackGroup[T]) SetReady(r Ready[T]) { fg.ready = r }

// Names returns all entry names in priority order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.value.Name()
	}
	return out
}

// Get returns the entry called name.
func (fg *FallbackGroup[T]) Get(name string) (T, bool) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.value.Name() == name {
			return e.value, true
		}
	}
	var zero T
	return zero, false
}

// Disable removes name from the rotation until [FallbackGroup.Enable].
func (fg *FallbackGroup[T]) Disable(name string, reason error) {
	if reason == nil {
		reason = errors.New("disabled")
	}
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.value.Name() == name && e.disabled == nil {
			e.disabled = reason
			fg.log.Warn("resilience: provider disabled", "provider", name, "reason", reason)
		}
	}
}

// Enable puts a disabled entry back into the rotation and resets its breaker.
func (fg *FallbackGroup[T]) Enable(name string) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for _, e := range fg.entries {
		if e.value.Name() == name {
			e.disabled = nil
			e.breaker.Reset()
		}
	}
}

// Disabled reports whether name was disabled.
func (fg *FallbackGroup[T]) Disabled(name string) bool {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.value.Name() == name {
			return e.disabled != nil
		}
	}
	return false
}

// BreakerState returns the breaker state of name.
func (fg *FallbackGroup[T]) BreakerState(name string) (State, bool) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.value.Name() == name {
			return e.breaker.State(), true
		}
	}
	return StateClosed, false
}

// Eligible reports whether name is currently in the rotation: available, not
// disabled and with a breaker that would admit a call. It performs no I/O.
func (fg *FallbackGroup[T]) Eligible(name string) bool {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.value.Name() == name {
			return fg.eligible(e)
		}
	}
	return false
}

// Available returns the names of the eligible entries in priority order.
func (fg *FallbackGroup[T]) Available() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	var out []string
	for _, e := range fg.entries {
		if fg.eligible(e) {
			out = append(out, e.value.Name())
		}
	}
	return out
}

func (fg *FallbackGroup[T]) eligible(e *fallbackEntry[T]) bool {
	return e.disabled == nil && e.value.Available() && e.breaker.State() != StateOpen
}

// candidates returns the eligible entries from the entry called from onward.
// An empty from starts at the top.
func (fg *FallbackGroup[T]) candidates(from string) ([]*fallbackEntry[T], error) {
	fg.mu.RLock()
	defer fg.mu.RUnlock()

	start := 0
	if from != "" {
		start = -1
		for i, e := range fg.entries {
			if e.value.Name() == from {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, from)
		}
	}

	var out []*fallbackEntry[T]
	for _, e := range fg.entries[start:] {
		if fg.eligible(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExecuteWithResult runs fn against each eligible entry, starting at from,
// until one succeeds. It returns the result, the name of the entry that
// produced it and the error.
//
// [ErrNoProvider] is returned without calling fn when nothing is eligible.
// Context cancellation stops the walk immediately and is returned as is.
// Errors matched by DisableOn disable the entry before moving on. When every
// attempt fails the error wraps [ErrAllFailed] and the last underlying error.
//
// This is a package-level function because methods cannot declare type
// parameters.
func ExecuteWithResult[T Entry, R any](ctx context.Context, fg *FallbackGroup[T], from string, fn func(context.Context, T) (R, error)) (R, string, error) {
	var zero R

	cands, err := fg.candidates(from)
	if err != nil {
		return zero, "", err
	}
	if len(cands) == 0 {
		return zero, "", ErrNoProvider
	}

	var lastErr error
	attempted := 0
	for _, e := range cands {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		name := e.value.Name()

		// Re-check: a concurrent call may have disabled the entry.
		fg.mu.RLock()
		skip := e.disabled != nil
		fg.mu.RUnlock()
		if skip {
			continue
		}
		if fg.ready != nil && !fg.ready(ctx, e.value) {
			fg.log.Debug("resilience: provider not ready, skipping", "provider", name)
			continue
		}
		if err := e.breaker.Allow(); err != nil {
			fg.log.Debug("resilience: skipping provider (circuit open)", "provider", name)
			continue
		}

		attempted++
		res, err := fn(ctx, e.value)
		e.breaker.Record(err)
		if err == nil {
			return res, name, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return zero, name, err
		}

		lastErr = err
		if fg.cfg.DisableOn != nil && fg.cfg.DisableOn(err) {
			fg.Disable(name, err)
		}
		fg.log.Warn("resilience: provider failed, trying next", "provider", name, "err", err)
	}

	if attempted == 0 {
		return zero, "", ErrNoProvider
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, from string, fn func(context.Context, T) error) (string, error) {
	_, name, err := ExecuteWithResult(ctx, fg, from, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return name, err
}
