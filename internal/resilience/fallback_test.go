package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type entry struct {
	name        string
	unavailable bool
}

func (e *entry) Name() string    { return e.name }
func (e *entry) Available() bool { return !e.unavailable }

func newGroup(cfg FallbackConfig, names ...string) (*FallbackGroup[*entry], []*entry) {
	entries := make([]*entry, len(names))
	for i, n := range names {
		entries[i] = &entry{name: n}
	}
	return NewFallbackGroup(cfg, entries...), entries
}

func TestFallbackGroup_FirstSuccessWins(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "primary", "secondary")

	var calls []string
	name, err := fg.Execute(context.Background(), "", func(_ context.Context, e *entry) error {
		calls = append(calls, e.name)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "primary" || !slices.Equal(calls, []string{"primary"}) {
		t.Errorf("name = %q, calls = %v", name, calls)
	}
}

func TestFallbackGroup_FallsThrough(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "primary", "secondary", "tertiary")

	got, name, err := ExecuteWithResult(context.Background(), fg, "", func(_ context.Context, e *entry) (string, error) {
		if e.name == "tertiary" {
			return "ok from " + e.name, nil
		}
		return "", errTest
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "tertiary" || got != "ok from tertiary" {
		t.Errorf("got %q from %q", got, name)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "a", "b")
	last := errors.New("b broke")

	_, err := fg.Execute(context.Background(), "", func(_ context.Context, e *entry) error {
		if e.name == "b" {
			return last
		}
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("err = %v, should wrap the last failure", err)
	}
}

func TestFallbackGroup_NoProvider(t *testing.T) {
	t.Parallel()

	fg, entries := newGroup(FallbackConfig{}, "a", "b")
	for _, e := range entries {
		e.unavailable = true
	}

	called := false
	_, err := fg.Execute(context.Background(), "", func(context.Context, *entry) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
	if called {
		t.Error("fn must not be called")
	}
	if got := fg.Available(); len(got) != 0 {
		t.Errorf("Available = %v, want none", got)
	}
}

func TestFallbackGroup_ReadyGate(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "a", "b")
	fg.SetReady(func(_ context.Context, e *entry) bool { return e.name != "a" })

	name, err := fg.Execute(context.Background(), "", func(context.Context, *entry) error { return nil })
	if err != nil || name != "b" {
		t.Fatalf("name = %q, err = %v, want b", name, err)
	}

	// Nothing ready and nothing attempted.
	fg.SetReady(func(context.Context, *entry) bool { return false })
	if _, err := fg.Execute(context.Background(), "", func(context.Context, *entry) error { return nil }); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestFallbackGroup_StartFrom(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "a", "b", "c")

	var calls []string
	name, err := fg.Execute(context.Background(), "b", func(_ context.Context, e *entry) error {
		calls = append(calls, e.name)
		return nil
	})
	if err != nil || name != "b" {
		t.Fatalf("name = %q, err = %v", name, err)
	}
	if !slices.Equal(calls, []string{"b"}) {
		t.Errorf("calls = %v", calls)
	}

	if _, err := fg.Execute(context.Background(), "zzz", func(context.Context, *entry) error { return nil }); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("err = %v, want ErrUnknownEntry", err)
	}
}

func TestFallbackGroup_DisableOn(t *testing.T) {
	t.Parallel()

	errQuota := errors.New("quota")
	fg, _ := newGroup(FallbackConfig{
		DisableOn: func(err error) bool { return errors.Is(err, errQuota) },
	}, "premium", "standard")

	calls := map[string]int{}
	run := func() string {
		name, err := fg.Execute(context.Background(), "", func(_ context.Context, e *entry) error {
			calls[e.name]++
			if e.name == "premium" {
				return errQuota
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return name
	}

	if got := run(); got != "standard" {
		t.Fatalf("first call served by %q", got)
	}
	if got := run(); got != "standard" {
		t.Fatalf("second call served by %q", got)
	}
	if calls["premium"] != 1 {
		t.Errorf("premium called %d times, want 1", calls["premium"])
	}
	if !fg.Disabled("premium") || fg.Eligible("premium") {
		t.Error("premium should be disabled")
	}

	fg.Enable("premium")
	if fg.Disabled("premium") {
		t.Error("premium should be enabled again")
	}
}

func TestFallbackGroup_CancellationStopsWalk(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{}, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	_, err := fg.Execute(ctx, "", func(ctx context.Context, e *entry) error {
		calls = append(calls, e.name)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("cancellation must not be reported as ErrAllFailed")
	}
	if !slices.Equal(calls, []string{"a"}) {
		t.Errorf("calls = %v, want only a", calls)
	}
}

func TestFallbackGroup_BreakerSkipsEntry(t *testing.T) {
	t.Parallel()

	fg, _ := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, "flaky", "stable")

	calls := map[string]int{}
	for range 4 {
		name, err := fg.Execute(context.Background(), "", func(_ context.Context, e *entry) error {
			calls[e.name]++
			if e.name == "flaky" {
				return errTest
			}
			return nil
		})
		if err != nil || name != "stable" {
			t.Fatalf("name = %q, err = %v", name, err)
		}
	}
	if calls["flaky"] != 2 {
		t.Errorf("flaky called %d times, want 2 before the breaker opened", calls["flaky"])
	}
	if st, _ := fg.BreakerState("flaky"); st != StateOpen {
		t.Errorf("breaker = %v, want open", st)
	}
	if got := fg.Available(); !slices.Equal(got, []string{"stable"}) {
		t.Errorf("Available = %v", got)
	}
}

func TestFallbackGroup_Lookup(t *testing.T) {
	t.Parallel()

	fg, entries := newGroup(FallbackConfig{}, "a", "b")
	if got := fg.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names = %v", got)
	}
	if e, ok := fg.Get("b"); !ok || e != entries[1] {
		t.Errorf("Get(b) = %v, %v", e, ok)
	}
	if _, ok := fg.Get("c"); ok {
		t.Error("Get(c) should miss")
	}
	if _, ok := fg.BreakerState("c"); ok {
		t.Error("BreakerState(c) should miss")
	}
}
