// Package speech implements the hybrid speech core: it speaks an utterance
// through the highest-priority TTS tier that is currently usable.
//
// Tiers are tried in the order of the [resilience.TierChain]. Payloads
// produced by synthesizing tiers are cached per (tier, language, text) and
// played through a [playback.Player]; speaking tiers render the utterance
// themselves. At most one utterance is in progress at any time: a new Speak
// stops the current one and waits for it to wind down before starting.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/bridgespeak/internal/observe"
	"github.com/MrWong99/bridgespeak/internal/resilience"
	"github.com/MrWong99/bridgespeak/pkg/cache"
	"github.com/MrWong99/bridgespeak/pkg/playback"
	"github.com/MrWong99/bridgespeak/pkg/tts"
	"github.com/MrWong99/bridgespeak/pkg/tts/backend"
	"github.com/MrWong99/bridgespeak/pkg/tts/cartesia"
	"github.com/MrWong99/bridgespeak/pkg/tts/local"
)

var (
	// ErrNoProvider is returned by Speak when no tier was usable.
	ErrNoProvider = resilience.ErrNoProvider

	// ErrAllFailed is returned by Speak when every usable tier failed. The
	// error also wraps the failure of the last tier.
	ErrAllFailed = resilience.ErrAllFailed

	// ErrStopped is returned by Speak when the utterance was interrupted by
	// Stop or by a newer Speak.
	ErrStopped = errors.New("speech: stopped")

	// ErrEmptyText is returned by Speak and ignored by Preload.
	ErrEmptyText = errors.New("speech: empty text")
)

// Options adjusts a single Speak call.
type Options struct {
	// ForceBackend starts the walk at the backend tier.
	ForceBackend bool `json:"forceBackend,omitempty"`

	// ForceLocal starts the walk at the local tier, which is last in the
	// chain.
	ForceLocal bool `json:"forceLocal,omitempty"`
}

// TaskState is the lifecycle state of one utterance.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskSpeaking  TaskState = "speaking"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether s ends a task.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// TaskEvent reports a task state change. Provider is set from
// [TaskSpeaking] onward; Err is set for [TaskFailed].
type TaskEvent struct {
	ID       uint64
	Text     string
	Language string
	State    TaskState
	Provider string
	Err      error
}

// Status is a snapshot of tier availability.
type Status struct {
	Premium   bool     `json:"premium"`
	Backend   bool     `json:"backend"`
	Local     bool     `json:"local"`
	Speaking  string   `json:"speaking,omitempty"`
	Provider  string   `json:"provider,omitempty"`
	Available []string `json:"available"`
}

// Config holds the dependencies of a [Core].
type Config struct {
	// Chain is the tier chain in priority order. Required.
	Chain *resilience.TierChain

	// Cache holds synthesized payloads. Nil creates a cache with defaults.
	Cache *cache.AudioCache

	// Player plays synthesized payloads. Synthesizing tiers fail with
	// [playback.ErrNoPlayer] when nil.
	Player playback.Player

	// Metrics records tier attempts. Nil disables metrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Observer receives task events synchronously. It must not block and
	// must not call back into the Core.
	Observer func(TaskEvent)

	// Tier names reported by Status and used by the force options. They
	// default to the names of the built-in tiers.
	PremiumName string
	BackendName string
	LocalName   string
}

// Core is the hybrid speech core. All methods are safe for concurrent use.
type Core struct {
	chain    *resilience.TierChain
	cache    *cache.AudioCache
	player   playback.Player
	metrics  *observe.Metrics
	log      *slog.Logger
	observer func(TaskEvent)

	premium, backend, local string

	preload singleflight.Group

	mu      sync.Mutex
	seq     uint64
	current *task
}

type task struct {
	id       uint64
	text     string
	lang     string
	cancel   context.CancelCauseFunc
	done     chan struct{}
	provider string // guarded by Core.mu
}

// New creates a Core.
func New(cfg Config) (*Core, error) {
	if cfg.Chain == nil {
		return nil, errors.New("speech: tier chain is required")
	}
	c := &Core{
		chain:    cfg.Chain,
		cache:    cfg.Cache,
		player:   cfg.Player,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		observer: cfg.Observer,
		premium:  cfg.PremiumName,
		backend:  cfg.BackendName,
		local:    cfg.LocalName,
	}
	if c.cache == nil {
		c.cache = cache.New()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.premium == "" {
		c.premium = cartesia.Name
	}
	if c.backend == "" {
		c.backend = backend.Name
	}
	if c.local == "" {
		c.local = local.Name
	}
	return c, nil
}

// Speak stops any utterance in progress and speaks text in language. It
// blocks until the utterance finished, failed or was interrupted.
//
// The returned error is nil on success, [ErrStopped] when interrupted,
// ctx's error when ctx ended, [ErrNoProvider] when no tier was usable and
// an error wrapping [ErrAllFailed] otherwise.
func (c *Core) Speak(ctx context.Context, text, language string, opts Options) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	from := ""
	switch {
	case opts.ForceLocal:
		from = c.local
	case opts.ForceBackend:
		from = c.backend
	}
	if from != "" {
		if _, ok := c.chain.Get(from); !ok {
			return fmt.Errorf("%w: tier %q is not configured", ErrNoProvider, from)
		}
	}

	ctx, span := observe.StartSpan(ctx, "speech.speak", trace.WithAttributes(
		attribute.String("tts.language", language),
		attribute.Int("tts.text_length", len(text)),
	))
	defer span.End()

	tctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.seq++
	t := &task{
		id:     c.seq,
		text:   text,
		lang:   language,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	prev := c.current
	c.current = t
	c.mu.Unlock()

	defer c.finish(t)
	c.emit(t, TaskQueued, "", nil)

	if prev != nil {
		prev.cancel(ErrStopped)
		<-prev.done
	}

	var name string
	var err error
	if tctx.Err() == nil {
		name, err = c.chain.Execute(tctx, from, func(ctx context.Context, p tts.Provider) error {
			return c.attempt(ctx, t, p)
		})
	}

	switch {
	case tctx.Err() != nil:
		cause := context.Cause(tctx)
		c.emit(t, TaskCancelled, name, nil)
		if errors.Is(cause, ErrStopped) {
			return ErrStopped
		}
		return cause
	case err != nil:
		c.log.Warn("speech: utterance failed", "text", t.text, "language", language, "err", err)
		c.emit(t, TaskFailed, name, err)
		return err
	}
	c.emit(t, TaskDone, name, nil)
	return nil
}

func (c *Core) finish(t *task) {
	c.mu.Lock()
	if c.current == t {
		c.current = nil
	}
	t.provider = ""
	c.mu.Unlock()
	close(t.done)
}

// attempt speaks t through one tier.
func (c *Core) attempt(ctx context.Context, t *task, p tts.Provider) error {
	name := p.Name()
	c.mu.Lock()
	t.provider = name
	c.mu.Unlock()
	c.emit(t, TaskSpeaking, name, nil)

	ctx, span := observe.StartSpan(ctx, "speech.attempt", trace.WithAttributes(attribute.String("tts.provider", name)))
	defer span.End()

	start := time.Now()
	var err error
	switch v := p.(type) {
	case tts.Synthesizer:
		err = c.synthesizeAndPlay(ctx, v, t.text, t.lang)
	case tts.Speaker:
		err = v.Speak(ctx, t.text, t.lang)
	default:
		err = fmt.Errorf("speech: tier %q can neither synthesize nor speak: %w", name, tts.ErrFatal)
	}
	if c.metrics != nil {
		c.metrics.RecordTTSAttempt(context.WithoutCancel(ctx), name, tts.Kind(err), time.Since(start).Seconds())
	}
	if err != nil && ctx.Err() == nil {
		observe.Fail(span, err, tts.Kind(err))
		c.log.Debug("speech: tier failed", "provider", name, "err", err)
	}
	return err
}

func (c *Core) synthesizeAndPlay(ctx context.Context, s tts.Synthesizer, text, lang string) error {
	if c.player == nil {
		return fmt.Errorf("speech: %w", playback.ErrNoPlayer)
	}
	audio, err := c.synthesize(ctx, s, text, lang)
	if err != nil {
		return err
	}
	if err := c.player.Play(ctx, audio); err != nil {
		return fmt.Errorf("speech: play %s audio: %w", s.Name(), err)
	}
	return nil
}

// synthesize returns the cached payload for (s, lang, text) or fetches and
// caches a new one.
func (c *Core) synthesize(ctx context.Context, s tts.Synthesizer, text, lang string) (tts.Audio, error) {
	key := cache.Key{Provider: s.Name(), Language: lang, Text: text}
	if data, ok := c.cache.Lookup(key); ok {
		return tts.Audio{Data: data, Container: tts.DetectContainer(data)}, nil
	}
	audio, err := s.Synthesize(ctx, text, lang)
	if err != nil {
		return tts.Audio{}, err
	}
	if len(audio.Data) == 0 {
		return tts.Audio{}, &tts.ProviderError{Provider: s.Name(), Class: tts.ErrFatal, Err: errors.New("empty payload")}
	}
	c.cache.Store(key, audio.Data)
	return audio, nil
}

// Stop interrupts the utterance in progress and waits for it to end. It is a
// no-op when nothing is being spoken.
func (c *Core) Stop() {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel(ErrStopped)
	<-t.done
}

// Preload synthesizes text with the highest-priority usable synthesizing
// tier and stores the payload in the cache. Nothing is played. Failures are
// logged and otherwise ignored. Concurrent preloads of the same utterance
// share one request.
func (c *Core) Preload(ctx context.Context, text, language string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s := c.preloadTier(ctx)
	if s == nil {
		c.log.Debug("speech: no tier to preload with", "text", text)
		return
	}
	key := cache.Key{Provider: s.Name(), Language: language, Text: text}
	if _, ok := c.cache.Lookup(key); ok {
		return
	}

	_, err, shared := c.preload.Do(s.Name()+"\x00"+language+"\x00"+text, func() (any, error) {
		_, err := c.synthesize(ctx, s, text, language)
		return nil, err
	})
	if err == nil {
		return
	}
	if !shared && errors.Is(err, tts.ErrQuotaExceeded) {
		c.chain.Disable(s.Name(), err)
	}
	c.log.Warn("speech: preload failed", "provider", s.Name(), "text", text, "err", err)
}

func (c *Core) preloadTier(ctx context.Context) tts.Synthesizer {
	for _, name := range c.chain.Available() {
		p, ok := c.chain.Get(name)
		if !ok {
			continue
		}
		s, ok := p.(tts.Synthesizer)
		if !ok {
			continue
		}
		if pr, ok := p.(tts.Prober); ok && !pr.Probe(ctx) {
			continue
		}
		return s
	}
	return nil
}

// Status reports which tiers are usable and what is being spoken.
func (c *Core) Status() Status {
	st := Status{
		Premium:   c.chain.Eligible(c.premium),
		Backend:   c.chain.Eligible(c.backend),
		Local:     c.chain.Eligible(c.local),
		Available: c.chain.Available(),
	}
	if st.Available == nil {
		st.Available = []string{}
	}
	c.mu.Lock()
	if t := c.current; t != nil && t.provider != "" {
		st.Speaking, st.Provider = t.text, t.provider
	}
	c.mu.Unlock()
	return st
}

// Speaking reports whether an utterance is in progress.
func (c *Core) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// CacheStats returns a snapshot of the audio cache.
func (c *Core) CacheStats() cache.Stats { return c.cache.Stats() }

// ClearCache drops every cached payload.
func (c *Core) ClearCache() {
	c.cache.Clear()
	c.log.Info("speech: cache cleared")
}

func (c *Core) emit(t *task, s TaskState, provider string, err error) {
	if c.observer == nil {
		return
	}
	c.observer(TaskEvent{
		ID:       t.id,
		Text:     t.text,
		Language: t.lang,
		State:    s,
		Provider: provider,
		Err:      err,
	})
}
