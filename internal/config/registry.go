package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

var (
	// ErrProviderNotRegistered is returned by [Registry.CreateTTS] when no
	// factory has been registered under the requested name.
	ErrProviderNotRegistered = errors.New("config: provider not registered")

	// ErrTierDisabled is returned by a factory whose tier is not configured
	// (e.g. the premium tier without an API key). [Registry.BuildTiers] skips
	// such tiers.
	ErrTierDisabled = errors.New("config: tier disabled")
)

// TierFactory builds one TTS tier from the tts section.
type TierFactory func(cfg TTSConfig) (tts.Provider, error)

// Registry maps TTS tier names to their factories. It is safe for concurrent
// use.
type Registry struct {
	mu  sync.RWMutex
	tts map[string]TierFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{tts: make(map[string]TierFactory)}
}

// RegisterTTS registers a tier factory under name. A later registration with
// the same name replaces the earlier one.
func (r *Registry) RegisterTTS(name string, factory TierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// Names returns the registered tier names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tts))
	for n := range r.tts {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateTTS builds the tier registered under name.
func (r *Registry) CreateTTS(name string, cfg TTSConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, name)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if p.Name() != name {
		return nil, fmt.Errorf("config: factory for %q built tier %q", name, p.Name())
	}
	return p, nil
}

// BuildTiers builds the tiers named in cfg.ProviderOrder, in that order.
// Unregistered and disabled tiers are skipped with a log line; any other
// factory error aborts.
func (r *Registry) BuildTiers(cfg TTSConfig) ([]tts.Provider, error) {
	var tiers []tts.Provider
	for _, name := range cfg.ProviderOrder {
		p, err := r.CreateTTS(name, cfg)
		switch {
		case errors.Is(err, ErrProviderNotRegistered):
			slog.Warn("tts tier not registered, skipping", "name", name)
		case errors.Is(err, ErrTierDisabled):
			slog.Info("tts tier disabled, skipping", "name", name, "reason", err)
		case err != nil:
			return nil, fmt.Errorf("config: create tts tier %q: %w", name, err)
		default:
			tiers = append(tiers, p)
			slog.Info("tts tier created", "name", name, "priority", len(tiers))
		}
	}
	return tiers, nil
}
