package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// TierChain is the ordered TTS tier chain.
type TierChain = FallbackGroup[tts.Provider]

// NewTierChain builds a [TierChain] over tiers in priority order.
//
// Quota errors ([tts.ErrQuotaExceeded]) take a tier out of the chain for the
// rest of the session. Tiers implementing [tts.Prober] are probed before each
// attempt; the probe result is cached by the tier, and a failed probe skips
// the tier without failing the call.
func NewTierChain(cb CircuitBreakerConfig, log *slog.Logger, tiers ...tts.Provider) *TierChain {
	chain := NewFallbackGroup(FallbackConfig{
		CircuitBreaker: cb,
		DisableOn:      func(err error) bool { return errors.Is(err, tts.ErrQuotaExceeded) },
		Logger:         log,
	}, tiers...)
	chain.SetReady(probeReady)
	return chain
}

func probeReady(ctx context.Context, p tts.Provider) bool {
	if pr, ok := p.(tts.Prober); ok {
		return pr.Probe(ctx)
	}
	return true
}
