package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/bridgespeak/pkg/tts"
	"github.com/MrWong99/bridgespeak/pkg/tts/mock"
)

func synthesize(ctx context.Context, chain *TierChain) (tts.Audio, string, error) {
	return ExecuteWithResult(ctx, chain, "", func(ctx context.Context, p tts.Provider) (tts.Audio, error) {
		return p.(tts.Synthesizer).Synthesize(ctx, "Hello", "en-IE")
	})
}

func TestTierChain_QuotaDisablesPremium(t *testing.T) {
	t.Parallel()

	premium := &mock.Synthesizer{
		ProviderName: "cartesia",
		ProbeResult:  true,
		Err:          &tts.ProviderError{Provider: "cartesia", StatusCode: 402, Class: tts.ErrQuotaExceeded},
	}
	backend := &mock.Synthesizer{
		ProviderName: "backend",
		ProbeResult:  true,
		Audio:        tts.Audio{Data: []byte("RIFF"), Container: tts.ContainerWAV},
	}
	chain := NewTierChain(CircuitBreakerConfig{}, nil, premium, backend)

	for range 3 {
		audio, name, err := synthesize(context.Background(), chain)
		if err != nil {
			t.Fatalf("synthesize: %v", err)
		}
		if name != "backend" || string(audio.Data) != "RIFF" {
			t.Fatalf("got %q from %q", audio.Data, name)
		}
	}
	if n := premium.CallCount(); n != 1 {
		t.Errorf("premium called %d times, want 1", n)
	}
	if !chain.Disabled("cartesia") {
		t.Error("cartesia should be disabled for the session")
	}
}

func TestTierChain_ProbeGatesBackend(t *testing.T) {
	t.Parallel()

	backend := &mock.Synthesizer{ProviderName: "backend", ProbeResult: false}
	local := &mock.Speaker{ProviderName: "local"}
	chain := NewTierChain(CircuitBreakerConfig{}, nil, backend, local)

	name, err := chain.Execute(context.Background(), "", func(ctx context.Context, p tts.Provider) error {
		switch v := p.(type) {
		case tts.Synthesizer:
			_, err := v.Synthesize(ctx, "hi", "en")
			return err
		case tts.Speaker:
			return v.Speak(ctx, "hi", "en")
		}
		return errors.New("unknown tier")
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if name != "local" {
		t.Errorf("served by %q, want local", name)
	}
	if backend.ProbeCalls != 1 {
		t.Errorf("ProbeCalls = %d, want 1", backend.ProbeCalls)
	}
	if backend.CallCount() != 0 {
		t.Error("unhealthy backend must not be called")
	}
	if local.CallCount() != 1 {
		t.Errorf("local calls = %d, want 1", local.CallCount())
	}
}

func TestTierChain_TransientErrorsDoNotDisable(t *testing.T) {
	t.Parallel()

	premium := &mock.Synthesizer{
		ProviderName: "cartesia",
		ProbeResult:  true,
		Err:          &tts.ProviderError{Provider: "cartesia", StatusCode: 503, Class: tts.ErrTransient},
	}
	chain := NewTierChain(CircuitBreakerConfig{MaxFailures: 10}, nil, premium)

	_, _, err := synthesize(context.Background(), chain)
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, tts.ErrTransient) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrTransient", err)
	}
	if chain.Disabled("cartesia") {
		t.Error("transient failure must not disable the tier")
	}
}
