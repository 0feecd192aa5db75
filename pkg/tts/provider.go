// Package tts defines the contract shared by every text-to-speech tier that
// the hybrid speech core can dispatch to.
//
// A tier is a [Provider] plus one of two capabilities:
//
//   - [Synthesizer] returns an audio payload that the caller caches and plays
//     through a player (remote tiers).
//   - [Speaker] plays the utterance by itself and never produces a payload
//     (the local system synthesizer).
//
// Tiers whose availability is decided by a liveness check additionally
// implement [Prober]. Interrupting an utterance is done by cancelling the
// context passed to Synthesize or Speak.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the part of the contract every tier implements.
type Provider interface {
	// Name returns the stable tier name used in configuration, cache keys,
	// logs and metrics (e.g. "cartesia", "backend", "local").
	Name() string

	// Available reports whether the tier is currently willing to serve
	// requests. It must not perform network I/O.
	Available() bool
}

// Synthesizer is implemented by tiers that turn text into an audio payload.
type Synthesizer interface {
	Provider

	// Synthesize converts text spoken in language (a BCP-47 code such as
	// "en-IE") into a complete audio payload.
	//
	// Errors are classified with the sentinels of this package: wrap
	// [ErrUnavailable], [ErrQuotaExceeded], [ErrTransient] or [ErrFatal] so
	// that callers can decide whether to fall through to the next tier.
	Synthesize(ctx context.Context, text, language string) (Audio, error)
}

// Speaker is implemented by tiers that render speech directly to the local
// audio device. Speak blocks until playback finished or ctx is cancelled.
type Speaker interface {
	Provider

	Speak(ctx context.Context, text, language string) error
}

// Prober is implemented by tiers whose availability is established with a
// liveness check. Probe may return a cached result.
type Prober interface {
	Probe(ctx context.Context) bool
}
