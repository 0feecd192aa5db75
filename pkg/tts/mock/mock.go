// Package mock provides test doubles for the tts tier interfaces.
//
// Synthesizer returns a configured payload or error and records every call.
// Speaker records calls and, when Block is set, blocks until its context is
// cancelled so that tests can observe an utterance in progress.
//
// Example:
//
//	premium := &mock.Synthesizer{
//	    ProviderName: "cartesia",
//	    Audio:        tts.Audio{Data: []byte("wav"), Container: tts.ContainerWAV},
//	}
//	audio, _ := premium.Synthesize(ctx, "Hello", "en-IE")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.Speaker     = (*Speaker)(nil)
	_ tts.Prober      = (*Synthesizer)(nil)
)

// Call records a single Synthesize or Speak invocation.
type Call struct {
	// Text is the utterance passed to the call.
	Text string
	// Language is the language code passed to the call.
	Language string
}

// Synthesizer is a mock implementation of tts.Synthesizer and tts.Prober.
type Synthesizer struct {
	mu sync.Mutex

	// ProviderName is returned by Name.
	ProviderName string

	// Unavailable makes Available report false.
	Unavailable bool

	// ProbeResult is returned by Probe. ProbeCalls counts invocations.
	ProbeResult bool
	ProbeCalls  int

	// Audio is returned by Synthesize when Err is nil.
	Audio tts.Audio

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// DisableOnErr makes Available report false after Err was returned once,
	// mimicking a tier that disables itself on a quota error.
	DisableOnErr bool

	// Gate, if non-nil, is received from before Synthesize returns. Closing it
	// releases all pending calls.
	Gate chan struct{}

	// Calls records every Synthesize call in order.
	Calls []Call
}

// Name returns ProviderName.
func (s *Synthesizer) Name() string { return s.ProviderName }

// Available reports !Unavailable.
func (s *Synthesizer) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Unavailable
}

// Probe records the call and returns ProbeResult.
func (s *Synthesizer) Probe(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProbeCalls++
	return s.ProbeResult
}

// Synthesize records the call and returns Audio or Err.
func (s *Synthesizer) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, Call{Text: text, Language: language})
	gate := s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		if s.DisableOnErr {
			s.Unavailable = true
		}
		return tts.Audio{}, s.Err
	}
	audio := s.Audio
	audio.Data = append([]byte(nil), s.Audio.Data...)
	return audio, nil
}

// CallCount returns the number of recorded Synthesize calls.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Speaker is a mock implementation of tts.Speaker.
type Speaker struct {
	mu sync.Mutex

	// ProviderName is returned by Name.
	ProviderName string

	// Unavailable makes Available report false.
	Unavailable bool

	// Err, if non-nil, is returned by Speak.
	Err error

	// Block makes Speak wait for context cancellation.
	Block bool

	// Started, if non-nil, receives one value each time Speak starts.
	Started chan Call

	// Calls records every Speak call in order.
	Calls []Call
}

// Name returns ProviderName.
func (s *Speaker) Name() string { return s.ProviderName }

// Available reports !Unavailable.
func (s *Speaker) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Unavailable
}

// Speak records the call, optionally blocks until ctx is done, and returns Err.
func (s *Speaker) Speak(ctx context.Context, text, language string) error {
	call := Call{Text: text, Language: language}
	s.mu.Lock()
	s.Calls = append(s.Calls, call)
	block, started, err := s.Block, s.Started, s.Err
	s.mu.Unlock()

	if started != nil {
		started <- call
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// CallCount returns the number of recorded Speak calls.
func (s *Speaker) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
