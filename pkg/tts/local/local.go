// Package local provides the last-resort TTS tier: the system speech
// synthesizer (espeak-ng, falling back to espeak). It plays audio directly on
// the local output device and therefore implements [tts.Speaker] rather than
// [tts.Synthesizer].
package local

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

var _ tts.Speaker = (*Provider)(nil)

// Name is the tier name used in configuration.
const Name = "local"

// Fixed voice settings. Rate, pitch and volume are relative to the
// synthesizer's defaults.
const (
	Rate   = 0.9
	Pitch  = 1.0
	Volume = 0.8
)

// espeak defaults that the relative settings scale.
const (
	espeakDefaultWPM   = 175
	espeakDefaultPitch = 50
	espeakMaxPitch     = 99
	espeakDefaultAmp   = 100
)

// DefaultBinaries are tried in order when no binary is configured.
var DefaultBinaries = []string{"espeak-ng", "espeak"}

// Runner executes the synthesizer and blocks until it exits. Cancelling ctx
// must terminate the process.
type Runner func(ctx context.Context, name string, args ...string) error

// ExecRunner runs the command with os/exec. The process is killed when ctx is
// cancelled.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Option is a functional option for configuring a local Provider.
type Option func(*Provider)

// WithBinary pins the synthesizer executable instead of searching
// [DefaultBinaries].
func WithBinary(path string) Option {
	return func(p *Provider) { p.candidates = []string{path} }
}

// WithRunner replaces the process runner. Used in tests.
func WithRunner(r Runner) Option {
	return func(p *Provider) { p.run = r }
}

// WithLookPath replaces exec.LookPath. Used in tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *Provider) { p.lookPath = fn }
}

// Provider implements the local tier.
type Provider struct {
	candidates []string
	run        Runner
	lookPath   func(string) (string, error)

	once   sync.Once
	binary string
}

// New creates a local Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		candidates: DefaultBinaries,
		run:        ExecRunner,
		lookPath:   exec.LookPath,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns [Name].
func (p *Provider) Name() string { return Name }

// Available reports whether a synthesizer binary was found on PATH. The lookup
// runs once.
func (p *Provider) Available() bool {
	return p.resolve() != ""
}

func (p *Provider) resolve() string {
	p.once.Do(func() {
		for _, c := range p.candidates {
			if path, err := p.lookPath(c); err == nil {
				p.binary = path
				return
			}
		}
	})
	return p.binary
}

// Args returns the synthesizer arguments for one utterance. The language code
// is passed verbatim as the voice.
func Args(text, language string) []string {
	rate, pitch, volume := float64(Rate), float64(Pitch), float64(Volume)
	args := []string{
		"-s", strconv.Itoa(int(espeakDefaultWPM * rate)),
		"-p", strconv.Itoa(min(int(espeakDefaultPitch*pitch), espeakMaxPitch)),
		"-a", strconv.Itoa(int(espeakDefaultAmp * volume)),
	}
	if language != "" {
		args = append(args, "-v", language)
	}
	// "--" keeps text that starts with a dash from being parsed as a flag.
	return append(args, "--", text)
}

// Speak synthesises and plays text, blocking until playback ends or ctx is
// cancelled.
func (p *Provider) Speak(ctx context.Context, text, language string) error {
	bin := p.resolve()
	if bin == "" {
		return &tts.ProviderError{Provider: Name, Class: tts.ErrUnavailable, Err: errors.New("no speech synthesizer found")}
	}
	if err := p.run(ctx, bin, Args(text, language)...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &tts.ProviderError{Provider: Name, Class: tts.ErrFatal, Err: err}
	}
	return nil
}
