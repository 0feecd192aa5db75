// Package playback renders synthesised audio payloads on the local output
// device.
//
// [ExecPlayer] materialises each payload as a temporary file and hands it to a
// system player process. The file is the per-utterance playback resource: it
// is removed when Play returns, whether playback finished, failed or was
// cancelled.
package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// Player plays a complete audio payload. Play blocks until playback ends or
// ctx is cancelled. Implementations must be safe for concurrent use.
type Player interface {
	Play(ctx context.Context, audio tts.Audio) error
}

// ErrNoPlayer is returned when no player binary can be found.
var ErrNoPlayer = errors.New("playback: no audio player found")

// Command describes a player executable and the arguments placed before the
// file path.
type Command struct {
	Name string
	Args []string
}

// DefaultCommands are tried in order when no command is configured.
var DefaultCommands = []Command{
	{Name: "paplay"},
	{Name: "aplay", Args: []string{"-q"}},
	{Name: "afplay"},
	{Name: "ffplay", Args: []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}},
}

// Runner executes a player process and blocks until it exits. Cancelling ctx
// must terminate the process.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Option configures an ExecPlayer.
type Option func(*ExecPlayer)

// WithCommand pins the player command.
func WithCommand(c Command) Option {
	return func(p *ExecPlayer) { p.candidates = []Command{c} }
}

// WithRunner replaces the process runner. Used in tests.
func WithRunner(r Runner) Option {
	return func(p *ExecPlayer) { p.run = r }
}

// WithLookPath replaces exec.LookPath. Used in tests.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(p *ExecPlayer) { p.lookPath = fn }
}

// WithTempDir sets the directory for playback files. Empty means os.TempDir.
func WithTempDir(dir string) Option {
	return func(p *ExecPlayer) { p.tempDir = dir }
}

// ExecPlayer plays audio through an external player process.
type ExecPlayer struct {
	candidates []Command
	run        Runner
	lookPath   func(string) (string, error)
	tempDir    string

	once    sync.Once
	command Command
	found   bool

	// live counts playback files that exist on disk.
	live atomic.Int64
}

// NewExecPlayer creates an ExecPlayer.
func NewExecPlayer(opts ...Option) *ExecPlayer {
	p := &ExecPlayer{
		candidates: DefaultCommands,
		run:        execRunner,
		lookPath:   exec.LookPath,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *ExecPlayer) resolve() (Command, bool) {
	p.once.Do(func() {
		for _, c := range p.candidates {
			if path, err := p.lookPath(c.Name); err == nil {
				p.command = Command{Name: path, Args: c.Args}
				p.found = true
				return
			}
		}
	})
	return p.command, p.found
}

// Available reports whether a player binary was found.
func (p *ExecPlayer) Available() bool {
	_, ok := p.resolve()
	return ok
}

// LiveFiles reports how many playback files currently exist.
func (p *ExecPlayer) LiveFiles() int64 { return p.live.Load() }

// Play writes audio to a temporary file, runs the player on it and removes
// the file before returning.
func (p *ExecPlayer) Play(ctx context.Context, audio tts.Audio) error {
	cmd, ok := p.resolve()
	if !ok {
		return ErrNoPlayer
	}
	if len(audio.Data) == 0 {
		return errors.New("playback: empty audio payload")
	}

	f, err := os.CreateTemp(p.tempDir, "bridgespeak-*."+extension(audio.Container))
	if err != nil {
		return fmt.Errorf("playback: create temp file: %w", err)
	}
	p.live.Add(1)
	path := f.Name()
	defer func() {
		_ = os.Remove(path)
		p.live.Add(-1)
	}()

	if _, err := f.Write(audio.Data); err != nil {
		_ = f.Close()
		return fmt.Errorf("playback: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("playback: close temp file: %w", err)
	}

	args := append(append([]string(nil), cmd.Args...), path)
	if err := p.run(ctx, cmd.Name, args...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback: %s: %w", cmd.Name, err)
	}
	return nil
}

func extension(c tts.Container) string {
	switch c {
	case tts.ContainerMP3:
		return "mp3"
	case tts.ContainerRaw:
		return "raw"
	default:
		return "wav"
	}
}
