package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/bridgespeak/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
tts:
  provider_order: [backend, local]
  backend:
    base_url: http://localhost:7860
    voices:
      en: en_US-lessac
`

const watcherUpdatedYAML = `
server:
  log_level: debug
tts:
  provider_order: [backend, local]
  backend:
    base_url: http://localhost:7860
    voices:
      en: en_US-amy
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// configFile is a config on disk whose every write gets a distinct mtime.
type configFile struct {
	t     *testing.T
	path  string
	mtime time.Time
}

func newConfigFile(t *testing.T, content string) *configFile {
	t.Helper()
	f := &configFile{t: t, path: filepath.Join(t.TempDir(), "bridgespeak.yaml"), mtime: time.Now()}
	f.write(content)
	return f
}

func (f *configFile) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %q: %v", f.path, err)
	}
	f.touch()
}

func (f *configFile) touch() {
	f.t.Helper()
	f.mtime = f.mtime.Add(time.Second)
	if err := os.Chtimes(f.path, f.mtime, f.mtime); err != nil {
		f.t.Fatalf("chtimes %q: %v", f.path, err)
	}
}

// reloads records watcher callbacks.
type reloads struct {
	calls [][2]*config.Config
}

func (r *reloads) record(old, new *config.Config) {
	r.calls = append(r.calls, [2]*config.Config{old, new})
}

func newWatcher(t *testing.T, f *configFile, r *reloads) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(f.path, r.record, config.WithWatchLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w := newWatcher(t, newConfigFile(t, watcherValidYAML), &reloads{})

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if got := cfg.TTS.Backend.Voices["en"]; got != "en_US-lessac" {
		t.Errorf("backend voice: got %q", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	f := newConfigFile(t, watcherInvalidYAML)
	if _, err := config.NewWatcher(f.path, nil); err == nil {
		t.Fatal("expected error for invalid initial config, got nil")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	r := &reloads{}
	w := newWatcher(t, f, r)

	if w.Check() {
		t.Fatal("Check() on an unchanged file reported a reload")
	}

	f.write(watcherUpdatedYAML)
	if !w.Check() {
		t.Fatal("Check() after an edit did not reload")
	}
	if len(r.calls) != 1 {
		t.Fatalf("callback calls = %d, want 1", len(r.calls))
	}
	old, new := r.calls[0][0], r.calls[0][1]
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("callback log levels: old=%q new=%q", old.Server.LogLevel, new.Server.LogLevel)
	}
	if d := config.Diff(old, new); !d.LogLevelChanged || !d.BackendVoicesChanged || len(d.RestartRequired) != 0 {
		t.Errorf("diff of reloaded config: %+v", d)
	}
	if w.Current() != new {
		t.Error("Current() should return the reloaded config")
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	r := &reloads{}
	w := newWatcher(t, f, r)
	before := w.Current()

	f.write(watcherInvalidYAML)
	if w.Check() {
		t.Fatal("Check() applied an invalid config")
	}
	if w.Current() != before {
		t.Error("Current() changed after an invalid edit")
	}

	// Fixing the file applies it.
	f.write(watcherUpdatedYAML)
	if !w.Check() {
		t.Fatal("Check() did not apply the fixed config")
	}
	if len(r.calls) != 1 || r.calls[0][0] != before {
		t.Errorf("callback calls = %d, want one replacing the original config", len(r.calls))
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	r := &reloads{}
	w := newWatcher(t, f, r)

	f.touch()
	if w.Check() {
		t.Fatal("Check() reloaded a touched but unchanged file")
	}
	if len(r.calls) != 0 {
		t.Errorf("callback calls = %d, want 0", len(r.calls))
	}
}

func TestWatcher_Run(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)

	changed := make(chan *config.Config, 1)
	w, err := config.NewWatcher(f.path, func(_, new *config.Config) { changed <- new },
		config.WithInterval(20*time.Millisecond),
		config.WithWatchLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	f.write(watcherUpdatedYAML)
	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("reloaded log_level: got %q", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
