// Package app wires the BridgeSpeak subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds the speech core, the
// session core and the UI bridge from the config, Run serves the bridge until
// the context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithPlayer, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bridgespeak/internal/config"
	"github.com/MrWong99/bridgespeak/internal/health"
	"github.com/MrWong99/bridgespeak/internal/observe"
	"github.com/MrWong99/bridgespeak/internal/resilience"
	"github.com/MrWong99/bridgespeak/internal/session"
	"github.com/MrWong99/bridgespeak/internal/speech"
	"github.com/MrWong99/bridgespeak/internal/uibridge"
	"github.com/MrWong99/bridgespeak/pkg/cache"
	"github.com/MrWong99/bridgespeak/pkg/playback"
	"github.com/MrWong99/bridgespeak/pkg/recorder"
	"github.com/MrWong99/bridgespeak/pkg/transport"
	"github.com/MrWong99/bridgespeak/pkg/transport/webrtc"
	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	tiers []tts.Provider
	log   *slog.Logger
	level *slog.LevelVar

	metrics   *observe.Metrics
	player    playback.Player
	factory   transport.Factory
	listener  net.Listener
	watchPath string

	cache    *cache.AudioCache
	chain    *resilience.TierChain
	speech   *speech.Core
	session  *session.Core
	hub      *uibridge.Hub
	bridge   *uibridge.Server
	recorder *recorder.Recorder

	mu  sync.Mutex
	cur *config.Config

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the instruments. The default is observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPlayer injects the audio player instead of the configured exec player.
func WithPlayer(p playback.Player) Option {
	return func(a *App) { a.player = p }
}

// WithTransport injects the transport factory instead of the WebRTC one.
func WithTransport(f transport.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithListener makes Run serve on ln instead of listening on the configured
// address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch makes Run poll path and hot-apply changes.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and the already built TTS tiers, given in
// priority order.
func New(cfg *config.Config, tiers []tts.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		cur:   cfg,
		tiers: tiers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Speech core ───────────────────────────────────────────────────
	if err := a.initSpeech(); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 2. Session core ──────────────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 3. UI bridge ─────────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		a.closeRecorder()
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSpeech() error {
	tc := a.cfg.TTS

	a.cache = cache.New(
		cache.WithTTL(tc.Cache.TTL),
		cache.WithMaxEntries(tc.Cache.MaxEntries),
		cache.WithOnLookup(func(hit bool) {
			a.metrics.RecordCacheLookup(context.Background(), hit)
		}),
	)

	if a.player == nil {
		var popts []playback.Option
		if tc.Player.Command != "" {
			popts = append(popts, playback.WithCommand(playback.Command{Name: tc.Player.Command, Args: tc.Player.Args}))
		}
		a.player = playback.NewExecPlayer(popts...)
	}

	a.chain = resilience.NewTierChain(resilience.CircuitBreakerConfig{
		MaxFailures:  tc.Breaker.MaxFailures,
		ResetTimeout: tc.Breaker.ResetTimeout,
	}, a.log, a.tiers...)

	a.hub = uibridge.NewHub(a.log)

	core, err := speech.New(speech.Config{
		Chain:    a.chain,
		Cache:    a.cache,
		Player:   a.player,
		Metrics:  a.metrics,
		Logger:   a.log,
		Observer: a.hub.OnSpeech,
	})
	if err != nil {
		return err
	}
	a.speech = core
	return nil
}

func (a *App) initSession() error {
	sc := a.cfg.Session

	if a.factory == nil {
		wopts := []webrtc.Option{webrtc.WithLogger(a.log)}
		if sc.RecordPath != "" {
			ropts := []recorder.Option{recorder.WithLogger(a.log)}
			if sc.RecordSampleRate > 0 || sc.RecordChannels > 0 {
				f := recorder.SourceFormat
				if sc.RecordSampleRate > 0 {
					f.SampleRate = sc.RecordSampleRate
				}
				if sc.RecordChannels > 0 {
					f.Channels = sc.RecordChannels
				}
				ropts = append(ropts, recorder.WithFormat(f))
			}
			rec, err := recorder.Create(sc.RecordPath, ropts...)
			if err != nil {
				return err
			}
			a.recorder = rec
			wopts = append(wopts, webrtc.WithAudioSink(rec.Sink))
			a.log.Info("recording bot audio", "path", sc.RecordPath)
		}
		a.factory = webrtc.Factory(wopts...)
	}

	core, err := session.New(session.Config{
		ServerBase:       sc.ServerBase,
		ICEServers:       sc.ICEServers,
		Transport:        a.factory,
		Handler:          a.hub,
		Metrics:          a.metrics,
		Logger:           a.log,
		IntentResetDelay: sc.IntentResetDelay,
	})
	if err != nil {
		a.closeRecorder()
		return err
	}
	a.session = core
	return nil
}

func (a *App) initBridge() error {
	checkers := []health.Checker{health.TTSTiers(a.chain.Available)}
	for _, t := range a.tiers {
		if p, ok := t.(tts.Prober); ok {
			checkers = append(checkers, health.Probe(t.Name(), p.Probe))
		}
	}

	srv, err := uibridge.New(uibridge.Config{
		Session:        a.session,
		Speech:         a.speech,
		Hub:            a.hub,
		Health:         health.New(checkers...),
		Instruments:    a.metrics,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	a.bridge = srv
	return nil
}

// Handler returns the HTTP handler of the UI bridge.
func (a *App) Handler() http.Handler { return a.bridge.Handler() }

// Speech returns the speech core.
func (a *App) Speech() *speech.Core { return a.speech }

// Session returns the session core.
func (a *App) Session() *session.Core { return a.session }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the UI bridge until ctx is cancelled. When a config watch path
// is set, config changes are applied while running.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.ApplyConfig, config.WithWatchLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		err := a.serve(srv)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	a.log.Info("ui bridge listening", "addr", a.addr(), "tls", a.cfg.Server.TLS != nil)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

func (a *App) serve(srv *http.Server) error {
	tlsCfg := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tlsCfg != nil:
		return srv.ServeTLS(a.listener, tlsCfg.CertFile, tlsCfg.KeyFile)
	case a.listener != nil:
		return srv.Serve(a.listener)
	case tlsCfg != nil:
		return srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
	default:
		return srv.ListenAndServe()
	}
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.cfg.Server.ListenAddr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the voice maps. Other changes are logged as needing a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceMapChanged {
		for _, t := range a.tiers {
			if p, ok := t.(interface{ ReplaceVoiceMap(map[string]tts.Voice) }); ok {
				p.ReplaceVoiceMap(new.TTS.VoiceMap)
				a.log.Info("voice map reloaded", "tier", t.Name(), "changes", len(d.VoiceChanges))
			}
		}
	}
	if d.BackendVoicesChanged {
		for _, t := range a.tiers {
			if p, ok := t.(interface{ ReplaceVoices(map[string]string) }); ok {
				p.ReplaceVoices(new.TTS.Backend.Voices)
				a.log.Info("backend voices reloaded", "tier", t.Name())
			}
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}

	a.mu.Lock()
	a.cur = new
	a.mu.Unlock()
}

// Config returns the most recently applied config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the session, stops speech and releases the bridge and
// the recorder. It is idempotent. If ctx expires before the bridge drained,
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.session.Disconnect(); err != nil {
			a.log.Warn("session disconnect error", "err", err)
		}
		a.speech.Stop()

		done := make(chan struct{})
		go func() {
			a.bridge.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded while closing ui bridge")
			shutdownErr = ctx.Err()
		}

		a.closeRecorder()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeRecorder() {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("recorder close error", "err", err)
	}
}
