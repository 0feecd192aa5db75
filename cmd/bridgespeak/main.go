// Command bridgespeak runs the BridgeSpeak daemon: a WebRTC client for an
// RTVI bot server plus the hybrid TTS core, both driven by a local HTTP and
// WebSocket bridge for the browser UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/bridgespeak/internal/app"
	"github.com/MrWong99/bridgespeak/internal/config"
	"github.com/MrWong99/bridgespeak/internal/observe"
	"github.com/MrWong99/bridgespeak/pkg/tts"
	"github.com/MrWong99/bridgespeak/pkg/tts/backend"
	"github.com/MrWong99/bridgespeak/pkg/tts/cartesia"
	"github.com/MrWong99/bridgespeak/pkg/tts/local"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "bridgespeak.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voice maps and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bridgespeak: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bridgespeak: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("bridgespeak starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "bridgespeak",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── TTS tiers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinTiers(reg)

	tiers, err := reg.BuildTiers(cfg.TTS)
	if err != nil {
		slog.Error("failed to build tts tiers", "err", err)
		return 1
	}
	if len(tiers) == 0 {
		slog.Warn("no tts tier configured; speech requests will fail")
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, tiers)

	opts := []app.Option{app.WithLogger(logger), app.WithLevelVar(&level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}
	application, err := app.New(cfg, tiers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("bridge ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Tier wiring ───────────────────────────────────────────────────────────────

// registerBuiltinTiers wires the built-in TTS tier factories into reg.
func registerBuiltinTiers(reg *config.Registry) {
	reg.RegisterTTS(config.TierPremium, func(cfg config.TTSConfig) (tts.Provider, error) {
		pc := cfg.Premium
		if pc.APIKey == "" {
			return nil, fmt.Errorf("%w: no api key (set %s)", config.ErrTierDisabled, config.PremiumAPIKeyEnv)
		}
		var opts []cartesia.Option
		if pc.BaseURL != "" {
			opts = append(opts, cartesia.WithBaseURL(pc.BaseURL))
		}
		if pc.APIVersion != "" {
			opts = append(opts, cartesia.WithAPIVersion(pc.APIVersion))
		}
		if pc.Model != "" {
			opts = append(opts, cartesia.WithModel(pc.Model))
		}
		if pc.DefaultVoice != "" {
			opts = append(opts, cartesia.WithDefaultVoice(pc.DefaultVoice))
		}
		if pc.Timeout > 0 {
			opts = append(opts, cartesia.WithTimeout(pc.Timeout))
		}
		if len(cfg.VoiceMap) > 0 {
			opts = append(opts, cartesia.WithVoiceMap(cfg.VoiceMap))
		}
		return cartesia.New(pc.APIKey, opts...), nil
	})

	reg.RegisterTTS(config.TierBackend, func(cfg config.TTSConfig) (tts.Provider, error) {
		bc := cfg.Backend
		if bc.BaseURL == "" {
			return nil, fmt.Errorf("%w: no base_url", config.ErrTierDisabled)
		}
		var opts []backend.Option
		if len(bc.Voices) > 0 {
			opts = append(opts, backend.WithVoices(bc.Voices))
		}
		if bc.Timeout > 0 {
			opts = append(opts, backend.WithTimeout(bc.Timeout))
		}
		if bc.ProbeTTL > 0 {
			opts = append(opts, backend.WithProbeTTL(bc.ProbeTTL))
		}
		return backend.New(bc.BaseURL, opts...), nil
	})

	reg.RegisterTTS(config.TierLocal, func(cfg config.TTSConfig) (tts.Provider, error) {
		var opts []local.Option
		if cfg.Local.Binary != "" {
			opts = append(opts, local.WithBinary(cfg.Local.Binary))
		}
		return local.New(opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, tiers []tts.Provider) {
	names := make([]string, 0, len(tiers))
	for _, t := range tiers {
		names = append(names, t.Name())
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       BridgeSpeak startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Bridge", cfg.Server.ListenAddr)
	printRow("Bot server", cfg.Session.ServerBase)
	printRow("TTS tiers", strings.Join(names, " > "))
	if cfg.Session.RecordPath != "" {
		printRow("Recording", cfg.Session.RecordPath)
	} else {
		printRow("Recording", "(disabled)")
	}
	printRow("Voices", fmt.Sprintf("%d premium, %d backend", len(cfg.TTS.VoiceMap), len(cfg.TTS.Backend.Voices)))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(none)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
