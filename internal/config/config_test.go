package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/bridgespeak/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  allowed_origins:
    - localhost:5173

session:
  server_base: http://bot.local:7860
  ice_servers:
    - stun:stun.l.google.com:19302
  record_path: /tmp/bot.wav
  intent_reset_delay: 750ms

tts:
  provider_order: [cartesia, backend, local]
  cache:
    ttl: 24h
    max_entries: 500
  premium:
    api_key: sk-test
    model: sonic-2
    timeout: 10s
  backend:
    base_url: http://bot.local:7860
    voices:
      en: en_US-lessac
      es: es_ES-davefx
    probe_ttl: 30s
  local:
    binary: /usr/bin/espeak-ng
  player:
    command: ffplay
    args: [-nodisp, -autoexit]
  breaker:
    max_failures: 3
    reset_timeout: 15s
  voice_map:
    en:
      voice_id: voice-en
    es:
      voice_id: voice-es
      model_id: sonic-multilingual
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Session.ServerBase != "http://bot.local:7860" {
		t.Errorf("session.server_base: got %q", cfg.Session.ServerBase)
	}
	if cfg.Session.IntentResetDelay != 750*time.Millisecond {
		t.Errorf("session.intent_reset_delay: got %v, want 750ms", cfg.Session.IntentResetDelay)
	}
	if cfg.TTS.Cache.TTL != 24*time.Hour {
		t.Errorf("tts.cache.ttl: got %v, want 24h", cfg.TTS.Cache.TTL)
	}
	if cfg.TTS.Cache.MaxEntries != 500 {
		t.Errorf("tts.cache.max_entries: got %d, want 500", cfg.TTS.Cache.MaxEntries)
	}
	if cfg.TTS.Premium.APIKey != "sk-test" {
		t.Errorf("tts.premium.api_key: got %q", cfg.TTS.Premium.APIKey)
	}
	if got := cfg.TTS.Backend.Voices["es"]; got != "es_ES-davefx" {
		t.Errorf("tts.backend.voices[es]: got %q", got)
	}
	if got := cfg.TTS.VoiceMap["es"]; got.ID != "voice-es" || got.Model != "sonic-multilingual" {
		t.Errorf("tts.voice_map[es]: got %+v", got)
	}
	if len(cfg.TTS.Player.Args) != 2 {
		t.Errorf("tts.player.args: got %v", cfg.TTS.Player.Args)
	}
	if cfg.TTS.Breaker.MaxFailures != 3 {
		t.Errorf("tts.breaker.max_failures: got %d, want 3", cfg.TTS.Breaker.MaxFailures)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): unexpected error: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
		}
		if cfg.Session.ServerBase != config.DefaultServerBase {
			t.Errorf("server_base: got %q, want %q", cfg.Session.ServerBase, config.DefaultServerBase)
		}
		if strings.Join(cfg.TTS.ProviderOrder, ",") != "cartesia,backend,local" {
			t.Errorf("provider_order: got %v", cfg.TTS.ProviderOrder)
		}
	}
}

func TestApplyDefaults_DoesNotAliasDefaultOrder(t *testing.T) {
	t.Parallel()
	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.TTS.ProviderOrder[0] = "mutated"
	if config.DefaultProviderOrder[0] != config.TierPremium {
		t.Fatalf("DefaultProviderOrder was mutated: %v", config.DefaultProviderOrder)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantErr: "log_level",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\n",
			wantErr: "cert_file and key_file",
		},
		{
			name:    "server base not http",
			yaml:    "session:\n  server_base: ws://bot.local\n",
			wantErr: "http or https",
		},
		{
			name:    "server base without host",
			yaml:    "session:\n  server_base: http://\n",
			wantErr: "no host",
		},
		{
			name:    "negative intent delay",
			yaml:    "session:\n  intent_reset_delay: -1s\n",
			wantErr: "intent_reset_delay",
		},
		{
			name:    "record channels",
			yaml:    "session:\n  record_channels: 6\n",
			wantErr: "record_channels",
		},
		{
			name:    "duplicate tier",
			yaml:    "tts:\n  provider_order: [backend, local, backend]\n",
			wantErr: "duplicate",
		},
		{
			name:    "empty tier name",
			yaml:    "tts:\n  provider_order: [\"\", local]\n",
			wantErr: "is empty",
		},
		{
			name:    "negative cache ttl",
			yaml:    "tts:\n  cache:\n    ttl: -5m\n",
			wantErr: "tts.cache.ttl",
		},
		{
			name:    "negative cache size",
			yaml:    "tts:\n  cache:\n    max_entries: -1\n",
			wantErr: "tts.cache.max_entries",
		},
		{
			name:    "bad backend url",
			yaml:    "tts:\n  backend:\n    base_url: localhost:7860\n",
			wantErr: "tts.backend.base_url",
		},
		{
			name:    "voice without id",
			yaml:    "tts:\n  voice_map:\n    en:\n      model_id: sonic-2\n",
			wantErr: "voice_id is required",
		},
		{
			name:    "negative breaker failures",
			yaml:    "tts:\n  breaker:\n    max_failures: -2\n",
			wantErr: "max_failures",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
tts:
  cache:
    max_entries: -1
  breaker:
    max_failures: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "max_entries", "max_failures"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownTierIsNotAnError(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("tts:\n  provider_order: [elevenlabs, local]\n"))
	if err != nil {
		t.Fatalf("unexpected error for unknown tier name: %v", err)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.Level(); got != want {
			t.Errorf("%q.Level() = %v, want %v", in, got, want)
		}
	}
}
