// Package config provides the configuration schema, loader, watcher and TTS
// tier registry of the BridgeSpeak daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Built-in TTS tier names, in default priority order.
const (
	TierPremium = "cartesia"
	TierBackend = "backend"
	TierLocal   = "local"
)

// DefaultProviderOrder is used when tts.provider_order is empty.
var DefaultProviderOrder = []string{TierPremium, TierBackend, TierLocal}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr = "127.0.0.1:7861"
	DefaultServerBase = "http://localhost:7860"
)

// PremiumAPIKeyEnv fills an empty tts.premium.api_key.
const PremiumAPIKeyEnv = "BRIDGESPEAK_PREMIUM_API_KEY"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	TTS     TTSConfig     `yaml:"tts"`
}

// ServerConfig holds the UI bridge listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the UI bridge (e.g., "127.0.0.1:7861").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are extra origin patterns allowed to open the event feed
	// (e.g., "localhost:5173").
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS enables HTTPS on the bridge. When nil, the bridge serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig configures the connection to the bot server.
type SessionConfig struct {
	// ServerBase is the bot server base URL; the offer is posted to
	// ServerBase + "/api/offer".
	ServerBase string `yaml:"server_base"`

	// ICEServers are STUN/TURN URLs.
	ICEServers []string `yaml:"ice_servers"`

	// RecordPath, when set, records the bot's audio track to a WAV file.
	RecordPath string `yaml:"record_path"`

	// RecordSampleRate and RecordChannels set the recording format. Zero
	// keeps the bot's 48 kHz stereo.
	RecordSampleRate int `yaml:"record_sample_rate"`
	RecordChannels   int `yaml:"record_channels"`

	// IntentResetDelay is how long a requested disconnect suppresses fault
	// reporting. Zero uses the session default.
	IntentResetDelay time.Duration `yaml:"intent_reset_delay"`
}

// TTSConfig configures the hybrid speech core and its tiers.
type TTSConfig struct {
	// ProviderOrder lists tier names in priority order. Names must be
	// registered in the [Registry].
	ProviderOrder []string `yaml:"provider_order"`

	Cache   CacheConfig   `yaml:"cache"`
	Premium PremiumConfig `yaml:"premium"`
	Backend BackendConfig `yaml:"backend"`
	Local   LocalConfig   `yaml:"local"`
	Player  PlayerConfig  `yaml:"player"`
	Breaker BreakerConfig `yaml:"breaker"`

	// VoiceMap maps a language code to the premium voice. Hot-reloadable.
	VoiceMap map[string]tts.Voice `yaml:"voice_map"`
}

// CacheConfig bounds the audio cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// PremiumConfig configures the premium remote tier. The tier is only built
// when APIKey is set.
type PremiumConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	APIVersion   string        `yaml:"api_version"`
	Model        string        `yaml:"model"`
	DefaultVoice string        `yaml:"default_voice"`
	Timeout      time.Duration `yaml:"timeout"`
}

// BackendConfig configures the backend remote tier.
type BackendConfig struct {
	// BaseURL is the speech backend base URL. Empty disables the tier.
	BaseURL string `yaml:"base_url"`

	// Voices maps a language code to a backend voice name. Hot-reloadable.
	Voices map[string]string `yaml:"voices"`

	Timeout  time.Duration `yaml:"timeout"`
	ProbeTTL time.Duration `yaml:"probe_ttl"`
}

// LocalConfig configures the local system synthesizer.
type LocalConfig struct {
	// Binary pins the synthesizer executable. Empty searches the defaults.
	Binary string `yaml:"binary"`
}

// PlayerConfig selects the audio player used for remote tiers.
type PlayerConfig struct {
	// Command pins the player executable. Empty searches the defaults.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// BreakerConfig tunes the per-tier circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Session.ServerBase == "" {
		c.Session.ServerBase = DefaultServerBase
	}
	if len(c.TTS.ProviderOrder) == 0 {
		c.TTS.ProviderOrder = append([]string(nil), DefaultProviderOrder...)
	}
}
