package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment overrides applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg, os.Getenv)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills values that may come from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg.TTS.Premium.APIKey == "" {
		cfg.TTS.Premium.APIKey = strings.TrimSpace(getenv(PremiumAPIKeyEnv))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if err := validateURL("session.server_base", cfg.Session.ServerBase); err != nil {
		errs = append(errs, err)
	}
	if cfg.Session.RecordSampleRate < 0 {
		errs = append(errs, errors.New("session.record_sample_rate must not be negative"))
	}
	if c := cfg.Session.RecordChannels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("session.record_channels %d is invalid; valid values: 1, 2", c))
	}
	if cfg.Session.IntentResetDelay < 0 {
		errs = append(errs, errors.New("session.intent_reset_delay must not be negative"))
	}

	// Tier order
	seen := make(map[string]int, len(cfg.TTS.ProviderOrder))
	for i, name := range cfg.TTS.ProviderOrder {
		if name == "" {
			errs = append(errs, fmt.Errorf("tts.provider_order[%d] is empty", i))
			continue
		}
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("tts.provider_order[%d] %q is a duplicate of tts.provider_order[%d]", i, name, prev))
		}
		seen[name] = i
		validateTierName(name)
	}
	if i, ok := seen[TierLocal]; ok && i != len(cfg.TTS.ProviderOrder)-1 {
		slog.Warn("tts.provider_order: local tier is not last; tiers after it are only used when it is unavailable")
	}

	// Cache
	if cfg.TTS.Cache.TTL < 0 {
		errs = append(errs, errors.New("tts.cache.ttl must not be negative"))
	}
	if cfg.TTS.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("tts.cache.max_entries must not be negative"))
	}

	// Remote tiers
	if _, ok := seen[TierPremium]; ok && cfg.TTS.Premium.APIKey == "" {
		slog.Info("tts.premium.api_key is empty; premium tier disabled", "env", PremiumAPIKeyEnv)
	}
	if cfg.TTS.Premium.BaseURL != "" {
		if err := validateURL("tts.premium.base_url", cfg.TTS.Premium.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.TTS.Backend.BaseURL != "" {
		if err := validateURL("tts.backend.base_url", cfg.TTS.Backend.BaseURL); err != nil {
			errs = append(errs, err)
		}
	} else if _, ok := seen[TierBackend]; ok {
		slog.Info("tts.backend.base_url is empty; backend tier disabled")
	}
	for lang, v := range cfg.TTS.VoiceMap {
		if v.ID == "" {
			errs = append(errs, fmt.Errorf("tts.voice_map[%q].voice_id is required", lang))
		}
	}

	if cfg.TTS.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("tts.breaker.max_failures must not be negative"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is invalid: %w", field, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s %q must use http or https", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", field, raw)
	}
	return nil
}

// validateTierName logs a warning for names that are not built in.
func validateTierName(name string) {
	if slices.Contains(DefaultProviderOrder, name) {
		return
	}
	slog.Warn("unknown tts tier name; may be a typo or a third-party tier",
		"name", name,
		"known", DefaultProviderOrder,
	)
}
