package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceMapChanged is set when the premium voice map changed.
	VoiceMapChanged bool
	VoiceChanges    []VoiceDiff

	// BackendVoicesChanged is set when tts.backend.voices changed.
	BackendVoicesChanged bool

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// VoiceDiff describes the change of one language in the premium voice map.
type VoiceDiff struct {
	Language string
	Added    bool
	Removed  bool
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceMapChanged || d.BackendVoicesChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Voice map, by language.
	for _, lang := range slices.Sorted(maps.Keys(old.TTS.VoiceMap)) {
		nv, ok := new.TTS.VoiceMap[lang]
		switch {
		case !ok:
			d.VoiceChanges = append(d.VoiceChanges, VoiceDiff{Language: lang, Removed: true})
		case nv != old.TTS.VoiceMap[lang]:
			d.VoiceChanges = append(d.VoiceChanges, VoiceDiff{Language: lang})
		}
	}
	for _, lang := range slices.Sorted(maps.Keys(new.TTS.VoiceMap)) {
		if _, ok := old.TTS.VoiceMap[lang]; !ok {
			d.VoiceChanges = append(d.VoiceChanges, VoiceDiff{Language: lang, Added: true})
		}
	}
	d.VoiceMapChanged = len(d.VoiceChanges) > 0
	d.BackendVoicesChanged = !maps.Equal(old.TTS.Backend.Voices, new.TTS.Backend.Voices)

	// Sections read once at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Session.ServerBase != new.Session.ServerBase ||
		!slices.Equal(old.Session.ICEServers, new.Session.ICEServers) ||
		old.Session.RecordPath != new.Session.RecordPath ||
		old.Session.RecordSampleRate != new.Session.RecordSampleRate ||
		old.Session.RecordChannels != new.Session.RecordChannels {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if !slices.Equal(old.TTS.ProviderOrder, new.TTS.ProviderOrder) ||
		old.TTS.Premium != new.TTS.Premium ||
		old.TTS.Backend.BaseURL != new.TTS.Backend.BaseURL ||
		old.TTS.Cache != new.TTS.Cache {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}

	return d
}
