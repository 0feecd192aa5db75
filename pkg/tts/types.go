package tts

// Container identifies the file format of an [Audio] payload.
type Container string

const (
	ContainerWAV Container = "wav"
	ContainerMP3 Container = "mp3"
	ContainerRaw Container = "raw"
)

// Audio is a complete synthesised utterance.
type Audio struct {
	// Data holds the encoded bytes exactly as returned by the tier.
	Data []byte

	// Container is the file format of Data.
	Container Container

	// SampleRate in Hz, when known. Zero means unknown.
	SampleRate int
}

// MIMEType returns the content type matching a.Container.
func (a Audio) MIMEType() string {
	switch a.Container {
	case ContainerWAV:
		return "audio/wav"
	case ContainerMP3:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// Voice selects a voice on a remote tier for one language.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"voice_id" json:"voice_id"`

	// Model is the provider-specific model used with this voice. Empty means
	// the provider default.
	Model string `yaml:"model_id" json:"model_id,omitempty"`
}

// DetectContainer guesses the container of an encoded payload from its
// leading bytes. Cached payloads carry no format information.
func DetectContainer(b []byte) Container {
	switch {
	case len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WAVE":
		return ContainerWAV
	case len(b) >= 3 && string(b[:3]) == "ID3":
		return ContainerMP3
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		// MPEG frame sync.
		return ContainerMP3
	}
	return ContainerRaw
}
