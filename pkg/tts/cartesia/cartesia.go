// Package cartesia provides the premium remote TTS tier backed by the
// Cartesia bytes endpoint. It implements [tts.Synthesizer].
//
// Voices are selected per language from a voice map that can be replaced at
// runtime. A 402 Payment Required response disables the provider for the rest
// of the process lifetime; [Provider.Available] reports false from then on.
package cartesia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Provider)(nil)

// Name is the tier name used in configuration and cache keys.
const Name = "cartesia"

const (
	defaultBaseURL    = "https://api.cartesia.ai"
	defaultAPIVersion = "2024-06-10"
	defaultModel      = "sonic-multilingual"
	defaultSampleRate = 44100
	defaultTimeout    = 20 * time.Second
	bytesEndpoint     = "/tts/bytes"

	// defaultVoiceID is a multilingual voice used when the voice map has no
	// entry for the requested language.
	defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// OutputFormat mirrors the output_format object of the request body.
type OutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIVersion sets the value of the Cartesia-Version header.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// WithModel sets the model used for languages whose voice entry has none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDefaultVoice sets the voice used for languages missing from the map.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

// WithVoiceMap seeds the language → voice map.
func WithVoiceMap(m map[string]tts.Voice) Option {
	return func(p *Provider) { p.voices = cloneVoices(m) }
}

// WithOutputFormat overrides the negotiated audio container.
func WithOutputFormat(f OutputFormat) Option {
	return func(p *Provider) { p.format = f }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements the premium tier. It is safe for concurrent use.
type Provider struct {
	apiKey       string
	baseURL      string
	apiVersion   string
	model        string
	defaultVoice string
	format       OutputFormat
	httpClient   *http.Client

	mu     sync.RWMutex
	voices map[string]tts.Voice

	quotaExceeded atomic.Bool
}

// New creates a premium Provider. An empty apiKey yields a provider that is
// permanently unavailable instead of an error, so the tier can still be listed
// in the fallback chain.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		apiVersion:   defaultAPIVersion,
		model:        defaultModel,
		defaultVoice: defaultVoiceID,
		format: OutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: defaultSampleRate,
		},
		httpClient: &http.Client{Timeout: defaultTimeout},
		voices:     make(map[string]tts.Voice),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns [Name].
func (p *Provider) Name() string { return Name }

// Available reports whether an API key is configured and no quota gate has
// been hit.
func (p *Provider) Available() bool {
	return p.apiKey != "" && !p.quotaExceeded.Load()
}

// QuotaExceeded reports whether the provider was disabled by a 402 response.
func (p *Provider) QuotaExceeded() bool { return p.quotaExceeded.Load() }

// SetVoice installs or replaces the voice used for language.
func (p *Provider) SetVoice(language string, v tts.Voice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voices[language] = v
}

// ReplaceVoiceMap swaps the whole language → voice map.
func (p *Provider) ReplaceVoiceMap(m map[string]tts.Voice) {
	next := cloneVoices(m)
	p.mu.Lock()
	p.voices = next
	p.mu.Unlock()
}

// VoiceFor resolves the voice for language: exact entry, then the base
// language ("en" for "en-IE"), then the default voice and model.
func (p *Provider) VoiceFor(language string) tts.Voice {
	p.mu.RLock()
	v, ok := p.voices[language]
	if !ok {
		if base, _, found := strings.Cut(language, "-"); found {
			v, ok = p.voices[base]
		}
	}
	p.mu.RUnlock()

	if !ok || v.ID == "" {
		v.ID = p.defaultVoice
	}
	if v.Model == "" {
		v.Model = p.model
	}
	return v
}

// ---- request types ----

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type bytesRequest struct {
	Transcript   string       `json:"transcript"`
	ModelID      string       `json:"model_id"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat OutputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

// buildRequest constructs the request body for one utterance.
func (p *Provider) buildRequest(text, language string) bytesRequest {
	v := p.VoiceFor(language)
	lang, _, _ := strings.Cut(language, "-")
	return bytesRequest{
		Transcript:   text,
		ModelID:      v.Model,
		Voice:        voiceSpec{Mode: "id", ID: v.ID},
		OutputFormat: p.format,
		Language:     strings.ToLower(lang),
	}
}

// Synthesize posts text to the bytes endpoint and returns the audio payload.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	if p.apiKey == "" {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrUnavailable, Err: errors.New("no API key configured")}
	}
	if p.quotaExceeded.Load() {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: http.StatusPaymentRequired, Class: tts.ErrQuotaExceeded}
	}

	data, err := json.Marshal(p.buildRequest(text, language))
	if err != nil {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrFatal, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+bytesEndpoint, bytes.NewReader(data))
	if err != nil {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrFatal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Cartesia-Version", p.apiVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrTransient, Err: fmt.Errorf("POST %s: %w", bytesEndpoint, err)}
	}
	defer resp.Body.Close()

	if class := tts.ClassifyStatus(resp.StatusCode); class != nil {
		if errors.Is(class, tts.ErrQuotaExceeded) {
			p.quotaExceeded.Store(true)
		}
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var cause error
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			cause = errors.New(msg)
		}
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: class, Err: cause}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrTransient, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) == 0 {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: tts.ErrFatal, Err: errors.New("empty audio body")}
	}

	return tts.Audio{
		Data:       body,
		Container:  tts.Container(p.format.Container),
		SampleRate: p.format.SampleRate,
	}, nil
}

func cloneVoices(m map[string]tts.Voice) map[string]tts.Voice {
	out := make(map[string]tts.Voice, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
