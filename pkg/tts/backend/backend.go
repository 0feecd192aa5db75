// Package backend provides the self-hosted TTS tier. The backend returns a
// base64-encoded WAV payload per utterance and exposes a health endpoint that
// decides whether the tier is tried at all.
//
// Health results are cached for a probe window (30 s by default) so that a
// slow or dead backend costs at most one short probe per window.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

var (
	_ tts.Synthesizer = (*Provider)(nil)
	_ tts.Prober      = (*Provider)(nil)
)

// Name is the tier name used in configuration and cache keys.
const Name = "backend"

const (
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 2 * time.Second
	defaultProbeTTL     = 30 * time.Second
	synthesizeEndpoint  = "/api/v1/tts/synthesize"
	healthEndpoint      = "/api/v1/health"
)

// Option is a functional option for configuring a backend Provider.
type Option func(*Provider)

// WithVoices sets the language → voice name map.
func WithVoices(m map[string]string) Option {
	return func(p *Provider) {
		p.voices = make(map[string]string, len(m))
		for k, v := range m {
			p.voices[k] = v
		}
	}
}

// WithTimeout sets the per-request timeout for synthesis calls.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithProbeTimeout bounds a single health check.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Provider) { p.probeTimeout = d }
}

// WithProbeTTL sets how long a health result is reused.
func WithProbeTTL(d time.Duration) Option {
	return func(p *Provider) { p.probeTTL = d }
}

// WithHTTPClient replaces the HTTP client used for synthesis and probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// Provider implements the backend tier. It is safe for concurrent use.
type Provider struct {
	baseURL      string
	httpClient   *http.Client
	probeTimeout time.Duration
	probeTTL     time.Duration
	now          func() time.Time

	voiceMu sync.RWMutex
	voices  map[string]string

	mu       sync.Mutex
	probed   bool
	healthy  bool
	probedAt time.Time
	probing  chan struct{} // non-nil while a probe is in flight
}

// New creates a backend Provider targeting baseURL (e.g.
// "http://localhost:8080"). An empty baseURL yields a provider that is never
// available.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		voices:       map[string]string{},
		httpClient:   &http.Client{Timeout: defaultTimeout},
		probeTimeout: defaultProbeTimeout,
		probeTTL:     defaultProbeTTL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns [Name].
func (p *Provider) Name() string { return Name }

// Available returns the last probe result. Before the first probe the
// provider is optimistic when a base URL is configured. It never performs I/O.
func (p *Provider) Available() bool {
	if p.baseURL == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.probed {
		return true
	}
	return p.healthy
}

// Probe checks GET /api/v1/health. A result younger than the probe TTL is
// returned without I/O, and concurrent callers share one in-flight request.
func (p *Provider) Probe(ctx context.Context) bool {
	if p.baseURL == "" {
		return false
	}

	p.mu.Lock()
	if p.probed && p.now().Sub(p.probedAt) < p.probeTTL {
		healthy := p.healthy
		p.mu.Unlock()
		return healthy
	}
	if wait := p.probing; wait != nil {
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.healthy
	}
	done := make(chan struct{})
	p.probing = done
	p.mu.Unlock()

	healthy := p.checkHealth(ctx)

	p.mu.Lock()
	p.healthy = healthy
	p.probedAt = p.now()
	p.probed = true
	p.probing = nil
	p.mu.Unlock()
	close(done)
	return healthy
}

func (p *Provider) checkHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+healthEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// markUnhealthy forces the tier unavailable until the next probe window.
func (p *Provider) markUnhealthy() {
	p.mu.Lock()
	p.healthy = false
	p.probedAt = p.now()
	p.probed = true
	p.mu.Unlock()
}

// VoiceFor returns the voice name for language, falling back to the base
// language. An empty result lets the backend choose.
func (p *Provider) VoiceFor(language string) string {
	p.voiceMu.RLock()
	defer p.voiceMu.RUnlock()
	if v, ok := p.voices[language]; ok {
		return v
	}
	if base, _, found := strings.Cut(language, "-"); found {
		return p.voices[base]
	}
	return ""
}

// ReplaceVoices swaps the language → voice name map.
func (p *Provider) ReplaceVoices(m map[string]string) {
	next := make(map[string]string, len(m))
	for k, v := range m {
		next[k] = v
	}
	p.voiceMu.Lock()
	p.voices = next
	p.voiceMu.Unlock()
}

type synthesizeRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language"`
	VoiceName string `json:"voice_name,omitempty"`
}

type synthesizeResponse struct {
	AudioData string `json:"audio_data"`
}

// Synthesize posts text to the backend and decodes the base64 WAV payload.
func (p *Provider) Synthesize(ctx context.Context, text, language string) (tts.Audio, error) {
	if p.baseURL == "" {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrUnavailable, Err: errors.New("no base URL configured")}
	}

	data, err := json.Marshal(synthesizeRequest{Text: text, Language: language, VoiceName: p.VoiceFor(language)})
	if err != nil {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrFatal, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+synthesizeEndpoint, bytes.NewReader(data))
	if err != nil {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrFatal, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		p.markUnhealthy()
		return tts.Audio{}, &tts.ProviderError{Provider: Name, Class: tts.ErrTransient, Err: fmt.Errorf("POST %s: %w", synthesizeEndpoint, err)}
	}
	defer resp.Body.Close()

	if class := tts.ClassifyStatus(resp.StatusCode); class != nil {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		var cause error
		if msg := strings.TrimSpace(string(detail)); msg != "" {
			cause = errors.New(msg)
		}
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: class, Err: cause}
	}

	var out synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: tts.ErrFatal, Err: fmt.Errorf("decode response: %w", err)}
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioData)
	if err != nil {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: tts.ErrFatal, Err: fmt.Errorf("decode audio_data: %w", err)}
	}
	if len(audio) == 0 {
		return tts.Audio{}, &tts.ProviderError{Provider: Name, StatusCode: resp.StatusCode, Class: tts.ErrFatal, Err: errors.New("empty audio_data")}
	}

	result := tts.Audio{Data: audio, Container: tts.ContainerWAV}
	if info, err := tts.ParseWAV(audio); err == nil {
		result.SampleRate = info.SampleRate
	}
	return result, nil
}
