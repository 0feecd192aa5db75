// Package recorder writes the bot's audio track to a WAV file.
//
// The bot server sends 48 kHz stereo Opus. Each RTP payload is decoded with
// gopus and appended as 16-bit little-endian PCM; the RIFF header is written
// with placeholder sizes on creation and patched by [Recorder.Close].
package recorder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"layeh.com/gopus"

	"github.com/MrWong99/bridgespeak/pkg/tts"
)

// Opus format used by the bot server.
const (
	SampleRate = 48000
	Channels   = 2

	// maxFrameSize is the number of samples per channel in a 120 ms frame,
	// the longest an Opus packet can carry.
	maxFrameSize = SampleRate * 120 / 1000
)

const headerSize = 44

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("recorder: closed")

// Decoder turns one Opus packet into interleaved PCM samples.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

type opusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder returns a stateful decoder for one 48 kHz stereo stream.
func NewOpusDecoder() (Decoder, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("recorder: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]int16, error) {
	pcm, err := d.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("recorder: opus decode: %w", err)
	}
	return pcm, nil
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDecoder replaces the Opus decoder.
func WithDecoder(d Decoder) Option {
	return func(r *Recorder) { r.dec = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithFormat stores the recording in f instead of [SourceFormat], e.g. 16 kHz
// mono for smaller files.
func WithFormat(f Format) Option {
	return func(r *Recorder) { r.format = f }
}

// Recorder appends decoded bot audio to a WAV file.
type Recorder struct {
	log    *slog.Logger
	dec    Decoder
	format Format

	mu      sync.Mutex
	f       *os.File
	dataLen int
	closed  bool
}

// Create creates (or truncates) the WAV file at path.
func Create(path string, opts ...Option) (*Recorder, error) {
	r := &Recorder{log: slog.Default(), format: SourceFormat}
	for _, o := range opts {
		o(r)
	}
	if !r.format.valid() {
		return nil, fmt.Errorf("recorder: unsupported format %d Hz, %d channels", r.format.SampleRate, r.format.Channels)
	}
	if r.dec == nil {
		dec, err := NewOpusDecoder()
		if err != nil {
			return nil, err
		}
		r.dec = dec
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if _, err := f.Write(tts.WAVHeader(0, r.format.SampleRate, r.format.Channels)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("recorder: write header: %w", err)
	}
	r.f = f
	return r, nil
}

// Write decodes one Opus packet and appends the samples.
func (r *Recorder) Write(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if len(packet) == 0 {
		return nil
	}
	pcm, err := r.dec.Decode(packet)
	if err != nil {
		return err
	}
	pcm = convert(pcm, r.format)
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	n, err := r.f.Write(buf)
	r.dataLen += n
	if err != nil {
		return fmt.Errorf("recorder: write samples: %w", err)
	}
	return nil
}

// Bytes returns the number of PCM bytes written so far.
func (r *Recorder) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLen
}

// Sink reads RTP packets from track until it ends. Non-Opus tracks are
// drained without recording. It matches the webrtc transport's audio sink.
func (r *Recorder) Sink(track *pion.TrackRemote) {
	record := strings.EqualFold(track.Codec().MimeType, pion.MimeTypeOpus)
	if !record {
		r.log.Warn("recorder: unsupported codec, not recording", "codec", track.Codec().MimeType)
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("recorder: track ended", "err", err)
			}
			return
		}
		if !record {
			continue
		}
		if err := r.Write(pkt.Payload); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			r.log.Debug("recorder: dropping packet", "err", err)
		}
	}
}

// Close patches the WAV header and closes the file. It is safe to call more
// than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	_, err := r.f.WriteAt(tts.WAVHeader(r.dataLen, r.format.SampleRate, r.format.Channels), 0)
	if err != nil {
		err = fmt.Errorf("recorder: patch header: %w", err)
	}
	return errors.Join(err, r.f.Close())
}
