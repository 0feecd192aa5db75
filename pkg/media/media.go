// Package media models the tracks exchanged over a session and aggregates the
// bot's tracks into a single stream the UI binds once.
package media

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Origin tells whether a track comes from the bot or from this client.
type Origin string

const (
	OriginBot   Origin = "bot"
	OriginLocal Origin = "local"
)

// Track describes one media track. Remote is the underlying transport object
// (e.g. a *webrtc.TrackRemote) and is never serialised.
type Track struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Origin Origin `json:"origin"`
	Remote any    `json:"-"`
}

// Stream is an append-only set of tracks. Tracks are kept in arrival order and
// stay until the owning aggregator releases the stream.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

// NewStream creates an empty stream with the given id.
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: slices.Clone(tracks)}
}

// ID returns the stable identifier of the stream.
func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of the tracks in arrival order.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

// Len returns the number of tracks.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// Has reports whether a track with id is part of the stream.
func (s *Stream) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.tracks, func(t Track) bool { return t.ID == id })
}

func (s *Stream) add(t Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.tracks, func(x Track) bool { return x.ID == t.ID }) {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

// Summary is the serialisable view of a stream.
type Summary struct {
	StreamID string  `json:"streamId"`
	Tracks   []Track `json:"tracks"`
}

// Summary returns a snapshot suitable for JSON encoding.
func (s *Stream) Summary() Summary {
	return Summary{StreamID: s.id, Tracks: s.Tracks()}
}

// Aggregator collects bot-origin tracks into one [Stream]. The same stream is
// returned for every track until [Aggregator.Release] is called.
type Aggregator struct {
	seq atomic.Uint64

	mu     sync.Mutex
	stream *Stream
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator { return &Aggregator{} }

// Add attaches t to the current stream, creating it on first use. Local
// tracks and tracks already present are ignored; in both cases added is false.
// For local tracks the returned stream is nil.
func (a *Aggregator) Add(t Track) (stream *Stream, added bool) {
	if t.Origin == OriginLocal {
		return nil, false
	}
	a.mu.Lock()
	if a.stream == nil {
		a.stream = NewStream(fmt.Sprintf("bot-%d", a.seq.Add(1)))
	}
	s := a.stream
	a.mu.Unlock()
	return s, s.add(t)
}

// Current returns the current stream or nil.
func (a *Aggregator) Current() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// Release drops the current stream. The next Add starts a fresh one.
func (a *Aggregator) Release() {
	a.mu.Lock()
	a.stream = nil
	a.mu.Unlock()
}
