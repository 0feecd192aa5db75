package uibridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/bridgespeak/internal/session"
	"github.com/MrWong99/bridgespeak/internal/speech"
	"github.com/MrWong99/bridgespeak/pkg/media"
	"github.com/MrWong99/bridgespeak/pkg/rtvi"
)

// subscriberBuffer is the number of events queued per feed client before the
// client is considered too slow and dropped.
const subscriberBuffer = 64

// Event types sent on the feed.
const (
	EventUserTranscript = "user-transcript"
	EventBotTranscript  = "bot-transcript"
	EventBotLLMText     = "bot-llm-text"
	EventBotTTSText     = "bot-tts-text"
	EventTrack          = "track"
	EventBotReady       = "bot-ready"
	EventConnected      = "connected"
	EventState          = "state"
	EventError          = "error"
	EventSpeech         = "speech"
)

// Event is one message on the feed.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	Time time.Time `json:"time"`
}

// TranscriptData carries transcript and text events.
type TranscriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// TrackData summarises the bot stream after a track was added.
type TrackData = media.Summary

// StateData carries a session state change.
type StateData struct {
	State string `json:"state"`
}

// ErrorData carries a fault. Message is safe to show to the learner.
type ErrorData struct {
	Kind       string `json:"kind,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message"`
}

// SpeechData carries a speech task state change.
type SpeechData struct {
	ID       uint64 `json:"id"`
	State    string `json:"state"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
}

type subscriber struct {
	ch   chan Event
	slow chan struct{}
}

// Hub fans events out to feed clients. It implements [rtvi.Handler] and
// accepts speech task events through [Hub.OnSpeech]. Publishing never blocks:
// a client whose buffer is full is disconnected.
type Hub struct {
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

var _ rtvi.Handler = (*Hub)(nil)

// NewHub creates an empty Hub. A nil logger uses slog.Default.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		now:  time.Now,
		subs: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		slow: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers returns the number of connected feed clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends an event of type typ to every client.
func (h *Hub) Publish(typ string, data any) {
	ev := Event{Type: typ, Data: data, Time: h.now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			delete(h.subs, s)
			close(s.slow)
			h.log.Warn("uibridge: dropping slow feed client", "event", typ)
		}
	}
}

func (h *Hub) OnUserTranscript(final bool, text string) {
	h.Publish(EventUserTranscript, TranscriptData{Text: text, Final: final})
}

func (h *Hub) OnBotTranscript(text string) {
	h.Publish(EventBotTranscript, TranscriptData{Text: text})
}

func (h *Hub) OnBotLLMTokens(delta string) {
	h.Publish(EventBotLLMText, TranscriptData{Text: delta})
}

func (h *Hub) OnBotTTSText(text string) {
	h.Publish(EventBotTTSText, TranscriptData{Text: text})
}

func (h *Hub) OnTrack(stream *media.Stream) {
	h.Publish(EventTrack, stream.Summary())
}

func (h *Hub) OnBotReady()  { h.Publish(EventBotReady, nil) }
func (h *Hub) OnConnected() { h.Publish(EventConnected, nil) }

func (h *Hub) OnConnectionStateChange(state string) {
	h.Publish(EventState, StateData{State: state})
}

func (h *Hub) OnError(err error) {
	h.Publish(EventError, errorData(err))
}

// OnSpeech publishes a speech task event. It has the signature of
// speech.Config.Observer.
func (h *Hub) OnSpeech(ev speech.TaskEvent) {
	d := SpeechData{
		ID:       ev.ID,
		State:    string(ev.State),
		Text:     ev.Text,
		Language: ev.Language,
		Provider: ev.Provider,
	}
	if ev.Err != nil {
		d.Error = ev.Err.Error()
	}
	h.Publish(EventSpeech, d)
}

func errorData(err error) ErrorData {
	var f *session.Fault
	if errors.As(err, &f) {
		return ErrorData{Kind: string(f.Kind), StatusCode: f.StatusCode, Message: f.UserMessage()}
	}
	var se *rtvi.ServerError
	if errors.As(err, &se) {
		return ErrorData{Kind: "server_error", Message: se.Error()}
	}
	return ErrorData{Message: err.Error()}
}
