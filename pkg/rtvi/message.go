// Package rtvi implements the RTVI message envelope exchanged with the bot
// over the session data channel, and a [Bus] that turns incoming messages and
// transport callbacks into ordered, typed UI events.
package rtvi

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Label is the fixed envelope label of every RTVI message.
const Label = "rtvi-ai"

// Server → client message types.
const (
	TypeBotReady         = "bot-ready"
	TypeUserTranscript   = "user-transcription"
	TypeBotTranscript    = "bot-transcription"
	TypeBotLLMStarted    = "bot-llm-started"
	TypeBotLLMText       = "bot-llm-text"
	TypeBotLLMStopped    = "bot-llm-stopped"
	TypeBotTTSStarted    = "bot-tts-started"
	TypeBotTTSText       = "bot-tts-text"
	TypeBotTTSStopped    = "bot-tts-stopped"
	TypeError            = "error"
	TypeUserStartedSpeak = "user-started-speaking"
	TypeUserStoppedSpeak = "user-stopped-speaking"
	TypeBotStartedSpeak  = "bot-started-speaking"
	TypeBotStoppedSpeak  = "bot-stopped-speaking"
)

// Client → server message types.
const (
	TypeClientReady   = "client-ready"
	TypeClientMessage = "client-message"
)

// Message is the RTVI envelope.
type Message struct {
	Label string          `json:"label"`
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TextData is the payload of bot-llm-text, bot-tts-text and
// bot-transcription.
type TextData struct {
	Text string `json:"text"`
}

// TranscriptData is the payload of user-transcription.
type TranscriptData struct {
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Timestamp string `json:"timestamp,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// BotReadyData is the payload of bot-ready.
type BotReadyData struct {
	Version string          `json:"version,omitempty"`
	About   json.RawMessage `json:"about,omitempty"`
}

// ErrorData is the payload of error.
type ErrorData struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

// ClientMessageData is the payload of client-message: a typed application
// message.
type ClientMessageData struct {
	T string `json:"t"`
	D any    `json:"d,omitempty"`
}

// ErrProtocol is wrapped by every decoding failure.
var ErrProtocol = errors.New("rtvi: protocol error")

// ServerError is a non-protocol error reported by the bot in an error message.
type ServerError struct {
	Message string
	Fatal   bool
}

func (e *ServerError) Error() string {
	if e.Fatal {
		return "rtvi: fatal server error: " + e.Message
	}
	return "rtvi: server error: " + e.Message
}

// Decode parses a raw data-channel payload into a Message. Payloads with a
// foreign label or without a type are protocol errors.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if m.Label != Label {
		return Message{}, fmt.Errorf("%w: unexpected label %q", ErrProtocol, m.Label)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return m, nil
}

// DecodeData unmarshals the message payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s: missing data", ErrProtocol, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, m.Type, err)
	}
	return nil
}

// decodeText decodes the payload into v like DecodeData and additionally
// requires a non-null text field.
func (m Message) decodeText(v any) error {
	if err := m.DecodeData(v); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocol, m.Type, err)
	}
	if raw, ok := fields["text"]; !ok || string(raw) == "null" {
		return fmt.Errorf("%w: %s: missing text", ErrProtocol, m.Type)
	}
	return nil
}

// NewMessage builds an envelope with a fresh id.
func NewMessage(typ string, data any) (Message, error) {
	m := Message{Label: Label, Type: typ, ID: uuid.NewString()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("rtvi: encode %s: %w", typ, err)
		}
		m.Data = raw
	}
	return m, nil
}

// NewClientMessage wraps an application message of type t with payload d.
func NewClientMessage(t string, d any) (Message, error) {
	return NewMessage(TypeClientMessage, ClientMessageData{T: t, D: d})
}
