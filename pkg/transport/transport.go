// Package transport defines the contract between the session core and the
// realtime media transport that carries the bot's audio, video and RTVI
// messages.
//
// The concrete implementation lives in the webrtc sub-package; tests use
// in-memory fakes that satisfy [Transport].
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/bridgespeak/pkg/media"
	"github.com/MrWong99/bridgespeak/pkg/rtvi"
)

// OfferPath is the path of the bot server's offer endpoint.
const OfferPath = "/api/offer"

// ErrProtocol is wrapped by errors caused by a malformed peer response, such
// as an unusable SDP answer.
var ErrProtocol = errors.New("transport: protocol error")

// OfferError is returned when the offer endpoint answers with a non-2xx
// status.
type OfferError struct {
	StatusCode int
	Body       string
}

func (e *OfferError) Error() string {
	msg := fmt.Sprintf("transport: POST %s: status %d", OfferPath, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ConnState is the transport-level connection state.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

// Terminal reports whether s ends the transport's life.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Config describes one transport instance.
type Config struct {
	// ServerBase is the bot server base URL; the offer is posted to
	// ServerBase + "/api/offer".
	ServerBase string

	// EnableMic and EnableCam control whether local tracks start live.
	EnableMic bool
	EnableCam bool

	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string
}

// Transport is a single realtime connection to the bot. Implementations must
// be safe for concurrent use. Close must be idempotent.
type Transport interface {
	// Connect performs the offer/answer exchange. It returns once the remote
	// description is applied; the connected state is reported separately
	// through [Observer.OnStateChange].
	Connect(ctx context.Context) error

	// Send writes an RTVI message to the bot.
	Send(m rtvi.Message) error

	// EnableMic and EnableCam switch the local tracks on or off.
	EnableMic(on bool) error
	EnableCam(on bool) error

	// LocalTracks returns the client's own tracks.
	LocalTracks() []media.Track

	Close() error
}

// Observer receives transport callbacks. Callbacks may arrive on arbitrary
// goroutines.
type Observer interface {
	OnStateChange(state ConnState)
	OnTrack(track media.Track)
	OnMessage(raw []byte)
}

// Factory builds a transport bound to an observer.
type Factory func(cfg Config, obs Observer) (Transport, error)

// ObserverFuncs adapts plain functions to [Observer]. Nil fields are ignored.
type ObserverFuncs struct {
	StateChange func(ConnState)
	Track       func(media.Track)
	Message     func([]byte)
}

func (f ObserverFuncs) OnStateChange(s ConnState) {
	if f.StateChange != nil {
		f.StateChange(s)
	}
}

func (f ObserverFuncs) OnTrack(t media.Track) {
	if f.Track != nil {
		f.Track(t)
	}
}

func (f ObserverFuncs) OnMessage(raw []byte) {
	if f.Message != nil {
		f.Message(raw)
	}
}
