package rtvi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/bridgespeak/pkg/media"
)

const defaultQueueSize = 256

// errUnknownType marks well-formed messages of a type the bus does not route.
var errUnknownType = fmt.Errorf("%w: unknown message type", ErrProtocol)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.log = l }
}

// WithQueueSize sets the capacity of the event queue.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queue = n
		}
	}
}

// WithOnMessage registers a callback invoked on the dispatch goroutine for
// every accepted message type, with "unknown" for well-formed messages of a
// type the bus does not route, and with "invalid" for malformed ones. Used for
// metrics.
func WithOnMessage(fn func(msgType string)) BusOption {
	return func(b *Bus) { b.onMessage = fn }
}

// WithAfter holds back dispatch until done is closed. A session chains each
// bus to the [Bus.Done] of its predecessor so handler calls never overlap,
// even when the predecessor is still draining.
func WithAfter(done <-chan struct{}) BusOption {
	return func(b *Bus) { b.after = done }
}

type eventKind int

const (
	evMessage eventKind = iota
	evTrack
	evState
	evConnected
	evError
	evFlush
	evInvalid
	evBarrier
)

type event struct {
	kind   eventKind
	msg    Message
	stream *media.Stream
	state  string
	err    error
	ack    chan struct{}
}

// Bus serialises transport callbacks onto a single dispatch goroutine and
// forwards them to a [Handler].
//
// Within a bot turn (bot-llm-started … bot-llm-stopped) every bot-tts-text is
// held back until the turn's last LLM token has been delivered, so handlers
// always see the streamed tokens of a turn before its spoken text.
//
// Malformed messages are logged at warn and dropped; they never reach the
// handler. Messages of an unknown type are dropped with a debug log.
type Bus struct {
	handler   Handler
	log       *slog.Logger
	queue     int
	onMessage func(string)
	after     <-chan struct{}

	in   chan event
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Owned by the dispatch goroutine.
	llmOpen    bool
	pendingTTS []string
}

// NewBus starts a Bus dispatching to h. Call [Bus.Close] to stop it.
func NewBus(h Handler, opts ...BusOption) *Bus {
	b := &Bus{
		handler: h,
		log:     slog.Default(),
		queue:   defaultQueueSize,
	}
	for _, o := range opts {
		o(b)
	}
	b.in = make(chan event, b.queue)
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.run()
	return b
}

// HandleRaw decodes a data-channel payload and enqueues it. Decoding failures
// are logged and dropped.
func (b *Bus) HandleRaw(raw []byte) {
	m, err := Decode(raw)
	if err != nil {
		b.log.Warn("rtvi: dropping malformed message", "err", err)
		b.post(event{kind: evInvalid})
		return
	}
	b.HandleMessage(m)
}

// HandleMessage enqueues a decoded message.
func (b *Bus) HandleMessage(m Message) { b.post(event{kind: evMessage, msg: m}) }

// HandleTrack enqueues a track notification for the aggregated stream.
func (b *Bus) HandleTrack(s *media.Stream) { b.post(event{kind: evTrack, stream: s}) }

// HandleState enqueues a connection-state change.
func (b *Bus) HandleState(state string) { b.post(event{kind: evState, state: state}) }

// HandleConnected enqueues the connected signal.
func (b *Bus) HandleConnected() { b.post(event{kind: evConnected}) }

// HandleError enqueues an error for the handler.
func (b *Bus) HandleError(err error) { b.post(event{kind: evError, err: err}) }

// Flush releases any held TTS text and blocks until every event posted before
// it has been dispatched. It returns immediately after Close.
func (b *Bus) Flush() {
	ack := make(chan struct{})
	if !b.post(event{kind: evFlush, ack: ack}) {
		return
	}
	select {
	case <-ack:
	case <-b.done:
	}
}

// barrier blocks until every event posted before it has been dispatched,
// without touching held TTS text.
func (b *Bus) barrier() {
	ack := make(chan struct{})
	if !b.post(event{kind: evBarrier, ack: ack}) {
		return
	}
	select {
	case <-ack:
	case <-b.done:
	}
}

// Close stops the bus like [Bus.Stop] and waits until the drain finished.
func (b *Bus) Close() {
	b.Stop()
	<-b.done
}

// Stop ends intake without waiting: queued events are still dispatched, held
// TTS text is released and the dispatch goroutine exits. Events posted after
// Stop are dropped. Stop and Close are idempotent and Stop is safe to call
// from a handler.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.quit) })
}

// Done is closed once the bus has drained and its dispatch goroutine exited.
func (b *Bus) Done() <-chan struct{} { return b.done }

func (b *Bus) post(ev event) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	select {
	case b.in <- ev:
		return true
	case <-b.quit:
		return false
	}
}

func (b *Bus) run() {
	defer close(b.done)
	if b.after != nil {
		<-b.after
	}
	for {
		select {
		case ev := <-b.in:
			b.dispatch(ev)
		case <-b.quit:
			for {
				select {
				case ev := <-b.in:
					b.dispatch(ev)
				default:
					b.releaseTTS()
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev event) {
	switch ev.kind {
	case evMessage:
		b.dispatchMessage(ev.msg)
	case evTrack:
		b.handler.OnTrack(ev.stream)
	case evState:
		b.handler.OnConnectionStateChange(ev.state)
	case evConnected:
		b.handler.OnConnected()
	case evError:
		b.handler.OnError(ev.err)
	case evFlush:
		b.llmOpen = false
		b.releaseTTS()
		close(ev.ack)
	case evInvalid:
		b.count("invalid")
	case evBarrier:
		close(ev.ack)
	}
}

func (b *Bus) dispatchMessage(m Message) {
	err := b.route(m)
	switch {
	case errors.Is(err, errUnknownType):
		b.log.Debug("rtvi: ignoring unknown message type", "type", m.Type, "id", m.ID)
		b.count("unknown")
		return
	case err != nil:
		b.log.Warn("rtvi: dropping message", "type", m.Type, "id", m.ID, "err", err)
		b.count("invalid")
		return
	}
	b.count(m.Type)
}

func (b *Bus) route(m Message) error {
	switch m.Type {
	case TypeBotReady:
		b.handler.OnBotReady()

	case TypeUserTranscript:
		var d TranscriptData
		if err := m.decodeText(&d); err != nil {
			return err
		}
		b.handler.OnUserTranscript(d.Final, d.Text)

	case TypeBotTranscript:
		var d TextData
		if err := m.decodeText(&d); err != nil {
			return err
		}
		b.handler.OnBotTranscript(d.Text)

	case TypeBotLLMStarted:
		// A new turn implicitly closes one that never reported stopped.
		b.releaseTTS()
		b.llmOpen = true

	case TypeBotLLMText:
		var d TextData
		if err := m.decodeText(&d); err != nil {
			return err
		}
		b.handler.OnBotLLMTokens(d.Text)

	case TypeBotLLMStopped:
		b.llmOpen = false
		b.releaseTTS()

	case TypeBotTTSText:
		var d TextData
		if err := m.decodeText(&d); err != nil {
			return err
		}
		if b.llmOpen {
			b.pendingTTS = append(b.pendingTTS, d.Text)
			return nil
		}
		b.handler.OnBotTTSText(d.Text)

	case TypeError:
		var d ErrorData
		if err := m.DecodeData(&d); err != nil {
			return err
		}
		b.handler.OnError(&ServerError{Message: d.Error, Fatal: d.Fatal})

	case TypeBotTTSStarted, TypeBotTTSStopped,
		TypeUserStartedSpeak, TypeUserStoppedSpeak,
		TypeBotStartedSpeak, TypeBotStoppedSpeak:
		// Accepted, nothing to surface.

	default:
		return errUnknownType
	}
	return nil
}

func (b *Bus) releaseTTS() {
	pending := b.pendingTTS
	b.pendingTTS = nil
	for _, text := range pending {
		b.handler.OnBotTTSText(text)
	}
}

func (b *Bus) count(msgType string) {
	if b.onMessage != nil {
		b.onMessage(msgType)
	}
}
