package rtvi

import "github.com/MrWong99/bridgespeak/pkg/media"

// Handler receives UI-facing events from a [Bus]. All methods are called from
// the bus's single dispatch goroutine, never concurrently.
//
// A handler may call [Bus.Stop] on the bus calling it, but not [Bus.Close] or
// [Bus.Flush], which wait for the dispatch goroutine.
type Handler interface {
	OnUserTranscript(final bool, text string)
	OnBotTranscript(text string)

	// OnBotLLMTokens delivers one streamed delta of the bot's reply.
	OnBotLLMTokens(delta string)

	// OnBotTTSText delivers the final text being spoken for a turn. Within a
	// turn it is always delivered after every OnBotLLMTokens of that turn.
	OnBotTTSText(text string)

	// OnTrack is called for each new bot track with the aggregated stream.
	// The same *media.Stream is passed until the session ends.
	OnTrack(stream *media.Stream)

	OnBotReady()
	OnConnected()
	OnConnectionStateChange(state string)
	OnError(err error)
}

// NopHandler implements Handler with no-ops. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) OnUserTranscript(bool, string) {}
func (NopHandler) OnBotTranscript(string) {}
func (NopHandler) OnBotLLMTokens(string) {}
func (NopHandler) OnBotTTSText(string) {}
func (NopHandler) OnTrack(*media.Stream) {}
func (NopHandler) OnBotReady() {}
func (NopHandler) OnConnected() {}
func (NopHandler) OnConnectionStateChange(string) {}
func (NopHandler) OnError(error) {}

// Multi fans every event out to each handler in order.
type Multi []Handler

func (m Multi) OnUserTranscript(final bool, text string) {
	for _, h := range m {
		h.OnUserTranscript(final, text)
	}
}

func (m Multi) OnBotTranscript(text string) {
	for _, h := range m {
		h.OnBotTranscript(text)
	}
}

func (m Multi) OnBotLLMTokens(delta string) {
	for _, h := range m {
		h.OnBotLLMTokens(delta)
	}
}

func (m Multi) OnBotTTSText(text string) {
	for _, h := range m {
		h.OnBotTTSText(text)
	}
}

func (m Multi) OnTrack(stream *media.Stream) {
	for _, h := range m {
		h.OnTrack(stream)
	}
}

func (m Multi) OnBotReady() {
	for _, h := range m {
		h.OnBotReady()
	}
}

func (m Multi) OnConnected() {
	for _, h := range m {
		h.OnConnected()
	}
}

func (m Multi) OnConnectionStateChange(state string) {
	for _, h := range m {
		h.OnConnectionStateChange(state)
	}
}

func (m Multi) OnError(err error) {
	for _, h := range m {
		h.OnError(err)
	}
}
