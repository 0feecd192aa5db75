// Package session implements the session transport core: the lifecycle of one
// realtime conversation with the bot server.
//
// A [Core] owns at most one transport at a time. It negotiates the peer
// connection, hands the chosen scenario to the bot once the peer is up,
// collects the bot's tracks into a single stream, and forwards typed events
// to an [rtvi.Handler] through an [rtvi.Bus].
//
// Teardown requested by the caller is never reported as a fault. Each
// connect starts a new generation; transport callbacks of an older
// generation are dropped. An intentional-disconnect flag, cleared shortly
// after teardown, covers callbacks that arrive while the transport is still
// closing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/bridgespeak/internal/observe"
	"github.com/MrWong99/bridgespeak/pkg/media"
	"github.com/MrWong99/bridgespeak/pkg/rtvi"
	"github.com/MrWong99/bridgespeak/pkg/transport"
)

// DefaultIntentResetDelay is how long the intentional-disconnect flag stays
// raised after teardown.
const DefaultIntentResetDelay = 500 * time.Millisecond

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrNotConnected is returned by the media toggles outside the connected
	// state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAborted is returned by Connect when Disconnect ran while the
	// connection was being set up.
	ErrAborted = errors.New("session: connect aborted by disconnect")
)

// Config holds the dependencies of a [Core].
type Config struct {
	// ServerBase is the bot server base URL.
	ServerBase string

	// ICEServers are passed to each transport.
	ICEServers []string

	// Transport builds the transport for each connect. Required.
	Transport transport.Factory

	// Handler receives UI events. Nil discards them.
	Handler rtvi.Handler

	// Metrics records transitions, faults and RTVI traffic. Nil disables
	// metrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// IntentResetDelay defaults to [DefaultIntentResetDelay].
	IntentResetDelay time.Duration
}

// Core is the session transport core. All methods are safe for concurrent
// use.
type Core struct {
	serverBase  string
	iceServers  []string
	factory     transport.Factory
	handler     rtvi.Handler
	metrics     *observe.Metrics
	log         *slog.Logger
	intentDelay time.Duration

	mu          sync.Mutex
	state       State
	gen         uint64
	tr          transport.Transport
	bus         *rtvi.Bus
	busDone     <-chan struct{} // latest bus, possibly still draining
	agg         *media.Aggregator
	scenario    Scenario
	intentional bool
	intentTimer *time.Timer
	micOn       bool
	camOn       bool
	lastFault   *Fault
}

// New creates an idle Core.
func New(cfg Config) (*Core, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	c := &Core{
		serverBase:  cfg.ServerBase,
		iceServers:  cfg.ICEServers,
		factory:     cfg.Transport,
		handler:     cfg.Handler,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		intentDelay: cfg.IntentResetDelay,
		state:       StateIdle,
		agg:         media.NewAggregator(),
	}
	if c.handler == nil {
		c.handler = rtvi.NopHandler{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.intentDelay <= 0 {
		c.intentDelay = DefaultIntentResetDelay
	}
	return c, nil
}

// Connect starts a session for sc. It returns once the offer/answer exchange
// completed; the connected state follows asynchronously and is announced
// through the handler.
//
// A failed connect leaves the Core in [StateFailed] and returns the
// classified *Fault. Connect is allowed from idle and failed.
func (c *Core) Connect(ctx context.Context, sc Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "session.connect", trace.WithAttributes(
		attribute.String("session.scenario", sc.ID),
		attribute.Bool("session.video", sc.EnableVideo),
	))
	defer span.End()

	c.mu.Lock()
	if !CanTransition(c.state, StateConnecting) {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, st)
	}
	oldBus := c.bus
	c.gen++
	gen := c.gen
	c.intentional = false
	if c.intentTimer != nil {
		c.intentTimer.Stop()
		c.intentTimer = nil
	}
	c.scenario = sc.clone()
	c.agg.Release()
	opts := []rtvi.BusOption{rtvi.WithLogger(c.log), rtvi.WithOnMessage(c.countMessage)}
	if c.busDone != nil {
		opts = append(opts, rtvi.WithAfter(c.busDone))
	}
	c.bus = rtvi.NewBus(c.handler, opts...)
	c.busDone = c.bus.Done()
	c.micOn, c.camOn = true, sc.EnableVideo
	c.lastFault = nil
	from := c.setState(StateConnecting)
	bus := c.bus
	c.mu.Unlock()

	if oldBus != nil {
		oldBus.Stop()
	}
	c.announce(bus, from, StateConnecting)
	c.log.Info("session: connecting", "scenario", sc.ID, "server", c.serverBase, "video", sc.EnableVideo)

	tr, err := c.factory(transport.Config{
		ServerBase: c.serverBase,
		EnableMic:  true,
		EnableCam:  sc.EnableVideo,
		ICEServers: c.iceServers,
	}, &observer{c: c, gen: gen})
	if err != nil {
		return c.connectFailed(gen, fmt.Errorf("session: create transport: %w", err))
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = tr.Close()
		return ErrAborted
	}
	c.tr = tr
	c.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		err = c.connectFailed(gen, err)
		observe.Fail(span, err, "connect failed")
		return err
	}
	return nil
}

func (c *Core) connectFailed(gen uint64, err error) error {
	if f := c.fail(gen, err); f != nil {
		return f
	}
	c.mu.Lock()
	f := c.lastFault
	c.mu.Unlock()
	if f != nil {
		// A transport callback reported the failure first.
		return f
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// Disconnect tears the session down. Cleanup is unconditional and no fault is
// reported for it. Calling Disconnect on an idle Core is a no-op.
//
// Disconnect does not wait for the session's remaining events to reach the
// handler, so it may be called from within a handler call. Events of the
// next session are delivered only after them.
func (c *Core) Disconnect() error {
	c.mu.Lock()
	if c.state == StateIdle && c.tr == nil && c.bus == nil {
		c.mu.Unlock()
		return nil
	}
	c.intentional = true
	var from State
	if c.state == StateConnected {
		from = c.setState(StateDisconnecting)
	}
	tr := c.tr
	c.tr = nil
	bus := c.bus
	c.mu.Unlock()

	if from != "" {
		c.announce(bus, from, StateDisconnecting)
	}

	var err error
	if tr != nil {
		if err = tr.Close(); err != nil {
			err = fmt.Errorf("session: close transport: %w", err)
		}
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.agg.Release()
	bus = c.bus
	c.bus = nil
	from = c.setState(StateIdle)
	if c.intentTimer != nil {
		c.intentTimer.Stop()
	}
	c.intentTimer = time.AfterFunc(c.intentDelay, func() { c.resetIntent(gen) })
	c.mu.Unlock()

	if from != "" {
		c.announce(bus, from, StateIdle)
	}
	if bus != nil {
		bus.Stop()
	}
	c.log.Info("session: disconnected")
	return err
}

func (c *Core) resetIntent(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.intentional = false
		c.intentTimer = nil
	}
}

// ToggleMicrophone switches the microphone and returns the resulting state.
func (c *Core) ToggleMicrophone(on bool) (bool, error) {
	return c.toggle("microphone", on, &c.micOn, transport.Transport.EnableMic)
}

// ToggleCamera switches the camera and returns the resulting state.
func (c *Core) ToggleCamera(on bool) (bool, error) {
	return c.toggle("camera", on, &c.camOn, transport.Transport.EnableCam)
}

func (c *Core) toggle(device string, on bool, cur *bool, set func(transport.Transport, bool) error) (bool, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.tr == nil {
		v := *cur
		c.mu.Unlock()
		return v, ErrNotConnected
	}
	tr := c.tr
	c.mu.Unlock()

	if err := set(tr, on); err != nil {
		c.log.Warn("session: toggle failed", "device", device, "on", on, "err", err)
		c.mu.Lock()
		v := *cur
		c.mu.Unlock()
		return v, fmt.Errorf("session: toggle %s: %w", device, err)
	}
	c.mu.Lock()
	*cur = on
	c.mu.Unlock()
	return on, nil
}

// MediaState reports whether microphone and camera are on.
func (c *Core) MediaState() (mic, cam bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micOn, c.camOn
}

// LocalStream returns a snapshot of the client's live tracks, or nil when not
// connected.
func (c *Core) LocalStream() *media.Stream {
	c.mu.Lock()
	if c.state != StateConnected || c.tr == nil {
		c.mu.Unlock()
		return nil
	}
	tr := c.tr
	c.mu.Unlock()
	return media.NewStream("local", tr.LocalTracks()...)
}

// RemoteStream returns the aggregated bot stream, or nil when not connected
// or before the first bot track arrived.
func (c *Core) RemoteStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.agg.Current()
}

// IsConnected reports whether the state is [StateConnected].
func (c *Core) IsConnected() bool { return c.State() == StateConnected }

// State returns the current state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scenario returns the scenario of the current or last session.
func (c *Core) Scenario() Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scenario.clone()
}

// LastFault returns the fault that put the Core into [StateFailed], if any.
func (c *Core) LastFault() *Fault {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFault
}

// setState moves to to and returns the previous state. It returns "" and
// leaves the state unchanged for illegal or no-op transitions. c.mu must be
// held.
func (c *Core) setState(to State) State {
	from := c.state
	if from == to {
		return ""
	}
	if !CanTransition(from, to) {
		c.log.Error("session: illegal transition", "from", from, "to", to)
		return ""
	}
	c.state = to
	return from
}

// announce reports a transition. It must be called without c.mu held.
func (c *Core) announce(bus *rtvi.Bus, from, to State) {
	c.log.Debug("session: state", "from", from, "to", to)
	if c.metrics != nil {
		c.metrics.RecordTransition(context.Background(), string(from), string(to))
	}
	if bus != nil {
		bus.HandleState(string(to))
	}
}

func (c *Core) countMessage(msgType string) {
	if c.metrics != nil {
		c.metrics.RecordRTVIEvent(context.Background(), msgType)
	}
}

// live reports whether gen is the current generation and no disconnect was
// requested. c.mu must be held.
func (c *Core) live(gen uint64) bool {
	return gen == c.gen && !c.intentional
}

// fail moves the session of generation gen to [StateFailed] and reports the
// classified fault. It returns nil when the generation is stale or the
// teardown was intentional.
func (c *Core) fail(gen uint64, err error) *Fault {
	c.mu.Lock()
	if !c.live(gen) || c.state == StateFailed || c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	fault := Classify(err)
	from := c.setState(StateFailed)
	tr := c.tr
	c.tr = nil
	c.gen++
	c.lastFault = fault
	bus := c.bus
	c.mu.Unlock()

	c.log.Warn("session: failed", "kind", fault.Kind, "err", err)
	if c.metrics != nil {
		c.metrics.RecordFault(context.Background(), string(fault.Kind))
	}
	c.announce(bus, from, StateFailed)
	if bus != nil {
		bus.HandleError(fault)
	}
	if tr != nil {
		go func() {
			if err := tr.Close(); err != nil {
				c.log.Debug("session: close failed transport", "err", err)
			}
		}()
	}
	return fault
}

func (c *Core) handleState(gen uint64, s transport.ConnState) {
	c.log.Debug("session: transport state", "state", s)

	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	switch {
	case s == transport.StateConnected:
		if c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		from := c.setState(StateConnected)
		tr, bus, sc := c.tr, c.bus, c.scenario
		c.mu.Unlock()

		c.announce(bus, from, StateConnected)
		bus.HandleConnected()
		c.afterConnect(gen, tr, sc)

	case s.Terminal():
		c.mu.Unlock()
		c.fail(gen, fmt.Errorf("%w: transport %s", ErrTransportLost, s))

	default:
		c.mu.Unlock()
	}
}

// afterConnect performs the scenario handoff and the camera disable. Both are
// best-effort.
func (c *Core) afterConnect(gen uint64, tr transport.Transport, sc Scenario) {
	if tr == nil {
		return
	}
	msg, err := rtvi.NewClientMessage(ScenarioMessageType, sc.Payload())
	if err != nil {
		c.log.Error("session: encode scenario", "err", err)
	} else if err := tr.Send(msg); err != nil {
		c.log.Warn("session: scenario handoff failed", "scenario", sc.ID, "err", err)
	}

	if sc.EnableVideo {
		return
	}
	c.mu.Lock()
	ok := c.live(gen)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := tr.EnableCam(false); err != nil {
		c.log.Warn("session: disable camera", "err", err)
	}
}

func (c *Core) handleTrack(gen uint64, t media.Track) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	agg, bus := c.agg, c.bus
	c.mu.Unlock()

	stream, added := agg.Add(t)
	if !added {
		return
	}
	c.log.Debug("session: bot track", "id", t.ID, "kind", t.Kind, "tracks", stream.Len())
	bus.HandleTrack(stream)
}

func (c *Core) handleMessage(gen uint64, raw []byte) {
	c.mu.Lock()
	if !c.live(gen) {
		c.mu.Unlock()
		return
	}
	bus := c.bus
	c.mu.Unlock()
	bus.HandleRaw(raw)
}

// observer binds transport callbacks to one generation.
type observer struct {
	c   *Core
	gen uint64
}

func (o *observer) OnStateChange(s transport.ConnState) { o.c.handleState(o.gen, s) }
func (o *observer) OnTrack(t media.Track)               { o.c.handleTrack(o.gen, t) }
func (o *observer) OnMessage(raw []byte)                { o.c.handleMessage(o.gen, raw) }
