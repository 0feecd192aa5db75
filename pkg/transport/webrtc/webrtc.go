// Package webrtc implements [transport.Transport] on top of pion/webrtc.
//
// The client creates a peer connection with an audio transceiver, a video
// transceiver and an "rtvi-ai" data channel, gathers all ICE candidates, and
// posts the complete offer to the bot server's /api/offer endpoint. Incoming
// bot tracks and data-channel messages are reported to the
// [transport.Observer].
//
// Local tracks are sample tracks: callers that have a capture source write
// samples into [Transport.MicTrack] and [Transport.CamTrack]. Muting swaps the
// sender's track for nil, which keeps the transceiver negotiated.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/MrWong99/bridgespeak/pkg/media"
	"github.com/MrWong99/bridgespeak/pkg/rtvi"
	"github.com/MrWong99/bridgespeak/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// DataChannelLabel is the label of the RTVI data channel.
const DataChannelLabel = rtvi.Label

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("webrtc: transport closed")

// TrackSink consumes the RTP stream of a remote track until it ends. When no
// sink is configured remote tracks are drained and discarded.
type TrackSink func(track *pion.TrackRemote)

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the client used for the offer exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithAudioSink routes remote audio tracks to sink instead of discarding them.
func WithAudioSink(sink TrackSink) Option {
	return func(t *Transport) { t.audioSink = sink }
}

// WithAPI replaces the pion API, e.g. to customise the media engine or the
// setting engine.
func WithAPI(api *pion.API) Option {
	return func(t *Transport) { t.api = api }
}

// Transport is a pion-backed [transport.Transport].
type Transport struct {
	cfg        transport.Config
	obs        transport.Observer
	httpClient *http.Client
	log        *slog.Logger
	audioSink  TrackSink
	api        *pion.API

	mu       sync.Mutex
	pc       *pion.PeerConnection
	dc       *pion.DataChannel
	dcOpen   bool
	outbox   [][]byte
	micTrack *pion.TrackLocalStaticSample
	camTrack *pion.TrackLocalStaticSample
	micSend  *pion.RTPSender
	camSend  *pion.RTPSender
	micOn    bool
	camOn    bool
	pcID     string
	closed   bool
}

// New creates an unconnected Transport. It matches [transport.Factory] when
// partially applied with options via [Factory].
func New(cfg transport.Config, obs transport.Observer, opts ...Option) (*Transport, error) {
	if cfg.ServerBase == "" {
		return nil, errors.New("webrtc: server base URL is required")
	}
	if obs == nil {
		obs = transport.ObserverFuncs{}
	}
	t := &Transport{
		cfg: cfg,
		obs: obs,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Factory returns a [transport.Factory] that applies opts to every transport.
func Factory(opts ...Option) transport.Factory {
	return func(cfg transport.Config, obs transport.Observer) (transport.Transport, error) {
		return New(cfg, obs, opts...)
	}
}

// Connect builds the peer connection, completes ICE gathering and performs
// the offer/answer exchange.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.pc != nil {
		t.mu.Unlock()
		return errors.New("webrtc: already connected")
	}
	t.mu.Unlock()

	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	if err := t.setup(pc); err != nil {
		_ = pc.Close()
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.Close()
		return ErrClosed
	}
	t.pc = pc
	t.mu.Unlock()

	t.obs.OnStateChange(transport.StateConnecting)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local := pc.LocalDescription()
	ans, err := NewOfferClient(t.cfg.ServerBase, t.httpClient).Exchange(ctx, OfferRequest{
		SDP:  local.SDP,
		Type: local.Type.String(),
	})
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: ans.SDP}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w: %v", transport.ErrProtocol, err)
	}

	t.mu.Lock()
	t.pcID = ans.PCID
	t.mu.Unlock()
	t.log.Debug("webrtc: answer applied", "pc_id", ans.PCID)
	return nil
}

// newPeerConnection uses pion's default codecs and interceptors unless an API
// was supplied.
func (t *Transport) newPeerConnection() (*pion.PeerConnection, error) {
	cfg := pion.Configuration{ICEServers: t.iceServers()}
	if t.api != nil {
		return t.api.NewPeerConnection(cfg)
	}
	return pion.NewPeerConnection(cfg)
}

func (t *Transport) iceServers() []pion.ICEServer {
	if len(t.cfg.ICEServers) == 0 {
		return nil
	}
	return []pion.ICEServer{{URLs: t.cfg.ICEServers}}
}

// setup adds the local tracks, the data channel and the callbacks.
func (t *Transport) setup(pc *pion.PeerConnection) error {
	mic, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "bridgespeak",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create audio track: %w", err)
	}
	cam, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
		"video", "bridgespeak",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create video track: %w", err)
	}

	micTr, err := pc.AddTransceiverFromTrack(mic, pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return fmt.Errorf("webrtc: add audio transceiver: %w", err)
	}
	camTr, err := pc.AddTransceiverFromTrack(cam, pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionSendrecv})
	if err != nil {
		return fmt.Errorf("webrtc: add video transceiver: %w", err)
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}

	t.mu.Lock()
	t.micTrack, t.camTrack = mic, cam
	t.micSend, t.camSend = micTr.Sender(), camTr.Sender()
	// Both tracks stay attached through negotiation; a disabled track is
	// detached by the first EnableMic/EnableCam(false) after connect.
	t.micOn, t.camOn = t.cfg.EnableMic, t.cfg.EnableCam
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(t.flushOutbox)
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		t.obs.OnMessage(msg.Data)
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		kind := media.KindAudio
		if track.Kind() == pion.RTPCodecTypeVideo {
			kind = media.KindVideo
		}
		t.obs.OnTrack(media.Track{ID: track.ID(), Kind: kind, Origin: media.OriginBot, Remote: track})

		if kind == media.KindAudio && t.audioSink != nil {
			go t.audioSink(track)
			return
		}
		go drain(track)
	})

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		t.log.Debug("webrtc: peer connection state", "state", s.String())
		if st, ok := mapState(s); ok {
			t.obs.OnStateChange(st)
		}
	})
	return nil
}

func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func mapState(s pion.PeerConnectionState) (transport.ConnState, bool) {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return transport.StateConnecting, true
	case pion.PeerConnectionStateConnected:
		return transport.StateConnected, true
	case pion.PeerConnectionStateDisconnected:
		return transport.StateDisconnected, true
	case pion.PeerConnectionStateFailed:
		return transport.StateFailed, true
	case pion.PeerConnectionStateClosed:
		return transport.StateClosed, true
	default:
		return "", false
	}
}

// Send writes m to the data channel. Messages sent before the channel opens
// are queued and delivered in order once it does.
func (t *Transport) Send(m rtvi.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("webrtc: encode %s: %w", m.Type, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.dc == nil || !t.dcOpen {
		t.outbox = append(t.outbox, raw)
		t.mu.Unlock()
		return nil
	}
	dc := t.dc
	t.mu.Unlock()

	if err := dc.SendText(string(raw)); err != nil {
		return fmt.Errorf("webrtc: send %s: %w", m.Type, err)
	}
	return nil
}

func (t *Transport) flushOutbox() {
	t.mu.Lock()
	t.dcOpen = true
	pending := t.outbox
	t.outbox = nil
	dc := t.dc
	t.mu.Unlock()

	for _, raw := range pending {
		if err := dc.SendText(string(raw)); err != nil {
			t.log.Warn("webrtc: send queued message", "err", err)
		}
	}
}

// EnableMic switches the microphone track on or off.
func (t *Transport) EnableMic(on bool) error {
	return t.toggle(on, func() (*pion.RTPSender, *pion.TrackLocalStaticSample, *bool) {
		return t.micSend, t.micTrack, &t.micOn
	})
}

// EnableCam switches the camera track on or off.
func (t *Transport) EnableCam(on bool) error {
	return t.toggle(on, func() (*pion.RTPSender, *pion.TrackLocalStaticSample, *bool) {
		return t.camSend, t.camTrack, &t.camOn
	})
}

func (t *Transport) toggle(on bool, pick func() (*pion.RTPSender, *pion.TrackLocalStaticSample, *bool)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	sender, track, state := pick()
	if sender == nil {
		return errors.New("webrtc: not connected")
	}
	if attached := sender.Track() != nil; attached == on {
		*state = on
		return nil
	}
	var next pion.TrackLocal
	if on {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		return fmt.Errorf("webrtc: replace track: %w", err)
	}
	*state = on
	return nil
}

// LocalTracks returns the live local tracks.
func (t *Transport) LocalTracks() []media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []media.Track
	if t.micTrack != nil && t.micOn {
		out = append(out, media.Track{ID: t.micTrack.ID(), Kind: media.KindAudio, Origin: media.OriginLocal, Remote: t.micTrack})
	}
	if t.camTrack != nil && t.camOn {
		out = append(out, media.Track{ID: t.camTrack.ID(), Kind: media.KindVideo, Origin: media.OriginLocal, Remote: t.camTrack})
	}
	return out
}

// MicTrack returns the microphone sample track, or nil before Connect.
func (t *Transport) MicTrack() *pion.TrackLocalStaticSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.micTrack
}

// CamTrack returns the camera sample track, or nil before Connect.
func (t *Transport) CamTrack() *pion.TrackLocalStaticSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.camTrack
}

// PCID returns the server-assigned peer connection id.
func (t *Transport) PCID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcID
}

// Close tears down the peer connection. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.outbox = nil
	t.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("webrtc: close: %w", err)
	}
	return nil
}
