// Package uibridge exposes the session and speech cores to the learner's UI.
//
// The UI drives the daemon through a small JSON API and follows it through a
// WebSocket event feed:
//
//	GET    /events                  WebSocket feed of [Event] values
//	POST   /api/session/connect     body: session.Scenario
//	POST   /api/session/disconnect
//	POST   /api/session/mic         body: {"on": bool}
//	POST   /api/session/camera      body: {"on": bool}
//	GET    /api/session
//	POST   /api/tts/speak           body: speakRequest
//	POST   /api/tts/stop
//	POST   /api/tts/preload         body: preloadRequest
//	GET    /api/tts/status
//	GET    /api/tts/cache
//	DELETE /api/tts/cache
//	GET    /healthz, /readyz, /metrics
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/bridgespeak/internal/health"
	"github.com/MrWong99/bridgespeak/internal/observe"
	"github.com/MrWong99/bridgespeak/internal/session"
	"github.com/MrWong99/bridgespeak/internal/speech"
	"github.com/MrWong99/bridgespeak/pkg/cache"
	"github.com/MrWong99/bridgespeak/pkg/media"
)

const (
	// maxBodyBytes caps request bodies.
	maxBodyBytes = 64 << 10

	// writeTimeout bounds a single feed write.
	writeTimeout = 5 * time.Second
)

// Session is the part of the session core used by the bridge.
type Session interface {
	Connect(ctx context.Context, sc session.Scenario) error
	Disconnect() error
	ToggleMicrophone(on bool) (bool, error)
	ToggleCamera(on bool) (bool, error)
	State() session.State
	Scenario() session.Scenario
	MediaState() (mic, cam bool)
	LastFault() *session.Fault
	RemoteStream() *media.Stream
}

// Speech is the part of the speech core used by the bridge.
type Speech interface {
	Speak(ctx context.Context, text, language string, opts speech.Options) error
	Stop()
	Preload(ctx context.Context, text, language string)
	Status() speech.Status
	CacheStats() cache.Stats
	ClearCache()
}

// Config holds the dependencies of a [Server].
type Config struct {
	Session Session
	Speech  Speech
	Hub     *Hub

	// Health serves /healthz and /readyz. Nil serves /healthz only.
	Health *health.Handler

	// Metrics serves /metrics. Nil uses promhttp.Handler.
	Metrics http.Handler

	// Instruments is passed to observe.Middleware. Nil uses
	// observe.DefaultMetrics.
	Instruments *observe.Metrics

	// OriginPatterns lists additional origins allowed to open the feed.
	OriginPatterns []string

	Logger *slog.Logger
}

// Server serves the bridge API. Background work started by requests (async
// speech, preloads) runs until [Server.Close].
type Server struct {
	session Session
	speech  Speech
	hub     *Hub
	health  *health.Handler
	metrics http.Handler
	inst    *observe.Metrics
	origins []string
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. Session and Speech are required.
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil || cfg.Speech == nil {
		return nil, errors.New("uibridge: session and speech are required")
	}
	s := &Server{
		session: cfg.Session,
		speech:  cfg.Speech,
		hub:     cfg.Hub,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		inst:    cfg.Instruments,
		origins: cfg.OriginPatterns,
		log:     cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.hub == nil {
		s.hub = NewHub(s.log)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if s.inst == nil {
		s.inst = observe.DefaultMetrics()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler of the bridge.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("POST /api/session/connect", s.handleConnect)
	mux.HandleFunc("POST /api/session/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/session/mic", s.handleToggle(s.session.ToggleMicrophone))
	mux.HandleFunc("POST /api/session/camera", s.handleToggle(s.session.ToggleCamera))
	mux.HandleFunc("GET /api/session", s.handleSession)

	mux.HandleFunc("POST /api/tts/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/tts/stop", s.handleStop)
	mux.HandleFunc("POST /api/tts/preload", s.handlePreload)
	mux.HandleFunc("GET /api/tts/status", s.handleTTSStatus)
	mux.HandleFunc("GET /api/tts/cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/tts/cache", s.handleCacheClear)

	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metrics)

	return observe.Middleware(s.inst)(mux)
}

// Close stops background work started by requests and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// ── Event feed ───────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("uibridge: feed upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// The feed is write-only; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())

	if err := writeEvent(ctx, conn, Event{
		Type: EventState,
		Data: StateData{State: string(s.session.State())},
		Time: time.Now(),
	}); err != nil {
		return
	}

	for {
		select {
		case ev := <-sub.ch:
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.log.Debug("uibridge: feed write failed", "err", err)
				return
			}
		case <-sub.slow:
			conn.Close(websocket.StatusPolicyViolation, "feed client too slow")
			return
		case <-s.ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Session ──────────────────────────────────────────────────────────────────

type toggleRequest struct {
	On bool `json:"on"`
}

type toggleResponse struct {
	On bool `json:"on"`
}

type sessionResponse struct {
	State    string           `json:"state"`
	Scenario session.Scenario `json:"scenario"`
	Mic      bool             `json:"mic"`
	Camera   bool             `json:"camera"`
	Tracks   []media.Track    `json:"tracks"`
	Fault    *ErrorData       `json:"fault,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var sc session.Scenario
	if !decodeBody(w, r, &sc) {
		return
	}
	if err := sc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrorData{Message: err.Error()})
		return
	}

	err := s.session.Connect(r.Context(), sc)
	var f *session.Fault
	switch {
	case err == nil:
		s.writeSession(w, http.StatusAccepted)
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrAborted):
		writeError(w, http.StatusConflict, ErrorData{Message: err.Error()})
	case errors.As(err, &f):
		observe.Logger(r.Context()).Warn("uibridge: connect failed", "scenario", sc.ID, "err", err)
		writeError(w, http.StatusBadGateway, errorData(f))
	default:
		writeError(w, http.StatusInternalServerError, ErrorData{Message: err.Error()})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.session.Disconnect(); err != nil {
		// Teardown completed regardless; the error only concerns the old
		// transport.
		s.log.Warn("uibridge: disconnect", "err", err)
	}
	s.writeSession(w, http.StatusOK)
}

func (s *Server) handleToggle(toggle func(bool) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		on, err := toggle(req.On)
		switch {
		case errors.Is(err, session.ErrNotConnected):
			writeError(w, http.StatusConflict, ErrorData{Message: err.Error()})
		case err != nil:
			writeError(w, http.StatusBadGateway, ErrorData{Message: err.Error()})
		default:
			writeJSON(w, http.StatusOK, toggleResponse{On: on})
		}
	}
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	s.writeSession(w, http.StatusOK)
}

func (s *Server) writeSession(w http.ResponseWriter, status int) {
	mic, cam := s.session.MediaState()
	resp := sessionResponse{
		State:    string(s.session.State()),
		Scenario: s.session.Scenario(),
		Mic:      mic,
		Camera:   cam,
		Tracks:   []media.Track{},
	}
	if st := s.session.RemoteStream(); st != nil {
		resp.Tracks = st.Tracks()
	}
	if f := s.session.LastFault(); f != nil && resp.State == string(session.StateFailed) {
		d := errorData(f)
		resp.Fault = &d
	}
	writeJSON(w, status, resp)
}

// ── Speech ───────────────────────────────────────────────────────────────────

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	speech.Options

	// Wait makes the request block until the utterance ended.
	Wait bool `json:"wait,omitempty"`
}

type speakResponse struct {
	Status string `json:"status"`
}

type preloadRequest struct {
	Language string   `json:"language"`
	Text     string   `json:"text,omitempty"`
	Texts    []string `json:"texts,omitempty"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" || req.Language == "" {
		writeError(w, http.StatusBadRequest, ErrorData{Message: "text and language are required"})
		return
	}

	if !req.Wait {
		s.goBackground(func(ctx context.Context) {
			if err := s.speech.Speak(ctx, req.Text, req.Language, req.Options); err != nil && !errors.Is(err, speech.ErrStopped) {
				s.log.Debug("uibridge: speak", "err", err)
			}
		})
		writeJSON(w, http.StatusAccepted, speakResponse{Status: "queued"})
		return
	}

	err := s.speech.Speak(r.Context(), req.Text, req.Language, req.Options)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, speakResponse{Status: "done"})
	case errors.Is(err, speech.ErrStopped):
		writeJSON(w, http.StatusOK, speakResponse{Status: "stopped"})
	case errors.Is(err, speech.ErrEmptyText):
		writeError(w, http.StatusBadRequest, ErrorData{Message: err.Error()})
	case errors.Is(err, speech.ErrNoProvider):
		writeError(w, http.StatusServiceUnavailable, ErrorData{Message: err.Error()})
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		writeError(w, http.StatusBadGateway, ErrorData{Message: err.Error()})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.speech.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	texts := req.Texts
	if req.Text != "" {
		texts = append([]string{req.Text}, texts...)
	}
	if len(texts) == 0 || req.Language == "" {
		writeError(w, http.StatusBadRequest, ErrorData{Message: "text and language are required"})
		return
	}
	s.goBackground(func(ctx context.Context) {
		for _, t := range texts {
			if ctx.Err() != nil {
				return
			}
			s.speech.Preload(ctx, t, req.Language)
		}
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleTTSStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.speech.Status())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.speech.CacheStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	s.speech.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error ErrorData `json:"error"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrorData{Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, d ErrorData) {
	writeJSON(w, status, errorResponse{Error: d})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("uibridge: encode response", "err", err)
	}
}
