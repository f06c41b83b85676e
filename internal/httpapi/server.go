package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicetutor/internal/config"
	"github.com/ent0n29/voicetutor/internal/history"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/protocol"
	"github.com/ent0n29/voicetutor/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	maxTurnsLimit  = 500
)

// Engine runs one voice conversation over a websocket.
type Engine interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   Engine
	store    history.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, sessions *session.Manager, engine Engine, store history.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a learner's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/active", s.handleActiveSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/turns", s.handleSessionTurns)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"voice_provider":  s.cfg.VoiceProvider,
		"dialogue_mode":   s.cfg.DialogueMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "reason": "voice engine not configured"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"history_store": s.historyBackend(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Language) == "" {
		req.Language = s.cfg.Persona.Language
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.Persona.VoiceID
	}

	sess := s.sessions.Create(req.UserID, req.Language, req.VoiceID)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.IncSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Type:            sess.Type,
		Language:        sess.Language,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.IncSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id is required")
		return
	}
	sess, err := s.sessions.ActiveForUser(userID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleSessionTurns lists the persisted transcript. Turns outlive the
// in-memory session record, so an unknown id is only a 404 when the store
// has nothing for it either.
func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history store not configured")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxTurnsLimit)
	}

	turns, err := s.store.SessionTurns(r.Context(), id, limit)
	if err != nil {
		s.logger.Warn("list session turns failed", "session_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if len(turns) == 0 {
		if _, err := s.sessions.Get(id); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
	}
	if turns == nil {
		turns = []history.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.engine == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice engine not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := s.sessions.Attach(sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrAttached):
			respondError(w, http.StatusConflict, "session_attached", err.Error())
		case errors.Is(err, session.ErrEnded):
			respondError(w, http.StatusGone, "session_ended", err.Error())
		default:
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		}
		return
	}
	defer s.sessions.Detach(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := s.logger.With("session_id", sessionID)
	s.metrics.IncSessionEvent("ws_connected")
	s.metrics.AddWSConnections(1)
	defer s.metrics.AddWSConnections(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.engine.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Warn("voice connection ended with error", "err", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					s.metrics.IncWSWriteError()
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.IncWSWriteError()
					logger.Debug("websocket write failed", "err", err)
					cancel()
					return
				}
				s.metrics.ObserveOutboundMessage(protocol.MessageTypeOf(msg))
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay single-threaded; drop when the queue is full.
				s.metrics.IncSessionEvent("outbound_drop")
			}
			continue
		}

		s.metrics.ObserveInboundMessage(clientMessageType(parsed))
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.IncSessionEvent("ws_disconnected")
}

func clientMessageType(msg any) string {
	switch m := msg.(type) {
	case protocol.ClientAudioFrame:
		return string(m.Type)
	case protocol.ClientControl:
		return string(m.Type)
	default:
		return "unknown"
	}
}

func (s *Server) historyBackend() string {
	if s.store == nil {
		return "disabled"
	}
	return history.Backend(s.store)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
