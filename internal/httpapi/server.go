package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/medchat/voice-service/internal/auth"
	"github.com/medchat/voice-service/internal/config"
	"github.com/medchat/voice-service/internal/messaging"
	"github.com/medchat/voice-service/internal/observability"
	"github.com/medchat/voice-service/internal/rooms"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/storage"
	"github.com/medchat/voice-service/internal/voice"
)

// WebhookReceiver verifies and decodes room webhooks.
type WebhookReceiver interface {
	Receive(r *http.Request) (rooms.WebhookEvent, error)
}

type Deps struct {
	Config   config.Config
	Sessions *session.Manager
	Store    storage.Store
	Tokens   voice.TokenSource
	Webhooks WebhookReceiver
	Auth     *auth.Verifier
	Bus      messaging.Bus
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	store    storage.Store
	tokens   voice.TokenSource
	webhooks WebhookReceiver
	auth     *auth.Verifier
	bus      messaging.Bus
	metrics  *observability.Metrics
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = observability.DiscardLogger()
	}
	if d.Bus == nil {
		d.Bus = messaging.Disabled{}
	}
	if d.Metrics == nil {
		d.Metrics = observability.NewMetrics(d.Config.MetricsNamespace)
	}
	if d.Auth == nil {
		d.Auth = auth.NewVerifier(d.Config.SupabaseJWTSecret)
	}
	cfg := d.Config
	return &Server{
		cfg:      cfg,
		sessions: d.Sessions,
		store:    d.Store,
		tokens:   d.Tokens,
		webhooks: d.Webhooks,
		auth:     d.Auth,
		bus:      d.Bus,
		metrics:  d.Metrics,
		log:      d.Logger.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
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
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware(func(w http.ResponseWriter, err error) {
			respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		}))
		r.Post("/v1/voice/session/create", s.handleCreateSession)
		r.Get("/v1/voice/session/{id}/status", s.handleSessionStatus)
		r.Get("/v1/voice/session/{id}/messages", s.handleSessionMessages)
		r.Post("/v1/voice/session/{id}/config", s.handleUpdateConfig)
		r.Delete("/v1/voice/session/{id}", s.handleEndSession)
	})

	r.Get("/v1/voice/ws/{id}", s.handleSessionWS)
	r.Post("/v1/webhooks/livekit", s.handleLiveKitWebhook)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"voice_provider":  s.cfg.VoiceProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":        "ready",
		"event_bus":     s.bus.Available(),
		"store_enabled": s.store != nil,
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			payload["status"] = "degraded"
			payload["store_error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

type createSessionRequest struct {
	SessionID      string            `json:"session_id"`
	ConversationID string            `json:"conversation_id"`
	Config         session.Config    `json:"config"`
	Metadata       map[string]string `json:"metadata"`
}

type createSessionResponse struct {
	SessionID      string         `json:"session_id"`
	RoomName       string         `json:"room_name"`
	Token          string         `json:"token"`
	URL            string         `json:"url,omitempty"`
	Status         session.Status `json:"status"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Config         session.Config `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = uuid.NewString()
	}

	started := time.Now()
	sess, created, err := s.sessions.CreateOrGet(r.Context(), session.CreateParams{
		ID:             req.SessionID,
		UserID:         principal.UserID,
		ConversationID: req.ConversationID,
		Config:         req.Config,
		Metadata:       req.Metadata,
		AuthToken:      principal.Token,
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", req.SessionID).Error("create session failed")
		s.metrics.SessionEvents.WithLabelValues("create_failed").Inc()
		respondError(w, http.StatusBadGateway, "session_start_failed", "failed to start voice session")
		return
	}
	if sess.UserID != principal.UserID {
		respondError(w, http.StatusConflict, "session_exists", "session id already in use")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.metrics.ObserveSessionStart(time.Since(started))
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
		s.metrics.SessionEvents.WithLabelValues("created").Inc()

		if s.store != nil {
			if err := s.store.SaveSession(r.Context(), storage.FromSession(sess)); err != nil {
				s.log.WithError(err).WithField("session_id", sess.ID).Warn("persist session record failed")
			}
		}
		s.publish(r.Context(), messaging.KeySessionCreated, sess, "")
	}

	token, err := s.tokens.Token(sess.RoomName, principal.UserID, principal.UserID)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Error("mint user token failed")
		respondError(w, http.StatusInternalServerError, "token_failed", "failed to mint room token")
		return
	}

	respondJSON(w, status, createSessionResponse{
		SessionID:      sess.ID,
		RoomName:       sess.RoomName,
		Token:          token,
		URL:            s.cfg.LiveKitURL,
		Status:         sess.Status,
		ConversationID: sess.ConversationID,
		Config:         sess.Config,
		CreatedAt:      sess.CreatedAt,
	})
}

type sessionStatusResponse struct {
	SessionID      string         `json:"session_id"`
	Status         string         `json:"status"`
	RoomName       string         `json:"room_name"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Config         session.Config `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	EndReason      string         `json:"end_reason,omitempty"`
}

// handleSessionStatus reports live sessions as active and persisted-but-gone ones as inactive.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if sess, ok := s.sessions.Get(id); ok && sess.UserID == principal.UserID {
		respondJSON(w, http.StatusOK, sessionStatusResponse{
			SessionID:      sess.ID,
			Status:         "active",
			RoomName:       sess.RoomName,
			ConversationID: sess.ConversationID,
			Config:         sess.Config,
			CreatedAt:      sess.CreatedAt,
		})
		return
	}

	if s.store != nil {
		rec, err := s.store.GetSession(r.Context(), id)
		if err == nil && rec.UserID == principal.UserID {
			respondJSON(w, http.StatusOK, sessionStatusResponse{
				SessionID:      rec.ID,
				Status:         "inactive",
				RoomName:       rec.RoomName,
				ConversationID: rec.ConversationID,
				Config:         rec.Config,
				CreatedAt:      rec.CreatedAt,
				EndedAt:        rec.EndedAt,
				EndReason:      rec.EndReason,
			})
			return
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).WithField("session_id", id).Warn("load session record failed")
		}
	}
	respondError(w, http.StatusNotFound, "session_not_found", "session not found")
}

const maxMessagesLimit = 200

// handleSessionMessages returns the stored transcript of the session's conversation, oldest first.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if s.store == nil {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	conversationID := ""
	if sess, ok := s.sessions.Get(id); ok && sess.UserID == principal.UserID {
		conversationID = sess.ConversationID
	} else if rec, err := s.store.GetSession(r.Context(), id); err == nil && rec.UserID == principal.UserID {
		conversationID = rec.ConversationID
	} else {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if conversationID == "" {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "messages": []storage.Message{}})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessagesLimit)
	}
	msgs, err := s.store.Messages(r.Context(), conversationID, limit)
	if err != nil {
		s.log.WithError(err).WithField("session_id", id).Warn("load messages failed")
		respondError(w, http.StatusInternalServerError, "messages_failed", "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":      id,
		"conversation_id": conversationID,
		"messages":        msgs,
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if sess, ok := s.sessions.Get(id); !ok || sess.UserID != principal.UserID {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	var cfg session.Config
	if err := decodeJSON(r, &cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "config body is required")
		return
	}
	ok, err := s.sessions.UpdateConfig(r.Context(), id, cfg)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("session_id", id).Warn("config update failed")
		respondError(w, http.StatusBadGateway, "config_update_failed", err.Error())
		return
	}

	sess, ok := s.sessions.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if s.store != nil {
		if err := s.store.UpdateSessionConfig(r.Context(), id, sess.Config); err != nil {
			s.log.WithError(err).WithField("session_id", id).Warn("persist session config failed")
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     "updated",
		"config":     sess.Config,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	id := chi.URLParam(r, "id")
	if sess, ok := s.sessions.Get(id); !ok || sess.UserID != principal.UserID {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}

	ok, err := s.sessions.End(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("session_id", id).Warn("session ended with teardown errors")
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     string(session.StatusEnded),
	})
}

// publish emits a lifecycle event when the bus is up. Delivery failures are logged only.
func (s *Server) publish(ctx context.Context, key string, sess *session.Session, reason string) {
	if !s.bus.Available() {
		return
	}
	err := s.bus.Publish(ctx, key, messaging.Event{
		Type:           key,
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		ConversationID: sess.ConversationID,
		RoomName:       sess.RoomName,
		Reason:         reason,
		OccurredAt:     time.Now().UTC(),
	})
	if err != nil {
		s.log.WithError(err).WithField("session_id", sess.ID).Warn("publish lifecycle event failed")
	}
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
