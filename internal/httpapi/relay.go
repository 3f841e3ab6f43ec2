package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/medchat/voice-service/internal/protocol"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// relayAgent is the part of a voice agent a websocket client drives.
type relayAgent interface {
	RegisterSocket(s voice.Socket)
	UnregisterSocket(s voice.Socket)
	ProcessText(ctx context.Context, text string) error
	ProcessAudio(ctx context.Context, audioBase64 string) error
	StartConversation(ctx context.Context) error
	StopConversation(ctx context.Context) error
	PauseConversation(ctx context.Context) error
	ResumeConversation(ctx context.Context) error
	Done() <-chan struct{}
}

// wsSocket serializes writes; the agent broadcasts from its own goroutine.
type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	log := s.log.WithField("session_id", sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock := &wsSocket{conn: conn}

	found, ok := s.sessions.Agent(sessionID)
	agent, isRelay := found.(relayAgent)
	if !ok || !isRelay {
		log.Warn("websocket for unknown session")
		sock.close(websocket.ClosePolicyViolation, "session not found")
		return
	}

	agent.RegisterSocket(sock)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	code, reason := websocket.CloseNormalClosure, ""
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("websocket relay panic")
			code, reason = websocket.CloseInternalServerErr, "internal error"
		}
		agent.UnregisterSocket(sock)
		sock.close(code, reason)
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}()

	// A stopped agent unblocks the read loop by closing the connection under it.
	stopped := make(chan struct{})
	relayDone := make(chan struct{})
	defer close(relayDone)
	go func() {
		select {
		case <-agent.Done():
			close(stopped)
			_ = conn.SetReadDeadline(time.Now())
		case <-relayDone:
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopped:
				code, reason = websocket.CloseGoingAway, "session ended"
			default:
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		s.relayFrame(ctx, log, sessionID, agent, sock, data)
	}
}

// relayFrame dispatches one client frame. Failures become error frames; the connection stays open.
func (s *Server) relayFrame(ctx context.Context, log logrus.FieldLogger, sessionID string, agent relayAgent, sock *wsSocket, data []byte) {
	parsed, err := protocol.ParseClientMessage(data)
	switch {
	case errors.Is(err, protocol.ErrInvalidJSON):
		s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
		if werr := sock.WriteJSON(protocol.Error("Invalid JSON message")); werr != nil {
			log.WithError(werr).Debug("error frame write failed")
		}
		return
	case err != nil:
		s.metrics.WSMessages.WithLabelValues("inbound", "ignored").Inc()
		log.WithError(err).Warn("ignoring websocket frame")
		return
	}

	switch msg := parsed.(type) {
	case protocol.ClientAudio:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeAudio)).Inc()
		err = agent.ProcessAudio(ctx, msg.Data)
	case protocol.ClientText:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeText)).Inc()
		err = agent.ProcessText(ctx, msg.Text)
	case protocol.ClientConfig:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeConfig)).Inc()
		err = s.relayConfig(ctx, sessionID, msg)
		if err != nil {
			_ = sock.WriteJSON(protocol.Error("Failed to update config: " + err.Error()))
			err = nil
		}
	case protocol.ClientControl:
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeControl)).Inc()
		switch msg.Action {
		case protocol.ActionStart:
			err = agent.StartConversation(ctx)
		case protocol.ActionStop:
			err = agent.StopConversation(ctx)
		case protocol.ActionPause:
			err = agent.PauseConversation(ctx)
		case protocol.ActionResume:
			err = agent.ResumeConversation(ctx)
		}
	}
	if err != nil {
		log.WithError(err).Warn("websocket frame handling failed")
	}
}

func (s *Server) relayConfig(ctx context.Context, sessionID string, msg protocol.ClientConfig) error {
	var cfg session.Config
	if err := json.Unmarshal(msg.Config, &cfg); err != nil {
		return err
	}
	ok, err := s.sessions.UpdateConfig(ctx, sessionID, cfg)
	if !ok {
		return session.ErrNotFound
	}
	if err != nil {
		return err
	}
	if s.store != nil {
		if sess, found := s.sessions.Get(sessionID); found {
			if err := s.store.UpdateSessionConfig(ctx, sessionID, sess.Config); err != nil {
				s.log.WithError(err).WithField("session_id", sessionID).Warn("persist session config failed")
			}
		}
	}
	return nil
}
