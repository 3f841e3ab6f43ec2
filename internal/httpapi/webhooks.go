package httpapi

import (
	"net/http"
	"strings"

	"github.com/medchat/voice-service/internal/rooms"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
)

// handleLiveKitWebhook ends sessions whose room finished or whose human participant left.
func (s *Server) handleLiveKitWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		respondError(w, http.StatusNotFound, "webhooks_disabled", "room webhooks are not configured")
		return
	}
	ev, err := s.webhooks.Receive(r)
	if err != nil {
		s.log.WithError(err).Warn("rejected room webhook")
		respondError(w, http.StatusUnauthorized, "invalid_webhook", "webhook signature rejected")
		return
	}

	sessionID := s.webhookSessionID(ev)
	log := s.log.WithField("event", ev.Event).WithField("room", ev.Room).WithField("session_id", sessionID)

	var reason session.EndReason
	switch ev.Event {
	case rooms.EventRoomFinished:
		reason = session.ReasonRoomFinished
	case rooms.EventParticipantLeft:
		if voice.IsAgentIdentity(ev.Identity) {
			break
		}
		reason = session.ReasonParticipantLeft
	}
	if reason == "" || sessionID == "" {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	ended, err := s.sessions.EndWithReason(r.Context(), sessionID, reason)
	if err != nil {
		log.WithError(err).Warn("webhook teardown finished with errors")
	}
	if ended {
		log.Info("session ended by room webhook")
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "ended": ended})
}

func (s *Server) webhookSessionID(ev rooms.WebhookEvent) string {
	if ev.Metadata != "" {
		if md, err := rooms.DecodeMetadata(ev.Metadata); err == nil && md.SessionID != "" {
			return md.SessionID
		}
	}
	prefix := s.cfg.LiveKitRoomPrefix
	if prefix == "" {
		prefix = "voice-"
	}
	if id, ok := strings.CutPrefix(ev.Room, prefix); ok {
		return id
	}
	return ""
}
