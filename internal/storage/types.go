package storage

import (
	"context"
	"errors"
	"time"

	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrUnauthenticated is returned when a transcript arrives without a caller token.
	ErrUnauthenticated = errors.New("auth token is required")
)

// SessionRecord is the persisted view of a voice session.
type SessionRecord struct {
	ID             string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	RoomName       string            `json:"room_name"`
	Status         session.Status    `json:"status"`
	Config         session.Config    `json:"config"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EndReason      string            `json:"end_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// Message is one stored conversation message.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists session records and transcripts.
type Store interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	UpdateSessionConfig(ctx context.Context, id string, cfg session.Config) error
	MarkEnded(ctx context.Context, id, reason string, at time.Time) error
	StoreTranscription(ctx context.Context, rec voice.TranscriptRecord, authToken string) error
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// FromSession builds the record written when a session is created.
func FromSession(s *session.Session) SessionRecord {
	rec := SessionRecord{
		ID:             s.ID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		RoomName:       s.RoomName,
		Status:         s.Status,
		Config:         s.Config,
		Metadata:       s.Metadata,
		CreatedAt:      s.CreatedAt,
	}
	if !s.EndedAt.IsZero() {
		ended := s.EndedAt
		rec.EndedAt = &ended
	}
	return rec
}
