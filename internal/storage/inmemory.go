package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	messages map[string][]Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		messages: make(map[string][]Message),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) UpdateSessionConfig(_ context.Context, id string, cfg session.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Config = cfg
	s.sessions[id] = rec
	return nil
}

func (s *InMemoryStore) MarkEnded(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = session.StatusEnded
	rec.EndReason = reason
	rec.EndedAt = &at
	s.sessions[id] = rec
	return nil
}

func (s *InMemoryStore) StoreTranscription(_ context.Context, rec voice.TranscriptRecord, authToken string) error {
	if authToken == "" {
		return ErrUnauthenticated
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: rec.ConversationID,
		SessionID:      rec.SessionID,
		UserID:         rec.UserID,
		Role:           rec.Role,
		Content:        rec.Content,
		Metadata:       rec.Metadata,
		CreatedAt:      rec.CreatedAt,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.ConversationID] = append(s.messages[rec.ConversationID], msg)
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Message, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
