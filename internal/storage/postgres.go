package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
	"github.com/sirupsen/logrus"
)

// PostgresStore persists sessions and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, log logrus.FieldLogger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	md, err := json.Marshal(nonNilMetadata(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, conversation_id, room_name, status, config, metadata, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, config = EXCLUDED.config, metadata = EXCLUDED.metadata`,
		rec.ID,
		rec.UserID,
		rec.ConversationID,
		rec.RoomName,
		string(rec.Status),
		cfg,
		md,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var (
		rec            SessionRecord
		conversationID *string
		endReason      *string
		status         string
		cfg, md        []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, conversation_id, room_name, status, config, metadata, end_reason, created_at, ended_at
		 FROM voice_sessions WHERE id=$1`,
		id,
	).Scan(&rec.ID, &rec.UserID, &conversationID, &rec.RoomName, &status, &cfg, &md, &endReason, &rec.CreatedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	rec.Status = session.Status(status)
	if conversationID != nil {
		rec.ConversationID = *conversationID
	}
	if endReason != nil {
		rec.EndReason = *endReason
	}
	if err := json.Unmarshal(cfg, &rec.Config); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session config: %w", err)
	}
	if err := json.Unmarshal(md, &rec.Metadata); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session metadata: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateSessionConfig(ctx context.Context, id string, cfg session.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE voice_sessions SET config=$2 WHERE id=$1`, id, raw)
	if err != nil {
		return fmt.Errorf("update session config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEnded(ctx context.Context, id, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET status=$2, end_reason=$3, ended_at=$4 WHERE id=$1`,
		id, string(session.StatusEnded), reason, at,
	)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreTranscription writes one message as the calling user. The user id is bound to the
// transaction so row-level policies keyed on request.jwt.claim.sub apply.
func (s *PostgresStore) StoreTranscription(ctx context.Context, rec voice.TranscriptRecord, authToken string) error {
	if authToken == "" {
		return ErrUnauthenticated
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	md, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claim.sub', $1, true)`, rec.UserID); err != nil {
			return fmt.Errorf("bind caller: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, session_id, user_id, role, content, metadata, created_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
			uuid.NewString(),
			rec.ConversationID,
			rec.SessionID,
			rec.UserID,
			rec.Role,
			rec.Content,
			md,
			rec.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store transcription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, COALESCE(session_id, ''), user_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT $2`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m  Message
			md []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &md, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if len(md) > 0 {
			_ = json.Unmarshal(md, &m.Metadata)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNilMetadata(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}
	return md
}
