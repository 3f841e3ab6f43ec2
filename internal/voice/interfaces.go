package voice

import (
	"context"
	"time"

	"github.com/medchat/voice-service/internal/session"
)

type RealtimeEventType string

const (
	RealtimeSpeechStarted          RealtimeEventType = "speech_started"
	RealtimeTranscriptionCompleted RealtimeEventType = "transcription_completed"
	RealtimeTranscriptionFailed    RealtimeEventType = "transcription_failed"
	RealtimeResponseCreated        RealtimeEventType = "response_created"
	RealtimeResponseDone           RealtimeEventType = "response_done"
	RealtimeError                  RealtimeEventType = "error"
)

// Response statuses reported on RealtimeResponseDone.
const (
	ResponseCompleted  = "completed"
	ResponseCancelled  = "cancelled"
	ResponseIncomplete = "incomplete"
	ResponseFailed     = "failed"
)

type RealtimeEvent struct {
	Type   RealtimeEventType
	ItemID string
	// Text is the user transcript for transcription events and the assistant transcript for completed responses.
	Text string
	// Status, Reason and Code describe a finished response.
	Status string
	Reason string
	Code   string
	Detail string

	Retryable bool
}

// RealtimeConfig is the session configuration sent to the realtime speech collaborator.
type RealtimeConfig struct {
	Model              string
	Instructions       string
	Voice              string
	Temperature        float64
	MaxOutputTokens    int
	Modalities         []string
	TranscriptionModel string
	Language           string
	TurnDetection      session.TurnDetection
}

type RealtimeSession interface {
	UpdateSession(ctx context.Context, cfg RealtimeConfig) error
	CreateUserMessage(ctx context.Context, text string) error
	CreateResponse(ctx context.Context) error
	CancelResponse(ctx context.Context) error
	AppendAudio(ctx context.Context, audioBase64 string) error
	// Events is closed when the upstream connection ends.
	Events() <-chan RealtimeEvent
	Close() error
}

type RealtimeProvider interface {
	Connect(ctx context.Context, sessionID string, cfg RealtimeConfig) (RealtimeSession, error)
}

// TokenSource mints room join tokens.
type TokenSource interface {
	Token(room, identity, name string) (string, error)
}

// TranscriptSegment is one transcription update published into the room.
type TranscriptSegment struct {
	ID                  string `json:"id"`
	ParticipantIdentity string `json:"participant_identity"`
	Text                string `json:"text"`
	Final               bool   `json:"final"`
	Language            string `json:"language,omitempty"`
}

// RoomHandler receives room participant events. Callbacks may run on SDK goroutines.
type RoomHandler struct {
	OnParticipantJoined func(identity string)
	OnParticipantLeft   func(identity string)
	OnDisconnected      func()
}

type RoomConn interface {
	PublishTranscription(seg TranscriptSegment) error
	Connected() bool
	Disconnect()
}

type RoomConnector interface {
	Connect(ctx context.Context, token string, handler RoomHandler) (RoomConn, error)
}

// TranscriptRecord is one persisted conversation message.
type TranscriptRecord struct {
	ConversationID string
	SessionID      string
	UserID         string
	Role           string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

type TranscriptStore interface {
	StoreTranscription(ctx context.Context, rec TranscriptRecord, authToken string) error
}

// Socket is a client connection that accepts JSON frames.
type Socket interface {
	WriteJSON(v any) error
}
