package session

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidID    = errors.New("session id is required")
	ErrRoomNotFound = errors.New("room not found")
)

// EndReason records which exit path tore a session down.
type EndReason string

const (
	ReasonExplicit          EndReason = "explicit"
	ReasonRoomGone          EndReason = "room_gone"
	ReasonRoomEmpty         EndReason = "room_empty"
	ReasonRoomUnreachable   EndReason = "room_unreachable"
	ReasonAgentDisconnected EndReason = "agent_disconnected"
	ReasonParticipantLeft   EndReason = "participant_left"
	ReasonRoomFinished      EndReason = "room_finished"
	ReasonBusCommand        EndReason = "bus_command"
	ReasonShutdown          EndReason = "shutdown"
)

// TurnDetection holds server-side voice activity detection thresholds.
type TurnDetection struct {
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// Config is the per-session voice configuration pushed to the realtime collaborator.
type Config struct {
	VoiceID            string        `json:"voice_id"`
	Temperature        float64       `json:"temperature"`
	MaxOutputTokens    int           `json:"max_output_tokens"`
	Modalities         []string      `json:"modalities"`
	Instructions       string        `json:"instructions,omitempty"`
	Language           string        `json:"language,omitempty"`
	TranscriptionModel string        `json:"transcription_model,omitempty"`
	TurnDetection      TurnDetection `json:"turn_detection"`
}

// DefaultTurnDetection matches the thresholds used for new sessions.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{Threshold: 0.5, PrefixPaddingMS: 200, SilenceDurationMS: 300}
}

// Merge fills zero-valued fields of c from base.
func (c Config) Merge(base Config) Config {
	out := c
	if out.VoiceID == "" {
		out.VoiceID = base.VoiceID
	}
	if out.Temperature == 0 {
		out.Temperature = base.Temperature
	}
	if out.MaxOutputTokens == 0 {
		out.MaxOutputTokens = base.MaxOutputTokens
	}
	if len(out.Modalities) == 0 {
		out.Modalities = append([]string(nil), base.Modalities...)
	}
	if out.Instructions == "" {
		out.Instructions = base.Instructions
	}
	if out.Language == "" {
		out.Language = base.Language
	}
	if out.TranscriptionModel == "" {
		out.TranscriptionModel = base.TranscriptionModel
	}
	if out.TurnDetection.Threshold == 0 {
		out.TurnDetection.Threshold = base.TurnDetection.Threshold
	}
	if out.TurnDetection.PrefixPaddingMS == 0 {
		out.TurnDetection.PrefixPaddingMS = base.TurnDetection.PrefixPaddingMS
	}
	if out.TurnDetection.SilenceDurationMS == 0 {
		out.TurnDetection.SilenceDurationMS = base.TurnDetection.SilenceDurationMS
	}
	return out
}

// HasModality reports whether name is among the configured modalities.
func (c Config) HasModality(name string) bool {
	for _, m := range c.Modalities {
		if m == name {
			return true
		}
	}
	return false
}

// Session is a snapshot of one live voice session.
type Session struct {
	ID             string            `json:"session_id"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	RoomName       string            `json:"room_name"`
	Status         Status            `json:"status"`
	Config         Config            `json:"config"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`
}

// CreateParams describes a session to create.
type CreateParams struct {
	ID             string
	UserID         string
	RoomName       string
	ConversationID string
	Config         Config
	Metadata       map[string]string
	// AuthToken is the caller's bearer token, forwarded to transcript persistence.
	AuthToken string
}

// RoomMetadata is the typed payload stored on the room. It is serialized only by the room provider.
type RoomMetadata struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Config         Config `json:"config"`
}

// RoomSpec describes a room to create.
type RoomSpec struct {
	Name            string
	EmptyTimeout    time.Duration
	MaxParticipants int
	Metadata        RoomMetadata
}

// RoomInfo is the occupancy view the monitor needs.
type RoomInfo struct {
	Name string
	// NumParticipants counts human participants only.
	NumParticipants int
	EmptyTimeout    time.Duration
	CreatedAt       time.Time
}

// RoomProvider creates and inspects rooms. GetRoom returns an error wrapping ErrRoomNotFound for missing rooms.
type RoomProvider interface {
	CreateRoom(ctx context.Context, spec RoomSpec) error
	DeleteRoom(ctx context.Context, name string) error
	GetRoom(ctx context.Context, name string) (RoomInfo, error)
	UpdateRoomMetadata(ctx context.Context, name string, md RoomMetadata) error
}

// Agent is the lifecycle surface of a voice agent bound to one room.
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	UpdateConfig(ctx context.Context, cfg Config) error
	// Connected reports whether the agent still holds its room connection.
	Connected() bool
}

// AgentParams carries everything a factory needs to build an agent.
type AgentParams struct {
	SessionID      string
	UserID         string
	RoomName       string
	ConversationID string
	Config         Config
	AuthToken      string
}

// AgentFactory builds an unstarted agent.
type AgentFactory func(params AgentParams) (Agent, error)
