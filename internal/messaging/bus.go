package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Routing keys on the service exchange.
const (
	KeySessionCreated = "voice.session.created"
	KeySessionEnded   = "voice.session.ended"
	KeySessionEnd     = "voice.session.end"
)

var (
	ErrUnavailable = errors.New("event bus unavailable")
	ErrBadCommand  = errors.New("malformed bus command")
)

// Event is a session lifecycle notification.
type Event struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	RoomName       string    `json:"room_name,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Command asks this service to act on a session.
type Command struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Bus publishes lifecycle events. Callers check Available before relying on delivery.
type Bus interface {
	Available() bool
	Publish(ctx context.Context, routingKey string, ev Event) error
	Close() error
}

// CommandHandler handles one decoded command.
type CommandHandler func(ctx context.Context, cmd Command) error

// Disabled is the bus used when no broker is configured.
type Disabled struct{}

func (Disabled) Available() bool { return false }

func (Disabled) Publish(context.Context, string, Event) error { return ErrUnavailable }

func (Disabled) Close() error { return nil }

// DecodeCommand parses a command body.
func DecodeCommand(body []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if cmd.SessionID == "" {
		return Command{}, fmt.Errorf("%w: session_id is required", ErrBadCommand)
	}
	return cmd, nil
}
