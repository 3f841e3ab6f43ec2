package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudio   MessageType = "audio"
	TypeText    MessageType = "text"
	TypeConfig  MessageType = "config"
	TypeControl MessageType = "control"

	TypeStatus        MessageType = "status"
	TypeTranscription MessageType = "transcription"
	TypeError         MessageType = "error"
)

// Control actions accepted on a control frame.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
)

// Status values carried by status frames.
const (
	StatusListening  = "listening"
	StatusProcessing = "processing"
	StatusStarted    = "started"
	StatusStopped    = "stopped"
	StatusPaused     = "paused"
	StatusResumed    = "resumed"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidJSON     = errors.New("invalid json message")
	// ErrEmptyPayload marks a known frame type whose payload is missing. Such frames are ignored.
	ErrEmptyPayload = errors.New("empty message payload")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientAudio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientConfig struct {
	Type   MessageType     `json:"type"`
	Config json.RawMessage `json:"config"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type StatusEvent struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

type TranscriptionEvent struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
	Role    string      `json:"role,omitempty"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func Status(status, message string) StatusEvent {
	return StatusEvent{Type: TypeStatus, Status: status, Message: message}
}

func Transcription(text string, isFinal bool, role string) TranscriptionEvent {
	return TranscriptionEvent{Type: TypeTranscription, Text: text, IsFinal: isFinal, Role: role}
}

func Error(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

// ParseClientMessage decodes one inbound frame. Unknown types return ErrUnsupportedType
// wrapped with the offending type.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch env.Type {
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: audio", ErrEmptyPayload)
		}
		return msg, nil
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if msg.Text == "" {
			return nil, fmt.Errorf("%w: text", ErrEmptyPayload)
		}
		return msg, nil
	case TypeConfig:
		var msg ClientConfig
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		if len(msg.Config) == 0 || string(msg.Config) == "null" {
			return nil, fmt.Errorf("%w: config", ErrEmptyPayload)
		}
		return msg, nil
	case TypeControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		switch msg.Action {
		case ActionStart, ActionStop, ActionPause, ActionResume:
			return msg, nil
		case "":
			return nil, fmt.Errorf("%w: control", ErrEmptyPayload)
		default:
			return nil, fmt.Errorf("%w: control action %q", ErrUnsupportedType, msg.Action)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
