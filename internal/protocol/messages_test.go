package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseClientMessageText(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"text","text":"hello"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	text, ok := msg.(ClientText)
	if !ok {
		t.Fatalf("message type = %T, want ClientText", msg)
	}
	if text.Text != "hello" {
		t.Fatalf("Text = %q, want hello", text.Text)
	}
}

func TestParseClientMessageAudio(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio","data":"AQID"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	audio, ok := msg.(ClientAudio)
	if !ok || audio.Data != "AQID" {
		t.Fatalf("unexpected audio message: %#v", msg)
	}
}

func TestParseClientMessageConfigKeepsRawPayload(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"config","config":{"voice_id":"verse","temperature":0.5}}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cfg, ok := msg.(ClientConfig)
	if !ok {
		t.Fatalf("message type = %T, want ClientConfig", msg)
	}
	var decoded map[string]any
	if err := json.Unmarshal(cfg.Config, &decoded); err != nil {
		t.Fatalf("config payload not valid json: %v", err)
	}
	if decoded["voice_id"] != "verse" {
		t.Fatalf("voice_id = %v, want verse", decoded["voice_id"])
	}
}

func TestParseClientMessageControl(t *testing.T) {
	for _, action := range []string{ActionStart, ActionStop, ActionPause, ActionResume} {
		msg, err := ParseClientMessage([]byte(`{"type":"control","action":"` + action + `"}`))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", action, err)
		}
		if got := msg.(ClientControl).Action; got != action {
			t.Fatalf("Action = %q, want %q", got, action)
		}
	}
}

func TestParseClientMessageErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"malformed", `{"type":`, ErrInvalidJSON},
		{"not an object", `"text"`, ErrInvalidJSON},
		{"unknown type", `{"type":"wat"}`, ErrUnsupportedType},
		{"unknown action", `{"type":"control","action":"explode"}`, ErrUnsupportedType},
		{"empty text", `{"type":"text","text":""}`, ErrEmptyPayload},
		{"empty audio", `{"type":"audio"}`, ErrEmptyPayload},
		{"null config", `{"type":"config","config":null}`, ErrEmptyPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestOutboundFrames(t *testing.T) {
	raw, err := json.Marshal(Error("Conversation is not active"))
	if err != nil {
		t.Fatalf("marshal error frame: %v", err)
	}
	if string(raw) != `{"type":"error","message":"Conversation is not active"}` {
		t.Fatalf("error frame = %s", raw)
	}

	raw, err = json.Marshal(Transcription("hi", true, ""))
	if err != nil {
		t.Fatalf("marshal transcription frame: %v", err)
	}
	if string(raw) != `{"type":"transcription","text":"hi","is_final":true}` {
		t.Fatalf("transcription frame = %s", raw)
	}
}
