package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medchat/voice-service/internal/session"
)

func TestTranslateServerEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want RealtimeEvent
		ok   bool
	}{
		{
			name: "speech started",
			raw:  `{"type":"input_audio_buffer.speech_started","item_id":"i1"}`,
			want: RealtimeEvent{Type: RealtimeSpeechStarted, ItemID: "i1"},
			ok:   true,
		},
		{
			name: "transcription completed",
			raw:  `{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello"}`,
			want: RealtimeEvent{Type: RealtimeTranscriptionCompleted, ItemID: "i1", Text: "hello"},
			ok:   true,
		},
		{
			name: "transcription failed",
			raw:  `{"type":"conversation.item.input_audio_transcription.failed","item_id":"i1","error":{"code":"audio_unintelligible","message":"bad audio"}}`,
			want: RealtimeEvent{Type: RealtimeTranscriptionFailed, ItemID: "i1", Code: "audio_unintelligible", Detail: "bad audio"},
			ok:   true,
		},
		{
			name: "incomplete response",
			raw:  `{"type":"response.done","response":{"id":"r1","status":"incomplete","status_details":{"type":"incomplete","reason":"max_output_tokens"}}}`,
			want: RealtimeEvent{Type: RealtimeResponseDone, ItemID: "r1", Status: ResponseIncomplete, Reason: "max_output_tokens"},
			ok:   true,
		},
		{
			name: "failed response",
			raw:  `{"type":"response.done","response":{"id":"r2","status":"failed","status_details":{"type":"failed","error":{"type":"server_error","message":"boom"}}}}`,
			want: RealtimeEvent{Type: RealtimeResponseDone, ItemID: "r2", Status: ResponseFailed, Code: "server_error", Detail: "boom", Retryable: true},
			ok:   true,
		},
		{
			name: "completed response with transcript",
			raw: `{"type":"response.done","response":{"id":"r3","status":"completed","output":[` +
				`{"type":"message","role":"assistant","content":[{"type":"output_audio","transcript":"Take some rest."}]}]}}`,
			want: RealtimeEvent{Type: RealtimeResponseDone, ItemID: "r3", Status: ResponseCompleted, Text: "Take some rest."},
			ok:   true,
		},
		{
			name: "error",
			raw:  `{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"nope"}}`,
			want: RealtimeEvent{Type: RealtimeError, Code: "invalid_value", Detail: "nope"},
			ok:   true,
		},
		{
			name: "ignored",
			raw:  `{"type":"response.output_audio.delta","delta":"AAAA"}`,
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw realtimeServerEvent
			if err := json.Unmarshal([]byte(tc.raw), &raw); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, ok := translateServerEvent(raw)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("event = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestSessionParamOutputModalities(t *testing.T) {
	cases := []struct {
		modalities []string
		want       string
	}{
		{[]string{"text", "audio"}, "audio"},
		{[]string{"audio"}, "audio"},
		{[]string{"text"}, "text"},
		{nil, "text"},
	}
	for _, tc := range cases {
		raw, err := json.Marshal(sessionParam(RealtimeConfig{Model: "gpt-realtime", Modalities: tc.modalities}))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var decoded struct {
			OutputModalities []string `json:"output_modalities"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(decoded.OutputModalities) != 1 || decoded.OutputModalities[0] != tc.want {
			t.Fatalf("modalities %v -> %v, want [%s]", tc.modalities, decoded.OutputModalities, tc.want)
		}
	}
}

func TestOpenAIRealtimeSessionRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan map[string]any, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("model") != "gpt-realtime" {
			http.Error(w, "bad model", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
			if msg["type"] == "response.create" {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.created","response":{"id":"r1"}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(
					`{"type":"response.done","response":{"id":"r1","status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello there"}]}]}}`))
			}
		}
	}))
	defer srv.Close()

	p := NewOpenAIRealtimeProvider(OpenAIConfig{
		APIKey: "sk-test",
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Model:  "gpt-realtime",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rt, err := p.Connect(ctx, "s1", RealtimeConfig{
		Voice:         "alloy",
		Instructions:  "be kind",
		Modalities:    []string{"text"},
		TurnDetection: session.DefaultTurnDetection(),
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer rt.Close()

	first := <-received
	if first["type"] != "session.update" {
		t.Fatalf("first frame type = %v, want session.update", first["type"])
	}
	sess, _ := first["session"].(map[string]any)
	if sess["instructions"] != "be kind" {
		t.Fatalf("session payload = %v", sess)
	}

	if err := rt.CreateUserMessage(ctx, "hi"); err != nil {
		t.Fatalf("CreateUserMessage() error = %v", err)
	}
	if err := rt.CreateResponse(ctx); err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}

	var got []RealtimeEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-rt.Events():
			if !ok {
				t.Fatalf("events closed early")
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", got)
		}
	}
	if got[0].Type != RealtimeResponseCreated || got[1].Type != RealtimeResponseDone || got[1].Text != "Hello there" {
		t.Fatalf("events = %+v", got)
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case _, ok := <-rt.Events():
		for ok {
			_, ok = <-rt.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after Close")
	}
	if err := rt.CreateResponse(ctx); err == nil {
		t.Fatalf("expected write after close to fail")
	}
}

func TestOpenAIRealtimeProviderRequiresKey(t *testing.T) {
	p := NewOpenAIRealtimeProvider(OpenAIConfig{})
	if _, err := p.Connect(context.Background(), "s1", RealtimeConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
