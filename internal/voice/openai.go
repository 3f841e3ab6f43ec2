package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/medchat/voice-service/internal/reliability"
	"github.com/openai/openai-go/v3/packages/param"
	oairealtime "github.com/openai/openai-go/v3/realtime"
)

type OpenAIConfig struct {
	APIKey string
	URL    string
	Model  string
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
}

// OpenAIRealtimeProvider opens realtime speech sessions over the OpenAI realtime websocket.
type OpenAIRealtimeProvider struct {
	cfg    OpenAIConfig
	dialer *websocket.Dialer
}

func NewOpenAIRealtimeProvider(cfg OpenAIConfig) *OpenAIRealtimeProvider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &OpenAIRealtimeProvider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

func (p *OpenAIRealtimeProvider) Connect(ctx context.Context, sessionID string, cfg RealtimeConfig) (RealtimeSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("openai api key is not configured")
	}
	model := cfg.Model
	if model == "" {
		model = p.cfg.Model
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)

	conn, _, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	s := &openAIRealtimeSession{
		conn:   conn,
		model:  model,
		events: make(chan RealtimeEvent, 256),
		closed: make(chan struct{}),
	}
	go s.readLoop()

	cfg.Model = model
	if err := s.UpdateSession(ctx, cfg); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("configure realtime session %s: %w", sessionID, err)
	}
	return s, nil
}

type openAIRealtimeSession struct {
	conn      *websocket.Conn
	model     string
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	events    chan RealtimeEvent
}

func (s *openAIRealtimeSession) Events() <-chan RealtimeEvent {
	return s.events
}

func (s *openAIRealtimeSession) UpdateSession(_ context.Context, cfg RealtimeConfig) error {
	if cfg.Model == "" {
		cfg.Model = s.model
	}
	return s.writeJSON(map[string]any{
		"type":    "session.update",
		"session": sessionParam(cfg),
	})
}

func (s *openAIRealtimeSession) CreateUserMessage(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

func (s *openAIRealtimeSession) CreateResponse(_ context.Context) error {
	return s.writeJSON(map[string]any{"type": "response.create"})
}

func (s *openAIRealtimeSession) CancelResponse(_ context.Context) error {
	return s.writeJSON(map[string]any{"type": "response.cancel"})
}

func (s *openAIRealtimeSession) AppendAudio(_ context.Context, audioBase64 string) error {
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	})
}

func (s *openAIRealtimeSession) writeJSON(v any) error {
	select {
	case <-s.closed:
		return errors.New("realtime session closed")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

type realtimeServerEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	Transcript string          `json:"transcript"`
	Error      *realtimeError  `json:"error"`
	Response   *realtimeResult `json:"response"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type realtimeResult struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails *struct {
		Type   string         `json:"type"`
		Reason string         `json:"reason"`
		Error  *realtimeError `json:"error"`
	} `json:"status_details"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			Transcript string `json:"transcript"`
		} `json:"content"`
	} `json:"output"`
}

// readLoop owns the events channel and closes it when the connection ends.
func (s *openAIRealtimeSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw realtimeServerEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		ev, ok := translateServerEvent(raw)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

func translateServerEvent(raw realtimeServerEvent) (RealtimeEvent, bool) {
	switch raw.Type {
	case "input_audio_buffer.speech_started":
		return RealtimeEvent{Type: RealtimeSpeechStarted, ItemID: raw.ItemID}, true
	case "conversation.item.input_audio_transcription.completed":
		return RealtimeEvent{Type: RealtimeTranscriptionCompleted, ItemID: raw.ItemID, Text: raw.Transcript}, true
	case "conversation.item.input_audio_transcription.failed":
		ev := RealtimeEvent{Type: RealtimeTranscriptionFailed, ItemID: raw.ItemID}
		if raw.Error != nil {
			ev.Code = raw.Error.Code
			ev.Detail = raw.Error.Message
		}
		return ev, true
	case "response.created":
		return RealtimeEvent{Type: RealtimeResponseCreated}, true
	case "response.done":
		if raw.Response == nil {
			return RealtimeEvent{}, false
		}
		return responseDoneEvent(raw.Response), true
	case "error":
		ev := RealtimeEvent{Type: RealtimeError}
		if raw.Error != nil {
			ev.Code = raw.Error.Code
			if ev.Code == "" {
				ev.Code = raw.Error.Type
			}
			ev.Detail = raw.Error.Message
			ev.Retryable = reliability.IsRetryableRealtimeCode(ev.Code)
		}
		return ev, true
	default:
		return RealtimeEvent{}, false
	}
}

func responseDoneEvent(r *realtimeResult) RealtimeEvent {
	ev := RealtimeEvent{Type: RealtimeResponseDone, ItemID: r.ID, Status: r.Status}
	if d := r.StatusDetails; d != nil {
		ev.Reason = d.Reason
		if d.Error != nil {
			ev.Code = d.Error.Code
			if ev.Code == "" {
				ev.Code = d.Error.Type
			}
			ev.Detail = d.Error.Message
			ev.Retryable = reliability.IsRetryableRealtimeCode(ev.Code)
		}
	}
	var transcript strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			switch {
			case c.Transcript != "":
				transcript.WriteString(c.Transcript)
			case c.Text != "":
				transcript.WriteString(c.Text)
			}
		}
	}
	ev.Text = strings.TrimSpace(transcript.String())
	return ev
}

func (s *openAIRealtimeSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}

// sessionParam builds the session.update payload. Output is audio whenever audio is requested
// since audio responses also carry a transcript.
func sessionParam(cfg RealtimeConfig) *oairealtime.RealtimeSessionCreateRequestParam {
	modalities := []string{"text"}
	for _, m := range cfg.Modalities {
		if m == "audio" {
			modalities = []string{"audio"}
			break
		}
	}

	td := cfg.TurnDetection
	server := oairealtime.RealtimeAudioInputTurnDetectionServerVadParam{Type: "server_vad"}
	if td.Threshold > 0 {
		server.Threshold = param.NewOpt(td.Threshold)
	}
	if td.PrefixPaddingMS > 0 {
		server.PrefixPaddingMs = param.NewOpt(int64(td.PrefixPaddingMS))
	}
	if td.SilenceDurationMS > 0 {
		server.SilenceDurationMs = param.NewOpt(int64(td.SilenceDurationMS))
	}

	var input oairealtime.RealtimeAudioConfigInputParam
	input.TurnDetection = oairealtime.RealtimeAudioInputTurnDetectionUnionParam{OfServerVad: &server}
	if cfg.TranscriptionModel != "" {
		transcription := oairealtime.AudioTranscriptionParam{
			Model: oairealtime.AudioTranscriptionModel(cfg.TranscriptionModel),
		}
		if cfg.Language != "" {
			transcription.Language = param.NewOpt(cfg.Language)
		}
		input.Transcription = transcription
	}

	var output oairealtime.RealtimeAudioConfigOutputParam
	if cfg.Voice != "" {
		output.Voice = oairealtime.RealtimeAudioConfigOutputVoice(cfg.Voice)
	}

	session := &oairealtime.RealtimeSessionCreateRequestParam{
		Type:             "realtime",
		Model:            oairealtime.RealtimeSessionCreateRequestModel(cfg.Model),
		OutputModalities: modalities,
		Audio: oairealtime.RealtimeAudioConfigParam{
			Input:  input,
			Output: output,
		},
	}
	if cfg.Instructions != "" {
		session.Instructions = param.NewOpt(cfg.Instructions)
	}
	if cfg.MaxOutputTokens > 0 {
		session.MaxOutputTokens = oairealtime.RealtimeSessionCreateRequestMaxOutputTokensUnionParam{
			OfInt: param.NewOpt(int64(cfg.MaxOutputTokens)),
		}
	}
	if cfg.Temperature > 0 {
		session.SetExtraFields(map[string]any{"temperature": cfg.Temperature})
	}
	return session
}
