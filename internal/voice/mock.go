package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MockTokens mints opaque tokens for local runs.
type MockTokens struct{}

func (MockTokens) Token(room, identity, _ string) (string, error) {
	if room == "" || identity == "" {
		return "", errors.New("room and identity are required")
	}
	return "mock." + room + "." + identity, nil
}

// MockRoomConnector hands out in-process room connections.
type MockRoomConnector struct {
	mu    sync.Mutex
	conns []*MockRoomConn
	// Err is returned from Connect when set.
	Err error
}

func NewMockRoomConnector() *MockRoomConnector { return &MockRoomConnector{} }

func (c *MockRoomConnector) Connect(_ context.Context, token string, handler RoomHandler) (RoomConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	conn := &MockRoomConn{token: token, handler: handler, connected: true}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Last returns the most recent connection, or nil.
func (c *MockRoomConnector) Last() *MockRoomConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return nil
	}
	return c.conns[len(c.conns)-1]
}

type MockRoomConn struct {
	mu        sync.Mutex
	token     string
	handler   RoomHandler
	connected bool
	segments  []TranscriptSegment
}

func (c *MockRoomConn) PublishTranscription(seg TranscriptSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("room disconnected")
	}
	c.segments = append(c.segments, seg)
	return nil
}

func (c *MockRoomConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MockRoomConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Join simulates a participant entering the room.
func (c *MockRoomConn) Join(identity string) {
	if c.handler.OnParticipantJoined != nil {
		c.handler.OnParticipantJoined(identity)
	}
}

// Leave simulates a participant leaving the room.
func (c *MockRoomConn) Leave(identity string) {
	if c.handler.OnParticipantLeft != nil {
		c.handler.OnParticipantLeft(identity)
	}
}

// Drop simulates the room connection being lost.
func (c *MockRoomConn) Drop() {
	c.Disconnect()
	if c.handler.OnDisconnected != nil {
		c.handler.OnDisconnected()
	}
}

func (c *MockRoomConn) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *MockRoomConn) Segments() []TranscriptSegment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TranscriptSegment(nil), c.segments...)
}

// MockRealtimeProvider is an in-process realtime collaborator. With Echo set it answers
// user messages with "I heard you: <text>" and transcribes audio as "simulated voice input".
type MockRealtimeProvider struct {
	Echo bool
	// Err is returned from Connect when set.
	Err error

	mu       sync.Mutex
	sessions []*MockRealtimeSession
}

func NewMockRealtimeProvider(echo bool) *MockRealtimeProvider {
	return &MockRealtimeProvider{Echo: echo}
}

func (p *MockRealtimeProvider) Connect(_ context.Context, _ string, cfg RealtimeConfig) (RealtimeSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	s := &MockRealtimeSession{
		echo:    p.Echo,
		events:  make(chan RealtimeEvent, 128),
		configs: []RealtimeConfig{cfg},
	}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *MockRealtimeProvider) Last() *MockRealtimeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

type MockRealtimeSession struct {
	mu          sync.Mutex
	echo        bool
	events      chan RealtimeEvent
	closed      bool
	configs     []RealtimeConfig
	calls       []string
	pendingText string
	chunks      int
}

func (s *MockRealtimeSession) UpdateSession(_ context.Context, cfg RealtimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtime session closed")
	}
	s.configs = append(s.configs, cfg)
	s.calls = append(s.calls, "session.update")
	return nil
}

func (s *MockRealtimeSession) CreateUserMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtime session closed")
	}
	s.calls = append(s.calls, "conversation.item.create:"+text)
	s.pendingText = text
	return nil
}

func (s *MockRealtimeSession) CreateResponse(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtime session closed")
	}
	s.calls = append(s.calls, "response.create")
	if s.echo {
		text := strings.TrimSpace(s.pendingText)
		if text == "" {
			text = "I am listening."
		}
		s.emitLocked(RealtimeEvent{Type: RealtimeResponseCreated})
		s.emitLocked(RealtimeEvent{Type: RealtimeResponseDone, Status: ResponseCompleted, Text: fmt.Sprintf("I heard you: %s", text)})
	}
	s.pendingText = ""
	return nil
}

func (s *MockRealtimeSession) CancelResponse(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtime session closed")
	}
	s.calls = append(s.calls, "response.cancel")
	return nil
}

func (s *MockRealtimeSession) AppendAudio(_ context.Context, audioBase64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("realtime session closed")
	}
	s.calls = append(s.calls, "input_audio_buffer.append")
	if !s.echo || audioBase64 == "" {
		return nil
	}
	s.chunks++
	if s.chunks == 1 {
		s.emitLocked(RealtimeEvent{Type: RealtimeSpeechStarted})
	}
	if s.chunks%8 == 0 {
		s.emitLocked(RealtimeEvent{Type: RealtimeTranscriptionCompleted, Text: "simulated voice input"})
		s.chunks = 0
	}
	return nil
}

func (s *MockRealtimeSession) Events() <-chan RealtimeEvent { return s.events }

func (s *MockRealtimeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Emit pushes a server event as if it came from upstream.
func (s *MockRealtimeSession) Emit(ev RealtimeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

// Drop ends the event stream the way a lost upstream connection does.
func (s *MockRealtimeSession) Drop() {
	_ = s.Close()
}

func (s *MockRealtimeSession) emitLocked(ev RealtimeEvent) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *MockRealtimeSession) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *MockRealtimeSession) Configs() []RealtimeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RealtimeConfig(nil), s.configs...)
}

func (s *MockRealtimeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
