package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/medchat/voice-service/internal/observability"
	"github.com/medchat/voice-service/internal/protocol"
	"github.com/medchat/voice-service/internal/session"
)

type recordingSocket struct {
	mu     sync.Mutex
	frames []any
	fail   bool
}

func (s *recordingSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, v)
	return nil
}

func (s *recordingSocket) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

func (s *recordingSocket) errors() []string {
	var out []string
	for _, f := range s.snapshot() {
		if e, ok := f.(protocol.ErrorEvent); ok {
			out = append(out, e.Message)
		}
	}
	return out
}

func (s *recordingSocket) transcripts(role string) []protocol.TranscriptionEvent {
	var out []protocol.TranscriptionEvent
	for _, f := range s.snapshot() {
		if e, ok := f.(protocol.TranscriptionEvent); ok && e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSocket) hasStatus(status string) bool {
	for _, f := range s.snapshot() {
		if e, ok := f.(protocol.StatusEvent); ok && e.Status == status {
			return true
		}
	}
	return false
}

type recordingStore struct {
	mu      sync.Mutex
	records []TranscriptRecord
	tokens  []string
	err     error
}

func (s *recordingStore) StoreTranscription(_ context.Context, rec TranscriptRecord, authToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	s.tokens = append(s.tokens, authToken)
	return nil
}

func (s *recordingStore) snapshot() []TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptRecord(nil), s.records...)
}

type agentHarness struct {
	agent    *Agent
	rooms    *MockRoomConnector
	realtime *MockRealtimeProvider
	store    *recordingStore
	socket   *recordingSocket
	metrics  *observability.Metrics
}

func newAgentHarness(t *testing.T, echo bool, modalities ...string) *agentHarness {
	t.Helper()
	if len(modalities) == 0 {
		modalities = []string{"text"}
	}
	h := &agentHarness{
		rooms:    NewMockRoomConnector(),
		realtime: NewMockRealtimeProvider(echo),
		store:    &recordingStore{},
		socket:   &recordingSocket{},
		metrics:  observability.NewMetrics("voiced_test"),
	}
	h.agent = NewAgent(session.AgentParams{
		SessionID:      "s1",
		UserID:         "u1",
		RoomName:       "voice-s1",
		ConversationID: "c1",
		AuthToken:      "bearer-1",
		Config: session.Config{
			VoiceID:         "alloy",
			Temperature:     0.8,
			MaxOutputTokens: 2048,
			Modalities:      modalities,
			Language:        "en",
			TurnDetection:   session.DefaultTurnDetection(),
		},
	}, Deps{
		Tokens:        MockTokens{},
		Rooms:         h.rooms,
		Realtime:      h.realtime,
		Store:         h.store,
		Metrics:       h.metrics,
		RealtimeModel: "gpt-realtime",
	})
	h.agent.RegisterSocket(h.socket)
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.agent.Stop(context.Background()) })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgentStartJoinsRoomAsAgentIdentity(t *testing.T) {
	h := newAgentHarness(t, false)

	conn := h.rooms.Last()
	if conn == nil {
		t.Fatalf("expected a room connection")
	}
	if got, want := conn.Token(), "mock.voice-s1.ai-s1"; got != want {
		t.Fatalf("token = %q, want %q", got, want)
	}
	if !h.agent.Connected() {
		t.Fatalf("expected agent to be connected")
	}
	cfgs := h.realtime.Last().Configs()
	if len(cfgs) != 1 || cfgs[0].Voice != "alloy" || cfgs[0].Model != "gpt-realtime" {
		t.Fatalf("realtime config = %+v", cfgs)
	}
	if calls := h.realtime.Last().Calls(); len(calls) != 0 {
		t.Fatalf("text-only session should not issue an opening turn, calls = %v", calls)
	}
}

func TestAgentStartIssuesOpeningTurnForTextAndAudio(t *testing.T) {
	h := newAgentHarness(t, false, "text", "audio")

	calls := h.realtime.Last().Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want opening message and response", calls)
	}
	if calls[0] != "conversation.item.create:"+openingPrompt || calls[1] != "response.create" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestAgentStartIsNoopWhenRunning(t *testing.T) {
	h := newAgentHarness(t, false)
	if err := h.agent.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if h.realtime.Last() == nil || len(h.realtime.sessions) != 1 {
		t.Fatalf("expected exactly one realtime session")
	}
}

func TestAgentStartUnwindsOnRealtimeFailure(t *testing.T) {
	rooms := NewMockRoomConnector()
	realtime := NewMockRealtimeProvider(false)
	realtime.Err = errors.New("upstream unavailable")
	a := NewAgent(session.AgentParams{SessionID: "s1", RoomName: "voice-s1"}, Deps{
		Tokens:   MockTokens{},
		Rooms:    rooms,
		Realtime: realtime,
	})

	if err := a.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if rooms.Last() == nil || rooms.Last().Connected() {
		t.Fatalf("expected room connection to be released")
	}
	if a.Connected() {
		t.Fatalf("agent should not report connected")
	}
}

func TestAgentTextWhileInactive(t *testing.T) {
	h := newAgentHarness(t, false)

	if err := h.agent.ProcessText(context.Background(), "hello"); err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}

	frames := h.socket.snapshot()
	if len(frames) != 1 {
		t.Fatalf("frames = %#v, want exactly one", frames)
	}
	e, ok := frames[0].(protocol.ErrorEvent)
	if !ok || e.Message != "Conversation is not active" {
		t.Fatalf("frame = %#v", frames[0])
	}
	if calls := h.realtime.Last().Calls(); len(calls) != 0 {
		t.Fatalf("realtime should see nothing, calls = %v", calls)
	}
}

func TestAgentProcessTextForwardsAndEchoesAssistant(t *testing.T) {
	h := newAgentHarness(t, true)
	ctx := context.Background()

	if err := h.agent.StartConversation(ctx); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	if err := h.agent.ProcessText(ctx, "my head hurts"); err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}
	if !h.socket.hasStatus(protocol.StatusProcessing) {
		t.Fatalf("expected processing status frame")
	}

	waitFor(t, "assistant transcript", func() bool {
		for _, tr := range h.socket.transcripts("assistant") {
			if tr.Text == "I heard you: my head hurts" && tr.IsFinal {
				return true
			}
		}
		return false
	})
	waitFor(t, "assistant persistence", func() bool {
		for _, rec := range h.store.snapshot() {
			if rec.Role == "assistant" && rec.Content == "I heard you: my head hurts" {
				return true
			}
		}
		return false
	})
}

func TestAgentStartConversationPromptsOnlyOnEdge(t *testing.T) {
	h := newAgentHarness(t, false)
	ctx := context.Background()

	_ = h.agent.StartConversation(ctx)
	_ = h.agent.StartConversation(ctx)

	n := 0
	for _, c := range h.realtime.Last().Calls() {
		if c == "conversation.item.create:"+openingPrompt {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("opening prompts = %d, want 1", n)
	}
	if !h.agent.ConversationActive() {
		t.Fatalf("expected conversation active")
	}
}

func TestAgentPauseCancelsInFlightResponse(t *testing.T) {
	h := newAgentHarness(t, false)
	ctx := context.Background()

	_ = h.agent.StartConversation(ctx)
	if err := h.agent.PauseConversation(ctx); err != nil {
		t.Fatalf("PauseConversation() error = %v", err)
	}
	calls := h.realtime.Last().Calls()
	if calls[len(calls)-1] != "response.cancel" {
		t.Fatalf("calls = %v, want trailing response.cancel", calls)
	}
	if h.agent.ConversationActive() {
		t.Fatalf("expected conversation paused")
	}
	if !h.socket.hasStatus(protocol.StatusPaused) {
		t.Fatalf("expected paused status frame")
	}

	_ = h.agent.ResumeConversation(ctx)
	found := false
	for _, c := range h.realtime.Last().Calls() {
		if c == "conversation.item.create:"+resumePrompt {
			found = true
		}
	}
	if !found || !h.agent.ConversationActive() {
		t.Fatalf("expected resume prompt and active conversation")
	}
}

func TestAgentTranscriptionPlaceholderFlow(t *testing.T) {
	h := newAgentHarness(t, false)
	conn := h.rooms.Last()
	conn.Join("ai-other")
	conn.Join("user-1")
	rt := h.realtime.Last()

	rt.Emit(RealtimeEvent{Type: RealtimeSpeechStarted})
	rt.Emit(RealtimeEvent{Type: RealtimeSpeechStarted})
	rt.Emit(RealtimeEvent{Type: RealtimeTranscriptionCompleted, Text: "I feel dizzy"})

	waitFor(t, "user transcript", func() bool { return len(h.socket.transcripts("user")) >= 5 })

	segs := conn.Segments()
	want := []struct {
		text  string
		final bool
	}{
		{listeningPlaceholder, false},
		{"", true},
		{listeningPlaceholder, false},
		{"", true},
	}
	if len(segs) != len(want) {
		t.Fatalf("segments = %+v", segs)
	}
	for i, w := range want {
		if segs[i].Text != w.text || segs[i].Final != w.final || segs[i].ParticipantIdentity != "user-1" {
			t.Fatalf("segment[%d] = %+v, want text %q final %v", i, segs[i], w.text, w.final)
		}
	}

	user := h.socket.transcripts("user")
	last := user[len(user)-1]
	if last.Text != "I feel dizzy" || !last.IsFinal {
		t.Fatalf("final transcript = %+v", last)
	}
	if !h.socket.hasStatus(protocol.StatusListening) {
		t.Fatalf("expected listening status frame")
	}

	waitFor(t, "user persistence", func() bool { return len(h.store.snapshot()) == 1 })
	rec := h.store.snapshot()[0]
	if rec.Role != "user" || rec.ConversationID != "c1" || rec.Content != "I feel dizzy" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestAgentStoreFailureDoesNotInterruptConversation(t *testing.T) {
	h := newAgentHarness(t, false)
	ctx := context.Background()
	h.store.mu.Lock()
	h.store.err = errors.New("database unavailable")
	h.store.mu.Unlock()

	if err := h.agent.StartConversation(ctx); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}
	h.realtime.Last().Emit(RealtimeEvent{Type: RealtimeTranscriptionCompleted, Text: "I feel dizzy"})

	waitFor(t, "store failure counted", func() bool {
		return testutil.ToFloat64(h.metrics.TranscriptStoreFailures) >= 1
	})
	if !h.agent.Connected() {
		t.Fatalf("agent disconnected after a store failure")
	}
	if user := h.socket.transcripts("user"); len(user) == 0 || user[len(user)-1].Text != "I feel dizzy" {
		t.Fatalf("user transcripts = %+v", user)
	}

	if err := h.agent.ProcessText(ctx, "still there?"); err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}
	forwarded := false
	for _, c := range h.realtime.Last().Calls() {
		if c == "conversation.item.create:still there?" {
			forwarded = true
		}
	}
	if !forwarded {
		t.Fatalf("text not forwarded after store failure, calls = %v", h.realtime.Last().Calls())
	}
	if errs := h.socket.errors(); len(errs) != 0 {
		t.Fatalf("store failure reached the client: %v", errs)
	}
	if n := len(h.store.snapshot()); n != 0 {
		t.Fatalf("stored %d records, want 0", n)
	}
}

func TestAgentSkipsPersistenceWithoutAuthToken(t *testing.T) {
	store := &recordingStore{}
	realtime := NewMockRealtimeProvider(false)
	a := NewAgent(session.AgentParams{SessionID: "s1", RoomName: "voice-s1", ConversationID: "c1"}, Deps{
		Tokens:   MockTokens{},
		Rooms:    NewMockRoomConnector(),
		Realtime: realtime,
		Store:    store,
	})
	sock := &recordingSocket{}
	a.RegisterSocket(sock)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop(context.Background())

	realtime.Last().Emit(RealtimeEvent{Type: RealtimeTranscriptionCompleted, Text: "hello"})
	waitFor(t, "transcript frame", func() bool { return len(sock.transcripts("user")) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(store.snapshot()); n != 0 {
		t.Fatalf("stored %d records without auth token", n)
	}
}

func TestAgentReportsResponseProblems(t *testing.T) {
	cases := []struct {
		ev   RealtimeEvent
		want string
	}{
		{RealtimeEvent{Status: ResponseIncomplete}, "Response incomplete"},
		{RealtimeEvent{Status: ResponseIncomplete, Reason: "max_output_tokens"}, "Max output tokens reached"},
		{RealtimeEvent{Status: ResponseIncomplete, Reason: "content_filter"}, "Content filter applied"},
		{RealtimeEvent{Status: ResponseIncomplete, Reason: "turn_detected"}, "Response incomplete: turn_detected"},
		{RealtimeEvent{Status: ResponseFailed, Code: "server_error"}, "Server error"},
		{RealtimeEvent{Status: ResponseFailed, Code: "rate_limit_exceeded"}, "Rate limit exceeded"},
		{RealtimeEvent{Status: ResponseFailed}, "Response failed"},
	}
	h := newAgentHarness(t, false)
	rt := h.realtime.Last()
	for _, tc := range cases {
		ev := tc.ev
		ev.Type = RealtimeResponseDone
		rt.Emit(ev)
	}
	waitFor(t, "error frames", func() bool { return len(h.socket.errors()) == len(cases) })
	got := h.socket.errors()
	for i, tc := range cases {
		if got[i] != tc.want {
			t.Fatalf("error[%d] = %q, want %q", i, got[i], tc.want)
		}
	}
}

func TestAgentTranscriptionFailureBroadcastsError(t *testing.T) {
	h := newAgentHarness(t, false)
	h.rooms.Last().Join("user-1")
	rt := h.realtime.Last()
	rt.Emit(RealtimeEvent{Type: RealtimeSpeechStarted})
	rt.Emit(RealtimeEvent{Type: RealtimeTranscriptionFailed, Detail: "audio too short"})

	waitFor(t, "failure frame", func() bool {
		errs := h.socket.errors()
		return len(errs) == 1 && errs[0] == "Transcription failed"
	})
	segs := h.rooms.Last().Segments()
	if last := segs[len(segs)-1]; last.Text != "Transcription failed" || !last.Final {
		t.Fatalf("last segment = %+v", last)
	}
}

func TestAgentRealtimeDropMarksDisconnected(t *testing.T) {
	h := newAgentHarness(t, false)
	h.realtime.Last().Drop()

	waitFor(t, "disconnect", func() bool { return !h.agent.Connected() })
	waitFor(t, "lost frame", func() bool {
		for _, e := range h.socket.errors() {
			if e == "Realtime connection lost" {
				return true
			}
		}
		return false
	})
}

func TestAgentRoomDropMarksDisconnected(t *testing.T) {
	h := newAgentHarness(t, false)
	h.rooms.Last().Drop()
	if h.agent.Connected() {
		t.Fatalf("expected agent disconnected after room drop")
	}
}

func TestAgentStopClosesDoneAndIsIdempotent(t *testing.T) {
	h := newAgentHarness(t, false)
	ctx := context.Background()

	if err := h.agent.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.agent.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	select {
	case <-h.agent.Done():
	default:
		t.Fatalf("Done() not closed after Stop")
	}
	if !h.realtime.Last().Closed() || h.rooms.Last().Connected() {
		t.Fatalf("expected realtime closed and room disconnected")
	}
	if err := h.agent.Start(ctx); !errors.Is(err, ErrAgentStopped) {
		t.Fatalf("Start() after Stop error = %v, want ErrAgentStopped", err)
	}
	for _, e := range h.socket.errors() {
		if strings.Contains(e, "lost") {
			t.Fatalf("planned stop reported as connection loss")
		}
	}
}

func TestAgentUpdateConfigPushesSessionUpdate(t *testing.T) {
	h := newAgentHarness(t, false)
	cfg := h.agent.Config()
	cfg.VoiceID = "verse"

	if err := h.agent.UpdateConfig(context.Background(), cfg); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	cfgs := h.realtime.Last().Configs()
	if len(cfgs) != 2 || cfgs[1].Voice != "verse" {
		t.Fatalf("configs = %+v", cfgs)
	}
	if h.agent.Config().VoiceID != "verse" {
		t.Fatalf("config not recorded")
	}
}

func TestBroadcastDropsFailingSocket(t *testing.T) {
	h := newAgentHarness(t, false)
	bad := &recordingSocket{fail: true}
	h.agent.RegisterSocket(bad)

	h.agent.Broadcast(protocol.Status(protocol.StatusStarted, "x"))

	if got := h.agent.SocketCount(); got != 1 {
		t.Fatalf("SocketCount() = %d, want 1", got)
	}
	if len(h.socket.snapshot()) != 1 {
		t.Fatalf("healthy socket should still receive the frame")
	}
}

func TestNewFactoryRejectsIncompleteDeps(t *testing.T) {
	if _, err := NewFactory(Deps{})(session.AgentParams{SessionID: "s1"}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
	ag, err := NewFactory(Deps{Tokens: MockTokens{}, Rooms: NewMockRoomConnector(), Realtime: NewMockRealtimeProvider(false)})(session.AgentParams{SessionID: "s1"})
	if err != nil || ag == nil {
		t.Fatalf("NewFactory() = %v, %v", ag, err)
	}
}
