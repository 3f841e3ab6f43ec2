package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medchat/voice-service/internal/observability"
	"github.com/medchat/voice-service/internal/policy"
	"github.com/medchat/voice-service/internal/protocol"
	"github.com/medchat/voice-service/internal/session"
	"github.com/sirupsen/logrus"
)

const (
	openingPrompt = "Please begin the interaction with the user in a manner consistent with your instructions."
	resumePrompt  = "The conversation is resuming. Please continue where we left off."

	agentIdentityPrefix = "ai-"
	agentDisplayName    = "AI Assistant"

	listeningPlaceholder = "…"
)

var ErrAgentStopped = errors.New("voice agent stopped")

// AgentIdentity is the room identity used by the agent of a session.
func AgentIdentity(sessionID string) string {
	return agentIdentityPrefix + sessionID
}

// IsAgentIdentity reports whether a room identity belongs to an agent.
func IsAgentIdentity(identity string) bool {
	return strings.HasPrefix(identity, agentIdentityPrefix)
}

// Deps are the collaborators shared by every agent on a process.
type Deps struct {
	Tokens   TokenSource
	Rooms    RoomConnector
	Realtime RealtimeProvider
	// Store is optional. Transcripts are persisted only when it is set.
	Store   TranscriptStore
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger

	RealtimeModel  string
	PersistTimeout time.Duration
}

// Agent binds one session to one room and one realtime speech session.
type Agent struct {
	sessionID      string
	userID         string
	roomName       string
	conversationID string
	authToken      string
	deps           Deps
	log            logrus.FieldLogger

	lifecycle sync.Mutex

	mu             sync.Mutex
	cfg            session.Config
	running        bool
	stopped        bool
	room           RoomConn
	rt             RealtimeSession
	realtimeLost   bool
	active         bool
	responseActive bool
	placeholder    string
	humanIdentity  string
	lastActivity   time.Time
	loopDone       chan struct{}

	socketMu sync.Mutex
	sockets  map[Socket]struct{}

	done     chan struct{}
	doneOnce sync.Once
}

func NewAgent(p session.AgentParams, deps Deps) *Agent {
	if deps.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		deps.Logger = l
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = 10 * time.Second
	}
	return &Agent{
		sessionID:      p.SessionID,
		userID:         p.UserID,
		roomName:       p.RoomName,
		conversationID: p.ConversationID,
		authToken:      p.AuthToken,
		cfg:            p.Config,
		deps:           deps,
		log:            deps.Logger.WithFields(logrus.Fields{"component": "voice_agent", "session_id": p.SessionID}),
		sockets:        make(map[Socket]struct{}),
		done:           make(chan struct{}),
		lastActivity:   time.Now().UTC(),
	}
}

// NewFactory adapts NewAgent to the session manager's factory signature.
func NewFactory(deps Deps) session.AgentFactory {
	return func(p session.AgentParams) (session.Agent, error) {
		if deps.Tokens == nil || deps.Rooms == nil || deps.Realtime == nil {
			return nil, errors.New("voice agent dependencies are incomplete")
		}
		return NewAgent(p, deps), nil
	}
}

// Start joins the room and opens the realtime session. Calling it on a running agent is a no-op.
func (a *Agent) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	if a.stopped {
		a.mu.Unlock()
		return ErrAgentStopped
	}
	cfg := a.cfg
	a.mu.Unlock()

	token, err := a.deps.Tokens.Token(a.roomName, AgentIdentity(a.sessionID), agentDisplayName)
	if err != nil {
		return fmt.Errorf("mint agent token: %w", err)
	}

	room, err := a.deps.Rooms.Connect(ctx, token, RoomHandler{
		OnParticipantJoined: a.onParticipantJoined,
		OnParticipantLeft:   a.onParticipantLeft,
		OnDisconnected:      a.onRoomDisconnected,
	})
	if err != nil {
		return fmt.Errorf("connect to room %s: %w", a.roomName, err)
	}

	rt, err := a.deps.Realtime.Connect(ctx, a.sessionID, a.realtimeConfig(cfg))
	if err != nil {
		room.Disconnect()
		a.providerError("realtime", "connect_failed")
		return fmt.Errorf("connect realtime session: %w", err)
	}

	loopDone := make(chan struct{})
	a.mu.Lock()
	a.room = room
	a.rt = rt
	a.running = true
	a.realtimeLost = false
	a.loopDone = loopDone
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()

	go a.eventLoop(rt.Events(), loopDone)

	if cfg.HasModality("text") && cfg.HasModality("audio") {
		if err := a.injectPrompt(ctx, rt, openingPrompt); err != nil {
			a.teardown(ctx)
			return fmt.Errorf("issue opening turn: %w", err)
		}
	}

	a.log.WithField("room", a.roomName).Info("voice agent started")
	return nil
}

// Stop closes the realtime session and leaves the room. Safe when not running.
func (a *Agent) Stop(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	err := a.teardown(ctx)
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.doneOnce.Do(func() { close(a.done) })
	return err
}

func (a *Agent) teardown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	rt, room, loopDone := a.rt, a.room, a.loopDone
	a.running = false
	a.active = false
	a.responseActive = false
	a.rt = nil
	a.room = nil
	a.mu.Unlock()

	var err error
	if rt != nil {
		if cerr := rt.Close(); cerr != nil {
			err = fmt.Errorf("close realtime session: %w", cerr)
		}
	}
	if room != nil {
		room.Disconnect()
	}
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
			a.log.Warn("realtime event loop did not drain before deadline")
		}
	}
	a.log.Info("voice agent stopped")
	return err
}

// Done is closed once the agent has been stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Connected reports whether the agent still holds both its room and realtime connections.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running && !a.realtimeLost && a.room != nil && a.room.Connected()
}

// Config returns the recorded session configuration.
func (a *Agent) Config() session.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *Agent) ConversationActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Agent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// UpdateConfig records cfg and, when running, pushes it to the realtime session.
func (a *Agent) UpdateConfig(ctx context.Context, cfg session.Config) error {
	a.mu.Lock()
	a.cfg = cfg
	rt := a.rt
	running := a.running
	a.mu.Unlock()

	if !running || rt == nil {
		return nil
	}
	if err := rt.UpdateSession(ctx, a.realtimeConfig(cfg)); err != nil {
		a.providerError("realtime", "session_update_failed")
		return fmt.Errorf("update realtime session: %w", err)
	}
	a.log.WithField("voice_id", cfg.VoiceID).Info("voice agent config updated")
	return nil
}

// ProcessText forwards a user text turn into the live conversation.
func (a *Agent) ProcessText(ctx context.Context, text string) error {
	rt, ok := a.activeSession()
	if !ok {
		a.Broadcast(protocol.Error("Conversation is not active"))
		return nil
	}
	if err := rt.CreateUserMessage(ctx, text); err != nil {
		a.Broadcast(protocol.Error("Error processing text: " + err.Error()))
		return fmt.Errorf("create user message: %w", err)
	}
	if err := a.createResponse(ctx, rt); err != nil {
		a.Broadcast(protocol.Error("Error processing text: " + err.Error()))
		return err
	}
	a.Broadcast(protocol.Status(protocol.StatusProcessing, "Processing message..."))
	return nil
}

// ProcessAudio appends a base64 audio chunk to the realtime input buffer.
func (a *Agent) ProcessAudio(ctx context.Context, audioBase64 string) error {
	rt, ok := a.activeSession()
	if !ok {
		a.Broadcast(protocol.Error("Conversation is not active"))
		return nil
	}
	if err := rt.AppendAudio(ctx, audioBase64); err != nil {
		a.Broadcast(protocol.Error("Error processing audio: " + err.Error()))
		return fmt.Errorf("append audio: %w", err)
	}
	a.Broadcast(protocol.Status(protocol.StatusProcessing, "Processing audio..."))
	return nil
}

func (a *Agent) StartConversation(ctx context.Context) error {
	a.mu.Lock()
	wasActive := a.active
	a.active = true
	a.lastActivity = time.Now().UTC()
	rt := a.rt
	a.mu.Unlock()

	if !wasActive && rt != nil {
		if err := a.injectPrompt(ctx, rt, openingPrompt); err != nil {
			a.log.WithError(err).Warn("opening prompt failed")
		}
	}
	a.Broadcast(protocol.Status(protocol.StatusStarted, "Conversation started"))
	return nil
}

func (a *Agent) StopConversation(ctx context.Context) error {
	a.halt(ctx)
	a.Broadcast(protocol.Status(protocol.StatusStopped, "Conversation stopped"))
	return nil
}

func (a *Agent) PauseConversation(ctx context.Context) error {
	a.halt(ctx)
	a.Broadcast(protocol.Status(protocol.StatusPaused, "Conversation paused"))
	return nil
}

func (a *Agent) ResumeConversation(ctx context.Context) error {
	a.mu.Lock()
	a.active = true
	a.lastActivity = time.Now().UTC()
	rt := a.rt
	a.mu.Unlock()

	if rt != nil {
		if err := a.injectPrompt(ctx, rt, resumePrompt); err != nil {
			a.log.WithError(err).Warn("resume prompt failed")
		}
	}
	a.Broadcast(protocol.Status(protocol.StatusResumed, "Conversation resumed"))
	return nil
}

// halt deactivates the conversation and cancels an in-flight response.
func (a *Agent) halt(ctx context.Context) {
	a.mu.Lock()
	a.active = false
	rt := a.rt
	inFlight := a.responseActive
	a.responseActive = false
	a.mu.Unlock()

	if rt != nil && inFlight {
		if err := rt.CancelResponse(ctx); err != nil {
			a.log.WithError(err).Warn("cancel response failed")
		}
	}
}

func (a *Agent) RegisterSocket(s Socket) {
	a.socketMu.Lock()
	defer a.socketMu.Unlock()
	a.sockets[s] = struct{}{}
}

func (a *Agent) UnregisterSocket(s Socket) {
	a.socketMu.Lock()
	defer a.socketMu.Unlock()
	delete(a.sockets, s)
}

func (a *Agent) SocketCount() int {
	a.socketMu.Lock()
	defer a.socketMu.Unlock()
	return len(a.sockets)
}

// Broadcast sends msg to every registered socket. A socket that fails is dropped; the rest still receive it.
func (a *Agent) Broadcast(msg any) {
	a.socketMu.Lock()
	targets := make([]Socket, 0, len(a.sockets))
	for s := range a.sockets {
		targets = append(targets, s)
	}
	a.socketMu.Unlock()

	for _, s := range targets {
		if err := s.WriteJSON(msg); err != nil {
			a.log.WithError(err).Warn("dropping websocket after send failure")
			a.UnregisterSocket(s)
			continue
		}
		if a.deps.Metrics != nil {
			a.deps.Metrics.WSMessages.WithLabelValues("outbound", frameType(msg)).Inc()
		}
	}
}

func (a *Agent) activeSession() (RealtimeSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = time.Now().UTC()
	if !a.active || a.rt == nil {
		return nil, false
	}
	return a.rt, true
}

func (a *Agent) injectPrompt(ctx context.Context, rt RealtimeSession, prompt string) error {
	if err := rt.CreateUserMessage(ctx, prompt); err != nil {
		return err
	}
	return a.createResponse(ctx, rt)
}

func (a *Agent) createResponse(ctx context.Context, rt RealtimeSession) error {
	a.mu.Lock()
	a.responseActive = true
	a.mu.Unlock()
	if err := rt.CreateResponse(ctx); err != nil {
		a.mu.Lock()
		a.responseActive = false
		a.mu.Unlock()
		return fmt.Errorf("create response: %w", err)
	}
	return nil
}

func (a *Agent) realtimeConfig(cfg session.Config) RealtimeConfig {
	return RealtimeConfig{
		Model:              a.deps.RealtimeModel,
		Instructions:       cfg.Instructions,
		Voice:              cfg.VoiceID,
		Temperature:        cfg.Temperature,
		MaxOutputTokens:    cfg.MaxOutputTokens,
		Modalities:         append([]string(nil), cfg.Modalities...),
		TranscriptionModel: cfg.TranscriptionModel,
		Language:           cfg.Language,
		TurnDetection:      cfg.TurnDetection,
	}
}

func (a *Agent) onParticipantJoined(identity string) {
	if IsAgentIdentity(identity) {
		return
	}
	a.mu.Lock()
	a.humanIdentity = identity
	a.lastActivity = time.Now().UTC()
	a.mu.Unlock()
	a.log.WithField("participant", identity).Info("participant joined")
}

func (a *Agent) onParticipantLeft(identity string) {
	if IsAgentIdentity(identity) {
		return
	}
	a.mu.Lock()
	if a.humanIdentity == identity {
		a.humanIdentity = ""
	}
	a.mu.Unlock()
	a.log.WithField("participant", identity).Info("participant left")
}

func (a *Agent) onRoomDisconnected() {
	a.log.Warn("room connection lost")
}

// eventLoop handles realtime events in order on a single goroutine.
func (a *Agent) eventLoop(events <-chan RealtimeEvent, loopDone chan struct{}) {
	defer close(loopDone)
	for ev := range events {
		a.handleEvent(ev)
	}

	a.mu.Lock()
	unexpected := a.running
	if unexpected {
		a.realtimeLost = true
	}
	a.mu.Unlock()
	if unexpected {
		a.providerError("realtime", "connection_lost")
		a.log.Warn("realtime connection closed unexpectedly")
		a.Broadcast(protocol.Error("Realtime connection lost"))
	}
}

func (a *Agent) handleEvent(ev RealtimeEvent) {
	switch ev.Type {
	case RealtimeSpeechStarted:
		a.onSpeechStarted()
	case RealtimeTranscriptionCompleted:
		a.onTranscriptionCompleted(ev)
	case RealtimeTranscriptionFailed:
		a.onTranscriptionFailed(ev)
	case RealtimeResponseCreated:
		a.mu.Lock()
		a.responseActive = true
		a.mu.Unlock()
	case RealtimeResponseDone:
		a.onResponseDone(ev)
	case RealtimeError:
		a.providerError("realtime", ev.Code)
		a.log.WithFields(logrus.Fields{"code": ev.Code, "detail": ev.Detail}).Warn("realtime error event")
		a.Broadcast(protocol.Error(realtimeErrorMessage(ev)))
	}
}

func (a *Agent) onSpeechStarted() {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	previous := a.placeholder
	a.placeholder = uuid.NewString()
	human := a.humanIdentity
	a.mu.Unlock()

	if previous != "" {
		a.sendTranscription(human, "", true, "user")
	}
	a.sendTranscription(human, listeningPlaceholder, false, "user")
	a.Broadcast(protocol.Status(protocol.StatusListening, "Listening..."))
}

func (a *Agent) onTranscriptionCompleted(ev RealtimeEvent) {
	a.mu.Lock()
	a.lastActivity = time.Now().UTC()
	hadPlaceholder := a.placeholder != ""
	a.placeholder = ""
	human := a.humanIdentity
	a.mu.Unlock()

	if hadPlaceholder {
		a.sendTranscription(human, "", true, "user")
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}
	a.log.WithField("transcript", policy.LogPreview(ev.Text, 80)).Debug("user transcript")
	a.Broadcast(protocol.Transcription(ev.Text, true, "user"))
	a.persist("user", ev.Text)
}

func (a *Agent) onTranscriptionFailed(ev RealtimeEvent) {
	a.mu.Lock()
	hadPlaceholder := a.placeholder != ""
	a.placeholder = ""
	human := a.humanIdentity
	a.mu.Unlock()

	a.providerError("realtime", "transcription_failed")
	a.log.WithField("detail", ev.Detail).Warn("input transcription failed")
	if hadPlaceholder {
		a.publish(human, "Transcription failed", true)
	}
	a.Broadcast(protocol.Error("Transcription failed"))
}

func (a *Agent) onResponseDone(ev RealtimeEvent) {
	a.mu.Lock()
	a.responseActive = false
	a.mu.Unlock()

	switch ev.Status {
	case ResponseIncomplete, ResponseFailed:
		message := responseProblemMessage(ev)
		a.providerError("realtime", "response_"+ev.Status)
		a.Broadcast(protocol.Error(message))
		a.publish(AgentIdentity(a.sessionID), message, true)
	case ResponseCompleted:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		a.Broadcast(protocol.Transcription(ev.Text, true, "assistant"))
		a.persist("assistant", ev.Text)
	}
}

// sendTranscription publishes a segment into the room and mirrors it to sockets.
func (a *Agent) sendTranscription(identity, text string, final bool, role string) {
	a.publish(identity, text, final)
	a.Broadcast(protocol.Transcription(text, final, role))
}

func (a *Agent) publish(identity, text string, final bool) {
	if identity == "" {
		return
	}
	a.mu.Lock()
	room := a.room
	language := a.cfg.Language
	a.mu.Unlock()
	if room == nil {
		return
	}
	seg := TranscriptSegment{
		ID:                  uuid.NewString(),
		ParticipantIdentity: identity,
		Text:                text,
		Final:               final,
		Language:            language,
	}
	if err := room.PublishTranscription(seg); err != nil {
		a.log.WithError(err).Debug("publish transcription failed")
	}
}

// persist stores a transcript in the background. Failures are logged and counted, never surfaced.
func (a *Agent) persist(role, content string) {
	if a.deps.Store == nil || a.authToken == "" || a.conversationID == "" {
		return
	}
	rec := TranscriptRecord{
		ConversationID: a.conversationID,
		SessionID:      a.sessionID,
		UserID:         a.userID,
		Role:           role,
		Content:        content,
		Metadata:       map[string]any{"source": "voice_session", "session_id": a.sessionID},
		CreatedAt:      time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.deps.PersistTimeout)
		defer cancel()
		if err := a.deps.Store.StoreTranscription(ctx, rec, a.authToken); err != nil {
			if a.deps.Metrics != nil {
				a.deps.Metrics.TranscriptStoreFailures.Inc()
			}
			a.log.WithError(err).WithField("role", role).Warn("store transcription failed")
			return
		}
		a.log.WithField("conversation_id", a.conversationID).Debug("stored transcription")
	}()
}

func (a *Agent) providerError(provider, code string) {
	if a.deps.Metrics == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	a.deps.Metrics.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func responseProblemMessage(ev RealtimeEvent) string {
	if ev.Status == ResponseIncomplete {
		switch ev.Reason {
		case "":
			return "Response incomplete"
		case "max_output_tokens":
			return "Max output tokens reached"
		case "content_filter":
			return "Content filter applied"
		default:
			return "Response incomplete: " + ev.Reason
		}
	}
	switch ev.Code {
	case "server_error":
		return "Server error"
	case "rate_limit_exceeded":
		return "Rate limit exceeded"
	default:
		return "Response failed"
	}
}

func realtimeErrorMessage(ev RealtimeEvent) string {
	if ev.Detail == "" {
		return "Realtime error"
	}
	return "Realtime error: " + ev.Detail
}

func frameType(msg any) string {
	switch m := msg.(type) {
	case protocol.StatusEvent:
		return string(m.Type)
	case protocol.TranscriptionEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "other"
	}
}
