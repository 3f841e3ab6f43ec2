package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Options configures a Manager.
type Options struct {
	Rooms    RoomProvider
	NewAgent AgentFactory
	Logger   logrus.FieldLogger

	DefaultConfig   Config
	RoomPrefix      string
	EmptyTimeout    time.Duration
	MaxParticipants int
	TeardownTimeout time.Duration

	MonitorInterval    time.Duration
	MonitorAttempts    int
	MonitorBackoffBase time.Duration
	MonitorBackoffCap  time.Duration

	// OnMonitorCheck, when set, receives "healthy" or the end reason after every liveness check.
	OnMonitorCheck func(outcome string)

	Now func() time.Time
}

type entry struct {
	session *Session
	agent   Agent

	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the single authority for creating, looking up and ending sessions on this process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	onEnd    func(*Session, EndReason)

	creates singleflight.Group
	opts    Options
	log     logrus.FieldLogger
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.Logger = discard
	}
	if opts.RoomPrefix == "" {
		opts.RoomPrefix = "voice-"
	}
	if opts.EmptyTimeout <= 0 {
		opts.EmptyTimeout = 5 * time.Minute
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 2
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 10 * time.Second
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 30 * time.Second
	}
	if opts.MonitorAttempts <= 0 {
		opts.MonitorAttempts = 3
	}
	if opts.MonitorBackoffBase <= 0 {
		opts.MonitorBackoffBase = 500 * time.Millisecond
	}
	if opts.MonitorBackoffCap <= 0 {
		opts.MonitorBackoffCap = 4 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*entry),
		opts:     opts,
		log:      opts.Logger.WithField("component", "session_manager"),
	}
}

// SetEndHook registers a callback fired once per ended session, after teardown.
func (m *Manager) SetEndHook(hook func(*Session, EndReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

// RoomName returns the room name a session id maps to when the caller does not pick one.
func (m *Manager) RoomName(sessionID string) string {
	return m.opts.RoomPrefix + sessionID
}

// Create starts a session or returns the one already tracked under p.ID.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	s, _, err := m.CreateOrGet(ctx, p)
	return s, err
}

// CreateOrGet is Create that also reports whether this call started the session.
// Among concurrent callers for one id, only the caller that did the work sees true.
func (m *Manager) CreateOrGet(ctx context.Context, p CreateParams) (*Session, bool, error) {
	if p.ID == "" {
		return nil, false, ErrInvalidID
	}
	if s, ok := m.Get(p.ID); ok {
		m.log.WithField("session_id", p.ID).Warn("session already exists, returning existing session")
		return s, false, nil
	}

	created := false
	v, err, _ := m.creates.Do(p.ID, func() (any, error) {
		if s, ok := m.Get(p.ID); ok {
			return s, nil
		}
		s, err := m.create(ctx, p)
		created = err == nil
		return s, err
	})
	if err != nil {
		return nil, false, err
	}
	return clone(v.(*Session)), created, nil
}

func (m *Manager) create(ctx context.Context, p CreateParams) (*Session, error) {
	log := m.log.WithField("session_id", p.ID)
	roomName := p.RoomName
	if roomName == "" {
		roomName = m.RoomName(p.ID)
	}
	cfg := p.Config.Merge(m.opts.DefaultConfig)

	s := &Session{
		ID:             p.ID,
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		RoomName:       roomName,
		Status:         StatusCreated,
		Config:         cfg,
		Metadata:       copyMetadata(p.Metadata),
		CreatedAt:      m.opts.Now().UTC(),
	}

	err := m.opts.Rooms.CreateRoom(ctx, RoomSpec{
		Name:            roomName,
		EmptyTimeout:    m.opts.EmptyTimeout,
		MaxParticipants: m.opts.MaxParticipants,
		Metadata:        roomMetadata(s),
	})
	if err != nil {
		return nil, fmt.Errorf("create room %s: %w", roomName, err)
	}

	agent, err := m.opts.NewAgent(AgentParams{
		SessionID:      p.ID,
		UserID:         p.UserID,
		RoomName:       roomName,
		ConversationID: p.ConversationID,
		Config:         cfg,
		AuthToken:      p.AuthToken,
	})
	if err != nil {
		m.rollback(ctx, log, nil, roomName)
		return nil, fmt.Errorf("build agent: %w", err)
	}
	if err := agent.Start(ctx); err != nil {
		m.rollback(ctx, log, agent, roomName)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	s.Status = StatusActive
	monitorCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session: s,
		agent:   agent,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = e
	m.mu.Unlock()

	go m.monitor(monitorCtx, e)

	log.WithField("room", roomName).Info("voice session created")
	return clone(s), nil
}

// rollback undoes a partially started session. Errors are logged; the start error is what the caller sees.
func (m *Manager) rollback(ctx context.Context, log logrus.FieldLogger, agent Agent, roomName string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()
	if agent != nil {
		if err := agent.Stop(tctx); err != nil {
			log.WithError(err).Warn("rollback: stop agent failed")
		}
	}
	if err := m.opts.Rooms.DeleteRoom(tctx, roomName); err != nil && !errors.Is(err, ErrRoomNotFound) {
		log.WithError(err).WithField("room", roomName).Warn("rollback: delete room failed")
	}
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return clone(e.session), true
}

// Agent returns the live agent for a session.
func (m *Manager) Agent(sessionID string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// List returns snapshots of all live sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, clone(e.session))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateConfig pushes cfg to the live agent. Zero-valued fields keep the current value.
// It returns false when the session is unknown.
func (m *Manager) UpdateConfig(ctx context.Context, sessionID string, cfg Config) (bool, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	var current Config
	if ok {
		current = e.session.Config
	}
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	merged := cfg.Merge(current)
	if err := e.agent.UpdateConfig(ctx, merged); err != nil {
		return true, fmt.Errorf("update agent config: %w", err)
	}

	m.mu.Lock()
	e.session.Config = merged
	md := roomMetadata(e.session)
	m.mu.Unlock()

	if err := m.opts.Rooms.UpdateRoomMetadata(ctx, e.session.RoomName, md); err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("room metadata update failed")
	}
	return true, nil
}

// End tears a session down. It returns false when the session is not tracked,
// including when another caller already ended it.
func (m *Manager) End(ctx context.Context, sessionID string) (bool, error) {
	return m.end(ctx, sessionID, ReasonExplicit, false)
}

// EndWithReason is End with an explicit reason for the end hook.
func (m *Manager) EndWithReason(ctx context.Context, sessionID string, reason EndReason) (bool, error) {
	return m.end(ctx, sessionID, reason, false)
}

func (m *Manager) end(ctx context.Context, sessionID string, reason EndReason, fromMonitor bool) (bool, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	hook := m.onEnd
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	log := m.log.WithFields(logrus.Fields{"session_id": sessionID, "reason": reason})

	// The entry is already gone, so teardown must finish even if the caller gave up.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()

	e.cancel()
	if !fromMonitor {
		select {
		case <-e.done:
		case <-tctx.Done():
			log.Warn("monitor did not exit before teardown deadline")
		}
	}

	var errs []error
	if err := e.agent.Stop(tctx); err != nil {
		errs = append(errs, fmt.Errorf("stop agent: %w", err))
	}
	if err := m.opts.Rooms.DeleteRoom(tctx, e.session.RoomName); err != nil && !errors.Is(err, ErrRoomNotFound) {
		errs = append(errs, fmt.Errorf("delete room %s: %w", e.session.RoomName, err))
	}

	m.mu.RLock()
	ended := clone(e.session)
	m.mu.RUnlock()
	ended.Status = StatusEnded
	ended.EndedAt = m.opts.Now().UTC()
	if hook != nil {
		hook(ended, reason)
	}

	err := errors.Join(errs...)
	if err != nil {
		log.WithError(err).Warn("voice session ended with teardown errors")
	} else {
		log.Info("voice session ended")
	}
	return true, err
}

// Shutdown ends every tracked session. Individual failures are logged and never stop the sweep.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("end session %s panicked: %v", id, r)
					m.log.WithField("session_id", id).Error(err)
				}
			}()
			if _, err := m.end(ctx, id, ReasonShutdown, false); err != nil {
				return fmt.Errorf("end session %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.WithError(err).Warn("shutdown finished with errors")
	}
	m.log.WithField("count", len(ids)).Info("all voice sessions shut down")
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func roomMetadata(s *Session) RoomMetadata {
	return RoomMetadata{
		SessionID:      s.ID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		Config:         s.Config,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clone(s *Session) *Session {
	c := *s
	c.Config.Modalities = append([]string(nil), s.Config.Modalities...)
	c.Metadata = copyMetadata(s.Metadata)
	return &c
}
