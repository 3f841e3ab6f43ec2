package session

import (
	"context"
	"errors"
	"time"

	"github.com/medchat/voice-service/internal/reliability"
	"github.com/sirupsen/logrus"
)

// monitor watches one session's room and ends the session when it is abandoned.
// Cancellation means another caller owns teardown, so it exits without cleanup.
func (m *Manager) monitor(ctx context.Context, e *entry) {
	defer close(e.done)

	log := m.log.WithFields(logrus.Fields{"session_id": e.session.ID, "room": e.session.RoomName})
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()

	var occupancy emptyTracker
	for {
		select {
		case <-ctx.Done():
			log.Debug("session monitor cancelled")
			return
		case <-ticker.C:
		}

		reason, stop := m.checkRoom(ctx, log, e, &occupancy)
		if ctx.Err() != nil {
			return
		}
		if m.opts.OnMonitorCheck != nil {
			outcome := "healthy"
			if stop {
				outcome = string(reason)
			}
			m.opts.OnMonitorCheck(outcome)
		}
		if !stop {
			continue
		}

		log.WithField("reason", reason).Info("session no longer active, cleaning up")
		tctx, cancel := context.WithTimeout(context.Background(), m.opts.TeardownTimeout)
		if _, err := m.end(tctx, e.session.ID, reason, true); err != nil {
			log.WithError(err).Warn("monitor teardown finished with errors")
		}
		cancel()
		return
	}
}

// emptyTracker remembers when a room last became empty. A room no human has
// joined yet counts as empty since it was created.
type emptyTracker struct {
	since    time.Time
	occupied bool
}

func (t *emptyTracker) observe(info RoomInfo, now time.Time) time.Time {
	if info.NumParticipants > 0 {
		t.since = time.Time{}
		t.occupied = true
		return time.Time{}
	}
	if t.since.IsZero() {
		t.since = now
		if !t.occupied && !info.CreatedAt.IsZero() && info.CreatedAt.Before(now) {
			t.since = info.CreatedAt
		}
	}
	return t.since
}

// checkRoom returns the reason to end the session, or false to keep watching.
func (m *Manager) checkRoom(ctx context.Context, log logrus.FieldLogger, e *entry, occupancy *emptyTracker) (EndReason, bool) {
	if !e.agent.Connected() {
		return ReasonAgentDisconnected, true
	}

	var info RoomInfo
	err := reliability.Do(ctx, m.opts.MonitorAttempts, m.opts.MonitorBackoffBase, m.opts.MonitorBackoffCap, func(ctx context.Context) error {
		var err error
		info, err = m.opts.Rooms.GetRoom(ctx, e.session.RoomName)
		if errors.Is(err, ErrRoomNotFound) {
			return reliability.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", false
	case errors.Is(err, ErrRoomNotFound):
		return ReasonRoomGone, true
	default:
		log.WithError(err).Warn("room status check failed after retries")
		return ReasonRoomUnreachable, true
	}

	now := m.opts.Now()
	since := occupancy.observe(info, now)
	if since.IsZero() {
		return "", false
	}
	timeout := info.EmptyTimeout
	if timeout <= 0 {
		timeout = m.opts.EmptyTimeout
	}
	if now.Sub(since) >= timeout {
		return ReasonRoomEmpty, true
	}
	return "", false
}
