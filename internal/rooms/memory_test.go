package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/medchat/voice-service/internal/session"
)

func TestMemoryProviderLifecycle(t *testing.T) {
	p := NewMemoryProvider(1)
	ctx := context.Background()

	if err := p.CreateRoom(ctx, session.RoomSpec{Name: "voice-s1"}); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	info, err := p.GetRoom(ctx, "voice-s1")
	if err != nil || info.NumParticipants != 1 {
		t.Fatalf("GetRoom() = %+v, %v", info, err)
	}

	p.SetOccupants("voice-s1", 0)
	info, _ = p.GetRoom(ctx, "voice-s1")
	if info.NumParticipants != 0 {
		t.Fatalf("NumParticipants = %d, want 0", info.NumParticipants)
	}

	if err := p.UpdateRoomMetadata(ctx, "voice-s1", session.RoomMetadata{SessionID: "s1"}); err != nil {
		t.Fatalf("UpdateRoomMetadata() error = %v", err)
	}
	if md, ok := p.Metadata("voice-s1"); !ok || md.SessionID != "s1" {
		t.Fatalf("Metadata() = %+v, %v", md, ok)
	}

	if err := p.DeleteRoom(ctx, "voice-s1"); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if err := p.DeleteRoom(ctx, "voice-s1"); !errors.Is(err, session.ErrRoomNotFound) {
		t.Fatalf("second DeleteRoom() error = %v", err)
	}
	if _, err := p.GetRoom(ctx, "voice-s1"); !errors.Is(err, session.ErrRoomNotFound) {
		t.Fatalf("GetRoom() after delete error = %v", err)
	}
}
