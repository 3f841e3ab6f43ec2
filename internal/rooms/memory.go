package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medchat/voice-service/internal/session"
)

type memoryRoom struct {
	spec      session.RoomSpec
	occupants int
	createdAt time.Time
}

// MemoryProvider keeps rooms in process for local runs and tests.
type MemoryProvider struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
	// DefaultOccupants is the human count a new room starts with.
	DefaultOccupants int
}

func NewMemoryProvider(defaultOccupants int) *MemoryProvider {
	return &MemoryProvider{rooms: make(map[string]*memoryRoom), DefaultOccupants: defaultOccupants}
}

func (p *MemoryProvider) CreateRoom(_ context.Context, spec session.RoomSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[spec.Name]; ok {
		return nil
	}
	p.rooms[spec.Name] = &memoryRoom{spec: spec, occupants: p.DefaultOccupants, createdAt: time.Now().UTC()}
	return nil
}

func (p *MemoryProvider) DeleteRoom(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[name]; !ok {
		return fmt.Errorf("%w: %s", session.ErrRoomNotFound, name)
	}
	delete(p.rooms, name)
	return nil
}

func (p *MemoryProvider) GetRoom(_ context.Context, name string) (session.RoomInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[name]
	if !ok {
		return session.RoomInfo{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, name)
	}
	return session.RoomInfo{
		Name:            name,
		NumParticipants: r.occupants,
		EmptyTimeout:    r.spec.EmptyTimeout,
		CreatedAt:       r.createdAt,
	}, nil
}

func (p *MemoryProvider) UpdateRoomMetadata(_ context.Context, name string, md session.RoomMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[name]
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrRoomNotFound, name)
	}
	r.spec.Metadata = md
	return nil
}

// SetOccupants overrides the human count of a room.
func (p *MemoryProvider) SetOccupants(name string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rooms[name]; ok {
		r.occupants = n
	}
}

// Metadata returns the metadata currently stored on a room.
func (p *MemoryProvider) Metadata(name string) (session.RoomMetadata, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[name]
	if !ok {
		return session.RoomMetadata{}, false
	}
	return r.spec.Metadata, true
}

func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms)
}
