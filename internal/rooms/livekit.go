package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/medchat/voice-service/internal/reliability"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
	"github.com/twitchtv/twirp"
)

// roomService is the subset of the LiveKit room service used here.
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
	UpdateRoomMetadata(ctx context.Context, req *livekit.UpdateRoomMetadataRequest) (*livekit.Room, error)
}

// LiveKitProvider implements session.RoomProvider on the LiveKit room service API.
type LiveKitProvider struct {
	svc roomService
}

func NewLiveKitProvider(url, apiKey, apiSecret string) *LiveKitProvider {
	return &LiveKitProvider{svc: lksdk.NewRoomServiceClient(url, apiKey, apiSecret)}
}

func (p *LiveKitProvider) CreateRoom(ctx context.Context, spec session.RoomSpec) error {
	metadata, err := EncodeMetadata(spec.Metadata)
	if err != nil {
		return err
	}
	_, err = p.svc.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            spec.Name,
		EmptyTimeout:    uint32(spec.EmptyTimeout / time.Second),
		MaxParticipants: uint32(spec.MaxParticipants),
		Metadata:        metadata,
	})
	return classify(err)
}

func (p *LiveKitProvider) DeleteRoom(ctx context.Context, name string) error {
	_, err := p.svc.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	return classify(err)
}

// GetRoom reports the room with only human participants counted; the agent's own seat is excluded.
func (p *LiveKitProvider) GetRoom(ctx context.Context, name string) (session.RoomInfo, error) {
	res, err := p.svc.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{name}})
	if err != nil {
		return session.RoomInfo{}, classify(err)
	}
	var room *livekit.Room
	for _, r := range res.GetRooms() {
		if r.GetName() == name {
			room = r
			break
		}
	}
	if room == nil {
		return session.RoomInfo{}, fmt.Errorf("%w: %s", session.ErrRoomNotFound, name)
	}

	humans := 0
	if room.GetNumParticipants() > 0 {
		parts, err := p.svc.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: name})
		if err != nil {
			return session.RoomInfo{}, classify(err)
		}
		for _, part := range parts.GetParticipants() {
			if !voice.IsAgentIdentity(part.GetIdentity()) {
				humans++
			}
		}
	}

	return session.RoomInfo{
		Name:            room.GetName(),
		NumParticipants: humans,
		EmptyTimeout:    time.Duration(room.GetEmptyTimeout()) * time.Second,
		CreatedAt:       time.Unix(room.GetCreationTime(), 0).UTC(),
	}, nil
}

func (p *LiveKitProvider) UpdateRoomMetadata(ctx context.Context, name string, md session.RoomMetadata) error {
	metadata, err := EncodeMetadata(md)
	if err != nil {
		return err
	}
	_, err = p.svc.UpdateRoomMetadata(ctx, &livekit.UpdateRoomMetadataRequest{Room: name, Metadata: metadata})
	return classify(err)
}

// EncodeMetadata serializes room metadata for the room service.
func EncodeMetadata(md session.RoomMetadata) (string, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode room metadata: %w", err)
	}
	return string(raw), nil
}

// DecodeMetadata parses metadata previously written by EncodeMetadata.
func DecodeMetadata(raw string) (session.RoomMetadata, error) {
	var md session.RoomMetadata
	if strings.TrimSpace(raw) == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return md, fmt.Errorf("decode room metadata: %w", err)
	}
	return md, nil
}

// ErrTransient marks room service failures worth retrying.
var ErrTransient = errors.New("room service temporarily unavailable")

// classify maps twirp errors onto session.ErrRoomNotFound and ErrTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var twerr twirp.Error
	if !errors.As(err, &twerr) {
		return err
	}
	if twerr.Code() == twirp.NotFound {
		return fmt.Errorf("%w: %s", session.ErrRoomNotFound, twerr.Msg())
	}
	if reliability.IsRetryableHTTPStatus(twirp.ServerHTTPStatusFromErrorCode(twerr.Code())) {
		return fmt.Errorf("%w: %s", ErrTransient, twerr.Msg())
	}
	return err
}
