package rooms

import (
	"errors"
	"time"

	"github.com/livekit/protocol/auth"
)

// TokenMinter issues room join tokens signed with the LiveKit API credentials.
type TokenMinter struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

func NewTokenMinter(apiKey, apiSecret string, ttl time.Duration) *TokenMinter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenMinter{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}
}

// Token grants join, publish and subscribe rights on one room.
func (m *TokenMinter) Token(room, identity, name string) (string, error) {
	if room == "" || identity == "" {
		return "", errors.New("room and identity are required")
	}
	allow := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &allow,
		CanSubscribe:   &allow,
		CanPublishData: &allow,
	}
	at := auth.NewAccessToken(m.apiKey, m.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(m.ttl)
	return at.ToJWT()
}
