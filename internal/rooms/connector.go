package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/medchat/voice-service/internal/voice"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const transcriptionTopic = "transcription"

// Connector joins LiveKit rooms over WebRTC with a pre-minted token.
type Connector struct {
	url string
	log logrus.FieldLogger
}

func NewConnector(url string, log logrus.FieldLogger) *Connector {
	return &Connector{url: url, log: log.WithField("component", "livekit_connector")}
}

func (c *Connector) Connect(ctx context.Context, token string, handler voice.RoomHandler) (voice.RoomConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cb := lksdk.NewRoomCallback()
	cb.ParticipantCallback.OnTrackSubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		c.log.WithFields(logrus.Fields{
			"participant": rp.Identity(),
			"codec":       track.Codec().MimeType,
		}).Debug("track subscribed")
	}
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		if handler.OnParticipantJoined != nil {
			handler.OnParticipantJoined(rp.Identity())
		}
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		if handler.OnParticipantLeft != nil {
			handler.OnParticipantLeft(rp.Identity())
		}
	}
	cb.OnDisconnected = func() {
		if handler.OnDisconnected != nil {
			handler.OnDisconnected()
		}
	}

	room, err := lksdk.ConnectToRoomWithToken(c.url, token, cb, lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	// Participants already present never trigger OnParticipantConnected.
	if handler.OnParticipantJoined != nil {
		for _, rp := range room.GetRemoteParticipants() {
			handler.OnParticipantJoined(rp.Identity())
		}
	}
	return &liveKitConn{room: room}, nil
}

type liveKitConn struct {
	room *lksdk.Room
}

func (c *liveKitConn) PublishTranscription(seg voice.TranscriptSegment) error {
	if c.room.LocalParticipant == nil {
		return errors.New("room not joined")
	}
	payload, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	return c.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(transcriptionTopic),
	)
}

func (c *liveKitConn) Connected() bool {
	return c.room.ConnectionState() == lksdk.ConnectionStateConnected
}

func (c *liveKitConn) Disconnect() {
	c.room.Disconnect()
}
