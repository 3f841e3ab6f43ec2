package rooms

import (
	"fmt"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
)

// Webhook event names acted on by the service.
const (
	EventRoomFinished      = "room_finished"
	EventParticipantLeft   = "participant_left"
	EventParticipantJoined = "participant_joined"
)

// WebhookEvent is the part of a LiveKit webhook the service needs.
type WebhookEvent struct {
	Event    string
	Room     string
	Identity string
	Metadata string
}

// WebhookReceiver verifies and decodes signed LiveKit webhook requests.
type WebhookReceiver struct {
	keys auth.KeyProvider
}

func NewWebhookReceiver(apiKey, apiSecret string) *WebhookReceiver {
	return &WebhookReceiver{keys: auth.NewSimpleKeyProvider(apiKey, apiSecret)}
}

func (w *WebhookReceiver) Receive(r *http.Request) (WebhookEvent, error) {
	ev, err := webhook.ReceiveWebhookEvent(r, w.keys)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("verify webhook: %w", err)
	}
	return FromLiveKit(ev), nil
}

// FromLiveKit flattens a LiveKit webhook event.
func FromLiveKit(ev *livekit.WebhookEvent) WebhookEvent {
	out := WebhookEvent{Event: ev.GetEvent()}
	if room := ev.GetRoom(); room != nil {
		out.Room = room.GetName()
		out.Metadata = room.GetMetadata()
	}
	if p := ev.GetParticipant(); p != nil {
		out.Identity = p.GetIdentity()
	}
	return out
}
