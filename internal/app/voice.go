package app

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/medchat/voice-service/internal/config"
	"github.com/medchat/voice-service/internal/httpapi"
	"github.com/medchat/voice-service/internal/rooms"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/voice"
)

type voiceSetup struct {
	rooms            session.RoomProvider
	tokens           voice.TokenSource
	connector        voice.RoomConnector
	realtime         voice.RealtimeProvider
	webhooks         httpapi.WebhookReceiver
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, log logrus.FieldLogger) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	// Real rooms carry real users, so they never run with unverified bearer tokens.
	tryLiveKit := func() (voiceSetup, bool) {
		if !cfg.LiveKitConfigured() || strings.TrimSpace(cfg.OpenAIAPIKey) == "" || strings.TrimSpace(cfg.SupabaseJWTSecret) == "" {
			return voiceSetup{}, false
		}
		return voiceSetup{
			rooms:     rooms.NewLiveKitProvider(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
			tokens:    rooms.NewTokenMinter(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.LiveKitTokenTTL),
			connector: rooms.NewConnector(cfg.LiveKitURL, log),
			realtime: voice.NewOpenAIRealtimeProvider(voice.OpenAIConfig{
				APIKey: cfg.OpenAIAPIKey,
				URL:    cfg.OpenAIRealtimeURL,
				Model:  cfg.OpenAIRealtimeModel,
			}),
			webhooks:         rooms.NewWebhookReceiver(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret),
			resolvedProvider: "livekit",
			detail:           fmt.Sprintf("livekit rooms + openai realtime (%s)", cfg.OpenAIRealtimeModel),
		}, true
	}

	mock := func(detail string) voiceSetup {
		if strings.TrimSpace(cfg.SupabaseJWTSecret) == "" {
			log.Warn("SUPABASE_JWT_SECRET is not set, bearer tokens are accepted without signature checks")
		}
		// One simulated human keeps the monitor from ending idle mock rooms.
		return voiceSetup{
			rooms:            rooms.NewMemoryProvider(1),
			tokens:           voice.MockTokens{},
			connector:        voice.NewMockRoomConnector(),
			realtime:         voice.NewMockRealtimeProvider(true),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "livekit":
		if setup, ok := tryLiveKit(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=livekit requires LIVEKIT_URL, LIVEKIT_API_KEY, LIVEKIT_API_SECRET, OPENAI_API_KEY and SUPABASE_JWT_SECRET")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryLiveKit(); ok {
			return setup, nil
		}
		return mock("mock (livekit, openai or jwt credentials missing)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|livekit|mock)", cfg.VoiceProvider)
	}
}
