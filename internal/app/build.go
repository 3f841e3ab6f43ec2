package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medchat/voice-service/internal/auth"
	"github.com/medchat/voice-service/internal/config"
	"github.com/medchat/voice-service/internal/httpapi"
	"github.com/medchat/voice-service/internal/messaging"
	"github.com/medchat/voice-service/internal/observability"
	"github.com/medchat/voice-service/internal/session"
	"github.com/medchat/voice-service/internal/storage"
	"github.com/medchat/voice-service/internal/voice"
)

const endHookTimeout = 5 * time.Second

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Store    storage.Store
	Bus      messaging.Bus
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	log logrus.FieldLogger
	// Cleanup should be called on shutdown, after sessions are ended, to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*BuildResult, error) {
	if log == nil {
		log = observability.DiscardLogger()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := storage.NewStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider
	log.WithField("detail", voiceSetup.detail).Info("voice provider resolved")

	bus := connectBus(cfg, log)

	sessions := session.NewManager(session.Options{
		Rooms: voiceSetup.rooms,
		NewAgent: voice.NewFactory(voice.Deps{
			Tokens:        voiceSetup.tokens,
			Rooms:         voiceSetup.connector,
			Realtime:      voiceSetup.realtime,
			Store:         store,
			Metrics:       metrics,
			Logger:        log,
			RealtimeModel: cfg.OpenAIRealtimeModel,
		}),
		Logger:          log,
		DefaultConfig:   defaultSessionConfig(cfg),
		RoomPrefix:      cfg.LiveKitRoomPrefix,
		EmptyTimeout:    cfg.LiveKitEmptyTimeout,
		MaxParticipants: cfg.LiveKitMaxParticipants,
		MonitorInterval: cfg.SessionMonitorInterval,
		MonitorAttempts: cfg.SessionMonitorRetries,
		OnMonitorCheck: func(outcome string) {
			metrics.MonitorChecks.WithLabelValues(outcome).Inc()
		},
	})
	sessions.SetEndHook(endHook(sessions, store, bus, metrics, log))

	api := httpapi.New(httpapi.Deps{
		Config:   cfg,
		Sessions: sessions,
		Store:    store,
		Tokens:   voiceSetup.tokens,
		Webhooks: voiceSetup.webhooks,
		Auth:     auth.NewVerifier(cfg.SupabaseJWTSecret),
		Bus:      bus,
		Metrics:  metrics,
		Logger:   log,
	})

	cleanup := func() error {
		var errs []string
		if err := bus.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Store:    store,
		Bus:      bus,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: cfg.VoiceProvider,
			Detail:   voiceSetup.detail,
		},
		log:     log,
		Cleanup: cleanup,
	}, nil
}

func defaultSessionConfig(cfg config.Config) session.Config {
	return session.Config{
		VoiceID:            cfg.DefaultVoiceID,
		Temperature:        cfg.DefaultTemperature,
		MaxOutputTokens:    cfg.DefaultMaxOutputTokens,
		Modalities:         []string{"text", "audio"},
		Instructions:       cfg.DefaultInstructions,
		Language:           cfg.DefaultLanguage,
		TranscriptionModel: cfg.DefaultTranscriptionModel,
		TurnDetection:      session.DefaultTurnDetection(),
	}
}

// connectBus dials the broker when configured. The broker is optional; failures degrade to a disabled bus.
func connectBus(cfg config.Config, log logrus.FieldLogger) messaging.Bus {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		return messaging.Disabled{}
	}
	bus, err := messaging.DialAMQP(messaging.AMQPConfig{
		URL:            cfg.RabbitMQURL,
		Exchange:       cfg.RabbitMQExchange,
		Queue:          cfg.RabbitMQQueue,
		ConnectTimeout: cfg.RabbitMQConnectTimeout,
	}, log)
	if err != nil {
		log.WithError(err).Warn("event bus unavailable, continuing without it")
		return messaging.Disabled{}
	}
	return bus
}

func endHook(sessions *session.Manager, store storage.Store, bus messaging.Bus, metrics *observability.Metrics, log logrus.FieldLogger) func(*session.Session, session.EndReason) {
	return func(s *session.Session, reason session.EndReason) {
		ended := s.EndedAt
		if ended.IsZero() {
			ended = time.Now().UTC()
		}
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		metrics.SessionEvents.WithLabelValues("ended_" + string(reason)).Inc()
		metrics.ObserveSessionDuration(ended.Sub(s.CreatedAt))

		ctx, cancel := context.WithTimeout(context.Background(), endHookTimeout)
		defer cancel()
		entry := log.WithField("session_id", s.ID).WithField("reason", reason)

		if err := store.MarkEnded(ctx, s.ID, string(reason), ended); err != nil && !errors.Is(err, storage.ErrNotFound) {
			entry.WithError(err).Warn("mark session ended failed")
		}
		if !bus.Available() {
			return
		}
		err := bus.Publish(ctx, messaging.KeySessionEnded, messaging.Event{
			Type:           messaging.KeySessionEnded,
			SessionID:      s.ID,
			UserID:         s.UserID,
			ConversationID: s.ConversationID,
			RoomName:       s.RoomName,
			Reason:         string(reason),
			OccurredAt:     ended,
		})
		if err != nil {
			entry.WithError(err).Warn("publish session ended failed")
		}
	}
}

// RunBus consumes end-session commands until ctx is cancelled. It returns immediately without a broker.
func (b *BuildResult) RunBus(ctx context.Context) error {
	consumer, ok := b.Bus.(*messaging.AMQPBus)
	if !ok {
		return nil
	}
	return consumer.Consume(ctx, func(ctx context.Context, cmd messaging.Command) error {
		entry := b.log.WithField("session_id", cmd.SessionID)
		ended, err := b.Sessions.EndWithReason(ctx, cmd.SessionID, session.ReasonBusCommand)
		switch {
		case !ended:
			entry.Debug("bus end command for unknown session")
		case err != nil:
			// The session is gone either way; redelivery would find nothing to end.
			entry.WithError(err).Warn("bus-initiated teardown finished with errors")
		default:
			entry.Info("session ended by bus command")
		}
		return nil
	})
}
