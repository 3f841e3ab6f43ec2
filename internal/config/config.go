package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	VoiceProvider string

	LiveKitURL             string
	LiveKitAPIKey          string
	LiveKitAPISecret       string
	LiveKitRoomPrefix      string
	LiveKitEmptyTimeout    time.Duration
	LiveKitMaxParticipants int
	LiveKitTokenTTL        time.Duration

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string

	DefaultVoiceID            string
	DefaultTemperature        float64
	DefaultMaxOutputTokens    int
	DefaultInstructions       string
	DefaultTranscriptionModel string
	DefaultLanguage           string

	SessionMonitorInterval time.Duration
	SessionMonitorRetries  int

	DatabaseURL       string
	SupabaseJWTSecret string

	RabbitMQURL            string
	RabbitMQExchange       string
	RabbitMQQueue          string
	RabbitMQConnectTimeout time.Duration
}

// Load reads .env files and environment variables and applies safe defaults.
func Load() (Config, error) {
	// Missing files are fine; real environment always wins over file values.
	_ = godotenv.Load(".env.local", ".env")

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiced"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "text"),
		VoiceProvider:    envOrDefault("VOICE_PROVIDER", "auto"),

		LiveKitURL:             stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:          stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret:       stringsTrimSpace("LIVEKIT_API_SECRET"),
		LiveKitRoomPrefix:      envOrDefault("LIVEKIT_ROOM_PREFIX", "voice-"),
		LiveKitEmptyTimeout:    5 * time.Minute,
		LiveKitMaxParticipants: 2,
		LiveKitTokenTTL:        time.Hour,

		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-realtime"),

		DefaultVoiceID:            envOrDefault("VOICE_DEFAULT_VOICE_ID", "alloy"),
		DefaultTemperature:        0.8,
		DefaultMaxOutputTokens:    2048,
		DefaultInstructions:       envOrDefault("VOICE_DEFAULT_INSTRUCTIONS", "You are a medical assistant. Help the user with their medical questions."),
		DefaultTranscriptionModel: envOrDefault("VOICE_TRANSCRIPTION_MODEL", "whisper-1"),
		DefaultLanguage:           envOrDefault("VOICE_LANGUAGE", "en"),

		SessionMonitorInterval: 30 * time.Second,
		SessionMonitorRetries:  3,

		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		SupabaseJWTSecret: stringsTrimSpace("SUPABASE_JWT_SECRET"),

		RabbitMQURL:            stringsTrimSpace("RABBITMQ_URL"),
		RabbitMQExchange:       envOrDefault("RABBITMQ_EXCHANGE", "medical_chatbot"),
		RabbitMQQueue:          envOrDefault("RABBITMQ_VOICE_QUEUE", "voice_events"),
		RabbitMQConnectTimeout: 5 * time.Second,

		ShutdownTimeout: 15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveKitEmptyTimeout, err = durationFromEnv("LIVEKIT_ROOM_EMPTY_TIMEOUT", cfg.LiveKitEmptyTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveKitMaxParticipants, err = intFromEnv("LIVEKIT_ROOM_MAX_PARTICIPANTS", cfg.LiveKitMaxParticipants)
	if err != nil {
		return Config{}, err
	}
	cfg.LiveKitTokenTTL, err = durationFromEnv("LIVEKIT_TOKEN_TTL", cfg.LiveKitTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTemperature, err = floatFromEnv("VOICE_DEFAULT_TEMPERATURE", cfg.DefaultTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultMaxOutputTokens, err = intFromEnv("VOICE_DEFAULT_MAX_OUTPUT_TOKENS", cfg.DefaultMaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMonitorInterval, err = durationFromEnv("SESSION_MONITOR_INTERVAL", cfg.SessionMonitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMonitorRetries, err = intFromEnv("SESSION_MONITOR_RETRIES", cfg.SessionMonitorRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.RabbitMQConnectTimeout, err = durationFromEnv("RABBITMQ_CONNECT_TIMEOUT", cfg.RabbitMQConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	if cfg.RabbitMQURL == "" {
		cfg.RabbitMQURL = rabbitURLFromParts()
	}

	if cfg.SessionMonitorInterval < time.Second {
		return Config{}, fmt.Errorf("SESSION_MONITOR_INTERVAL must be at least 1s")
	}
	if cfg.SessionMonitorRetries < 0 {
		return Config{}, fmt.Errorf("SESSION_MONITOR_RETRIES must be >= 0")
	}
	if cfg.LiveKitMaxParticipants <= 0 {
		return Config{}, fmt.Errorf("LIVEKIT_ROOM_MAX_PARTICIPANTS must be positive")
	}
	if cfg.DefaultTemperature < 0 || cfg.DefaultTemperature > 2 {
		return Config{}, fmt.Errorf("VOICE_DEFAULT_TEMPERATURE must be within [0, 2]")
	}
	if cfg.DefaultMaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("VOICE_DEFAULT_MAX_OUTPUT_TOKENS must be positive")
	}

	return cfg, nil
}

// LiveKitConfigured reports whether the room provider credentials are present.
func (c Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// rabbitURLFromParts assembles an AMQP URL from RABBITMQ_HOST and friends. Empty host means no broker.
func rabbitURLFromParts() string {
	host := stringsTrimSpace("RABBITMQ_HOST")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(envOrDefault("RABBITMQ_USER", "guest"), envOrDefault("RABBITMQ_PASSWORD", "guest")),
		Host:   host + ":" + envOrDefault("RABBITMQ_PORT", "5672"),
		Path:   "/" + strings.TrimPrefix(envOrDefault("RABBITMQ_VHOST", "/"), "/"),
	}
	return u.String()
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
