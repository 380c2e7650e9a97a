package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the interview gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// AgentProvider selects the upstream conversational agent backend:
	// auto|elevenlabs|mock.
	AgentProvider string

	ElevenLabsWSBaseURL string

	// ConfirmGrace is how long an interview waits for its websocket to be
	// registered before /offer rejects the attempt.
	ConfirmGrace time.Duration

	// InterviewInactivityTimeout ends interviews whose websocket went quiet.
	InterviewInactivityTimeout time.Duration

	// MaxQuestions bounds the number of agent questions per interview.
	MaxQuestions int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "intervox"),
		AllowAnyOrigin:             false,
		AgentProvider:              envOrDefault("AGENT_PROVIDER", "auto"),
		ElevenLabsWSBaseURL:        envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		DatabaseURL:                stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:            15 * time.Second,
		ConfirmGrace:               2 * time.Second,
		InterviewInactivityTimeout: 2 * time.Minute,
		MaxQuestions:               7,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfirmGrace, err = durationFromEnv("APP_CONFIRM_GRACE", cfg.ConfirmGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.InterviewInactivityTimeout, err = durationFromEnv("INTERVIEW_INACTIVITY_TIMEOUT", cfg.InterviewInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxQuestions, err = intFromEnv("INTERVIEW_MAX_QUESTIONS", cfg.MaxQuestions)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.InterviewInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("INTERVIEW_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxQuestions <= 0 {
		return Config{}, fmt.Errorf("INTERVIEW_MAX_QUESTIONS must be positive")
	}
	if cfg.ConfirmGrace <= 0 {
		return Config{}, fmt.Errorf("APP_CONFIRM_GRACE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
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
