package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.AgentProvider != "auto" {
		t.Fatalf("AgentProvider = %q, want %q", cfg.AgentProvider, "auto")
	}
	if cfg.MaxQuestions != 7 {
		t.Fatalf("MaxQuestions = %d, want 7", cfg.MaxQuestions)
	}
	if cfg.InterviewInactivityTimeout != 2*time.Minute {
		t.Fatalf("InterviewInactivityTimeout = %v, want 2m", cfg.InterviewInactivityTimeout)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadExplicitOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("INTERVIEW_MAX_QUESTIONS", "3")
	t.Setenv("APP_CONFIRM_GRACE", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.MaxQuestions != 3 {
		t.Fatalf("MaxQuestions = %d, want 3", cfg.MaxQuestions)
	}
	if cfg.ConfirmGrace != 750*time.Millisecond {
		t.Fatalf("ConfirmGrace = %v, want 750ms", cfg.ConfirmGrace)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error for bad duration")
	}
}

func TestLoadRejectsNonPositiveMaxQuestions(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("INTERVIEW_MAX_QUESTIONS", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error for zero max questions")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_CONFIRM_GRACE",
		"AGENT_PROVIDER",
		"ELEVENLABS_WS_BASE_URL",
		"INTERVIEW_INACTIVITY_TIMEOUT",
		"INTERVIEW_MAX_QUESTIONS",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
