package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/intervox-ai/intervox/internal/agent"
	"github.com/intervox-ai/intervox/internal/config"
	"github.com/intervox-ai/intervox/internal/httpapi"
	"github.com/intervox-ai/intervox/internal/interview"
	"github.com/intervox-ai/intervox/internal/observability"
	"github.com/intervox-ai/intervox/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	var provider agent.Provider
	providerMode := strings.ToLower(strings.TrimSpace(cfg.AgentProvider))
	if providerMode == "" {
		providerMode = "auto"
	}
	switch providerMode {
	case "elevenlabs", "auto":
		// API keys arrive per offer, so the realtime provider needs no
		// credentials at startup.
		provider = agent.NewElevenLabsProvider(agent.ElevenLabsConfig{
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
		})
		log.Printf("agent provider: elevenlabs realtime")
	case "mock":
		provider = agent.NewMockProvider()
		log.Printf("agent provider: mock")
	default:
		log.Fatalf("invalid AGENT_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.AgentProvider)
	}

	registry := interview.NewRegistry(cfg.InterviewInactivityTimeout)
	registry.SetExpireHook(func(_ interview.Entry) {
		metrics.InterviewEvents.WithLabelValues("expired").Inc()
		metrics.ActiveInterviews.Set(float64(registry.ActiveCount()))
	})

	api := httpapi.New(cfg, registry, provider, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
