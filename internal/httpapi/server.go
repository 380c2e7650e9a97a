// Package httpapi exposes the gateway's wire contract: the realtime
// websocket endpoint, the session-start offer, and cancellation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/intervox-ai/intervox/internal/agent"
	"github.com/intervox-ai/intervox/internal/config"
	"github.com/intervox-ai/intervox/internal/interview"
	"github.com/intervox-ai/intervox/internal/observability"
	"github.com/intervox-ai/intervox/internal/protocol"
	"github.com/intervox-ai/intervox/internal/transcript"
)

// requiredFieldsMessage matches what browser clients have historically shown.
const requiredFieldsMessage = "Agent ID, API Key, Resume, and Job Description are required"

type Server struct {
	cfg      config.Config
	registry *interview.Registry
	provider agent.Provider
	store    transcript.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*wsPeer
}

func New(cfg config.Config, registry *interview.Registry, provider agent.Provider, store transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		store:    store,
		metrics:  metrics,
		peers:    make(map[string]*wsPeer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other sites cannot drive an interview if
				// the gateway is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/{agentID}", s.handleWS)
	r.Post("/offer", s.handleOffer)
	r.Post("/cancel", s.handleCancel)
	r.Get("/conversations/{conversationID}/transcript", s.handleTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"active_interviews": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(chi.URLParam(r, "agentID"))
	if agentID == "" {
		respondError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	peer := &wsPeer{conn: conn, metrics: s.metrics}
	s.mu.Lock()
	if stale := s.peers[agentID]; stale != nil {
		// One open channel per agent; a stale one is closed before the new
		// one takes over.
		stale.close()
	}
	s.peers[agentID] = peer
	s.mu.Unlock()

	s.metrics.InterviewEvents.WithLabelValues("ws_connected").Inc()
	log.Printf("ws: connection for agent %s", agentID)

	// The transport is up and the peer is registered, so /offer will now
	// accept this agent: confirm readiness to the client.
	if err := peer.Send(protocol.NewConnectionEvent()); err != nil {
		s.dropPeer(agentID, peer)
		return
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				log.Printf("ws: drop message from agent %s: %v", agentID, err)
			}
			continue
		}
		if msg, ok := parsed.(protocol.AudioEvent); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeAudio)).Inc()
			s.registry.Touch(agentID)
			if runner, ok := s.registry.Lookup(agentID); ok {
				runner.HandleCandidateAudio(r.Context(), msg.Data)
			}
		}
	}

	s.dropPeer(agentID, peer)
	s.metrics.InterviewEvents.WithLabelValues("ws_disconnected").Inc()
	log.Printf("ws: connection closed for agent %s", agentID)

	// The realtime channel is the interview's lifeline; once it is gone
	// there is nobody left to deliver audio to.
	if runner, ok := s.registry.Lookup(agentID); ok {
		runner.Stop()
		if _, err := s.registry.Remove(agentID); err == nil {
			s.metrics.InterviewEvents.WithLabelValues("channel_lost").Inc()
			s.metrics.ActiveInterviews.Set(float64(s.registry.ActiveCount()))
		}
	}
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req protocol.OfferRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.APIKey) == "" ||
		strings.TrimSpace(req.Resume) == "" || strings.TrimSpace(req.JobDescription) == "" {
		respondError(w, http.StatusBadRequest, requiredFieldsMessage)
		return
	}

	peer := s.waitForPeer(r.Context(), req.AgentID)
	if peer == nil {
		respondError(w, http.StatusBadRequest, "WebSocket connection not established")
		return
	}

	conversationID := uuid.NewString()
	runner := interview.NewRunner(
		agent.Config{
			AgentID:        req.AgentID,
			APIKey:         req.APIKey,
			Resume:         req.Resume,
			JobDescription: req.JobDescription,
		},
		interview.RunnerOptions{
			ConversationID: conversationID,
			Provider:       s.provider,
			Store:          s.store,
			Sender:         peer,
			MaxQuestions:   s.cfg.MaxQuestions,
			OnActivity: func() {
				s.registry.Touch(req.AgentID)
			},
		},
	)

	if _, err := s.registry.Register(req.AgentID, conversationID, runner); err != nil {
		if errors.Is(err, interview.ErrBusy) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	agentID := req.AgentID
	go func() {
		if err := runner.Run(context.Background()); err != nil {
			log.Printf("interview %s: run: %v", conversationID, err)
		}
		if _, err := s.registry.Remove(agentID); err == nil {
			s.metrics.InterviewEvents.WithLabelValues("ended").Inc()
			s.metrics.ActiveInterviews.Set(float64(s.registry.ActiveCount()))
		}
	}()

	s.metrics.InterviewEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveInterviews.Set(float64(s.registry.ActiveCount()))
	s.metrics.ObserveOfferLatency(time.Since(start))

	respondJSON(w, http.StatusOK, protocol.OfferResponse{ConversationID: conversationID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req protocol.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "Agent ID is required")
		return
	}

	runner, ok := s.registry.Lookup(req.AgentID)
	if !ok {
		respondError(w, http.StatusNotFound, "No active session found")
		return
	}

	runner.Stop()
	if _, err := s.registry.Remove(req.AgentID); err == nil {
		s.metrics.InterviewEvents.WithLabelValues("cancelled").Inc()
		s.metrics.ActiveInterviews.Set(float64(s.registry.ActiveCount()))
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if conversationID == "" {
		respondError(w, http.StatusBadRequest, "missing conversation id")
		return
	}
	turns, err := s.store.Conversation(r.Context(), conversationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"turns":          turns,
	})
}

func (s *Server) peer(agentID string) *wsPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[agentID]
}

// waitForPeer tolerates offers racing the websocket registration: clients
// post the offer right after the confirmation event, which may still be in
// flight when the offer lands.
func (s *Server) waitForPeer(ctx context.Context, agentID string) *wsPeer {
	grace := s.cfg.ConfirmGrace
	if grace <= 0 {
		return s.peer(agentID)
	}
	deadline := time.Now().Add(grace)
	for {
		if peer := s.peer(agentID); peer != nil {
			return peer
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (s *Server) dropPeer(agentID string, peer *wsPeer) {
	s.mu.Lock()
	if s.peers[agentID] == peer {
		delete(s.peers, agentID)
	}
	s.mu.Unlock()
	peer.close()
}

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	conn    *websocket.Conn
	metrics *observability.Metrics
	mu      sync.Mutex
}

// Send implements interview.Sender.
func (p *wsPeer) Send(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := p.conn.WriteJSON(v); err != nil {
		return err
	}
	switch msg := v.(type) {
	case protocol.AudioEvent:
		p.metrics.WSMessages.WithLabelValues("outbound", string(msg.Type)).Inc()
		p.metrics.AudioChunks.Inc()
	case protocol.ConnectionEvent:
		p.metrics.WSMessages.WithLabelValues("outbound", string(msg.Type)).Inc()
	}
	return nil
}

func (p *wsPeer) close() {
	p.conn.Close()
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message})
}
