package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervox-ai/intervox/internal/reliability"
)

type ElevenLabsConfig struct {
	WSBaseURL   string
	DialRetries int
}

// ElevenLabsProvider runs interviews over the ElevenLabs conversational AI
// websocket. The API key arrives per conversation, not at construction.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.DialRetries < 0 {
		cfg.DialRetries = 0
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) StartConversation(ctx context.Context, cfg Config) (Conversation, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if strings.TrimSpace(cfg.APIKey) != "" {
		headers.Set("xi-api-key", cfg.APIKey)
	}

	var conn *websocket.Conn
	for attempt := 0; ; attempt++ {
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
		if err == nil {
			break
		}
		if attempt >= p.cfg.DialRetries {
			return nil, fmt.Errorf("dial conversation websocket: %w", err)
		}
		backoff := reliability.ExponentialBackoff(attempt, 200*time.Millisecond, 2*time.Second)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	c := &elevenConversation{
		conn:   conn,
		events: make(chan Event, 256),
		stop:   make(chan struct{}),
	}

	// Hand the interview inputs to the agent as dynamic variables before
	// any audio flows.
	init := map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{},
		"dynamic_variables": map[string]any{
			"agent_id":        cfg.AgentID,
			"resume":          cfg.Resume,
			"job_description": cfg.JobDescription,
		},
	}
	if err := c.writeJSON(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send initiation data: %w", err)
	}

	go c.readLoop()
	return c, nil
}

type elevenConversation struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	stop      chan struct{}
}

func (c *elevenConversation) Events() <-chan Event { return c.events }

func (c *elevenConversation) SendAudio(_ context.Context, audioBase64 string) error {
	return c.writeJSON(map[string]any{
		"user_audio_chunk": audioBase64,
	})
}

// End closes the transport. The events channel is closed by the read loop,
// never here, so a blocked emit cannot race a close.
func (c *elevenConversation) End() error {
	var retErr error
	c.closeOnce.Do(func() {
		close(c.stop)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *elevenConversation) writeJSON(payload map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(payload)
}

func (c *elevenConversation) readLoop() {
	defer close(c.events)
	defer c.End()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		switch asString(raw["type"]) {
		case "audio":
			if ev, ok := raw["audio_event"].(map[string]any); ok {
				if audio := asString(ev["audio_base_64"]); audio != "" {
					if !c.emit(Event{Type: EventAudio, AudioBase64: audio}) {
						return
					}
				}
			}
		case "agent_response":
			if ev, ok := raw["agent_response_event"].(map[string]any); ok {
				if text := asString(ev["agent_response"]); text != "" {
					if !c.emit(Event{Type: EventAgentResponse, Text: text}) {
						return
					}
				}
			}
		case "user_transcript":
			if ev, ok := raw["user_transcription_event"].(map[string]any); ok {
				if text := asString(ev["user_transcript"]); text != "" {
					if !c.emit(Event{Type: EventUserTranscript, Text: text}) {
						return
					}
				}
			}
		case "ping":
			if ev, ok := raw["ping_event"].(map[string]any); ok {
				_ = c.writeJSON(map[string]any{
					"type":     "pong",
					"event_id": raw["event_id"],
					"ping_ms":  ev["ping_ms"],
				})
			} else {
				_ = c.writeJSON(map[string]any{"type": "pong", "event_id": raw["event_id"]})
			}
		case "conversation_initiation_metadata", "":
			// ignore control events
		default:
			code := asString(raw["type"])
			ok := c.emit(Event{
				Type:      EventError,
				Code:      code,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			})
			if !ok {
				return
			}
		}
	}
}

// emit delivers one event unless End has been called.
func (c *elevenConversation) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stop:
		return false
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
