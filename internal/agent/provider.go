// Package agent abstracts the upstream conversational interviewer. The
// gateway only sees a stream of audio and text events; which model or voice
// produces them is the provider's business.
package agent

import "context"

type EventType string

const (
	// EventAudio carries one base64-encoded chunk of synthesized speech.
	EventAudio EventType = "audio"
	// EventAgentResponse is one complete spoken question or remark.
	EventAgentResponse EventType = "agent_response"
	// EventUserTranscript is the transcription of candidate speech.
	EventUserTranscript EventType = "user_transcript"
	// EventError is a provider-side failure; retryable ones may be absorbed.
	EventError EventType = "error"
)

type Event struct {
	Type        EventType
	AudioBase64 string
	Text        string
	Code        string
	Detail      string
	Retryable   bool
}

// Config carries the interview inputs handed to the upstream agent.
type Config struct {
	AgentID        string
	APIKey         string
	Resume         string
	JobDescription string
}

// Conversation is one live exchange with the upstream agent. The events
// channel is closed when the conversation ends, upstream or via End.
type Conversation interface {
	Events() <-chan Event
	SendAudio(ctx context.Context, audioBase64 string) error
	End() error
}

// Provider starts conversations against one upstream backend.
type Provider interface {
	StartConversation(ctx context.Context, cfg Config) (Conversation, error)
}
