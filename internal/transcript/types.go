package transcript

import (
	"context"
	"time"
)

// Role identifies who spoke a transcript turn.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleCandidate Role = "candidate"
)

// Turn stores a single interviewer question or candidate answer.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves interview transcripts.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	Conversation(ctx context.Context, conversationID string) ([]Turn, error)
	Close() error
}
