// Package interview orchestrates one agent-led interview per websocket: it
// pumps upstream agent events to the client, keeps the transcript, and
// bounds the session at a fixed number of questions.
package interview

import (
	"context"
	"log"
	"sync"

	"github.com/intervox-ai/intervox/internal/agent"
	"github.com/intervox-ai/intervox/internal/protocol"
	"github.com/intervox-ai/intervox/internal/redact"
	"github.com/intervox-ai/intervox/internal/transcript"
)

// ClosingLine is spoken (well, recorded) when the question budget is spent.
const ClosingLine = "Thank you for your time! This concludes our interview. We will review your responses and get back to you soon."

// DefaultMaxQuestions bounds the interview length.
const DefaultMaxQuestions = 7

// Sender pushes one wire event to the interview's websocket.
type Sender interface {
	Send(v any) error
}

// Runner drives a single interview conversation to completion.
type Runner struct {
	conversationID string
	agentID        string
	cfg            agent.Config
	provider       agent.Provider
	store          transcript.Store
	sender         Sender
	maxQuestions   int
	onActivity     func()

	mu        sync.Mutex
	conv      agent.Conversation
	questions int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RunnerOptions wires a Runner. OnActivity, if set, is invoked on every
// upstream event so the registry's inactivity clock stays honest.
type RunnerOptions struct {
	ConversationID string
	Provider       agent.Provider
	Store          transcript.Store
	Sender         Sender
	MaxQuestions   int
	OnActivity     func()
}

func NewRunner(cfg agent.Config, opts RunnerOptions) *Runner {
	maxQuestions := opts.MaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = DefaultMaxQuestions
	}
	return &Runner{
		conversationID: opts.ConversationID,
		agentID:        cfg.AgentID,
		cfg:            cfg,
		provider:       opts.Provider,
		store:          opts.Store,
		sender:         opts.Sender,
		maxQuestions:   maxQuestions,
		onActivity:     opts.OnActivity,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run blocks until the interview ends: question budget spent, upstream
// conversation closed, context cancelled, or Stop called.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)

	conv, err := r.provider.StartConversation(ctx, r.cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conv = conv
	r.mu.Unlock()
	defer conv.End()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case ev, ok := <-conv.Events():
			if !ok {
				return nil
			}
			if r.onActivity != nil {
				r.onActivity()
			}
			if finished := r.handleEvent(ctx, ev); finished {
				return nil
			}
		}
	}
}

// handleEvent processes one upstream event; true means the question budget
// is spent and the interview is over.
func (r *Runner) handleEvent(ctx context.Context, ev agent.Event) bool {
	switch ev.Type {
	case agent.EventAudio:
		if err := r.sender.Send(protocol.NewAudioEvent(ev.AudioBase64)); err != nil {
			log.Printf("interview %s: send audio: %v", r.conversationID, err)
		}
	case agent.EventAgentResponse:
		r.saveTurn(ctx, transcript.RoleAgent, ev.Text)
		r.mu.Lock()
		r.questions++
		spent := r.questions >= r.maxQuestions
		r.mu.Unlock()
		if spent {
			r.saveTurn(ctx, transcript.RoleAgent, ClosingLine)
			log.Printf("interview %s: ended after %d questions", r.conversationID, r.maxQuestions)
			return true
		}
	case agent.EventUserTranscript:
		// Candidate answers often volunteer contact details; the stored
		// transcript keeps the content, not the contact info.
		text, _ := redact.ContactInfo(ev.Text)
		r.saveTurn(ctx, transcript.RoleCandidate, text)
	case agent.EventError:
		log.Printf("interview %s: agent error %s: %s (retryable=%t)", r.conversationID, ev.Code, ev.Detail, ev.Retryable)
	}
	return false
}

// HandleCandidateAudio forwards one microphone chunk to the upstream agent.
// Chunks arriving before the conversation is live are dropped.
func (r *Runner) HandleCandidateAudio(ctx context.Context, audioBase64 string) {
	r.mu.Lock()
	conv := r.conv
	r.mu.Unlock()
	if conv == nil {
		return
	}
	if err := conv.SendAudio(ctx, audioBase64); err != nil {
		log.Printf("interview %s: forward candidate audio: %v", r.conversationID, err)
	}
}

// Stop ends the interview. Idempotent.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed once Run has returned.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Questions reports how many agent responses have been counted.
func (r *Runner) Questions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.questions
}

func (r *Runner) saveTurn(ctx context.Context, role transcript.Role, content string) {
	if r.store == nil || content == "" {
		return
	}
	turn := transcript.Turn{
		ConversationID: r.conversationID,
		AgentID:        r.agentID,
		Role:           role,
		Content:        content,
	}
	if err := r.store.SaveTurn(ctx, turn); err != nil {
		log.Printf("interview %s: save transcript turn: %v", r.conversationID, err)
	}
}
