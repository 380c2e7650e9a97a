package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/intervox-ai/intervox/internal/audio"
)

// MockProvider drives a scripted interview without any upstream service.
// Questions arrive as agent_response events, each followed by a burst of
// tone-filled WAV chunks standing in for synthesized speech.
type MockProvider struct {
	// Pace between scripted events; tests shrink it.
	Pace time.Duration
	// ChunksPerQuestion controls how many audio chunks follow each question.
	ChunksPerQuestion int
	// Questions overrides the default script when non-empty.
	Questions []string
}

var defaultScript = []string{
	"Thanks for joining today. To start, walk me through your background.",
	"Which project are you most proud of, and what was your role in it?",
	"How does your experience line up with this job description?",
	"Tell me about a technical decision you got wrong and what you learned.",
	"How do you approach debugging a system you did not write?",
	"What would your first ninety days in this role look like?",
	"What questions do you have for us?",
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Pace: 150 * time.Millisecond, ChunksPerQuestion: 2}
}

func (p *MockProvider) StartConversation(ctx context.Context, cfg Config) (Conversation, error) {
	script := p.Questions
	if len(script) == 0 {
		script = defaultScript
	}
	pace := p.Pace
	if pace <= 0 {
		pace = 150 * time.Millisecond
	}
	chunks := p.ChunksPerQuestion
	if chunks <= 0 {
		chunks = 2
	}

	c := &mockConversation{
		events: make(chan Event, 256),
		stop:   make(chan struct{}),
	}
	go c.run(ctx, script, pace, chunks)
	return c, nil
}

type mockConversation struct {
	events    chan Event
	stop      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	audioChunk int
}

func (c *mockConversation) Events() <-chan Event { return c.events }

func (c *mockConversation) SendAudio(_ context.Context, audioBase64 string) error {
	if audioBase64 == "" {
		return nil
	}
	c.mu.Lock()
	c.audioChunk++
	n := c.audioChunk
	c.mu.Unlock()

	// Acknowledge candidate speech every few chunks, like a committing STT.
	if n%4 == 0 {
		c.emit(Event{Type: EventUserTranscript, Text: "simulated candidate answer"})
	}
	return nil
}

func (c *mockConversation) End() error {
	c.closeOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *mockConversation) run(ctx context.Context, script []string, pace time.Duration, chunks int) {
	defer close(c.events)

	for i, question := range script {
		if !c.sleep(ctx, pace) {
			return
		}
		if !c.emit(Event{Type: EventAgentResponse, Text: question}) {
			return
		}
		for j := 0; j < chunks; j++ {
			// Vary the pitch a little per question so recordings are tellable apart.
			pcm := audio.TonePCM16LE(330+float64(40*i), 80, audio.DefaultSampleRate)
			wav, err := audio.EncodeWAVPCM16LE(pcm, audio.DefaultSampleRate)
			if err != nil {
				c.emit(Event{Type: EventError, Code: "synth_failed", Detail: fmt.Sprintf("question %d: %v", i, err)})
				continue
			}
			if !c.emit(Event{Type: EventAudio, AudioBase64: base64.StdEncoding.EncodeToString(wav)}) {
				return
			}
		}
	}

	// Script exhausted; idle until the interview is ended.
	select {
	case <-ctx.Done():
	case <-c.stop:
	}
}

// emit delivers an event unless the conversation has been ended.
func (c *mockConversation) emit(ev Event) bool {
	select {
	case <-c.stop:
		return false
	case c.events <- ev:
		return true
	}
}

func (c *mockConversation) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	case <-time.After(d):
		return true
	}
}
