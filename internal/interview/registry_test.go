package interview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intervox-ai/intervox/internal/agent"
	"github.com/intervox-ai/intervox/internal/transcript"
)

func TestRegistryRejectsSecondInterviewForAgent(t *testing.T) {
	reg := NewRegistry(time.Minute)

	if _, err := reg.Register("a1", "c1", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register("a1", "c2", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Register() error = %v, want ErrBusy", err)
	}
	if got := reg.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestRegistryRemoveAllowsFreshInterview(t *testing.T) {
	reg := NewRegistry(time.Minute)

	entry, err := reg.Register("a1", "c1", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if entry.Status != StatusRunning || entry.ConversationID != "c1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	removed, err := reg.Remove("a1")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.Status != StatusEnded {
		t.Fatalf("removed status = %q, want ended", removed.Status)
	}

	if _, err := reg.Register("a1", "c2", nil); err != nil {
		t.Fatalf("Register() after Remove error = %v", err)
	}
}

func TestRegistryRemoveUnknownAgent(t *testing.T) {
	reg := NewRegistry(time.Minute)
	if _, err := reg.Remove("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryLookupOnlyRunning(t *testing.T) {
	reg := NewRegistry(time.Minute)
	r := NewRunner(agent.Config{AgentID: "a1"}, RunnerOptions{
		ConversationID: "c1",
		Provider:       &agent.MockProvider{Pace: time.Hour},
		Store:          transcript.NewInMemoryStore(),
		Sender:         &collectingSender{},
	})

	if _, ok := reg.Lookup("a1"); ok {
		t.Fatalf("Lookup() found interview before Register")
	}
	if _, err := reg.Register("a1", "c1", r); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	got, ok := reg.Lookup("a1")
	if !ok || got != r {
		t.Fatalf("Lookup() = (%v, %t), want the registered runner", got, ok)
	}
}

func TestRegistryJanitorExpiresAndStopsRunner(t *testing.T) {
	reg := NewRegistry(30 * time.Millisecond)
	r := NewRunner(agent.Config{AgentID: "a1"}, RunnerOptions{
		ConversationID: "c1",
		Provider:       &agent.MockProvider{Pace: time.Hour},
		Store:          transcript.NewInMemoryStore(),
		Sender:         &collectingSender{},
	})
	go func() { _ = r.Run(context.Background()) }()

	expired := make(chan Entry, 1)
	reg.SetExpireHook(func(e Entry) { expired <- e })
	if _, err := reg.Register("a1", "c1", r); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case e := <-expired:
		if e.AgentID != "a1" {
			t.Fatalf("expired agent = %q, want a1", e.AgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor never expired the idle interview")
	}

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("runner not stopped on expiry")
	}
	if _, ok := reg.Lookup("a1"); ok {
		t.Fatalf("expired interview still visible")
	}
}
