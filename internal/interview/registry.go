package interview

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusEnded   Status = "ended"
)

var (
	ErrNotFound = errors.New("no active session found")
	ErrBusy     = errors.New("interview already in progress for this agent")
)

// Entry is the registry's public view of one interview.
type Entry struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type registered struct {
	Entry
	runner *Runner
}

// Registry tracks at most one live interview per agent id.
type Registry struct {
	mu                sync.RWMutex
	interviews        map[string]*registered
	inactivityTimeout time.Duration
	onExpire          func(Entry)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Registry{
		interviews:        make(map[string]*registered),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register claims the agent id for a new interview. It fails with ErrBusy
// while another interview for the same agent is still running.
func (r *Registry) Register(agentID, conversationID string, runner *Runner) (Entry, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.interviews[agentID]; ok && existing.Status == StatusRunning {
		return Entry{}, ErrBusy
	}
	reg := &registered{
		Entry: Entry{
			ConversationID: conversationID,
			AgentID:        agentID,
			Status:         StatusRunning,
			StartedAt:      now,
			LastActivityAt: now,
		},
		runner: runner,
	}
	r.interviews[agentID] = reg
	return reg.Entry, nil
}

// Lookup returns the running interview's runner for the agent, if any.
func (r *Registry) Lookup(agentID string) (*Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.interviews[agentID]
	if !ok || reg.Status != StatusRunning {
		return nil, false
	}
	return reg.runner, true
}

// Touch records activity for the agent's interview.
func (r *Registry) Touch(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.interviews[agentID]; ok {
		reg.LastActivityAt = time.Now().UTC()
	}
}

// Remove ends and forgets the agent's interview. The runner, if live, is
// stopped by the caller; Remove only mutates bookkeeping.
func (r *Registry) Remove(agentID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.interviews[agentID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	reg.Status = StatusEnded
	reg.LastActivityAt = time.Now().UTC()
	delete(r.interviews, agentID)
	return reg.Entry, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, reg := range r.interviews {
		if reg.Status == StatusRunning {
			count++
		}
	}
	return count
}

// StartJanitor periodically stops and expires interviews whose channel has
// gone quiet past the inactivity timeout.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []Entry
	var runners []*Runner

	r.mu.Lock()
	for agentID, reg := range r.interviews {
		if reg.Status != StatusRunning {
			continue
		}
		if now.Sub(reg.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		reg.Status = StatusEnded
		reg.LastActivityAt = now
		expired = append(expired, reg.Entry)
		runners = append(runners, reg.runner)
		delete(r.interviews, agentID)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, runner := range runners {
		if runner != nil {
			runner.Stop()
		}
	}
	if hook != nil {
		for _, e := range expired {
			hook(e)
		}
	}
}
