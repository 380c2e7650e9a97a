// Package client implements the browser-facing half of a voice interview:
// the session lifecycle state machine, the realtime channel that receives
// server-pushed events, and the glue that feeds streamed audio into the
// playback pipeline.
package client

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/intervox-ai/intervox/internal/playback"
)

// State is the session lifecycle position. UI controls are projections of
// it, never independent state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateError      State = "error"
)

// CanStart reports whether a new start attempt is accepted.
func (s State) CanStart() bool { return s == StateIdle || s == StateError }

// CanCancel reports whether cancellation is legal.
func (s State) CanCancel() bool { return s == StateConnecting || s == StateActive }

// Speaking reports whether the speaking indicator should be lit.
func (s State) Speaking() bool { return s == StateConnecting || s == StateActive }

// Params are the interview inputs submitted on start. All four fields are
// required.
type Params struct {
	AgentID        string
	APIKey         string
	Resume         string
	JobDescription string
}

// Listener observes session lifecycle changes. Implementations must not
// call back into the Controller from within a notification.
type Listener interface {
	OnStateChange(old, next State)
	OnSessionError(err error)
}

// Options configures a Controller.
type Options struct {
	// BaseURL of the gateway, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// ConfirmTimeout bounds the wait for the server's connection
	// confirmation; zero selects DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
	// HTTPClient used for the offer and cancel requests; nil selects
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Controller owns one session at a time: it orchestrates channel setup, the
// session-start request, cancellation, and the resulting state transitions.
type Controller struct {
	api        *API
	newChannel func() *Channel
	pipeline   *playback.Pipeline

	mu             sync.Mutex
	state          State
	conversationID string
	agentID        string
	channel        *Channel
	listeners      []Listener
}

// NewController wires a controller to the gateway at baseURL. The pipeline
// receives every audio chunk delivered while the session is live.
func NewController(opts Options, pipeline *playback.Pipeline) *Controller {
	c := &Controller{
		api:      NewAPI(opts.BaseURL, opts.HTTPClient),
		pipeline: pipeline,
		state:    StateIdle,
	}
	c.newChannel = func() *Channel {
		return NewChannel(opts.BaseURL, opts.ConfirmTimeout)
	}
	return c
}

// AddListener registers a lifecycle observer.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the server-assigned id, present only once the
// start request has succeeded.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Start runs the full establishment sequence: validate, open the channel,
// wait for the server's confirmation, then issue the session-start request.
// It returns once the session is Active or the attempt has been torn down.
// A second Start while a session is live is rejected with ErrSessionBusy and
// has no side effects on the existing session.
func (c *Controller) Start(ctx context.Context, p Params) error {
	if err := validate(p); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.state.CanStart() {
		c.mu.Unlock()
		return ErrSessionBusy
	}
	ch := c.newChannel()
	ch.Subscribe(&sessionSubscriber{c: c})
	c.channel = ch
	c.agentID = p.AgentID
	c.conversationID = ""
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := ch.Open(ctx, p.AgentID); err != nil {
		return c.failStart(ch, err)
	}

	conversationID, err := c.api.Offer(ctx, p)
	if err != nil {
		return c.failStart(ch, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting || c.channel != ch {
		// Cancelled while the offer was in flight; the teardown already ran.
		c.mu.Unlock()
		ch.Close()
		return ErrAttemptAborted
	}
	c.conversationID = conversationID
	c.setStateLocked(StateActive)
	c.mu.Unlock()
	return nil
}

// Cancel tears down local resources unconditionally, then issues the
// best-effort cancellation request. Local state reaches Idle even when the
// server-side acknowledgment fails; only the returned error reflects it.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanCancel() {
		c.mu.Unlock()
		return ErrNotCancelable
	}
	ch := c.channel
	agentID := c.agentID
	c.channel = nil
	c.setStateLocked(StateEnding)
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.pipeline.Reset()

	err := c.api.Cancel(ctx, agentID)

	c.mu.Lock()
	c.conversationID = ""
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if err != nil {
		c.notifyError(err)
		return err
	}
	return nil
}

// failStart tears down a failed attempt: surface the error, release the
// channel and queue, then reset to Idle so a fresh attempt is possible.
func (c *Controller) failStart(ch *Channel, err error) error {
	ch.Close()
	c.pipeline.Reset()

	c.mu.Lock()
	if c.state != StateConnecting || c.channel != ch {
		// A concurrent Cancel already owned the teardown.
		c.mu.Unlock()
		return err
	}
	c.channel = nil
	c.conversationID = ""
	c.setStateLocked(StateError)
	c.mu.Unlock()

	c.notifyError(err)

	// Error is transient: the controller always resets to Idle, never
	// leaving the UI stuck with both controls disabled.
	c.mu.Lock()
	if c.state == StateError {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	return err
}

// handleChannelClosed reacts to an unexpected closure observed while the
// session was Active. Closures during Connecting surface through Open.
func (c *Controller) handleChannelClosed(err error) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.conversationID = ""
	c.setStateLocked(StateError)
	c.mu.Unlock()

	c.notifyError(err)
	c.pipeline.Reset()

	c.mu.Lock()
	if c.state == StateError {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

func (c *Controller) handleAudio(dataBase64 string) {
	if c.State().Speaking() {
		c.pipeline.Enqueue(dataBase64)
	}
}

// setStateLocked transitions and notifies listeners. Caller holds c.mu.
func (c *Controller) setStateLocked(next State) {
	old := c.state
	if old == next {
		return
	}
	c.state = next
	log.Printf("session: %s -> %s", old, next)
	for _, l := range c.listeners {
		l.OnStateChange(old, next)
	}
}

func (c *Controller) notifyError(err error) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnSessionError(err)
	}
}

func validate(p Params) error {
	switch {
	case p.AgentID == "":
		return &ValidationError{Field: "agentId"}
	case p.APIKey == "":
		return &ValidationError{Field: "apiKey"}
	case p.Resume == "":
		return &ValidationError{Field: "resume"}
	case p.JobDescription == "":
		return &ValidationError{Field: "jobDescription"}
	}
	return nil
}

// sessionSubscriber adapts channel events onto the controller so the channel
// itself stays free of session logic.
type sessionSubscriber struct {
	c *Controller
}

func (s *sessionSubscriber) OnAudio(dataBase64 string) { s.c.handleAudio(dataBase64) }
func (s *sessionSubscriber) OnClosed(err error)        { s.c.handleChannelClosed(err) }
