package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervox-ai/intervox/internal/playback"
	"github.com/intervox-ai/intervox/internal/protocol"
)

var validParams = Params{AgentID: "a1", APIKey: "k", Resume: "r", JobDescription: "j"}

type gatewayOpts struct {
	confirmDelay time.Duration
	skipConfirm  bool
	offerStatus  int
	offerBody    string
	cancelStatus int
	cancelBody   string
	audioChunks  []string
}

// fakeGateway implements the wire contract: /ws/{agentID}, /offer, /cancel.
type fakeGateway struct {
	t    *testing.T
	opts gatewayOpts
	ts   *httptest.Server

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	confirmedAt time.Time
	offerAt     time.Time
	offers      int
	cancels     int
	wsClosed    chan struct{}
}

func newFakeGateway(t *testing.T, opts gatewayOpts) *fakeGateway {
	t.Helper()
	if opts.offerStatus == 0 {
		opts.offerStatus = http.StatusOK
	}
	if opts.offerBody == "" {
		opts.offerBody = `{"conversationId":"c1"}`
	}
	if opts.cancelStatus == 0 {
		opts.cancelStatus = http.StatusOK
	}
	if opts.cancelBody == "" {
		opts.cancelBody = `{"status":"cancelled"}`
	}

	g := &fakeGateway{t: t, opts: opts, wsClosed: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()

		if !g.opts.skipConfirm {
			if g.opts.confirmDelay > 0 {
				time.Sleep(g.opts.confirmDelay)
			}
			g.writeJSON(protocol.NewConnectionEvent())
			g.mu.Lock()
			g.confirmedAt = time.Now()
			g.mu.Unlock()
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		close(g.wsClosed)
	})
	mux.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.offers++
		g.offerAt = time.Now()
		g.mu.Unlock()

		if g.opts.offerStatus < 200 || g.opts.offerStatus >= 300 {
			respond(w, g.opts.offerStatus, g.opts.offerBody)
			return
		}
		for _, chunk := range g.opts.audioChunks {
			g.writeJSON(protocol.NewAudioEvent(chunk))
		}
		respond(w, g.opts.offerStatus, g.opts.offerBody)
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.cancels++
		g.mu.Unlock()
		respond(w, g.opts.cancelStatus, g.opts.cancelBody)
	})

	g.ts = httptest.NewServer(mux)
	t.Cleanup(g.ts.Close)
	return g
}

func (g *fakeGateway) writeJSON(v any) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (g *fakeGateway) closeWS() {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (g *fakeGateway) counters() (offers, cancels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offers, g.cancels
}

func (g *fakeGateway) waitWSClosed(t *testing.T) {
	t.Helper()
	select {
	case <-g.wsClosed:
	case <-time.After(2 * time.Second):
		t.Fatalf("websocket never closed")
	}
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type recordingListener struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (l *recordingListener) OnStateChange(_, next State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, next)
}

func (l *recordingListener) OnSessionError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) snapshot() ([]State, []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...), append([]error(nil), l.errs...)
}

// orderedSink records playback order and flags overlapping plays.
type orderedSink struct {
	mu       sync.Mutex
	played   [][]byte
	active   int
	overlaps int
	closed   int
}

func (s *orderedSink) Play(pcm []byte) error {
	s.mu.Lock()
	s.active++
	if s.active > 1 {
		s.overlaps++
	}
	s.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	s.mu.Lock()
	s.played = append(s.played, append([]byte(nil), pcm...))
	s.active--
	s.mu.Unlock()
	return nil
}

func (s *orderedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *orderedSink) snapshot() ([][]byte, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.played...), s.overlaps
}

func newTestController(t *testing.T, g *fakeGateway, sink playback.Sink) (*Controller, *playback.Pipeline, *recordingListener) {
	t.Helper()
	pipe := playback.New(func() (playback.Sink, error) { return sink, nil }, nil)
	ctrl := NewController(Options{BaseURL: g.ts.URL, ConfirmTimeout: time.Second}, pipe)
	listener := &recordingListener{}
	ctrl.AddListener(listener)
	return ctrl, pipe, listener
}

func TestStartReachesActiveAndStoresConversationID(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{confirmDelay: 50 * time.Millisecond})
	ctrl, _, listener := newTestController(t, g, &orderedSink{})

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := ctrl.State(); got != StateActive {
		t.Fatalf("State() = %v, want active", got)
	}
	if got := ctrl.ConversationID(); got != "c1" {
		t.Fatalf("ConversationID() = %q, want %q", got, "c1")
	}
	if !ctrl.State().Speaking() {
		t.Fatalf("speaking indicator inactive in Active state")
	}

	states, errs := listener.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected session errors: %v", errs)
	}
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateActive {
		t.Fatalf("state sequence = %v, want [connecting active]", states)
	}

	// The offer must not have been issued before the confirmation.
	g.mu.Lock()
	confirmedAt, offerAt := g.confirmedAt, g.offerAt
	g.mu.Unlock()
	if confirmedAt.IsZero() || offerAt.IsZero() {
		t.Fatalf("missing gateway timestamps")
	}
	if offerAt.Before(confirmedAt) {
		t.Fatalf("offer issued before connection confirmation")
	}
}

func TestStartRejectsMissingFields(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{})
	ctrl, _, _ := newTestController(t, g, &orderedSink{})

	cases := []Params{
		{APIKey: "k", Resume: "r", JobDescription: "j"},
		{AgentID: "a1", Resume: "r", JobDescription: "j"},
		{AgentID: "a1", APIKey: "k", JobDescription: "j"},
		{AgentID: "a1", APIKey: "k", Resume: "r"},
	}
	for i, p := range cases {
		err := ctrl.Start(context.Background(), p)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("case %d: error = %v, want ValidationError", i, err)
		}
	}

	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v after validation failures, want idle", got)
	}
	offers, _ := g.counters()
	if offers != 0 {
		t.Fatalf("offers = %d, want no network activity on validation failure", offers)
	}
}

func TestStartWhileActiveRejectedWithoutSideEffects(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{})
	ctrl, _, _ := newTestController(t, g, &orderedSink{})

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ctrl.Start(context.Background(), validParams); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second Start() error = %v, want ErrSessionBusy", err)
	}

	if got := ctrl.State(); got != StateActive {
		t.Fatalf("State() = %v, want active untouched", got)
	}
	if got := ctrl.ConversationID(); got != "c1" {
		t.Fatalf("ConversationID() = %q, want untouched %q", got, "c1")
	}
	offers, _ := g.counters()
	if offers != 1 {
		t.Fatalf("offers = %d, want 1", offers)
	}
}

func TestStartTimesOutWithoutConfirmation(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{skipConfirm: true})
	pipe := playback.New(func() (playback.Sink, error) { return &orderedSink{}, nil }, nil)
	ctrl := NewController(Options{BaseURL: g.ts.URL, ConfirmTimeout: 100 * time.Millisecond}, pipe)
	listener := &recordingListener{}
	ctrl.AddListener(listener)

	err := ctrl.Start(context.Background(), validParams)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Start() error = %v, want TimeoutError", err)
	}

	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle after auto-reset", got)
	}
	states, errs := listener.snapshot()
	want := []State{StateConnecting, StateError, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("state sequence = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", states, want)
		}
	}
	if len(errs) != 1 {
		t.Fatalf("session errors = %v, want exactly one", errs)
	}
	offers, _ := g.counters()
	if offers != 0 {
		t.Fatalf("offers = %d, want none before confirmation", offers)
	}
	g.waitWSClosed(t)
}

func TestStartSurfacesServerErrorVerbatim(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{
		offerStatus: http.StatusBadRequest,
		offerBody:   `{"error":"WebSocket connection not established"}`,
	})
	ctrl, _, listener := newTestController(t, g, &orderedSink{})

	err := ctrl.Start(context.Background(), validParams)
	var startErr *SessionStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Start() error = %v, want SessionStartError", err)
	}
	if startErr.Error() != "WebSocket connection not established" {
		t.Fatalf("message = %q, want the server message verbatim", startErr.Error())
	}

	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle", got)
	}
	if !ctrl.State().CanStart() {
		t.Fatalf("controls not re-attemptable after failed start")
	}
	_, errs := listener.snapshot()
	if len(errs) != 1 {
		t.Fatalf("session errors = %v, want exactly one", errs)
	}
}

func TestAudioBurstPlaysSequentiallyInOrder(t *testing.T) {
	chunks := []string{
		base64.StdEncoding.EncodeToString([]byte{1}),
		base64.StdEncoding.EncodeToString([]byte{2}),
		base64.StdEncoding.EncodeToString([]byte{3}),
	}
	g := newFakeGateway(t, gatewayOpts{audioChunks: chunks})
	sink := &orderedSink{}
	ctrl, pipe, _ := newTestController(t, g, sink)

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		played, _ := sink.snapshot()
		if len(played) == 3 && !pipe.Busy() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	played, overlaps := sink.snapshot()
	if len(played) != 3 {
		t.Fatalf("played %d chunks, want 3", len(played))
	}
	for i := range played {
		if played[i][0] != byte(i+1) {
			t.Fatalf("playback order = %v, want arrival order", played)
		}
	}
	if overlaps != 0 {
		t.Fatalf("observed %d overlapping plays, want 0", overlaps)
	}
}

func TestCancelTearsDownLocallyEvenWhenServerRejects(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{
		cancelStatus: http.StatusConflict,
		cancelBody:   `{"error":"busy"}`,
	})
	sink := &orderedSink{}
	ctrl, pipe, listener := newTestController(t, g, sink)

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := ctrl.Cancel(context.Background())
	var cancelErr *CancelError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("Cancel() error = %v, want CancelError", err)
	}
	if cancelErr.Error() != "busy" {
		t.Fatalf("message = %q, want %q", cancelErr.Error(), "busy")
	}

	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle despite server rejection", got)
	}
	if pipe.Pending() != 0 || pipe.Busy() {
		t.Fatalf("playback queue not discarded on cancel")
	}
	g.waitWSClosed(t)

	_, cancels := g.counters()
	if cancels != 1 {
		t.Fatalf("cancels = %d, want 1", cancels)
	}
	_, errs := listener.snapshot()
	if len(errs) != 1 {
		t.Fatalf("session errors = %v, want the busy message surfaced once", errs)
	}
}

func TestCancelSucceedsAndReturnsToIdle(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{})
	ctrl, _, listener := newTestController(t, g, &orderedSink{})

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle", got)
	}
	if got := ctrl.ConversationID(); got != "" {
		t.Fatalf("ConversationID() = %q, want cleared", got)
	}
	states, _ := listener.snapshot()
	want := []State{StateConnecting, StateActive, StateEnding, StateIdle}
	if len(states) != len(want) {
		t.Fatalf("state sequence = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state sequence = %v, want %v", states, want)
		}
	}
}

func TestCancelRejectedWhenIdle(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{})
	ctrl, _, _ := newTestController(t, g, &orderedSink{})

	if err := ctrl.Cancel(context.Background()); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("Cancel() error = %v, want ErrNotCancelable", err)
	}
	_, cancels := g.counters()
	if cancels != 0 {
		t.Fatalf("cancels = %d, want 0", cancels)
	}
}

func TestUnexpectedClosureDuringActiveResetsToIdle(t *testing.T) {
	g := newFakeGateway(t, gatewayOpts{})
	ctrl, _, listener := newTestController(t, g, &orderedSink{})

	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	g.closeWS()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == StateIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := ctrl.State(); got != StateIdle {
		t.Fatalf("State() = %v, want idle after unexpected closure", got)
	}
	if !ctrl.State().CanStart() || ctrl.State().CanCancel() {
		t.Fatalf("controls inconsistent after closure: state %v", ctrl.State())
	}

	_, errs := listener.snapshot()
	if len(errs) != 1 {
		t.Fatalf("session errors = %v, want exactly one closure error", errs)
	}
	var chanErr *ChannelError
	if !errors.As(errs[0], &chanErr) {
		t.Fatalf("error = %v, want ChannelError", errs[0])
	}
	if got := ctrl.ConversationID(); got != "" {
		t.Fatalf("ConversationID() = %q, want cleared", got)
	}
}

func TestOfferRequestCarriesAllFieldsAndMarker(t *testing.T) {
	var got protocol.OfferRequest
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.NewConnectionEvent())
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/offer", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		respond(w, http.StatusOK, `{"conversationId":"c9"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	pipe := playback.New(func() (playback.Sink, error) { return &orderedSink{}, nil }, nil)
	ctrl := NewController(Options{BaseURL: ts.URL, ConfirmTimeout: time.Second}, pipe)
	if err := ctrl.Start(context.Background(), validParams); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.AgentID != "a1" || got.APIKey != "k" || got.Resume != "r" || got.JobDescription != "j" {
		t.Fatalf("offer request = %+v, want all four fields", got)
	}
	if got.SDP != protocol.SDPMarker {
		t.Fatalf("SDP = %q, want the fixed marker %q", got.SDP, protocol.SDPMarker)
	}
}
