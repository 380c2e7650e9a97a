package client

import (
	"context"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intervox-ai/intervox/internal/protocol"
)

// ChannelState tracks a realtime connection instance.
type ChannelState int32

const (
	ChannelClosed ChannelState = iota
	ChannelConnecting
	ChannelOpen
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	default:
		return "closed"
	}
}

// Subscriber receives server-pushed events from a Channel. OnClosed fires
// exactly once, and only for closures the client did not initiate.
type Subscriber interface {
	OnAudio(dataBase64 string)
	OnClosed(err error)
}

// DefaultConfirmTimeout bounds the wait for the server's connection
// confirmation after the transport handshake succeeds. The server may accept
// the handshake before its interview logic is ready, so transport-open alone
// never counts as established.
const DefaultConfirmTimeout = 10 * time.Second

// Channel wraps one websocket connection to the gateway. A Channel serves a
// single session attempt and is never reused; open a fresh one per attempt.
type Channel struct {
	baseURL        string
	confirmTimeout time.Duration
	dialer         *websocket.Dialer

	mu       sync.Mutex
	state    ChannelState
	conn     *websocket.Conn
	explicit bool
	subs     []Subscriber

	confirmOnce sync.Once
	confirmed   chan struct{}
	doneOnce    sync.Once
	done        chan struct{}
	notifyOnce  sync.Once
}

// NewChannel builds a channel for one attempt against baseURL
// (http, https, ws, or wss scheme). A non-positive confirmTimeout selects
// DefaultConfirmTimeout.
func NewChannel(baseURL string, confirmTimeout time.Duration) *Channel {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Channel{
		baseURL:        baseURL,
		confirmTimeout: confirmTimeout,
		dialer:         websocket.DefaultDialer,
		confirmed:      make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Subscribe registers sub for inbound events. Register before Open.
func (c *Channel) Subscribe(sub Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

// State reports the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the websocket endpoint for agentID and blocks until the server
// confirms its session logic is ready. It fails with a TimeoutError when no
// confirmation arrives within the deadline, closing the transport.
func (c *Channel) Open(ctx context.Context, agentID string) error {
	c.mu.Lock()
	if c.state != ChannelClosed || c.explicit {
		c.mu.Unlock()
		return &ChannelError{Op: "open", Err: errors.New("channel already used")}
	}
	c.state = ChannelConnecting
	c.mu.Unlock()

	endpoint, err := wsEndpoint(c.baseURL, agentID)
	if err != nil {
		c.markClosed()
		return &ChannelError{Op: "open", Err: err}
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		c.markClosed()
		return &ChannelError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.explicit {
		// Close() raced the dial; honor it.
		c.mu.Unlock()
		conn.Close()
		return &ChannelError{Op: "open", Err: errors.New("channel closed during dial")}
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	timer := time.NewTimer(c.confirmTimeout)
	defer timer.Stop()
	select {
	case <-c.confirmed:
		c.mu.Lock()
		if c.state == ChannelConnecting {
			c.state = ChannelOpen
		}
		c.mu.Unlock()
		return nil
	case <-c.done:
		return &ChannelError{Op: "open", Err: errors.New("connection closed before confirmation")}
	case <-timer.C:
		c.Close()
		return &TimeoutError{Wait: c.confirmTimeout}
	case <-ctx.Done():
		c.Close()
		return &ChannelError{Op: "open", Err: ctx.Err()}
	}
}

// Close tears down the transport. Idempotent and safe to call even if the
// channel was never opened; an explicit close never notifies subscribers.
func (c *Channel) Close() {
	c.mu.Lock()
	c.explicit = true
	conn := c.conn
	c.conn = nil
	c.state = ChannelClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		explicit := c.explicit
		c.state = ChannelClosed
		c.conn = nil
		subs := append([]Subscriber(nil), c.subs...)
		c.mu.Unlock()

		c.doneOnce.Do(func() { close(c.done) })
		if !explicit {
			c.notifyOnce.Do(func() {
				err := &ChannelError{Op: "read", Err: errors.New("connection closed unexpectedly")}
				for _, sub := range subs {
					sub.OnClosed(err)
				}
			})
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ParseServerEvent(data)
		if err != nil {
			// Unrecognized types are part of the contract; anything else is
			// logged and dropped without terminating the channel.
			if !errors.Is(err, protocol.ErrUnsupportedType) {
				log.Printf("channel: drop inbound message: %v", err)
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.ConnectionEvent:
			// Receiving the confirmation twice is harmless.
			c.confirmOnce.Do(func() { close(c.confirmed) })
		case protocol.AudioEvent:
			c.mu.Lock()
			subs := append([]Subscriber(nil), c.subs...)
			c.mu.Unlock()
			for _, sub := range subs {
				sub.OnAudio(m.Data)
			}
		}
	}
}

func wsEndpoint(baseURL, agentID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = "/ws/" + url.PathEscape(agentID)
	return u.String(), nil
}
