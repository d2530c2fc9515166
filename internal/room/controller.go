package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/elityaev/agent-harness/internal/proto"
	"github.com/elityaev/agent-harness/internal/util"
)

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ConnectionState is what the control API shows about the session.
type ConnectionState struct {
	Status       Status `json:"status"`
	Room         string `json:"room,omitempty"`
	Identity     string `json:"identity,omitempty"`
	Participants int    `json:"participants"`
	Error        string `json:"error,omitempty"`
}

// settleDelay is how long a reconnect waits after tearing down the previous
// session, so the server has finished removing the old participant.
const settleDelay = 800 * time.Millisecond

// Session is the slice of Client the controller drives. Tests substitute a
// fake.
type Session interface {
	Connect(ctx context.Context, wsURL, token, roomName string) error
	Disconnect(ctx context.Context) error
	SetMicrophoneEnabled(enabled bool) error
	RoomName() string
	LocalIdentity() string
	Participants() int
}

// TokenSource issues room access tokens. Implemented by api.Client.
type TokenSource interface {
	FetchToken(ctx context.Context, req proto.TokenRequest) (string, error)
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	WSURL      string
	RoomName   string
	Language   string
	Platform   string
	AppVersion string

	// SettleDelay overrides the reconnect settle pause. Zero means the
	// default.
	SettleDelay time.Duration
}

// Controller owns the connect/disconnect lifecycle: token fetch, session
// open, default microphone capture, teardown.
type Controller struct {
	opts   ControllerOptions
	sess   Session
	tokens TokenSource

	mu    sync.Mutex
	state ConnectionState

	// connectMu serializes Connect/Disconnect so a reconnect never races a
	// half-torn-down session.
	connectMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan ConnectionState]struct{}
}

// NewController creates a controller around a session and token source.
func NewController(opts ControllerOptions, sess Session, tokens TokenSource) *Controller {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = settleDelay
	}
	return &Controller{
		opts:      opts,
		sess:      sess,
		tokens:    tokens,
		state:     ConnectionState{Status: StatusDisconnected},
		listeners: make(map[chan ConnectionState]struct{}),
	}
}

// Connect fetches a token and opens the session. Calling it while already
// connected tears the old session down first, then pauses briefly before
// reconnecting. Any failure leaves the state at error with the message
// attached, never at connecting.
func (c *Controller) Connect(ctx context.Context, withOnboarding bool) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State().Status == StatusConnected {
		log.Printf("CONN: connect while connected, recycling session")
		c.disconnectLocked(ctx)
		select {
		case <-time.After(c.opts.SettleDelay):
		case <-ctx.Done():
			c.setState(ConnectionState{Status: StatusError, Error: ctx.Err().Error()})
			return ctx.Err()
		}
	}

	c.setState(ConnectionState{Status: StatusConnecting, Room: c.opts.RoomName})

	done := !withOnboarding
	token, err := c.tokens.FetchToken(ctx, proto.TokenRequest{
		R:              util.RandomToken(32),
		Language:       c.opts.Language,
		AppVersion:     c.opts.AppVersion,
		Platform:       c.opts.Platform,
		OnboardingDone: &done,
	})
	if err != nil {
		log.Printf("CONN: token fetch failed: %v", err)
		c.setState(ConnectionState{Status: StatusError, Error: err.Error()})
		return err
	}

	if err := c.sess.Connect(ctx, c.opts.WSURL, token, c.opts.RoomName); err != nil {
		log.Printf("CONN: connect failed: %v", err)
		c.setState(ConnectionState{Status: StatusError, Error: err.Error()})
		return err
	}

	// Microphone is on by default for a fresh session. Not having a track
	// is survivable; the control channel still works.
	if err := c.sess.SetMicrophoneEnabled(true); err != nil {
		log.Printf("CONN: enable microphone: %v", err)
	}

	c.setState(ConnectionState{
		Status:   StatusConnected,
		Room:     c.sess.RoomName(),
		Identity: c.sess.LocalIdentity(),
	})
	return nil
}

// Disconnect tears the session down. It always ends in the disconnected
// state; an SDK teardown error is logged and swallowed.
func (c *Controller) Disconnect(ctx context.Context) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.disconnectLocked(ctx)
}

func (c *Controller) disconnectLocked(ctx context.Context) {
	if err := c.sess.Disconnect(ctx); err != nil {
		log.Printf("CONN: disconnect: %v (state reset anyway)", err)
	}
	c.setState(ConnectionState{Status: StatusDisconnected})
}

// State returns the current connection state. The participant count is read
// live from the session so joins and leaves show up without a transition.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	if s.Status == StatusConnected {
		s.Participants = c.sess.Participants()
	}
	return s
}

func (c *Controller) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// Subscribe registers a connection-state listener.
func (c *Controller) Subscribe() (<-chan ConnectionState, func()) {
	ch := make(chan ConnectionState, 8)
	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()
	cancel := func() {
		c.listenerMu.Lock()
		delete(c.listeners, ch)
		c.listenerMu.Unlock()
	}
	return ch, cancel
}
