// Package room implements the harness side of a room/participant session: a
// websocket control channel carrying join bookkeeping, RPC frames and data
// packets, plus a synthetic audio publication negotiated over the same
// channel.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/elityaev/agent-harness/internal/util"
)

const (
	// rpcTimeout is how long PerformRpc waits for the agent's response frame
	// before giving up on the call.
	rpcTimeout = 10 * time.Second

	handshakeTimeout = util.DefaultConnectTimeout
)

// frame is the single wire envelope on the control channel.
type frame struct {
	Type string `json:"type"`

	// join and participant bookkeeping
	Room     string `json:"room,omitempty"`
	Identity string `json:"identity,omitempty"`

	// rpc
	ID      string `json:"id,omitempty"`
	Dest    string `json:"dest,omitempty"`
	Caller  string `json:"caller,omitempty"`
	Method  string `json:"method,omitempty"`
	Payload string `json:"payload,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`

	// data packets
	Data     []byte `json:"data,omitempty"`
	Reliable bool   `json:"reliable,omitempty"`

	// media negotiation
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Control frame types.
const (
	frameJoin            = "join"
	frameBye             = "bye"
	frameParticipantJoin = "participant_joined"
	frameParticipantLeft = "participant_left"
	frameRpcRequest      = "rpc_request"
	frameRpcResponse     = "rpc_response"
	frameData            = "data"
	frameOffer           = "offer"
	frameAnswer          = "answer"
	frameICE             = "ice"
)

// Event is emitted on session changes.
type Event struct {
	Type     string `json:"type"`
	Identity string `json:"identity,omitempty"`
}

// Event types delivered on Events().
const (
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventClosed            = "closed"
)

type rpcResult struct {
	payload string
	err     error
}

// Client is one live connection to a room. It satisfies rpc.Participant and
// the controller's Session surface. Zero value is not usable; use NewClient.
type Client struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	room     string
	identity string
	remotes  []string
	media    *mediaSession
	closed   bool

	handlerMu sync.RWMutex
	handlers  map[string]func(ctx context.Context, caller, payload string) (string, error)

	pendingMu sync.Mutex
	pending   map[string]chan rpcResult

	events chan Event
}

// NewClient creates a disconnected client. RPC handlers may be registered
// before Connect; they survive across reconnects.
func NewClient() *Client {
	return &Client{
		handlers: make(map[string]func(ctx context.Context, caller, payload string) (string, error)),
		pending:  make(map[string]chan rpcResult),
		events:   make(chan Event, 16),
	}
}

// Events delivers participant and lifecycle events. The channel is never
// closed; EventClosed marks the end of a session.
func (c *Client) Events() <-chan Event { return c.events }

// Connect dials the room websocket, authenticates with the access token and
// waits for the join acknowledgement. It then starts the read loop and kicks
// off the audio publication handshake.
func (c *Client) Connect(ctx context.Context, wsURL, token, roomName string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("room: already connected")
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, wsURL+"?room="+roomName, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("room: dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("room: dial: %w", err)
	}

	// The server speaks first: a join ack naming us and the room.
	var joined frame
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&joined); err != nil {
		conn.Close()
		return fmt.Errorf("room: read join ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if joined.Type != frameJoin {
		conn.Close()
		return fmt.Errorf("room: unexpected first frame %q", joined.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.room = joined.Room
	c.identity = joined.Identity
	c.remotes = nil
	c.closed = false
	c.mu.Unlock()

	log.Printf("ROOM: joined %q as %q", joined.Room, joined.Identity)

	media, err := newMediaSession(c.writeFrame)
	if err != nil {
		// The control channel still works without a published track.
		log.Printf("ROOM: audio publication unavailable: %v", err)
	} else {
		c.mu.Lock()
		c.media = media
		c.mu.Unlock()
	}

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the session. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	media := c.media
	c.conn = nil
	c.media = nil
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if media != nil {
		media.close()
	}
	if conn == nil || alreadyClosed {
		return nil
	}

	// Best effort goodbye; the close below is what matters.
	_ = c.sendFrame(conn, frame{Type: frameBye})
	err := conn.Close()
	c.failPending(errors.New("room: disconnected"))
	return err
}

// SetMicrophoneEnabled toggles the published audio track.
func (c *Client) SetMicrophoneEnabled(enabled bool) error {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return errors.New("room: no audio publication")
	}
	media.setEnabled(enabled)
	return nil
}

func (c *Client) RoomName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) LocalIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// RemoteIdentity returns the first remote participant, or "" when alone.
func (c *Client) RemoteIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remotes) == 0 {
		return ""
	}
	return c.remotes[0]
}

// Participants counts everyone in the room, the harness included.
func (c *Client) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return 1 + len(c.remotes)
}

// RegisterRpcMethod installs an inbound handler. Replaces any previous
// handler for the method.
func (c *Client) RegisterRpcMethod(method string, handler func(ctx context.Context, caller, payload string) (string, error)) {
	c.handlerMu.Lock()
	c.handlers[method] = handler
	c.handlerMu.Unlock()
}

// PerformRpc invokes a method on destIdentity and waits for the response
// frame. An empty destIdentity lets the server route to the only remote.
func (c *Client) PerformRpc(ctx context.Context, destIdentity, method, payload string) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", errors.New("room: not connected")
	}

	id := uuid.NewString()
	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	err := c.sendFrame(conn, frame{
		Type:    frameRpcRequest,
		ID:      id,
		Dest:    destIdentity,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return "", fmt.Errorf("room: send rpc %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("room: rpc %s: %w", method, res.err)
		}
		return res.payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(rpcTimeout):
		return "", fmt.Errorf("room: rpc %s: no response within %s", method, rpcTimeout)
	}
}

// PublishData sends a raw packet over the room data channel.
func (c *Client) PublishData(_ context.Context, data []byte, reliable bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("room: not connected")
	}
	return c.sendFrame(conn, frame{Type: frameData, Data: data, Reliable: reliable})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			c.failPending(fmt.Errorf("connection lost: %w", err))
			// A deliberate teardown (Disconnect, server bye) has already
			// announced the close; only a surprise drop emits here.
			if !closed {
				log.Printf("ROOM: read loop ended: %v", err)
				c.emit(Event{Type: EventClosed})
			}
			return
		}
		c.handleFrame(conn, f)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, f frame) {
	switch f.Type {
	case frameParticipantJoin:
		c.mu.Lock()
		c.remotes = append(c.remotes, f.Identity)
		c.mu.Unlock()
		log.Printf("ROOM: participant %q joined", f.Identity)
		c.emit(Event{Type: EventParticipantJoined, Identity: f.Identity})

	case frameParticipantLeft:
		c.mu.Lock()
		for i, id := range c.remotes {
			if id == f.Identity {
				c.remotes = append(c.remotes[:i], c.remotes[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		log.Printf("ROOM: participant %q left", f.Identity)
		c.emit(Event{Type: EventParticipantLeft, Identity: f.Identity})

	case frameRpcRequest:
		go c.dispatchRpc(conn, f)

	case frameRpcResponse:
		c.pendingMu.Lock()
		ch := c.pending[f.ID]
		c.pendingMu.Unlock()
		if ch == nil {
			log.Printf("ROOM: response for unknown rpc %q", f.ID)
			return
		}
		res := rpcResult{payload: f.Payload}
		if !f.OK {
			res.err = errors.New(f.Error)
		}
		ch <- res

	case frameData:
		go c.dispatchData(f)

	case frameAnswer:
		c.mu.Lock()
		media := c.media
		c.mu.Unlock()
		if media != nil {
			if err := media.handleAnswer(f.SDP); err != nil {
				log.Printf("ROOM: apply answer: %v", err)
			}
		}

	case frameICE:
		c.mu.Lock()
		media := c.media
		c.mu.Unlock()
		if media != nil {
			if err := media.handleRemoteCandidate(f.Candidate); err != nil {
				log.Printf("ROOM: add candidate: %v", err)
			}
		}

	case frameBye:
		log.Printf("ROOM: server closed the session")
		c.Disconnect(context.Background())
		c.emit(Event{Type: EventClosed})

	default:
		log.Printf("ROOM: ignoring frame %q", f.Type)
	}
}

// dispatchRpc runs an inbound call and always writes a response frame: the
// agent is blocked waiting on it.
func (c *Client) dispatchRpc(conn *websocket.Conn, f frame) {
	c.handlerMu.RLock()
	handler := c.handlers[f.Method]
	c.handlerMu.RUnlock()

	resp := frame{Type: frameRpcResponse, ID: f.ID}
	if handler == nil {
		resp.Error = fmt.Sprintf("unknown method %q", f.Method)
	} else {
		payload, err := handler(context.Background(), f.Caller, f.Payload)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Payload = payload
		}
	}
	if err := c.sendFrame(conn, resp); err != nil {
		log.Printf("ROOM: send rpc response: %v", err)
	}
}

// dispatchData routes a typed data-channel packet into the same handlers as
// RPC. The agent pushes "show_screen" packets carrying a descriptor at the
// top level and "rpc_command" packets naming any registered method; neither
// expects a reply.
func (c *Client) dispatchData(f frame) {
	var msg struct {
		Type        string          `json:"type"`
		Method      string          `json:"method"`
		CommandData json.RawMessage `json:"command_data"`
	}
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		log.Printf("ROOM: data packet from %q (%d bytes, unparsed)", f.Caller, len(f.Data))
		return
	}

	var method, payload string
	switch msg.Type {
	case "show_screen":
		method = "show-screen"
		payload = string(f.Data)
	case "rpc_command":
		method = msg.Method
		payload = string(msg.CommandData)
	default:
		log.Printf("ROOM: ignoring data packet type %q", msg.Type)
		return
	}

	c.handlerMu.RLock()
	handler := c.handlers[method]
	c.handlerMu.RUnlock()
	if handler == nil {
		log.Printf("ROOM: data packet for unhandled method %q", method)
		return
	}
	if _, err := handler(context.Background(), f.Caller, payload); err != nil {
		log.Printf("ROOM: data handler %s: %v", method, err)
	}
}

// writeFrame sends on the current connection; used by the media session.
func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("room: not connected")
	}
	return c.sendFrame(conn, f)
}

// sendFrame serializes writes; gorilla permits one concurrent writer.
func (c *Client) sendFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		select {
		case ch <- rpcResult{err: err}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}
