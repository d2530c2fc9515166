package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is a minimal room server: it acks the join, answers one known
// rpc method, and records everything else it receives.
type testServer struct {
	t  *testing.T
	mu sync.Mutex

	frames []frame
	conn   *websocket.Conn
	ready  chan struct{}
}

func newTestServer(t *testing.T) (*testServer, *httptest.Server) {
	ts := &testServer{t: t, ready: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()

		conn.WriteJSON(frame{Type: frameJoin, Room: r.URL.Query().Get("room"), Identity: "harness-1"})
		close(ts.ready)

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ts.mu.Lock()
			ts.frames = append(ts.frames, f)
			ts.mu.Unlock()

			if f.Type == frameRpcRequest && f.Method == "ping" {
				conn.WriteJSON(frame{Type: frameRpcResponse, ID: f.ID, OK: true, Payload: `{"pong":true}`})
			}
		}
	}))
	return ts, srv
}

func (ts *testServer) send(f frame) {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		ts.t.Errorf("server send: %v", err)
	}
}

func (ts *testServer) received(frameType string) []frame {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []frame
	for _, f := range ts.frames {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectTestClient(t *testing.T) (*Client, *testServer) {
	t.Helper()
	ts, srv := newTestServer(t)
	t.Cleanup(srv.Close)

	c := NewClient()
	if err := c.Connect(context.Background(), wsURL(srv), "tok-1", "room-9"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })
	<-ts.ready
	return c, ts
}

func TestClientJoin(t *testing.T) {
	c, _ := connectTestClient(t)
	if c.RoomName() != "room-9" {
		t.Fatalf("room = %q", c.RoomName())
	}
	if c.LocalIdentity() != "harness-1" {
		t.Fatalf("identity = %q", c.LocalIdentity())
	}
	if c.RemoteIdentity() != "" {
		t.Fatalf("remote = %q before anyone joined", c.RemoteIdentity())
	}
}

func TestClientTracksRemoteParticipants(t *testing.T) {
	c, ts := connectTestClient(t)

	ts.send(frame{Type: frameParticipantJoin, Identity: "agent-1"})
	waitFor(t, func() bool { return c.RemoteIdentity() == "agent-1" })

	ts.send(frame{Type: frameParticipantLeft, Identity: "agent-1"})
	waitFor(t, func() bool { return c.RemoteIdentity() == "" })
}

func TestClientPerformRpc(t *testing.T) {
	c, _ := connectTestClient(t)

	reply, err := c.PerformRpc(context.Background(), "", "ping", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if reply != `{"pong":true}` {
		t.Fatalf("reply = %q", reply)
	}
}

func TestClientDispatchesInboundRpc(t *testing.T) {
	c, ts := connectTestClient(t)

	c.RegisterRpcMethod("get-premium", func(_ context.Context, caller, _ string) (string, error) {
		if caller != "agent-1" {
			t.Errorf("caller = %q", caller)
		}
		return `{"premium":false}`, nil
	})

	ts.send(frame{Type: frameRpcRequest, ID: "r1", Caller: "agent-1", Method: "get-premium", Payload: ""})

	waitFor(t, func() bool { return len(ts.received(frameRpcResponse)) == 1 })
	resp := ts.received(frameRpcResponse)[0]
	if !resp.OK || resp.ID != "r1" || resp.Payload != `{"premium":false}` {
		t.Fatalf("response = %+v", resp)
	}
}

func TestClientRoutesDataPackets(t *testing.T) {
	c, ts := connectTestClient(t)

	var mu sync.Mutex
	var calls []string
	record := func(method string) func(context.Context, string, string) (string, error) {
		return func(_ context.Context, _, payload string) (string, error) {
			mu.Lock()
			calls = append(calls, method+":"+payload)
			mu.Unlock()
			return `{"success":true}`, nil
		}
	}
	c.RegisterRpcMethod("show-screen", record("show-screen"))
	c.RegisterRpcMethod("set-avatar-state", record("set-avatar-state"))

	ts.send(frame{Type: frameData, Caller: "agent-1",
		Data: []byte(`{"type":"show_screen","screen_type":"main","data":{"text":"hi"}}`)})
	ts.send(frame{Type: frameData, Caller: "agent-1",
		Data: []byte(`{"type":"rpc_command","method":"set-avatar-state","command_data":{"state":"idle"}}`)})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	for _, got := range calls {
		switch {
		case strings.HasPrefix(got, "show-screen:") && strings.Contains(got, `"screen_type":"main"`):
		case got == `set-avatar-state:{"state":"idle"}`:
		default:
			t.Fatalf("unexpected dispatch %q", got)
		}
	}
}

func TestClientAnswersUnknownMethod(t *testing.T) {
	_, ts := connectTestClient(t)

	ts.send(frame{Type: frameRpcRequest, ID: "r2", Method: "nope"})
	waitFor(t, func() bool { return len(ts.received(frameRpcResponse)) == 1 })

	resp := ts.received(frameRpcResponse)[0]
	if resp.OK || !strings.Contains(resp.Error, "unknown method") {
		t.Fatalf("response = %+v, want unknown-method error", resp)
	}
}

func TestClientPublishData(t *testing.T) {
	c, ts := connectTestClient(t)

	if err := c.PublishData(context.Background(), []byte(`{"method":"go-click"}`), true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(ts.received(frameData)) == 1 })

	f := ts.received(frameData)[0]
	if !f.Reliable || string(f.Data) != `{"method":"go-click"}` {
		t.Fatalf("data frame = %+v", f)
	}
}

func TestClientServerByeClosesOnce(t *testing.T) {
	c, ts := connectTestClient(t)

	events := c.Events()
	ts.send(frame{Type: frameBye})

	select {
	case ev := <-events:
		if ev.Type != EventClosed {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event after server bye")
	}

	select {
	case ev := <-events:
		t.Fatalf("second event after close: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	c, _ := connectTestClient(t)
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if _, err := c.PerformRpc(context.Background(), "", "ping", "{}"); err == nil {
		t.Fatal("rpc succeeded after disconnect")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
