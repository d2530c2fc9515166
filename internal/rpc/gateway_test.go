package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elityaev/agent-harness/internal/proto"
)

type fakeParticipant struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, caller, payload string) (string, error)

	remote      string
	performErr  error
	publishErr  error
	performed   []string // payloads passed to PerformRpc
	published   [][]byte
	performDest []string
}

func newFakeParticipant() *fakeParticipant {
	return &fakeParticipant{
		handlers: make(map[string]func(ctx context.Context, caller, payload string) (string, error)),
		remote:   "agent-1",
	}
}

func (f *fakeParticipant) RegisterRpcMethod(method string, h func(ctx context.Context, caller, payload string) (string, error)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeParticipant) PerformRpc(_ context.Context, dest, _ string, payload string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.performed = append(f.performed, payload)
	f.performDest = append(f.performDest, dest)
	if f.performErr != nil {
		return "", f.performErr
	}
	return `{"success":true}`, nil
}

func (f *fakeParticipant) PublishData(_ context.Context, data []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return f.publishErr
}

func (f *fakeParticipant) RemoteIdentity() string { return f.remote }

func (f *fakeParticipant) invoke(t *testing.T, method, payload string) string {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", method)
	}
	reply, err := h(context.Background(), "agent-1", payload)
	if err != nil {
		t.Fatalf("handler %s returned transport error: %v", method, err)
	}
	return reply
}

type fakeRecorder struct {
	mu       sync.Mutex
	received []proto.CommandRecord
	sent     []proto.CommandRecord
}

func (r *fakeRecorder) RecordReceived(method string, data any) {
	r.mu.Lock()
	r.received = append(r.received, proto.CommandRecord{Method: method, Data: data, Success: true})
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordSent(method string, data any, success bool, errMsg string) {
	r.mu.Lock()
	r.sent = append(r.sent, proto.CommandRecord{Method: method, Data: data, Success: success, Error: errMsg})
	r.mu.Unlock()
}

func TestSendRpc(t *testing.T) {
	t.Run("success records once", func(t *testing.T) {
		p := newFakeParticipant()
		rec := &fakeRecorder{}
		g := New(p, rec)

		if err := g.SendRpc(context.Background(), "go-click", map[string]any{"id": 1}); err != nil {
			t.Fatalf("SendRpc: %v", err)
		}
		if len(rec.sent) != 1 || !rec.sent[0].Success {
			t.Fatalf("sent history = %+v, want one success entry", rec.sent)
		}
		if len(p.published) != 0 {
			t.Fatal("fallback used on a successful call")
		}
		if p.performDest[0] != "agent-1" {
			t.Fatalf("dest = %q, want agent-1", p.performDest[0])
		}
	})

	t.Run("string payload passes through verbatim", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})

		encoded := `{"type":"microphone"}`
		if err := g.SendRpc(context.Background(), "allow-click", encoded); err != nil {
			t.Fatalf("SendRpc: %v", err)
		}
		if p.performed[0] != encoded {
			t.Fatalf("payload = %q, want %q untouched", p.performed[0], encoded)
		}
	})

	t.Run("nil payload becomes empty object", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})
		if err := g.SendRpc(context.Background(), "deny-click", nil); err != nil {
			t.Fatalf("SendRpc: %v", err)
		}
		if p.performed[0] != "{}" {
			t.Fatalf("payload = %q, want {}", p.performed[0])
		}
	})

	t.Run("fallback succeeds after transport failure", func(t *testing.T) {
		p := newFakeParticipant()
		p.performErr = errors.New("participant unavailable")
		rec := &fakeRecorder{}
		g := New(p, rec)

		if err := g.SendRpc(context.Background(), "go-click", "{}"); err != nil {
			t.Fatalf("SendRpc with working fallback: %v", err)
		}
		if len(p.published) != 1 {
			t.Fatalf("published %d packets, want exactly 1", len(p.published))
		}
		var env map[string]string
		if err := json.Unmarshal(p.published[0], &env); err != nil {
			t.Fatalf("fallback envelope not JSON: %v", err)
		}
		if env["method"] != "go-click" || env["payload"] != "{}" {
			t.Fatalf("fallback envelope = %v", env)
		}
		if !rec.sent[0].Success {
			t.Fatalf("record = %+v, want success after fallback", rec.sent[0])
		}
	})

	t.Run("original error surfaces when fallback also fails", func(t *testing.T) {
		p := newFakeParticipant()
		p.performErr = errors.New("primary down")
		p.publishErr = errors.New("channel closed")
		rec := &fakeRecorder{}
		g := New(p, rec)

		err := g.SendRpc(context.Background(), "go-click", nil)
		if err == nil || !strings.Contains(err.Error(), "primary down") {
			t.Fatalf("err = %v, want the primary transport error", err)
		}
		if len(p.published) != 1 {
			t.Fatalf("published %d packets, want exactly one fallback attempt", len(p.published))
		}
		if rec.sent[0].Success || rec.sent[0].Error != "primary down" {
			t.Fatalf("record = %+v, want failure with primary error text", rec.sent[0])
		}
	})
}

func TestHandle(t *testing.T) {
	t.Run("string and object payloads normalize alike", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})

		var got []string
		g.Handle("set-avatar-state", func(_ context.Context, inv Invocation) (any, error) {
			var body struct {
				Input string `json:"input"`
			}
			if err := inv.Decode(&body); err != nil {
				return nil, err
			}
			got = append(got, body.Input)
			return nil, nil
		})

		p.invoke(t, "set-avatar-state", `{"input":"听"}`)
		p.invoke(t, "set-avatar-state", `"{\"input\":\"听\"}"`)
		if len(got) != 2 || got[0] != got[1] {
			t.Fatalf("decoded inputs = %v, want two identical values", got)
		}
	})

	t.Run("handler error becomes failure ack", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})
		g.Handle("show-screen", func(context.Context, Invocation) (any, error) {
			return nil, errors.New("no descriptor")
		})

		reply := p.invoke(t, "show-screen", "{}")
		var ack struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(reply), &ack); err != nil {
			t.Fatalf("ack not JSON: %v", err)
		}
		if ack.Success || ack.Error != "no descriptor" {
			t.Fatalf("ack = %+v", ack)
		}
	})

	t.Run("handler panic becomes failure ack", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})
		g.Handle("show-screen", func(context.Context, Invocation) (any, error) {
			panic("boom")
		})

		reply := p.invoke(t, "show-screen", "{}")
		if !strings.Contains(reply, `"success":false`) || !strings.Contains(reply, "boom") {
			t.Fatalf("reply = %q, want failure ack mentioning the panic", reply)
		}
	})

	t.Run("every inbound call is recorded", func(t *testing.T) {
		p := newFakeParticipant()
		rec := &fakeRecorder{}
		g := New(p, rec)
		g.Handle("get-premium", func(context.Context, Invocation) (any, error) {
			return map[string]bool{"premium": true}, nil
		})

		reply := p.invoke(t, "get-premium", "")
		if reply != `{"premium":true}` {
			t.Fatalf("reply = %q", reply)
		}
		if len(rec.received) != 1 || rec.received[0].Method != "get-premium" {
			t.Fatalf("received history = %+v", rec.received)
		}
	})

	t.Run("response hold is one-shot", func(t *testing.T) {
		p := newFakeParticipant()
		g := New(p, &fakeRecorder{})
		g.Handle("get-location", func(context.Context, Invocation) (any, error) {
			return proto.Location{Lat: 1, Lng: 2}, nil
		})

		g.HoldResponse("get-location", 30*time.Millisecond)

		start := time.Now()
		p.invoke(t, "get-location", "")
		if d := time.Since(start); d < 30*time.Millisecond {
			t.Fatalf("held call returned after %s, want >= 30ms", d)
		}

		start = time.Now()
		p.invoke(t, "get-location", "")
		if d := time.Since(start); d > 20*time.Millisecond {
			t.Fatalf("second call delayed %s, hold should be consumed", d)
		}
	})
}
