// Package rpc bridges the room's participant RPC surface and the harness.
// Inbound calls are normalized, dispatched to registered handlers, and always
// answered with a JSON acknowledgement; outbound calls carry pre-encoded
// string payloads and fall back once to the reliable data channel.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Participant is the slice of the room SDK the gateway needs. Implemented by
// room.Client; tests substitute a fake.
type Participant interface {
	// RegisterRpcMethod installs a handler for an inbound method. The payload
	// argument is the raw string from the wire.
	RegisterRpcMethod(method string, handler func(ctx context.Context, caller, payload string) (string, error))

	// PerformRpc invokes a method on the remote participant and returns its
	// reply payload. An empty destIdentity addresses the first remote.
	PerformRpc(ctx context.Context, destIdentity, method, payload string) (string, error)

	// PublishData sends a raw packet over the room data channel.
	PublishData(ctx context.Context, data []byte, reliable bool) error

	// RemoteIdentity returns the identity of the connected agent, or "" if
	// none has joined yet.
	RemoteIdentity() string
}

// Recorder receives one entry per RPC in either direction. Implemented by the
// onboarding controller, which owns the history rings and any side state
// keyed off inbound method names.
type Recorder interface {
	RecordReceived(method string, data any)
	RecordSent(method string, data any, success bool, errMsg string)
}

// Invocation is a normalized inbound call.
type Invocation struct {
	CallerIdentity string
	Payload        any
}

// Decode unmarshals the invocation payload into v. Payloads arrive either as
// JSON strings or as already-decoded values depending on the transport path.
func (inv Invocation) Decode(v any) error {
	switch p := inv.Payload.(type) {
	case nil:
		return nil
	case string:
		if p == "" {
			return nil
		}
		return json.Unmarshal([]byte(p), v)
	case []byte:
		return json.Unmarshal(p, v)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, v)
	}
}

// HandlerFunc processes one inbound call. The returned value is serialized
// into the acknowledgement payload; a non-nil error becomes
// {"success":false,"error":...}. Handlers never need to recover panics or
// encode replies themselves.
type HandlerFunc func(ctx context.Context, inv Invocation) (any, error)

// Gateway wires handlers onto a Participant and sends harness-initiated RPCs.
type Gateway struct {
	participant Participant
	recorder    Recorder

	// One-shot response holds, keyed by method. Used to simulate a slow
	// device answer; cleared after the first held call.
	holdMu sync.Mutex
	holds  map[string]time.Duration
}

// New creates a gateway over the given participant. Handlers are registered
// separately via Handle.
func New(p Participant, rec Recorder) *Gateway {
	return &Gateway{
		participant: p,
		recorder:    rec,
		holds:       make(map[string]time.Duration),
	}
}

// Handle registers fn for an inbound method. The wrapper normalizes the
// payload, applies any response hold, records the call, and encodes the
// acknowledgement. A handler panic or error is converted into a failure ack:
// the agent waits synchronously on every call, so nothing may escape to the
// transport layer.
func (g *Gateway) Handle(method string, fn HandlerFunc) {
	g.participant.RegisterRpcMethod(method, func(ctx context.Context, caller, payload string) (reply string, _ error) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("RPC: handler %s panicked: %v", method, r)
				reply = failureAck(fmt.Sprintf("internal error: %v", r))
			}
		}()

		inv := Invocation{CallerIdentity: caller, Payload: decodeLoose(payload)}
		g.recorder.RecordReceived(method, inv.Payload)

		if d := g.takeHold(method); d > 0 {
			log.Printf("RPC: holding %s reply for %s", method, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return failureAck(ctx.Err().Error()), nil
			}
		}

		result, err := fn(ctx, inv)
		if err != nil {
			log.Printf("RPC: handler %s failed: %v", method, err)
			return failureAck(err.Error()), nil
		}
		return successAck(result), nil
	})
}

// HoldResponse delays the next reply to method by d. The hold is one-shot:
// normal behavior resumes after a single held call, whatever its outcome.
func (g *Gateway) HoldResponse(method string, d time.Duration) {
	g.holdMu.Lock()
	g.holds[method] = d
	g.holdMu.Unlock()
}

func (g *Gateway) takeHold(method string) time.Duration {
	g.holdMu.Lock()
	defer g.holdMu.Unlock()
	d := g.holds[method]
	if d > 0 {
		delete(g.holds, method)
	}
	return d
}

// SendRpc invokes method on the agent. A string payload passes through
// verbatim (it is already JSON-encoded); any other value is encoded once.
// On transport failure the call is retried exactly once over the reliable
// data channel; if that also fails, the original error is surfaced. Every
// call lands in the history, success or not.
func (g *Gateway) SendRpc(ctx context.Context, method string, data any) error {
	payload, err := encodePayload(data)
	if err != nil {
		g.recorder.RecordSent(method, data, false, err.Error())
		return fmt.Errorf("rpc: encode %s payload: %w", method, err)
	}

	dest := g.participant.RemoteIdentity()
	_, callErr := g.participant.PerformRpc(ctx, dest, method, payload)
	if callErr == nil {
		g.recorder.RecordSent(method, data, true, "")
		return nil
	}
	log.Printf("RPC: %s to %q failed (%v), trying data channel", method, dest, callErr)

	envelope, _ := json.Marshal(map[string]string{"method": method, "payload": payload})
	if fbErr := g.participant.PublishData(ctx, envelope, true); fbErr == nil {
		g.recorder.RecordSent(method, data, true, "")
		return nil
	}

	g.recorder.RecordSent(method, data, false, callErr.Error())
	return fmt.Errorf("rpc: %s: %w", method, callErr)
}

// decodeLoose turns a wire payload string into a value: JSON if it parses,
// the raw string otherwise, nil when empty.
func decodeLoose(payload string) any {
	if payload == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	return v
}

// encodePayload prepares an outbound payload string. Strings are assumed to
// be encoded already; this is what preserves the double-encoding the agent
// expects for action payloads.
func encodePayload(data any) (string, error) {
	switch d := data.(type) {
	case nil:
		return "{}", nil
	case string:
		if d == "" {
			return "{}", nil
		}
		return d, nil
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// successAck encodes a handler result. A nil result becomes {"success":true};
// results that already carry their own fields are passed through as-is.
func successAck(result any) string {
	if result == nil {
		return `{"success":true}`
	}
	b, err := json.Marshal(result)
	if err != nil {
		return failureAck("encode ack: " + err.Error())
	}
	return string(b)
}

func failureAck(msg string) string {
	b, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return string(b)
}
