// Package onboarding owns the harness-side session state: the current
// screen, permission flags, popup/phone/analytics side state, the simulated
// music player, and the RPC history in both directions. It registers all
// inbound handler logic on the RPC gateway and translates UI actions into
// outbound calls.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/elityaev/agent-harness/internal/proto"
	"github.com/elityaev/agent-harness/internal/rpc"
	"github.com/elityaev/agent-harness/internal/screen"
	"github.com/elityaev/agent-harness/internal/util"
)

const (
	// historyCap bounds both RPC history rings.
	historyCap = 200

	// phoneCallDuration is how long the simulated phone call stays active
	// before clearing itself.
	phoneCallDuration = 5 * time.Second
)

// Default device position reported by get-location.
var defaultLocation = proto.Location{Lat: 40.77784899, Lng: -74.146540831}

// Event is pushed to subscribers whenever controller state changes.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// PhoneCall is the simulated in-progress call overlay.
type PhoneCall struct {
	Active bool   `json:"active"`
	Number string `json:"number,omitempty"`
}

// MusicState is the simulated player.
type MusicState struct {
	App         string          `json:"app,omitempty"`
	Playing     bool            `json:"playing"`
	LastCommand string          `json:"last_command,omitempty"`
	Item        proto.MusicItem `json:"item"`
}

// Snapshot is a consistent copy of all controller state, for the control API.
type Snapshot struct {
	Screen       screen.Screen            `json:"screen"`
	Permissions  proto.PermissionSet      `json:"permissions"`
	Premium      bool                     `json:"premium"`
	AvatarState  string                   `json:"avatar_state,omitempty"`
	Popup        *screen.PermissionPrompt `json:"popup,omitempty"`
	Phone        PhoneCall                `json:"phone"`
	Music        MusicState               `json:"music"`
	AnalyticsNew bool                     `json:"analytics_new"`
}

// Options configures a Controller.
type Options struct {
	Premium     bool
	Permissions proto.PermissionSet
	Location    proto.Location

	// CallDuration overrides the phone call auto-clear delay. Zero means
	// the default five seconds.
	CallDuration time.Duration
}

// Controller is safe for concurrent use. The permission set and current
// screen are replaced as whole values under the lock, so a reader never
// observes a half-updated object.
type Controller struct {
	mu sync.Mutex

	gw *rpc.Gateway

	current     screen.Screen
	perms       proto.PermissionSet
	premium     bool
	avatarState string
	popup       *screen.PermissionPrompt

	phone      PhoneCall
	phoneTimer *time.Timer
	callDur    time.Duration

	music MusicState

	analytics    []proto.AnalyticsEvent
	analyticsNew bool

	location proto.Location

	received *util.RingBuffer[proto.CommandRecord]
	sent     *util.RingBuffer[proto.CommandRecord]

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// New creates a controller with the given initial state.
func New(opts Options) *Controller {
	loc := opts.Location
	if loc == (proto.Location{}) {
		loc = defaultLocation
	}
	dur := opts.CallDuration
	if dur == 0 {
		dur = phoneCallDuration
	}
	return &Controller{
		perms:     opts.Permissions,
		premium:   opts.Premium,
		location:  loc,
		callDur:   dur,
		received:  util.NewRingBuffer[proto.CommandRecord](historyCap),
		sent:      util.NewRingBuffer[proto.CommandRecord](historyCap),
		listeners: make(map[chan Event]struct{}),
	}
}

// Bind installs all inbound handlers on the gateway and keeps it for
// outbound calls. Must be called once before the session goes live.
func (c *Controller) Bind(gw *rpc.Gateway) {
	c.mu.Lock()
	c.gw = gw
	c.mu.Unlock()

	gw.Handle(proto.MethodShowScreen, c.handleShowScreen)
	gw.Handle(proto.MethodGetPremium, c.handleGetPremium)
	gw.Handle(proto.MethodGetPermissions, c.handleGetPermissions)
	gw.Handle(proto.MethodGetLocation, c.handleGetLocation)
	gw.Handle(proto.MethodOpenNavigator, c.handleOpenNavigator)
	gw.Handle(proto.MethodSetAvatarState, c.handleSetAvatarState)
	gw.Handle(proto.MethodRequestPermission, c.handleRequestPermission)

	// Logged generically; their side effects live in RecordReceived.
	gw.Handle(proto.MethodMakePhoneCall, c.handleAck)
	gw.Handle(proto.MethodSendAnalytics, c.handleAck)

	gw.Handle(proto.MethodPlayMusicWithSearch, c.handlePlayMusicWithSearch)
	gw.Handle(proto.MethodNextTrack, c.transportHandler("next", "Skipped to next track", true))
	gw.Handle(proto.MethodPreviousTrack, c.transportHandler("previous", "Returned to previous track", true))
	gw.Handle(proto.MethodPauseTrack, c.transportHandler("pause", "Playback paused", false))
	gw.Handle(proto.MethodResumeTrack, c.transportHandler("resume", "Playback resumed", true))
	gw.Handle(proto.MethodPlayMusic, c.transportHandler("play", "Playback started", true))
	gw.Handle(proto.MethodOpenMusicApp, c.handleOpenMusicApp)
	gw.Handle(proto.MethodAppleMusicSub, c.handleAppleMusicSub)
}

// --- rpc.Recorder ---

// RecordReceived appends an inbound call to the history. Receiving is
// universal, but a few methods additionally flip side state here: the call
// is logged whether or not its handler later succeeds.
func (c *Controller) RecordReceived(method string, data any) {
	c.received.Push(proto.CommandRecord{
		Method:    method,
		Data:      data,
		Success:   true,
		Timestamp: proto.NowMillis(),
	})
	c.notify(Event{Type: "received", Data: method})

	switch method {
	case proto.MethodMakePhoneCall:
		c.StartPhoneCall(stringField(data, "phone_number"))
	case proto.MethodSendAnalytics:
		c.addAnalytics(data)
	}
}

// RecordSent appends an outbound call result to the history.
func (c *Controller) RecordSent(method string, data any, success bool, errMsg string) {
	c.sent.Push(proto.CommandRecord{
		Method:    method,
		Data:      data,
		Success:   success,
		Error:     errMsg,
		Timestamp: proto.NowMillis(),
	})
	c.notify(Event{Type: "sent", Data: method})
}

// --- inbound handlers ---

func (c *Controller) handleShowScreen(_ context.Context, inv rpc.Invocation) (any, error) {
	var d screen.Descriptor
	if err := inv.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	c.ShowScreen(d)
	return nil, nil
}

func (c *Controller) handleGetPremium(context.Context, rpc.Invocation) (any, error) {
	return map[string]bool{"premium": c.Premium()}, nil
}

// Permissions are read at reply time, not captured at registration: a
// toggle that lands just before this call must be visible in the answer.
func (c *Controller) handleGetPermissions(context.Context, rpc.Invocation) (any, error) {
	return c.Permissions(), nil
}

func (c *Controller) handleGetLocation(context.Context, rpc.Invocation) (any, error) {
	c.mu.Lock()
	loc := c.location
	c.mu.Unlock()
	return loc, nil
}

func (c *Controller) handleOpenNavigator(_ context.Context, inv rpc.Invocation) (any, error) {
	c.mu.Lock()
	c.current = screen.Screen{Kind: screen.KindNavigator, ScreenType: "navigator"}
	c.mu.Unlock()
	c.notify(Event{Type: "screen", Data: string(screen.KindNavigator)})
	return map[string]bool{"success": true}, nil
}

func (c *Controller) handleSetAvatarState(_ context.Context, inv rpc.Invocation) (any, error) {
	var body struct {
		Input string `json:"input"`
	}
	if err := inv.Decode(&body); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.avatarState = body.Input
	c.mu.Unlock()
	c.notify(Event{Type: "avatar", Data: body.Input})
	return map[string]bool{"success": true}, nil
}

func (c *Controller) handleRequestPermission(_ context.Context, inv rpc.Invocation) (any, error) {
	var p screen.PermissionPrompt
	if err := inv.Decode(&p); err != nil {
		return nil, err
	}
	if p.Type == "" {
		return nil, errors.New("permission type missing")
	}
	c.mu.Lock()
	c.popup = &p
	c.mu.Unlock()
	c.notify(Event{Type: "popup", Data: p.Type})
	return map[string]bool{"success": true}, nil
}

// handleAck acknowledges methods whose real work happens in RecordReceived.
func (c *Controller) handleAck(context.Context, rpc.Invocation) (any, error) {
	return map[string]bool{"success": true}, nil
}

func (c *Controller) handlePlayMusicWithSearch(_ context.Context, inv rpc.Invocation) (any, error) {
	var item proto.MusicItem
	if err := inv.Decode(&item); err != nil {
		return nil, err
	}
	if item == (proto.MusicItem{}) {
		return nil, errors.New("at least one of app, song, album or artist must be provided")
	}
	c.mu.Lock()
	c.music.Item = item
	c.music.Playing = true
	c.music.LastCommand = "search"
	if item.App != "" {
		c.music.App = item.App
	}
	c.mu.Unlock()
	c.notify(Event{Type: "music", Data: "search"})
	return map[string]any{"current_item": item}, nil
}

// transportHandler builds a handler for the simple player commands. They
// ignore their payload and differ only in the command marker, the ack text
// and whether playback ends up running.
func (c *Controller) transportHandler(command, message string, playing bool) rpc.HandlerFunc {
	return func(context.Context, rpc.Invocation) (any, error) {
		c.mu.Lock()
		c.music.LastCommand = command
		c.music.Playing = playing
		item := c.music.Item
		c.mu.Unlock()
		c.notify(Event{Type: "music", Data: command})
		return map[string]any{"success": true, "message": message, "current_item": item}, nil
	}
}

func (c *Controller) handleOpenMusicApp(_ context.Context, inv rpc.Invocation) (any, error) {
	var body struct {
		App string `json:"app"`
	}
	if err := inv.Decode(&body); err != nil {
		return nil, err
	}
	if body.App == "" {
		return nil, errors.New("app missing")
	}
	c.mu.Lock()
	c.music.App = body.App
	c.music.LastCommand = "open"
	c.mu.Unlock()
	c.notify(Event{Type: "music", Data: "open"})
	return map[string]any{"success": true, "message": "Opened " + body.App}, nil
}

func (c *Controller) handleAppleMusicSub(context.Context, rpc.Invocation) (any, error) {
	return map[string]bool{"active": c.Permissions().AppleMusic}, nil
}

// --- state mutation ---

// ShowScreen classifies a descriptor and replaces the current screen
// wholesale. Nothing survives from the previous descriptor.
func (c *Controller) ShowScreen(d screen.Descriptor) {
	s := screen.Classify(d)
	switch s.Kind {
	case screen.KindNone:
		log.Printf("ONBOARD: empty screen, nothing to render")
	case screen.KindUnsupported:
		log.Printf("ONBOARD: unsupported screen type %q, rendering nothing", d.ScreenType)
	default:
		log.Printf("ONBOARD: screen -> %s", s.Kind)
	}
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.notify(Event{Type: "screen", Data: string(s.Kind)})
}

// SetPermission flips one permission flag. The whole set is replaced under
// the lock so an inbound get-permissions never observes a partial update.
func (c *Controller) SetPermission(name string, granted bool) error {
	c.mu.Lock()
	next := c.perms
	switch name {
	case "location":
		next.Location = granted
	case "notifications", "push":
		next.Notifications = granted
	case "microphone":
		next.Microphone = granted
	case "apple_music", "apple-music":
		next.AppleMusic = granted
	default:
		c.mu.Unlock()
		return fmt.Errorf("unknown permission %q", name)
	}
	c.perms = next
	c.mu.Unlock()
	c.notify(Event{Type: "permissions", Data: name})
	return nil
}

// SetPremium flips the premium flag reported by get-premium.
func (c *Controller) SetPremium(v bool) {
	c.mu.Lock()
	c.premium = v
	c.mu.Unlock()
	c.notify(Event{Type: "premium", Data: v})
}

// StartPhoneCall activates the call overlay. It clears itself after the
// call duration; a second call restarts the clock.
func (c *Controller) StartPhoneCall(number string) {
	c.mu.Lock()
	if c.phoneTimer != nil {
		c.phoneTimer.Stop()
	}
	pc := PhoneCall{Active: true, Number: number}
	c.phone = pc
	c.phoneTimer = time.AfterFunc(c.callDur, c.EndPhoneCall)
	c.mu.Unlock()
	log.Printf("ONBOARD: phone call to %q started", number)
	c.notify(Event{Type: "phone", Data: pc})
}

// EndPhoneCall clears the call overlay. Safe to call when no call is active.
func (c *Controller) EndPhoneCall() {
	c.mu.Lock()
	if c.phoneTimer != nil {
		c.phoneTimer.Stop()
		c.phoneTimer = nil
	}
	active := c.phone.Active
	c.phone = PhoneCall{}
	c.mu.Unlock()
	if active {
		log.Printf("ONBOARD: phone call ended")
		c.notify(Event{Type: "phone", Data: PhoneCall{}})
	}
}

func (c *Controller) addAnalytics(payload any) {
	c.mu.Lock()
	c.analytics = append(c.analytics, proto.AnalyticsEvent{Payload: payload, Timestamp: proto.NowMillis()})
	c.analyticsNew = true
	c.mu.Unlock()
	c.notify(Event{Type: "analytics"})
}

// Analytics returns the event feed and clears the new-event flag.
func (c *Controller) Analytics() []proto.AnalyticsEvent {
	c.mu.Lock()
	out := make([]proto.AnalyticsEvent, len(c.analytics))
	copy(out, c.analytics)
	c.analyticsNew = false
	c.mu.Unlock()
	return out
}

// --- outbound path ---

// HandleAction sends the RPC attached to a UI element. The action payload is
// already an encoded JSON string and passes to the transport verbatim.
func (c *Controller) HandleAction(ctx context.Context, a proto.RpcAction) error {
	c.mu.Lock()
	gw := c.gw
	c.mu.Unlock()
	if gw == nil {
		return errors.New("onboarding: no gateway bound")
	}
	if a.Name == "" {
		return errors.New("onboarding: action has no method name")
	}
	var data any
	if a.Payload != "" {
		data = a.Payload
	}
	return gw.SendRpc(ctx, a.Name, data)
}

// ResolvePrompt answers the active permission popup. Allowing also grants
// the matching permission flag; the popup is cleared either way. When the
// prompt carries no explicit action, a conventional method name derived from
// the permission type is sent instead.
func (c *Controller) ResolvePrompt(ctx context.Context, allow bool) error {
	c.mu.Lock()
	p := c.popup
	c.popup = nil
	c.mu.Unlock()
	if p == nil {
		return errors.New("onboarding: no active permission prompt")
	}
	c.notify(Event{Type: "popup", Data: ""})

	if allow {
		if err := c.SetPermission(p.Type, true); err != nil {
			log.Printf("ONBOARD: %v", err)
		}
	}

	action := p.OnDeny
	if allow {
		action = p.OnAllow
	}
	if action != nil {
		return c.HandleAction(ctx, action.RpcAction)
	}
	return c.HandleAction(ctx, proto.RpcAction{Name: promptMethod(p.Type, allow)})
}

// promptMethod maps a permission type to the conventional answer method.
func promptMethod(permType string, allow bool) string {
	verdict := map[bool]string{true: "allow", false: "deny"}[allow]
	switch permType {
	case "location":
		return "location-" + verdict + "-click"
	case "notifications":
		return "notifications-" + verdict + "-click"
	case "apple_music", "apple-music":
		return "apple-music-" + verdict + "-click"
	default:
		return verdict + "-click"
	}
}

// --- reads ---

func (c *Controller) Permissions() proto.PermissionSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perms
}

func (c *Controller) Premium() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.premium
}

func (c *Controller) CurrentScreen() screen.Screen {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Received() []proto.CommandRecord { return c.received.Snapshot() }
func (c *Controller) Sent() []proto.CommandRecord     { return c.sent.Snapshot() }

// LastReceived returns the most recent inbound command, if any.
func (c *Controller) LastReceived() (proto.CommandRecord, bool) { return c.received.Last() }

// LastSent returns the most recent outbound command, if any.
func (c *Controller) LastSent() (proto.CommandRecord, bool) { return c.sent.Last() }

// ClearHistory drops both history rings.
func (c *Controller) ClearHistory() {
	c.received.Clear()
	c.sent.Clear()
	c.notify(Event{Type: "history", Data: "cleared"})
}

// State returns a consistent snapshot of everything the control API shows.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Screen:       c.current,
		Permissions:  c.perms,
		Premium:      c.premium,
		AvatarState:  c.avatarState,
		Popup:        c.popup,
		Phone:        c.phone,
		Music:        c.music,
		AnalyticsNew: c.analyticsNew,
	}
}

// --- events ---

// Subscribe registers a state-change listener. The returned cancel func must
// be called to release it. Slow listeners drop events rather than block.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
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

func (c *Controller) notify(ev Event) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	c.listenerMu.RUnlock()
}

// stringField pulls a string out of a loosely-decoded payload map.
func stringField(data any, key string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
