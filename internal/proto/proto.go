package proto

import (
	"encoding/json"
	"time"
)

// RPC method names the assistant invokes on the harness.
const (
	MethodShowScreen        = "show-screen"
	MethodGetPremium        = "get-premium"
	MethodGetPermissions    = "get-permissions"
	MethodGetLocation       = "get-location"
	MethodOpenNavigator     = "open-navigator"
	MethodSetAvatarState    = "set-avatar-state"
	MethodRequestPermission = "request-permission"
	MethodMakePhoneCall     = "make-phone-call"
	MethodSendAnalytics     = "send-analytics"

	MethodPlayMusicWithSearch = "play-music-with-search"
	MethodNextTrack           = "next-track"
	MethodPreviousTrack       = "previous-track"
	MethodPauseTrack          = "pause-track"
	MethodResumeTrack         = "resume-track"
	MethodPlayMusic           = "play-music"
	MethodOpenMusicApp        = "open-music-app"
	MethodAppleMusicSub       = "get-apple-music-subscription"
)

// RPC method names the harness invokes on the assistant.
const (
	MethodAllowClick           = "allow-click"
	MethodDenyClick            = "deny-click"
	MethodLocationAllowClick   = "location-allow-click"
	MethodLocationDenyClick    = "location-deny-click"
	MethodNotificationsAllow   = "notifications-allow-click"
	MethodNotificationsDeny    = "notifications-deny-click"
	MethodAppleMusicAllowClick = "apple-music-allow-click"
	MethodAppleMusicDenyClick  = "apple-music-deny-click"
	MethodGoClick              = "go-click"

	MethodStartOnboarding     = "start_onboarding"
	MethodPermissionResult    = "permission-result"
	MethodLocationLaterClick  = "location-later-click"
	MethodPlaceContinueClick  = "place-continue-click"
	MethodSuccessfulPurchase  = "successful-purchase"
	MethodPurchaseSkip        = "purchase-skip"
	MethodPushAllowClick      = "push_allow_click"
	MethodPushLaterClick      = "push_later_click"
	MethodMusicInfoPassed     = "music-info-passed"
	MethodCallsInfoPassed     = "calls-info-passed"
	MethodAssistantOpenClick  = "default-assistant-open-click"
	MethodAssistantSetupDone  = "default-assistant-setup-complete"
	MethodAssistantLaterClick = "default-assistant-later-click"
)

// RpcAction is a deferred outbound call attached to a UI element. Payload is
// always carried as an already-encoded JSON string; senders pass it through
// verbatim so the assistant receives the exact bytes it asked for.
type RpcAction struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

// DecodeAction parses a wire-form action whose payload may be either a JSON
// string (already encoded) or a structured value. Structured values are
// serialized once so RpcAction.Payload always holds the encoded form.
func DecodeAction(raw json.RawMessage) (RpcAction, error) {
	var wire struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return RpcAction{}, err
	}
	a := RpcAction{Name: wire.Name}
	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		if wire.Payload[0] == '"' {
			if err := json.Unmarshal(wire.Payload, &a.Payload); err != nil {
				return RpcAction{}, err
			}
		} else {
			a.Payload = string(wire.Payload)
		}
	}
	return a, nil
}

// PermissionSet mirrors the device permission toggles the assistant can query.
// Push notifications travel as "push" on the wire.
type PermissionSet struct {
	Location      bool `json:"location"`
	Notifications bool `json:"push"`
	Microphone    bool `json:"microphone"`
	AppleMusic    bool `json:"apple_music"`
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MusicItem describes what the simulated player is currently playing. Empty
// fields are omitted so acks only echo back what was actually requested.
type MusicItem struct {
	App    string `json:"app,omitempty"`
	Song   string `json:"song,omitempty"`
	Album  string `json:"album,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// CommandRecord is one entry in the RPC history (either direction).
type CommandRecord struct {
	Method    string `json:"method"`
	Data      any    `json:"data,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// TokenRequest is the body sent to the assistant backend when asking for a
// room access token.
type TokenRequest struct {
	R              string `json:"r"`
	Language       string `json:"language"`
	AppVersion     string `json:"app_version"`
	Platform       string `json:"platform"`
	OnboardingDone *bool  `json:"onboarding_done,omitempty"`
}

// TokenResponse is the backend's reply to a TokenRequest.
type TokenResponse struct {
	Token string `json:"token"`
}

// AnalyticsEvent is one entry in the analytics feed.
type AnalyticsEvent struct {
	Payload   any   `json:"payload"`
	Timestamp int64 `json:"timestamp"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
