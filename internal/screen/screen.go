// Package screen turns loosely-typed screen descriptors sent by the agent
// into a closed set of screen variants. Classification happens once, at the
// boundary; everything downstream switches on Kind instead of re-inspecting
// payload shapes.
package screen

import (
	"encoding/json"

	"github.com/elityaev/agent-harness/internal/proto"
)

// Descriptor is the unit of agent-driven UI, as received on the wire.
type Descriptor struct {
	ScreenType    string          `json:"screen_type"`
	UseMicrophone bool            `json:"use_microphone,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	// Opaque metadata riding along with the descriptor. Kept verbatim so
	// inspection tooling sees exactly what the assistant sent.
	AvatarState json.RawMessage `json:"avatar_state,omitempty"`
	Analytics   json.RawMessage `json:"analytics,omitempty"`
}

// Kind identifies one screen variant. The set is closed: anything the
// classifier cannot place lands on KindUnsupported.
type Kind string

const (
	KindNone               Kind = ""
	KindMain               Kind = "main"
	KindRequestPermissions Kind = "request_permissions"
	KindLegacyPermissions  Kind = "legacy_permissions"
	KindAddWaypoint        Kind = "add_waypoint_to_route"
	KindPaywall            Kind = "paywall"
	KindNavigator          Kind = "navigator"
	KindChooseMusicApp     Kind = "choose_music_app"
	KindMusicAppState      Kind = "music_app_state"
	KindMapRouteConfirm    Kind = "map_route_confirm"
	KindUniversal          Kind = "universal"
	KindChooseContact      Kind = "choose_contact"
	KindUnsupported        Kind = "unsupported"
)

// Action is an RpcAction whose wire payload may arrive either as an
// already-encoded JSON string or as a structured object. After decoding,
// Payload always holds the encoded string form.
type Action struct {
	proto.RpcAction
}

func (a *Action) UnmarshalJSON(b []byte) error {
	act, err := proto.DecodeAction(b)
	if err != nil {
		return err
	}
	a.RpcAction = act
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.RpcAction)
}

// Screen is the classified form of a Descriptor. Exactly one variant pointer
// is set, matching Kind; KindNavigator, KindNone and KindUnsupported carry no
// payload.
type Screen struct {
	Kind          Kind            `json:"kind"`
	ScreenType    string          `json:"screen_type,omitempty"`
	UseMicrophone bool            `json:"use_microphone,omitempty"`
	AvatarState   json.RawMessage `json:"avatar_state,omitempty"`
	Analytics     json.RawMessage `json:"analytics,omitempty"`

	Main              *Main               `json:"main,omitempty"`
	Permissions       *PermissionsRequest `json:"permissions,omitempty"`
	LegacyPermissions *LegacyPermissions  `json:"legacy_permissions,omitempty"`
	AddWaypoint       *AddWaypoint        `json:"add_waypoint,omitempty"`
	Paywall           *Paywall            `json:"paywall,omitempty"`
	ChooseMusicApp    *ChooseMusicApp     `json:"choose_music_app,omitempty"`
	MusicAppState     *MusicAppState      `json:"music_app_state,omitempty"`
	MapRouteConfirm   *MapRouteConfirm    `json:"map_route_confirm,omitempty"`
	Universal         *Universal          `json:"universal,omitempty"`
	ChooseContact     *ChooseContact      `json:"choose_contact,omitempty"`
}

// Main is the default conversation screen: a line of text plus action buttons.
type Main struct {
	Text    string       `json:"text,omitempty"`
	Buttons []MainButton `json:"buttons,omitempty"`
}

type MainButton struct {
	Text    string  `json:"text,omitempty"`
	IconURL string  `json:"icon_url,omitempty"`
	OnClick *Action `json:"rpc_on_click,omitempty"`
}

// PermissionsRequest is the current-generation permission screen. Its
// distinguishing field is the permissions list.
type PermissionsRequest struct {
	Text        string            `json:"text,omitempty"`
	Permissions []PermissionEntry `json:"permissions"`
	Buttons     []TextButton      `json:"buttons,omitempty"`
}

type PermissionEntry struct {
	Type     string  `json:"type"`
	Title    string  `json:"title,omitempty"`
	Subtitle string  `json:"subtitle,omitempty"`
	IconURL  string  `json:"icon_url,omitempty"`
	OnAllow  *Action `json:"rpc_on_allow,omitempty"`
	OnDeny   *Action `json:"rpc_on_deny,omitempty"`
}

// LegacyPermissions is the older, flat permission screen kept for agents that
// predate the list form: just text and buttons.
type LegacyPermissions struct {
	Text    string       `json:"text,omitempty"`
	Buttons []TextButton `json:"buttons"`
}

type TextButton struct {
	Text    string  `json:"text,omitempty"`
	OnClick *Action `json:"rpc_on_click,omitempty"`
}

// AddWaypoint shows search results and confirmed stops on a route.
type AddWaypoint struct {
	Results          []Waypoint      `json:"results"`
	FinalPoints      []Waypoint      `json:"final_points,omitempty"`
	UserLocation     *proto.Location `json:"user_location,omitempty"`
	OnMapInteraction *Action         `json:"rpc_on_map_interaction,omitempty"`
}

type Waypoint struct {
	ID       string          `json:"id,omitempty"`
	Number   int             `json:"number,omitempty"`
	Label    string          `json:"label,omitempty"`
	Title    string          `json:"title,omitempty"`
	Subtitle string          `json:"subtitle,omitempty"`
	Info     []InfoEntry     `json:"info,omitempty"`
	Phone    string          `json:"phone,omitempty"`
	Location *proto.Location `json:"location,omitempty"`
	Selected bool            `json:"selected,omitempty"`
	Extended bool            `json:"extended,omitempty"`

	OnCardClick *Action `json:"rpc_on_card_click,omitempty"`
	OnPinClick  *Action `json:"rpc_on_pin_click,omitempty"`
	OnGoClick   *Action `json:"rpc_on_go_click,omitempty"`
}

// InfoEntry is one detail row on a waypoint card. Icon is derived from the
// icon URL during classification (see iconFor) so render code never parses
// URLs.
type InfoEntry struct {
	IconURL string `json:"icon_url,omitempty"`
	Text    string `json:"text,omitempty"`
	Icon    string `json:"icon,omitempty"`
}

// Icon names derived from info icon URLs.
const (
	IconClock = "clock"
	IconPin   = "pin"
)

// Paywall asks the user to buy premium.
type Paywall struct {
	Placement  string  `json:"placement,omitempty"`
	OnPurchase *Action `json:"rpc_on_purchase,omitempty"`
	OnSkip     *Action `json:"rpc_on_skip,omitempty"`
}

// ChooseMusicApp lists installed players to pick from. The apps list is its
// distinguishing field.
type ChooseMusicApp struct {
	Text string     `json:"text,omitempty"`
	Apps []MusicApp `json:"apps"`
}

type MusicApp struct {
	Name    string  `json:"name,omitempty"`
	IconURL string  `json:"icon_url,omitempty"`
	OnClick *Action `json:"rpc_on_click,omitempty"`
}

// MusicAppState shows transport controls for the active player.
type MusicAppState struct {
	Text    string       `json:"text,omitempty"`
	Buttons []IconButton `json:"buttons"`
}

type IconButton struct {
	Name    string  `json:"name,omitempty"`
	IconURL string  `json:"icon_url,omitempty"`
	OnClick *Action `json:"rpc_on_click,omitempty"`
}

// MapRouteConfirm asks the user to confirm a proposed route.
type MapRouteConfirm struct {
	Waypoints    []RouteWaypoint `json:"waypoints"`
	UserLocation *proto.Location `json:"user_location,omitempty"`
	OnChange     *Action         `json:"rpc_on_change,omitempty"`
	OnGo         *Action         `json:"rpc_on_go,omitempty"`
}

type RouteWaypoint struct {
	Label    string          `json:"label,omitempty"`
	Name     string          `json:"name,omitempty"`
	Location *proto.Location `json:"location,omitempty"`
}

// Universal is a generic title/subtitle/image screen with buttons.
type Universal struct {
	Title    string            `json:"title,omitempty"`
	Subtitle string            `json:"subtitle,omitempty"`
	ImageURL string            `json:"image_url,omitempty"`
	Buttons  []UniversalButton `json:"buttons,omitempty"`
}

type UniversalButton struct {
	Text    string  `json:"text,omitempty"`
	Primary bool    `json:"primary,omitempty"`
	OnClick *Action `json:"rpc_on_click,omitempty"`
}

// ChooseContact lists phonebook entries with a call action each.
type ChooseContact struct {
	Text     string    `json:"text,omitempty"`
	Contacts []Contact `json:"contacts"`
}

type Contact struct {
	Label    string  `json:"label,omitempty"`
	Title    string  `json:"title,omitempty"`
	Subtitle string  `json:"subtitle,omitempty"`
	OnCall   *Action `json:"rpc_on_call,omitempty"`
}

// PermissionPrompt is the popup raised by an inbound request-permission call.
// It is not a screen variant: it overlays whatever screen is current.
type PermissionPrompt struct {
	Type    string  `json:"type"`
	OnAllow *Action `json:"rpc_on_allow,omitempty"`
	OnDeny  *Action `json:"rpc_on_deny,omitempty"`
}
