package screen

import (
	"encoding/json"
	"strings"

	"github.com/elityaev/agent-harness/internal/proto"
)

// Wire tags for screen_type. Two generations of the permission screen are in
// the field: the list form uses an underscore tag, the flat legacy form a
// hyphen tag.
const (
	typeMain               = "main"
	typeRequestPermissions = "request_permissions"
	typeLegacyPermissions  = "request-permissions"
	typeAddWaypoint        = "add_waypoint_to_route"
	typePaywall            = "paywall"
	typeNavigator          = "navigator"
	typeChooseMusicApp     = "choose_music_app"
	typeMusicAppState      = "music_app_state"
	typeMapRouteConfirm    = "map_route_confirm"
	typeUniversal          = "universal"
	typeChooseContact      = "choose_contact"
)

// Classify maps a descriptor onto exactly one variant. It is total: unknown
// screen types and payloads that fail their variant's shape check come back
// as KindUnsupported, never as an error. An empty screen_type means "show
// nothing" and maps to KindNone.
func Classify(d Descriptor) Screen {
	s := Screen{
		Kind:          KindUnsupported,
		ScreenType:    d.ScreenType,
		UseMicrophone: d.UseMicrophone,
		AvatarState:   d.AvatarState,
		Analytics:     d.Analytics,
	}

	switch d.ScreenType {
	case "":
		s.Kind = KindNone

	case typeMain:
		var m Main
		if decodeData(d.Data, &m) && (m.Text != "" || len(m.Buttons) > 0) {
			s.Kind = KindMain
			s.Main = &m
		}

	case typeRequestPermissions:
		// The list form is required here; a flat payload under this tag is
		// an agent bug, not the legacy screen.
		var p PermissionsRequest
		if decodeData(d.Data, &p) && p.Permissions != nil {
			s.Kind = KindRequestPermissions
			s.Permissions = &p
		}

	case typeLegacyPermissions:
		var p LegacyPermissions
		if decodeData(d.Data, &p) && p.Buttons != nil {
			s.Kind = KindLegacyPermissions
			s.LegacyPermissions = &p
		}

	case typeAddWaypoint:
		var w AddWaypoint
		if decodeData(d.Data, &w) && w.Results != nil {
			deriveIcons(w.Results)
			deriveIcons(w.FinalPoints)
			s.Kind = KindAddWaypoint
			s.AddWaypoint = &w
		}

	case typePaywall:
		var p Paywall
		if decodeData(d.Data, &p) {
			s.Kind = KindPaywall
			s.Paywall = &p
		}

	case typeNavigator:
		// Carries no payload of its own.
		s.Kind = KindNavigator

	case typeChooseMusicApp:
		var c ChooseMusicApp
		if decodeData(d.Data, &c) && c.Apps != nil {
			s.Kind = KindChooseMusicApp
			s.ChooseMusicApp = &c
		}

	case typeMusicAppState:
		var m MusicAppState
		if decodeData(d.Data, &m) && m.Buttons != nil {
			s.Kind = KindMusicAppState
			s.MusicAppState = &m
		}

	case typeMapRouteConfirm:
		var r MapRouteConfirm
		if decodeData(d.Data, &r) && r.Waypoints != nil {
			fixGoClick(&r)
			s.Kind = KindMapRouteConfirm
			s.MapRouteConfirm = &r
		}

	case typeUniversal:
		var u Universal
		if decodeData(d.Data, &u) && (u.Title != "" || u.Subtitle != "" || len(u.Buttons) > 0) {
			s.Kind = KindUniversal
			s.Universal = &u
		}

	case typeChooseContact:
		var c ChooseContact
		if decodeData(d.Data, &c) && c.Contacts != nil {
			s.Kind = KindChooseContact
			s.ChooseContact = &c
		}
	}
	return s
}

// decodeData unmarshals a variant payload. Absent or malformed data fails the
// shape check rather than erroring out.
func decodeData(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// deriveIcons fills InfoEntry.Icon from the icon URL. Agents send full asset
// URLs; the harness only cares whether it is the clock or the pin glyph.
func deriveIcons(points []Waypoint) {
	for i := range points {
		for j := range points[i].Info {
			e := &points[i].Info[j]
			switch {
			case strings.Contains(e.IconURL, "clock"):
				e.Icon = IconClock
			case strings.Contains(e.IconURL, "pin"):
				e.Icon = IconPin
			}
		}
	}
}

// fixGoClick rewrites the misspelled outbound method name some agent builds
// attach to the route confirm button. The canonical name is go-click.
func fixGoClick(r *MapRouteConfirm) {
	if r.OnGo != nil && r.OnGo.Name == "rpc-on-go-click" {
		r.OnGo.Name = proto.MethodGoClick
	}
}
