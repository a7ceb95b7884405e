package model

import "strings"

// Presence is a user's online status.
type Presence string

const (
	PresenceOnline       Presence = "ONLINE"
	PresenceAway         Presence = "AWAY"
	PresenceOffline      Presence = "OFFLINE"
	PresenceDoNotDisturb Presence = "DO_NOT_DISTURB"
	PresenceInvisible    Presence = "INVISIBLE"
)

// ParsePresence normalizes a presence name. Unknown values map to OFFLINE.
func ParsePresence(s string) Presence {
	switch p := Presence(strings.ToUpper(strings.TrimSpace(s))); p {
	case PresenceOnline, PresenceAway, PresenceOffline, PresenceDoNotDisturb, PresenceInvisible:
		return p
	default:
		return PresenceOffline
	}
}

// Valid reports whether p is one of the known presence values.
func (p Presence) Valid() bool {
	return ParsePresence(string(p)) == p
}
