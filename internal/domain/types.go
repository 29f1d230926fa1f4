package domain

import (
	"fmt"
	"strings"
)

// EventID is an opaque Matrix event identifier of the form $localpart:server,
// or $<unpadded-b64-hash> for v3+ rooms.
type EventID string

// RoomID is !localpart:server.
type RoomID string

// UserID is @localpart:server.
type UserID string

// ServerName is a DNS hostname, possibly with a port.
type ServerName string

func (id EventID) Valid() bool { return sigilValid(string(id), '$') }
func (id RoomID) Valid() bool  { return sigilValid(string(id), '!') && hostOf(string(id)) != "" }
func (id UserID) Valid() bool  { return sigilValid(string(id), '@') && hostOf(string(id)) != "" }

func (id EventID) Host() ServerName { return ServerName(hostOf(string(id))) }
func (id RoomID) Host() ServerName  { return ServerName(hostOf(string(id))) }
func (id UserID) Host() ServerName  { return ServerName(hostOf(string(id))) }

func sigilValid(s string, sigil byte) bool {
	return len(s) >= 2 && s[0] == sigil
}

func hostOf(s string) string {
	i := strings.IndexByte(s, ':')
	if i < 0 || i+1 == len(s) {
		return ""
	}
	return s[i+1:]
}

func (s ServerName) Hostname() string {
	h := string(s)
	if i := strings.LastIndexByte(h, ':'); i > 0 && !strings.Contains(h[i+1:], "]") {
		return h[:i]
	}
	return h
}

// EventRef is one element of prev_events/auth_events: the referenced id plus
// its reference hashes.
type EventRef struct {
	EventID EventID
	Hashes  map[string]string
}

// Event is one signed room PDU. Immutable once constructed; Raw holds the
// received JSON object verbatim so canonical operations never round-trip
// through this struct.
type Event struct {
	EventID        EventID
	RoomID         RoomID
	Sender         UserID
	Origin         ServerName
	OriginServerTS int64
	Type           string
	StateKey       *string
	Content        map[string]any
	Redacts        EventID
	AuthEvents     []EventRef
	PrevEvents     []EventRef
	Depth          int64
	Hashes         map[string]string
	Signatures     map[string]map[string]string

	Raw []byte
}

// ClaimedOrigin is the homeserver an event claims to come from: the origin
// field when present, else the host of the sender.
func (e *Event) ClaimedOrigin() ServerName {
	if e.Origin != "" {
		return e.Origin
	}
	return e.Sender.Host()
}

// FirstKeyID returns the lexically first signing key id under the claimed
// origin's signature block.
func (e *Event) FirstKeyID() string {
	sigs := e.Signatures[string(e.ClaimedOrigin())]
	var first string
	for keyID := range sigs {
		if first == "" || keyID < first {
			first = keyID
		}
	}
	return first
}

func (e *Event) String() string {
	return fmt.Sprintf("%s in %s", e.EventID, e.RoomID)
}

// Before orders events by (depth, event_id) for value-sorted evaluation.
func (e *Event) Before(o *Event) bool {
	if e.Depth != o.Depth {
		return e.Depth < o.Depth
	}
	return e.EventID < o.EventID
}
