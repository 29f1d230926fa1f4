package conforms

import (
	"strings"

	"construct/internal/domain"
)

// Code is one structural defect an event can exhibit. A Report is the set of
// codes found on a single event.
type Code uint

const (
	InvalidOrMissingEventID Code = iota
	InvalidOrMissingRoomID
	InvalidOrMissingSenderID
	MissingType
	MissingOrigin
	InvalidOrigin
	InvalidOrMissingRedactsID
	MissingContentMembership
	InvalidContentMembership
	MissingMemberStateKey
	InvalidMemberStateKey
	MissingPrevEvents
	MissingAuthEvents
	DepthNegative
	DepthZero
	MissingSignatures
	MissingOriginSignature
	MismatchOriginSender
	MismatchCreateSender
	MismatchAliasesStateKey
	SelfRedacts
	SelfPrevEvent
	SelfAuthEvent
	DupPrevEvent
	DupAuthEvent
	MismatchEventID

	numCodes
)

var codeNames = [numCodes]string{
	"INVALID_OR_MISSING_EVENT_ID",
	"INVALID_OR_MISSING_ROOM_ID",
	"INVALID_OR_MISSING_SENDER_ID",
	"MISSING_TYPE",
	"MISSING_ORIGIN",
	"INVALID_ORIGIN",
	"INVALID_OR_MISSING_REDACTS_ID",
	"MISSING_CONTENT_MEMBERSHIP",
	"INVALID_CONTENT_MEMBERSHIP",
	"MISSING_MEMBER_STATE_KEY",
	"INVALID_MEMBER_STATE_KEY",
	"MISSING_PREV_EVENTS",
	"MISSING_AUTH_EVENTS",
	"DEPTH_NEGATIVE",
	"DEPTH_ZERO",
	"MISSING_SIGNATURES",
	"MISSING_ORIGIN_SIGNATURE",
	"MISMATCH_ORIGIN_SENDER",
	"MISMATCH_CREATE_SENDER",
	"MISMATCH_ALIASES_STATE_KEY",
	"SELF_REDACTS",
	"SELF_PREV_EVENT",
	"SELF_AUTH_EVENT",
	"DUP_PREV_EVENT",
	"DUP_AUTH_EVENT",
	"MISMATCH_EVENT_ID",
}

func (c Code) String() string {
	if c >= numCodes {
		return "??????"
	}
	return codeNames[c]
}

// ReverseCode maps a code name back to its Code. Unknown names return
// numCodes and false.
func ReverseCode(name string) (Code, bool) {
	for i, n := range codeNames {
		if n == name {
			return Code(i), true
		}
	}
	return numCodes, false
}

// Report is a bitmask over Code.
type Report uint32

func (r Report) Has(c Code) bool { return r&(1<<c) != 0 }
func (r *Report) Set(c Code)     { *r |= 1 << c }
func (r *Report) Del(c Code)     { *r &^= 1 << c }
func (r Report) Clean() bool     { return r == 0 }

func (r Report) Count() int {
	n := 0
	for c := Code(0); c < numCodes; c++ {
		if r.Has(c) {
			n++
		}
	}
	return n
}

// String renders the set codes space-joined in declaration order.
func (r Report) String() string {
	var b strings.Builder
	for c := Code(0); c < numCodes; c++ {
		if !r.Has(c) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c.String())
	}
	return b.String()
}

// Check runs the structural checklist over an event. It never consults
// storage and never verifies cryptography except for code
// MISMATCH_EVENT_ID, which callers set themselves after recomputing the id.
func Check(e *domain.Event) Report {
	var r Report

	if !e.EventID.Valid() {
		r.Set(InvalidOrMissingEventID)
	}
	if !e.RoomID.Valid() {
		r.Set(InvalidOrMissingRoomID)
	}
	if !e.Sender.Valid() {
		r.Set(InvalidOrMissingSenderID)
	}
	if e.Type == "" {
		r.Set(MissingType)
	}
	if e.Origin == "" {
		r.Set(MissingOrigin)
	} else if strings.ContainsAny(string(e.Origin), " \t@!$") {
		r.Set(InvalidOrigin)
	}
	if e.Type == "m.room.redaction" && !e.Redacts.Valid() {
		r.Set(InvalidOrMissingRedactsID)
	}
	if e.Type == "m.room.member" {
		m, ok := e.Content["membership"]
		if !ok {
			r.Set(MissingContentMembership)
		} else if s, isStr := m.(string); !isStr || s == "" {
			r.Set(InvalidContentMembership)
		}
		if e.StateKey == nil || *e.StateKey == "" {
			r.Set(MissingMemberStateKey)
		} else if !domain.UserID(*e.StateKey).Valid() {
			r.Set(InvalidMemberStateKey)
		}
	}
	if e.Type != "m.room.create" {
		if len(e.PrevEvents) == 0 {
			r.Set(MissingPrevEvents)
		}
		if len(e.AuthEvents) == 0 {
			r.Set(MissingAuthEvents)
		}
	}
	if e.Depth < 0 {
		r.Set(DepthNegative)
	}
	if e.Depth == 0 && e.Type != "m.room.create" {
		r.Set(DepthZero)
	}
	if len(e.Signatures) == 0 {
		r.Set(MissingSignatures)
	} else if len(e.Signatures[string(e.ClaimedOrigin())]) == 0 {
		r.Set(MissingOriginSignature)
	}
	if e.Origin != "" && e.Sender != "" && e.Origin != e.Sender.Host() {
		r.Set(MismatchOriginSender)
	}
	if e.Type == "m.room.create" && e.Sender.Host() != e.RoomID.Host() {
		r.Set(MismatchCreateSender)
	}
	if e.Type == "m.room.aliases" {
		if e.StateKey == nil || domain.ServerName(*e.StateKey) != e.Sender.Host() {
			r.Set(MismatchAliasesStateKey)
		}
	}
	if e.Redacts != "" && e.Redacts == e.EventID {
		r.Set(SelfRedacts)
	}
	seen := make(map[domain.EventID]bool, len(e.PrevEvents))
	for _, ref := range e.PrevEvents {
		if ref.EventID == e.EventID {
			r.Set(SelfPrevEvent)
		}
		if seen[ref.EventID] {
			r.Set(DupPrevEvent)
		}
		seen[ref.EventID] = true
	}
	seen = make(map[domain.EventID]bool, len(e.AuthEvents))
	for _, ref := range e.AuthEvents {
		if ref.EventID == e.EventID {
			r.Set(SelfAuthEvent)
		}
		if seen[ref.EventID] {
			r.Set(DupAuthEvent)
		}
		seen[ref.EventID] = true
	}
	return r
}
