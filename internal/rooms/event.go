package rooms

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Well-known event types the pipeline gives special treatment to. Content of
// every event stays opaque JSON; only these tags drive bookkeeping.
const (
	EventTypeCreate            = "m.room.create"
	EventTypeMember            = "m.room.member"
	EventTypePowerLevels       = "m.room.power_levels"
	EventTypeCanonicalAlias    = "m.room.canonical_alias"
	EventTypeJoinRules         = "m.room.join_rules"
	EventTypeHistoryVisibility = "m.room.history_visibility"
	EventTypeGuestAccess       = "m.room.guest_access"
	EventTypeName              = "m.room.name"
	EventTypeTopic             = "m.room.topic"
	EventTypeEncryption        = "m.room.encryption"
	EventTypeTombstone         = "m.room.tombstone"
	EventTypeRedaction         = "m.room.redaction"
	EventTypeMessage           = "m.room.message"
)

// Membership states carried by m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// PDU is one persisted event in a room's history. Immutable once committed;
// redaction yields a logically redacted copy, never an in-place edit.
type PDU struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

// IsState reports whether the event contributes to room state.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// MemberContent is the shape of m.room.member content.
type MemberContent struct {
	Membership  string `json:"membership"`
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsDirect    *bool  `json:"is_direct,omitempty"`
}

// Membership decodes the event's membership state, failing when the event is
// not a well-formed member event.
func (p *PDU) Membership() (string, error) {
	if p.Type != EventTypeMember {
		return "", fmt.Errorf("event %s is not a member event", p.EventID)
	}
	var content MemberContent
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

// RedactedCopy strips the content down to what survives redaction for the
// event's type. Member events keep their membership; everything else is
// emptied.
func (p *PDU) RedactedCopy() *PDU {
	redacted := *p
	switch p.Type {
	case EventTypeMember:
		if membership, err := p.Membership(); err == nil {
			redacted.Content = mustMarshal(MemberContent{Membership: membership})
		} else {
			redacted.Content = json.RawMessage(`{}`)
		}
	default:
		redacted.Content = json.RawMessage(`{}`)
	}
	return &redacted
}

// EventBuilder describes a candidate event before the pipeline assigns its
// identifier and count.
type EventBuilder struct {
	Type     string
	Content  json.RawMessage
	StateKey *string
	Redacts  string
}

// StateKeyTuple identifies one slot of room state.
type StateKeyTuple struct {
	Type     string
	StateKey string
}

// computeEventID derives the content-addressed identifier: the URL-safe
// base64 sha256 of the event JSON with the identifier field cleared.
func computeEventID(pdu *PDU) (string, error) {
	scratch := *pdu
	scratch.EventID = ""
	encoded, err := json.Marshal(&scratch)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(encoded)
	return "$" + base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// StateKeyPtr returns a pointer to the given state key, for builder literals.
func StateKeyPtr(key string) *string {
	return &key
}

func mustMarshal(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return encoded
}
