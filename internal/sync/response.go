package sync

import (
	"encoding/json"

	"github.com/hankbao/conduit/internal/rooms"
)

// Response is one sync delta. NextBatch is the counter watermark the client
// passes back as since.
type Response struct {
	NextBatch              string            `json:"next_batch"`
	Rooms                  RoomsSection      `json:"rooms"`
	Presence               EventList         `json:"presence"`
	AccountData            EventList         `json:"account_data"`
	DeviceLists            DeviceLists       `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]uint64 `json:"device_one_time_keys_count,omitempty"`
	ToDevice               EventList         `json:"to_device"`
}

// RoomsSection groups the per-room deltas by the caller's membership.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join"`
	Invite map[string]InvitedRoom `json:"invite"`
	Leave  map[string]LeftRoom    `json:"leave"`
}

// JoinedRoom is the delta for a room the caller is joined to.
type JoinedRoom struct {
	Summary             RoomSummary         `json:"summary"`
	State               StateSection        `json:"state"`
	Timeline            Timeline            `json:"timeline"`
	Ephemeral           EventList           `json:"ephemeral"`
	AccountData         EventList           `json:"account_data"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications"`
}

// InvitedRoom carries the stripped state snapshot shown to an invitee.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom carries the state the caller saw when leaving.
type LeftRoom struct {
	State    StateSection `json:"state"`
	Timeline Timeline     `json:"timeline"`
}

// RoomSummary is only populated when the member picture changed since the
// caller's last sync.
type RoomSummary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

// Timeline is the most recent events of a room, chronological.
type Timeline struct {
	Limited   bool         `json:"limited"`
	PrevBatch string       `json:"prev_batch,omitempty"`
	Events    []*rooms.PDU `json:"events"`
}

// StateSection is a list of state events.
type StateSection struct {
	Events []*rooms.PDU `json:"events"`
}

// EventList wraps opaque ephemeral or account data events.
type EventList struct {
	Events []json.RawMessage `json:"events"`
}

// UnreadNotifications carries the caller's per-room unread counters.
type UnreadNotifications struct {
	NotificationCount uint64 `json:"notification_count"`
	HighlightCount    uint64 `json:"highlight_count"`
}

// DeviceLists names users whose device keys the caller must refetch or may
// forget.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// isEmpty reports whether the response carries nothing a client would act on.
func (r *Response) isEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.Presence.Events) == 0 &&
		len(r.AccountData.Events) == 0 &&
		len(r.DeviceLists.Changed) == 0 &&
		len(r.DeviceLists.Left) == 0 &&
		len(r.DeviceOneTimeKeysCount) == 0 &&
		len(r.ToDevice.Events) == 0
}
