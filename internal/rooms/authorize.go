package rooms

import (
	"encoding/json"

	"github.com/hankbao/conduit/internal/errs"
)

// PowerLevelsContent is the shape of m.room.power_levels content.
type PowerLevelsContent struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default"`
	EventsDefault int            `json:"events_default"`
	StateDefault  int            `json:"state_default"`
	Invite        int            `json:"invite"`
	Kick          int            `json:"kick"`
	Ban           int            `json:"ban"`
	Redact        int            `json:"redact"`
}

// DefaultPowerLevels mirrors the defaults applied when a room is created:
// state changes need 50, the creator gets 100.
func DefaultPowerLevels(creator string) PowerLevelsContent {
	return PowerLevelsContent{
		Users:        map[string]int{creator: 100},
		StateDefault: 50,
		Invite:       0,
		Kick:         50,
		Ban:          50,
		Redact:       50,
	}
}

// powerLevelAuthorizer is the default authorization predicate: membership
// plus power-level checks against the current state. It deliberately stays
// far short of the full federation auth rules, which are outside this
// component's contract.
type powerLevelAuthorizer struct{}

func (a *powerLevelAuthorizer) Allowed(state map[StateKeyTuple]*PDU, candidate *PDU) error {
	if candidate.Type == EventTypeCreate {
		if len(state) > 0 {
			return errs.Forbidden("room already has a create event")
		}
		return nil
	}
	if len(state) == 0 {
		return errs.Forbidden("room has no create event")
	}

	if candidate.Type == EventTypeMember && candidate.StateKey != nil {
		return a.allowedMembership(state, candidate)
	}

	senderJoined := membershipIn(state, candidate.Sender) == MembershipJoin
	if !senderJoined {
		return errs.Forbidden("sender is not joined to the room")
	}

	if candidate.IsState() {
		required := requiredLevel(state, candidate.Type)
		if senderLevel(state, candidate.Sender) < required {
			return errs.Forbidden("sender lacks the power level to change room state")
		}
		return nil
	}
	if senderLevel(state, candidate.Sender) < eventsLevel(state) {
		return errs.Forbidden("sender lacks the power level to send events")
	}
	return nil
}

func eventsLevel(state map[StateKeyTuple]*PDU) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.EventsDefault
}

func (a *powerLevelAuthorizer) allowedMembership(state map[StateKeyTuple]*PDU, candidate *PDU) error {
	membership, err := candidate.Membership()
	if err != nil {
		return errs.Validation("member event content is malformed")
	}
	target := *candidate.StateKey

	switch membership {
	case MembershipJoin:
		if target != candidate.Sender {
			return errs.Forbidden("users can only set their own join membership")
		}
		current := membershipIn(state, target)
		if current == MembershipJoin || current == MembershipInvite {
			return nil
		}
		if current == MembershipBan {
			return errs.Forbidden("sender is banned from the room")
		}
		if joinRule(state) == "public" {
			return nil
		}
		if create, ok := state[StateKeyTuple{Type: EventTypeCreate, StateKey: ""}]; ok && create.Sender == target {
			// The creator's initial join precedes any join-rules event.
			return nil
		}
		return errs.Forbidden("room is invite only")
	case MembershipInvite:
		if membershipIn(state, candidate.Sender) != MembershipJoin {
			return errs.Forbidden("only joined members can invite")
		}
		if senderLevel(state, candidate.Sender) < inviteLevel(state) {
			return errs.Forbidden("sender lacks the power level to invite")
		}
		return nil
	case MembershipLeave:
		if target == candidate.Sender {
			return nil
		}
		if senderLevel(state, candidate.Sender) < kickLevel(state) {
			return errs.Forbidden("sender lacks the power level to kick")
		}
		return nil
	case MembershipBan:
		if senderLevel(state, candidate.Sender) < banLevel(state) {
			return errs.Forbidden("sender lacks the power level to ban")
		}
		return nil
	default:
		return errs.Validation("unknown membership state")
	}
}

func membershipIn(state map[StateKeyTuple]*PDU, userID string) string {
	pdu, ok := state[StateKeyTuple{Type: EventTypeMember, StateKey: userID}]
	if !ok {
		return MembershipLeave
	}
	membership, err := pdu.Membership()
	if err != nil {
		return MembershipLeave
	}
	return membership
}

func powerLevels(state map[StateKeyTuple]*PDU) (PowerLevelsContent, bool) {
	pdu, ok := state[StateKeyTuple{Type: EventTypePowerLevels, StateKey: ""}]
	if !ok {
		return PowerLevelsContent{}, false
	}
	var content PowerLevelsContent
	if err := json.Unmarshal(pdu.Content, &content); err != nil {
		return PowerLevelsContent{}, false
	}
	return content, true
}

// senderLevel resolves the user's power level. Before a power-levels event
// exists the room creator holds level 100 and everyone else 0.
func senderLevel(state map[StateKeyTuple]*PDU, userID string) int {
	levels, ok := powerLevels(state)
	if !ok {
		if create, found := state[StateKeyTuple{Type: EventTypeCreate, StateKey: ""}]; found && create.Sender == userID {
			return 100
		}
		return 0
	}
	if level, found := levels.Users[userID]; found {
		return level
	}
	return levels.UsersDefault
}

func requiredLevel(state map[StateKeyTuple]*PDU, eventType string) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	if eventType == EventTypePowerLevels {
		// Changing power levels always needs the state default at least.
		if levels.StateDefault < 50 {
			return 50
		}
	}
	return levels.StateDefault
}

func inviteLevel(state map[StateKeyTuple]*PDU) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.Invite
}

func kickLevel(state map[StateKeyTuple]*PDU) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.Kick
}

func banLevel(state map[StateKeyTuple]*PDU) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.Ban
}

func redactLevel(state map[StateKeyTuple]*PDU) int {
	levels, ok := powerLevels(state)
	if !ok {
		return 0
	}
	return levels.Redact
}

func joinRule(state map[StateKeyTuple]*PDU) string {
	pdu, ok := state[StateKeyTuple{Type: EventTypeJoinRules, StateKey: ""}]
	if !ok {
		return "invite"
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(pdu.Content, &content); err != nil {
		return "invite"
	}
	return content.JoinRule
}
