package rooms

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hankbao/conduit/internal/errs"
	"go.uber.org/zap"
)

// Room presets mirror the client-facing creation presets.
const (
	PresetPrivateChat        = "private_chat"
	PresetTrustedPrivateChat = "trusted_private_chat"
	PresetPublicChat         = "public_chat"
)

// Room directory visibilities.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// CreateContent is the shape of m.room.create content.
type CreateContent struct {
	Creator     string        `json:"creator"`
	Federate    *bool         `json:"m.federate,omitempty"`
	RoomVersion string        `json:"room_version,omitempty"`
	Predecessor *PreviousRoom `json:"predecessor,omitempty"`
}

// PreviousRoom links an upgraded room to its replaced predecessor.
type PreviousRoom struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// TombstoneContent is the shape of m.room.tombstone content.
type TombstoneContent struct {
	Body            string `json:"body"`
	ReplacementRoom string `json:"replacement_room"`
}

// CreateRoomRequest carries the caller-supplied room creation options.
type CreateRoomRequest struct {
	Creator            string
	AliasLocalpart     string
	Visibility         string
	Preset             string
	Name               string
	Topic              string
	Invites            []string
	IsDirect           bool
	InitialState       []EventBuilder
	PowerLevelOverride json.RawMessage
	Federate           *bool
}

// CreateRoom runs the multi-step creation transaction. Every step appends its
// own event under the same held lock; a failure partway leaves the room in a
// valid but incomplete state, and events already appended remain valid
// history. Invites are sent after the lock is dropped, best effort.
func (s *Store) CreateRoom(req CreateRoomRequest) (string, error) {
	if req.Creator == "" {
		return "", errs.Validation("room creator is required")
	}

	roomID := fmt.Sprintf("!%s:%s", uuid.NewString(), s.globals.ServerName())

	var alias string
	if req.AliasLocalpart != "" {
		alias = fmt.Sprintf("#%s:%s", req.AliasLocalpart, s.globals.ServerName())
		existing, err := s.ResolveAlias(alias)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return "", errs.Validation("room alias already exists")
		}
	}

	preset := req.Preset
	if preset == "" {
		if req.Visibility == VisibilityPublic {
			preset = PresetPublicChat
		} else {
			preset = PresetPrivateChat
		}
	}

	lock := s.globals.RoomLock(roomID).Lock()

	// 1. The room create event.
	if _, err := s.BuildAndAppend(EventBuilder{
		Type:     EventTypeCreate,
		Content:  mustMarshal(CreateContent{Creator: req.Creator, Federate: req.Federate}),
		StateKey: StateKeyPtr(""),
	}, req.Creator, roomID, lock); err != nil {
		lock.Unlock()
		return "", err
	}

	// 2. Let the room creator join.
	if _, err := s.BuildAndAppend(EventBuilder{
		Type: EventTypeMember,
		Content: mustMarshal(MemberContent{
			Membership:  MembershipJoin,
			Displayname: s.displayname(req.Creator),
			AvatarURL:   s.avatarURL(req.Creator),
		}),
		StateKey: StateKeyPtr(req.Creator),
	}, req.Creator, roomID, lock); err != nil {
		lock.Unlock()
		return "", err
	}

	// 3. Power levels, creator at 100; trusted private chats promote every
	// invitee alongside.
	levels := DefaultPowerLevels(req.Creator)
	if preset == PresetTrustedPrivateChat {
		for _, invitee := range req.Invites {
			levels.Users[invitee] = 100
		}
	}
	levelsContent, err := mergePowerLevelOverride(levels, req.PowerLevelOverride)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	if _, err := s.BuildAndAppend(EventBuilder{
		Type:     EventTypePowerLevels,
		Content:  levelsContent,
		StateKey: StateKeyPtr(""),
	}, req.Creator, roomID, lock); err != nil {
		lock.Unlock()
		return "", err
	}

	// 4. Canonical room alias.
	if alias != "" {
		if _, err := s.BuildAndAppend(EventBuilder{
			Type:     EventTypeCanonicalAlias,
			Content:  mustMarshal(map[string]any{"alias": alias, "alt_aliases": []string{}}),
			StateKey: StateKeyPtr(""),
		}, req.Creator, roomID, lock); err != nil {
			lock.Unlock()
			return "", err
		}
	}

	// 5. Events set by preset: join rules, history visibility, guest access.
	joinRuleValue := "invite"
	guestAccess := "forbidden"
	if preset == PresetPublicChat {
		joinRuleValue = "public"
		guestAccess = "can_join"
	}
	presetEvents := []EventBuilder{
		{Type: EventTypeJoinRules, Content: mustMarshal(map[string]string{"join_rule": joinRuleValue}), StateKey: StateKeyPtr("")},
		{Type: EventTypeHistoryVisibility, Content: mustMarshal(map[string]string{"history_visibility": "shared"}), StateKey: StateKeyPtr("")},
		{Type: EventTypeGuestAccess, Content: mustMarshal(map[string]string{"guest_access": guestAccess}), StateKey: StateKeyPtr("")},
	}
	for _, builder := range presetEvents {
		if _, err := s.BuildAndAppend(builder, req.Creator, roomID, lock); err != nil {
			lock.Unlock()
			return "", err
		}
	}

	// 6. Events listed in the caller's initial state. Encryption events are
	// silently skipped when encryption is disabled.
	for _, builder := range req.InitialState {
		if builder.Type == EventTypeEncryption && !s.globals.AllowEncryption() {
			continue
		}
		if _, err := s.BuildAndAppend(builder, req.Creator, roomID, lock); err != nil {
			lock.Unlock()
			return "", err
		}
	}

	// 7. Events implied by name and topic.
	if req.Name != "" {
		if _, err := s.BuildAndAppend(EventBuilder{
			Type:     EventTypeName,
			Content:  mustMarshal(map[string]string{"name": req.Name}),
			StateKey: StateKeyPtr(""),
		}, req.Creator, roomID, lock); err != nil {
			lock.Unlock()
			return "", err
		}
	}
	if req.Topic != "" {
		if _, err := s.BuildAndAppend(EventBuilder{
			Type:     EventTypeTopic,
			Content:  mustMarshal(map[string]string{"topic": req.Topic}),
			StateKey: StateKeyPtr(""),
		}, req.Creator, roomID, lock); err != nil {
			lock.Unlock()
			return "", err
		}
	}

	// 8. Invites, after the lock is dropped. A failed invite does not undo
	// the room.
	lock.Unlock()
	for _, invitee := range req.Invites {
		if _, err := s.InviteUser(req.Creator, invitee, roomID, req.IsDirect); err != nil {
			s.logError(opCreateRoom, "invite_failed", err,
				zap.String("room_id", roomID), zap.String("user_id", invitee))
		}
	}

	if alias != "" {
		if err := s.SetAlias(alias, roomID); err != nil {
			return "", err
		}
	}
	if req.Visibility == VisibilityPublic {
		if err := s.SetPublic(roomID, true); err != nil {
			return "", err
		}
	}

	s.logger.Info("room created", zap.String("room_id", roomID), zap.String("creator", req.Creator))
	return roomID, nil
}

// mergePowerLevelOverride lays caller-supplied keys over the default power
// levels object.
func mergePowerLevelOverride(levels PowerLevelsContent, override json.RawMessage) (json.RawMessage, error) {
	base := mustMarshal(levels)
	if len(override) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(override, &overlay); err != nil {
		return nil, errs.Validation("power level override is not a JSON object")
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return json.Marshal(merged)
}
