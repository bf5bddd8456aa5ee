package rooms

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hankbao/conduit/internal/errs"
	"go.uber.org/zap"
)

// transferableStateEvents is the recommended state to replicate into a
// replacement room.
var transferableStateEvents = []string{
	EventTypeEncryption,
	EventTypeName,
	EventTypeTopic,
	EventTypeGuestAccess,
	EventTypeHistoryVisibility,
	EventTypeJoinRules,
	EventTypePowerLevels,
}

// UpgradeRoom replaces a room: a tombstone is appended to the old room under
// its lock, the replacement room is built under its own lock, aliases move
// over, and the old room's power levels are raised to mute it. The two locks
// are acquired strictly sequentially (old room first), never held together.
func (s *Store) UpgradeRoom(sender, roomID string) (string, error) {
	replacementRoom := fmt.Sprintf("!%s:%s", uuid.NewString(), s.globals.ServerName())

	// Tombstone the old room.
	oldLock := s.globals.RoomLock(roomID).Lock()
	tombstoneEventID, err := s.BuildAndAppend(EventBuilder{
		Type: EventTypeTombstone,
		Content: mustMarshal(TombstoneContent{
			Body:            "This room has been replaced",
			ReplacementRoom: replacementRoom,
		}),
		StateKey: StateKeyPtr(""),
	}, sender, roomID, oldLock)
	if err != nil {
		oldLock.Unlock()
		return "", err
	}

	createPDU, err := s.StateGet(roomID, EventTypeCreate, "")
	if err != nil {
		oldLock.Unlock()
		return "", err
	}
	if createPDU == nil {
		oldLock.Unlock()
		return "", errs.BadDatabase("room has no create event")
	}
	var oldCreate CreateContent
	if err := json.Unmarshal(createPDU.Content, &oldCreate); err != nil {
		oldLock.Unlock()
		return "", errs.BadDatabaseWrap("room create event is malformed", err)
	}

	// Switch to the replacement room's lock.
	oldLock.Unlock()
	newLock := s.globals.RoomLock(replacementRoom).Lock()

	if _, err := s.BuildAndAppend(EventBuilder{
		Type: EventTypeCreate,
		Content: mustMarshal(CreateContent{
			Creator:  sender,
			Federate: oldCreate.Federate,
			Predecessor: &PreviousRoom{
				RoomID:  roomID,
				EventID: tombstoneEventID,
			},
		}),
		StateKey: StateKeyPtr(""),
	}, sender, replacementRoom, newLock); err != nil {
		newLock.Unlock()
		return "", err
	}

	if _, err := s.BuildAndAppend(EventBuilder{
		Type: EventTypeMember,
		Content: mustMarshal(MemberContent{
			Membership:  MembershipJoin,
			Displayname: s.displayname(sender),
			AvatarURL:   s.avatarURL(sender),
		}),
		StateKey: StateKeyPtr(sender),
	}, sender, replacementRoom, newLock); err != nil {
		newLock.Unlock()
		return "", err
	}

	// Replicate the transferable state, skipping whatever the old room never
	// set.
	for _, eventType := range transferableStateEvents {
		pdu, err := s.StateGet(roomID, eventType, "")
		if err != nil {
			newLock.Unlock()
			return "", err
		}
		if pdu == nil {
			continue
		}
		if _, err := s.BuildAndAppend(EventBuilder{
			Type:     eventType,
			Content:  pdu.Content,
			StateKey: StateKeyPtr(""),
		}, sender, replacementRoom, newLock); err != nil {
			newLock.Unlock()
			return "", err
		}
	}
	newLock.Unlock()

	// Move local aliases over.
	aliases, err := s.RoomAliases(roomID)
	if err != nil {
		return "", err
	}
	for _, alias := range aliases {
		if err := s.SetAlias(alias, ""); err != nil {
			return "", err
		}
		if err := s.SetAlias(alias, replacementRoom); err != nil {
			return "", err
		}
	}

	// Raise the old room's power levels so events and invites stop.
	oldLevelsPDU, err := s.StateGet(roomID, EventTypePowerLevels, "")
	if err != nil {
		return "", err
	}
	if oldLevelsPDU != nil {
		var levels PowerLevelsContent
		if err := json.Unmarshal(oldLevelsPDU.Content, &levels); err != nil {
			return "", errs.BadDatabaseWrap("room power levels event is malformed", err)
		}
		muted := levels.UsersDefault + 1
		if muted < 50 {
			muted = 50
		}
		levels.EventsDefault = muted
		levels.Invite = muted

		oldLock = s.globals.RoomLock(roomID).Lock()
		if _, err := s.BuildAndAppend(EventBuilder{
			Type:     EventTypePowerLevels,
			Content:  mustMarshal(levels),
			StateKey: StateKeyPtr(""),
		}, sender, roomID, oldLock); err != nil {
			oldLock.Unlock()
			s.logError(opUpgrade, "mute_old_room_failed", err, zap.String("room_id", roomID))
		} else {
			oldLock.Unlock()
		}
	}

	s.logger.Info("room upgraded",
		zap.String("room_id", roomID),
		zap.String("replacement_room", replacementRoom))
	return replacementRoom, nil
}
