package rooms

import (
	"encoding/json"

	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

// updateMembership maintains the joined/invited/left bookkeeping for a
// freshly appended member event. Called from the append path with the room
// lock held.
func (s *Store) updateMembership(pdu *PDU, count uint64) error {
	targetUser := *pdu.StateKey
	membership, err := pdu.Membership()
	if err != nil {
		return err
	}

	userRoom := userRoomKey(targetUser, pdu.RoomID)
	roomUser := roomUserKey(pdu.RoomID, targetUser)

	switch membership {
	case MembershipJoin:
		if err := s.userroomidJoined.Insert(userRoom, markerValue); err != nil {
			return err
		}
		if err := s.roomuseridJoined.Insert(roomUser, markerValue); err != nil {
			return err
		}
		if err := s.roomuseridInvited.Remove(roomUser); err != nil {
			return err
		}
		for _, tree := range []*storage.Tree{s.userroomidInviteCount, s.userroomidInviteState, s.userroomidLeftCount, s.userroomidLeftState} {
			if err := tree.Remove(userRoom); err != nil {
				return err
			}
		}
	case MembershipInvite:
		if err := s.roomuseridInvited.Insert(roomUser, storage.EncodeCount(count)); err != nil {
			return err
		}
		if err := s.userroomidInviteCount.Insert(userRoom, storage.EncodeCount(count)); err != nil {
			return err
		}
		inviteState, err := s.strippedState(pdu)
		if err != nil {
			return err
		}
		if err := s.userroomidInviteState.Insert(userRoom, inviteState); err != nil {
			return err
		}
	case MembershipLeave, MembershipBan:
		if err := s.userroomidLeftCount.Insert(userRoom, storage.EncodeCount(count)); err != nil {
			return err
		}
		leftState, err := s.strippedState(pdu)
		if err != nil {
			return err
		}
		if err := s.userroomidLeftState.Insert(userRoom, leftState); err != nil {
			return err
		}
		if err := s.userroomidJoined.Remove(userRoom); err != nil {
			return err
		}
		if err := s.roomuseridJoined.Remove(roomUser); err != nil {
			return err
		}
		if err := s.roomuseridInvited.Remove(roomUser); err != nil {
			return err
		}
		if err := s.userroomidInviteCount.Remove(userRoom); err != nil {
			return err
		}
		if err := s.userroomidInviteState.Remove(userRoom); err != nil {
			return err
		}
	}
	return nil
}

// strippedState captures the minimal state a non-member needs to render an
// invite or a departure: create, join rules, canonical alias, name, and the
// member event itself.
func (s *Store) strippedState(member *PDU) ([]byte, error) {
	events := []*PDU{member}
	for _, eventType := range []string{EventTypeCreate, EventTypeJoinRules, EventTypeCanonicalAlias, EventTypeName} {
		pdu, err := s.StateGet(member.RoomID, eventType, "")
		if err != nil {
			return nil, err
		}
		if pdu != nil {
			events = append(events, pdu)
		}
	}
	return json.Marshal(events)
}

// IsJoined reports whether the user is currently joined to the room.
func (s *Store) IsJoined(userID, roomID string) (bool, error) {
	value, err := s.userroomidJoined.Get(userRoomKey(userID, roomID))
	return value != nil, err
}

// IsInvited reports whether the user holds a pending invite to the room.
func (s *Store) IsInvited(userID, roomID string) (bool, error) {
	value, err := s.userroomidInviteCount.Get(userRoomKey(userID, roomID))
	return value != nil, err
}

// RoomsJoined lists the rooms the user is currently joined to.
func (s *Store) RoomsJoined(userID string) ([]string, error) {
	return s.scanUserRooms(s.userroomidJoined, userID)
}

func (s *Store) scanUserRooms(tree *storage.Tree, userID string) ([]string, error) {
	prefix := append([]byte(userID), storage.Separator)
	iter := tree.Scan(prefix, nil, false)
	var roomIDs []string
	for {
		key, _, ok := iter.Next()
		if !ok {
			break
		}
		roomIDs = append(roomIDs, string(key[len(prefix):]))
	}
	return roomIDs, iter.Err()
}

// MembershipRecord pairs a room with the captured state at the membership
// transition.
type MembershipRecord struct {
	RoomID string
	State  []*PDU
}

// RoomsLeft lists rooms the user has left or been banned from, with the state
// captured at departure. A record whose state fails to deserialize is
// reported with empty state rather than failing the scan.
func (s *Store) RoomsLeft(userID string) ([]MembershipRecord, error) {
	return s.scanMembershipRecords(s.userroomidLeftState, userID)
}

// RoomsInvited lists rooms the user holds a pending invite to, with the
// stripped invite state.
func (s *Store) RoomsInvited(userID string) ([]MembershipRecord, error) {
	return s.scanMembershipRecords(s.userroomidInviteState, userID)
}

func (s *Store) scanMembershipRecords(tree *storage.Tree, userID string) ([]MembershipRecord, error) {
	prefix := append([]byte(userID), storage.Separator)
	iter := tree.Scan(prefix, nil, false)
	var records []MembershipRecord
	for {
		key, value, ok := iter.Next()
		if !ok {
			break
		}
		record := MembershipRecord{RoomID: string(key[len(prefix):])}
		if err := json.Unmarshal(value, &record.State); err != nil {
			s.logger.Warn("skipping malformed membership state",
				zap.String("user_id", userID), zap.String("room_id", record.RoomID), zap.Error(err))
		}
		records = append(records, record)
	}
	return records, iter.Err()
}

// LeftCount returns the global count at which the user left the room, zero
// when the user never left.
func (s *Store) LeftCount(userID, roomID string) (uint64, error) {
	return s.countAt(s.userroomidLeftCount, userID, roomID)
}

// InviteCount returns the global count at which the user was invited, zero
// when no invite is pending.
func (s *Store) InviteCount(userID, roomID string) (uint64, error) {
	return s.countAt(s.userroomidInviteCount, userID, roomID)
}

func (s *Store) countAt(tree *storage.Tree, userID, roomID string) (uint64, error) {
	raw, err := tree.Get(userRoomKey(userID, roomID))
	if err != nil || raw == nil {
		return 0, err
	}
	return storage.DecodeCount(raw)
}

// RoomMembers lists the currently joined members of the room.
func (s *Store) RoomMembers(roomID string) ([]string, error) {
	return s.scanRoomUsers(s.roomuseridJoined, roomID)
}

// RoomMembersInvited lists users holding pending invites to the room.
func (s *Store) RoomMembersInvited(roomID string) ([]string, error) {
	return s.scanRoomUsers(s.roomuseridInvited, roomID)
}

func (s *Store) scanRoomUsers(tree *storage.Tree, roomID string) ([]string, error) {
	prefix := append([]byte(roomID), storage.Separator)
	iter := tree.Scan(prefix, nil, false)
	var userIDs []string
	for {
		key, _, ok := iter.Next()
		if !ok {
			break
		}
		userIDs = append(userIDs, string(key[len(prefix):]))
	}
	return userIDs, iter.Err()
}

// SharedRooms lists rooms both users are currently joined to.
func (s *Store) SharedRooms(userA, userB string) ([]string, error) {
	roomsA, err := s.RoomsJoined(userA)
	if err != nil {
		return nil, err
	}
	var shared []string
	for _, roomID := range roomsA {
		joined, err := s.IsJoined(userB, roomID)
		if err != nil {
			return nil, err
		}
		if joined {
			shared = append(shared, roomID)
		}
	}
	return shared, nil
}
