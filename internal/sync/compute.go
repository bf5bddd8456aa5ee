package sync

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/hankbao/conduit/internal/edus"
	"github.com/hankbao/conduit/internal/rooms"
	"go.uber.org/zap"
)

// computeJoinedRoom builds the delta for one joined room. A room with nothing
// to report returns nil. Device list and presence accumulators are shared
// across rooms by the caller.
func (s *Service) computeJoinedRoom(
	req Request,
	roomID string,
	deviceListChanged, deviceListLeft stringSet,
	presence map[string]edus.PresenceEvent,
) (*JoinedRoom, error) {
	timeline, limited, err := s.recentTimeline(roomID, req.Since)
	if err != nil {
		return nil, err
	}

	currentSnapshot, err := s.rooms.CurrentSnapshot(roomID)
	if err != nil {
		return nil, err
	}
	sinceSnapshot, err := s.snapshotAt(roomID, req.Since)
	if err != nil {
		return nil, err
	}
	joinedSinceLastSync, err := s.joinedAfter(roomID, req.UserID, req.Since)
	if err != nil {
		return nil, err
	}

	fullState := req.FullState || joinedSinceLastSync || sinceSnapshot == rooms.NoSnapshot

	// A fresh join means history before the join was never delivered on this
	// token, so the timeline is incomplete regardless of how few events fit.
	limited = limited || joinedSinceLastSync

	inTimeline := make(map[string]struct{}, len(timeline))
	for _, pdu := range timeline {
		inTimeline[pdu.EventID] = struct{}{}
	}

	var stateEvents []*rooms.PDU
	var memberChanges []rooms.StateChange
	memberPictureChanged := fullState

	if fullState {
		state, err := s.rooms.StateAt(currentSnapshot)
		if err != nil {
			return nil, err
		}
		stateEvents, err = s.chronological(state, inTimeline)
		if err != nil {
			return nil, err
		}
	} else {
		changes, err := s.rooms.Diff(sinceSnapshot, currentSnapshot)
		if err != nil {
			return nil, err
		}
		for _, change := range changes {
			if change.Type == rooms.EventTypeMember {
				memberPictureChanged = true
				memberChanges = append(memberChanges, change)
			}
			if change.After == nil {
				continue
			}
			if _, shown := inTimeline[change.After.EventID]; shown {
				continue
			}
			stateEvents = append(stateEvents, change.After)
		}
	}

	if err := s.fanOutDeviceLists(req, roomID, joinedSinceLastSync, memberChanges, deviceListChanged, deviceListLeft); err != nil {
		return nil, err
	}

	roomPresence, err := s.edus.PresenceSince(roomID, req.Since)
	if err != nil {
		return nil, err
	}
	for userID, update := range roomPresence {
		presence[userID] = mergePresence(presence[userID], update)
	}

	ephemeral, err := s.ephemeralEvents(roomID, req.Since)
	if err != nil {
		return nil, err
	}

	roomData, err := s.accountData.ChangesSince(roomID, req.UserID, req.Since)
	if err != nil {
		return nil, err
	}

	if len(timeline) == 0 && len(stateEvents) == 0 && len(ephemeral) == 0 && len(roomData) == 0 && !fullState {
		return nil, nil
	}

	joined := &JoinedRoom{
		State:       StateSection{Events: stateEvents},
		Timeline:    Timeline{Limited: limited, Events: timeline},
		Ephemeral:   EventList{Events: ephemeral},
		AccountData: EventList{Events: encodeAccountData(roomData)},
	}
	if len(timeline) > 0 {
		first, err := s.rooms.PDUCount(timeline[0].EventID)
		if err != nil {
			return nil, err
		}
		joined.Timeline.PrevBatch = strconv.FormatUint(first, 10)
	}

	if memberPictureChanged {
		if err := s.fillSummary(&joined.Summary, roomID, req.UserID); err != nil {
			return nil, err
		}
	}

	notifications, err := s.unreadNotifications(roomID, req.UserID)
	if err != nil {
		return nil, err
	}
	joined.UnreadNotifications = notifications

	return joined, nil
}

// recentTimeline returns at most timelineLimit events newer than since, in
// chronological order, and whether older undelivered events remain.
func (s *Service) recentTimeline(roomID string, since uint64) ([]*rooms.PDU, bool, error) {
	var collected []*rooms.PDU
	limited := false

	it := s.rooms.PDUsBefore(roomID, math.MaxUint64)
	for {
		pdu, count, ok := it.Next()
		if !ok {
			break
		}
		if count <= since {
			break
		}
		if len(collected) == timelineLimit {
			limited = true
			break
		}
		collected = append(collected, pdu)
	}
	if err := it.Err(); err != nil {
		return nil, false, err
	}

	// Reverse into chronological order.
	for left, right := 0, len(collected)-1; left < right; left, right = left+1, right-1 {
		collected[left], collected[right] = collected[right], collected[left]
	}
	return collected, limited, nil
}

// snapshotAt resolves the state snapshot in effect after the last event at or
// below the given count.
func (s *Service) snapshotAt(roomID string, count uint64) (uint64, error) {
	it := s.rooms.PDUsBefore(roomID, count+1)
	pdu, _, ok := it.Next()
	if err := it.Err(); err != nil {
		return rooms.NoSnapshot, err
	}
	if !ok {
		return rooms.NoSnapshot, nil
	}
	return s.rooms.SnapshotAfter(pdu.EventID)
}

// joinedAfter reports whether the user's current join happened after since.
func (s *Service) joinedAfter(roomID, userID string, since uint64) (bool, error) {
	member, err := s.rooms.StateGet(roomID, rooms.EventTypeMember, userID)
	if err != nil {
		return false, err
	}
	if member == nil {
		return false, nil
	}
	membership, err := member.Membership()
	if err != nil || membership != rooms.MembershipJoin {
		return false, nil
	}
	count, err := s.rooms.PDUCount(member.EventID)
	if err != nil {
		return false, err
	}
	return count > since, nil
}

// chronological orders a state map by append position, dropping events the
// timeline already carries.
func (s *Service) chronological(state map[rooms.StateKeyTuple]*rooms.PDU, exclude map[string]struct{}) ([]*rooms.PDU, error) {
	type positioned struct {
		pdu   *rooms.PDU
		count uint64
	}
	ordered := make([]positioned, 0, len(state))
	for _, pdu := range state {
		if _, shown := exclude[pdu.EventID]; shown {
			continue
		}
		count, err := s.rooms.PDUCount(pdu.EventID)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, positioned{pdu: pdu, count: count})
	}
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].count < ordered[right].count
	})
	events := make([]*rooms.PDU, len(ordered))
	for index, entry := range ordered {
		events[index] = entry.pdu
	}
	return events, nil
}

// fillSummary recomputes member counts and heroes. Only called when the
// member picture changed since the caller's last sync.
func (s *Service) fillSummary(summary *RoomSummary, roomID, requester string) error {
	members, err := s.rooms.RoomMembers(roomID)
	if err != nil {
		return err
	}
	invited, err := s.rooms.RoomMembersInvited(roomID)
	if err != nil {
		return err
	}
	joinedCount := len(members)
	invitedCount := len(invited)
	summary.JoinedMemberCount = &joinedCount
	summary.InvitedMemberCount = &invitedCount

	heroes, err := s.heroes(roomID, requester)
	if err != nil {
		return err
	}
	summary.Heroes = heroes
	return nil
}

// heroes picks up to heroLimit distinct joined or invited members in timeline
// order, excluding the requester.
func (s *Service) heroes(roomID, requester string) ([]string, error) {
	seen := make(map[string]struct{})
	var heroes []string

	it := s.rooms.AllPDUs(roomID)
	for {
		pdu, _, ok := it.Next()
		if !ok {
			break
		}
		if pdu.Type != rooms.EventTypeMember || pdu.StateKey == nil {
			continue
		}
		target := *pdu.StateKey
		if target == requester {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		membership, err := pdu.Membership()
		if err != nil {
			continue
		}
		if membership != rooms.MembershipJoin && membership != rooms.MembershipInvite {
			continue
		}
		joined, err := s.rooms.IsJoined(target, roomID)
		if err != nil {
			return nil, err
		}
		invitedNow, err := s.rooms.IsInvited(target, roomID)
		if err != nil {
			return nil, err
		}
		if !joined && !invitedNow {
			continue
		}
		seen[target] = struct{}{}
		heroes = append(heroes, target)
		if len(heroes) == heroLimit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return heroes, nil
}

// fanOutDeviceLists accumulates device list changes for an encrypted room:
// newly visible members mean their keys must be fetched, departures mean the
// keys may be forgotten unless another shared encrypted room still covers the
// pair.
func (s *Service) fanOutDeviceLists(
	req Request,
	roomID string,
	joinedSinceLastSync bool,
	memberChanges []rooms.StateChange,
	changed, left stringSet,
) error {
	encryption, err := s.rooms.StateGet(roomID, rooms.EventTypeEncryption, "")
	if err != nil {
		return err
	}
	if encryption == nil {
		return nil
	}

	roomScoped, err := s.users.KeysChanged(roomID, req.Since)
	if err != nil {
		return err
	}
	changed.addAll(roomScoped)

	if joinedSinceLastSync {
		// The whole room became visible to this device at once.
		members, err := s.rooms.RoomMembers(roomID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member == req.UserID {
				continue
			}
			covered, err := s.shareOtherEncryptedRoom(req.UserID, member, roomID)
			if err != nil {
				return err
			}
			if !covered {
				changed.add(member)
			}
		}
		return nil
	}

	for _, change := range memberChanges {
		if change.After == nil || change.After.StateKey == nil {
			continue
		}
		target := *change.After.StateKey
		if target == req.UserID {
			continue
		}
		after, err := change.After.Membership()
		if err != nil {
			s.logger.Warn("skipping malformed member event",
				zap.String("room_id", roomID),
				zap.String("event_id", change.After.EventID),
				zap.Error(err))
			continue
		}
		before := ""
		if change.Before != nil {
			if membership, err := change.Before.Membership(); err == nil {
				before = membership
			}
		}

		switch {
		case after == rooms.MembershipJoin && before != rooms.MembershipJoin:
			covered, err := s.shareOtherEncryptedRoom(req.UserID, target, roomID)
			if err != nil {
				return err
			}
			if !covered {
				changed.add(target)
			}
		case after != rooms.MembershipJoin && before == rooms.MembershipJoin:
			covered, err := s.shareOtherEncryptedRoom(req.UserID, target, roomID)
			if err != nil {
				return err
			}
			if !covered {
				left.add(target)
			}
		}
	}
	return nil
}

// shareOtherEncryptedRoom reports whether the two users share an encrypted
// room other than ignoreRoom.
func (s *Service) shareOtherEncryptedRoom(userA, userB, ignoreRoom string) (bool, error) {
	shared, err := s.rooms.SharedRooms(userA, userB)
	if err != nil {
		return false, err
	}
	for _, roomID := range shared {
		if roomID == ignoreRoom {
			continue
		}
		encryption, err := s.rooms.StateGet(roomID, rooms.EventTypeEncryption, "")
		if err != nil {
			return false, err
		}
		if encryption != nil {
			return true, nil
		}
	}
	return false, nil
}

// ephemeralEvents builds the receipt and typing events newer than since.
func (s *Service) ephemeralEvents(roomID string, since uint64) ([]json.RawMessage, error) {
	var events []json.RawMessage

	receipts, err := s.edus.ReceiptsSince(roomID, since)
	if err != nil {
		return nil, err
	}
	if len(receipts) > 0 {
		content := make(map[string]map[string]map[string]map[string]int64)
		for _, receipt := range receipts {
			byType, ok := content[receipt.Receipt.EventID]
			if !ok {
				byType = make(map[string]map[string]map[string]int64)
				content[receipt.Receipt.EventID] = byType
			}
			byUser, ok := byType["m.read"]
			if !ok {
				byUser = make(map[string]map[string]int64)
				byType["m.read"] = byUser
			}
			byUser[receipt.UserID] = map[string]int64{"ts": receipt.Receipt.TS}
		}
		encoded, err := json.Marshal(struct {
			Type    string `json:"type"`
			Content any    `json:"content"`
		}{Type: "m.receipt", Content: content})
		if err == nil {
			events = append(events, encoded)
		}
	}

	lastTyping, err := s.edus.LastTypingUpdate(roomID)
	if err != nil {
		return nil, err
	}
	if lastTyping > since {
		typing, err := s.edus.TypingUsers(roomID)
		if err != nil {
			return nil, err
		}
		if typing == nil {
			typing = []string{}
		}
		encoded, err := json.Marshal(struct {
			Type    string `json:"type"`
			Content any    `json:"content"`
		}{Type: "m.typing", Content: map[string][]string{"user_ids": typing}})
		if err == nil {
			events = append(events, encoded)
		}
	}

	return events, nil
}

// unreadNotifications counts messages past the caller's private read marker.
// Push rule evaluation for highlights is out of scope here; the highlight
// count stays zero.
func (s *Service) unreadNotifications(roomID, userID string) (UnreadNotifications, error) {
	marker, err := s.edus.PrivateRead(roomID, userID)
	if err != nil {
		return UnreadNotifications{}, err
	}

	var unread uint64
	it := s.rooms.PDUsBefore(roomID, math.MaxUint64)
	for {
		pdu, count, ok := it.Next()
		if !ok {
			break
		}
		if count <= marker {
			break
		}
		if pdu.Type == rooms.EventTypeMessage && pdu.Sender != userID {
			unread++
		}
	}
	if err := it.Err(); err != nil {
		return UnreadNotifications{}, err
	}
	return UnreadNotifications{NotificationCount: unread}, nil
}

// fillLeftRooms adds rooms the caller left after since.
func (s *Service) fillLeftRooms(req Request, response *Response) error {
	records, err := s.rooms.RoomsLeft(req.UserID)
	if err != nil {
		return err
	}
	for _, record := range records {
		leftAt, err := s.rooms.LeftCount(req.UserID, record.RoomID)
		if err != nil {
			return err
		}
		if leftAt <= req.Since {
			continue
		}
		response.Rooms.Leave[record.RoomID] = LeftRoom{
			State:    StateSection{Events: record.State},
			Timeline: Timeline{},
		}
	}
	return nil
}

// fillInvitedRooms adds rooms the caller was invited to after since.
func (s *Service) fillInvitedRooms(req Request, response *Response) error {
	records, err := s.rooms.RoomsInvited(req.UserID)
	if err != nil {
		return err
	}
	for _, record := range records {
		invitedAt, err := s.rooms.InviteCount(req.UserID, record.RoomID)
		if err != nil {
			return err
		}
		if invitedAt <= req.Since {
			continue
		}
		response.Rooms.Invite[record.RoomID] = InvitedRoom{
			InviteState: StateSection{Events: record.State},
		}
	}
	return nil
}

// mergePresence folds an update into the accumulated picture field by field;
// absent fields never erase what an earlier room reported.
func mergePresence(existing, update edus.PresenceEvent) edus.PresenceEvent {
	merged := existing
	if update.Presence != "" {
		merged.Presence = update.Presence
	}
	if update.StatusMsg != "" {
		merged.StatusMsg = update.StatusMsg
	}
	if update.LastActiveAgo != 0 {
		merged.LastActiveAgo = update.LastActiveAgo
	}
	if update.CurrentlyActive != nil {
		merged.CurrentlyActive = update.CurrentlyActive
	}
	return merged
}
