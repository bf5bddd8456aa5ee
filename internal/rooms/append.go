package rooms

import (
	"encoding/json"
	"errors"

	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

var errLockMismatch = errors.New("state lock does not cover this room")

// BuildAndAppend is the only writer of new events. It validates the candidate
// against the room's current state, assigns the content-derived identifier
// and the next global count, persists the event, advances the room's state
// snapshot, and wakes sync waiters of every affected user.
//
// The caller must pass the capability proving it holds the room's exclusive
// lock; a lock for a different room is rejected.
func (s *Store) BuildAndAppend(builder EventBuilder, sender, roomID string, lock *globals.StateLock) (string, error) {
	if err := validRoomID(roomID); err != nil {
		return "", errs.Validation(err.Error())
	}
	if lock == nil || lock.RoomID() != roomID {
		return "", errLockMismatch
	}
	if builder.Type == "" {
		return "", errs.Validation("event type is required")
	}
	content := builder.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	if !json.Valid(content) {
		return "", errs.Validation("event content is not valid JSON")
	}
	if builder.Type == EventTypeEncryption && !s.globals.AllowEncryption() {
		return "", errs.Forbidden("encryption is disabled on this server")
	}

	snapshot, err := s.CurrentSnapshot(roomID)
	if err != nil {
		return "", err
	}
	state, err := s.StateAt(snapshot)
	if err != nil {
		return "", err
	}

	pdu := &PDU{
		RoomID:         roomID,
		Sender:         sender,
		Type:           builder.Type,
		StateKey:       builder.StateKey,
		Content:        content,
		Redacts:        builder.Redacts,
		OriginServerTS: s.clock().UTC().UnixMilli(),
	}

	if err := s.authorizer.Allowed(state, pdu); err != nil {
		return "", err
	}
	if pdu.Type == EventTypeRedaction && pdu.Redacts != "" {
		if err := s.authorizeRedaction(state, pdu); err != nil {
			return "", err
		}
	}

	pdu.EventID, err = computeEventID(pdu)
	if err != nil {
		return "", err
	}

	count, err := s.globals.NextCount()
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(pdu)
	if err != nil {
		return "", err
	}
	key := pduKey(roomID, count)
	if err := s.pduidPDU.Insert(key, encoded); err != nil {
		return "", err
	}
	if err := s.eventidPDUID.Insert([]byte(pdu.EventID), key); err != nil {
		return "", err
	}

	if pdu.IsState() {
		next, err := s.applyToState(snapshot, pdu)
		if err != nil {
			return "", err
		}
		if err := s.roomidSnapshot.Insert([]byte(roomID), storage.EncodeCount(next)); err != nil {
			return "", err
		}
		snapshot = next
	}
	if snapshot != NoSnapshot {
		if err := s.eventidSnapshot.Insert([]byte(pdu.EventID), storage.EncodeCount(snapshot)); err != nil {
			return "", err
		}
	}

	if pdu.Type == EventTypeMember && pdu.StateKey != nil {
		if err := s.updateMembership(pdu, count); err != nil {
			return "", err
		}
	}
	if pdu.Type == EventTypeRedaction && pdu.Redacts != "" {
		if err := s.eventidRedactedBy.Insert([]byte(pdu.Redacts), []byte(pdu.EventID)); err != nil {
			return "", err
		}
	}

	s.notifyRoom(pdu)

	s.logger.Debug("event appended",
		zap.String("room_id", roomID),
		zap.String("event_type", pdu.Type),
		zap.Uint64("count", count))

	return pdu.EventID, nil
}

// notifyRoom wakes the sync waiters of everyone the append affects: joined
// members and, for member events, the target user.
func (s *Store) notifyRoom(pdu *PDU) {
	members, err := s.RoomMembers(pdu.RoomID)
	if err != nil {
		s.logError(opAppend, "notify_members_failed", err, zap.String("room_id", pdu.RoomID))
		return
	}
	notified := make(map[string]struct{}, len(members)+1)
	for _, userID := range members {
		notified[userID] = struct{}{}
	}
	if pdu.Type == EventTypeMember && pdu.StateKey != nil {
		notified[*pdu.StateKey] = struct{}{}
	}
	for userID := range notified {
		s.globals.Notify(userID, "")
	}
}

// Send appends a non-state event to the room under its lock.
func (s *Store) Send(sender, roomID, eventType string, content json.RawMessage) (string, error) {
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{Type: eventType, Content: content}, sender, roomID, lock)
}

// SetState appends a state event to the room under its lock.
func (s *Store) SetState(sender, roomID, eventType, stateKey string, content json.RawMessage) (string, error) {
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{
		Type:     eventType,
		Content:  content,
		StateKey: StateKeyPtr(stateKey),
	}, sender, roomID, lock)
}

// authorizeRedaction lets users redact their own events; redacting someone
// else's needs the room's redact power level.
func (s *Store) authorizeRedaction(state map[StateKeyTuple]*PDU, pdu *PDU) error {
	target, err := s.GetPDU(pdu.Redacts)
	if err != nil {
		return err
	}
	if target == nil || target.RoomID != pdu.RoomID {
		return errs.NotFound("redaction target is not in this room")
	}
	if target.Sender == pdu.Sender {
		return nil
	}
	if senderLevel(state, pdu.Sender) < redactLevel(state) {
		return errs.Forbidden("sender lacks the power level to redact")
	}
	return nil
}

// Redact appends a redaction targeting the given event.
func (s *Store) Redact(sender, roomID, targetEventID, reason string) (string, error) {
	content := mustMarshal(map[string]string{"reason": reason})
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{
		Type:    EventTypeRedaction,
		Content: content,
		Redacts: targetEventID,
	}, sender, roomID, lock)
}

// InviteUser appends an invite membership event for the target user.
func (s *Store) InviteUser(sender, targetUser, roomID string, isDirect bool) (string, error) {
	content := MemberContent{
		Membership:  MembershipInvite,
		Displayname: s.displayname(targetUser),
		AvatarURL:   s.avatarURL(targetUser),
	}
	if isDirect {
		content.IsDirect = &isDirect
	}
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{
		Type:     EventTypeMember,
		Content:  mustMarshal(content),
		StateKey: StateKeyPtr(targetUser),
	}, sender, roomID, lock)
}

// JoinRoom appends the user's join membership event.
func (s *Store) JoinRoom(userID, roomID string) (string, error) {
	content := MemberContent{
		Membership:  MembershipJoin,
		Displayname: s.displayname(userID),
		AvatarURL:   s.avatarURL(userID),
	}
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{
		Type:     EventTypeMember,
		Content:  mustMarshal(content),
		StateKey: StateKeyPtr(userID),
	}, userID, roomID, lock)
}

// LeaveRoom appends the user's leave membership event.
func (s *Store) LeaveRoom(userID, roomID string) (string, error) {
	lock := s.globals.RoomLock(roomID).Lock()
	defer lock.Unlock()
	return s.BuildAndAppend(EventBuilder{
		Type:     EventTypeMember,
		Content:  mustMarshal(MemberContent{Membership: MembershipLeave}),
		StateKey: StateKeyPtr(userID),
	}, userID, roomID, lock)
}
