package rooms

import (
	"encoding/json"
	"math"

	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

// TimelineIterator walks a room's append order lazily. Malformed stored
// events are skipped with a logged warning; storage failures surface through
// Err.
type TimelineIterator struct {
	store *Store
	inner *storage.Iterator
}

// Next returns the next event and its global count. ok is false at the end of
// the range or on error.
func (it *TimelineIterator) Next() (pdu *PDU, count uint64, ok bool) {
	for {
		key, value, more := it.inner.Next()
		if !more {
			return nil, 0, false
		}
		// Key layout: room id ++ separator ++ 8-byte count.
		if len(key) < 9 {
			it.store.logger.Warn("skipping malformed timeline key", zap.Binary("key", key))
			continue
		}
		parsed, err := storage.DecodeCount(key[len(key)-8:])
		if err != nil {
			it.store.logger.Warn("skipping malformed timeline key", zap.Binary("key", key))
			continue
		}
		var event PDU
		if err := json.Unmarshal(value, &event); err != nil {
			it.store.logger.Warn("skipping malformed event",
				zap.Uint64("count", parsed), zap.Error(err))
			continue
		}
		return it.store.redactedView(&event), parsed, true
	}
}

// Err returns the first storage error encountered, if any.
func (it *TimelineIterator) Err() error {
	return it.inner.Err()
}

func (s *Store) timelinePrefix(roomID string) []byte {
	prefix := append([]byte(roomID), storage.Separator)
	return prefix
}

// PDUsBefore iterates the room's events with count strictly below before, in
// reverse append order. Pass math.MaxUint64 for "from the latest".
func (s *Store) PDUsBefore(roomID string, before uint64) *TimelineIterator {
	prefix := s.timelinePrefix(roomID)
	var from []byte
	switch {
	case before == 0:
		// No count sorts below zero; scanning back from zero is empty.
		from = storage.JoinKey([]byte(roomID), storage.EncodeCount(0))
	case before < math.MaxUint64:
		from = storage.JoinKey([]byte(roomID), storage.EncodeCount(before-1))
	}
	return &TimelineIterator{store: s, inner: s.pduidPDU.Scan(prefix, from, true)}
}

// PDUsAfter iterates the room's events with count strictly above since, in
// append order.
func (s *Store) PDUsAfter(roomID string, since uint64) *TimelineIterator {
	prefix := s.timelinePrefix(roomID)
	from := storage.JoinKey([]byte(roomID), storage.EncodeCount(since+1))
	return &TimelineIterator{store: s, inner: s.pduidPDU.Scan(prefix, from, false)}
}

// AllPDUs iterates every event of the room in append order.
func (s *Store) AllPDUs(roomID string) *TimelineIterator {
	return &TimelineIterator{store: s, inner: s.pduidPDU.Scan(s.timelinePrefix(roomID), nil, false)}
}

// PDUCount maps an event back to its global position.
func (s *Store) PDUCount(eventID string) (uint64, error) {
	key, err := s.eventidPDUID.Get([]byte(eventID))
	if err != nil {
		return 0, err
	}
	if key == nil || len(key) < 8 {
		return 0, nil
	}
	return storage.DecodeCount(key[len(key)-8:])
}

// GetPDU loads a single event by identifier, with the redacted view applied
// when the event was redacted. Returns nil when unknown.
func (s *Store) GetPDU(eventID string) (*PDU, error) {
	key, err := s.eventidPDUID.Get([]byte(eventID))
	if err != nil || key == nil {
		return nil, err
	}
	value, err := s.pduidPDU.Get(key)
	if err != nil || value == nil {
		return nil, err
	}
	var event PDU
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, err
	}
	return s.redactedView(&event), nil
}

// redactedView substitutes the logically redacted copy when a redaction
// targets the event. Stored bytes are never rewritten.
func (s *Store) redactedView(pdu *PDU) *PDU {
	redactedBy, err := s.eventidRedactedBy.Get([]byte(pdu.EventID))
	if err != nil || redactedBy == nil {
		return pdu
	}
	return pdu.RedactedCopy()
}
