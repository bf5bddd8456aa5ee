// Package edus carries the ephemeral per-room side channels: presence,
// typing notifications and read receipts. Each channel keeps its own since
// cursor over the shared counter so sync can ask for deltas.
package edus

import (
	"encoding/json"
	"time"

	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

const (
	opSetPresence    = "edus.set_presence"
	opPresenceSince  = "edus.presence_since"
	opTypingStart    = "edus.typing_start"
	opTypingStop     = "edus.typing_stop"
	opSetReceipt     = "edus.set_read_receipt"
	opReceiptsSince  = "edus.receipts_since"
	opSetPrivateRead = "edus.set_private_read"
)

// PresenceEvent is the coalesced presence picture for one user.
type PresenceEvent struct {
	Presence        string `json:"presence"`
	StatusMsg       string `json:"status_msg,omitempty"`
	LastActiveAgo   uint64 `json:"last_active_ago,omitempty"`
	CurrentlyActive *bool  `json:"currently_active,omitempty"`
}

// Receipt is one user's read receipt for an event.
type Receipt struct {
	EventID string `json:"event_id"`
	TS      int64  `json:"ts"`
}

// Config carries the dependencies for a Store.
type Config struct {
	Store   *storage.Store
	Globals *globals.Globals
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store persists the ephemeral channels.
type Store struct {
	globals *globals.Globals
	clock   func() time.Time
	logger  *zap.Logger

	// presenceID: room / count / user -> presence event
	presenceID *storage.Tree
	// presenceIndex: room / user -> current presenceID key
	presenceIndex *storage.Tree
	// typingID: room / count / user -> expiry millis
	typingID *storage.Tree
	// lastTypingUpdate: room -> count
	lastTypingUpdate *storage.Tree
	// readReceiptID: room / count / user -> receipt
	readReceiptID *storage.Tree
	// receiptIndex: room / user -> current readReceiptID key
	receiptIndex *storage.Tree
	// privateRead: room / user -> pdu count of the marker
	privateRead *storage.Tree
	// lastPrivateReadUpdate: room / user -> count of the last marker write
	lastPrivateReadUpdate *storage.Tree
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errs.Validation("edus store requires a storage store")
	}
	if cfg.Globals == nil {
		return nil, errs.Validation("edus store requires globals")
	}
	if cfg.Logger == nil {
		return nil, errs.Validation("edus store requires a logger")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		globals:               cfg.Globals,
		clock:                 clock,
		logger:                cfg.Logger,
		presenceID:            cfg.Store.Tree("presenceid"),
		presenceIndex:         cfg.Store.Tree("roomuserid_presence"),
		typingID:              cfg.Store.Tree("typingid"),
		lastTypingUpdate:      cfg.Store.Tree("roomid_lasttypingupdate"),
		readReceiptID:         cfg.Store.Tree("readreceiptid"),
		receiptIndex:          cfg.Store.Tree("roomuserid_receipt"),
		privateRead:           cfg.Store.Tree("roomuserid_privateread"),
		lastPrivateReadUpdate: cfg.Store.Tree("roomuserid_lastprivateread"),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	s.logger.Error("edu operation failed", fields...)
}

func roomUserKey(roomID, userID string) []byte {
	return storage.JoinKey([]byte(roomID), []byte(userID))
}

func roomCountUserKey(roomID string, count uint64, userID string) []byte {
	return storage.JoinKey([]byte(roomID), storage.EncodeCount(count), []byte(userID))
}

func roomPrefix(roomID string) []byte {
	return storage.JoinKey([]byte(roomID), nil)
}

// splitCountUser takes a key with the room prefix already stripped and returns
// the embedded count and user id.
func splitCountUser(rest []byte) (uint64, string, error) {
	if len(rest) < 9 || rest[8] != storage.Separator {
		return 0, "", errs.BadDatabase("edu key has an unexpected shape")
	}
	count, err := storage.DecodeCount(rest[:8])
	if err != nil {
		return 0, "", errs.BadDatabaseWrap("edu key has a malformed counter", err)
	}
	return count, string(rest[9:]), nil
}

// SetPresence records userID's presence in roomID, replacing the previous
// record so PresenceSince never returns two entries for one user.
func (s *Store) SetPresence(roomID, userID string, presence PresenceEvent) error {
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opSetPresence, "count_failed", err)
		return err
	}

	indexKey := roomUserKey(roomID, userID)
	previous, err := s.presenceIndex.Get(indexKey)
	if err != nil {
		s.logError(opSetPresence, "index_read_failed", err, zap.String("user_id", userID))
		return err
	}

	recordKey := roomCountUserKey(roomID, count, userID)
	value, err := json.Marshal(presence)
	if err != nil {
		return errs.Validation("presence event cannot be serialized")
	}
	if err := s.presenceID.Insert(recordKey, value); err != nil {
		s.logError(opSetPresence, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.presenceIndex.Insert(indexKey, recordKey); err != nil {
		s.logError(opSetPresence, "index_write_failed", err, zap.String("user_id", userID))
		return err
	}
	if previous != nil {
		if err := s.presenceID.Remove(previous); err != nil {
			s.logError(opSetPresence, "previous_remove_failed", err, zap.String("user_id", userID))
			return err
		}
	}
	return nil
}

// PresenceSince returns the presence updates in roomID written after since,
// keyed by user id. Malformed records are skipped with a warning.
func (s *Store) PresenceSince(roomID string, since uint64) (map[string]PresenceEvent, error) {
	prefix := roomPrefix(roomID)
	from := append(append([]byte{}, prefix...), storage.EncodeCount(since+1)...)

	updates := make(map[string]PresenceEvent)
	it := s.presenceID.Scan(prefix, from, false)
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		_, userID, err := splitCountUser(key[len(prefix):])
		if err != nil {
			s.logger.Warn("skipping malformed presence key", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		var presence PresenceEvent
		if err := json.Unmarshal(value, &presence); err != nil {
			s.logger.Warn("skipping malformed presence record",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		updates[userID] = presence
	}
	if err := it.Err(); err != nil {
		s.logError(opPresenceSince, "scan_failed", err, zap.String("room_id", roomID))
		return nil, err
	}
	return updates, nil
}

// TypingStart marks userID as typing in roomID until the expiry instant.
func (s *Store) TypingStart(roomID, userID string, expiry time.Time) error {
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opTypingStart, "count_failed", err)
		return err
	}
	key := roomCountUserKey(roomID, count, userID)
	if err := s.typingID.Insert(key, storage.EncodeCount(uint64(expiry.UnixMilli()))); err != nil {
		s.logError(opTypingStart, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	return s.lastTypingUpdate.Insert([]byte(roomID), storage.EncodeCount(count))
}

// TypingStop clears userID's typing notifications in roomID.
func (s *Store) TypingStop(roomID, userID string) error {
	removed, err := s.removeTyping(roomID, func(user string, _ uint64) bool {
		return user == userID
	})
	if err != nil {
		s.logError(opTypingStop, "remove_failed", err, zap.String("user_id", userID))
		return err
	}
	if !removed {
		return nil
	}
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opTypingStop, "count_failed", err)
		return err
	}
	return s.lastTypingUpdate.Insert([]byte(roomID), storage.EncodeCount(count))
}

// removeTyping deletes typing records matching the predicate and reports
// whether any were removed.
func (s *Store) removeTyping(roomID string, match func(userID string, expiryMillis uint64) bool) (bool, error) {
	prefix := roomPrefix(roomID)
	var stale [][]byte
	it := s.typingID.Scan(prefix, nil, false)
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		_, userID, err := splitCountUser(key[len(prefix):])
		if err != nil {
			continue
		}
		expiry, err := storage.DecodeCount(value)
		if err != nil {
			continue
		}
		if match(userID, expiry) {
			stale = append(stale, append([]byte{}, key...))
		}
	}
	if err := it.Err(); err != nil {
		return false, err
	}
	for _, key := range stale {
		if err := s.typingID.Remove(key); err != nil {
			return false, err
		}
	}
	return len(stale) > 0, nil
}

// sweepTyping expires typing records whose TTL passed, bumping the room's
// typing cursor when anything changed.
func (s *Store) sweepTyping(roomID string) error {
	now := uint64(s.clock().UnixMilli())
	removed, err := s.removeTyping(roomID, func(_ string, expiry uint64) bool {
		return expiry < now
	})
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	count, err := s.globals.NextCount()
	if err != nil {
		return err
	}
	return s.lastTypingUpdate.Insert([]byte(roomID), storage.EncodeCount(count))
}

// LastTypingUpdate returns the counter of the most recent typing change in
// roomID, sweeping expired records first.
func (s *Store) LastTypingUpdate(roomID string) (uint64, error) {
	if err := s.sweepTyping(roomID); err != nil {
		return 0, err
	}
	raw, err := s.lastTypingUpdate.Get([]byte(roomID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return storage.DecodeCount(raw)
}

// TypingUsers returns the users currently typing in roomID.
func (s *Store) TypingUsers(roomID string) ([]string, error) {
	if err := s.sweepTyping(roomID); err != nil {
		return nil, err
	}
	prefix := roomPrefix(roomID)
	seen := make(map[string]struct{})
	var users []string
	it := s.typingID.Scan(prefix, nil, false)
	for {
		key, _, ok := it.Next()
		if !ok {
			break
		}
		_, userID, err := splitCountUser(key[len(prefix):])
		if err != nil {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// SetReadReceipt records userID's public read receipt in roomID, replacing any
// previous one.
func (s *Store) SetReadReceipt(roomID, userID string, receipt Receipt) error {
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opSetReceipt, "count_failed", err)
		return err
	}

	indexKey := roomUserKey(roomID, userID)
	previous, err := s.receiptIndex.Get(indexKey)
	if err != nil {
		s.logError(opSetReceipt, "index_read_failed", err, zap.String("user_id", userID))
		return err
	}

	recordKey := roomCountUserKey(roomID, count, userID)
	value, err := json.Marshal(receipt)
	if err != nil {
		return errs.Validation("read receipt cannot be serialized")
	}
	if err := s.readReceiptID.Insert(recordKey, value); err != nil {
		s.logError(opSetReceipt, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.receiptIndex.Insert(indexKey, recordKey); err != nil {
		s.logError(opSetReceipt, "index_write_failed", err, zap.String("user_id", userID))
		return err
	}
	if previous != nil {
		if err := s.readReceiptID.Remove(previous); err != nil {
			s.logError(opSetReceipt, "previous_remove_failed", err, zap.String("user_id", userID))
			return err
		}
	}
	return nil
}

// UserReceipt is one entry from ReceiptsSince.
type UserReceipt struct {
	UserID  string
	Count   uint64
	Receipt Receipt
}

// ReceiptsSince returns the public read receipts in roomID written after
// since. Malformed records are skipped with a warning.
func (s *Store) ReceiptsSince(roomID string, since uint64) ([]UserReceipt, error) {
	prefix := roomPrefix(roomID)
	from := append(append([]byte{}, prefix...), storage.EncodeCount(since+1)...)

	var receipts []UserReceipt
	it := s.readReceiptID.Scan(prefix, from, false)
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		count, userID, err := splitCountUser(key[len(prefix):])
		if err != nil {
			s.logger.Warn("skipping malformed receipt key", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		var receipt Receipt
		if err := json.Unmarshal(value, &receipt); err != nil {
			s.logger.Warn("skipping malformed receipt record",
				zap.String("room_id", roomID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		receipts = append(receipts, UserReceipt{UserID: userID, Count: count, Receipt: receipt})
	}
	if err := it.Err(); err != nil {
		s.logError(opReceiptsSince, "scan_failed", err, zap.String("room_id", roomID))
		return nil, err
	}
	return receipts, nil
}

// SetPrivateRead stores userID's private read marker position in roomID.
func (s *Store) SetPrivateRead(roomID, userID string, pduCount uint64) error {
	key := roomUserKey(roomID, userID)
	if err := s.privateRead.Insert(key, storage.EncodeCount(pduCount)); err != nil {
		s.logError(opSetPrivateRead, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opSetPrivateRead, "count_failed", err)
		return err
	}
	return s.lastPrivateReadUpdate.Insert(key, storage.EncodeCount(count))
}

// PrivateRead returns userID's private read marker in roomID, or zero when
// none is set.
func (s *Store) PrivateRead(roomID, userID string) (uint64, error) {
	raw, err := s.privateRead.Get(roomUserKey(roomID, userID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return storage.DecodeCount(raw)
}

// LastPrivateReadUpdate returns the counter of userID's most recent private
// read marker write in roomID.
func (s *Store) LastPrivateReadUpdate(roomID, userID string) (uint64, error) {
	raw, err := s.lastPrivateReadUpdate.Get(roomUserKey(roomID, userID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return storage.DecodeCount(raw)
}
