// Package accountdata stores per-user key/value blobs, either global or
// scoped to a room, with a change counter so clients can sync deltas.
package accountdata

import (
	"encoding/json"

	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

const (
	opUpdate       = "accountdata.update"
	opGet          = "accountdata.get"
	opChangesSince = "accountdata.changes_since"
)

// Event is a stored account data entry.
type Event struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Config carries the dependencies for a Store.
type Config struct {
	Store   *storage.Store
	Globals *globals.Globals
	Logger  *zap.Logger
}

// Store persists account data events.
type Store struct {
	globals *globals.Globals
	logger  *zap.Logger

	// roomUserTypeData holds versioned records keyed by
	// scope / user / count / type; only the latest record per type exists.
	roomUserTypeData *storage.Tree
	// roomUserDataIndex maps scope / user / type to the key of the current
	// record in roomUserTypeData.
	roomUserDataIndex *storage.Tree
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errs.Validation("accountdata store requires a storage store")
	}
	if cfg.Globals == nil {
		return nil, errs.Validation("accountdata store requires globals")
	}
	if cfg.Logger == nil {
		return nil, errs.Validation("accountdata store requires a logger")
	}
	return &Store{
		globals:           cfg.Globals,
		logger:            cfg.Logger,
		roomUserTypeData:  cfg.Store.Tree("roomusertype_data"),
		roomUserDataIndex: cfg.Store.Tree("roomuserdata_index"),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	s.logger.Error("account data operation failed", fields...)
}

// Update writes a new value for (roomID, userID, eventType) and removes the
// value it replaces. An empty roomID means global scope. The raw event must be
// a JSON object carrying "type" and "content" fields.
func (s *Store) Update(roomID, userID, eventType string, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errs.Validation("account data event is not a JSON object")
	}
	if _, ok := fields["type"]; !ok {
		return errs.Validation("account data event is missing the type field")
	}
	if _, ok := fields["content"]; !ok {
		return errs.Validation("account data event is missing the content field")
	}

	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opUpdate, "count_failed", err)
		return err
	}

	indexKey := storage.JoinKey([]byte(roomID), []byte(userID), []byte(eventType))
	previous, err := s.roomUserDataIndex.Get(indexKey)
	if err != nil {
		s.logError(opUpdate, "index_read_failed", err, zap.String("user_id", userID))
		return err
	}

	recordKey := storage.JoinKey(
		[]byte(roomID),
		[]byte(userID),
		storage.EncodeCount(count),
		[]byte(eventType))
	if err := s.roomUserTypeData.Insert(recordKey, raw); err != nil {
		s.logError(opUpdate, "record_write_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.roomUserDataIndex.Insert(indexKey, recordKey); err != nil {
		s.logError(opUpdate, "index_write_failed", err, zap.String("user_id", userID))
		return err
	}
	if previous != nil {
		if err := s.roomUserTypeData.Remove(previous); err != nil {
			s.logError(opUpdate, "previous_remove_failed", err, zap.String("user_id", userID))
			return err
		}
	}
	return nil
}

// Get returns the current content for (roomID, userID, eventType), or nil when
// nothing is stored.
func (s *Store) Get(roomID, userID, eventType string) (json.RawMessage, error) {
	indexKey := storage.JoinKey([]byte(roomID), []byte(userID), []byte(eventType))
	recordKey, err := s.roomUserDataIndex.Get(indexKey)
	if err != nil {
		s.logError(opGet, "index_read_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	if recordKey == nil {
		return nil, nil
	}
	raw, err := s.roomUserTypeData.Get(recordKey)
	if err != nil {
		s.logError(opGet, "record_read_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	if raw == nil {
		return nil, errs.BadDatabase("account data index points at a missing record")
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, errs.BadDatabaseWrap("stored account data is malformed", err)
	}
	return event.Content, nil
}

// ChangesSince returns, per event type, the account data events written for
// (roomID, userID) after the given counter value. Records that fail to decode
// are skipped with a warning.
func (s *Store) ChangesSince(roomID, userID string, since uint64) (map[string]Event, error) {
	prefix := storage.JoinKey([]byte(roomID), []byte(userID), nil)
	from := append(append([]byte{}, prefix...), storage.EncodeCount(since+1)...)

	changes := make(map[string]Event)
	it := s.roomUserTypeData.Scan(prefix, from, false)
	for {
		key, value, ok := it.Next()
		if !ok {
			break
		}
		var event Event
		if err := json.Unmarshal(value, &event); err != nil {
			s.logger.Warn("skipping malformed account data record",
				zap.String("user_id", userID),
				zap.String("key", string(key)),
				zap.Error(err))
			continue
		}
		changes[event.Type] = event
	}
	if err := it.Err(); err != nil {
		s.logError(opChangesSince, "scan_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	return changes, nil
}

// LatestCount reports the counter of the newest account data record for
// (roomID, userID), or zero when none exist.
func (s *Store) LatestCount(roomID, userID string) (uint64, error) {
	prefix := storage.JoinKey([]byte(roomID), []byte(userID), nil)
	it := s.roomUserTypeData.Scan(prefix, nil, true)
	key, _, ok := it.Next()
	if err := it.Err(); err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	rest := key[len(prefix):]
	if len(rest) < 8 {
		return 0, errs.BadDatabase("account data key is too short")
	}
	count, err := storage.DecodeCount(rest[:8])
	if err != nil {
		return 0, errs.BadDatabaseWrap("account data key has a malformed counter", err)
	}
	return count, nil
}
