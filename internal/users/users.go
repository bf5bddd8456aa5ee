// Package users keeps per-user server state that is not room history:
// profiles, registered devices, the device-key change log, the to-device
// message queue and one-time-key bookkeeping.
package users

import (
	"encoding/json"
	"time"

	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

const (
	opEnsureAccount = "users.ensure_account"
	opProfile       = "users.profile"
	opDevice        = "users.device"
	opKeysChanged   = "users.keys_changed"
	opToDevice      = "users.to_device"
	opOneTimeKeys   = "users.one_time_keys"
)

// Device describes one registered device.
type Device struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name,omitempty"`
	LastSeenTS  int64  `json:"last_seen_ts"`
}

// Config carries the dependencies for a Store.
type Config struct {
	Store   *storage.Store
	Globals *globals.Globals
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Store persists user-scoped state.
type Store struct {
	globals *globals.Globals
	clock   func() time.Time
	logger  *zap.Logger

	// userIDExists: user -> marker
	userIDExists *storage.Tree
	// userIDDisplayname / userIDAvatarURL: user -> string
	userIDDisplayname *storage.Tree
	userIDAvatarURL   *storage.Tree
	// userDeviceIDMetadata: user / device -> Device
	userDeviceIDMetadata *storage.Tree
	// keyChangeID: scope / count -> user id; scope is a user id or a room id
	keyChangeID *storage.Tree
	// toDeviceID: user / device / count -> event
	toDeviceID *storage.Tree
	// oneTimeKeyCounts: user / device -> algorithm -> count
	oneTimeKeyCounts *storage.Tree
	// lastOneTimeKeyUpdate: user -> count
	lastOneTimeKeyUpdate *storage.Tree
}

// NewStore validates the configuration and builds a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errs.Validation("users store requires a storage store")
	}
	if cfg.Globals == nil {
		return nil, errs.Validation("users store requires globals")
	}
	if cfg.Logger == nil {
		return nil, errs.Validation("users store requires a logger")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		globals:              cfg.Globals,
		clock:                clock,
		logger:               cfg.Logger,
		userIDExists:         cfg.Store.Tree("userid_exists"),
		userIDDisplayname:    cfg.Store.Tree("userid_displayname"),
		userIDAvatarURL:      cfg.Store.Tree("userid_avatarurl"),
		userDeviceIDMetadata: cfg.Store.Tree("userdeviceid_metadata"),
		keyChangeID:          cfg.Store.Tree("keychangeid"),
		toDeviceID:           cfg.Store.Tree("todeviceid"),
		oneTimeKeyCounts:     cfg.Store.Tree("userdeviceid_otkcounts"),
		lastOneTimeKeyUpdate: cfg.Store.Tree("userid_lastotkupdate"),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	s.logger.Error("user operation failed", fields...)
}

func userDeviceKey(userID, deviceID string) []byte {
	return storage.JoinKey([]byte(userID), []byte(deviceID))
}

// EnsureAccount registers userID if it is not known yet.
func (s *Store) EnsureAccount(userID string) error {
	if userID == "" {
		return errs.Validation("user id must not be empty")
	}
	if err := s.userIDExists.Insert([]byte(userID), []byte{1}); err != nil {
		s.logError(opEnsureAccount, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	return nil
}

// Exists reports whether userID is registered.
func (s *Store) Exists(userID string) (bool, error) {
	raw, err := s.userIDExists.Get([]byte(userID))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// SetDisplayname stores userID's display name; empty removes it.
func (s *Store) SetDisplayname(userID, displayname string) error {
	if displayname == "" {
		return s.userIDDisplayname.Remove([]byte(userID))
	}
	return s.userIDDisplayname.Insert([]byte(userID), []byte(displayname))
}

// Displayname returns userID's display name, or empty when unset.
func (s *Store) Displayname(userID string) (string, error) {
	raw, err := s.userIDDisplayname.Get([]byte(userID))
	if err != nil {
		s.logError(opProfile, "displayname_read_failed", err, zap.String("user_id", userID))
		return "", err
	}
	return string(raw), nil
}

// SetAvatarURL stores userID's avatar URL; empty removes it.
func (s *Store) SetAvatarURL(userID, avatarURL string) error {
	if avatarURL == "" {
		return s.userIDAvatarURL.Remove([]byte(userID))
	}
	return s.userIDAvatarURL.Insert([]byte(userID), []byte(avatarURL))
}

// AvatarURL returns userID's avatar URL, or empty when unset.
func (s *Store) AvatarURL(userID string) (string, error) {
	raw, err := s.userIDAvatarURL.Get([]byte(userID))
	if err != nil {
		s.logError(opProfile, "avatar_read_failed", err, zap.String("user_id", userID))
		return "", err
	}
	return string(raw), nil
}

// AddDevice registers deviceID for userID.
func (s *Store) AddDevice(userID, deviceID, displayName string) error {
	if deviceID == "" {
		return errs.Validation("device id must not be empty")
	}
	device := Device{
		DeviceID:    deviceID,
		DisplayName: displayName,
		LastSeenTS:  s.clock().UnixMilli(),
	}
	value, err := json.Marshal(device)
	if err != nil {
		return errs.Validation("device metadata cannot be serialized")
	}
	if err := s.userDeviceIDMetadata.Insert(userDeviceKey(userID, deviceID), value); err != nil {
		s.logError(opDevice, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	return nil
}

// Devices lists userID's registered devices. Malformed records are skipped
// with a warning.
func (s *Store) Devices(userID string) ([]Device, error) {
	prefix := storage.JoinKey([]byte(userID), nil)
	var devices []Device
	it := s.userDeviceIDMetadata.Scan(prefix, nil, false)
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		var device Device
		if err := json.Unmarshal(value, &device); err != nil {
			s.logger.Warn("skipping malformed device record",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		devices = append(devices, device)
	}
	if err := it.Err(); err != nil {
		s.logError(opDevice, "scan_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	return devices, nil
}

// HasDevice reports whether deviceID is registered for userID.
func (s *Store) HasDevice(userID, deviceID string) (bool, error) {
	raw, err := s.userDeviceIDMetadata.Get(userDeviceKey(userID, deviceID))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// RemoveDevice unregisters deviceID and drops its queued to-device events and
// one-time-key counts.
func (s *Store) RemoveDevice(userID, deviceID string) error {
	if err := s.userDeviceIDMetadata.Remove(userDeviceKey(userID, deviceID)); err != nil {
		s.logError(opDevice, "remove_failed", err, zap.String("user_id", userID))
		return err
	}
	if err := s.RemoveToDeviceUntil(userID, deviceID, ^uint64(0)); err != nil {
		return err
	}
	return s.oneTimeKeyCounts.Remove(userDeviceKey(userID, deviceID))
}

// MarkKeysChanged records that userID's device keys changed, under the given
// scope (the user's own id, or a room id for per-room fan-out).
func (s *Store) MarkKeysChanged(scope, userID string) error {
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opKeysChanged, "count_failed", err)
		return err
	}
	return s.markKeysChangedAt(scope, userID, count)
}

// MarkKeysChangedAt records a key change under an already-assigned counter so
// several scopes can share one position.
func (s *Store) MarkKeysChangedAt(scope, userID string, count uint64) error {
	return s.markKeysChangedAt(scope, userID, count)
}

func (s *Store) markKeysChangedAt(scope, userID string, count uint64) error {
	key := storage.JoinKey([]byte(scope), storage.EncodeCount(count))
	if err := s.keyChangeID.Insert(key, []byte(userID)); err != nil {
		s.logError(opKeysChanged, "write_failed", err,
			zap.String("scope", scope),
			zap.String("user_id", userID))
		return err
	}
	return nil
}

// KeysChanged returns the users whose device keys changed under scope after
// since, deduplicated.
func (s *Store) KeysChanged(scope string, since uint64) ([]string, error) {
	prefix := storage.JoinKey([]byte(scope), nil)
	from := append(append([]byte{}, prefix...), storage.EncodeCount(since+1)...)

	seen := make(map[string]struct{})
	var changed []string
	it := s.keyChangeID.Scan(prefix, from, false)
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		userID := string(value)
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		changed = append(changed, userID)
	}
	if err := it.Err(); err != nil {
		s.logError(opKeysChanged, "scan_failed", err, zap.String("scope", scope))
		return nil, err
	}
	return changed, nil
}

// SendToDevice queues an event for (userID, deviceID). The queue is lossy by
// contract: delivery happens on sync, removal on the following sync.
func (s *Store) SendToDevice(userID, deviceID string, event json.RawMessage) error {
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opToDevice, "count_failed", err)
		return err
	}
	key := storage.JoinKey([]byte(userID), []byte(deviceID), storage.EncodeCount(count))
	if err := s.toDeviceID.Insert(key, event); err != nil {
		s.logError(opToDevice, "write_failed", err,
			zap.String("user_id", userID),
			zap.String("device_id", deviceID))
		return err
	}
	return nil
}

// ToDeviceEvents returns every queued event for (userID, deviceID) in queue
// order.
func (s *Store) ToDeviceEvents(userID, deviceID string) ([]json.RawMessage, error) {
	prefix := storage.JoinKey([]byte(userID), []byte(deviceID), nil)
	var events []json.RawMessage
	it := s.toDeviceID.Scan(prefix, nil, false)
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		events = append(events, json.RawMessage(append([]byte{}, value...)))
	}
	if err := it.Err(); err != nil {
		s.logError(opToDevice, "scan_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	return events, nil
}

// RemoveToDeviceUntil deletes queued events for (userID, deviceID) up to and
// including the until counter.
func (s *Store) RemoveToDeviceUntil(userID, deviceID string, until uint64) error {
	prefix := storage.JoinKey([]byte(userID), []byte(deviceID), nil)
	var stale [][]byte
	it := s.toDeviceID.Scan(prefix, nil, false)
	for {
		key, _, ok := it.Next()
		if !ok {
			break
		}
		rest := key[len(prefix):]
		count, err := storage.DecodeCount(rest)
		if err != nil {
			s.logger.Warn("skipping malformed to-device key",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		if count > until {
			break
		}
		stale = append(stale, append([]byte{}, key...))
	}
	if err := it.Err(); err != nil {
		s.logError(opToDevice, "scan_failed", err, zap.String("user_id", userID))
		return err
	}
	for _, key := range stale {
		if err := s.toDeviceID.Remove(key); err != nil {
			s.logError(opToDevice, "remove_failed", err, zap.String("user_id", userID))
			return err
		}
	}
	return nil
}

// UpdateOneTimeKeyCounts stores the per-algorithm one-time-key counts for
// (userID, deviceID) and bumps the user's key-update cursor.
func (s *Store) UpdateOneTimeKeyCounts(userID, deviceID string, counts map[string]uint64) error {
	value, err := json.Marshal(counts)
	if err != nil {
		return errs.Validation("one-time-key counts cannot be serialized")
	}
	if err := s.oneTimeKeyCounts.Insert(userDeviceKey(userID, deviceID), value); err != nil {
		s.logError(opOneTimeKeys, "write_failed", err, zap.String("user_id", userID))
		return err
	}
	count, err := s.globals.NextCount()
	if err != nil {
		s.logError(opOneTimeKeys, "count_failed", err)
		return err
	}
	return s.lastOneTimeKeyUpdate.Insert([]byte(userID), storage.EncodeCount(count))
}

// OneTimeKeyCounts returns the stored per-algorithm counts for
// (userID, deviceID); missing records yield an empty map.
func (s *Store) OneTimeKeyCounts(userID, deviceID string) (map[string]uint64, error) {
	raw, err := s.oneTimeKeyCounts.Get(userDeviceKey(userID, deviceID))
	if err != nil {
		s.logError(opOneTimeKeys, "read_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	counts := make(map[string]uint64)
	if raw == nil {
		return counts, nil
	}
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, errs.BadDatabaseWrap("stored one-time-key counts are malformed", err)
	}
	return counts, nil
}

// LastOneTimeKeyUpdate returns the counter of userID's most recent
// one-time-key count change.
func (s *Store) LastOneTimeKeyUpdate(userID string) (uint64, error) {
	raw, err := s.lastOneTimeKeyUpdate.Get([]byte(userID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return storage.DecodeCount(raw)
}
