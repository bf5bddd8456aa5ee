package rooms

import (
	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/storage"
)

// SetAlias points an alias at a room, or removes the alias when roomID is
// empty.
func (s *Store) SetAlias(alias, roomID string) error {
	if alias == "" {
		return errs.Validation("alias is required")
	}
	if roomID == "" {
		existing, err := s.aliasRoomid.Get([]byte(alias))
		if err != nil {
			return err
		}
		if existing == nil {
			return errs.NotFound("alias does not exist")
		}
		if err := s.aliasRoomid.Remove([]byte(alias)); err != nil {
			return err
		}
		return s.roomidAliases.Remove(storage.JoinKey(existing, []byte(alias)))
	}
	if err := s.aliasRoomid.Insert([]byte(alias), []byte(roomID)); err != nil {
		return err
	}
	return s.roomidAliases.Insert(storage.JoinKey([]byte(roomID), []byte(alias)), markerValue)
}

// ResolveAlias returns the room an alias points at, empty when unknown.
func (s *Store) ResolveAlias(alias string) (string, error) {
	value, err := s.aliasRoomid.Get([]byte(alias))
	if err != nil || value == nil {
		return "", err
	}
	return string(value), nil
}

// RoomAliases lists the aliases registered for the room.
func (s *Store) RoomAliases(roomID string) ([]string, error) {
	prefix := append([]byte(roomID), storage.Separator)
	iter := s.roomidAliases.Scan(prefix, nil, false)
	var aliases []string
	for {
		key, _, ok := iter.Next()
		if !ok {
			break
		}
		aliases = append(aliases, string(key[len(prefix):]))
	}
	return aliases, iter.Err()
}

// SetPublic toggles the room's directory visibility.
func (s *Store) SetPublic(roomID string, public bool) error {
	if public {
		return s.publicRoomids.Insert([]byte(roomID), markerValue)
	}
	return s.publicRoomids.Remove([]byte(roomID))
}

// IsPublic reports whether the room is listed in the public directory.
func (s *Store) IsPublic(roomID string) (bool, error) {
	value, err := s.publicRoomids.Get([]byte(roomID))
	return value != nil, err
}
