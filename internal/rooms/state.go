package rooms

import (
	"encoding/json"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

// NoSnapshot is the identifier of the empty state set: a room position before
// any state event. It is never registered.
const NoSnapshot uint64 = 0

const stateCacheLimit = 128

// stateEntry is one slot of a snapshot's entry list, ordered by the interned
// short state key.
type stateEntry struct {
	Key     uint64 `json:"k"`
	EventID string `json:"e"`
}

// StateChange is one changed slot between two snapshots.
type StateChange struct {
	Type     string
	StateKey string
	// Before is nil when the slot was absent in the older snapshot.
	Before *PDU
	// After is nil when the slot was removed (cannot happen through append,
	// kept for diff symmetry).
	After *PDU
}

// shortStateKey interns a (type, state key) pair, assigning a fresh id from
// the global counter on first sight when create is set.
func (s *Store) shortStateKey(eventType, stateKey string, create bool) (uint64, bool, error) {
	key := storage.JoinKey([]byte(eventType), []byte(stateKey))
	raw, err := s.statekeyShort.Get(key)
	if err != nil {
		return 0, false, err
	}
	if raw != nil {
		short, err := storage.DecodeCount(raw)
		return short, true, err
	}
	if !create {
		return 0, false, nil
	}
	short, err := s.globals.NextCount()
	if err != nil {
		return 0, false, err
	}
	if err := s.statekeyShort.Insert(key, storage.EncodeCount(short)); err != nil {
		return 0, false, err
	}
	if err := s.shortStatekey.Insert(storage.EncodeCount(short), key); err != nil {
		return 0, false, err
	}
	return short, true, nil
}

// resolveShortStateKey maps an interned id back to its (type, state key) pair.
func (s *Store) resolveShortStateKey(short uint64) (StateKeyTuple, error) {
	raw, err := s.shortStatekey.Get(storage.EncodeCount(short))
	if err != nil {
		return StateKeyTuple{}, err
	}
	if raw == nil {
		return StateKeyTuple{}, errs.BadDatabase("unknown short state key")
	}
	for i, b := range raw {
		if b == storage.Separator {
			return StateKeyTuple{Type: string(raw[:i]), StateKey: string(raw[i+1:])}, nil
		}
	}
	return StateKeyTuple{}, errs.BadDatabase("short state key registry entry is malformed")
}

// snapshotEntries loads a snapshot's sorted entry list. NoSnapshot resolves
// to the empty list.
func (s *Store) snapshotEntries(snapshot uint64) ([]stateEntry, error) {
	if snapshot == NoSnapshot {
		return nil, nil
	}
	raw, err := s.snapshotState.Get(storage.EncodeCount(snapshot))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errs.NotFound("unknown state snapshot")
	}
	var entries []stateEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.BadDatabaseWrap("state snapshot entry list is malformed", err)
	}
	return entries, nil
}

// registerSnapshot derives the content-addressed identifier of the entry set
// and persists the set under it. Equal sets collapse to one identifier no
// matter how they were reached.
func (s *Store) registerSnapshot(entries []stateEntry) (uint64, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	digest := xxhash.New()
	for _, entry := range entries {
		_, _ = digest.Write(storage.EncodeCount(entry.Key))
		_, _ = digest.WriteString(entry.EventID)
		_, _ = digest.Write([]byte{storage.Separator})
	}
	snapshot := digest.Sum64()
	if snapshot == NoSnapshot {
		// Reserve the zero identifier for the empty state set.
		snapshot = 1
	}

	key := storage.EncodeCount(snapshot)
	existing, err := s.snapshotState.Get(key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return snapshot, nil
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	if err := s.snapshotState.Insert(key, encoded); err != nil {
		return 0, err
	}
	return snapshot, nil
}

// CurrentSnapshot returns the room's latest state snapshot, or NoSnapshot
// when no state event was ever appended.
func (s *Store) CurrentSnapshot(roomID string) (uint64, error) {
	raw, err := s.roomidSnapshot.Get([]byte(roomID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return NoSnapshot, nil
	}
	return storage.DecodeCount(raw)
}

// SnapshotAfter returns the snapshot in effect after the given event, or
// NoSnapshot when the event predates every state event.
func (s *Store) SnapshotAfter(eventID string) (uint64, error) {
	raw, err := s.eventidSnapshot.Get([]byte(eventID))
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return NoSnapshot, nil
	}
	return storage.DecodeCount(raw)
}

// StateAt materializes the full (type, state key) -> event mapping of a
// snapshot. Frequently used snapshots are cached.
func (s *Store) StateAt(snapshot uint64) (map[StateKeyTuple]*PDU, error) {
	if snapshot == NoSnapshot {
		return map[StateKeyTuple]*PDU{}, nil
	}

	s.stateCacheMu.Lock()
	if cached, ok := s.stateCache[snapshot]; ok {
		s.stateCacheMu.Unlock()
		return cached, nil
	}
	s.stateCacheMu.Unlock()

	entries, err := s.snapshotEntries(snapshot)
	if err != nil {
		return nil, err
	}
	state := make(map[StateKeyTuple]*PDU, len(entries))
	for _, entry := range entries {
		tuple, err := s.resolveShortStateKey(entry.Key)
		if err != nil {
			return nil, err
		}
		pdu, err := s.GetPDU(entry.EventID)
		if err != nil {
			return nil, err
		}
		if pdu == nil {
			s.logError(opStateAt, "missing_state_event", nil, zap.String("event_id", entry.EventID))
			return nil, errs.BadDatabase("state snapshot references a missing event")
		}
		state[tuple] = pdu
	}

	s.stateCacheMu.Lock()
	if len(s.stateCache) >= stateCacheLimit {
		s.stateCache = make(map[uint64]map[StateKeyTuple]*PDU)
	}
	s.stateCache[snapshot] = state
	s.stateCacheMu.Unlock()

	return state, nil
}

// Diff returns the slots that differ between two snapshots, resolving events
// only for the changed keys. Diff(s, s) is always empty.
func (s *Store) Diff(before, after uint64) ([]StateChange, error) {
	if before == after {
		return nil, nil
	}
	beforeEntries, err := s.snapshotEntries(before)
	if err != nil {
		return nil, err
	}
	afterEntries, err := s.snapshotEntries(after)
	if err != nil {
		return nil, err
	}

	var changes []StateChange
	i, j := 0, 0
	for i < len(beforeEntries) || j < len(afterEntries) {
		switch {
		case j >= len(afterEntries) || (i < len(beforeEntries) && beforeEntries[i].Key < afterEntries[j].Key):
			change, err := s.resolveChange(beforeEntries[i].Key, beforeEntries[i].EventID, "")
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
			i++
		case i >= len(beforeEntries) || beforeEntries[i].Key > afterEntries[j].Key:
			change, err := s.resolveChange(afterEntries[j].Key, "", afterEntries[j].EventID)
			if err != nil {
				return nil, err
			}
			changes = append(changes, change)
			j++
		default:
			if beforeEntries[i].EventID != afterEntries[j].EventID {
				change, err := s.resolveChange(beforeEntries[i].Key, beforeEntries[i].EventID, afterEntries[j].EventID)
				if err != nil {
					return nil, err
				}
				changes = append(changes, change)
			}
			i++
			j++
		}
	}
	return changes, nil
}

func (s *Store) resolveChange(short uint64, beforeID, afterID string) (StateChange, error) {
	tuple, err := s.resolveShortStateKey(short)
	if err != nil {
		return StateChange{}, err
	}
	change := StateChange{Type: tuple.Type, StateKey: tuple.StateKey}
	if beforeID != "" {
		if change.Before, err = s.GetPDU(beforeID); err != nil {
			return StateChange{}, err
		}
	}
	if afterID != "" {
		if change.After, err = s.GetPDU(afterID); err != nil {
			return StateChange{}, err
		}
	}
	return change, nil
}

// StateGet looks up a single slot of the room's current state without
// materializing the rest.
func (s *Store) StateGet(roomID, eventType, stateKey string) (*PDU, error) {
	snapshot, err := s.CurrentSnapshot(roomID)
	if err != nil || snapshot == NoSnapshot {
		return nil, err
	}
	return s.stateGetAt(snapshot, eventType, stateKey)
}

func (s *Store) stateGetAt(snapshot uint64, eventType, stateKey string) (*PDU, error) {
	if snapshot == NoSnapshot {
		return nil, nil
	}
	short, known, err := s.shortStateKey(eventType, stateKey, false)
	if err != nil || !known {
		return nil, err
	}
	entries, err := s.snapshotEntries(snapshot)
	if err != nil {
		return nil, err
	}
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Key >= short })
	if idx >= len(entries) || entries[idx].Key != short {
		return nil, nil
	}
	return s.GetPDU(entries[idx].EventID)
}

// applyToState computes the snapshot reached by overwriting one slot of the
// previous snapshot with the new state event.
func (s *Store) applyToState(previous uint64, pdu *PDU) (uint64, error) {
	short, _, err := s.shortStateKey(pdu.Type, *pdu.StateKey, true)
	if err != nil {
		return 0, err
	}
	entries, err := s.snapshotEntries(previous)
	if err != nil {
		return 0, err
	}
	next := make([]stateEntry, 0, len(entries)+1)
	replaced := false
	for _, entry := range entries {
		if entry.Key == short {
			next = append(next, stateEntry{Key: short, EventID: pdu.EventID})
			replaced = true
			continue
		}
		next = append(next, entry)
	}
	if !replaced {
		next = append(next, stateEntry{Key: short, EventID: pdu.EventID})
	}
	return s.registerSnapshot(next)
}
