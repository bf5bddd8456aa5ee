// Package rooms maintains the per-room append-only event log, the compact
// state snapshots derived from it, and the mutation pipeline that is the only
// writer of new events.
package rooms

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("storage handle is required")
	errMissingGlobals = errors.New("globals handle is required")
	noOpLogger        = zap.NewNop()

	// markerValue tags presence-only keys. Empty blobs read back as nil
	// through the driver, which Get treats as absent.
	markerValue = []byte{1}
)

const (
	opAppend     = "rooms.append"
	opStateAt    = "rooms.state_at"
	opCreateRoom = "rooms.create_room"
	opUpgrade    = "rooms.upgrade_room"
)

// ProfileSource resolves user profile fields embedded into membership events.
type ProfileSource interface {
	Displayname(userID string) (string, error)
	AvatarURL(userID string) (string, error)
}

// Authorizer decides whether a candidate event is allowed against the current
// room state. External to the pipeline; the default implementation checks
// membership and power levels.
type Authorizer interface {
	Allowed(state map[StateKeyTuple]*PDU, candidate *PDU) error
}

// Config wires the room store.
type Config struct {
	Store      *storage.Store
	Globals    *globals.Globals
	Profiles   ProfileSource
	Authorizer Authorizer
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the event/PDU store, state resolver and mutation pipeline.
type Store struct {
	globals    *globals.Globals
	profiles   ProfileSource
	authorizer Authorizer
	clock      func() time.Time
	logger     *zap.Logger

	// room id ++ big-endian count -> event JSON, in append order
	pduidPDU *storage.Tree
	// event id -> pdu key
	eventidPDUID *storage.Tree
	// event id -> snapshot in effect after the event
	eventidSnapshot *storage.Tree
	// room id -> current snapshot
	roomidSnapshot *storage.Tree
	// snapshot id -> sorted state entry list
	snapshotState *storage.Tree
	// (type ++ state key) <-> interned short state key
	statekeyShort *storage.Tree
	shortStatekey *storage.Tree
	// event id -> redacting event id
	eventidRedactedBy *storage.Tree

	// membership bookkeeping
	userroomidJoined      *storage.Tree
	roomuseridJoined      *storage.Tree
	roomuseridInvited     *storage.Tree
	userroomidInviteCount *storage.Tree
	userroomidInviteState *storage.Tree
	userroomidLeftCount   *storage.Tree
	userroomidLeftState   *storage.Tree

	// aliases and directory visibility
	aliasRoomid   *storage.Tree
	roomidAliases *storage.Tree
	publicRoomids *storage.Tree

	stateCacheMu sync.Mutex
	stateCache   map[uint64]map[StateKeyTuple]*PDU
}

// New constructs the room store.
func New(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Globals == nil {
		return nil, errMissingGlobals
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	store := &Store{
		globals:    cfg.Globals,
		profiles:   cfg.Profiles,
		authorizer: cfg.Authorizer,
		clock:      clock,
		logger:     logger,

		pduidPDU:          cfg.Store.Tree("pduid_pdu"),
		eventidPDUID:      cfg.Store.Tree("eventid_pduid"),
		eventidSnapshot:   cfg.Store.Tree("eventid_snapshot"),
		roomidSnapshot:    cfg.Store.Tree("roomid_snapshot"),
		snapshotState:     cfg.Store.Tree("snapshot_state"),
		statekeyShort:     cfg.Store.Tree("statekey_short"),
		shortStatekey:     cfg.Store.Tree("short_statekey"),
		eventidRedactedBy: cfg.Store.Tree("eventid_redactedby"),

		userroomidJoined:      cfg.Store.Tree("userroomid_joined"),
		roomuseridJoined:      cfg.Store.Tree("roomuserid_joined"),
		roomuseridInvited:     cfg.Store.Tree("roomuserid_invited"),
		userroomidInviteCount: cfg.Store.Tree("userroomid_invitecount"),
		userroomidInviteState: cfg.Store.Tree("userroomid_invitestate"),
		userroomidLeftCount:   cfg.Store.Tree("userroomid_leftcount"),
		userroomidLeftState:   cfg.Store.Tree("userroomid_leftstate"),

		aliasRoomid:   cfg.Store.Tree("alias_roomid"),
		roomidAliases: cfg.Store.Tree("roomid_aliases"),
		publicRoomids: cfg.Store.Tree("publicroomids"),

		stateCache: make(map[uint64]map[StateKeyTuple]*PDU),
	}
	if store.authorizer == nil {
		store.authorizer = &powerLevelAuthorizer{}
	}
	return store, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("room store error", attrs...)
}

func pduKey(roomID string, count uint64) []byte {
	return storage.JoinKey([]byte(roomID), storage.EncodeCount(count))
}

func userRoomKey(userID, roomID string) []byte {
	return storage.JoinKey([]byte(userID), []byte(roomID))
}

func roomUserKey(roomID, userID string) []byte {
	return storage.JoinKey([]byte(roomID), []byte(userID))
}

func (s *Store) displayname(userID string) string {
	if s.profiles == nil {
		return ""
	}
	name, err := s.profiles.Displayname(userID)
	if err != nil {
		return ""
	}
	return name
}

func (s *Store) avatarURL(userID string) string {
	if s.profiles == nil {
		return ""
	}
	url, err := s.profiles.AvatarURL(userID)
	if err != nil {
		return ""
	}
	return url
}

func validRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room identifier is required")
	}
	return nil
}
