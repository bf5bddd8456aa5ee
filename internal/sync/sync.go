// Package sync computes per-device delta responses over the event timeline.
// Concurrent identical requests share one computation; the latest response per
// device is cached so an unchanged since replays it.
package sync

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/hankbao/conduit/internal/accountdata"
	"github.com/hankbao/conduit/internal/edus"
	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/rooms"
	"github.com/hankbao/conduit/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	opSync = "sync.sync"

	// timelineLimit caps how many events one response carries per room.
	timelineLimit = 10
	// heroLimit caps the room summary hero list.
	heroLimit = 5
	// defaultMaxWait bounds how long an empty sync blocks for new activity.
	defaultMaxWait = 30 * time.Second
)

// Request is one sync call.
type Request struct {
	UserID    string
	DeviceID  string
	Since     uint64
	FullState bool
	Timeout   time.Duration
}

// Config carries the dependencies for a Service.
type Config struct {
	Globals     *globals.Globals
	Rooms       *rooms.Store
	AccountData *accountdata.Store
	EDUs        *edus.Store
	Users       *users.Store
	MaxWait     time.Duration
	Logger      *zap.Logger
}

// Service owns the sync computation and its response cache.
type Service struct {
	globals     *globals.Globals
	rooms       *rooms.Store
	accountData *accountdata.Store
	edus        *edus.Store
	users       *users.Store
	maxWait     time.Duration
	logger      *zap.Logger

	group singleflight.Group

	mu stdsync.Mutex
	// cached holds the newest completed response per device, valid for one
	// exact since value.
	cached map[string]cachedResponse
	// latestSince tracks the since of the newest request per device so a
	// superseded computation does not reoccupy the cache slot.
	latestSince map[string]uint64
}

type cachedResponse struct {
	since    uint64
	response *Response
}

// NewService validates the configuration and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Globals == nil {
		return nil, errs.Validation("sync service requires globals")
	}
	if cfg.Rooms == nil {
		return nil, errs.Validation("sync service requires a room store")
	}
	if cfg.AccountData == nil {
		return nil, errs.Validation("sync service requires an account data store")
	}
	if cfg.EDUs == nil {
		return nil, errs.Validation("sync service requires an edu store")
	}
	if cfg.Users == nil {
		return nil, errs.Validation("sync service requires a user store")
	}
	if cfg.Logger == nil {
		return nil, errs.Validation("sync service requires a logger")
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &Service{
		globals:     cfg.Globals,
		rooms:       cfg.Rooms,
		accountData: cfg.AccountData,
		edus:        cfg.EDUs,
		users:       cfg.Users,
		maxWait:     maxWait,
		logger:      cfg.Logger,
		cached:      make(map[string]cachedResponse),
		latestSince: make(map[string]uint64),
	}, nil
}

func deviceKey(userID, deviceID string) string {
	return userID + "\x00" + deviceID
}

// Sync returns the delta for (user, device) after since. Identical concurrent
// requests attach to one computation; an identical since with a cached
// response short-circuits. An empty result blocks for new activity up to
// min(Timeout, 30s) unless FullState is set.
func (s *Service) Sync(ctx context.Context, req Request) (*Response, error) {
	key := deviceKey(req.UserID, req.DeviceID)

	s.mu.Lock()
	s.latestSince[key] = req.Since
	if cached, ok := s.cached[key]; ok && cached.since == req.Since {
		s.mu.Unlock()
		return cached.response, nil
	}
	s.mu.Unlock()

	flightKey := key + "\x00" + strconv.FormatUint(req.Since, 10)
	result, err, _ := s.group.Do(flightKey, func() (any, error) {
		response, cacheable, err := s.compute(ctx, req)
		if err != nil {
			s.logError(opSync, "compute_failed", err,
				zap.String("user_id", req.UserID),
				zap.String("device_id", req.DeviceID))
			return nil, err
		}
		if cacheable {
			s.mu.Lock()
			// A newer since supersedes this computation for caching; its
			// waiters still get the response below.
			if s.latestSince[key] == req.Since {
				s.cached[key] = cachedResponse{since: req.Since, response: response}
			}
			s.mu.Unlock()
		}
		return response, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
	s.logger.Error("sync operation failed", fields...)
}

// compute builds one response. The second return reports whether the result
// may occupy the cache slot; a response produced after blocking for activity
// may already be stale and is not cacheable.
func (s *Service) compute(ctx context.Context, req Request) (*Response, bool, error) {
	watermark, err := s.globals.CurrentCount()
	if err != nil {
		return nil, false, err
	}

	response := &Response{
		NextBatch: strconv.FormatUint(watermark, 10),
		Rooms: RoomsSection{
			Join:   make(map[string]JoinedRoom),
			Invite: make(map[string]InvitedRoom),
			Leave:  make(map[string]LeftRoom),
		},
	}

	// Deliver queued to-device events, dropping everything acknowledged by
	// the previous since first.
	if err := s.users.RemoveToDeviceUntil(req.UserID, req.DeviceID, req.Since); err != nil {
		return nil, false, err
	}
	toDevice, err := s.users.ToDeviceEvents(req.UserID, req.DeviceID)
	if err != nil {
		return nil, false, err
	}
	response.ToDevice.Events = toDevice

	deviceListChanged := newStringSet()
	deviceListLeft := newStringSet()
	presence := make(map[string]edus.PresenceEvent)

	// Users whose keys changed under the caller's own scope.
	selfChanged, err := s.users.KeysChanged(req.UserID, req.Since)
	if err != nil {
		return nil, false, err
	}
	deviceListChanged.addAll(selfChanged)

	joinedRooms, err := s.rooms.RoomsJoined(req.UserID)
	if err != nil {
		return nil, false, err
	}
	for _, roomID := range joinedRooms {
		joined, err := s.computeJoinedRoom(req, roomID, deviceListChanged, deviceListLeft, presence)
		if err != nil {
			return nil, false, err
		}
		if joined != nil {
			response.Rooms.Join[roomID] = *joined
		}
	}

	if err := s.fillLeftRooms(req, response); err != nil {
		return nil, false, err
	}
	if err := s.fillInvitedRooms(req, response); err != nil {
		return nil, false, err
	}

	response.Presence.Events = encodePresence(presence)

	globalData, err := s.accountData.ChangesSince("", req.UserID, req.Since)
	if err != nil {
		return nil, false, err
	}
	response.AccountData.Events = encodeAccountData(globalData)

	deviceListChanged.remove(req.UserID)
	deviceListLeft.remove(req.UserID)
	response.DeviceLists.Changed = deviceListChanged.sorted()
	response.DeviceLists.Left = deviceListLeft.sorted()

	lastOTK, err := s.users.LastOneTimeKeyUpdate(req.UserID)
	if err != nil {
		return nil, false, err
	}
	if lastOTK > req.Since {
		counts, err := s.users.OneTimeKeyCounts(req.UserID, req.DeviceID)
		if err != nil {
			return nil, false, err
		}
		response.DeviceOneTimeKeysCount = counts
	}

	if response.isEmpty() && !req.FullState {
		wait := req.Timeout
		if wait <= 0 || wait > s.maxWait {
			wait = s.maxWait
		}
		if err := s.globals.Wait(ctx, req.UserID, req.DeviceID, wait); err != nil {
			return nil, false, err
		}
		// The client re-syncs with the same since to pick up whatever woke
		// us, so this response must not occupy the cache.
		return response, false, nil
	}

	return response, true, nil
}

func encodePresence(presence map[string]edus.PresenceEvent) []json.RawMessage {
	if len(presence) == 0 {
		return nil
	}
	userIDs := make([]string, 0, len(presence))
	for userID := range presence {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	events := make([]json.RawMessage, 0, len(presence))
	for _, userID := range userIDs {
		event := struct {
			Type    string `json:"type"`
			Sender  string `json:"sender"`
			Content any    `json:"content"`
		}{
			Type:    "m.presence",
			Sender:  userID,
			Content: presence[userID],
		}
		encoded, err := json.Marshal(event)
		if err != nil {
			continue
		}
		events = append(events, encoded)
	}
	return events
}

func encodeAccountData(changes map[string]accountdata.Event) []json.RawMessage {
	if len(changes) == 0 {
		return nil
	}
	types := make([]string, 0, len(changes))
	for eventType := range changes {
		types = append(types, eventType)
	}
	sort.Strings(types)

	events := make([]json.RawMessage, 0, len(changes))
	for _, eventType := range types {
		encoded, err := json.Marshal(changes[eventType])
		if err != nil {
			continue
		}
		events = append(events, encoded)
	}
	return events
}

// stringSet is a tiny ordered-output set for device list accumulation.
type stringSet map[string]struct{}

func newStringSet() stringSet {
	return make(stringSet)
}

func (set stringSet) add(value string) {
	set[value] = struct{}{}
}

func (set stringSet) addAll(values []string) {
	for _, value := range values {
		set[value] = struct{}{}
	}
}

func (set stringSet) remove(value string) {
	delete(set, value)
}

func (set stringSet) sorted() []string {
	if len(set) == 0 {
		return nil
	}
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}
