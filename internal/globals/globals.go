// Package globals owns the deployment-wide sequence counter, the per-room
// exclusive locks guarding state transitions, and the wake channel long-poll
// sync requests block on.
package globals

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hankbao/conduit/internal/storage"
)

var (
	errMissingStore      = errors.New("storage handle is required")
	errMissingServerName = errors.New("server name is required")
)

var countKey = []byte("count")

// Config wires the globals service.
type Config struct {
	Store           *storage.Store
	ServerName      string
	AllowEncryption bool
}

// Globals issues globally ordered counts and hands out room locks. One
// instance per process.
type Globals struct {
	tree            *storage.Tree
	serverName      string
	allowEncryption bool

	roomLocksMu sync.Mutex
	roomLocks   map[string]*RoomLockHandle

	watchersMu  sync.Mutex
	watchers    map[string]map[int64]*watcher
	nextWatcher int64
}

type watcher struct {
	device string
	signal chan struct{}
}

// New constructs the globals service.
func New(cfg Config) (*Globals, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.ServerName == "" {
		return nil, errMissingServerName
	}
	return &Globals{
		tree:            cfg.Store.Tree("global"),
		serverName:      cfg.ServerName,
		allowEncryption: cfg.AllowEncryption,
		roomLocks:       make(map[string]*RoomLockHandle),
		watchers:        make(map[string]map[int64]*watcher),
	}, nil
}

// ServerName returns the configured server name.
func (g *Globals) ServerName() string {
	return g.serverName
}

// AllowEncryption reports whether encryption state events may be appended.
func (g *Globals) AllowEncryption() bool {
	return g.allowEncryption
}

// NextCount issues the next value of the strictly monotonic global counter.
// Counts are never reused.
func (g *Globals) NextCount() (uint64, error) {
	return g.tree.Increment(countKey)
}

// CurrentCount peeks at the latest issued count without advancing it.
func (g *Globals) CurrentCount() (uint64, error) {
	raw, err := g.tree.Get(countKey)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return storage.DecodeCount(raw)
}

// RoomLockHandle is the exclusive lock for one room. Handles are created
// lazily and retained for the process lifetime, bounded by the number of
// distinct rooms ever touched.
type RoomLockHandle struct {
	roomID string
	mu     sync.Mutex
}

// RoomLock returns the lock handle for the room, creating it on first use.
func (g *Globals) RoomLock(roomID string) *RoomLockHandle {
	g.roomLocksMu.Lock()
	defer g.roomLocksMu.Unlock()
	handle, ok := g.roomLocks[roomID]
	if !ok {
		handle = &RoomLockHandle{roomID: roomID}
		g.roomLocks[roomID] = handle
	}
	return handle
}

// Lock acquires the room's exclusive lock and returns the capability proving
// it is held. Appends require the capability, so unlocked writes cannot
// compile by accident.
func (h *RoomLockHandle) Lock() *StateLock {
	h.mu.Lock()
	return &StateLock{handle: h}
}

// StateLock proves its holder owns the room's exclusive lock. It is not
// re-derivable: the only way to obtain one is through RoomLockHandle.Lock.
type StateLock struct {
	handle   *RoomLockHandle
	released bool
}

// RoomID names the room this capability covers.
func (l *StateLock) RoomID() string {
	return l.handle.roomID
}

// Unlock releases the room lock. Further use of the capability is invalid.
func (l *StateLock) Unlock() {
	if l.released {
		return
	}
	l.released = true
	l.handle.mu.Unlock()
}

// Notify wakes sync waiters for the user. An empty device wakes every device
// of that user; a non-empty device wakes only matching waiters.
func (g *Globals) Notify(userID, deviceID string) {
	g.watchersMu.Lock()
	targets := make([]chan struct{}, 0, 4)
	for _, w := range g.watchers[userID] {
		if deviceID == "" || w.device == deviceID {
			targets = append(targets, w.signal)
		}
	}
	g.watchersMu.Unlock()

	for _, signal := range targets {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the (user, device) pair is notified, the timeout elapses
// or the context is cancelled. An elapsed timeout is not an error.
func (g *Globals) Wait(ctx context.Context, userID, deviceID string, timeout time.Duration) error {
	w := &watcher{device: deviceID, signal: make(chan struct{}, 1)}

	g.watchersMu.Lock()
	if _, ok := g.watchers[userID]; !ok {
		g.watchers[userID] = make(map[int64]*watcher)
	}
	g.nextWatcher++
	id := g.nextWatcher
	g.watchers[userID][id] = w
	g.watchersMu.Unlock()

	defer func() {
		g.watchersMu.Lock()
		delete(g.watchers[userID], id)
		if len(g.watchers[userID]) == 0 {
			delete(g.watchers, userID)
		}
		g.watchersMu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.signal:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
