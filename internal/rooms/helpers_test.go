package rooms_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/rooms"
	"github.com/hankbao/conduit/internal/storage"
	"gorm.io/gorm"
)

const (
	testAlice = "@alice:test.local"
	testBob   = "@bob:test.local"
	testCarol = "@carol:test.local"
)

// fixedClock keeps event identifiers deterministic across a test.
var fixedClock = func() time.Time { return time.Unix(1700000000, 0) }

func newTestStore(testContext *testing.T) (*rooms.Store, *globals.Globals) {
	testContext.Helper()
	dsn := fmt.Sprintf("file:rooms_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store := storage.New(db)
	globalsService, err := globals.New(globals.Config{
		Store:           store,
		ServerName:      "test.local",
		AllowEncryption: true,
	})
	if err != nil {
		testContext.Fatalf("failed to build globals: %v", err)
	}
	roomStore, err := rooms.New(rooms.Config{
		Store:   store,
		Globals: globalsService,
		Clock:   fixedClock,
	})
	if err != nil {
		testContext.Fatalf("failed to build room store: %v", err)
	}
	return roomStore, globalsService
}

func mustCreateRoom(testContext *testing.T, store *rooms.Store, creator, preset string) string {
	testContext.Helper()
	roomID, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator: creator,
		Preset:  preset,
	})
	if err != nil {
		testContext.Fatalf("failed to create room: %v", err)
	}
	return roomID
}

func mustSendMessage(testContext *testing.T, store *rooms.Store, sender, roomID, body string) string {
	testContext.Helper()
	content := mustJSON(testContext, map[string]string{"msgtype": "m.text", "body": body})
	eventID, err := store.Send(sender, roomID, rooms.EventTypeMessage, content)
	if err != nil {
		testContext.Fatalf("failed to send message: %v", err)
	}
	return eventID
}

func mustJSON(testContext *testing.T, value any) json.RawMessage {
	testContext.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		testContext.Fatalf("failed to marshal: %v", err)
	}
	return encoded
}

// replayState folds every state event of the room in append order, keeping
// the last event per (type, state key).
func replayState(testContext *testing.T, store *rooms.Store, roomID string) map[rooms.StateKeyTuple]*rooms.PDU {
	testContext.Helper()
	replayed := make(map[rooms.StateKeyTuple]*rooms.PDU)
	it := store.AllPDUs(roomID)
	for {
		pdu, _, ok := it.Next()
		if !ok {
			break
		}
		if !pdu.IsState() {
			continue
		}
		replayed[rooms.StateKeyTuple{Type: pdu.Type, StateKey: *pdu.StateKey}] = pdu
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("timeline iteration failed: %v", err)
	}
	return replayed
}
