package users_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/storage"
	"github.com/hankbao/conduit/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAlice = "@alice:test.local"
	testBob   = "@bob:test.local"
)

func newTestStore(testContext *testing.T) (*users.Store, *globals.Globals) {
	testContext.Helper()
	dsn := fmt.Sprintf("file:users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store := storage.New(db)
	globalsService, err := globals.New(globals.Config{Store: store, ServerName: "test.local"})
	if err != nil {
		testContext.Fatalf("failed to build globals: %v", err)
	}
	userStore, err := users.NewStore(users.Config{
		Store:   store,
		Globals: globalsService,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build user store: %v", err)
	}
	return userStore, globalsService
}

func TestEnsureAccount(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	exists, err := userStore.Exists(testAlice)
	if err != nil || exists {
		testContext.Fatalf("unknown user must not exist, got %v (%v)", exists, err)
	}
	if err := userStore.EnsureAccount(testAlice); err != nil {
		testContext.Fatalf("ensure account failed: %v", err)
	}
	if err := userStore.EnsureAccount(testAlice); err != nil {
		testContext.Fatalf("ensure account must be idempotent: %v", err)
	}
	exists, err = userStore.Exists(testAlice)
	if err != nil || !exists {
		testContext.Fatalf("registered user must exist, got %v (%v)", exists, err)
	}

	if err := userStore.EnsureAccount(""); !errs.IsValidation(err) {
		testContext.Fatalf("empty user id must be rejected, got %v", err)
	}
}

func TestProfileRoundTrip(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	if err := userStore.SetDisplayname(testAlice, "Alice"); err != nil {
		testContext.Fatalf("set displayname failed: %v", err)
	}
	if err := userStore.SetAvatarURL(testAlice, "mxc://test.local/abc"); err != nil {
		testContext.Fatalf("set avatar failed: %v", err)
	}

	name, err := userStore.Displayname(testAlice)
	if err != nil || name != "Alice" {
		testContext.Fatalf("expected displayname Alice, got %q (%v)", name, err)
	}
	avatar, err := userStore.AvatarURL(testAlice)
	if err != nil || avatar != "mxc://test.local/abc" {
		testContext.Fatalf("expected avatar url, got %q (%v)", avatar, err)
	}

	name, err = userStore.Displayname(testBob)
	if err != nil || name != "" {
		testContext.Fatalf("unset displayname must be empty, got %q (%v)", name, err)
	}
}

func TestDeviceLifecycle(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	if err := userStore.AddDevice(testAlice, "LAPTOP", "work laptop"); err != nil {
		testContext.Fatalf("add device failed: %v", err)
	}
	if err := userStore.AddDevice(testAlice, "PHONE", ""); err != nil {
		testContext.Fatalf("add device failed: %v", err)
	}

	devices, err := userStore.Devices(testAlice)
	if err != nil || len(devices) != 2 {
		testContext.Fatalf("expected two devices, got %v (%v)", devices, err)
	}
	has, err := userStore.HasDevice(testAlice, "LAPTOP")
	if err != nil || !has {
		testContext.Fatalf("expected LAPTOP present, got %v (%v)", has, err)
	}

	if err := userStore.RemoveDevice(testAlice, "LAPTOP"); err != nil {
		testContext.Fatalf("remove device failed: %v", err)
	}
	has, err = userStore.HasDevice(testAlice, "LAPTOP")
	if err != nil || has {
		testContext.Fatalf("removed device must be gone, got %v (%v)", has, err)
	}
}

func TestKeysChangedDeduplicates(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	if err := userStore.MarkKeysChanged(testAlice, testAlice); err != nil {
		testContext.Fatalf("mark keys changed failed: %v", err)
	}
	if err := userStore.MarkKeysChanged(testAlice, testAlice); err != nil {
		testContext.Fatalf("mark keys changed failed: %v", err)
	}
	if err := userStore.MarkKeysChanged(testAlice, testBob); err != nil {
		testContext.Fatalf("mark keys changed failed: %v", err)
	}

	changed, err := userStore.KeysChanged(testAlice, 0)
	if err != nil {
		testContext.Fatalf("keys changed failed: %v", err)
	}
	if len(changed) != 2 {
		testContext.Fatalf("repeated marks must collapse to one entry per user, got %v", changed)
	}
}

func TestKeysChangedScopesAreIndependent(testContext *testing.T) {
	userStore, globalsService := newTestStore(testContext)

	if err := userStore.MarkKeysChanged("!room:test.local", testAlice); err != nil {
		testContext.Fatalf("mark keys changed failed: %v", err)
	}
	watermark, err := globalsService.CurrentCount()
	if err != nil {
		testContext.Fatalf("current count failed: %v", err)
	}
	if err := userStore.MarkKeysChanged("!room:test.local", testBob); err != nil {
		testContext.Fatalf("mark keys changed failed: %v", err)
	}

	changed, err := userStore.KeysChanged("!other:test.local", 0)
	if err != nil || len(changed) != 0 {
		testContext.Fatalf("scopes must not leak, got %v (%v)", changed, err)
	}
	changed, err = userStore.KeysChanged("!room:test.local", watermark)
	if err != nil || len(changed) != 1 || changed[0] != testBob {
		testContext.Fatalf("expected only bob after the watermark, got %v (%v)", changed, err)
	}
}

func TestToDeviceQueueDrainsExactlyOnce(testContext *testing.T) {
	userStore, globalsService := newTestStore(testContext)

	for i := 0; i < 3; i++ {
		event := json.RawMessage(fmt.Sprintf(`{"type":"m.test","content":{"n":%d}}`, i))
		if err := userStore.SendToDevice(testAlice, "PHONE", event); err != nil {
			testContext.Fatalf("send to device failed: %v", err)
		}
	}

	events, err := userStore.ToDeviceEvents(testAlice, "PHONE")
	if err != nil || len(events) != 3 {
		testContext.Fatalf("expected three queued events, got %v (%v)", events, err)
	}

	// Acknowledging at the current counter drains the queue.
	watermark, err := globalsService.CurrentCount()
	if err != nil {
		testContext.Fatalf("current count failed: %v", err)
	}
	if err := userStore.RemoveToDeviceUntil(testAlice, "PHONE", watermark); err != nil {
		testContext.Fatalf("remove until failed: %v", err)
	}
	events, err = userStore.ToDeviceEvents(testAlice, "PHONE")
	if err != nil || len(events) != 0 {
		testContext.Fatalf("acknowledged events must be gone, got %v (%v)", events, err)
	}
}

func TestToDeviceQueueIsPerDevice(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	if err := userStore.SendToDevice(testAlice, "PHONE", json.RawMessage(`{"a":1}`)); err != nil {
		testContext.Fatalf("send to device failed: %v", err)
	}
	events, err := userStore.ToDeviceEvents(testAlice, "LAPTOP")
	if err != nil || len(events) != 0 {
		testContext.Fatalf("other devices must see nothing, got %v (%v)", events, err)
	}
}

func TestRemoveDeviceClearsQueueAndKeys(testContext *testing.T) {
	userStore, _ := newTestStore(testContext)

	if err := userStore.AddDevice(testAlice, "PHONE", ""); err != nil {
		testContext.Fatalf("add device failed: %v", err)
	}
	if err := userStore.SendToDevice(testAlice, "PHONE", json.RawMessage(`{"a":1}`)); err != nil {
		testContext.Fatalf("send to device failed: %v", err)
	}
	if err := userStore.UpdateOneTimeKeyCounts(testAlice, "PHONE", map[string]uint64{"signed_curve25519": 7}); err != nil {
		testContext.Fatalf("update otk counts failed: %v", err)
	}

	if err := userStore.RemoveDevice(testAlice, "PHONE"); err != nil {
		testContext.Fatalf("remove device failed: %v", err)
	}
	events, err := userStore.ToDeviceEvents(testAlice, "PHONE")
	if err != nil || len(events) != 0 {
		testContext.Fatalf("removing a device must drop its queue, got %v (%v)", events, err)
	}
	counts, err := userStore.OneTimeKeyCounts(testAlice, "PHONE")
	if err != nil || len(counts) != 0 {
		testContext.Fatalf("removing a device must drop its key counts, got %v (%v)", counts, err)
	}
}

func TestOneTimeKeyCounts(testContext *testing.T) {
	userStore, globalsService := newTestStore(testContext)

	watermark, err := globalsService.CurrentCount()
	if err != nil {
		testContext.Fatalf("current count failed: %v", err)
	}
	if err := userStore.UpdateOneTimeKeyCounts(testAlice, "PHONE", map[string]uint64{"signed_curve25519": 50}); err != nil {
		testContext.Fatalf("update otk counts failed: %v", err)
	}

	counts, err := userStore.OneTimeKeyCounts(testAlice, "PHONE")
	if err != nil {
		testContext.Fatalf("otk counts failed: %v", err)
	}
	if counts["signed_curve25519"] != 50 {
		testContext.Fatalf("expected 50 keys, got %v", counts)
	}

	update, err := userStore.LastOneTimeKeyUpdate(testAlice)
	if err != nil {
		testContext.Fatalf("last otk update failed: %v", err)
	}
	if update <= watermark {
		testContext.Fatalf("key uploads must move the cursor past %d, got %d", watermark, update)
	}
}
