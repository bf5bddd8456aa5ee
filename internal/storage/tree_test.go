package storage_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hankbao/conduit/internal/storage"
	"gorm.io/gorm"
)

func newTestStore(testContext *testing.T) *storage.Store {
	testContext.Helper()
	dsn := fmt.Sprintf("file:storage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&storage.Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return storage.New(db)
}

func TestTreeInsertGetRemove(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("alpha")

	value, err := tree.Get([]byte("missing"))
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if value != nil {
		testContext.Fatalf("expected nil for missing key, got %q", value)
	}

	if err := tree.Insert([]byte("key"), []byte("one")); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if err := tree.Insert([]byte("key"), []byte("two")); err != nil {
		testContext.Fatalf("overwrite failed: %v", err)
	}
	value, err = tree.Get([]byte("key"))
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if string(value) != "two" {
		testContext.Fatalf("expected overwritten value, got %q", value)
	}

	if err := tree.Remove([]byte("key")); err != nil {
		testContext.Fatalf("remove failed: %v", err)
	}
	value, err = tree.Get([]byte("key"))
	if err != nil {
		testContext.Fatalf("get after remove failed: %v", err)
	}
	if value != nil {
		testContext.Fatalf("expected nil after remove, got %q", value)
	}

	if err := tree.Remove([]byte("key")); err != nil {
		testContext.Fatalf("removing absent key should not fail: %v", err)
	}
}

func TestMarkerValuesReadBackPresent(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("markers")

	if err := tree.Insert([]byte("present"), []byte{1}); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	value, err := tree.Get([]byte("present"))
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if value == nil {
		testContext.Fatal("a single-byte marker must read back non-nil")
	}
}

func TestTreesAreIsolated(testContext *testing.T) {
	store := newTestStore(testContext)
	first := store.Tree("first")
	second := store.Tree("second")

	if err := first.Insert([]byte("shared"), []byte("first-value")); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	value, err := second.Get([]byte("shared"))
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if value != nil {
		testContext.Fatalf("key leaked across trees: %q", value)
	}
}

func TestIncrementIsMonotonic(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("counter")

	for expected := uint64(1); expected <= 5; expected++ {
		count, err := tree.Increment([]byte("count"))
		if err != nil {
			testContext.Fatalf("increment failed: %v", err)
		}
		if count != expected {
			testContext.Fatalf("expected count %d, got %d", expected, count)
		}
	}
}

func TestScanRespectsCounterOrder(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("timeline")

	// Insert out of numeric order; byte order must restore it.
	for _, count := range []uint64{300, 2, 255, 1, 256} {
		key := append([]byte("room"), storage.Separator)
		key = append(key, storage.EncodeCount(count)...)
		if err := tree.Insert(key, storage.EncodeCount(count)); err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
	}

	prefix := append([]byte("room"), storage.Separator)
	var forward []uint64
	it := tree.Scan(prefix, nil, false)
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		count, err := storage.DecodeCount(value)
		if err != nil {
			testContext.Fatalf("decode failed: %v", err)
		}
		forward = append(forward, count)
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("scan failed: %v", err)
	}
	expected := []uint64{1, 2, 255, 256, 300}
	if len(forward) != len(expected) {
		testContext.Fatalf("expected %d entries, got %d", len(expected), len(forward))
	}
	for index, count := range expected {
		if forward[index] != count {
			testContext.Fatalf("position %d: expected %d, got %d", index, count, forward[index])
		}
	}

	var reverse []uint64
	it = tree.Scan(prefix, nil, true)
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		count, err := storage.DecodeCount(value)
		if err != nil {
			testContext.Fatalf("decode failed: %v", err)
		}
		reverse = append(reverse, count)
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("reverse scan failed: %v", err)
	}
	for index := range expected {
		if reverse[index] != expected[len(expected)-1-index] {
			testContext.Fatalf("reverse position %d: got %d", index, reverse[index])
		}
	}
}

func TestScanFromStartsMidRange(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("ranged")

	prefix := append([]byte("room"), storage.Separator)
	for count := uint64(1); count <= 10; count++ {
		key := append(append([]byte{}, prefix...), storage.EncodeCount(count)...)
		if err := tree.Insert(key, storage.EncodeCount(count)); err != nil {
			testContext.Fatalf("insert failed: %v", err)
		}
	}

	from := append(append([]byte{}, prefix...), storage.EncodeCount(4)...)
	it := tree.Scan(prefix, from, false)
	var got []uint64
	for {
		_, value, ok := it.Next()
		if !ok {
			break
		}
		count, err := storage.DecodeCount(value)
		if err != nil {
			testContext.Fatalf("decode failed: %v", err)
		}
		got = append(got, count)
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("scan failed: %v", err)
	}
	if len(got) != 7 || got[0] != 4 || got[len(got)-1] != 10 {
		testContext.Fatalf("expected counts 4..10, got %v", got)
	}
}

func TestScanStopsAtPrefixBoundary(testContext *testing.T) {
	store := newTestStore(testContext)
	tree := store.Tree("bounded")

	if err := tree.Insert(storage.JoinKey([]byte("roomA"), []byte("x")), []byte("a")); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}
	if err := tree.Insert(storage.JoinKey([]byte("roomB"), []byte("y")), []byte("b")); err != nil {
		testContext.Fatalf("insert failed: %v", err)
	}

	prefix := storage.JoinKey([]byte("roomA"), nil)
	it := tree.Scan(prefix, nil, false)
	var keys [][]byte
	for {
		key, _, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, append([]byte{}, key...))
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("scan failed: %v", err)
	}
	if len(keys) != 1 || !bytes.HasPrefix(keys[0], prefix) {
		testContext.Fatalf("expected only roomA keys, got %v", keys)
	}
}

func TestJoinKeyLayout(testContext *testing.T) {
	key := storage.JoinKey([]byte("a"), []byte("b"))
	expected := []byte{'a', storage.Separator, 'b'}
	if !bytes.Equal(key, expected) {
		testContext.Fatalf("unexpected key layout: %v", key)
	}
}
