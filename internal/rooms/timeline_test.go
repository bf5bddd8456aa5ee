package rooms_test

import (
	"encoding/json"
	"testing"

	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/rooms"
)

func TestTimelineOrderAndCounts(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)

	first := mustSendMessage(testContext, store, testAlice, roomID, "first")
	second := mustSendMessage(testContext, store, testAlice, roomID, "second")

	firstCount, err := store.PDUCount(first)
	if err != nil {
		testContext.Fatalf("count lookup failed: %v", err)
	}
	secondCount, err := store.PDUCount(second)
	if err != nil {
		testContext.Fatalf("count lookup failed: %v", err)
	}
	if secondCount <= firstCount {
		testContext.Fatalf("counts must grow with append order: %d then %d", firstCount, secondCount)
	}

	it := store.PDUsAfter(roomID, firstCount)
	pdu, count, ok := it.Next()
	if !ok || pdu.EventID != second || count != secondCount {
		testContext.Fatalf("expected %s at %d after the first message, got %v", second, secondCount, pdu)
	}
	if _, _, ok := it.Next(); ok {
		testContext.Fatal("nothing should follow the second message")
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("iteration failed: %v", err)
	}
}

func TestPDUsBeforeWalksBackwards(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)
	for _, body := range []string{"a", "b", "c"} {
		mustSendMessage(testContext, store, testAlice, roomID, body)
	}

	var bodies []string
	it := store.PDUsBefore(roomID, ^uint64(0))
	for {
		pdu, _, ok := it.Next()
		if !ok {
			break
		}
		if pdu.Type != rooms.EventTypeMessage {
			continue
		}
		var content struct {
			Body string `json:"body"`
		}
		if err := json.Unmarshal(pdu.Content, &content); err != nil {
			testContext.Fatalf("message content malformed: %v", err)
		}
		bodies = append(bodies, content.Body)
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("iteration failed: %v", err)
	}
	if len(bodies) != 3 || bodies[0] != "c" || bodies[2] != "a" {
		testContext.Fatalf("expected reverse order c,b,a, got %v", bodies)
	}
}

func TestRedactionEmptiesContentWithoutRewriting(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)
	target := mustSendMessage(testContext, store, testAlice, roomID, "regrettable")

	if _, err := store.Redact(testAlice, roomID, target, "mistake"); err != nil {
		testContext.Fatalf("redact failed: %v", err)
	}

	pdu, err := store.GetPDU(target)
	if err != nil {
		testContext.Fatalf("get pdu failed: %v", err)
	}
	if pdu == nil {
		testContext.Fatal("redacted event must stay retrievable")
	}
	if string(pdu.Content) != "{}" {
		testContext.Fatalf("redacted message content must be empty, got %s", pdu.Content)
	}
	if pdu.EventID != target {
		testContext.Fatalf("identifier must survive redaction, got %s", pdu.EventID)
	}
}

func TestRedactionRequiresPower(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPublicChat)
	target := mustSendMessage(testContext, store, testAlice, roomID, "protected")
	if _, err := store.JoinRoom(testBob, roomID); err != nil {
		testContext.Fatalf("join failed: %v", err)
	}

	if _, err := store.Redact(testBob, roomID, target, "vandalism"); !errs.IsForbidden(err) {
		testContext.Fatalf("redacting another user's event needs power level 50, got %v", err)
	}
}

func TestSendRequiresMembership(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)

	if _, err := store.Send(testBob, roomID, rooms.EventTypeMessage, mustJSON(testContext, map[string]string{"body": "hi"})); !errs.IsForbidden(err) {
		testContext.Fatalf("non-members must not send, got %v", err)
	}
}

func TestStateChangeRequiresPower(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPublicChat)
	if _, err := store.JoinRoom(testBob, roomID); err != nil {
		testContext.Fatalf("join failed: %v", err)
	}

	rename := mustJSON(testContext, map[string]string{"name": "mine now"})
	if _, err := store.SetState(testBob, roomID, rooms.EventTypeName, "", rename); !errs.IsForbidden(err) {
		testContext.Fatalf("state changes need power level 50, got %v", err)
	}
	if _, err := store.SetState(testAlice, roomID, rooms.EventTypeName, "", rename); err != nil {
		testContext.Fatalf("the creator holds 100 and may rename: %v", err)
	}
}

func TestAliasLifecycle(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)

	if err := store.SetAlias("#attic:test.local", roomID); err != nil {
		testContext.Fatalf("set alias failed: %v", err)
	}
	aliases, err := store.RoomAliases(roomID)
	if err != nil || len(aliases) != 1 || aliases[0] != "#attic:test.local" {
		testContext.Fatalf("expected one alias, got %v (%v)", aliases, err)
	}

	if err := store.SetAlias("#attic:test.local", ""); err != nil {
		testContext.Fatalf("remove alias failed: %v", err)
	}
	resolved, err := store.ResolveAlias("#attic:test.local")
	if err != nil || resolved != "" {
		testContext.Fatalf("removed alias must not resolve, got %q (%v)", resolved, err)
	}
	if err := store.SetAlias("#attic:test.local", ""); !errs.IsNotFound(err) {
		testContext.Fatalf("removing an absent alias reports not found, got %v", err)
	}
}
