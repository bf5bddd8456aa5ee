package rooms_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hankbao/conduit/internal/rooms"
)

func TestPrivateChatInitialState(testContext *testing.T) {
	store, globalsService := newTestStore(testContext)
	roomID := mustCreateRoom(testContext, store, testAlice, rooms.PresetPrivateChat)

	if !strings.HasSuffix(roomID, ":"+globalsService.ServerName()) {
		testContext.Fatalf("room id must carry the server name: %s", roomID)
	}

	var appended []*rooms.PDU
	it := store.AllPDUs(roomID)
	for {
		pdu, _, ok := it.Next()
		if !ok {
			break
		}
		appended = append(appended, pdu)
	}
	if err := it.Err(); err != nil {
		testContext.Fatalf("timeline iteration failed: %v", err)
	}

	expectedTypes := []string{
		rooms.EventTypeCreate,
		rooms.EventTypeMember,
		rooms.EventTypePowerLevels,
		rooms.EventTypeJoinRules,
		rooms.EventTypeHistoryVisibility,
		rooms.EventTypeGuestAccess,
	}
	if len(appended) != len(expectedTypes) {
		testContext.Fatalf("expected %d events, got %d", len(expectedTypes), len(appended))
	}
	for index, eventType := range expectedTypes {
		if appended[index].Type != eventType {
			testContext.Fatalf("position %d: expected %s, got %s", index, eventType, appended[index].Type)
		}
		if !appended[index].IsState() {
			testContext.Fatalf("position %d: %s must be a state event", index, eventType)
		}
	}

	if membership, err := appended[1].Membership(); err != nil || membership != rooms.MembershipJoin {
		testContext.Fatalf("second event must be the creator's join, got %q (%v)", membership, err)
	}

	var levels rooms.PowerLevelsContent
	if err := json.Unmarshal(appended[2].Content, &levels); err != nil {
		testContext.Fatalf("power levels content malformed: %v", err)
	}
	if levels.Users[testAlice] != 100 {
		testContext.Fatalf("creator must hold power level 100, got %d", levels.Users[testAlice])
	}

	assertStateContent(testContext, store, roomID, rooms.EventTypeJoinRules, "join_rule", "invite")
	assertStateContent(testContext, store, roomID, rooms.EventTypeHistoryVisibility, "history_visibility", "shared")
	assertStateContent(testContext, store, roomID, rooms.EventTypeGuestAccess, "guest_access", "forbidden")
}

func TestPublicChatPresets(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator:    testAlice,
		Visibility: rooms.VisibilityPublic,
	})
	if err != nil {
		testContext.Fatalf("failed to create room: %v", err)
	}

	assertStateContent(testContext, store, roomID, rooms.EventTypeJoinRules, "join_rule", "public")
	assertStateContent(testContext, store, roomID, rooms.EventTypeGuestAccess, "guest_access", "can_join")

	public, err := store.IsPublic(roomID)
	if err != nil {
		testContext.Fatalf("is public failed: %v", err)
	}
	if !public {
		testContext.Fatal("public visibility must list the room in the directory")
	}
}

func TestCreateRoomWithAliasNameAndInvites(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator:        testAlice,
		Preset:         rooms.PresetPrivateChat,
		AliasLocalpart: "den",
		Name:           "The Den",
		Topic:          "cozy",
		Invites:        []string{testBob},
	})
	if err != nil {
		testContext.Fatalf("failed to create room: %v", err)
	}

	resolved, err := store.ResolveAlias("#den:test.local")
	if err != nil {
		testContext.Fatalf("resolve alias failed: %v", err)
	}
	if resolved != roomID {
		testContext.Fatalf("alias resolves to %s, expected %s", resolved, roomID)
	}

	assertStateContent(testContext, store, roomID, rooms.EventTypeName, "name", "The Den")
	assertStateContent(testContext, store, roomID, rooms.EventTypeTopic, "topic", "cozy")

	invited, err := store.IsInvited(testBob, roomID)
	if err != nil {
		testContext.Fatalf("is invited failed: %v", err)
	}
	if !invited {
		testContext.Fatal("invitee must be recorded as invited")
	}
}

func TestCreateRoomRejectsTakenAlias(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	if _, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator:        testAlice,
		AliasLocalpart: "shared",
	}); err != nil {
		testContext.Fatalf("first room failed: %v", err)
	}
	if _, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator:        testBob,
		AliasLocalpart: "shared",
	}); err == nil {
		testContext.Fatal("expected alias conflict error")
	}
}

func TestTrustedPrivateChatPromotesInvitees(testContext *testing.T) {
	store, _ := newTestStore(testContext)
	roomID, err := store.CreateRoom(rooms.CreateRoomRequest{
		Creator: testAlice,
		Preset:  rooms.PresetTrustedPrivateChat,
		Invites: []string{testBob},
	})
	if err != nil {
		testContext.Fatalf("failed to create room: %v", err)
	}

	levelsPDU, err := store.StateGet(roomID, rooms.EventTypePowerLevels, "")
	if err != nil {
		testContext.Fatalf("state get failed: %v", err)
	}
	var levels rooms.PowerLevelsContent
	if err := json.Unmarshal(levelsPDU.Content, &levels); err != nil {
		testContext.Fatalf("power levels content malformed: %v", err)
	}
	if levels.Users[testBob] != 100 {
		testContext.Fatalf("trusted chat invitee must hold power level 100, got %d", levels.Users[testBob])
	}
}

func assertStateContent(testContext *testing.T, store *rooms.Store, roomID, eventType, field, expected string) {
	testContext.Helper()
	pdu, err := store.StateGet(roomID, eventType, "")
	if err != nil {
		testContext.Fatalf("state get %s failed: %v", eventType, err)
	}
	if pdu == nil {
		testContext.Fatalf("missing state event %s", eventType)
	}
	var content map[string]json.RawMessage
	if err := json.Unmarshal(pdu.Content, &content); err != nil {
		testContext.Fatalf("content of %s malformed: %v", eventType, err)
	}
	var got string
	if err := json.Unmarshal(content[field], &got); err != nil {
		testContext.Fatalf("field %s of %s malformed: %v", field, eventType, err)
	}
	if got != expected {
		testContext.Fatalf("%s.%s: expected %q, got %q", eventType, field, expected, got)
	}
}
