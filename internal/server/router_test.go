package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/hankbao/conduit/internal/accountdata"
	"github.com/hankbao/conduit/internal/auth"
	"github.com/hankbao/conduit/internal/edus"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/rooms"
	"github.com/hankbao/conduit/internal/server"
	"github.com/hankbao/conduit/internal/storage"
	syncsvc "github.com/hankbao/conduit/internal/sync"
	"github.com/hankbao/conduit/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAlice  = "@alice:test.local"
	testBob    = "@bob:test.local"
	testDevice = "LAPTOP"
)

type testStack struct {
	handler http.Handler
	users   *users.Store
}

func newTestHandler(testContext *testing.T) http.Handler {
	testContext.Helper()
	return newTestStack(testContext).handler
}

func newTestStack(testContext *testing.T) *testStack {
	testContext.Helper()
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	logger := zap.NewNop()
	userStore, err := users.NewStore(users.Config{Store: store, Globals: globalsService, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build user store: %v", err)
	}
	roomStore, err := rooms.New(rooms.Config{Store: store, Globals: globalsService, Profiles: userStore})
	if err != nil {
		testContext.Fatalf("failed to build room store: %v", err)
	}
	dataStore, err := accountdata.NewStore(accountdata.Config{Store: store, Globals: globalsService, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build account data store: %v", err)
	}
	eduStore, err := edus.NewStore(edus.Config{Store: store, Globals: globalsService, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build edus store: %v", err)
	}
	syncService, err := syncsvc.NewService(syncsvc.Config{
		Globals:     globalsService,
		Rooms:       roomStore,
		AccountData: dataStore,
		EDUs:        eduStore,
		Users:       userStore,
		MaxWait:     100 * time.Millisecond,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build sync service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte("test-secret"),
			Issuer:        "test.local",
		}),
		Users:       userStore,
		Rooms:       roomStore,
		AccountData: dataStore,
		EDUs:        eduStore,
		Sync:        syncService,
		Globals:     globalsService,
		Logger:      logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return &testStack{handler: handler, users: userStore}
}

func doJSON(testContext *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	testContext.Helper()
	var body *bytes.Buffer
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder, target any) {
	testContext.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		testContext.Fatalf("response body malformed: %v (%s)", err, recorder.Body.String())
	}
}

func login(testContext *testing.T, handler http.Handler, userID, deviceID string) string {
	testContext.Helper()
	recorder := doJSON(testContext, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("login failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(testContext, recorder, &response)
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		testContext.Fatalf("unexpected login response: %s", recorder.Body.String())
	}
	return response.AccessToken
}

func TestLoginIssuesToken(testContext *testing.T) {
	handler := newTestHandler(testContext)
	token := login(testContext, handler, testAlice, testDevice)
	if token == "" {
		testContext.Fatal("expected an access token")
	}

	recorder := doJSON(testContext, handler, http.MethodPost, "/auth/login", "", map[string]string{"user_id": testAlice})
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("login without a device must fail, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRejectMissingToken(testContext *testing.T) {
	handler := newTestHandler(testContext)

	recorder := doJSON(testContext, handler, http.MethodGet, "/sync", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}

	recorder = doJSON(testContext, handler, http.MethodGet, "/sync", "not-a-jwt", nil)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for a garbage token, got %d", recorder.Code)
	}
}

func TestCreateSendAndSyncFlow(testContext *testing.T) {
	handler := newTestHandler(testContext)
	token := login(testContext, handler, testAlice, testDevice)

	recorder := doJSON(testContext, handler, http.MethodPost, "/rooms/create", token, map[string]any{
		"preset": "private_chat",
		"name":   "Ops",
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("room creation failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		RoomID string `json:"room_id"`
	}
	decodeBody(testContext, recorder, &created)
	if created.RoomID == "" {
		testContext.Fatal("expected a room id")
	}

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/send", token, map[string]any{
		"type":    "m.room.message",
		"content": map[string]string{"msgtype": "m.text", "body": "hello"},
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("send failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var sent struct {
		EventID string `json:"event_id"`
	}
	decodeBody(testContext, recorder, &sent)
	if sent.EventID == "" {
		testContext.Fatal("expected an event id")
	}

	recorder = doJSON(testContext, handler, http.MethodGet, "/sync", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("sync failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var synced struct {
		NextBatch string `json:"next_batch"`
		Rooms     struct {
			Join map[string]struct {
				Timeline struct {
					Events []struct {
						EventID string `json:"event_id"`
					} `json:"events"`
				} `json:"timeline"`
			} `json:"join"`
		} `json:"rooms"`
	}
	decodeBody(testContext, recorder, &synced)
	if synced.NextBatch == "" {
		testContext.Fatal("expected a next_batch token")
	}
	joined, ok := synced.Rooms.Join[created.RoomID]
	if !ok {
		testContext.Fatalf("expected room %s in the sync response", created.RoomID)
	}
	var found bool
	for _, event := range joined.Timeline.Events {
		if event.EventID == sent.EventID {
			found = true
		}
	}
	if !found {
		testContext.Fatalf("sent message missing from the timeline: %s", recorder.Body.String())
	}
}

func TestSendToForeignRoomIsForbidden(testContext *testing.T) {
	handler := newTestHandler(testContext)
	aliceToken := login(testContext, handler, testAlice, testDevice)
	bobToken := login(testContext, handler, testBob, "PHONE")

	recorder := doJSON(testContext, handler, http.MethodPost, "/rooms/create", aliceToken, map[string]any{
		"preset": "private_chat",
	})
	var created struct {
		RoomID string `json:"room_id"`
	}
	decodeBody(testContext, recorder, &created)

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/send", bobToken, map[string]any{
		"type":    "m.room.message",
		"content": map[string]string{"body": "intrusion"},
	})
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403 for a non-member, got %d", recorder.Code)
	}
}

func TestAccountDataRoundTrip(testContext *testing.T) {
	handler := newTestHandler(testContext)
	token := login(testContext, handler, testAlice, testDevice)

	recorder := doJSON(testContext, handler, http.MethodGet, "/user/account_data/m.direct", token, nil)
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("unset account data must 404, got %d", recorder.Code)
	}

	recorder = doJSON(testContext, handler, http.MethodPut, "/user/account_data/m.direct", token, map[string]any{
		"@bob:test.local": []string{"!r:test.local"},
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("put account data failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodGet, "/user/account_data/m.direct", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("get account data failed with %d", recorder.Code)
	}
	var content map[string][]string
	decodeBody(testContext, recorder, &content)
	if len(content["@bob:test.local"]) != 1 {
		testContext.Fatalf("unexpected account data content: %s", recorder.Body.String())
	}
}

func TestPushRuleEndpoints(testContext *testing.T) {
	handler := newTestHandler(testContext)
	token := login(testContext, handler, testAlice, testDevice)

	// The defaults are served before anything is stored.
	recorder := doJSON(testContext, handler, http.MethodGet, "/pushrules", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("get push rules failed with %d", recorder.Code)
	}
	var rules struct {
		Global struct {
			Override []struct {
				RuleID string `json:"rule_id"`
			} `json:"override"`
		} `json:"global"`
	}
	decodeBody(testContext, recorder, &rules)
	if len(rules.Global.Override) == 0 {
		testContext.Fatalf("expected default override rules: %s", recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodPut, "/pushrules/room/!r:test.local", token, map[string]any{
		"actions": []string{"dont_notify"},
		"enabled": true,
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("put push rule failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodPut, "/pushrules/room/!r:test.local/enabled", token, map[string]bool{"enabled": false})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("put enabled failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodDelete, "/pushrules/room/!r:test.local", token, nil)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("delete push rule failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodDelete, "/pushrules/override/.m.rule.master", token, nil)
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("deleting a server default must 403, got %d", recorder.Code)
	}

	recorder = doJSON(testContext, handler, http.MethodPut, "/pushrules/sideways/x", token, map[string]any{})
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("an unknown kind must 400, got %d", recorder.Code)
	}
}

func TestJoinRecordsKeyChangeInEncryptedRoom(testContext *testing.T) {
	stack := newTestStack(testContext)
	handler := stack.handler
	aliceToken := login(testContext, handler, testAlice, testDevice)
	bobToken := login(testContext, handler, testBob, "PHONE")

	recorder := doJSON(testContext, handler, http.MethodPost, "/rooms/create", aliceToken, map[string]any{
		"preset": "public_chat",
		"initial_state": []map[string]any{
			{"type": "m.room.encryption", "content": map[string]string{"algorithm": "m.megolm.v1.aes-sha2"}},
		},
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("room creation failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var created struct {
		RoomID string `json:"room_id"`
	}
	decodeBody(testContext, recorder, &created)

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/join", bobToken, map[string]any{})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("join failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	changed, err := stack.users.KeysChanged(created.RoomID, 0)
	if err != nil {
		testContext.Fatalf("keys changed lookup failed: %v", err)
	}
	var sawBob bool
	for _, userID := range changed {
		if userID == testBob {
			sawBob = true
		}
	}
	if !sawBob {
		testContext.Fatalf("joining an encrypted room must record a key change, got %v", changed)
	}

	selfChanged, err := stack.users.KeysChanged(testBob, 0)
	if err != nil {
		testContext.Fatalf("keys changed lookup failed: %v", err)
	}
	if len(selfChanged) == 0 {
		testContext.Fatal("the member's own scope must record the key change too")
	}
}

func TestReceiptAndTypingEndpoints(testContext *testing.T) {
	handler := newTestHandler(testContext)
	token := login(testContext, handler, testAlice, testDevice)

	recorder := doJSON(testContext, handler, http.MethodPost, "/rooms/create", token, map[string]any{"preset": "private_chat"})
	var created struct {
		RoomID string `json:"room_id"`
	}
	decodeBody(testContext, recorder, &created)

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/send", token, map[string]any{
		"type":    "m.room.message",
		"content": map[string]string{"body": "hi"},
	})
	var sent struct {
		EventID string `json:"event_id"`
	}
	decodeBody(testContext, recorder, &sent)

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/receipt", token, map[string]any{
		"event_id": sent.EventID,
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("receipt failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodPost, "/rooms/"+created.RoomID+"/receipt", token, map[string]any{
		"event_id": sent.EventID,
		"private":  true,
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("private receipt failed with %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(testContext, handler, http.MethodPut, "/rooms/"+created.RoomID+"/typing", token, map[string]any{
		"typing":  true,
		"timeout": 10000,
	})
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("typing failed with %d: %s", recorder.Code, recorder.Body.String())
	}
}
