package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hankbao/conduit/internal/accountdata"
	"github.com/hankbao/conduit/internal/edus"
	"github.com/hankbao/conduit/internal/errs"
	"github.com/hankbao/conduit/internal/globals"
	"github.com/hankbao/conduit/internal/pushrules"
	"github.com/hankbao/conduit/internal/rooms"
	syncsvc "github.com/hankbao/conduit/internal/sync"
	"github.com/hankbao/conduit/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "conduit_user_id"
	deviceIDContextKey = "conduit_device_id"

	typingTimeout = 30 * time.Second
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingUserStore    = errors.New("user store dependency required")
	errMissingRoomStore    = errors.New("room store dependency required")
	errMissingAccountData  = errors.New("account data store dependency required")
	errMissingEDUStore     = errors.New("edu store dependency required")
	errMissingSyncService  = errors.New("sync service dependency required")
	errMissingGlobals      = errors.New("globals dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates device access tokens.
type TokenManager interface {
	IssueToken(userID, deviceID string) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	TokenManager TokenManager
	Users        *users.Store
	Rooms        *rooms.Store
	AccountData  *accountdata.Store
	EDUs         *edus.Store
	Sync         *syncsvc.Service
	Globals      *globals.Globals
	Logger       *zap.Logger
}

// NewHTTPHandler builds the router with every endpoint registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserStore
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomStore
	}
	if deps.AccountData == nil {
		return nil, errMissingAccountData
	}
	if deps.EDUs == nil {
		return nil, errMissingEDUStore
	}
	if deps.Sync == nil {
		return nil, errMissingSyncService
	}
	if deps.Globals == nil {
		return nil, errMissingGlobals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		users:       deps.Users,
		rooms:       deps.Rooms,
		accountData: deps.AccountData,
		edus:        deps.EDUs,
		sync:        deps.Sync,
		globals:     deps.Globals,
		logger:      logger,
	}

	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync", handler.handleSync)
	protected.POST("/rooms/create", handler.handleCreateRoom)
	protected.POST("/rooms/:roomID/upgrade", handler.handleUpgradeRoom)
	protected.POST("/rooms/:roomID/send", handler.handleSend)
	protected.POST("/rooms/:roomID/state", handler.handleSetState)
	protected.POST("/rooms/:roomID/redact", handler.handleRedact)
	protected.POST("/rooms/:roomID/invite", handler.handleInvite)
	protected.POST("/rooms/:roomID/join", handler.handleJoin)
	protected.POST("/rooms/:roomID/leave", handler.handleLeave)
	protected.PUT("/rooms/:roomID/typing", handler.handleTyping)
	protected.POST("/rooms/:roomID/receipt", handler.handleReceipt)
	protected.PUT("/rooms/:roomID/presence", handler.handlePresence)
	protected.GET("/rooms/:roomID/account_data/:type", handler.handleGetRoomAccountData)
	protected.PUT("/rooms/:roomID/account_data/:type", handler.handlePutRoomAccountData)
	protected.GET("/user/account_data/:type", handler.handleGetAccountData)
	protected.PUT("/user/account_data/:type", handler.handlePutAccountData)
	protected.GET("/pushrules", handler.handleGetPushRules)
	protected.PUT("/pushrules/:kind/:ruleID", handler.handlePutPushRule)
	protected.PUT("/pushrules/:kind/:ruleID/enabled", handler.handlePutPushRuleEnabled)
	protected.PUT("/pushrules/:kind/:ruleID/actions", handler.handlePutPushRuleActions)
	protected.DELETE("/pushrules/:kind/:ruleID", handler.handleDeletePushRule)
	protected.POST("/to_device", handler.handleSendToDevice)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	users       *users.Store
	rooms       *rooms.Store
	accountData *accountdata.Store
	edus        *edus.Store
	sync        *syncsvc.Service
	globals     *globals.Globals
	logger      *zap.Logger
}

// respondError maps service errors onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errs.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errs.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errs.IsForbidden(err):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type loginRequestPayload struct {
	UserID            string `json:"user_id"`
	DeviceID          string `json:"device_id"`
	DeviceDisplayName string `json:"device_display_name"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	DeviceID    string `json:"device_id"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.users.EnsureAccount(request.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.users.AddDevice(request.UserID, request.DeviceID, request.DeviceDisplayName); err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(request.UserID, request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		DeviceID:    request.DeviceID,
	})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	deviceID := c.GetString(deviceIDContextKey)

	var since uint64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = parsed
	}
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		millis, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timeout"})
			return
		}
		timeout = time.Duration(millis) * time.Millisecond
	}
	fullState := c.Query("full_state") == "true"

	response, err := h.sync.Sync(c.Request.Context(), syncsvc.Request{
		UserID:    userID,
		DeviceID:  deviceID,
		Since:     since,
		FullState: fullState,
		Timeout:   timeout,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

type createRoomPayload struct {
	Visibility     string                `json:"visibility"`
	Preset         string                `json:"preset"`
	AliasLocalpart string                `json:"room_alias_name"`
	Name           string                `json:"name"`
	Topic          string                `json:"topic"`
	Invite         []string              `json:"invite"`
	IsDirect       bool                  `json:"is_direct"`
	PowerLevels    json.RawMessage       `json:"power_level_content_override"`
	InitialState   []initialStatePayload `json:"initial_state"`
}

type initialStatePayload struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	initialState := make([]rooms.EventBuilder, 0, len(request.InitialState))
	for _, seed := range request.InitialState {
		initialState = append(initialState, rooms.EventBuilder{
			Type:     seed.Type,
			Content:  seed.Content,
			StateKey: rooms.StateKeyPtr(seed.StateKey),
		})
	}

	roomID, err := h.rooms.CreateRoom(rooms.CreateRoomRequest{
		Creator:            userID,
		Visibility:         request.Visibility,
		Preset:             request.Preset,
		AliasLocalpart:     request.AliasLocalpart,
		Name:               request.Name,
		Topic:              request.Topic,
		Invites:            request.Invite,
		IsDirect:           request.IsDirect,
		PowerLevelOverride: request.PowerLevels,
		InitialState:       initialState,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

func (h *httpHandler) handleUpgradeRoom(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	replacement, err := h.rooms.UpgradeRoom(userID, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replacement_room": replacement})
}

type sendEventPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request sendEventPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	eventID, err := h.rooms.Send(userID, roomID, request.Type, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

type stateEventPayload struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

func (h *httpHandler) handleSetState(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request stateEventPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	eventID, err := h.rooms.SetState(userID, roomID, request.Type, request.StateKey, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

type redactPayload struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

func (h *httpHandler) handleRedact(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request redactPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	eventID, err := h.rooms.Redact(userID, roomID, request.EventID, request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID})
}

type invitePayload struct {
	UserID   string `json:"user_id"`
	IsDirect bool   `json:"is_direct"`
}

func (h *httpHandler) handleInvite(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request invitePayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.rooms.InviteUser(userID, request.UserID, roomID, request.IsDirect); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	eventID, err := h.rooms.JoinRoom(userID, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.markEncryptedMembership(roomID, userID, eventID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	eventID, err := h.rooms.LeaveRoom(userID, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.markEncryptedMembership(roomID, userID, eventID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// markEncryptedMembership records a device-key change for a membership event
// in an encrypted room, under both the room and the user scope. The event's
// counter is reused so the change sits at the membership's sync watermark.
func (h *httpHandler) markEncryptedMembership(roomID, userID, eventID string) error {
	encrypted, err := h.rooms.StateGet(roomID, rooms.EventTypeEncryption, "")
	if err != nil || encrypted == nil {
		return err
	}
	count, err := h.rooms.PDUCount(eventID)
	if err != nil {
		return err
	}
	if err := h.users.MarkKeysChangedAt(roomID, userID, count); err != nil {
		return err
	}
	return h.users.MarkKeysChangedAt(userID, userID, count)
}

type typingPayload struct {
	Typing    bool  `json:"typing"`
	TimeoutMS int64 `json:"timeout"`
}

func (h *httpHandler) handleTyping(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request typingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	var err error
	if request.Typing {
		timeout := typingTimeout
		if request.TimeoutMS > 0 {
			timeout = time.Duration(request.TimeoutMS) * time.Millisecond
		}
		err = h.edus.TypingStart(roomID, userID, time.Now().Add(timeout))
	} else {
		err = h.edus.TypingStop(roomID, userID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.notifyRoom(roomID)
	c.JSON(http.StatusOK, gin.H{})
}

type receiptPayload struct {
	EventID string `json:"event_id"`
	Private bool   `json:"private"`
}

func (h *httpHandler) handleReceipt(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var request receiptPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.EventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if request.Private {
		count, err := h.rooms.PDUCount(request.EventID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if err := h.edus.SetPrivateRead(roomID, userID, count); err != nil {
			h.respondError(c, err)
			return
		}
	} else {
		receipt := edus.Receipt{EventID: request.EventID, TS: time.Now().UnixMilli()}
		if err := h.edus.SetReadReceipt(roomID, userID, receipt); err != nil {
			h.respondError(c, err)
			return
		}
		h.notifyRoom(roomID)
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID := c.Param("roomID")

	var presence edus.PresenceEvent
	if err := c.ShouldBindJSON(&presence); err != nil || presence.Presence == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.edus.SetPresence(roomID, userID, presence); err != nil {
		h.respondError(c, err)
		return
	}
	h.notifyRoom(roomID)
	c.JSON(http.StatusOK, gin.H{})
}

// notifyRoom wakes the sync waiters of everyone joined to the room after an
// ephemeral update.
func (h *httpHandler) notifyRoom(roomID string) {
	members, err := h.rooms.RoomMembers(roomID)
	if err != nil {
		h.logger.Warn("waking room members failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	for _, member := range members {
		h.globals.Notify(member, "")
	}
}

func (h *httpHandler) handleGetAccountData(c *gin.Context) {
	h.getAccountData(c, "")
}

func (h *httpHandler) handleGetRoomAccountData(c *gin.Context) {
	h.getAccountData(c, c.Param("roomID"))
}

func (h *httpHandler) getAccountData(c *gin.Context, roomID string) {
	userID := c.GetString(userIDContextKey)
	eventType := c.Param("type")

	content, err := h.accountData.Get(roomID, userID, eventType)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if content == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Data(http.StatusOK, "application/json", content)
}

func (h *httpHandler) handlePutAccountData(c *gin.Context) {
	h.putAccountData(c, "")
}

func (h *httpHandler) handlePutRoomAccountData(c *gin.Context) {
	h.putAccountData(c, c.Param("roomID"))
}

func (h *httpHandler) putAccountData(c *gin.Context, roomID string) {
	userID := c.GetString(userIDContextKey)
	eventType := c.Param("type")

	var content json.RawMessage
	if err := c.ShouldBindJSON(&content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"type":    json.RawMessage(strconv.Quote(eventType)),
		"content": content,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.accountData.Update(roomID, userID, eventType, payload); err != nil {
		h.respondError(c, err)
		return
	}
	h.globals.Notify(userID, "")
	c.JSON(http.StatusOK, gin.H{})
}

// loadPushRules returns the caller's ruleset, falling back to the server
// defaults when none is stored yet.
func (h *httpHandler) loadPushRules(userID string) (pushrules.Ruleset, error) {
	content, err := h.accountData.Get("", userID, pushrules.AccountDataType)
	if err != nil {
		return pushrules.Ruleset{}, err
	}
	if content == nil {
		return pushrules.Default(userID), nil
	}
	return pushrules.Decode(content)
}

func (h *httpHandler) savePushRules(userID string, ruleset pushrules.Ruleset) error {
	payload, err := pushrules.Encode(ruleset)
	if err != nil {
		return err
	}
	if err := h.accountData.Update("", userID, pushrules.AccountDataType, payload); err != nil {
		return err
	}
	h.globals.Notify(userID, "")
	return nil
}

func (h *httpHandler) handleGetPushRules(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	ruleset, err := h.loadPushRules(userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"global": ruleset})
}

func (h *httpHandler) handlePutPushRule(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	kind := pushrules.Kind(c.Param("kind"))
	ruleID := c.Param("ruleID")

	var rule pushrules.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rule.RuleID = ruleID

	ruleset, err := h.loadPushRules(userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := ruleset.Upsert(kind, rule); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.savePushRules(userID, ruleset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type pushRuleEnabledPayload struct {
	Enabled bool `json:"enabled"`
}

func (h *httpHandler) handlePutPushRuleEnabled(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	kind := pushrules.Kind(c.Param("kind"))
	ruleID := c.Param("ruleID")

	var request pushRuleEnabledPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ruleset, err := h.loadPushRules(userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := ruleset.SetEnabled(kind, ruleID, request.Enabled); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.savePushRules(userID, ruleset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type pushRuleActionsPayload struct {
	Actions []json.RawMessage `json:"actions"`
}

func (h *httpHandler) handlePutPushRuleActions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	kind := pushrules.Kind(c.Param("kind"))
	ruleID := c.Param("ruleID")

	var request pushRuleActionsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ruleset, err := h.loadPushRules(userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := ruleset.SetActions(kind, ruleID, request.Actions); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.savePushRules(userID, ruleset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleDeletePushRule(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	kind := pushrules.Kind(c.Param("kind"))
	ruleID := c.Param("ruleID")

	ruleset, err := h.loadPushRules(userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := ruleset.Delete(kind, ruleID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.savePushRules(userID, ruleset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

type toDevicePayload struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Event    json.RawMessage `json:"event"`
}

func (h *httpHandler) handleSendToDevice(c *gin.Context) {
	var request toDevicePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		request.UserID == "" || request.DeviceID == "" || len(request.Event) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.users.SendToDevice(request.UserID, request.DeviceID, request.Event); err != nil {
		h.respondError(c, err)
		return
	}
	h.globals.Notify(request.UserID, request.DeviceID)
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	userID, deviceID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}
