package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/conversation"
	"github.com/pulsechat/pulsechat-server/internal/httputil"
	"github.com/pulsechat/pulsechat-server/internal/media"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// ConversationHandler serves conversation and participant management endpoints.
type ConversationHandler struct {
	conversations *conversation.Service
	storage       media.StorageProvider
	log           zerolog.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(conversations *conversation.Service, storage media.StorageProvider, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, storage: storage, log: logger}
}

func conversationResponse(conv *conversation.Conversation) fiber.Map {
	return fiber.Map{
		"id":         conv.ID,
		"type":       conv.Type,
		"name":       conv.Name,
		"avatar_key": conv.AvatarKey,
		"created_by": conv.CreatedBy,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
	}
}

type openDirectRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// OpenDirect handles POST /api/v1/conversations/direct.
func (h *ConversationHandler) OpenDirect(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body openDirectRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	conv, created, err := h.conversations.OpenDirect(c, callerID, body.UserID)
	if err != nil {
		return h.mapConversationError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return httputil.SuccessStatus(c, status, conversationResponse(conv))
}

type createGroupRequest struct {
	ParticipantIDs []uuid.UUID `json:"participant_ids"`
	Name           *string     `json:"name"`
}

// CreateGroup handles POST /api/v1/conversations/group.
func (h *ConversationHandler) CreateGroup(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body createGroupRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	conv, err := h.conversations.CreateGroup(c, conversation.CreateGroupRequest{
		CreatorID:      callerID,
		ParticipantIDs: body.ParticipantIDs,
		Name:           body.Name,
	})
	if err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, conversationResponse(conv))
}

// List handles GET /api/v1/conversations?type=&limit=&offset=.
func (h *ConversationHandler) List(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var convType *string
	if t := c.Query("type"); t != "" {
		convType = &t
	}
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	summaries, total, err := h.conversations.List(c, callerID, convType, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "conversation").Msg("list conversations failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"conversations": summaries, "total": total})
}

func queryInt(c fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

type updateGroupRequest struct {
	Name      *string `json:"name"`
	AvatarKey *string `json:"avatar_key"`
}

// UpdateGroup handles PUT /api/v1/conversations/:id. A multipart request with an "avatar" file uploads a new group
// avatar; otherwise the body is parsed as JSON.
func (h *ConversationHandler) UpdateGroup(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}

	var params conversation.UpdateGroupParams

	if fileHeader, ferr := c.FormFile("avatar"); ferr == nil {
		contentType := fileHeader.Header.Get("Content-Type")
		if !media.AllowedContentTypes[contentType] {
			return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, "unsupported avatar content type")
		}
		f, err := fileHeader.Open()
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "could not read upload")
		}
		defer func() { _ = f.Close() }()

		key := "conversations/" + id.String() + "/avatar" + extensionFor(contentType)
		if err := h.storage.Put(c, key, f); err != nil {
			h.log.Error().Err(err).Str("handler", "conversation").Msg("failed to store group avatar")
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "failed to store avatar")
		}
		params.AvatarKey = &key
		if name := c.FormValue("name"); name != "" {
			params.Name = &name
		}
	} else {
		var body updateGroupRequest
		if err := c.Bind().Body(&body); err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
		}
		params.Name = body.Name
		params.AvatarKey = body.AvatarKey
	}

	conv, err := h.conversations.UpdateGroup(c, id, callerID, params)
	if err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.Success(c, conversationResponse(conv))
}

type addParticipantsRequest struct {
	UserIDs []uuid.UUID `json:"user_ids"`
}

// AddParticipants handles POST /api/v1/conversations/:id/participants.
func (h *ConversationHandler) AddParticipants(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}

	var body addParticipantsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	added, err := h.conversations.AddParticipants(c, id, callerID, body.UserIDs)
	if err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{"participants": added})
}

// RemoveParticipant handles DELETE /api/v1/conversations/:id/participants/:userId.
func (h *ConversationHandler) RemoveParticipant(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}
	targetID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid user id")
	}

	promoted, _, err := h.conversations.RemoveParticipant(c, id, callerID, targetID)
	if err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.Success(c, fiber.Map{"promoted_admin_id": promoted})
}

type updateRoleRequest struct {
	IsAdmin bool `json:"is_admin"`
}

// UpdateRole handles PUT /api/v1/conversations/:id/participants/:userId/role.
func (h *ConversationHandler) UpdateRole(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}
	targetID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid user id")
	}

	var body updateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	if err := h.conversations.UpdateRole(c, id, callerID, targetID, body.IsAdmin); err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.Success(c, fiber.Map{"user_id": targetID, "is_admin": body.IsAdmin})
}

// ListParticipants handles GET /api/v1/conversations/:id/participants.
func (h *ConversationHandler) ListParticipants(c fiber.Ctx) error {
	callerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}

	participants, err := h.conversations.ListParticipants(c, id, callerID)
	if err != nil {
		return h.mapConversationError(c, err)
	}
	return httputil.Success(c, fiber.Map{"participants": participants})
}

// mapConversationError converts conversation-layer errors to appropriate HTTP responses.
func (h *ConversationHandler) mapConversationError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, conversation.ErrSelfConversation):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeSelfConversation, err.Error())
	case errors.Is(err, conversation.ErrUserNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeUserNotFound, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeConvNotFound, err.Error())
	case errors.Is(err, conversation.ErrNotParticipant):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeNotParticipant, err.Error())
	case errors.Is(err, conversation.ErrNotAdmin):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeUnauthorized, err.Error())
	case errors.Is(err, conversation.ErrNotGroup):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidConv, err.Error())
	case errors.Is(err, conversation.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, conversation.ErrTooFewParticipants):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, conversation.ErrTooManyInBatch):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, conversation.ErrDuplicateInBatch):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, conversation.ErrNoFieldsToUpdate):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, conversation.ErrAlreadyParticipant):
		return httputil.Fail(c, fiber.StatusConflict, wire.CodeAlreadyExists, err.Error())
	case errors.Is(err, conversation.ErrLastAdmin):
		return httputil.Fail(c, fiber.StatusConflict, wire.CodeLastAdmin, err.Error())
	case errors.Is(err, conversation.ErrLastParticipant):
		return httputil.Fail(c, fiber.StatusConflict, wire.CodeLastParticipant, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "conversation").Msg("unhandled conversation service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
}
