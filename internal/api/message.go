package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/conversation"
	"github.com/pulsechat/pulsechat-server/internal/httputil"
	"github.com/pulsechat/pulsechat-server/internal/message"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// MessageHandler serves message history, edit, delete, and unread-count endpoints. Sending a message happens only
// over the gateway (message:send), not REST, so there is no Create handler here.
type MessageHandler struct {
	messages      message.Repository
	service       *message.Service
	conversations conversation.Repository
	log           zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages message.Repository, service *message.Service, conversations conversation.Repository, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, service: service, conversations: conversations, log: logger}
}

func messageResponse(m message.Message) fiber.Map {
	return fiber.Map{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"reply_to_id":     m.ReplyToID,
		"created_at":      m.CreatedAt,
		"updated_at":      m.UpdatedAt,
		"deleted_at":      m.DeletedAt,
		"edited":          m.Edited(),
		"sender": fiber.Map{
			"username":     m.SenderUsername,
			"display_name": m.SenderDisplayName,
			"avatar_key":   m.SenderAvatarKey,
		},
	}
}

// cursorWire is the JSON shape encoded/decoded in the opaque "cursor" query parameter.
type cursorWire struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

func encodeCursor(c message.Cursor) string {
	raw, _ := json.Marshal(cursorWire{CreatedAt: c.CreatedAt, ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*message.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return &message.Cursor{CreatedAt: w.CreatedAt, ID: w.ID}, nil
}

// List handles GET /api/v1/messages/conversations/:id?limit=&cursor=&includeDeleted=.
func (h *MessageHandler) List(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	conversationID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid conversation id")
	}

	exists, isParticipant, err := h.conversations.ExistsAndParticipant(c, conversationID, userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("check conversation participation failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	if !exists {
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeConvNotFound, "Conversation not found")
	}
	if !isParticipant {
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeNotParticipant, "You are not a participant of this conversation")
	}

	cursor, err := decodeCursor(c.Query("cursor"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidInput, "Invalid cursor")
	}
	limit := message.ClampLimit(queryInt(c, "limit", message.DefaultLimit))
	includeDeleted := c.Query("includeDeleted") == "true"

	messages, err := h.messages.List(c, conversationID, cursor, limit, includeDeleted)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}

	out := make([]fiber.Map, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse(m))
	}

	var nextCursor string
	if len(messages) == limit {
		last := messages[len(messages)-1]
		nextCursor = encodeCursor(message.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return httputil.Success(c, fiber.Map{"messages": out, "next_cursor": nextCursor})
}

// Unread handles GET /api/v1/messages/unread, returning the caller's unread message count per conversation.
func (h *MessageHandler) Unread(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	summaries, _, err := h.conversations.ListForUser(c, userID, nil, message.MaxLimit, 0)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list conversations for unread count failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}

	counts := make(fiber.Map, len(summaries))
	total := 0
	for _, s := range summaries {
		n, err := h.messages.UnreadCount(c, s.ID, userID)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "message").Msg("unread count failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
		}
		counts[s.ID.String()] = n
		total += n
	}
	return httputil.Success(c, fiber.Map{"total": total, "by_conversation": counts})
}

type editMessageRequest struct {
	Content string `json:"content"`
}

// Edit handles PUT /api/v1/messages/:id.
func (h *MessageHandler) Edit(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	messageID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid message id")
	}

	var body editMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	updated, err := h.service.Edit(c, messageID, userID, body.Content)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, messageResponse(*updated))
}

// Delete handles DELETE /api/v1/messages/:id.
func (h *MessageHandler) Delete(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	messageID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid message id")
	}

	if _, err := h.service.Delete(c, messageID, userID); err != nil {
		return h.mapMessageError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// mapMessageError converts message-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeMessageNotFound, err.Error())
	case errors.Is(err, message.ErrEmptyContent):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeContentEmpty, err.Error())
	case errors.Is(err, message.ErrContentTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeContentTooLong, err.Error())
	case errors.Is(err, message.ErrNotOwner):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeNotOwner, err.Error())
	case errors.Is(err, message.ErrEditWindowExpired):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeEditWindowExpired, err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeConvNotFound, err.Error())
	case errors.Is(err, conversation.ErrNotParticipant):
		return httputil.Fail(c, fiber.StatusForbidden, wire.CodeNotParticipant, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
}
