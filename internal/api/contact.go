package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/httputil"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// ContactHandler serves contact list and blocking endpoints.
type ContactHandler struct {
	contacts contact.Repository
	users    user.Repository
	log      zerolog.Logger
}

// NewContactHandler creates a new contact handler.
func NewContactHandler(contacts contact.Repository, users user.Repository, logger zerolog.Logger) *ContactHandler {
	return &ContactHandler{contacts: contacts, users: users, log: logger}
}

func contactResponse(c *contact.Contact) fiber.Map {
	return fiber.Map{
		"owner_id":    c.OwnerID,
		"contact_id":  c.ContactID,
		"nickname":    c.Nickname,
		"is_blocked":  c.IsBlocked,
		"is_favorite": c.IsFavorite,
		"added_at":    c.AddedAt,
	}
}

type addContactRequest struct {
	ContactID uuid.UUID `json:"contact_id"`
}

// Add handles POST /api/v1/contacts.
func (h *ContactHandler) Add(c fiber.Ctx) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body addContactRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	if _, err := h.users.GetByID(c, body.ContactID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, wire.CodeUserNotFound, "User not found")
		}
		h.log.Error().Err(err).Str("handler", "contact").Msg("look up contact target failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}

	if err := h.contacts.Add(c, ownerID, body.ContactID); err != nil {
		return h.mapContactError(c, err)
	}

	added, err := h.contacts.Get(c, ownerID, body.ContactID)
	if err != nil {
		return h.mapContactError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, contactResponse(added))
}

// List handles GET /api/v1/contacts.
func (h *ContactHandler) List(c fiber.Ctx) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	contacts, err := h.contacts.List(c, ownerID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "contact").Msg("list contacts failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"contacts": contacts})
}

// Exists handles GET /api/v1/contacts/exists/:userId.
func (h *ContactHandler) Exists(c fiber.Ctx) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	targetID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid user id")
	}

	exists, err := h.contacts.Exists(c, ownerID, targetID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "contact").Msg("check contact existence failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"exists": exists})
}

type updateContactRequest struct {
	Nickname   *string `json:"nickname"`
	IsFavorite *bool   `json:"is_favorite"`
}

// Update handles PUT /api/v1/contacts/:id.
func (h *ContactHandler) Update(c fiber.Ctx) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	contactID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid contact id")
	}

	var body updateContactRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}
	if err := contact.ValidateNickname(body.Nickname); err != nil {
		return h.mapContactError(c, err)
	}

	updated, err := h.contacts.Update(c, ownerID, contactID, contact.UpdateParams{
		Nickname:   body.Nickname,
		IsFavorite: body.IsFavorite,
	})
	if err != nil {
		return h.mapContactError(c, err)
	}
	return httputil.Success(c, contactResponse(updated))
}

// Remove handles DELETE /api/v1/contacts/:id.
func (h *ContactHandler) Remove(c fiber.Ctx) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	contactID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid contact id")
	}

	if err := h.contacts.Remove(c, ownerID, contactID); err != nil {
		return h.mapContactError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Block handles POST /api/v1/contacts/:id/block.
func (h *ContactHandler) Block(c fiber.Ctx) error {
	return h.setBlocked(c, true)
}

// Unblock handles POST /api/v1/contacts/:id/unblock.
func (h *ContactHandler) Unblock(c fiber.Ctx) error {
	return h.setBlocked(c, false)
}

func (h *ContactHandler) setBlocked(c fiber.Ctx, blocked bool) error {
	ownerID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}
	contactID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid contact id")
	}

	if err := h.contacts.SetBlocked(c, ownerID, contactID, blocked); err != nil {
		return h.mapContactError(c, err)
	}
	return httputil.Success(c, fiber.Map{"contact_id": contactID, "is_blocked": blocked})
}

// mapContactError converts contact-layer errors to appropriate HTTP responses.
func (h *ContactHandler) mapContactError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, contact.ErrSelfContact):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeSelfContact, err.Error())
	case errors.Is(err, contact.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, wire.CodeAlreadyExists, err.Error())
	case errors.Is(err, contact.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeNotFound, err.Error())
	case errors.Is(err, contact.ErrNicknameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "contact").Msg("unhandled contact service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
}
