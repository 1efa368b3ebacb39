package api

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/auth"
	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/httputil"
	"github.com/pulsechat/pulsechat-server/internal/media"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// UserHandler serves user profile endpoints.
type UserHandler struct {
	users    user.Repository
	contacts contact.Repository
	auth     *auth.Service
	storage  media.StorageProvider
	log      zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, contacts contact.Repository, authSvc *auth.Service, storage media.StorageProvider, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, contacts: contacts, auth: authSvc, storage: storage, log: logger}
}

type userResponse struct {
	ID             uuid.UUID `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	DisplayName    *string   `json:"display_name"`
	Bio            *string   `json:"bio"`
	AvatarKey      *string   `json:"avatar_key"`
	Status         string    `json:"status"`
	HideReadStatus bool      `json:"hide_read_status"`
}

func toUserResponse(u *user.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Email:          u.Email,
		Username:       u.Username,
		DisplayName:    u.DisplayName,
		Bio:            u.Bio,
		AvatarKey:      u.AvatarKey,
		Status:         string(u.Status),
		HideReadStatus: u.HideReadStatus,
	}
}

// GetMe handles GET /api/v1/users/me and GET /api/v1/auth/me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

// GetByID handles GET /api/v1/users/:id, returning the public profile of another user.
func (h *UserHandler) GetByID(c fiber.Ctx) error {
	targetID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidUUID, "Invalid user id")
	}

	u, err := h.users.GetByID(c, targetID)
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, u.ToPublic())
}

type updateMeRequest struct {
	DisplayName *string `json:"display_name"`
	Bio         *string `json:"bio"`
}

// UpdateMe handles PUT /api/v1/users/me.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body updateMeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	user.NormalizeDisplayName(body.DisplayName)
	if err := user.ValidateDisplayName(body.DisplayName); err != nil {
		return h.mapUserError(c, err)
	}

	user.NormalizeBio(body.Bio)
	if err := user.ValidateBio(body.Bio); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.Update(c, userID, user.UpdateParams{
		DisplayName: body.DisplayName,
		Bio:         body.Bio,
	})
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /api/v1/users/me/status.
func (h *UserHandler) UpdateStatus(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body updateStatusRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	status := user.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	if err := user.ValidateStatus(status); err != nil {
		return h.mapUserError(c, err)
	}

	if err := h.users.UpdateStatus(c, userID, status); err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, fiber.Map{"status": string(status)})
}

type updateHideReadStatusRequest struct {
	Hide bool `json:"hide"`
}

// UpdateHideReadStatus handles PUT /api/v1/users/me/privacy.
func (h *UserHandler) UpdateHideReadStatus(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body updateHideReadStatusRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}

	if err := h.users.UpdateHideReadStatus(c, userID, body.Hide); err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, fiber.Map{"hide_read_status": body.Hide})
}

// UploadAvatar handles PUT /api/v1/users/me/avatar. Accepts a multipart upload, stores it via the configured
// media.StorageProvider, derives a thumbnail, and records the resulting key on the caller's profile.
func (h *UserHandler) UploadAvatar(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	fileHeader, err := c.FormFile("avatar")
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "avatar file is required")
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !media.AllowedContentTypes[contentType] {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, "unsupported avatar content type")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "could not read upload")
	}
	defer func() { _ = f.Close() }()

	thumb, err := media.GenerateAvatarThumbnail(f)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, "could not decode avatar image")
	}

	key := "avatars/" + userID.String() + "/" + strconv.FormatInt(fileHeader.Size, 10) + ".jpg"
	if err := h.storage.Put(c, key, bytes.NewReader(thumb)); err != nil {
		h.log.Error().Err(err).Str("handler", "user").Msg("failed to store avatar")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "failed to store avatar")
	}

	u, err := h.users.Update(c, userID, user.UpdateParams{AvatarKey: &key})
	if err != nil {
		return h.mapUserError(c, err)
	}
	return httputil.Success(c, toUserResponse(u))
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

// DeleteMe handles DELETE /api/v1/users/me.
func (h *UserHandler) DeleteMe(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	var body deleteAccountRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeInvalidPayload, "Invalid request body")
	}
	if body.Password == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, "password is required")
	}

	if err := h.auth.DeleteAccount(c, userID, body.Password); err != nil {
		return h.mapDeleteError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *UserHandler) mapDeleteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Incorrect password")
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled account deletion error")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
}

// Search handles GET /api/v1/users/search?q=&excludeContacts=.
func (h *UserHandler) Search(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, wire.CodeUnauthorized, "Missing user identity")
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, "The q parameter is required")
	}

	excludeIDs := []uuid.UUID{userID}
	if c.Query("excludeContacts") == "true" {
		existing, err := h.contacts.List(c, userID)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "user").Msg("failed to load contacts for search exclusion")
			return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
		}
		for _, ct := range existing {
			excludeIDs = append(excludeIDs, ct.ContactID)
		}
	}

	results, err := h.users.Search(c, query, excludeIDs, 25)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "user").Msg("search failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
	return httputil.Success(c, results)
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, wire.CodeUserNotFound, "User not found")
	case errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, user.ErrBioLength):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	case errors.Is(err, user.ErrInvalidStatus):
		return httputil.Fail(c, fiber.StatusBadRequest, wire.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, wire.CodeInternal, "An internal error occurred")
	}
}
