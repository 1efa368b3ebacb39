package user

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrAlreadyExists     = errors.New("email or username already taken")
	ErrUsernameLength    = errors.New("username must be between 3 and 50 characters")
	ErrUsernameInvalid   = errors.New("username may only contain letters, digits, and underscores")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 32 characters")
	ErrBioLength         = errors.New("bio must be at most 190 characters")
	ErrInvalidStatus     = errors.New("status must be one of online, away, busy")
)

// Status is the advisory presence status stored on the user row. The Presence service (internal/presence) is
// authoritative for live status; this field lags and is updated opportunistically.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// SettableStatuses are the statuses a client may explicitly request. Offline is implicit only, derived from
// connection count reaching zero.
var SettableStatuses = map[Status]bool{
	StatusOnline: true,
	StatusAway:   true,
	StatusBusy:   true,
}

// usernamePattern matches 3-50 alphanumeric-or-underscore characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,50}$`)

// User holds the core identity and profile fields read from the database.
type User struct {
	ID             uuid.UUID
	Email          string
	Username       string
	PasswordHash   string
	DisplayName    *string
	Bio            *string
	AvatarKey      *string
	Status         Status
	HideReadStatus bool
	Active         bool
	LastSeenAt     *time.Time
	CreatedAt      time.Time
}

// Public strips fields that must never leave the service boundary (password hash) for responses about other users.
type Public struct {
	ID          uuid.UUID
	Username    string
	DisplayName *string
	Bio         *string
	AvatarKey   *string
	Status      Status
	LastSeenAt  *time.Time
}

// ToPublic projects a User down to the fields safe to expose about other users.
func (u *User) ToPublic() Public {
	return Public{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		AvatarKey:   u.AvatarKey,
		Status:      u.Status,
		LastSeenAt:  u.LastSeenAt,
	}
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Email        string
	Username     string
	PasswordHash string
}

// UpdateParams groups the optional fields for updating a user profile. Nil fields are left unchanged.
type UpdateParams struct {
	DisplayName *string
	Bio         *string
	AvatarKey   *string
}

// ValidateUsername checks that a username is 3-50 chars of letters, digits, and underscores.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		if n := utf8.RuneCountInString(username); n < 3 || n > 50 {
			return ErrUsernameLength
		}
		return ErrUsernameInvalid
	}
	return nil
}

// NormalizeDisplayName trims surrounding whitespace from the pointed-to value. Nil values are left untouched.
func NormalizeDisplayName(name *string) {
	if name == nil {
		return
	}
	*name = strings.TrimSpace(*name)
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 32 Unicode characters.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	if n := utf8.RuneCountInString(*name); n < 1 || n > 32 {
		return ErrDisplayNameLength
	}
	return nil
}

// NormalizeBio trims surrounding whitespace from the pointed-to value. Nil values are left untouched.
func NormalizeBio(b *string) {
	if b == nil {
		return
	}
	*b = strings.TrimSpace(*b)
}

// ValidateBio checks that a non-nil bio is at most 190 Unicode characters.
func ValidateBio(b *string) error {
	if b == nil {
		return nil
	}
	if n := utf8.RuneCountInString(*b); n > 190 {
		return ErrBioLength
	}
	return nil
}

// ValidateStatus checks that a status is one of the client-settable values.
func ValidateStatus(s Status) error {
	if !SettableStatuses[s] {
		return ErrInvalidStatus
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateHideReadStatus(ctx context.Context, id uuid.UUID, hide bool) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string, excludeIDs []uuid.UUID, limit int) ([]Public, error)
}
