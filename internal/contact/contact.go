package contact

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the contact package.
var (
	ErrNotFound       = errors.New("contact not found")
	ErrAlreadyExists  = errors.New("contact already exists")
	ErrSelfContact    = errors.New("a user cannot add themselves as a contact")
	ErrNicknameLength = errors.New("nickname must be at most 32 characters")
)

// MaxNicknameLength bounds the stored nickname length.
const MaxNicknameLength = 32

// Contact is one directed edge of a contact relationship: owner's view of contact.
type Contact struct {
	OwnerID    uuid.UUID
	ContactID  uuid.UUID
	Nickname   *string
	IsBlocked  bool
	IsFavorite bool
	AddedAt    time.Time
}

// WithProfile joins a Contact with the contact user's public profile fields, the shape returned by listing queries.
type WithProfile struct {
	ContactID   uuid.UUID
	Username    string
	DisplayName *string
	AvatarKey   *string
	Status      string
	Nickname    *string
	IsBlocked   bool
	IsFavorite  bool
	AddedAt     time.Time
}

// UpdateParams groups the optional, owner-mutable fields on a contact relationship. Nil fields are left unchanged.
type UpdateParams struct {
	Nickname   *string
	IsFavorite *bool
}

// ValidateNickname checks that a non-nil nickname is at most MaxNicknameLength runes. A nil pointer means "leave
// unchanged" at the call site; an empty string clears the nickname and is valid.
func ValidateNickname(nickname *string) error {
	if nickname == nil {
		return nil
	}
	if utf8.RuneCountInString(*nickname) > MaxNicknameLength {
		return ErrNicknameLength
	}
	return nil
}

// Repository defines the data-access contract for contact operations. Every relationship is stored as a single row
// keyed by (owner_id, contact_id); "A blocks B" is represented entirely on A's row, so the effective block between two
// users in a direct conversation is the OR of both parties' IsBlocked values (see Blocked).
type Repository interface {
	Add(ctx context.Context, ownerID, contactID uuid.UUID) error
	Remove(ctx context.Context, ownerID, contactID uuid.UUID) error
	Get(ctx context.Context, ownerID, contactID uuid.UUID) (*Contact, error)
	Exists(ctx context.Context, ownerID, contactID uuid.UUID) (bool, error)
	List(ctx context.Context, ownerID uuid.UUID) ([]WithProfile, error)
	Update(ctx context.Context, ownerID, contactID uuid.UUID, params UpdateParams) (*Contact, error)
	SetBlocked(ctx context.Context, ownerID, contactID uuid.UUID, blocked bool) error
	// Blocked reports whether either direction of the pair has blocked the other, used to gate message delivery in a
	// direct conversation.
	Blocked(ctx context.Context, userA, userB uuid.UUID) (bool, error)
	// MutualIDs returns the IDs of users who appear in both userID's contact list and each candidate's contact list,
	// restricted to non-blocked relationships. Used by the Presence service to resolve a user's visible audience.
	MutualIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}
