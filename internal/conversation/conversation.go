package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Conversation type constants matching the database CHECK constraint.
const (
	TypeDirect = "direct"
	TypeGroup  = "group"
)

// MinGroupParticipants is the minimum distinct participant count (including the creator) required to create a group.
const MinGroupParticipants = 3

// MaxAddBatch bounds how many participants can be added to a group in a single call.
const MaxAddBatch = 10

// MaxNameLength bounds a group conversation's name.
const MaxNameLength = 100

// Sentinel errors for the conversation package.
var (
	ErrNotFound            = errors.New("conversation not found")
	ErrSelfConversation    = errors.New("cannot open a direct conversation with yourself")
	ErrNotParticipant      = errors.New("user is not an active participant of this conversation")
	ErrNotAdmin            = errors.New("only an admin can perform this action")
	ErrNotGroup            = errors.New("this action is only valid on group conversations")
	ErrNameLength          = errors.New("conversation name must be between 1 and 100 characters")
	ErrTooFewParticipants  = errors.New("a group requires at least 3 distinct participants")
	ErrTooManyInBatch      = errors.New("cannot add more than 10 participants in a single request")
	ErrDuplicateInBatch    = errors.New("duplicate user id in participant batch")
	ErrUserNotFound        = errors.New("one or more users do not exist")
	ErrLastAdmin           = errors.New("cannot demote the sole admin without promoting another")
	ErrLastParticipant     = errors.New("cannot remove the last active participant")
	ErrNoFieldsToUpdate    = errors.New("at least one field must be provided")
	ErrAlreadyParticipant  = errors.New("user is already an active participant")
)

// Conversation holds the fields read from the database.
type Conversation struct {
	ID        uuid.UUID
	Type      string
	Name      *string
	AvatarKey *string
	CreatedBy uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant is a single row of conversation_participants.
type Participant struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	IsAdmin        bool
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastReadAt     *time.Time
	IsMuted        bool
	IsArchived     bool
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool { return p.LeftAt == nil }

// ParticipantWithProfile joins a Participant with the participant user's public profile fields.
type ParticipantWithProfile struct {
	UserID      uuid.UUID
	Username    string
	DisplayName *string
	AvatarKey   *string
	Status      string
	IsAdmin     bool
	JoinedAt    time.Time
	LastReadAt  *time.Time
}

// Summary is a conversation joined with caller-specific fields, the shape returned by listing queries.
type Summary struct {
	Conversation
	UnreadCount    int
	LastMessageAt  *time.Time
	IsMuted        bool
	IsArchived     bool
	OtherUserID    *uuid.UUID // populated for direct conversations only
}

// CreateGroupParams groups the inputs for creating a new group conversation.
type CreateGroupParams struct {
	CreatorID      uuid.UUID
	ParticipantIDs []uuid.UUID // must include CreatorID; deduplicated and validated by the caller
	Name           *string
	AvatarKey      *string
}

// UpdateGroupParams groups the optional fields for updating a group's settings. At least one must be set.
type UpdateGroupParams struct {
	Name      *string
	AvatarKey *string
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "leave as-is." On success the pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > MaxNameLength {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// DedupeParticipantIDs returns ids with duplicates removed, preserving first-occurrence order, and reports whether
// any duplicate was present.
func DedupeParticipantIDs(ids []uuid.UUID) (deduped []uuid.UUID, hadDuplicate bool) {
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			hadDuplicate = true
			continue
		}
		seen[id] = true
		deduped = append(deduped, id)
	}
	return deduped, hadDuplicate
}

// SynthesizeGroupName derives a default group name from participant usernames (excluding the creator, in join
// order), following the policy: ≤3 members → "X, Y, and Z"; >3 → "X, Y, and N others" (or "and 1 other" for the
// n=1 remainder case). The result is truncated to MaxNameLength with a trailing "...".
func SynthesizeGroupName(usernames []string) string {
	var name string
	switch {
	case len(usernames) == 0:
		name = "New Group"
	case len(usernames) == 1:
		name = usernames[0]
	case len(usernames) == 2:
		name = usernames[0] + " and " + usernames[1]
	case len(usernames) == 3:
		name = usernames[0] + ", " + usernames[1] + ", and " + usernames[2]
	default:
		rest := len(usernames) - 2
		others := "others"
		if rest == 1 {
			others = "other"
		}
		name = usernames[0] + ", " + usernames[1] + ", and " + itoa(rest) + " " + others
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		runes := []rune(name)
		name = string(runes[:MaxNameLength-3]) + "..."
	}
	return name
}

// itoa avoids pulling in strconv for a single-purpose, always-non-negative integer formatting need.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Repository defines the data-access contract for conversation operations.
type Repository interface {
	// CreateDirect opens (or returns the existing) direct conversation between userA and userB. Idempotent per
	// unordered pair: implementations must serialize concurrent callers (e.g. a deterministic advisory lock keyed on
	// the sorted pair) so that a race never creates two direct conversations for the same pair.
	CreateDirect(ctx context.Context, userA, userB uuid.UUID) (conv *Conversation, created bool, err error)
	CreateGroup(ctx context.Context, params CreateGroupParams) (*Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ExistsAndParticipant returns (exists, isActiveParticipant) for id/userID in a single query.
	ExistsAndParticipant(ctx context.Context, id, userID uuid.UUID) (exists bool, isParticipant bool, err error)
	ListForUser(ctx context.Context, userID uuid.UUID, convType *string, limit, offset int) ([]Summary, int, error)
	UpdateGroup(ctx context.Context, id uuid.UUID, params UpdateGroupParams) (*Conversation, error)
	TouchUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error

	ListParticipants(ctx context.Context, id uuid.UUID) ([]ParticipantWithProfile, error)
	GetParticipant(ctx context.Context, id, userID uuid.UUID) (*Participant, error)
	// AddParticipants activates userIDs on the conversation (inserting new rows or clearing left_at on rediscovered
	// ones) and returns the resulting profiles. userIDs must already be deduplicated and non-empty.
	AddParticipants(ctx context.Context, id uuid.UUID, userIDs []uuid.UUID) ([]ParticipantWithProfile, error)
	// RemoveParticipant deactivates userID's participation (sets left_at), applying last-admin promotion and
	// last-participant protection inside a single transaction. promotedUserID is non-nil when auto-promotion fired.
	RemoveParticipant(ctx context.Context, id, userID uuid.UUID) (promotedUserID *uuid.UUID, err error)
	SetAdmin(ctx context.Context, id, userID uuid.UUID, isAdmin bool) error
	SetMuted(ctx context.Context, id, userID uuid.UUID, muted bool) error
	SetArchived(ctx context.Context, id, userID uuid.UUID, archived bool) error
	AdvanceLastReadAt(ctx context.Context, id, userID uuid.UUID, at time.Time) error
}
