package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Delivery states for MessageStatus, matching the database CHECK constraint. They rank in ascending delivery order;
// a transition must never move a status backward (see Rank).
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// rank orders delivery states for monotonic-transition checks.
var rank = map[string]int{StatusSent: 0, StatusDelivered: 1, StatusRead: 2}

// Rank returns the ordinal position of a delivery state, used to enforce that MessageStatus transitions never
// regress.
func Rank(status string) int { return rank[status] }

// Sentinel errors for the message package.
var (
	ErrNotFound          = errors.New("message not found")
	ErrContentTooLong    = errors.New("message content exceeds the maximum length")
	ErrEmptyContent      = errors.New("message content must not be empty")
	ErrReplyNotFound     = errors.New("reply target message not found")
	ErrNotOwner          = errors.New("you can only modify your own messages")
	ErrEditWindowExpired = errors.New("messages can only be edited within 15 minutes of being sent")
)

// Pagination and content-length defaults.
const (
	DefaultLimit  = 50
	MaxLimit      = 100
	MaxContentLen = 10000
)

// EditWindow is the duration after creation during which a message may still be edited.
const EditWindow = 15 * time.Minute

// Message holds the fields read from the database, including joined sender information.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	ReplyToID      *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time

	// Sender fields joined from the users table.
	SenderUsername    string
	SenderDisplayName *string
	SenderAvatarKey   *string
}

// Deleted reports whether the message has been soft-deleted.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// Edited reports whether the message has been modified since creation.
func (m Message) Edited() bool { return m.UpdatedAt.After(m.CreatedAt) }

// CreateParams groups the inputs for creating a new message. RecipientIDs are the active participants other than
// the sender; a sent-state MessageStatus row is created for each in the same transaction as the message insert.
type CreateParams struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	ReplyToID      *uuid.UUID
	RecipientIDs   []uuid.UUID
}

// Cursor composes a keyset-pagination position from (createdAt, id), resilient to soft-deletion of the cursor
// message itself.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// ValidateContent checks that content is non-empty after trimming and does not exceed MaxContentLen runes.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLen {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	// GetByID returns a message regardless of its deleted state; callers distinguish "not found" from "deleted"
	// themselves, since edit/delete pre-checks must observe both.
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	List(ctx context.Context, conversationID uuid.UUID, cursor *Cursor, limit int, includeDeleted bool) ([]Message, error)
	Update(ctx context.Context, id uuid.UUID, content string, at time.Time) (*Message, error)
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkDelivered transitions the given messages to "delivered" for userID where currently "sent", returning the
	// subset actually transitioned.
	MarkDelivered(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error)
	// MarkRead transitions the given messages to "read" for userID from sent or delivered, returning the subset
	// transitioned and the greatest created_at among them (used to advance the participant's last_read_at).
	MarkRead(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, *time.Time, error)
	// MarkConversationRead transitions every unread message in a conversation to "read" for userID, as of now.
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, *time.Time, error)

	// UnreadCount returns the number of non-deleted messages newer than the participant's last_read_at.
	UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error)
}
