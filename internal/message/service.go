package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/conversation"
)

// Cache abstracts the recent-messages cache-aside layer (internal/cache) so this package need not import it
// directly; it depends only on the shape it actually uses.
type Cache interface {
	InvalidateRecent(ctx context.Context, conversationID uuid.UUID) error
}

// Service implements the Message Engine's business logic: send/edit/delete contracts, delivery-state transitions,
// and the rules around them (rate limiting is applied by the caller — the gateway — before Send is invoked, since
// the limiter must see the raw request before any validation cost is spent).
type Service struct {
	messages      Repository
	conversations conversation.Repository
	contacts      contact.Repository
	cache         Cache
	log           zerolog.Logger
}

// NewService creates a new message service.
func NewService(messages Repository, conversations conversation.Repository, contacts contact.Repository, cache Cache, logger zerolog.Logger) *Service {
	return &Service{messages: messages, conversations: conversations, contacts: contacts, cache: cache, log: logger}
}

// SendResult carries both the persisted message and the resolved recipient set, so the caller (gateway) can publish
// message:new to the conversation room and message:sent to the sender without a second lookup.
type SendResult struct {
	Message      *Message
	RecipientIDs []uuid.UUID
}

// Send validates and persists a new message, per §4.4's send contract. conversationId malformation is expected to
// be rejected by the caller before this is invoked (it only ever sees a parsed uuid.UUID here).
func (s *Service) Send(ctx context.Context, conversationID, senderID uuid.UUID, rawContent string, replyToID *uuid.UUID) (*SendResult, error) {
	content, err := ValidateContent(rawContent)
	if err != nil {
		return nil, err
	}

	exists, isParticipant, err := s.conversations.ExistsAndParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, fmt.Errorf("check conversation participation: %w", err)
	}
	if !exists {
		return nil, conversation.ErrNotFound
	}
	if !isParticipant {
		return nil, conversation.ErrNotParticipant
	}

	participants, err := s.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	recipientIDs := make([]uuid.UUID, 0, len(participants))
	for _, p := range participants {
		if p.UserID != senderID {
			recipientIDs = append(recipientIDs, p.UserID)
		}
	}

	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type == conversation.TypeDirect && len(recipientIDs) == 1 {
		blocked, err := s.contacts.Blocked(ctx, senderID, recipientIDs[0])
		if err != nil {
			// Fail-open: block-check unavailability prioritizes delivery over strict enforcement (§4.4).
			s.log.Warn().Err(err).Msg("block check failed, allowing send (fail-open)")
		} else if blocked {
			return nil, ErrBlocked
		}
	}

	msg, err := s.messages.Create(ctx, CreateParams{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ReplyToID:      replyToID,
		RecipientIDs:   recipientIDs,
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.InvalidateRecent(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Msg("recent-message cache invalidation failed")
	}

	return &SendResult{Message: msg, RecipientIDs: recipientIDs}, nil
}

// Edit applies the edit contract: ordered checks (exists, not-owner, window-expired), content validation, then
// persists and invalidates the cache.
func (s *Service) Edit(ctx context.Context, messageID, userID uuid.UUID, rawContent string) (*Message, error) {
	existing, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, ErrNotFound
	}
	if existing.SenderID != userID {
		return nil, ErrNotOwner
	}
	if time.Since(existing.CreatedAt) >= EditWindow {
		return nil, ErrEditWindowExpired
	}

	content, err := ValidateContent(rawContent)
	if err != nil {
		return nil, err
	}

	updated, err := s.messages.Update(ctx, messageID, content, time.Now())
	if err != nil {
		return nil, err
	}

	if err := s.cache.InvalidateRecent(ctx, updated.ConversationID); err != nil {
		s.log.Warn().Err(err).Msg("recent-message cache invalidation failed")
	}
	return updated, nil
}

// Delete applies the delete contract: ownership required, no time window, idempotent (a repeat delete surfaces the
// same ErrNotFound as a message that never existed, per §4.4).
func (s *Service) Delete(ctx context.Context, messageID, userID uuid.UUID) (*Message, error) {
	existing, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if existing.Deleted() {
		return nil, ErrNotFound
	}
	if existing.SenderID != userID {
		return nil, ErrNotOwner
	}

	now := time.Now()
	if err := s.messages.SoftDelete(ctx, messageID, now); err != nil {
		return nil, err
	}
	existing.DeletedAt = &now

	if err := s.cache.InvalidateRecent(ctx, existing.ConversationID); err != nil {
		s.log.Warn().Err(err).Msg("recent-message cache invalidation failed")
	}
	return existing, nil
}

// GetByID returns a message by id regardless of its deleted state, for callers (the gateway) that need to resolve a
// message's sender or conversation before fanning out a status update.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.messages.GetByID(ctx, id)
}

// MarkDelivered transitions messages to delivered for the calling recipient.
func (s *Service) MarkDelivered(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return s.messages.MarkDelivered(ctx, userID, messageIDs)
}

// ReadResult carries the transitioned message ids and the conversation's new last_read_at position, if advanced.
type ReadResult struct {
	MessageIDs     []uuid.UUID
	ConversationID uuid.UUID
	ReadAt         time.Time
}

// MarkRead transitions a specific batch of messages to read for the caller and advances their participant row's
// last_read_at to the greatest created_at observed among them. All messageIDs must belong to the same conversation;
// the caller (gateway) is responsible for that grouping before calling.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID) (*ReadResult, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	ids, latest, err := s.messages.MarkRead(ctx, userID, messageIDs)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if err := s.conversations.AdvanceLastReadAt(ctx, conversationID, userID, *latest); err != nil {
		s.log.Warn().Err(err).Msg("advance last_read_at failed")
	}
	return &ReadResult{MessageIDs: ids, ConversationID: conversationID, ReadAt: *latest}, nil
}

// MarkConversationRead transitions every unread message in a conversation to read for the caller ("bulk up to
// now").
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (*ReadResult, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ids, latest, err := s.messages.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	if err := s.conversations.AdvanceLastReadAt(ctx, conversationID, userID, *latest); err != nil {
		s.log.Warn().Err(err).Msg("advance last_read_at failed")
	}
	return &ReadResult{MessageIDs: ids, ConversationID: conversationID, ReadAt: *latest}, nil
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	exists, isParticipant, err := s.conversations.ExistsAndParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !exists {
		return conversation.ErrNotFound
	}
	if !isParticipant {
		return conversation.ErrNotParticipant
	}
	return nil
}

// ErrBlocked is returned by Send when the effective direct-conversation block (either direction) rejects delivery.
var ErrBlocked = errors.New("recipient has blocked the sender, or the sender has blocked the recipient")
