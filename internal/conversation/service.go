package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// Service implements conversation business logic on top of the Repository, keeping HTTP handlers thin.
type Service struct {
	conversations Repository
	users         user.Repository
	log           zerolog.Logger
	notifier      Notifier // optional; set via SetNotifier. Nil disables realtime event publishing.
}

// NewService creates a new conversation service.
func NewService(conversations Repository, users user.Repository, logger zerolog.Logger) *Service {
	return &Service{conversations: conversations, users: users, log: logger}
}

// SetNotifier attaches a realtime event publisher so REST-driven participant and settings changes are mirrored to
// gateway-connected clients. Must be called before serving traffic; nil-safe if never called.
func (s *Service) SetNotifier(notifier Notifier) {
	s.notifier = notifier
}

func (s *Service) notify(ctx context.Context, room string, eventType wire.DispatchEvent, data any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, room, eventType, data); err != nil {
		s.log.Warn().Err(err).Str("event", string(eventType)).Msg("failed to publish conversation event")
	}
}

// OpenDirect opens (or returns the existing) direct conversation between callerID and otherID.
func (s *Service) OpenDirect(ctx context.Context, callerID, otherID uuid.UUID) (*Conversation, bool, error) {
	if callerID == otherID {
		return nil, false, ErrSelfConversation
	}
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, false, ErrUserNotFound
		}
		return nil, false, fmt.Errorf("look up direct conversation peer: %w", err)
	}
	return s.conversations.CreateDirect(ctx, callerID, otherID)
}

// CreateGroupRequest is the input for Service.CreateGroup.
type CreateGroupRequest struct {
	CreatorID      uuid.UUID
	ParticipantIDs []uuid.UUID
	Name           *string
	AvatarKey      *string
}

// CreateGroup validates and creates a new group conversation. The creator is always included in the participant
// set regardless of whether the caller listed it explicitly.
func (s *Service) CreateGroup(ctx context.Context, req CreateGroupRequest) (*Conversation, error) {
	ids := append([]uuid.UUID{req.CreatorID}, req.ParticipantIDs...)
	deduped, _ := DedupeParticipantIDs(ids)
	if len(deduped) < MinGroupParticipants {
		return nil, ErrTooFewParticipants
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}

	profiles := make([]user.Public, 0, len(deduped))
	for _, id := range deduped {
		u, err := s.users.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				return nil, ErrUserNotFound
			}
			return nil, fmt.Errorf("look up group participant %s: %w", id, err)
		}
		profiles = append(profiles, u.ToPublic())
	}

	name := req.Name
	if name == nil {
		usernames := make([]string, 0, len(profiles)-1)
		for _, p := range profiles {
			if p.ID == req.CreatorID {
				continue
			}
			usernames = append(usernames, p.Username)
		}
		synthesized := SynthesizeGroupName(usernames)
		name = &synthesized
	}

	return s.conversations.CreateGroup(ctx, CreateGroupParams{
		CreatorID:      req.CreatorID,
		ParticipantIDs: deduped,
		Name:           name,
		AvatarKey:      req.AvatarKey,
	})
}

// List returns the caller's conversations.
func (s *Service) List(ctx context.Context, userID uuid.UUID, convType *string, limit, offset int) ([]Summary, int, error) {
	return s.conversations.ListForUser(ctx, userID, convType, limit, offset)
}

// Get returns a conversation the caller is an active participant of.
func (s *Service) Get(ctx context.Context, id, callerID uuid.UUID) (*Conversation, error) {
	exists, isParticipant, err := s.conversations.ExistsAndParticipant(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	if !isParticipant {
		return nil, ErrNotParticipant
	}
	return s.conversations.GetByID(ctx, id)
}

// ListParticipants returns the active participants of a conversation the caller belongs to.
func (s *Service) ListParticipants(ctx context.Context, id, callerID uuid.UUID) ([]ParticipantWithProfile, error) {
	if err := s.requireParticipant(ctx, id, callerID); err != nil {
		return nil, err
	}
	return s.conversations.ListParticipants(ctx, id)
}

// UpdateGroup updates a group conversation's settings. The caller must be an admin.
func (s *Service) UpdateGroup(ctx context.Context, id, callerID uuid.UUID, params UpdateGroupParams) (*Conversation, error) {
	if params.Name == nil && params.AvatarKey == nil {
		return nil, ErrNoFieldsToUpdate
	}
	if err := ValidateName(params.Name); err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, id, callerID); err != nil {
		return nil, err
	}
	conv, err := s.conversations.UpdateGroup(ctx, id, params)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, wire.ConversationRoom(id.String()), wire.DispatchConversationUpdated, map[string]any{
		"conversationId": id,
		"name":           conv.Name,
		"avatarUrl":      conv.AvatarKey,
	})
	return conv, nil
}

// AddParticipants adds up to MaxAddBatch users to a group conversation. Only an admin may call this.
func (s *Service) AddParticipants(ctx context.Context, id, callerID uuid.UUID, userIDs []uuid.UUID) ([]ParticipantWithProfile, error) {
	if len(userIDs) == 0 || len(userIDs) > MaxAddBatch {
		return nil, ErrTooManyInBatch
	}
	deduped, hadDuplicate := DedupeParticipantIDs(userIDs)
	if hadDuplicate {
		return nil, ErrDuplicateInBatch
	}

	conv, err := s.requireAdminConv(ctx, id, callerID)
	if err != nil {
		return nil, err
	}
	if conv.Type != TypeGroup {
		return nil, ErrNotGroup
	}

	for _, uid := range deduped {
		if _, err := s.users.GetByID(ctx, uid); err != nil {
			if errors.Is(err, user.ErrNotFound) {
				return nil, ErrUserNotFound
			}
			return nil, fmt.Errorf("look up new participant %s: %w", uid, err)
		}
	}

	added, err := s.conversations.AddParticipants(ctx, id, deduped)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, wire.ConversationRoom(id.String()), wire.DispatchParticipantAdded, map[string]any{
		"conversationId": id,
		"participants":   added,
		"addedBy":        callerID,
	})
	return added, nil
}

// RemoveParticipant removes userID from a conversation. Self-removal is always allowed; removing another user
// requires the caller to be an admin.
func (s *Service) RemoveParticipant(ctx context.Context, id, callerID, userID uuid.UUID) (promoted *uuid.UUID, isSelfRemoval bool, err error) {
	isSelfRemoval = callerID == userID
	if !isSelfRemoval {
		if err := s.requireAdmin(ctx, id, callerID); err != nil {
			return nil, false, err
		}
	} else {
		if err := s.requireParticipant(ctx, id, callerID); err != nil {
			return nil, false, err
		}
	}
	promoted, err = s.conversations.RemoveParticipant(ctx, id, userID)
	if err != nil {
		return nil, isSelfRemoval, err
	}

	room := wire.ConversationRoom(id.String())
	s.notify(ctx, room, wire.DispatchParticipantRemoved, map[string]any{
		"conversationId": id,
		"userId":         userID,
		"removedBy":      callerID,
		"isSelfRemoval":  isSelfRemoval,
	})
	if promoted != nil {
		s.notify(ctx, room, wire.DispatchAdminPromoted, map[string]any{
			"conversationId": id,
			"userId":         *promoted,
			"reason":         "last_admin_left",
		})
	}
	return promoted, isSelfRemoval, nil
}

// UpdateRole promotes or demotes a participant between admin and member. Only an admin may call this; demoting the
// sole admin without an alternative is rejected.
func (s *Service) UpdateRole(ctx context.Context, id, callerID, userID uuid.UUID, isAdmin bool) error {
	if err := s.requireAdmin(ctx, id, callerID); err != nil {
		return err
	}
	if !isAdmin {
		participants, err := s.conversations.ListParticipants(ctx, id)
		if err != nil {
			return err
		}
		admins := 0
		for _, p := range participants {
			if p.IsAdmin {
				admins++
			}
		}
		target, err := s.conversations.GetParticipant(ctx, id, userID)
		if err != nil {
			return err
		}
		if target.IsAdmin && admins <= 1 {
			return ErrLastAdmin
		}
	}
	if err := s.conversations.SetAdmin(ctx, id, userID, isAdmin); err != nil {
		return err
	}
	if isAdmin {
		s.notify(ctx, wire.ConversationRoom(id.String()), wire.DispatchAdminPromoted, map[string]any{
			"conversationId": id,
			"userId":         userID,
			"reason":         "promoted_by_admin",
		})
	}
	return nil
}

// MarkRead advances the caller's last_read_at for a conversation to now.
func (s *Service) MarkRead(ctx context.Context, id, callerID uuid.UUID) error {
	if err := s.requireParticipant(ctx, id, callerID); err != nil {
		return err
	}
	return s.conversations.AdvanceLastReadAt(ctx, id, callerID, time.Now())
}

func (s *Service) requireParticipant(ctx context.Context, id, userID uuid.UUID) error {
	exists, isParticipant, err := s.conversations.ExistsAndParticipant(ctx, id, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if !isParticipant {
		return ErrNotParticipant
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, id, userID uuid.UUID) error {
	_, err := s.requireAdminConv(ctx, id, userID)
	return err
}

// requireAdminConv checks that userID is an active admin of conversation id and returns the conversation.
func (s *Service) requireAdminConv(ctx context.Context, id, userID uuid.UUID) (*Conversation, error) {
	exists, isParticipant, err := s.conversations.ExistsAndParticipant(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	if !isParticipant {
		return nil, ErrNotParticipant
	}
	p, err := s.conversations.GetParticipant(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin {
		return nil, ErrNotAdmin
	}
	return s.conversations.GetByID(ctx, id)
}
