package conversation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed conversation repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// directPairLockKey derives a deterministic advisory lock key for an unordered pair of user ids, independent of
// argument order.
func directPairLockKey(userA, userB uuid.UUID) int64 {
	a, b := userA.String(), userB.String()
	if a > b {
		a, b = b, a
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(a))
	_, _ = h.Write([]byte(b))
	return int64(h.Sum64())
}

// CreateDirect opens, or returns the existing, direct conversation between userA and userB. The advisory lock is
// held for the lifetime of the transaction so a concurrent caller for the same pair blocks until this one commits,
// then observes the row that was just created.
func (r *PGRepository) CreateDirect(ctx context.Context, userA, userB uuid.UUID) (*Conversation, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfConversation
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create direct tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("create direct tx rollback failed")
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", directPairLockKey(userA, userB)); err != nil {
		return nil, false, fmt.Errorf("acquire direct pair lock: %w", err)
	}

	existing, err := findDirectConversation(ctx, tx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("commit create direct tx: %w", err)
		}
		return existing, false, nil
	}

	var conv Conversation
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (type, created_by) VALUES ($1, $2)
		 RETURNING id, type, name, avatar_key, created_by, created_at, updated_at`,
		TypeDirect, userA,
	).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.AvatarKey, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert direct conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversation_participants (conversation_id, user_id, is_admin) VALUES ($1, $2, true), ($1, $3, true)`,
		conv.ID, userA, userB,
	); err != nil {
		return nil, false, fmt.Errorf("insert direct participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create direct tx: %w", err)
	}
	return &conv, true, nil
}

// findDirectConversation looks for an existing direct conversation shared by exactly userA and userB.
func findDirectConversation(ctx context.Context, tx pgx.Tx, userA, userB uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := tx.QueryRow(ctx,
		`SELECT c.id, c.type, c.name, c.avatar_key, c.created_by, c.created_at, c.updated_at
		 FROM conversations c
		 WHERE c.type = 'direct'
		   AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $1)
		   AND EXISTS (SELECT 1 FROM conversation_participants p WHERE p.conversation_id = c.id AND p.user_id = $2)
		   AND (SELECT count(*) FROM conversation_participants p WHERE p.conversation_id = c.id) = 2`,
		userA, userB,
	).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.AvatarKey, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query existing direct conversation: %w", err)
	}
	return &conv, nil
}

// CreateGroup inserts a new group conversation, makes the creator an admin, and the remaining participants members.
func (r *PGRepository) CreateGroup(ctx context.Context, params CreateGroupParams) (*Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create group tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("create group tx rollback failed")
		}
	}()

	var conv Conversation
	err = tx.QueryRow(ctx,
		`INSERT INTO conversations (type, name, avatar_key, created_by) VALUES ($1, $2, $3, $4)
		 RETURNING id, type, name, avatar_key, created_by, created_at, updated_at`,
		TypeGroup, params.Name, params.AvatarKey, params.CreatorID,
	).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.AvatarKey, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert group conversation: %w", err)
	}

	batch := &pgx.Batch{}
	for _, uid := range params.ParticipantIDs {
		isAdmin := uid == params.CreatorID
		batch.Queue(
			`INSERT INTO conversation_participants (conversation_id, user_id, is_admin) VALUES ($1, $2, $3)`,
			conv.ID, uid, isAdmin,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range params.ParticipantIDs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("insert group participant: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close group participant batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create group tx: %w", err)
	}
	return &conv, nil
}

// GetByID returns a conversation by id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var conv Conversation
	err := r.db.QueryRow(ctx,
		`SELECT id, type, name, avatar_key, created_by, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &conv.Type, &conv.Name, &conv.AvatarKey, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &conv, nil
}

// ExistsAndParticipant returns whether id exists and whether userID is an active participant, in one round trip.
func (r *PGRepository) ExistsAndParticipant(ctx context.Context, id, userID uuid.UUID) (bool, bool, error) {
	var exists, isParticipant bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1),
		        EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL)`,
		id, userID,
	).Scan(&exists, &isParticipant)
	if err != nil {
		return false, false, fmt.Errorf("check conversation existence and participation: %w", err)
	}
	return exists, isParticipant, nil
}

// ListForUser returns the caller's conversations, optionally filtered by type, newest-activity-first, along with
// the total matching count for pagination.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID, convType *string, limit, offset int) ([]Summary, int, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM conversation_participants p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.user_id = $1 AND p.left_at IS NULL AND ($2::text IS NULL OR c.type = $2)`,
		userID, convType,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.type, c.name, c.avatar_key, c.created_by, c.created_at, c.updated_at,
		        p.is_muted, p.is_archived,
		        COALESCE((SELECT count(*) FROM messages m
		                  WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
		                    AND m.created_at > COALESCE(p.last_read_at, 'epoch'::timestamptz)), 0) AS unread,
		        (SELECT max(m2.created_at) FROM messages m2 WHERE m2.conversation_id = c.id AND m2.deleted_at IS NULL),
		        (SELECT p2.user_id FROM conversation_participants p2
		         WHERE p2.conversation_id = c.id AND p2.user_id != $1 AND c.type = 'direct' LIMIT 1)
		 FROM conversation_participants p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.user_id = $1 AND p.left_at IS NULL AND ($2::text IS NULL OR c.type = $2)
		 ORDER BY c.updated_at DESC
		 LIMIT $3 OFFSET $4`,
		userID, convType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Type, &s.Name, &s.AvatarKey, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
			&s.IsMuted, &s.IsArchived, &s.UnreadCount, &s.LastMessageAt, &s.OtherUserID); err != nil {
			return nil, 0, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversation summaries: %w", err)
	}
	return summaries, total, nil
}

// UpdateGroup applies the non-nil fields in params to a group conversation and returns the updated row. Returns
// ErrNotGroup if the conversation is not a group.
func (r *PGRepository) UpdateGroup(ctx context.Context, id uuid.UUID, params UpdateGroupParams) (*Conversation, error) {
	var setClauses []string
	var args []any

	if params.Name != nil {
		args = append(args, *params.Name)
		setClauses = append(setClauses, "name = $"+strconv.Itoa(len(args)))
	}
	if params.AvatarKey != nil {
		args = append(args, *params.AvatarKey)
		setClauses = append(setClauses, "avatar_key = $"+strconv.Itoa(len(args)))
	}
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := "UPDATE conversations SET " + strings.Join(setClauses, ", ") +
		", updated_at = now() WHERE id = $" + strconv.Itoa(len(args)) + " AND type = 'group'" +
		" RETURNING id, type, name, avatar_key, created_by, created_at, updated_at"

	var conv Conversation
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&conv.ID, &conv.Type, &conv.Name, &conv.AvatarKey, &conv.CreatedBy, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrNotGroup
		}
		return nil, fmt.Errorf("update group conversation: %w", err)
	}
	return &conv, nil
}

// TouchUpdatedAt bumps a conversation's updated_at, used when a new message is sent.
func (r *PGRepository) TouchUpdatedAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, "UPDATE conversations SET updated_at = $1 WHERE id = $2", at, id)
	if err != nil {
		return fmt.Errorf("touch conversation updated_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// participantQuery is the shared SELECT used by ListParticipants.
const participantQuery = `
	SELECT p.user_id, u.username, u.display_name, u.avatar_key, u.status, p.is_admin, p.joined_at, p.last_read_at
	FROM conversation_participants p
	JOIN users u ON u.id = p.user_id
	WHERE p.conversation_id = $1 AND p.left_at IS NULL
	ORDER BY p.joined_at`

// ListParticipants returns the active participants of a conversation joined with their public profile.
func (r *PGRepository) ListParticipants(ctx context.Context, id uuid.UUID) ([]ParticipantWithProfile, error) {
	rows, err := r.db.Query(ctx, participantQuery, id)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []ParticipantWithProfile
	for rows.Next() {
		var p ParticipantWithProfile
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarKey, &p.Status,
			&p.IsAdmin, &p.JoinedAt, &p.LastReadAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// GetParticipant returns a single participant row, regardless of whether they have left.
func (r *PGRepository) GetParticipant(ctx context.Context, id, userID uuid.UUID) (*Participant, error) {
	var p Participant
	err := r.db.QueryRow(ctx,
		`SELECT conversation_id, user_id, is_admin, joined_at, left_at, last_read_at, is_muted, is_archived
		 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`, id, userID,
	).Scan(&p.ConversationID, &p.UserID, &p.IsAdmin, &p.JoinedAt, &p.LeftAt, &p.LastReadAt, &p.IsMuted, &p.IsArchived)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotParticipant
		}
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return &p, nil
}

// AddParticipants activates userIDs on a conversation: new rows are inserted as members, and previously-removed
// users are re-activated by clearing left_at (and resetting joined_at, so re-adding counts as rejoining).
func (r *PGRepository) AddParticipants(ctx context.Context, id uuid.UUID, userIDs []uuid.UUID) ([]ParticipantWithProfile, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add participants tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("add participants tx rollback failed")
		}
	}()

	for _, uid := range userIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)
			 ON CONFLICT (conversation_id, user_id) DO UPDATE SET left_at = NULL, joined_at = now()`,
			id, uid)
		if err != nil {
			return nil, fmt.Errorf("add participant %s: %w", uid, err)
		}
	}

	rows, err := tx.Query(ctx, participantQuery+"", id)
	if err != nil {
		return nil, fmt.Errorf("query added participants: %w", err)
	}
	added := make(map[uuid.UUID]bool, len(userIDs))
	for _, uid := range userIDs {
		added[uid] = true
	}
	var result []ParticipantWithProfile
	for rows.Next() {
		var p ParticipantWithProfile
		if err := rows.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarKey, &p.Status,
			&p.IsAdmin, &p.JoinedAt, &p.LastReadAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan added participant: %w", err)
		}
		if added[p.UserID] {
			result = append(result, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate added participants: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add participants tx: %w", err)
	}
	return result, nil
}

// RemoveParticipant deactivates userID's participation in conversation id. It evaluates last-admin promotion and
// last-participant protection inside a single serializable transaction with row-level locks on the participant set.
func (r *PGRepository) RemoveParticipant(ctx context.Context, id, userID uuid.UUID) (*uuid.UUID, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin remove participant tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("remove participant tx rollback failed")
		}
	}()

	rows, err := tx.Query(ctx,
		`SELECT user_id, is_admin, joined_at FROM conversation_participants
		 WHERE conversation_id = $1 AND left_at IS NULL FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock participants: %w", err)
	}
	type active struct {
		userID   uuid.UUID
		isAdmin  bool
		joinedAt time.Time
	}
	var actives []active
	found := false
	for rows.Next() {
		var a active
		if err := rows.Scan(&a.userID, &a.isAdmin, &a.joinedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan locked participant: %w", err)
		}
		if a.userID == userID {
			found = true
		}
		actives = append(actives, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked participants: %w", err)
	}
	if !found {
		return nil, ErrNotParticipant
	}
	if len(actives) == 1 {
		return nil, ErrLastParticipant
	}

	var promoted *uuid.UUID
	var removingIsAdmin bool
	for _, a := range actives {
		if a.userID == userID {
			removingIsAdmin = a.isAdmin
		}
	}
	if removingIsAdmin {
		otherAdmins := false
		var oldest *active
		for i := range actives {
			a := &actives[i]
			if a.userID == userID {
				continue
			}
			if a.isAdmin {
				otherAdmins = true
			}
			if oldest == nil || a.joinedAt.Before(oldest.joinedAt) {
				oldest = a
			}
		}
		if !otherAdmins && oldest != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE conversation_participants SET is_admin = true WHERE conversation_id = $1 AND user_id = $2`,
				id, oldest.userID); err != nil {
				return nil, fmt.Errorf("promote new admin: %w", err)
			}
			promoted = &oldest.userID
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE conversation_participants SET left_at = now() WHERE conversation_id = $1 AND user_id = $2`,
		id, userID); err != nil {
		return nil, fmt.Errorf("remove participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit remove participant tx: %w", err)
	}
	return promoted, nil
}

// SetAdmin promotes or demotes userID's admin flag. Callers must independently enforce the last-admin rule before
// calling this with isAdmin=false.
func (r *PGRepository) SetAdmin(ctx context.Context, id, userID uuid.UUID, isAdmin bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET is_admin = $1 WHERE conversation_id = $2 AND user_id = $3 AND left_at IS NULL`,
		isAdmin, id, userID)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// SetMuted toggles a participant's mute flag.
func (r *PGRepository) SetMuted(ctx context.Context, id, userID uuid.UUID, muted bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET is_muted = $1 WHERE conversation_id = $2 AND user_id = $3`,
		muted, id, userID)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// SetArchived toggles a participant's archive flag.
func (r *PGRepository) SetArchived(ctx context.Context, id, userID uuid.UUID, archived bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET is_archived = $1 WHERE conversation_id = $2 AND user_id = $3`,
		archived, id, userID)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotParticipant
	}
	return nil
}

// AdvanceLastReadAt sets last_read_at to at, but only if it is greater than the current value (monotonic).
func (r *PGRepository) AdvanceLastReadAt(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversation_participants SET last_read_at = $1
		 WHERE conversation_id = $2 AND user_id = $3 AND (last_read_at IS NULL OR last_read_at < $1)`,
		at, id, userID)
	if err != nil {
		return fmt.Errorf("advance last read at: %w", err)
	}
	_ = tag
	return nil
}
