package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.reply_to_id,
m.created_at, m.updated_at, m.deleted_at,
u.username, u.display_name, u.avatar_key`

const baseJoin = "FROM messages m JOIN users u ON u.id = m.sender_id"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new message plus a sent-state MessageStatus row for every recipient, atomically. When
// reply_to_id is set, the referenced message must exist in the same conversation.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create message tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Warn().Err(err).Msg("create message tx rollback failed")
		}
	}()

	if params.ReplyToID != nil {
		var exists bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)",
			*params.ReplyToID, params.ConversationID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check reply target: %w", err)
		}
		if !exists {
			return nil, ErrReplyNotFound
		}
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content, reply_to_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		params.ConversationID, params.SenderID, params.Content, params.ReplyToID,
	)

	var msg Message
	msg.ConversationID = params.ConversationID
	msg.SenderID = params.SenderID
	msg.Content = params.Content
	msg.ReplyToID = params.ReplyToID
	if err := row.Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE conversations SET updated_at = $1 WHERE id = $2", msg.CreatedAt, params.ConversationID); err != nil {
		return nil, fmt.Errorf("bump conversation updated_at: %w", err)
	}

	if len(params.RecipientIDs) > 0 {
		batch := &pgx.Batch{}
		for _, recipientID := range params.RecipientIDs {
			batch.Queue(
				"INSERT INTO message_status (message_id, user_id, state) VALUES ($1, $2, $3)",
				msg.ID, recipientID, StatusSent)
		}
		br := tx.SendBatch(ctx, batch)
		for range params.RecipientIDs {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("insert message status: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("close message status batch: %w", err)
		}
	}

	if err := tx.QueryRow(ctx,
		"SELECT username, display_name, avatar_key FROM users WHERE id = $1", params.SenderID,
	).Scan(&msg.SenderUsername, &msg.SenderDisplayName, &msg.SenderAvatarKey); err != nil {
		return nil, fmt.Errorf("fetch sender info: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create message tx: %w", err)
	}
	return &msg, nil
}

// GetByID returns a message regardless of deleted state.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s %s WHERE m.id = $1", selectColumns, baseJoin), id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List returns messages in a conversation ordered newest first, honoring a (createdAt, id) keyset cursor.
func (r *PGRepository) List(ctx context.Context, conversationID uuid.UUID, cursor *Cursor, limit int, includeDeleted bool) ([]Message, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE m.conversation_id = $1", selectColumns, baseJoin)
	args := []any{conversationID}

	if !includeDeleted {
		query += " AND m.deleted_at IS NULL"
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (m.created_at, m.id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY m.created_at DESC, m.id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Update sets new content on a non-deleted message and bumps updated_at. Returns the updated message with joined
// sender information.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, content string, at time.Time) (*Message, error) {
	var updatedID uuid.UUID
	err := r.db.QueryRow(ctx,
		`UPDATE messages SET content = $1, updated_at = $2
		 WHERE id = $3 AND deleted_at IS NULL
		 RETURNING id`, content, at, id,
	).Scan(&updatedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return r.GetByID(ctx, updatedID)
}

// SoftDelete marks a message as deleted. Returns ErrNotFound if the message does not exist or is already deleted,
// making a repeated delete an idempotent no-op from the caller's perspective.
func (r *PGRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL", at, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDelivered transitions message_status rows from sent to delivered for userID.
func (r *PGRepository) MarkDelivered(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE message_status SET state = $1, updated_at = now()
		 WHERE user_id = $2 AND message_id = ANY($3) AND state = $4
		 RETURNING message_id`,
		StatusDelivered, userID, messageIDs, StatusSent)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	defer rows.Close()

	var updated []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered message id: %w", err)
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

// MarkRead transitions message_status rows from sent or delivered to read for userID, returning the updated ids and
// the greatest created_at among the underlying messages.
func (r *PGRepository) MarkRead(ctx context.Context, userID uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, *time.Time, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE message_status ms SET state = $1, updated_at = now()
		 FROM messages m
		 WHERE ms.message_id = m.id AND ms.user_id = $2 AND ms.message_id = ANY($3) AND ms.state != $1
		 RETURNING ms.message_id, m.created_at`,
		StatusRead, userID, messageIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()

	return scanReadTransition(rows)
}

// MarkConversationRead transitions every unread message_status row in a conversation to read for userID.
func (r *PGRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, *time.Time, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE message_status ms SET state = $1, updated_at = now()
		 FROM messages m
		 WHERE ms.message_id = m.id AND m.conversation_id = $2 AND ms.user_id = $3 AND ms.state != $1
		 RETURNING ms.message_id, m.created_at`,
		StatusRead, conversationID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("mark conversation read: %w", err)
	}
	defer rows.Close()

	return scanReadTransition(rows)
}

func scanReadTransition(rows pgx.Rows) ([]uuid.UUID, *time.Time, error) {
	var updated []uuid.UUID
	var latest *time.Time
	for rows.Next() {
		var id uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan read transition: %w", err)
		}
		updated = append(updated, id)
		if latest == nil || createdAt.After(*latest) {
			latest = &createdAt
		}
	}
	return updated, latest, rows.Err()
}

// UnreadCount returns the number of non-deleted messages in conversationID newer than userID's last_read_at.
func (r *PGRepository) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM messages m
		 WHERE m.conversation_id = $1 AND m.deleted_at IS NULL
		   AND m.created_at > COALESCE(
		       (SELECT last_read_at FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2),
		       'epoch'::timestamptz)`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.ReplyToID,
		&msg.CreatedAt, &msg.UpdatedAt, &msg.DeletedAt,
		&msg.SenderUsername, &msg.SenderDisplayName, &msg.SenderAvatarKey,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
