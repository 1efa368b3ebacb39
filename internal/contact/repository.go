package contact

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed contact repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Add inserts a one-directional contact relationship. Returns ErrSelfContact if ownerID equals contactID, and
// ErrAlreadyExists if the relationship already exists.
func (r *PGRepository) Add(ctx context.Context, ownerID, contactID uuid.UUID) error {
	if ownerID == contactID {
		return ErrSelfContact
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO contacts (owner_id, contact_id) VALUES ($1, $2)`, ownerID, contactID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		if postgres.IsCheckViolation(err) {
			return ErrSelfContact
		}
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// Remove deletes a contact relationship. Returns ErrNotFound if it did not exist.
func (r *PGRepository) Remove(ctx context.Context, ownerID, contactID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM contacts WHERE owner_id = $1 AND contact_id = $2`, ownerID, contactID)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the single contact relationship row for (ownerID, contactID).
func (r *PGRepository) Get(ctx context.Context, ownerID, contactID uuid.UUID) (*Contact, error) {
	var c Contact
	err := r.db.QueryRow(ctx,
		`SELECT owner_id, contact_id, nickname, is_blocked, is_favorite, added_at
		 FROM contacts WHERE owner_id = $1 AND contact_id = $2`, ownerID, contactID,
	).Scan(&c.OwnerID, &c.ContactID, &c.Nickname, &c.IsBlocked, &c.IsFavorite, &c.AddedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query contact: %w", err)
	}
	return &c, nil
}

// Exists reports whether ownerID has added contactID.
func (r *PGRepository) Exists(ctx context.Context, ownerID, contactID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM contacts WHERE owner_id = $1 AND contact_id = $2)`,
		ownerID, contactID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check contact exists: %w", err)
	}
	return exists, nil
}

// List returns ownerID's contacts joined with each contact's public profile, ordered by favorite first then username.
func (r *PGRepository) List(ctx context.Context, ownerID uuid.UUID) ([]WithProfile, error) {
	rows, err := r.db.Query(ctx,
		`SELECT c.contact_id, u.username, u.display_name, u.avatar_key, u.status,
		        c.nickname, c.is_blocked, c.is_favorite, c.added_at
		 FROM contacts c
		 JOIN users u ON u.id = c.contact_id
		 WHERE c.owner_id = $1
		 ORDER BY c.is_favorite DESC, u.username`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var results []WithProfile
	for rows.Next() {
		var w WithProfile
		if err := rows.Scan(&w.ContactID, &w.Username, &w.DisplayName, &w.AvatarKey, &w.Status,
			&w.Nickname, &w.IsBlocked, &w.IsFavorite, &w.AddedAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

// Update applies the non-nil fields in params to the contact relationship and returns the updated row.
func (r *PGRepository) Update(ctx context.Context, ownerID, contactID uuid.UUID, params UpdateParams) (*Contact, error) {
	var setClauses []string
	var args []any

	if params.Nickname != nil {
		args = append(args, *params.Nickname)
		setClauses = append(setClauses, "nickname = $"+strconv.Itoa(len(args)))
	}
	if params.IsFavorite != nil {
		args = append(args, *params.IsFavorite)
		setClauses = append(setClauses, "is_favorite = $"+strconv.Itoa(len(args)))
	}

	if len(setClauses) == 0 {
		return r.Get(ctx, ownerID, contactID)
	}

	args = append(args, ownerID, contactID)
	query := "UPDATE contacts SET " + strings.Join(setClauses, ", ") +
		" WHERE owner_id = $" + strconv.Itoa(len(args)-1) + " AND contact_id = $" + strconv.Itoa(len(args)) +
		" RETURNING owner_id, contact_id, nickname, is_blocked, is_favorite, added_at"

	var c Contact
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&c.OwnerID, &c.ContactID, &c.Nickname, &c.IsBlocked, &c.IsFavorite, &c.AddedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update contact: %w", err)
	}
	return &c, nil
}

// SetBlocked flips the directional is_blocked flag on ownerID's view of contactID.
func (r *PGRepository) SetBlocked(ctx context.Context, ownerID, contactID uuid.UUID, blocked bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE contacts SET is_blocked = $1 WHERE owner_id = $2 AND contact_id = $3`,
		blocked, ownerID, contactID)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Blocked reports whether either userA→userB or userB→userA carries is_blocked = true.
func (r *PGRepository) Blocked(ctx context.Context, userA, userB uuid.UUID) (bool, error) {
	var blocked bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM contacts
		    WHERE is_blocked AND (
		        (owner_id = $1 AND contact_id = $2) OR
		        (owner_id = $2 AND contact_id = $1)
		    )
		 )`, userA, userB,
	).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check blocked: %w", err)
	}
	return blocked, nil
}

// MutualIDs returns the IDs of users who are in userID's contact list, who also carry userID in their own contact
// list, excluding any relationship blocked in either direction. This is the "visible audience" the Presence service
// broadcasts status changes to.
func (r *PGRepository) MutualIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT c1.contact_id
		 FROM contacts c1
		 JOIN contacts c2 ON c2.owner_id = c1.contact_id AND c2.contact_id = c1.owner_id
		 WHERE c1.owner_id = $1 AND NOT c1.is_blocked AND NOT c2.is_blocked`, userID)
	if err != nil {
		return nil, fmt.Errorf("query mutual contacts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mutual contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
