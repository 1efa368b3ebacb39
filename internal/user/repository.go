package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, email, username, password_hash, display_name, bio, avatar_key, status,
	hide_read_status, active, last_seen_at, created_at`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	var status string
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.DisplayName, &u.Bio, &u.AvatarKey, &status,
		&u.HideReadStatus, &u.Active, &u.LastSeenAt, &u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Status = Status(status)
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user row and returns its generated ID.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		params.Email, params.Username, params.PasswordHash,
	).Scan(&userID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return uuid.Nil, ErrAlreadyExists
		}
		return uuid.Nil, fmt.Errorf("insert user: %w", err)
	}
	return userID, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user matching the given email address, including the password hash. This is the sole
// credentials-bearing read method and serves the login path.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// Update applies the non-nil fields in params to the user row and returns the updated user. Returns ErrNotFound if no
// row matches the given ID.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error) {
	var setClauses []string
	var args []any

	if params.DisplayName != nil {
		args = append(args, *params.DisplayName)
		setClauses = append(setClauses, "display_name = $"+strconv.Itoa(len(args)))
	}
	if params.Bio != nil {
		args = append(args, *params.Bio)
		setClauses = append(setClauses, "bio = $"+strconv.Itoa(len(args)))
	}
	if params.AvatarKey != nil {
		args = append(args, *params.AvatarKey)
		setClauses = append(setClauses, "avatar_key = $"+strconv.Itoa(len(args)))
	}

	// No fields to update. Return the current row without issuing an UPDATE so the database trigger does not bump
	// updated_at. A no-op PATCH should not alter the modification timestamp.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := "UPDATE users SET " + strings.Join(setClauses, ", ") +
		" WHERE id = $" + strconv.Itoa(len(args)) +
		" RETURNING " + selectColumns

	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// UpdateStatus sets the advisory status field on the user row. The Presence service is the authoritative source for
// live status; this write lags and is best-effort.
func (r *PGRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHideReadStatus toggles whether read receipts are broadcast for this user.
func (r *PGRepository) UpdateHideReadStatus(ctx context.Context, id uuid.UUID, hide bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET hide_read_status = $1 WHERE id = $2`, hide, id)
	if err != nil {
		return fmt.Errorf("update hide_read_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePasswordHash updates the stored password hash for a user, used for lazy hash rotation when Argon2 parameters
// change and for explicit password changes.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// TouchLastSeen persists the advisory last-seen timestamp, called by the Presence service when a user's connection
// count reaches zero.
func (r *PGRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET last_seen_at = $1, status = 'offline' WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// Deactivate flips the active flag to false. Deactivated users can no longer authenticate, but their rows, messages,
// and conversation history remain intact.
func (r *PGRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Search finds active users whose username or display name matches the query (case-insensitive prefix/substring via
// citext), excluding the given IDs (typically the caller and their existing contacts).
func (r *PGRepository) Search(ctx context.Context, query string, excludeIDs []uuid.UUID, limit int) ([]Public, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, username, display_name, bio, avatar_key, status, last_seen_at
		 FROM users
		 WHERE active = true
		   AND NOT (id = ANY($1))
		   AND (username ILIKE '%' || $2 || '%' OR display_name ILIKE '%' || $2 || '%')
		 ORDER BY username
		 LIMIT $3`,
		excludeIDs, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var results []Public
	for rows.Next() {
		var p Public
		var status string
		if err := rows.Scan(&p.ID, &p.Username, &p.DisplayName, &p.Bio, &p.AvatarKey, &status, &p.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		p.Status = Status(status)
		results = append(results, p)
	}
	return results, rows.Err()
}
