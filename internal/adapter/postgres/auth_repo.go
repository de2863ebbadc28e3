package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"nutrisync/internal/domain"
)

const userCols = `id, COALESCE(name, '') AS name, COALESCE(email, '') AS email, token_version, created_at, updated_at`

// GetUser retrieves a live user by ID.
func (d *DB) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := d.db.GetContext(ctx, &u, `SELECT `+userCols+` FROM users WHERE id = $1 AND `+domain.NotDeletedSQL, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser creates the user row on first sight and journals the insert.
func (d *DB) EnsureUser(ctx context.Context, id, email string) (*domain.User, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now, err := lockWriter(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at, updated_at) VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`,
		id, email, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := insertLog(ctx, tx, domain.SyncLogEntry{
			ID:        uuid.NewString(),
			UserID:    id,
			TableName: "users",
			RecordID:  id,
			Action:    domain.ActionCreate,
			Payload:   map[string]any{"email": email},
			SyncedAt:  now,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d.GetUser(ctx, id)
}

// BumpTokenVersion increments the user's token version.
func (d *DB) BumpTokenVersion(ctx context.Context, id string) (int, error) {
	var v int
	err := d.db.GetContext(ctx, &v,
		`UPDATE users SET token_version = token_version + 1 WHERE id = $1 AND `+domain.NotDeletedSQL+` RETURNING token_version`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return v, err
}

// CreateRefreshToken stores a refresh token hash.
func (d *DB) CreateRefreshToken(ctx context.Context, t *domain.RefreshToken) error {
	_, err := d.db.NamedExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, token_version, expires_at, created_at)
		 VALUES (:id, :user_id, :token_hash, :token_version, :expires_at, :created_at)`, t)
	return err
}

// GetRefreshToken retrieves a refresh token by its lookup id.
func (d *DB) GetRefreshToken(ctx context.Context, id string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := d.db.GetContext(ctx, &t,
		`SELECT id, user_id, token_hash, token_version, expires_at, created_at, rotated_at FROM refresh_tokens WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkRotated stamps rotated_at once.
func (d *DB) MarkRotated(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET rotated_at = $1 WHERE id = $2 AND rotated_at IS NULL`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
