// Package domain contains the core business entities and interfaces.
package domain

import (
	"context"
	"time"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID       string
	TokenVersion int
	Email        string
}

// User is an account as seen by the auth collaborator.
type User struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Email        string    `db:"email"`
	TokenVersion int       `db:"token_version"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// UserRepository defines the port for user persistence operations.
type UserRepository interface {
	GetUser(ctx context.Context, id string) (*User, error)
	// EnsureUser returns the user with id, creating it when missing.
	EnsureUser(ctx context.Context, id, email string) (*User, error)
	// BumpTokenVersion increments the token version, revoking every
	// outstanding token of the user, and returns the new version.
	BumpTokenVersion(ctx context.Context, id string) (int, error)
}

// RefreshToken is a stored refresh credential. Only a bcrypt hash of the
// secret half is kept.
type RefreshToken struct {
	ID           string     `db:"id"`
	UserID       string     `db:"user_id"`
	Hash         string     `db:"token_hash"`
	TokenVersion int        `db:"token_version"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CreatedAt    time.Time  `db:"created_at"`
	RotatedAt    *time.Time `db:"rotated_at"`
}

// RefreshTokenRepository defines the port for refresh token persistence.
type RefreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// MarkRotated stamps rotated_at if it is unset and reports whether this
	// call did so.
	MarkRotated(ctx context.Context, id string, at time.Time) (bool, error)
}
