package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"careportal/internal/domain"
)

// Querier is the subset of pgxpool.Pool the repositories use
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ProfileRepository defines the interface for profile data operations
type ProfileRepository interface {
	// GetProfile retrieves a profile by user id, returning nil when absent
	GetProfile(ctx context.Context, id string) (*domain.ProfileRecord, error)

	// SetRole changes a user's role. Admin promotion goes through here.
	SetRole(ctx context.Context, id string, role domain.Role) error
}
