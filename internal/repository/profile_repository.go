package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"careportal/internal/domain"
)

// ErrProfileNotFound is returned by SetRole when no row matches
var ErrProfileNotFound = errors.New("profile not found")

// profileRepository reads public.profiles directly, bypassing PostgREST
type profileRepository struct {
	db Querier
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db Querier) ProfileRepository {
	return &profileRepository{
		db: db,
	}
}

// GetProfile retrieves the profile row for id
func (r *profileRepository) GetProfile(ctx context.Context, id string) (*domain.ProfileRecord, error) {
	query := `
		SELECT id, full_name, role, created_at, updated_at
		FROM public.profiles
		WHERE id = $1
	`

	var profile domain.ProfileRecord
	err := r.db.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.FullName,
		&profile.Role,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &profile, nil
}

// SetRole updates the role of an existing profile
func (r *profileRepository) SetRole(ctx context.Context, id string, role domain.Role) error {
	if !role.Valid() {
		return fmt.Errorf("invalid role %q", role)
	}

	query := `
		UPDATE public.profiles
		SET role = $2, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, string(role))
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}
