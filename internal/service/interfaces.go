package service

import (
	"context"

	"careportal/internal/domain"
)

// SessionSource is the read side of the identity provider the resolver needs
type SessionSource interface {
	// GetSession returns the current session, or nil when signed out
	GetSession(ctx context.Context) (*domain.Session, error)

	// GetUser returns the identity behind the current session, or nil when
	// the provider does not recognise it
	GetUser(ctx context.Context) (*domain.UserIdentity, error)
}

// ProfileStore looks up profile rows
type ProfileStore interface {
	// GetProfile returns the profile for id, or nil when no row exists
	GetProfile(ctx context.Context, id string) (*domain.ProfileRecord, error)
}

// UserAttributes are the mutable fields of an identity
type UserAttributes struct {
	Email    string                 `json:"email,omitempty"`
	Password string                 `json:"password,omitempty"`
	Data     *domain.SignUpMetadata `json:"data,omitempty"`
}

// Subscription is a handle to an auth state listener
type Subscription interface {
	Unsubscribe()
}

// IdentityProvider is the full identity provider client
type IdentityProvider interface {
	SessionSource
	ProfileStore

	// SignInWithPassword exchanges credentials for a session
	SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error)

	// SignUp registers a new identity. The session is nil when the provider
	// requires email confirmation first.
	SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (*domain.Session, *domain.UserIdentity, error)

	// SignOut ends the current session. Local state is cleared even when the
	// provider call fails.
	SignOut(ctx context.Context) error

	// ResetPasswordForEmail sends a recovery link that lands on redirectTo
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error

	// UpdateUser changes attributes of the signed-in identity
	UpdateUser(ctx context.Context, attrs UserAttributes) (*domain.UserIdentity, error)

	// OnAuthStateChange registers fn for every subsequent auth event
	OnAuthStateChange(fn func(domain.AuthEvent)) Subscription
}
