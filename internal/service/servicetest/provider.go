// Package servicetest provides an in-memory identity provider for tests.
package servicetest

import (
	"context"
	"sync"
	"time"

	"careportal/internal/domain"
	"careportal/internal/service"
	"careportal/internal/service/auth"
)

// Provider is an in-memory service.IdentityProvider. Accounts maps email to
// password; Identities maps email to the identity returned on sign-in.
type Provider struct {
	mu sync.Mutex

	session  *domain.Session
	identity *domain.UserIdentity

	Accounts   map[string]string
	Identities map[string]*domain.UserIdentity
	Profiles   map[string]*domain.ProfileRecord

	SessionErr error
	UserErr    error
	ProfileErr error
	// ProfileDelay is slept inside GetProfile, honouring ctx
	ProfileDelay time.Duration

	profileCalls int
	events       *auth.Broadcaster
}

var _ service.IdentityProvider = (*Provider)(nil)

// NewProvider creates a signed-out provider with no accounts
func NewProvider() *Provider {
	return &Provider{
		Accounts:   make(map[string]string),
		Identities: make(map[string]*domain.UserIdentity),
		Profiles:   make(map[string]*domain.ProfileRecord),
		events:     auth.NewBroadcaster(),
	}
}

// SetSignedIn installs a session for identity without emitting an event
func (p *Provider) SetSignedIn(identity *domain.UserIdentity) *domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = identity
	p.session = &domain.Session{
		AccessToken:  "access-" + identity.ID,
		RefreshToken: "refresh-" + identity.ID,
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         *identity,
	}
	return p.session
}

// SetSignedOut drops the session without emitting an event
func (p *Provider) SetSignedOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	p.identity = nil
}

// Emit broadcasts an auth event carrying the current session
func (p *Provider) Emit(eventType domain.AuthEventType) domain.AuthEvent {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	return p.events.Emit(eventType, sess)
}

// ProfileCalls reports how many times GetProfile reached the store
func (p *Provider) ProfileCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profileCalls
}

func (p *Provider) GetSession(ctx context.Context) (*domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SessionErr != nil {
		return nil, p.SessionErr
	}
	return p.session, nil
}

func (p *Provider) GetUser(ctx context.Context) (*domain.UserIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UserErr != nil {
		return nil, p.UserErr
	}
	if p.session == nil {
		return nil, nil
	}
	return p.identity, nil
}

func (p *Provider) GetProfile(ctx context.Context, id string) (*domain.ProfileRecord, error) {
	p.mu.Lock()
	p.profileCalls++
	delay := p.ProfileDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProfileErr != nil {
		return nil, p.ProfileErr
	}
	return p.Profiles[id], nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	p.mu.Lock()
	want, ok := p.Accounts[email]
	identity := p.Identities[email]
	p.mu.Unlock()

	if !ok || want != password || identity == nil {
		return nil, domain.ErrInvalidCredentials
	}
	sess := p.SetSignedIn(identity)
	p.events.Emit(domain.EventSignedIn, sess)
	return sess, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (*domain.Session, *domain.UserIdentity, error) {
	p.mu.Lock()
	if _, exists := p.Accounts[email]; exists {
		p.mu.Unlock()
		return nil, nil, domain.ErrUserAlreadyRegistered
	}
	if len(password) < 6 {
		p.mu.Unlock()
		return nil, nil, domain.ErrWeakPassword
	}
	now := time.Now()
	identity := &domain.UserIdentity{
		ID:               "user-" + email,
		Email:            email,
		EmailConfirmedAt: &now,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	p.Accounts[email] = password
	p.Identities[email] = identity
	p.mu.Unlock()

	sess := p.SetSignedIn(identity)
	p.events.Emit(domain.EventSignedIn, sess)
	return sess, identity, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.SetSignedOut()
	p.events.Emit(domain.EventSignedOut, nil)
	return nil
}

func (p *Provider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return nil
}

func (p *Provider) UpdateUser(ctx context.Context, attrs service.UserAttributes) (*domain.UserIdentity, error) {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return nil, domain.ErrSessionMissing
	}
	updated := *p.identity
	if attrs.Email != "" {
		updated.Email = attrs.Email
	}
	if attrs.Password != "" {
		p.Accounts[updated.Email] = attrs.Password
	}
	p.identity = &updated
	p.session.User = updated
	sess := p.session
	p.mu.Unlock()

	p.events.Emit(domain.EventUserUpdated, sess)
	return &updated, nil
}

func (p *Provider) OnAuthStateChange(fn func(domain.AuthEvent)) service.Subscription {
	return p.events.Subscribe(fn)
}
