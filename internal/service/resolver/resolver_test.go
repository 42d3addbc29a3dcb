package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careportal/internal/domain"
	"careportal/internal/service/servicetest"
	"careportal/internal/sessioncache"
	"careportal/pkg/logger"
)

func strPtr(s string) *string { return &s }

func identity(id string, meta domain.SignUpMetadata) *domain.UserIdentity {
	confirmed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.UserIdentity{
		ID:               id,
		Email:            id + "@example.com",
		EmailConfirmedAt: &confirmed,
		Metadata:         meta,
		CreatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		identity  *domain.UserIdentity
		profile   *domain.ProfileRecord
		profErr   error
		wantRole  domain.Role
		wantFirst string
		wantLast  string
	}{
		{
			name:      "profile role and name",
			identity:  identity("u1", domain.SignUpMetadata{Role: "patient"}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("Gregory House"), Role: strPtr("doctor")},
			wantRole:  domain.RoleDoctor,
			wantFirst: "Gregory",
			wantLast:  "House",
		},
		{
			name:      "profile name split on first space",
			identity:  identity("u1", domain.SignUpMetadata{}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("Ana Maria Lima"), Role: strPtr("admin")},
			wantRole:  domain.RoleAdmin,
			wantFirst: "Ana",
			wantLast:  "Maria Lima",
		},
		{
			name:      "unsplittable name",
			identity:  identity("u1", domain.SignUpMetadata{}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("Cher"), Role: strPtr("patient")},
			wantRole:  domain.RolePatient,
			wantFirst: "Cher",
		},
		{
			name:      "null profile role defaults to patient",
			identity:  identity("u1", domain.SignUpMetadata{Role: "doctor"}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("Pat Smith")},
			wantRole:  domain.RolePatient,
			wantFirst: "Pat",
			wantLast:  "Smith",
		},
		{
			name:      "unrecognised profile role defaults to patient",
			identity:  identity("u1", domain.SignUpMetadata{}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("Pat Smith"), Role: strPtr("nurse")},
			wantRole:  domain.RolePatient,
			wantFirst: "Pat",
			wantLast:  "Smith",
		},
		{
			name:      "blank profile name uses metadata",
			identity:  identity("u1", domain.SignUpMetadata{FirstName: "Meta", LastName: "Data"}),
			profile:   &domain.ProfileRecord{ID: "u1", FullName: strPtr("  "), Role: strPtr("doctor")},
			wantRole:  domain.RoleDoctor,
			wantFirst: "Meta",
			wantLast:  "Data",
		},
		{
			name:      "missing profile uses metadata role",
			identity:  identity("u1", domain.SignUpMetadata{FirstName: "Dana", LastName: "Scully", Role: "doctor"}),
			wantRole:  domain.RoleDoctor,
			wantFirst: "Dana",
			wantLast:  "Scully",
		},
		{
			name:      "missing profile and no metadata role",
			identity:  identity("u1", domain.SignUpMetadata{FullName: "Fox Mulder"}),
			wantRole:  domain.RolePatient,
			wantFirst: "Fox",
			wantLast:  "Mulder",
		},
		{
			name:     "metadata cannot grant admin",
			identity: identity("u1", domain.SignUpMetadata{Role: "admin"}),
			wantRole: domain.RolePatient,
		},
		{
			name:      "profile error falls back to metadata",
			identity:  identity("u1", domain.SignUpMetadata{FirstName: "Dana", Role: "Doctor"}),
			profErr:   errors.New("connection reset"),
			wantRole:  domain.RoleDoctor,
			wantFirst: "Dana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := servicetest.NewProvider()
			p.SetSignedIn(tt.identity)
			if tt.profile != nil {
				p.Profiles[tt.profile.ID] = tt.profile
			}
			p.ProfileErr = tt.profErr

			user := New(logger.NewNop()).Resolve(context.Background(), p, p)
			require.NotNil(t, user)
			assert.Equal(t, tt.identity.ID, user.ID)
			assert.Equal(t, tt.identity.Email, user.Email)
			assert.Equal(t, tt.wantRole, user.Role)
			assert.True(t, user.Role.Valid())
			assert.Equal(t, tt.wantFirst, user.FirstName)
			assert.Equal(t, tt.wantLast, user.LastName)
			assert.True(t, user.IsEmailVerified)
		})
	}
}

func TestResolve_SignedOut(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *servicetest.Provider)
	}{
		{name: "no session", setup: func(p *servicetest.Provider) {}},
		{
			name: "session lookup fails",
			setup: func(p *servicetest.Provider) {
				p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
				p.SessionErr = domain.ErrProviderUnavailable
			},
		},
		{
			name: "user lookup fails",
			setup: func(p *servicetest.Provider) {
				p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
				p.UserErr = domain.ErrProviderUnavailable
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := servicetest.NewProvider()
			tt.setup(p)
			assert.Nil(t, New(logger.NewNop()).Resolve(context.Background(), p, p))
		})
	}
}

func TestResolve_UnverifiedEmail(t *testing.T) {
	id := identity("u1", domain.SignUpMetadata{})
	id.EmailConfirmedAt = nil

	p := servicetest.NewProvider()
	p.SetSignedIn(id)

	user := New(logger.NewNop()).Resolve(context.Background(), p, p)
	require.NotNil(t, user)
	assert.False(t, user.IsEmailVerified)
}

func TestResolve_SignUpWithoutProfileRow(t *testing.T) {
	p := servicetest.NewProvider()
	_, _, err := p.SignUp(context.Background(), "house@example.com", "vicodin", domain.SignUpMetadata{
		FirstName: "Gregory",
		LastName:  "House",
		Role:      "doctor",
	})
	require.NoError(t, err)

	user := New(logger.NewNop()).Resolve(context.Background(), p, p)
	require.NotNil(t, user)
	assert.Equal(t, domain.RoleDoctor, user.Role)
	assert.Equal(t, "Gregory", user.FirstName)
	assert.Equal(t, "House", user.LastName)
	assert.Equal(t, "house@example.com", user.Email)
}

func TestResolve_ProfileTimeoutFallsBack(t *testing.T) {
	p := servicetest.NewProvider()
	p.SetSignedIn(identity("u1", domain.SignUpMetadata{Role: "doctor"}))
	p.Profiles["u1"] = &domain.ProfileRecord{ID: "u1", Role: strPtr("admin")}
	p.ProfileDelay = time.Second

	r := New(logger.NewNop(), WithProfileTimeout(20*time.Millisecond))
	user := r.Resolve(context.Background(), p, p)
	require.NotNil(t, user)
	assert.Equal(t, domain.RoleDoctor, user.Role)
}

func TestResolve_CallerCancellation(t *testing.T) {
	p := servicetest.NewProvider()
	p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
	p.ProfileDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	user := New(logger.NewNop()).Resolve(ctx, p, p)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NotNil(t, user)
	assert.Equal(t, domain.RolePatient, user.Role)
}

func TestResolve_SharesConcurrentProfileLookups(t *testing.T) {
	p := servicetest.NewProvider()
	p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
	p.Profiles["u1"] = &domain.ProfileRecord{ID: "u1", Role: strPtr("doctor")}
	p.ProfileDelay = 50 * time.Millisecond

	r := New(logger.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := r.Resolve(context.Background(), p, p)
			assert.Equal(t, domain.RoleDoctor, user.Role)
		}()
	}
	wg.Wait()

	assert.Less(t, p.ProfileCalls(), 8)
}

func TestResolveCached(t *testing.T) {
	ctx := context.Background()
	p := servicetest.NewProvider()
	p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
	p.Profiles["u1"] = &domain.ProfileRecord{ID: "u1", Role: strPtr("doctor")}

	cache := sessioncache.New(sessioncache.NewMemoryStore(), logger.NewNop())
	r := New(logger.NewNop())

	first := r.ResolveCached(ctx, p, p, cache)
	require.NotNil(t, first)
	assert.Equal(t, 1, p.ProfileCalls())

	// A fresh entry is served without touching the provider
	p.Profiles["u1"] = &domain.ProfileRecord{ID: "u1", Role: strPtr("admin")}
	second := r.ResolveCached(ctx, p, p, cache)
	assert.Equal(t, domain.RoleDoctor, second.Role)
	assert.Equal(t, 1, p.ProfileCalls())

	require.NoError(t, cache.Clear(ctx))
	third := r.ResolveCached(ctx, p, p, cache)
	assert.Equal(t, domain.RoleAdmin, third.Role)
}

func TestResolveCached_SignedOutIsCached(t *testing.T) {
	ctx := context.Background()
	p := servicetest.NewProvider()
	cache := sessioncache.New(sessioncache.NewMemoryStore(), logger.NewNop())

	assert.Nil(t, New(logger.NewNop()).ResolveCached(ctx, p, p, cache))

	entry := cache.Read(ctx)
	require.NotNil(t, entry)
	assert.Nil(t, entry.User)
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in, first, last string
	}{
		{"Ana Lima", "Ana", "Lima"},
		{"Ana  Maria Lima", "Ana", "Maria Lima"},
		{" Cher ", "Cher", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		first, last := splitFullName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}

func TestResolveCached_FailuresAreNotCached(t *testing.T) {
	ctx := context.Background()
	p := servicetest.NewProvider()
	p.SetSignedIn(identity("u1", domain.SignUpMetadata{}))
	p.UserErr = domain.ErrProviderUnavailable

	cache := sessioncache.New(sessioncache.NewMemoryStore(), logger.NewNop())
	r := New(logger.NewNop())

	assert.Nil(t, r.ResolveCached(ctx, p, p, cache))
	assert.Nil(t, cache.Read(ctx))

	p.UserErr = nil
	user := r.ResolveCached(ctx, p, p, cache)
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)
}
