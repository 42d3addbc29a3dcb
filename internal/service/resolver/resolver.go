// Package resolver turns an identity provider session into an
// AuthenticatedUser with a trustworthy role.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/internal/service"
	"careportal/internal/sessioncache"
	"careportal/pkg/logger"
)

const defaultProfileTimeout = 3 * time.Second

// Resolver is the Role Resolver. It never fails: every provider or profile
// error degrades to signed-out or to the sign-up metadata fallback.
type Resolver struct {
	group          singleflight.Group
	logger         *logger.Logger
	profileTimeout time.Duration
}

// Option configures a Resolver
type Option func(*Resolver)

// WithProfileTimeout bounds the shared profile lookup
func WithProfileTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.profileTimeout = d
	}
}

// New creates a resolver
func New(log *logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		logger:         log.Named("resolver"),
		profileTimeout: defaultProfileTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the signed-in user, or nil when there is no usable session
func (r *Resolver) Resolve(ctx context.Context, src service.SessionSource, profiles service.ProfileStore) *domain.AuthenticatedUser {
	user, err := r.TryResolve(ctx, src, profiles)
	if err != nil {
		r.logger.WithError(err).Warn("Identity lookup failed, treating as signed out")
		return nil
	}
	return user
}

// TryResolve is Resolve without the soft failure on the identity side: a
// session or user lookup error is returned so callers can avoid caching it.
// Profile errors still fall back to sign-up metadata.
func (r *Resolver) TryResolve(ctx context.Context, src service.SessionSource, profiles service.ProfileStore) (*domain.AuthenticatedUser, error) {
	sess, err := src.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}

	identity, err := src.GetUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if identity == nil {
		return nil, nil
	}

	profile, err := r.lookupProfile(ctx, profiles, identity.ID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", identity.ID).Warn("Profile lookup failed, using sign-up metadata")
		metrics.ResolverFallbacks.WithLabelValues("profile_error").Inc()
	}

	if profile == nil {
		if err == nil {
			metrics.ResolverFallbacks.WithLabelValues("profile_missing").Inc()
		}
		return r.fromMetadata(identity), nil
	}
	return r.fromProfile(identity, profile), nil
}

// ResolveCached returns the cached resolution when fresh, otherwise resolves
// and commits under a ticket taken before the resolution started. Failed
// lookups are not cached.
func (r *Resolver) ResolveCached(ctx context.Context, src service.SessionSource, profiles service.ProfileStore, cache *sessioncache.Cache) *domain.AuthenticatedUser {
	if entry := cache.Read(ctx); entry != nil {
		return entry.User
	}

	ticket, err := cache.Begin(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Session cache unavailable, resolving without it")
		return r.Resolve(ctx, src, profiles)
	}

	user, err := r.TryResolve(ctx, src, profiles)
	if err != nil {
		r.logger.WithError(err).Warn("Identity lookup failed, treating as signed out")
		return nil
	}
	if _, err := cache.Commit(ctx, ticket, user); err != nil {
		r.logger.WithError(err).Warn("Failed to write session cache")
	}
	return user
}

// lookupProfile shares one in-flight lookup per user id. The shared call is
// detached from the first caller's cancellation; each caller still stops
// waiting when its own context ends.
func (r *Resolver) lookupProfile(ctx context.Context, profiles service.ProfileStore, id string) (*domain.ProfileRecord, error) {
	if profiles == nil {
		return nil, nil
	}

	ch := r.group.DoChan(id, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.profileTimeout)
		defer cancel()
		return profiles.GetProfile(lookupCtx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		profile, _ := res.Val.(*domain.ProfileRecord)
		return profile, nil
	}
}

func (r *Resolver) fromProfile(identity *domain.UserIdentity, profile *domain.ProfileRecord) *domain.AuthenticatedUser {
	role := domain.DefaultRole
	var parsed domain.Role
	var ok bool
	if profile.Role != nil {
		parsed, ok = domain.ParseRole(*profile.Role)
	}
	if ok {
		role = parsed
	} else {
		r.logger.WithField("user_id", identity.ID).Warn("Profile has no recognised role, defaulting to patient")
		metrics.ResolverFallbacks.WithLabelValues("profile_role_invalid").Inc()
	}

	var first, last string
	if profile.FullName != nil && strings.TrimSpace(*profile.FullName) != "" {
		first, last = splitFullName(*profile.FullName)
	} else {
		first, last = metadataNames(identity.Metadata)
	}

	return &domain.AuthenticatedUser{
		ID:              identity.ID,
		Email:           identity.Email,
		FirstName:       first,
		LastName:        last,
		Role:            role,
		IsEmailVerified: identity.EmailConfirmedAt != nil,
		CreatedAt:       pickTime(profile.CreatedAt, identity.CreatedAt),
		UpdatedAt:       pickTime(profile.UpdatedAt, identity.UpdatedAt),
	}
}

func (r *Resolver) fromMetadata(identity *domain.UserIdentity) *domain.AuthenticatedUser {
	role := domain.DefaultRole
	if requested := identity.Metadata.Role; requested != "" {
		parsed, ok := domain.ParseRole(requested)
		switch {
		case ok && parsed.SelfAssignable():
			role = parsed
		default:
			r.logger.WithFields(map[string]interface{}{
				"user_id":        identity.ID,
				"requested_role": requested,
			}).Warn("Ignoring sign-up role that cannot be self-assigned")
			metrics.ResolverFallbacks.WithLabelValues("metadata_role_rejected").Inc()
		}
	}

	first, last := metadataNames(identity.Metadata)
	return &domain.AuthenticatedUser{
		ID:              identity.ID,
		Email:           identity.Email,
		FirstName:       first,
		LastName:        last,
		Role:            role,
		IsEmailVerified: identity.EmailConfirmedAt != nil,
		CreatedAt:       identity.CreatedAt,
		UpdatedAt:       identity.UpdatedAt,
	}
}

func metadataNames(meta domain.SignUpMetadata) (string, string) {
	if meta.FirstName != "" || meta.LastName != "" {
		return meta.FirstName, meta.LastName
	}
	return splitFullName(meta.FullName)
}

// splitFullName splits on the first space: "Ana Maria Lima" is
// ("Ana", "Maria Lima") and a single word has an empty last name
func splitFullName(full string) (string, string) {
	full = strings.TrimSpace(full)
	first, last, _ := strings.Cut(full, " ")
	return first, strings.TrimSpace(last)
}

func pickTime(preferred, fallback time.Time) time.Time {
	if preferred.IsZero() {
		return fallback
	}
	return preferred
}
