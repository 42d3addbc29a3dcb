package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"careportal/internal/domain"
	"careportal/internal/metrics"
	"careportal/internal/policy"
	"careportal/internal/service"
	"careportal/internal/service/resolver"
	"careportal/internal/sessioncache"
	"careportal/pkg/logger"
	"careportal/pkg/redis"
)

// gateExcludedPrefixes are never gated. Entries ending in "/" match by
// prefix, the rest match the path or anything below it.
var gateExcludedPrefixes = []string{
	"/api/",
	"/static/",
	"/assets/",
	"/favicon.ico",
	"/health",
}

// GateExcluded reports whether the request gate skips path
func GateExcluded(path string) bool {
	for _, prefix := range gateExcludedPrefixes {
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
				return true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// GateConfig wires the request gate
type GateConfig struct {
	Providers ProviderFunc
	Resolver  *resolver.Resolver
	// Redis holds per-session cache entries; nil resolves every request
	Redis *redis.Client
	// SessionKey identifies the provider session for cache scoping
	SessionKey func(*domain.Session) string
	// Subject returns the user id a session's token was issued to. Cached
	// entries for any other user are discarded.
	Subject func(*domain.Session) string
	// Timeout bounds the identity lookup; when exceeded the caller is anonymous
	Timeout time.Duration
}

// Gate is the Request Gate. For every non-excluded path it resolves the
// caller, applies the redirect policy, and either redirects or passes the
// request through with the user in context. Cookies refreshed during the
// session check are written before either outcome.
func Gate(cfg GateConfig, logger *logger.Logger) func(http.Handler) http.Handler {
	log := logger.Named("gate")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GateExcluded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			provider := cfg.Providers(w, r)
			user := resolveForGate(ctx, cfg, provider, log)

			decision := policy.Classify(r.URL.Path, user)
			metrics.GateDecisions.WithLabelValues(decision.Action.String(), string(decision.Reason)).Inc()

			if !decision.Allowed() {
				log.WithFields(map[string]interface{}{
					"path":       r.URL.Path,
					"to":         decision.To,
					"reason":     string(decision.Reason),
					"request_id": RequestIDFromContext(r.Context()),
				}).Debug("Gate redirect")
				http.Redirect(w, r, decision.To, http.StatusTemporaryRedirect)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func resolveForGate(ctx context.Context, cfg GateConfig, provider service.IdentityProvider, log *logger.Logger) *domain.AuthenticatedUser {
	if cfg.Redis == nil || cfg.SessionKey == nil || cfg.Subject == nil {
		return cfg.Resolver.Resolve(ctx, provider, provider)
	}

	sess, err := provider.GetSession(ctx)
	if err != nil {
		log.WithError(err).Warn("Session check failed, treating request as anonymous")
		return nil
	}
	if sess == nil {
		return nil
	}

	subject := cfg.Subject(sess)
	if subject == "" {
		return cfg.Resolver.Resolve(ctx, provider, provider)
	}

	cache := sessioncache.NewRedisCache(cfg.Redis, cfg.SessionKey(sess), log)
	user := cfg.Resolver.ResolveCached(ctx, provider, provider, cache)
	if user != nil && user.ID != subject {
		log.Warn("Cached user does not match session subject, resolving again")
		if err := cache.Clear(ctx); err != nil {
			log.WithError(err).Warn("Failed to clear mismatched session cache entry")
		}
		return cfg.Resolver.Resolve(ctx, provider, provider)
	}
	return user
}
