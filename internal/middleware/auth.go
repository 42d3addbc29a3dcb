package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"careportal/internal/domain"
	"careportal/internal/service"
	"careportal/internal/service/resolver"
	"careportal/pkg/errors"
	"careportal/pkg/logger"
)

// ContextKey represents keys used in request context
type ContextKey string

const (
	// UserContextKey is the key for the resolved user in context
	UserContextKey ContextKey = "user"
	// RequestIDContextKey is the key for request ID in context
	RequestIDContextKey ContextKey = "request_id"
)

// ProviderFunc returns the identity provider scoped to one request. Cookie
// updates made by the provider are written to w.
type ProviderFunc func(w http.ResponseWriter, r *http.Request) service.IdentityProvider

// UserFromContext returns the user the gate or Authenticate resolved, or nil
func UserFromContext(ctx context.Context) *domain.AuthenticatedUser {
	user, _ := ctx.Value(UserContextKey).(*domain.AuthenticatedUser)
	return user
}

// WithUser stores user in ctx
func WithUser(ctx context.Context, user *domain.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// RequestIDFromContext returns the request id set by RequestID
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}

// Authenticate resolves the caller for API routes, which the gate skips.
// Requests without a usable session continue anonymously.
func Authenticate(providers ProviderFunc, res *resolver.Resolver, logger *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserFromContext(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}

			provider := providers(w, r)
			user := res.Resolve(r.Context(), provider, provider)
			if user != nil {
				logger.WithField("user_id", user.ID).Debug("User authenticated successfully")
				r = r.WithContext(WithUser(r.Context(), user))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser rejects requests that Authenticate left anonymous
func RequireUser(logger *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if UserFromContext(r.Context()) == nil {
				writeErrorResponse(w, r, errors.NewAuthenticationError("Authentication required"), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID creates a middleware that adds a unique request ID to each request
func RequestID(logger *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}

			ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
			r = r.WithContext(ctx)

			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r)
		})
	}
}

// writeErrorResponse writes an error response to the client
func writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *errors.AppError, logger *logger.Logger) {
	requestID := RequestIDFromContext(r.Context())
	logger.WithError(appErr).WithFields(map[string]interface{}{
		"request_id": requestID,
		"path":       r.URL.Path,
	}).Warn("Request rejected")

	if err := errors.WriteJSON(w, appErr, requestID); err != nil {
		logger.WithError(err).Error("Failed to write error response")
	}
}
