package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"

	"careportal/internal/container"
	"careportal/internal/domain"
	"careportal/internal/middleware"
	"careportal/internal/policy"
	"careportal/internal/service"
	"careportal/internal/service/auth"
	"careportal/pkg/errors"
)

// AuthHandler handles the /api/auth endpoints. Every call acts on the
// session carried in the request's cookies.
type AuthHandler struct {
	container *container.Container
	validator *requestValidator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(container *container.Container) *AuthHandler {
	return &AuthHandler{
		container: container,
		validator: newRequestValidator(),
	}
}

// SignInRequest is the body of POST /api/auth/signin
type SignInRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=72"`
	RedirectTo string `json:"redirectTo" validate:"omitempty,max=2048"`
}

// SignUpRequest is the body of POST /api/auth/signup
type SignUpRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=6,max=72"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Role      string `json:"role" validate:"required,portal_role"`
}

// ForgotPasswordRequest is the body of POST /api/auth/forgot-password
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// ResetPasswordRequest is the body of POST /api/auth/reset-password. The
// tokens come from the recovery link; without them the cookie session is used.
type ResetPasswordRequest struct {
	NewPassword  string `json:"newPassword" validate:"required,min=6,max=72"`
	AccessToken  string `json:"accessToken" validate:"omitempty"`
	RefreshToken string `json:"refreshToken" validate:"required_with=AccessToken"`
}

// AuthResponse is returned by every auth endpoint
type AuthResponse struct {
	Success              bool                      `json:"success"`
	Message              string                    `json:"message,omitempty"`
	User                 *domain.AuthenticatedUser `json:"user,omitempty"`
	RedirectTo           string                    `json:"redirectTo,omitempty"`
	ConfirmationRequired bool                      `json:"confirmationRequired,omitempty"`
}

// SignIn handles POST /api/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if appErr := h.validator.decodeJSON(w, r, &req); appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	provider := h.provider(w, r)
	sess, err := provider.SignInWithPassword(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		h.writeErrorResponse(w, r, mapProviderError(err))
		return
	}

	user, appErr := h.resolveAndCache(r.Context(), provider, sess)
	if appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	h.container.GetLogger().WithFields(map[string]interface{}{
		"user_id": user.ID,
		"role":    user.Role.String(),
	}).Info("User signed in")

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Success:    true,
		User:       user,
		RedirectTo: policy.PostSignInDestination(req.RedirectTo, user),
	})
}

// SignUp handles POST /api/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if appErr := h.validator.decodeJSON(w, r, &req); appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	role, _ := domain.ParseRole(req.Role)
	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	meta := domain.SignUpMetadata{
		FirstName: firstName,
		LastName:  lastName,
		FullName:  strings.TrimSpace(firstName + " " + lastName),
		Role:      role.String(),
	}

	provider := h.provider(w, r)
	sess, identity, err := provider.SignUp(r.Context(), strings.TrimSpace(req.Email), req.Password, meta)
	if err != nil {
		h.writeErrorResponse(w, r, mapProviderError(err))
		return
	}

	if sess == nil {
		h.container.GetLogger().WithField("user_id", identity.ID).Info("User signed up, awaiting email confirmation")
		h.writeJSON(w, http.StatusCreated, AuthResponse{
			Success:              true,
			Message:              "Check your email to confirm your account",
			ConfirmationRequired: true,
			RedirectTo:           policy.SignInPath,
		})
		return
	}

	user, appErr := h.resolveAndCache(r.Context(), provider, sess)
	if appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	h.container.GetLogger().WithFields(map[string]interface{}{
		"user_id": user.ID,
		"role":    user.Role.String(),
	}).Info("User signed up")

	h.writeJSON(w, http.StatusCreated, AuthResponse{
		Success:    true,
		User:       user,
		RedirectTo: policy.DashboardPath(user),
	})
}

// SignOut handles POST /api/auth/signout. Cookies and the cached resolution
// are cleared even when the provider cannot be reached.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	logger := h.container.GetLogger()
	provider := h.provider(w, r)

	sess, err := provider.GetSession(r.Context())
	if err != nil {
		logger.WithError(err).Warn("Session check failed during sign out")
	}
	if cache := h.container.SessionCache(auth.SessionKey(sess)); cache != nil {
		if err := cache.Clear(r.Context()); err != nil {
			logger.WithError(err).Warn("Failed to clear session cache")
		}
	}

	if err := provider.SignOut(r.Context()); err != nil {
		logger.WithError(err).Warn("Provider sign out failed, local session cleared")
	}

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Success:    true,
		Message:    "Signed out",
		RedirectTo: policy.SignInPath,
	})
}

// ForgotPassword handles POST /api/auth/forgot-password. The response does
// not reveal whether the address has an account.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if appErr := h.validator.decodeJSON(w, r, &req); appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	redirectTo := h.container.GetConfig().SiteURL + policy.ResetPasswordPath
	err := h.provider(w, r).ResetPasswordForEmail(r.Context(), strings.TrimSpace(req.Email), redirectTo)
	switch {
	case err == nil:
	case stderrors.Is(err, domain.ErrRateLimited):
		h.writeErrorResponse(w, r, mapProviderError(err))
		return
	default:
		h.container.GetLogger().WithError(err).Warn("Password recovery request failed")
	}

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Success: true,
		Message: "If an account exists for that address, a reset link is on its way",
	})
}

// ResetPassword handles POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if appErr := h.validator.decodeJSON(w, r, &req); appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	provider := h.provider(w, r)
	if req.AccessToken != "" {
		if _, err := provider.ExchangeRecovery(r.Context(), req.AccessToken, req.RefreshToken); err != nil {
			h.writeErrorResponse(w, r, mapProviderError(err))
			return
		}
	}

	if _, err := provider.UpdateUser(r.Context(), service.UserAttributes{Password: req.NewPassword}); err != nil {
		h.writeErrorResponse(w, r, mapProviderError(err))
		return
	}

	sess, err := provider.GetSession(r.Context())
	if err != nil || sess == nil {
		h.writeErrorResponse(w, r, errors.NewAuthenticationError("Session expired, please sign in again").WithCode("session_missing"))
		return
	}

	user, appErr := h.resolveAndCache(r.Context(), provider, sess)
	if appErr != nil {
		h.writeErrorResponse(w, r, appErr)
		return
	}

	h.container.GetLogger().WithField("user_id", user.ID).Info("Password updated")

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Success:    true,
		Message:    "Password updated",
		User:       user,
		RedirectTo: policy.DashboardPath(user),
	})
}

// Me handles GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		h.writeErrorResponse(w, r, errors.NewAuthenticationError("User not authenticated"))
		return
	}

	h.writeJSON(w, http.StatusOK, AuthResponse{
		Success: true,
		User:    user,
	})
}

func (h *AuthHandler) provider(w http.ResponseWriter, r *http.Request) *auth.Service {
	return h.container.GetAuthService().ForRequest(w, r)
}

// resolveAndCache resolves the freshly established session and seeds the
// shared cache so the next page load does not hit the provider again
func (h *AuthHandler) resolveAndCache(ctx context.Context, provider *auth.Service, sess *domain.Session) (*domain.AuthenticatedUser, *errors.AppError) {
	user, err := h.container.GetResolver().TryResolve(ctx, provider, provider)
	if err != nil {
		return nil, mapProviderError(err)
	}
	if user == nil {
		return nil, errors.NewAuthenticationError("Session could not be established").WithCode("session_missing")
	}

	if cache := h.container.SessionCache(auth.SessionKey(sess)); cache != nil {
		if err := cache.Write(ctx, user); err != nil {
			h.container.GetLogger().WithError(err).Warn("Failed to write session cache")
		}
	}
	return user, nil
}

// mapProviderError maps identity provider failures to API errors
func mapProviderError(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrInvalidCredentials):
		return errors.NewAuthenticationError("Invalid email or password").WithCode("invalid_credentials")
	case stderrors.Is(err, domain.ErrEmailNotConfirmed):
		return errors.NewAuthorizationError("Email address has not been confirmed").WithCode("email_not_confirmed")
	case stderrors.Is(err, domain.ErrUserAlreadyRegistered):
		return errors.NewConflictError("An account with this email already exists").WithCode("user_already_exists")
	case stderrors.Is(err, domain.ErrWeakPassword):
		return errors.NewUnprocessableError("Password does not meet the requirements", err).WithCode("weak_password")
	case stderrors.Is(err, domain.ErrRateLimited):
		return errors.NewRateLimitError("Too many attempts, please try again shortly").WithCode("rate_limited")
	case stderrors.Is(err, domain.ErrSessionMissing), stderrors.Is(err, domain.ErrInvalidSession):
		return errors.NewAuthenticationError("Session expired, please sign in again").WithCode("session_missing")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewExternalError("Identity provider timed out", err).WithCode("provider_unavailable")
	default:
		return errors.NewExternalError("Identity provider request failed", err).WithCode("provider_unavailable")
	}
}

// writeJSON writes a success response
func (h *AuthHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	writeJSON(w, status, body, h.container)
}

// writeErrorResponse writes an error response to the client
func (h *AuthHandler) writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *errors.AppError) {
	writeErrorResponse(w, r, appErr, h.container)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}, c *container.Container) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.GetLogger().WithError(err).Error("Failed to encode response")
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, appErr *errors.AppError, c *container.Container) {
	logger := c.GetLogger()
	requestID := middleware.RequestIDFromContext(r.Context())

	entry := logger.WithError(appErr).WithFields(map[string]interface{}{
		"request_id": requestID,
		"path":       r.URL.Path,
	})
	if appErr.StatusCode >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	if err := errors.WriteJSON(w, appErr, requestID); err != nil {
		logger.WithError(err).Error("Failed to encode error response")
	}
}
