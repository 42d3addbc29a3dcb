package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"careportal/internal/config"
	"careportal/internal/domain"
	"careportal/internal/service"
	"careportal/pkg/logger"
)

// refreshMargin refreshes sessions this close to expiry
const refreshMargin = 30 * time.Second

// Service is the identity provider client for Supabase Auth (GoTrue) and
// the profiles table behind PostgREST. A Service holds the session of one
// caller: a browser request on the server, or the CLI's tab.
type Service struct {
	client     *service.SupabaseClient
	verifier   verifier
	storage    Storage
	events     *Broadcaster
	profiles   service.ProfileStore
	cookieName string
	cookieSafe bool
	logger     *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	loaded  bool
	session *domain.Session
}

var _ service.IdentityProvider = (*Service)(nil)

// Option configures a Service
type Option func(*Service)

// WithProfileStore reads profiles from store instead of PostgREST
func WithProfileStore(store service.ProfileStore) Option {
	return func(s *Service) {
		s.profiles = store
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an identity provider client persisting to storage
func NewService(cfg *config.Config, client *service.SupabaseClient, storage Storage, logger *logger.Logger, opts ...Option) *Service {
	s := &Service{
		client:     client,
		verifier:   verifier{secret: []byte(cfg.SupabaseJWTSecret)},
		storage:    storage,
		events:     NewBroadcaster(),
		cookieName: cfg.SessionCookieName,
		cookieSafe: cfg.SessionCookieSecure,
		logger:     logger.Named("auth"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForRequest returns a Service scoped to one HTTP request whose session
// lives in the request's cookies. Refreshed tokens are written back to w.
func (s *Service) ForRequest(w http.ResponseWriter, r *http.Request) *Service {
	return &Service{
		client:     s.client,
		verifier:   s.verifier,
		storage:    NewCookieStorage(r, w, s.cookieName, s.cookieSafe),
		events:     NewBroadcaster(),
		profiles:   s.profiles,
		cookieName: s.cookieName,
		cookieSafe: s.cookieSafe,
		logger:     s.logger,
		now:        s.now,
	}
}

// CookieName is the session cookie name used by ForRequest
func (s *Service) CookieName() string {
	return s.cookieName
}

// OnAuthStateChange registers fn for every subsequent auth event
func (s *Service) OnAuthStateChange(fn func(domain.AuthEvent)) service.Subscription {
	return s.events.Subscribe(fn)
}

// GetSession returns the current session, refreshing it when it is about to
// expire. A session with a bad signature or a rejected refresh token is
// discarded and reads as signed out.
func (s *Service) GetSession(ctx context.Context) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	src := &refreshSource{ctx: ctx, svc: s, refreshToken: sess.RefreshToken}
	if _, err := oauth2.ReuseTokenSourceWithExpiry(sess.OAuth2Token(), src, refreshMargin).Token(); err != nil {
		var apiErr *service.APIError
		if errors.As(err, &apiErr) && !errors.Is(err, domain.ErrProviderUnavailable) {
			s.logger.WithField("status_code", apiErr.Status).Info("Refresh token rejected, signing out")
			s.dropLocked(ctx)
			s.events.Emit(domain.EventSignedOut, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	if src.session != nil {
		s.session = src.session
		if err := s.storage.Save(ctx, src.session); err != nil {
			s.logger.WithError(err).Warn("Failed to persist refreshed session")
		}
		s.events.Emit(domain.EventTokenRefreshed, src.session)
	}
	return s.session, nil
}

// loadLocked reads storage once per Service
func (s *Service) loadLocked(ctx context.Context) (*domain.Session, error) {
	if s.loaded {
		return s.session, nil
	}

	sess, err := s.storage.Load(ctx)
	if errors.Is(err, domain.ErrInvalidSession) {
		s.logger.WithError(err).Info("Discarding unreadable session")
		s.loaded = true
		_ = s.storage.Clear(ctx)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.loaded = true

	if sess != nil {
		if _, err := s.verifier.Verify(sess.AccessToken); err != nil {
			s.logger.WithError(err).Warn("Discarding session with invalid access token")
			_ = s.storage.Clear(ctx)
			return nil, nil
		}
	}
	s.session = sess
	return sess, nil
}

func (s *Service) dropLocked(ctx context.Context) {
	s.session = nil
	s.loaded = true
	if err := s.storage.Clear(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to clear session storage")
	}
}

// setSession installs a freshly issued session
func (s *Service) setSession(ctx context.Context, sess *domain.Session, event domain.AuthEventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = sess
	s.loaded = true
	if err := s.storage.Save(ctx, sess); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.events.Emit(event, sess)
	return nil
}

// currentToken returns the access token of the loaded session without refreshing
func (s *Service) currentToken(ctx context.Context) *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.loadLocked(ctx)
	if err != nil || sess == nil {
		return nil
	}
	return sess.OAuth2Token()
}

// GetUser fetches the identity behind the current session
func (s *Service) GetUser(ctx context.Context) (*domain.UserIdentity, error) {
	sess, err := s.GetSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	var user domain.UserIdentity
	err = s.client.Do(ctx, service.Request{
		Operation: "get_user",
		Method:    http.MethodGet,
		Path:      "/auth/v1/user",
		Token:     sess.OAuth2Token(),
	}, &user)
	if err != nil {
		var apiErr *service.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			s.logger.Info("Provider no longer recognises session user")
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// GetProfile fetches the profile row for id. Missing rows return nil.
func (s *Service) GetProfile(ctx context.Context, id string) (*domain.ProfileRecord, error) {
	if s.profiles != nil {
		return s.profiles.GetProfile(ctx, id)
	}

	var rows []domain.ProfileRecord
	err := s.client.Do(ctx, service.Request{
		Operation: "get_profile",
		Method:    http.MethodGet,
		Path:      "/rest/v1/profiles",
		Query: url.Values{
			"select": {"id,full_name,role,created_at,updated_at"},
			"id":     {"eq." + id},
			"limit":  {"1"},
		},
		Token: s.currentToken(ctx),
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInWithPassword exchanges credentials for a session and emits SIGNED_IN
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	var sess domain.Session
	err := s.client.Do(ctx, service.Request{
		Operation: "sign_in",
		Method:    http.MethodPost,
		Path:      "/auth/v1/token",
		Query:     url.Values{"grant_type": {"password"}},
		Body:      credentials{Email: email, Password: password},
	}, &sess)
	if err != nil {
		return nil, mapAuthError(err)
	}

	s.normalizeExpiry(&sess)
	if err := s.setSession(ctx, &sess, domain.EventSignedIn); err != nil {
		return nil, err
	}
	return &sess, nil
}

type signUpRequest struct {
	Email    string                `json:"email"`
	Password string                `json:"password"`
	Data     domain.SignUpMetadata `json:"data"`
}

// SignUp registers a new identity with meta as its user_metadata
func (s *Service) SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (*domain.Session, *domain.UserIdentity, error) {
	var raw json.RawMessage
	err := s.client.Do(ctx, service.Request{
		Operation: "sign_up",
		Method:    http.MethodPost,
		Path:      "/auth/v1/signup",
		Body:      signUpRequest{Email: email, Password: password, Data: meta},
	}, &raw)
	if err != nil {
		return nil, nil, mapAuthError(err)
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err == nil && sess.AccessToken != "" {
		s.normalizeExpiry(&sess)
		if err := s.setSession(ctx, &sess, domain.EventSignedIn); err != nil {
			return nil, nil, err
		}
		user := sess.User
		return &sess, &user, nil
	}

	// Email confirmation pending: the provider returns the bare user
	var user domain.UserIdentity
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("failed to parse sign-up response: %w", err)
	}
	return nil, &user, nil
}

// SignOut revokes the session at the provider and always clears it locally
func (s *Service) SignOut(ctx context.Context) error {
	token := s.currentToken(ctx)

	var remoteErr error
	if token != nil {
		err := s.client.Do(ctx, service.Request{
			Operation: "sign_out",
			Method:    http.MethodPost,
			Path:      "/auth/v1/logout",
			Query:     url.Values{"scope": {"local"}},
			Token:     token,
		}, nil)
		var apiErr *service.APIError
		switch {
		case err == nil:
		case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
			// Session already gone at the provider
		default:
			remoteErr = err
		}
	}

	s.mu.Lock()
	s.dropLocked(ctx)
	s.events.Emit(domain.EventSignedOut, nil)
	s.mu.Unlock()

	if remoteErr != nil {
		return fmt.Errorf("sign out: %w", remoteErr)
	}
	return nil
}

// ResetPasswordForEmail sends a recovery email whose link lands on redirectTo
func (s *Service) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	query := url.Values{}
	if redirectTo != "" {
		query.Set("redirect_to", redirectTo)
	}
	err := s.client.Do(ctx, service.Request{
		Operation: "recover",
		Method:    http.MethodPost,
		Path:      "/auth/v1/recover",
		Query:     query,
		Body:      map[string]string{"email": email},
	}, nil)
	if err != nil {
		return mapAuthError(err)
	}
	return nil
}

// ExchangeRecovery installs the session carried by a password recovery link
// and emits PASSWORD_RECOVERY
func (s *Service) ExchangeRecovery(ctx context.Context, accessToken, refreshToken string) (*domain.Session, error) {
	claims, err := s.verifier.Verify(accessToken)
	if err != nil {
		return nil, err
	}

	var user domain.UserIdentity
	err = s.client.Do(ctx, service.Request{
		Operation: "get_user",
		Method:    http.MethodGet,
		Path:      "/auth/v1/user",
		Token:     &oauth2.Token{AccessToken: accessToken, TokenType: "bearer"},
	}, &user)
	if err != nil {
		return nil, mapAuthError(err)
	}

	sess := &domain.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		User:         user,
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Unix()
		sess.ExpiresIn = int64(time.Until(claims.ExpiresAt.Time).Seconds())
	}
	if err := s.setSession(ctx, sess, domain.EventPasswordRecovery); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateUser changes attributes of the signed-in identity and emits USER_UPDATED
func (s *Service) UpdateUser(ctx context.Context, attrs service.UserAttributes) (*domain.UserIdentity, error) {
	sess, err := s.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, domain.ErrSessionMissing
	}

	var user domain.UserIdentity
	err = s.client.Do(ctx, service.Request{
		Operation: "update_user",
		Method:    http.MethodPut,
		Path:      "/auth/v1/user",
		Body:      attrs,
		Token:     sess.OAuth2Token(),
	}, &user)
	if err != nil {
		return nil, mapAuthError(err)
	}

	updated := *sess
	updated.User = user
	if err := s.setSession(ctx, &updated, domain.EventUserUpdated); err != nil {
		return nil, err
	}
	return &user, nil
}

// refresh exchanges a refresh token for a new session
func (s *Service) refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		return nil, &service.APIError{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "no refresh token"}
	}

	var sess domain.Session
	err := s.client.Do(ctx, service.Request{
		Operation: "refresh",
		Method:    http.MethodPost,
		Path:      "/auth/v1/token",
		Query:     url.Values{"grant_type": {"refresh_token"}},
		Body:      map[string]string{"refresh_token": refreshToken},
	}, &sess)
	if err != nil {
		return nil, err
	}
	s.normalizeExpiry(&sess)
	return &sess, nil
}

func (s *Service) normalizeExpiry(sess *domain.Session) {
	if sess.ExpiresAt == 0 && sess.ExpiresIn > 0 {
		sess.ExpiresAt = s.now().Unix() + sess.ExpiresIn
	}
}

// refreshSource adapts the refresh grant to oauth2.TokenSource and keeps the
// full session it received
type refreshSource struct {
	ctx          context.Context
	svc          *Service
	refreshToken string
	session      *domain.Session
}

func (r *refreshSource) Token() (*oauth2.Token, error) {
	sess, err := r.svc.refresh(r.ctx, r.refreshToken)
	if err != nil {
		return nil, err
	}
	r.session = sess
	return sess.OAuth2Token(), nil
}

// mapAuthError turns provider errors into domain sentinels
func mapAuthError(err error) error {
	var apiErr *service.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	code := strings.ToLower(apiErr.Code)
	msg := strings.ToLower(apiErr.Message)

	switch {
	case apiErr.Status == http.StatusTooManyRequests || strings.HasPrefix(code, "over_"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.Message)
	case code == "invalid_credentials" || code == "invalid_grant" || strings.Contains(msg, "invalid login credentials"):
		return fmt.Errorf("%w: %s", domain.ErrInvalidCredentials, apiErr.Message)
	case code == "email_not_confirmed" || strings.Contains(msg, "email not confirmed"):
		return fmt.Errorf("%w: %s", domain.ErrEmailNotConfirmed, apiErr.Message)
	case code == "user_already_exists" || code == "email_exists" || strings.Contains(msg, "already registered"):
		return fmt.Errorf("%w: %s", domain.ErrUserAlreadyRegistered, apiErr.Message)
	case code == "weak_password" || strings.Contains(msg, "password should"):
		return fmt.Errorf("%w: %s", domain.ErrWeakPassword, apiErr.Message)
	case code == "session_not_found" || code == "bad_jwt" || apiErr.Status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrSessionMissing, apiErr.Message)
	}
	return err
}
