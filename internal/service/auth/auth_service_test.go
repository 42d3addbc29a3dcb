package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careportal/internal/config"
	"careportal/internal/domain"
	"careportal/internal/service"
	"careportal/pkg/logger"
)

const testSecret = "super-secret-jwt-token-for-tests"

func signToken(t *testing.T, secret, sub, sessionID string, exp time.Time) string {
	t.Helper()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:     sub + "@example.com",
		Role:      "authenticated",
		SessionID: sessionID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func testSession(t *testing.T, exp time.Time) *domain.Session {
	return &domain.Session{
		AccessToken:  signToken(t, testSecret, "user-1", "sess-1", exp),
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresIn:    int64(time.Until(exp).Seconds()),
		ExpiresAt:    exp.Unix(),
		User:         domain.UserIdentity{ID: "user-1", Email: "user-1@example.com"},
	}
}

// fakeGoTrue serves canned responses keyed by "METHOD /path"
type fakeGoTrue struct {
	mu        sync.Mutex
	handlers  map[string]http.HandlerFunc
	calls     map[string]int
	lastQuery map[string]string
}

func newFakeGoTrue(t *testing.T) (*fakeGoTrue, *httptest.Server) {
	f := &fakeGoTrue{
		handlers:  make(map[string]http.HandlerFunc),
		calls:     make(map[string]int),
		lastQuery: make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		f.calls[key]++
		f.lastQuery[key] = r.URL.RawQuery
		h, ok := f.handlers[key]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGoTrue) on(key string, status int, body interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (f *fakeGoTrue) query(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastQuery[key]
}

func (f *fakeGoTrue) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func testConfig(url string) *config.Config {
	return &config.Config{
		SupabaseURL:       url,
		SupabaseAnonKey:   "anon-key",
		SupabaseJWTSecret: testSecret,
		ProviderTimeout:   2 * time.Second,
		SessionCookieName: "sb-test-auth-token",
	}
}

func newTestService(t *testing.T, url string, storage Storage) *Service {
	cfg := testConfig(url)
	log := logger.NewNop()
	return NewService(cfg, service.NewSupabaseClient(cfg, log), storage, log)
}

// collect records events delivered to a subscription
func collect(t *testing.T, svc *Service) (func() []domain.AuthEvent, func(n int)) {
	var mu sync.Mutex
	var events []domain.AuthEvent
	sub := svc.OnAuthStateChange(func(ev domain.AuthEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	t.Cleanup(sub.Unsubscribe)

	get := func() []domain.AuthEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.AuthEvent(nil), events...)
	}
	wait := func(n int) {
		require.Eventually(t, func() bool { return len(get()) >= n }, time.Second, 5*time.Millisecond)
	}
	return get, wait
}

func TestSignInWithPassword(t *testing.T) {
	fake, srv := newFakeGoTrue(t)
	sess := testSession(t, time.Now().Add(time.Hour))
	fake.on("POST /auth/v1/token", http.StatusOK, sess)

	storage := NewMemoryStorage()
	svc := newTestService(t, srv.URL, storage)
	events, wait := collect(t, svc)

	got, err := svc.SignInWithPassword(context.Background(), "user-1@example.com", "password")
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, got.AccessToken)
	assert.Equal(t, "grant_type=password", fake.query("POST /auth/v1/token"))

	stored, err := storage.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, sess.AccessToken, stored.AccessToken)

	wait(1)
	assert.Equal(t, domain.EventSignedIn, events()[0].Type)
}

func TestSignInErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]interface{}
		want   error
	}{
		{
			name:   "invalid grant",
			status: http.StatusBadRequest,
			body:   map[string]interface{}{"error": "invalid_grant", "error_description": "Invalid login credentials"},
			want:   domain.ErrInvalidCredentials,
		},
		{
			name:   "error code invalid credentials",
			status: http.StatusBadRequest,
			body:   map[string]interface{}{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"},
			want:   domain.ErrInvalidCredentials,
		},
		{
			name:   "email not confirmed",
			status: http.StatusBadRequest,
			body:   map[string]interface{}{"code": 400, "error_code": "email_not_confirmed", "msg": "Email not confirmed"},
			want:   domain.ErrEmailNotConfirmed,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   map[string]interface{}{"code": 429, "error_code": "over_request_rate_limit", "msg": "Too many requests"},
			want:   domain.ErrRateLimited,
		},
		{
			name:   "provider down",
			status: http.StatusBadGateway,
			body:   map[string]interface{}{"message": "upstream unavailable"},
			want:   domain.ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeGoTrue(t)
			fake.on("POST /auth/v1/token", tt.status, tt.body)

			storage := NewMemoryStorage()
			svc := newTestService(t, srv.URL, storage)

			_, err := svc.SignInWithPassword(context.Background(), "a@example.com", "wrong")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			stored, _ := storage.Load(context.Background())
			assert.Nil(t, stored)
		})
	}
}

func TestSignUp(t *testing.T) {
	meta := domain.SignUpMetadata{FirstName: "Ana", LastName: "Lima", Role: "doctor"}

	t.Run("session issued", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		sess := testSession(t, time.Now().Add(time.Hour))
		fake.on("POST /auth/v1/signup", http.StatusOK, sess)

		storage := NewMemoryStorage()
		svc := newTestService(t, srv.URL, storage)

		gotSess, gotUser, err := svc.SignUp(context.Background(), "user-1@example.com", "password", meta)
		require.NoError(t, err)
		require.NotNil(t, gotSess)
		assert.Equal(t, "user-1", gotUser.ID)

		stored, _ := storage.Load(context.Background())
		assert.NotNil(t, stored)
	})

	t.Run("confirmation pending", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		fake.on("POST /auth/v1/signup", http.StatusOK, domain.UserIdentity{ID: "user-2", Email: "b@example.com"})

		storage := NewMemoryStorage()
		svc := newTestService(t, srv.URL, storage)

		gotSess, gotUser, err := svc.SignUp(context.Background(), "b@example.com", "password", meta)
		require.NoError(t, err)
		assert.Nil(t, gotSess)
		require.NotNil(t, gotUser)
		assert.Equal(t, "user-2", gotUser.ID)

		stored, _ := storage.Load(context.Background())
		assert.Nil(t, stored)
	})

	t.Run("already registered", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		fake.on("POST /auth/v1/signup", http.StatusUnprocessableEntity,
			map[string]interface{}{"code": 422, "error_code": "user_already_exists", "msg": "User already registered"})

		svc := newTestService(t, srv.URL, NewMemoryStorage())
		_, _, err := svc.SignUp(context.Background(), "b@example.com", "password", meta)
		assert.ErrorIs(t, err, domain.ErrUserAlreadyRegistered)
	})

	t.Run("weak password", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		fake.on("POST /auth/v1/signup", http.StatusUnprocessableEntity,
			map[string]interface{}{"code": 422, "error_code": "weak_password", "msg": "Password should be at least 6 characters."})

		svc := newTestService(t, srv.URL, NewMemoryStorage())
		_, _, err := svc.SignUp(context.Background(), "b@example.com", "123", meta)
		assert.ErrorIs(t, err, domain.ErrWeakPassword)
	})
}

func TestGetSession(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		_, srv := newFakeGoTrue(t)
		svc := newTestService(t, srv.URL, NewMemoryStorage())

		sess, err := svc.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, sess)
	})

	t.Run("valid session is not refreshed", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		current := testSession(t, time.Now().Add(time.Hour))
		require.NoError(t, storage.Save(context.Background(), current))

		svc := newTestService(t, srv.URL, storage)
		sess, err := svc.GetSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, current.AccessToken, sess.AccessToken)
		assert.Zero(t, fake.count("POST /auth/v1/token"))
	})

	t.Run("bad signature discards the session", func(t *testing.T) {
		_, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		forged := testSession(t, time.Now().Add(time.Hour))
		forged.AccessToken = signToken(t, "some-other-secret", "user-1", "sess-1", time.Now().Add(time.Hour))
		require.NoError(t, storage.Save(context.Background(), forged))

		svc := newTestService(t, srv.URL, storage)
		sess, err := svc.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, sess)

		stored, _ := storage.Load(context.Background())
		assert.Nil(t, stored)
	})

	t.Run("refreshes near expiry", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(10*time.Second))))

		refreshed := testSession(t, time.Now().Add(time.Hour))
		refreshed.AccessToken = signToken(t, testSecret, "user-1", "sess-1", time.Now().Add(time.Hour+time.Minute))
		refreshed.RefreshToken = "refresh-2"
		fake.on("POST /auth/v1/token", http.StatusOK, refreshed)

		svc := newTestService(t, srv.URL, storage)
		events, wait := collect(t, svc)

		sess, err := svc.GetSession(context.Background())
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Equal(t, refreshed.AccessToken, sess.AccessToken)
		assert.Equal(t, "grant_type=refresh_token", fake.query("POST /auth/v1/token"))

		stored, _ := storage.Load(context.Background())
		assert.Equal(t, "refresh-2", stored.RefreshToken)

		wait(1)
		assert.Equal(t, domain.EventTokenRefreshed, events()[0].Type)

		// A second read reuses the refreshed session
		_, err = svc.GetSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, fake.count("POST /auth/v1/token"))
	})

	t.Run("rejected refresh signs out", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(-time.Minute))))
		fake.on("POST /auth/v1/token", http.StatusBadRequest,
			map[string]interface{}{"code": 400, "error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token"})

		svc := newTestService(t, srv.URL, storage)
		events, wait := collect(t, svc)

		sess, err := svc.GetSession(context.Background())
		require.NoError(t, err)
		assert.Nil(t, sess)

		stored, _ := storage.Load(context.Background())
		assert.Nil(t, stored)

		wait(1)
		assert.Equal(t, domain.EventSignedOut, events()[0].Type)
	})

	t.Run("provider outage keeps the session", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(-time.Minute))))
		fake.on("POST /auth/v1/token", http.StatusServiceUnavailable, map[string]string{"message": "down"})

		svc := newTestService(t, srv.URL, storage)
		sess, err := svc.GetSession(context.Background())
		assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
		assert.Nil(t, sess)

		stored, _ := storage.Load(context.Background())
		assert.NotNil(t, stored)
	})
}

func TestGetUser(t *testing.T) {
	t.Run("returns identity", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(time.Hour))))
		fake.on("GET /auth/v1/user", http.StatusOK, domain.UserIdentity{ID: "user-1", Email: "user-1@example.com"})

		svc := newTestService(t, srv.URL, storage)
		user, err := svc.GetUser(context.Background())
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, "user-1", user.ID)
	})

	t.Run("unknown user reads as nil", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(time.Hour))))
		fake.on("GET /auth/v1/user", http.StatusUnauthorized, map[string]interface{}{"code": 401, "msg": "invalid JWT"})

		svc := newTestService(t, srv.URL, storage)
		user, err := svc.GetUser(context.Background())
		require.NoError(t, err)
		assert.Nil(t, user)
	})
}

func TestGetProfile(t *testing.T) {
	fullName := "Ana Lima"
	role := "doctor"

	tests := []struct {
		name string
		rows []domain.ProfileRecord
		want *domain.ProfileRecord
	}{
		{name: "no row", rows: []domain.ProfileRecord{}, want: nil},
		{
			name: "row found",
			rows: []domain.ProfileRecord{{ID: "user-1", FullName: &fullName, Role: &role}},
			want: &domain.ProfileRecord{ID: "user-1", FullName: &fullName, Role: &role},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeGoTrue(t)
			fake.on("GET /rest/v1/profiles", http.StatusOK, tt.rows)

			svc := newTestService(t, srv.URL, NewMemoryStorage())
			got, err := svc.GetProfile(context.Background(), "user-1")
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, *tt.want.Role, *got.Role)
			assert.Contains(t, fake.query("GET /rest/v1/profiles"), "id=eq.user-1")
		})
	}
}

func TestSignOutAlwaysClears(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "success", status: http.StatusNoContent},
		{name: "session already gone", status: http.StatusNotFound},
		{name: "provider down", status: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeGoTrue(t)
			fake.on("POST /auth/v1/logout", tt.status, map[string]string{})

			storage := NewMemoryStorage()
			require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(time.Hour))))

			svc := newTestService(t, srv.URL, storage)
			events, wait := collect(t, svc)

			err := svc.SignOut(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			stored, _ := storage.Load(context.Background())
			assert.Nil(t, stored)

			wait(1)
			assert.Equal(t, domain.EventSignedOut, events()[0].Type)
		})
	}
}

func TestUpdateUser(t *testing.T) {
	t.Run("requires a session", func(t *testing.T) {
		_, srv := newFakeGoTrue(t)
		svc := newTestService(t, srv.URL, NewMemoryStorage())

		_, err := svc.UpdateUser(context.Background(), service.UserAttributes{Password: "new-password"})
		assert.ErrorIs(t, err, domain.ErrSessionMissing)
	})

	t.Run("updates stored user", func(t *testing.T) {
		fake, srv := newFakeGoTrue(t)
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), testSession(t, time.Now().Add(time.Hour))))
		fake.on("PUT /auth/v1/user", http.StatusOK, domain.UserIdentity{ID: "user-1", Email: "new@example.com"})

		svc := newTestService(t, srv.URL, storage)
		events, wait := collect(t, svc)

		user, err := svc.UpdateUser(context.Background(), service.UserAttributes{Email: "new@example.com"})
		require.NoError(t, err)
		assert.Equal(t, "new@example.com", user.Email)

		stored, _ := storage.Load(context.Background())
		assert.Equal(t, "new@example.com", stored.User.Email)

		wait(1)
		assert.Equal(t, domain.EventUserUpdated, events()[0].Type)
	})
}

func TestResetPasswordForEmail(t *testing.T) {
	fake, srv := newFakeGoTrue(t)
	fake.on("POST /auth/v1/recover", http.StatusOK, map[string]string{})

	svc := newTestService(t, srv.URL, NewMemoryStorage())
	err := svc.ResetPasswordForEmail(context.Background(), "a@example.com", "http://localhost:8080/reset-password")
	require.NoError(t, err)
	assert.Contains(t, fake.query("POST /auth/v1/recover"), "redirect_to=http%3A%2F%2Flocalhost%3A8080%2Freset-password")
}

func TestExchangeRecovery(t *testing.T) {
	fake, srv := newFakeGoTrue(t)
	fake.on("GET /auth/v1/user", http.StatusOK, domain.UserIdentity{ID: "user-1", Email: "user-1@example.com"})

	storage := NewMemoryStorage()
	svc := newTestService(t, srv.URL, storage)
	events, wait := collect(t, svc)

	access := signToken(t, testSecret, "user-1", "sess-9", time.Now().Add(time.Hour))
	sess, err := svc.ExchangeRecovery(context.Background(), access, "refresh-9")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.User.ID)
	assert.NotZero(t, sess.ExpiresAt)

	stored, _ := storage.Load(context.Background())
	require.NotNil(t, stored)
	assert.Equal(t, "refresh-9", stored.RefreshToken)

	wait(1)
	assert.Equal(t, domain.EventPasswordRecovery, events()[0].Type)

	_, err = svc.ExchangeRecovery(context.Background(), "not-a-jwt", "refresh-9")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestForRequestWritesRefreshedCookie(t *testing.T) {
	fake, srv := newFakeGoTrue(t)
	refreshed := testSession(t, time.Now().Add(time.Hour))
	refreshed.RefreshToken = "refresh-2"
	fake.on("POST /auth/v1/token", http.StatusOK, refreshed)

	base := newTestService(t, srv.URL, NewMemoryStorage())

	cookies, err := SessionCookies(base.CookieName(), testSession(t, time.Now().Add(5*time.Second)))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/patient", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()

	sess, err := base.ForRequest(rec, req).GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "refresh-2", sess.RefreshToken)

	var written *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == base.CookieName() && c.MaxAge > 0 {
			written = c
		}
	}
	require.NotNil(t, written, "refreshed session cookie should be set")

	decoded, err := DecodeSessionCookie(written.Value)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", decoded.RefreshToken)
}

func TestSessionKey(t *testing.T) {
	withClaim := testSession(t, time.Now().Add(time.Hour))
	assert.Equal(t, "user-1:sess-1", SessionKey(withClaim))
	assert.Equal(t, "user-1", SessionSubject(withClaim))

	other := &domain.Session{AccessToken: signToken(t, testSecret, "user-2", "sess-1", time.Now().Add(time.Hour))}
	assert.NotEqual(t, SessionKey(withClaim), SessionKey(other), "the same session_id under another subject is a different key")

	noClaim := &domain.Session{AccessToken: "opaque", RefreshToken: "refresh-1"}
	key := SessionKey(noClaim)
	assert.Len(t, key, 32)
	assert.Equal(t, key, SessionKey(&domain.Session{AccessToken: "other", RefreshToken: "refresh-1"}))

	assert.Empty(t, SessionSubject(noClaim))

	assert.Empty(t, SessionKey(nil))
	assert.Empty(t, SessionSubject(nil))
}
