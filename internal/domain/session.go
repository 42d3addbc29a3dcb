package domain

import (
	"time"

	"golang.org/x/oauth2"
)

// Session is the token bundle issued by the identity provider
type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         UserIdentity `json:"user"`
}

// Expiry returns the access token expiry
func (s *Session) Expiry() time.Time {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0)
	}
	return time.Time{}
}

// OAuth2Token exposes the session as an oauth2 token
func (s *Session) OAuth2Token() *oauth2.Token {
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    tokenType,
		Expiry:       s.Expiry(),
	}
}

// AuthEventType names an identity state change
type AuthEventType string

const (
	EventSignedIn         AuthEventType = "SIGNED_IN"
	EventSignedOut        AuthEventType = "SIGNED_OUT"
	EventTokenRefreshed   AuthEventType = "TOKEN_REFRESHED"
	EventUserUpdated      AuthEventType = "USER_UPDATED"
	EventPasswordRecovery AuthEventType = "PASSWORD_RECOVERY"
)

// AuthEvent is a sequence-tagged identity state change. Session is nil for
// EventSignedOut.
type AuthEvent struct {
	Seq     uint64
	Type    AuthEventType
	Session *Session
	At      time.Time
}
