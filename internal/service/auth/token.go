package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"careportal/internal/domain"
)

// AccessClaims are the Supabase access token claims this service reads
type AccessClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
}

// verifier checks access token signatures. A zero verifier accepts any
// token, which is only appropriate when no secret is configured.
type verifier struct {
	secret []byte
}

// Verify checks the HS256 signature of token. Expiry is not checked here:
// an expired access token is still refreshable.
func (v verifier) Verify(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if len(v.secret) == 0 {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSession, err)
		}
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSession, err)
	}
	if !parsed.Valid {
		return nil, domain.ErrInvalidSession
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", domain.ErrInvalidSession)
	}
	return claims, nil
}

// SessionKey identifies a provider session across token refreshes, scoped
// to the token's subject: "<sub>:<session_id>", falling back to a hash of
// the refresh token when there is no session_id claim.
func SessionKey(sess *domain.Session) string {
	if sess == nil {
		return ""
	}
	claims := sessionClaims(sess)
	if claims != nil && claims.SessionID != "" {
		return claims.Subject + ":" + claims.SessionID
	}
	sum := sha256.Sum256([]byte(sess.RefreshToken))
	key := hex.EncodeToString(sum[:16])
	if claims != nil && claims.Subject != "" {
		return claims.Subject + ":" + key
	}
	return key
}

// SessionSubject returns the sub claim of the session's access token, or ""
// when the token carries none. The signature is checked when the session is
// loaded, not here.
func SessionSubject(sess *domain.Session) string {
	if claims := sessionClaims(sess); claims != nil {
		return claims.Subject
	}
	return ""
}

func sessionClaims(sess *domain.Session) *AccessClaims {
	if sess == nil {
		return nil
	}
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, claims); err != nil {
		return nil
	}
	return claims
}
