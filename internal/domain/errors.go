package domain

import "errors"

var (
	ErrInvalidCredentials    = errors.New("invalid login credentials")
	ErrUserAlreadyRegistered = errors.New("user already registered")
	ErrEmailNotConfirmed     = errors.New("email not confirmed")
	ErrWeakPassword          = errors.New("password does not meet requirements")
	ErrSessionMissing        = errors.New("auth session missing")
	ErrInvalidSession        = errors.New("invalid session")
	ErrProviderUnavailable   = errors.New("identity provider unavailable")
	ErrRateLimited           = errors.New("identity provider rate limit reached")
)
