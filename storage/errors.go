package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by storage implementations.
// Callers should use errors.Is to check for them.
var (
	// ErrClientNotFound is returned for unknown clients
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientCredentials is returned when a client secret does not match
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrUserNotFound is returned when no user matches the given username
	ErrUserNotFound = errors.New("user not found")

	// ErrScopeNotFound is returned for unknown scope names
	ErrScopeNotFound = errors.New("scope not found")

	// ErrTokenNotFound is returned for unknown access or refresh tokens
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked is returned by AtomicRevokeRefreshToken when the token was already revoked
	ErrTokenRevoked = errors.New("token already revoked")

	// ErrTokenIDConflict is returned when a token identifier is already in use
	ErrTokenIDConflict = errors.New("token identifier already exists")

	// ErrSessionNotFound is returned for unknown sessions
	ErrSessionNotFound = errors.New("session not found")
)

// CredentialsError is returned by UserStore implementations when a password does
// not match. RemainingAttempts is the number of attempts left before the account
// is locked, or -1 when the store does not track attempts.
type CredentialsError struct {
	Username          string
	RemainingAttempts int
}

// Error implements the error interface
func (e *CredentialsError) Error() string {
	if e.RemainingAttempts < 0 {
		return fmt.Sprintf("invalid credentials for user %q", e.Username)
	}
	return fmt.Sprintf("invalid credentials for user %q (%d attempts left)", e.Username, e.RemainingAttempts)
}
