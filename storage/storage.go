// Package storage defines interfaces for persisting OAuth clients, users, scopes, and tokens.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for resolving and authenticating OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// UserStore resolves resource owners from their credentials.
// Credential verification is owned by the store; the token server never compares
// password hashes itself.
type UserStore interface {
	// FindUserByCredentials returns the user matching username and password for the
	// given grant and client. Implementations return ErrUserNotFound for unknown users
	// and a *CredentialsError when the password does not match.
	FindUserByCredentials(ctx context.Context, username, password, grantID string, client *Client) (*User, error)
}

// ScopeStore resolves and finalizes scopes.
type ScopeStore interface {
	// GetScopeByName returns ErrScopeNotFound for unknown scope names
	GetScopeByName(ctx context.Context, name string) (*Scope, error)

	// FinalizeScopes lets the store narrow or expand the requested scopes according
	// to its own policy (for example role-based limits). The result is authoritative.
	FinalizeScopes(ctx context.Context, scopes []Scope, grantID string, client *Client, userID string) ([]Scope, error)
}

// AccessTokenStore persists issued access tokens.
type AccessTokenStore interface {
	// PersistAccessToken stores a new access token.
	// Returns ErrTokenIDConflict if the identifier is already in use.
	PersistAccessToken(ctx context.Context, token *AccessToken) error

	// RevokeAccessToken marks an access token as revoked. Revoking twice is not an error.
	RevokeAccessToken(ctx context.Context, tokenID string) error

	// FindAccessTokenByID returns ErrTokenNotFound if the token is unknown
	FindAccessTokenByID(ctx context.Context, tokenID string) (*AccessToken, error)

	// IsAccessTokenRevoked reports whether the token is revoked.
	// Unknown tokens are reported as revoked.
	IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RefreshTokenStore persists issued refresh tokens.
type RefreshTokenStore interface {
	// PersistRefreshToken stores a new refresh token.
	// Returns ErrTokenIDConflict if the identifier is already in use.
	PersistRefreshToken(ctx context.Context, token *RefreshToken) error

	// RevokeRefreshToken marks a refresh token as revoked. Revoking twice is not an error.
	RevokeRefreshToken(ctx context.Context, tokenID string) error

	// AtomicRevokeRefreshToken revokes the token only if it is currently active.
	// Returns ErrTokenRevoked if the token was already revoked.
	// SECURITY: This operation MUST be atomic so that two concurrent refreshes of
	// the same token cannot both succeed.
	AtomicRevokeRefreshToken(ctx context.Context, tokenID string) error

	// IsRefreshTokenRevoked reports whether the token is revoked.
	// Unknown tokens are reported as revoked.
	IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	// FindRefreshTokenByPlainValue looks up a refresh token by its raw identifier.
	// Only used for legacy, unencrypted refresh tokens.
	FindRefreshTokenByPlainValue(ctx context.Context, value string) (*RefreshToken, error)
}

// SessionStore exposes the server-side linkage between an access token and its owners.
type SessionStore interface {
	// GetSession returns ErrSessionNotFound if the session is unknown
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// Repository is the union of all storage capabilities the token server consumes.
type Repository interface {
	ClientStore
	UserStore
	ScopeStore
	AccessTokenStore
	RefreshTokenStore
	SessionStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash
	ClientName       string
	RedirectURI      string
	Confidential     bool
	GrantTypes       []string // empty means all grants are allowed
	CreatedAt        time.Time
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// User represents a resource owner
type User struct {
	UserID       string
	Username     string
	PasswordHash string // bcrypt hash
}

// Scope is a named permission unit
type Scope struct {
	Name string
}

// AccessToken is a short-lived bearer credential.
// Once persisted only the Revoked flag may change, and only from false to true.
type AccessToken struct {
	TokenID   string
	ClientID  string
	UserID    string // empty for client-only issuance
	SessionID string
	Scopes    []Scope
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// IsExpired reports whether the token is past its expiry at the given time.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ScopeNames returns the names of the token's scopes.
func (t *AccessToken) ScopeNames() []string {
	return ScopeNames(t.Scopes)
}

// RefreshToken is a longer-lived credential used to mint new access tokens.
// It is linked one-to-one with the access token it was issued alongside.
type RefreshToken struct {
	TokenID       string
	AccessTokenID string
	ExpiresAt     time.Time
	Revoked       bool
}

// IsExpired reports whether the token is past its expiry at the given time.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Session links an access token to the client and user it was issued for
type Session struct {
	SessionID string
	ClientID  string
	UserID    string
}

// ScopeNames converts scopes to their names, preserving order.
func ScopeNames(scopes []Scope) []string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, s.Name)
	}
	return names
}

// ScopesFromNames builds scopes from names, dropping empty and duplicate entries.
func ScopesFromNames(names []string) []Scope {
	seen := make(map[string]bool, len(names))
	scopes := make([]Scope, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		scopes = append(scopes, Scope{Name: n})
	}
	return scopes
}
