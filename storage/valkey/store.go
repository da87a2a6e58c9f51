package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-tokens/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultExpiredTokenRetention is how long token keys outlive their expiry
	DefaultExpiredTokenRetention = 24 * time.Hour

	// DefaultMaxLoginAttempts is the lockout threshold for consecutive failed logins
	DefaultMaxLoginAttempts = 5

	// DefaultLockoutWindow is how long a failed-login counter lives
	DefaultLockoutWindow = 15 * time.Minute

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers
	MaxIDLength = 256

	// dummyBcryptHash is compared against for unknown clients and users
	dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// errInputTooLarge is returned for identifiers longer than MaxIDLength
var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredTokenRetention keeps token keys around after expiry so late refresh
	// attempts are reported as expired rather than unknown. Default: 24h
	ExpiredTokenRetention time.Duration

	// MaxLoginAttempts is the lockout threshold. Negative disables tracking.
	// Zero uses DefaultMaxLoginAttempts.
	MaxLoginAttempts int

	// LockoutWindow is the TTL of the failed-login counter. Default: 15m
	LockoutWindow time.Duration
}

// Store is a Valkey-backed implementation of storage.Repository.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	retention        time.Duration
	maxLoginAttempts int
	lockoutWindow    time.Duration
}

// Compile-time interface check
var _ storage.Repository = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredTokenRetention
	if retention <= 0 {
		retention = DefaultExpiredTokenRetention
	}

	maxAttempts := cfg.MaxLoginAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxLoginAttempts
	}

	lockoutWindow := cfg.LockoutWindow
	if lockoutWindow <= 0 {
		lockoutWindow = DefaultLockoutWindow
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		retention:        retention,
		maxLoginAttempts: maxAttempts,
		lockoutWindow:    lockoutWindow,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func validateID(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%w: %s", errInputTooLarge, fieldName)
	}
	return nil
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) userKey(username string) string {
	return s.prefix + "user:" + username
}

func (s *Store) failedLoginKey(username string) string {
	return s.prefix + "failed:" + username
}

func (s *Store) scopesKey() string {
	return s.prefix + "scopes"
}

func (s *Store) accessTokenKey(tokenID string) string {
	return s.prefix + "access:" + tokenID
}

func (s *Store) refreshTokenKey(tokenID string) string {
	return s.prefix + "refresh:" + tokenID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Tokens are stored as hashes with a "data" field holding the immutable JSON
// payload and a "revoked" field holding "0" or "1". Keeping the flag outside the
// JSON lets scripts flip it without decoding and re-encoding the payload.

// luaPersistToken creates a token hash only if the key does not exist yet.
//
// KEYS[1] = token key
// ARGV[1] = JSON payload
// ARGV[2] = TTL in milliseconds
//
// Returns "OK" or "CONFLICT".
const luaPersistToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'CONFLICT'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'revoked', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 'OK'
`

// luaPersistRefreshToken creates a refresh token hash like luaPersistToken and
// stretches the TTL of the linked access token and session keys to match, so
// a legacy refresh token can still be resolved for as long as it is valid.
//
// KEYS[1] = refresh token key
// KEYS[2..n] = linked keys (access token, session)
// ARGV[1] = JSON payload
// ARGV[2] = TTL in milliseconds
//
// Returns "OK" or "CONFLICT". Missing linked keys are left alone; linked keys
// without a TTL keep none.
const luaPersistRefreshToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'CONFLICT'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'revoked', '0')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local ttl = tonumber(ARGV[2])
for i = 2, #KEYS do
    local current = redis.call('PTTL', KEYS[i])
    if current >= 0 and current < ttl then
        redis.call('PEXPIRE', KEYS[i], ttl)
    end
end
return 'OK'
`

// luaRevokeToken marks a token revoked.
//
// KEYS[1] = token key
// ARGV[1] = "1" to fail when the token is already revoked (compare-and-revoke)
//
// Returns "OK", "NOT_FOUND" or "ALREADY_REVOKED".
//
// SECURITY: compare-and-revoke MUST be atomic so that only one of two concurrent
// refreshes of the same token succeeds.
const luaRevokeToken = `
local revoked = redis.call('HGET', KEYS[1], 'revoked')
if not revoked then
    return 'NOT_FOUND'
end
if revoked == '1' then
    if ARGV[1] == '1' then
        return 'ALREADY_REVOKED'
    end
    return 'OK'
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 'OK'
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURI      string   `json:"redirect_uri,omitempty"`
	Confidential     bool     `json:"confidential"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientName:       c.ClientName,
		RedirectURI:      c.RedirectURI,
		Confidential:     c.Confidential,
		GrantTypes:       c.GrantTypes,
		CreatedAt:        c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientName:       j.ClientName,
		RedirectURI:      j.RedirectURI,
		Confidential:     j.Confidential,
		GrantTypes:       j.GrantTypes,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

type userJSON struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type accessTokenJSON struct {
	TokenID   string    `json:"token_id"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		TokenID:   t.TokenID,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		SessionID: t.SessionID,
		Scopes:    t.ScopeNames(),
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON, revoked bool) *storage.AccessToken {
	return &storage.AccessToken{
		TokenID:   j.TokenID,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		SessionID: j.SessionID,
		Scopes:    storage.ScopesFromNames(j.Scopes),
		IssuedAt:  j.IssuedAt,
		ExpiresAt: j.ExpiresAt,
		Revoked:   revoked,
	}
}

type refreshTokenJSON struct {
	TokenID       string    `json:"token_id"`
	AccessTokenID string    `json:"access_token_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type sessionJSON struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a JSON string key and converts it to the target type.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// tokenTTL returns the key TTL for a token expiring at expiresAt.
// Keys never get a TTL below one second so that PEXPIRE does not delete them immediately.
func (s *Store) tokenTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.retention
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
