// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// DefaultMaxLoginAttempts is the number of consecutive failed password checks
	// after which a user is locked out
	DefaultMaxLoginAttempts = 5

	// DefaultExpiredTokenRetention is how long expired tokens are kept before cleanup.
	// Keeping them for a while lets late refresh attempts fail with "expired"
	// instead of "unknown".
	DefaultExpiredTokenRetention = 24 * time.Hour

	// dummyBcryptHash is compared against when the user or client is unknown so that
	// response timing does not reveal whether it exists
	dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// ScopePolicy finalizes the scopes granted for a request.
// It receives the already validated scopes and returns the authoritative set.
type ScopePolicy func(scopes []storage.Scope, grantID string, client *storage.Client, userID string) []storage.Scope

// Store is an in-memory implementation of storage.Repository.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	users   map[string]*storage.User // username -> user
	scopes  map[string]*storage.Scope

	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	sessions      map[string]*storage.Session

	// failedLogins counts consecutive failed password checks per username
	failedLogins     map[string]int
	maxLoginAttempts int

	scopePolicy ScopePolicy

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	sessionsCountAtomic      atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	retention       time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Repository = (*Store)(nil)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		users:            make(map[string]*storage.User),
		scopes:           make(map[string]*storage.Scope),
		accessTokens:     make(map[string]*storage.AccessToken),
		refreshTokens:    make(map[string]*storage.RefreshToken),
		sessions:         make(map[string]*storage.Session),
		failedLogins:     make(map[string]int),
		maxLoginAttempts: DefaultMaxLoginAttempts,
		cleanupInterval:  cleanupInterval,
		retention:        DefaultExpiredTokenRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetMaxLoginAttempts sets the lockout threshold. Zero or negative disables
// attempt tracking; CredentialsError then reports -1 remaining attempts.
func (s *Store) SetMaxLoginAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxLoginAttempts = n
}

// SetExpiredTokenRetention sets how long expired tokens survive cleanup
func (s *Store) SetExpiredTokenRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetScopePolicy installs the policy used by FinalizeScopes.
// Without a policy the requested scopes are returned unchanged.
func (s *Store) SetScopePolicy(policy ScopePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopePolicy = policy
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.sessionsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Seeding
// ============================================================

// SaveClient registers a client. If secret is non-empty it is hashed with bcrypt
// and replaces ClientSecretHash.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client, secret string) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	stored := *client
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		stored.ClientSecretHash = string(hash)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[stored.ClientID] = &stored

	s.logger.Debug("Saved client", "client_id", stored.ClientID)
	return nil
}

// SaveUser registers a resource owner. The password is hashed with bcrypt.
func (s *Store) SaveUser(ctx context.Context, userID, username, password string) error {
	if userID == "" || username == "" {
		return fmt.Errorf("user ID and username cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &storage.User{
		UserID:       userID,
		Username:     username,
		PasswordHash: string(hash),
	}
	delete(s.failedLogins, username)
	return nil
}

// SaveScope registers a scope name
func (s *Store) SaveScope(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("scope name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[name] = &storage.Scope{Name: name}
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	ctx, span := s.startStorageSpan(ctx, "validate_client_secret")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "validate_client_secret", err, startTime)
	}()

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	hashToCompare := dummyBcryptHash
	isPublicClient := false
	if ok {
		if !client.Confidential {
			isPublicClient = true
		} else {
			hashToCompare = client.ClientSecretHash
		}
	}

	// Always perform the comparison so unknown clients take as long as known ones
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if !ok {
		err = storage.ErrInvalidClientCredentials
		return err
	}
	if isPublicClient {
		return nil
	}
	if bcryptErr != nil {
		err = storage.ErrInvalidClientCredentials
		return err
	}

	return nil
}

// ============================================================
// UserStore Implementation
// ============================================================

// FindUserByCredentials verifies username and password.
// Consecutive failures are counted per username; once the limit is reached every
// attempt fails with zero remaining attempts until the user is saved again.
func (s *Store) FindUserByCredentials(ctx context.Context, username, password, grantID string, client *storage.Client) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "find_user_by_credentials")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find_user_by_credentials", err, startTime)
	}()

	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(password))
		err = storage.ErrUserNotFound
		return nil, err
	}

	s.mu.RLock()
	maxAttempts := s.maxLoginAttempts
	lockedOut := maxAttempts > 0 && s.failedLogins[username] >= maxAttempts
	s.mu.RUnlock()

	if lockedOut {
		err = &storage.CredentialsError{Username: username, RemainingAttempts: 0}
		return nil, err
	}

	mismatch := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if mismatch {
		remaining := -1
		if maxAttempts > 0 {
			s.failedLogins[username]++
			remaining = max(maxAttempts-s.failedLogins[username], 0)
		}
		err = &storage.CredentialsError{Username: username, RemainingAttempts: remaining}
		return nil, err
	}

	delete(s.failedLogins, username)
	u := *user
	return &u, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// GetScopeByName returns a registered scope
func (s *Store) GetScopeByName(ctx context.Context, name string) (*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, name)
	}
	sc := *scope
	return &sc, nil
}

// FinalizeScopes applies the configured ScopePolicy
func (s *Store) FinalizeScopes(ctx context.Context, scopes []storage.Scope, grantID string, client *storage.Client, userID string) ([]storage.Scope, error) {
	s.mu.RLock()
	policy := s.scopePolicy
	s.mu.RUnlock()

	if policy == nil {
		return append([]storage.Scope(nil), scopes...), nil
	}
	return policy(scopes, grantID, client, userID), nil
}

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// PersistAccessToken stores an access token. A session linking the token to its
// client and user is created when the token has none; its ID is written back to
// token.SessionID.
func (s *Store) PersistAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "persist_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "persist_access_token", err, startTime)
	}()

	if token == nil || token.TokenID == "" {
		err = fmt.Errorf("token ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accessTokens[token.TokenID]; exists {
		err = storage.ErrTokenIDConflict
		return err
	}

	if token.SessionID == "" {
		token.SessionID = uuid.NewString()
	}
	if _, exists := s.sessions[token.SessionID]; !exists {
		s.sessions[token.SessionID] = &storage.Session{
			SessionID: token.SessionID,
			ClientID:  token.ClientID,
			UserID:    token.UserID,
		}
		s.sessionsCountAtomic.Add(1)
	}

	stored := *token
	stored.Scopes = append([]storage.Scope(nil), token.Scopes...)
	s.accessTokens[token.TokenID] = &stored
	s.accessTokensCountAtomic.Add(1)

	s.logger.Debug("Persisted access token",
		"token_id", util.SafeTruncate(token.TokenID, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// RevokeAccessToken marks an access token as revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_access_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.accessTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return err
	}
	token.Revoked = true
	return nil
}

// FindAccessTokenByID returns a copy of the stored access token
func (s *Store) FindAccessTokenByID(ctx context.Context, tokenID string) (*storage.AccessToken, error) {
	ctx, span := s.startStorageSpan(ctx, "find_access_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	t := *token
	t.Scopes = append([]storage.Scope(nil), token.Scopes...)
	return &t, nil
}

// IsAccessTokenRevoked reports whether the token is revoked; unknown tokens count as revoked
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.accessTokens[tokenID]
	if !ok {
		return true, nil
	}
	return token.Revoked, nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// PersistRefreshToken stores a refresh token
func (s *Store) PersistRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "persist_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "persist_refresh_token", err, startTime)
	}()

	if token == nil || token.TokenID == "" {
		err = fmt.Errorf("token ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.TokenID]; exists {
		err = storage.ErrTokenIDConflict
		return err
	}

	stored := *token
	s.refreshTokens[token.TokenID] = &stored
	s.refreshTokensCountAtomic.Add(1)

	s.logger.Debug("Persisted refresh token",
		"token_id", util.SafeTruncate(token.TokenID, tokenIDLogLength),
		"access_token_id", util.SafeTruncate(token.AccessTokenID, tokenIDLogLength))
	return nil
}

// RevokeRefreshToken marks a refresh token as revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	ctx, span := s.startStorageSpan(ctx, "revoke_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return err
	}
	token.Revoked = true
	return nil
}

// AtomicRevokeRefreshToken revokes the token only if it is still active.
// The check and the update happen under the same write lock.
func (s *Store) AtomicRevokeRefreshToken(ctx context.Context, tokenID string) error {
	ctx, span := s.startStorageSpan(ctx, "atomic_revoke_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "atomic_revoke_refresh_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return err
	}
	if token.Revoked {
		err = storage.ErrTokenRevoked
		return err
	}
	token.Revoked = true
	return nil
}

// IsRefreshTokenRevoked reports whether the token is revoked; unknown tokens count as revoked
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenID]
	if !ok {
		return true, nil
	}
	return token.Revoked, nil
}

// FindRefreshTokenByPlainValue looks up a refresh token by its identifier
func (s *Store) FindRefreshTokenByPlainValue(ctx context.Context, value string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "find_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[value]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	t := *token
	return &t, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// GetSession returns a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	sess := *session
	return &sess, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops tokens that expired more than the retention period ago, and
// sessions no remaining access token points at.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-s.retention)

	for id, token := range s.refreshTokens {
		if security.IsTokenExpired(token.ExpiresAt) && token.ExpiresAt.Before(cutoff) {
			delete(s.refreshTokens, id)
			cleaned++
		}
	}

	referenced := make(map[string]bool, len(s.accessTokens))
	for _, rt := range s.refreshTokens {
		referenced[rt.AccessTokenID] = true
	}

	liveSessions := make(map[string]bool, len(s.sessions))
	for id, token := range s.accessTokens {
		if !referenced[id] && security.IsTokenExpired(token.ExpiresAt) && token.ExpiresAt.Before(cutoff) {
			delete(s.accessTokens, id)
			cleaned++
			continue
		}
		liveSessions[token.SessionID] = true
	}

	for id := range s.sessions {
		if !liveSessions[id] {
			delete(s.sessions, id)
			cleaned++
		}
	}

	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// non-recording span; ending it must not end the caller's span
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation))
	instrumentation.AddStorageAttributes(span, operation, "memory")

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
