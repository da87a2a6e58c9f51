package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/storage"
)

// ============================================================
// AccessTokenStore Implementation
// ============================================================

// PersistAccessToken stores an access token and, when the token has no
// session yet, a session linking it to its client and user.
func (s *Store) PersistAccessToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil {
		return fmt.Errorf("invalid access token")
	}
	if err := validateID(token.TokenID, "token_id"); err != nil {
		return err
	}

	newSession := token.SessionID == ""
	if newSession {
		token.SessionID = uuid.NewString()
	}

	data, err := json.Marshal(toAccessTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	ttl := s.tokenTTL(token.ExpiresAt)
	if err := s.persistToken(ctx, s.accessTokenKey(token.TokenID), data, ttl.Milliseconds()); err != nil {
		if newSession {
			token.SessionID = ""
		}
		return err
	}

	if newSession {
		sess, err := json.Marshal(&sessionJSON{SessionID: token.SessionID, ClientID: token.ClientID, UserID: token.UserID})
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		err = s.client.Do(ctx, s.client.B().Set().Key(s.sessionKey(token.SessionID)).
			Value(string(sess)).Ex(ttl).Build()).Error()
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
	}

	s.logger.Debug("Persisted access token",
		"token_id", util.SafeTruncate(token.TokenID, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// RevokeAccessToken marks an access token as revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	return s.revokeToken(ctx, s.accessTokenKey(tokenID), false)
}

// FindAccessTokenByID returns the stored access token
func (s *Store) FindAccessTokenByID(ctx context.Context, tokenID string) (*storage.AccessToken, error) {
	data, revoked, err := s.loadToken(ctx, s.accessTokenKey(tokenID))
	if err != nil {
		return nil, err
	}

	var j accessTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access token: %w", err)
	}
	return fromAccessTokenJSON(&j, revoked), nil
}

// IsAccessTokenRevoked reports whether the token is revoked; unknown tokens count as revoked
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.isRevoked(ctx, s.accessTokenKey(tokenID))
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// PersistRefreshToken stores a refresh token and extends the access token and
// session it points to so they live at least as long as the refresh token.
func (s *Store) PersistRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil {
		return fmt.Errorf("invalid refresh token")
	}
	if err := validateID(token.TokenID, "token_id"); err != nil {
		return err
	}

	data, err := json.Marshal(&refreshTokenJSON{
		TokenID:       token.TokenID,
		AccessTokenID: token.AccessTokenID,
		ExpiresAt:     token.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	keys := []string{s.refreshTokenKey(token.TokenID)}
	linked, err := s.linkedKeys(ctx, token.AccessTokenID)
	if err != nil {
		return err
	}
	keys = append(keys, linked...)

	ttl := s.tokenTTL(token.ExpiresAt)
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPersistRefreshToken).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(string(data), strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	if result == "CONFLICT" {
		return storage.ErrTokenIDConflict
	}

	s.logger.Debug("Persisted refresh token",
		"token_id", util.SafeTruncate(token.TokenID, tokenIDLogLength),
		"access_token_id", util.SafeTruncate(token.AccessTokenID, tokenIDLogLength))
	return nil
}

// linkedKeys returns the keys a refresh token for accessTokenID depends on
// when it is presented as a legacy plaintext identifier
func (s *Store) linkedKeys(ctx context.Context, accessTokenID string) ([]string, error) {
	if accessTokenID == "" || validateID(accessTokenID, "access_token_id") != nil {
		return nil, nil
	}

	keys := []string{s.accessTokenKey(accessTokenID)}
	access, err := s.FindAccessTokenByID(ctx, accessTokenID)
	switch {
	case err == nil:
		if access.SessionID != "" {
			keys = append(keys, s.sessionKey(access.SessionID))
		}
	case errors.Is(err, storage.ErrTokenNotFound):
	default:
		return nil, err
	}
	return keys, nil
}

// RevokeRefreshToken marks a refresh token as revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	return s.revokeToken(ctx, s.refreshTokenKey(tokenID), false)
}

// AtomicRevokeRefreshToken revokes the token only if it is still active.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
func (s *Store) AtomicRevokeRefreshToken(ctx context.Context, tokenID string) error {
	return s.revokeToken(ctx, s.refreshTokenKey(tokenID), true)
}

// IsRefreshTokenRevoked reports whether the token is revoked; unknown tokens count as revoked
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	return s.isRevoked(ctx, s.refreshTokenKey(tokenID))
}

// FindRefreshTokenByPlainValue looks up a refresh token by its identifier
func (s *Store) FindRefreshTokenByPlainValue(ctx context.Context, value string) (*storage.RefreshToken, error) {
	if len(value) > MaxIDLength {
		return nil, storage.ErrTokenNotFound
	}

	data, revoked, err := s.loadToken(ctx, s.refreshTokenKey(value))
	if err != nil {
		return nil, err
	}

	var j refreshTokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &storage.RefreshToken{
		TokenID:       j.TokenID,
		AccessTokenID: j.AccessTokenID,
		ExpiresAt:     j.ExpiresAt,
		Revoked:       revoked,
	}, nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// GetSession returns a session by ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	return getAndUnmarshal(ctx, s, s.sessionKey(sessionID), storage.ErrSessionNotFound,
		func(j *sessionJSON) *storage.Session {
			return &storage.Session{SessionID: j.SessionID, ClientID: j.ClientID, UserID: j.UserID}
		})
}

// ============================================================
// Token hash helpers
// ============================================================

func (s *Store) persistToken(ctx context.Context, key string, data []byte, ttlMs int64) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaPersistToken).
			Numkeys(1).
			Key(key).
			Arg(string(data), strconv.FormatInt(ttlMs, 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	if result == "CONFLICT" {
		return storage.ErrTokenIDConflict
	}
	return nil
}

func (s *Store) revokeToken(ctx context.Context, key string, compareAndRevoke bool) error {
	strict := "0"
	if compareAndRevoke {
		strict = "1"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(key).
			Arg(strict).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrTokenNotFound
	case "ALREADY_REVOKED":
		return storage.ErrTokenRevoked
	}
	return nil
}

// loadToken returns the JSON payload and revoked flag of a token hash
func (s *Store) loadToken(ctx context.Context, key string) (string, bool, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return "", false, fmt.Errorf("failed to get token: %w", err)
	}
	data, ok := fields["data"]
	if !ok {
		return "", false, storage.ErrTokenNotFound
	}
	return data, fields["revoked"] == "1", nil
}

func (s *Store) isRevoked(ctx context.Context, key string) (bool, error) {
	revoked, err := s.client.Do(ctx, s.client.B().Hget().Key(key).Field("revoked").Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked == "1", nil
}
