package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-tokens/storage"
)

// ============================================================
// UserStore Implementation
// ============================================================

// SaveUser saves a resource owner with a bcrypt-hashed password and clears any
// failed-login counter.
func (s *Store) SaveUser(ctx context.Context, userID, username, password string) error {
	if err := validateID(userID, "user_id"); err != nil {
		return err
	}
	if err := validateID(username, "username"); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	data, err := json.Marshal(&userJSON{UserID: userID, Username: username, PasswordHash: string(hash)})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	cmds := valkeygo.Commands{
		s.client.B().Set().Key(s.userKey(username)).Value(string(data)).Build(),
		s.client.B().Del().Key(s.failedLoginKey(username)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
	}
	return nil
}

// FindUserByCredentials verifies a username and password.
// Failed attempts are counted with INCR on a key that expires after the lockout window.
func (s *Store) FindUserByCredentials(ctx context.Context, username, password, grantID string, client *storage.Client) (*storage.User, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.userKey(username)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyBcryptHash), []byte(password))
			return nil, storage.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var j userJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	tracking := s.maxLoginAttempts > 0
	if tracking {
		failed, err := s.client.Do(ctx, s.client.B().Get().Key(s.failedLoginKey(username)).Build()).AsInt64()
		if err != nil && !isNilError(err) {
			return nil, fmt.Errorf("failed to read login attempts: %w", err)
		}
		if failed >= int64(s.maxLoginAttempts) {
			return nil, &storage.CredentialsError{Username: username, RemainingAttempts: 0}
		}
	}

	if bcrypt.CompareHashAndPassword([]byte(j.PasswordHash), []byte(password)) != nil {
		if !tracking {
			return nil, &storage.CredentialsError{Username: username, RemainingAttempts: -1}
		}

		key := s.failedLoginKey(username)
		failed, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("failed to record login attempt: %w", err)
		}
		if failed == 1 {
			_ = s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(int64(s.lockoutWindow.Seconds())).Build()).Error()
		}
		remaining := max(int64(s.maxLoginAttempts)-failed, 0)
		return nil, &storage.CredentialsError{Username: username, RemainingAttempts: int(remaining)}
	}

	if tracking {
		_ = s.client.Do(ctx, s.client.B().Del().Key(s.failedLoginKey(username)).Build()).Error()
	}

	return &storage.User{UserID: j.UserID, Username: j.Username, PasswordHash: j.PasswordHash}, nil
}

// ============================================================
// ScopeStore Implementation
// ============================================================

// SaveScope registers a scope name
func (s *Store) SaveScope(ctx context.Context, name string) error {
	if err := validateID(name, "scope"); err != nil {
		return err
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(s.scopesKey()).Member(name).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	return nil
}

// GetScopeByName returns a registered scope
func (s *Store) GetScopeByName(ctx context.Context, name string) (*storage.Scope, error) {
	ok, err := s.client.Do(ctx, s.client.B().Sismember().Key(s.scopesKey()).Member(name).Build()).AsBool()
	if err != nil {
		return nil, fmt.Errorf("failed to check scope: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, name)
	}
	return &storage.Scope{Name: name}, nil
}

// FinalizeScopes returns the requested scopes unchanged. The Valkey backend
// has no role model to narrow them with.
func (s *Store) FinalizeScopes(ctx context.Context, scopes []storage.Scope, grantID string, client *storage.Client, userID string) ([]storage.Scope, error) {
	return append([]storage.Scope(nil), scopes...), nil
}
