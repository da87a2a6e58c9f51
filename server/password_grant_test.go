package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-tokens/storage"
	"github.com/giantswarm/oauth-tokens/storage/memory"
)

func TestIssueFromCredentials(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.srv.IssueFromCredentials(context.Background(), f.passwordRequest("read write"))
	if err != nil {
		t.Fatalf("IssueFromCredentials() error = %v", err)
	}

	access := result.AccessToken
	if access.TokenID == "" {
		t.Fatal("access token has no identifier")
	}
	if access.ClientID != testClientID || access.UserID != testUserID {
		t.Errorf("access token owner = (%q, %q), want (%q, %q)", access.ClientID, access.UserID, testClientID, testUserID)
	}
	if got := access.ScopeNames(); len(got) != 2 || got[0] != "read" || got[1] != "write" {
		t.Errorf("scopes = %v, want [read write]", got)
	}
	if want := f.clock.Now().Add(DefaultAccessTokenTTL); !access.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", access.ExpiresAt, want)
	}

	refresh := result.RefreshToken
	if refresh == nil {
		t.Fatal("expected a refresh token")
	}
	if refresh.AccessTokenID != access.TokenID {
		t.Errorf("refresh token points at %q, want %q", refresh.AccessTokenID, access.TokenID)
	}
	if want := f.clock.Now().AddDate(0, 1, 0); !refresh.ExpiresAt.Equal(want) {
		t.Errorf("refresh ExpiresAt = %v, want %v", refresh.ExpiresAt, want)
	}

	stored, err := f.store.FindAccessTokenByID(context.Background(), access.TokenID)
	if err != nil {
		t.Fatalf("access token not persisted: %v", err)
	}
	if stored.Revoked {
		t.Error("new access token is revoked")
	}

	event, ok := f.events.Last("token_issued")
	if !ok {
		t.Fatal("expected token_issued event")
	}
	if event.UserID != testUserID || event.ClientID != testClientID {
		t.Errorf("event = %+v", event)
	}
	if event.Details["scope"] != "read write" {
		t.Errorf("event scope = %v, want %q", event.Details["scope"], "read write")
	}
}

func TestIssueFromCredentials_RepositoryFinalizesScopes(t *testing.T) {
	f := newFixture(t, nil)
	f.store.SetScopePolicy(func(scopes []storage.Scope, grantID string, client *storage.Client, userID string) []storage.Scope {
		if userID == testUserID {
			return []storage.Scope{{Name: "read"}}
		}
		return scopes
	})

	result := f.issue(t, "read write")

	got := result.AccessToken.ScopeNames()
	if len(got) != 1 || got[0] != "read" {
		t.Errorf("scopes = %v, want [read]", got)
	}
}

func TestIssueFromCredentials_DefaultScopes(t *testing.T) {
	config := DefaultConfig()
	config.DefaultScopes = []string{"read"}
	f := newFixture(t, config)

	result := f.issue(t, "")

	got := result.AccessToken.ScopeNames()
	if len(got) != 1 || got[0] != "read" {
		t.Errorf("scopes = %v, want [read]", got)
	}
}

func TestIssueFromCredentials_PublicClient(t *testing.T) {
	f := newFixture(t, nil)

	req := f.passwordRequest("read")
	req.ClientID = publicClientID
	req.ClientSecret = ""

	result, err := f.srv.IssueFromCredentials(context.Background(), req)
	if err != nil {
		t.Fatalf("IssueFromCredentials() error = %v", err)
	}
	if result.AccessToken.ClientID != publicClientID {
		t.Errorf("ClientID = %q, want %q", result.AccessToken.ClientID, publicClientID)
	}
}

func TestIssueFromCredentials_Errors(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*TokenRequest)
		wantErr  *Error
		wantHint string
	}{
		{
			name:     "missing client_id",
			modify:   func(r *TokenRequest) { r.ClientID = "" },
			wantErr:  ErrInvalidRequest,
			wantHint: "Check the `client_id` parameter",
		},
		{
			name:    "unknown client",
			modify:  func(r *TokenRequest) { r.ClientID = "unknown" },
			wantErr: ErrInvalidClient,
		},
		{
			name:    "wrong client secret",
			modify:  func(r *TokenRequest) { r.ClientSecret = "nope" },
			wantErr: ErrInvalidClient,
		},
		{
			name:     "unknown scope",
			modify:   func(r *TokenRequest) { r.Scope = "read bogus" },
			wantErr:  ErrInvalidScope,
			wantHint: "Check the `bogus` scope",
		},
		{
			name:     "scope checked before user",
			modify:   func(r *TokenRequest) { r.Scope = "bogus"; r.Password = "wrong" },
			wantErr:  ErrInvalidScope,
			wantHint: "Check the `bogus` scope",
		},
		{
			name:     "missing username",
			modify:   func(r *TokenRequest) { r.Username = "" },
			wantErr:  ErrInvalidRequest,
			wantHint: "Check the `username` parameter",
		},
		{
			name:     "missing password",
			modify:   func(r *TokenRequest) { r.Password = "" },
			wantErr:  ErrInvalidRequest,
			wantHint: "Check the `password` parameter",
		},
		{
			name:    "wrong password",
			modify:  func(r *TokenRequest) { r.Password = "wrong" },
			wantErr: ErrInvalidCredentials,
		},
		{
			name:    "unknown user",
			modify:  func(r *TokenRequest) { r.Username = "mallory" },
			wantErr: ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := f.passwordRequest("read")
			tt.modify(req)

			result, err := f.srv.IssueFromCredentials(context.Background(), req)
			if result != nil {
				t.Error("expected no result on failure")
			}
			assertKind(t, err, tt.wantErr)

			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("error %T is not *Error", err)
			}
			if tt.wantHint != "" && e.Hint != tt.wantHint {
				t.Errorf("Hint = %q, want %q", e.Hint, tt.wantHint)
			}
			if f.events.Count("token_issued") != 0 {
				t.Error("token_issued emitted for failed request")
			}
		})
	}
}

func TestIssueFromCredentials_RemainingAttempts(t *testing.T) {
	f := newFixture(t, nil)
	req := f.passwordRequest("read")
	req.Password = "wrong"

	for want := memory.DefaultMaxLoginAttempts - 1; want >= 0; want-- {
		_, err := f.srv.IssueFromCredentials(context.Background(), req)
		assertKind(t, err, ErrInvalidCredentials)

		var e *Error
		errors.As(err, &e)
		if e.RemainingAttempts != want {
			t.Errorf("RemainingAttempts = %d, want %d", e.RemainingAttempts, want)
		}
		if e.Code != ErrorCodeInvalidGrant {
			t.Errorf("Code = %q, want %q", e.Code, ErrorCodeInvalidGrant)
		}
	}

	// Locked out: the right password no longer helps
	_, err := f.srv.IssueFromCredentials(context.Background(), f.passwordRequest("read"))
	assertKind(t, err, ErrInvalidCredentials)

	if got := f.events.Count("user_authentication_failed"); got != memory.DefaultMaxLoginAttempts+1 {
		t.Errorf("user_authentication_failed events = %d, want %d", got, memory.DefaultMaxLoginAttempts+1)
	}
	event, _ := f.events.Last("user_authentication_failed")
	if event.Details["remaining_attempts"] != 0 {
		t.Errorf("remaining_attempts = %v, want 0", event.Details["remaining_attempts"])
	}
}

func TestIssueFromCredentials_UnknownUserHasNoRemainingAttempts(t *testing.T) {
	f := newFixture(t, nil)
	req := f.passwordRequest("read")
	req.Username = "mallory"

	_, err := f.srv.IssueFromCredentials(context.Background(), req)

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %T is not *Error", err)
	}
	if e.RemainingAttempts != -1 {
		t.Errorf("RemainingAttempts = %d, want -1", e.RemainingAttempts)
	}
	event, ok := f.events.Last("user_authentication_failed")
	if !ok {
		t.Fatal("expected user_authentication_failed event")
	}
	if _, present := event.Details["remaining_attempts"]; present {
		t.Error("remaining_attempts reported for unknown user")
	}
}

// failingStore lets individual repository calls fail
type failingStore struct {
	*memory.Store
	persistRefreshErr error
	finalizeErr       error
	userErr           error
	sessionErr        error
}

func (s *failingStore) PersistRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if s.persistRefreshErr != nil {
		return s.persistRefreshErr
	}
	return s.Store.PersistRefreshToken(ctx, token)
}

func (s *failingStore) FinalizeScopes(ctx context.Context, scopes []storage.Scope, grantID string, client *storage.Client, userID string) ([]storage.Scope, error) {
	if s.finalizeErr != nil {
		return nil, s.finalizeErr
	}
	return s.Store.FinalizeScopes(ctx, scopes, grantID, client, userID)
}

func (s *failingStore) FindUserByCredentials(ctx context.Context, username, password, grantID string, client *storage.Client) (*storage.User, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return s.Store.FindUserByCredentials(ctx, username, password, grantID, client)
}

func (s *failingStore) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	if s.sessionErr != nil {
		return nil, s.sessionErr
	}
	return s.Store.GetSession(ctx, sessionID)
}

func newFailingFixture(t *testing.T, fs *failingStore) *fixture {
	t.Helper()
	f := newFixture(t, nil)
	fs.Store = f.store

	srv, err := New(fs, nil, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetEventSink(f.events)
	srv.now = f.clock.Now
	f.srv = srv
	return f
}

func TestIssueFromCredentials_RollsBackAccessToken(t *testing.T) {
	f := newFailingFixture(t, &failingStore{persistRefreshErr: errors.New("disk full")})
	f.srv.generateID = sequenceIDs("access-1")

	_, err := f.srv.IssueFromCredentials(context.Background(), f.passwordRequest("read"))
	assertKind(t, err, ErrUpstream)

	access, err := f.store.FindAccessTokenByID(context.Background(), "access-1")
	if err != nil {
		t.Fatalf("FindAccessTokenByID() error = %v", err)
	}
	if !access.Revoked {
		t.Error("access token of failed issuance is still active")
	}
	if f.events.Count("token_issued") != 0 {
		t.Error("token_issued emitted for failed issuance")
	}
}

func TestIssueFromCredentials_RepositoryFailures(t *testing.T) {
	tests := []struct {
		name string
		fs   *failingStore
	}{
		{name: "finalize scopes", fs: &failingStore{finalizeErr: errors.New("policy backend down")}},
		{name: "user lookup", fs: &failingStore{userErr: errors.New("directory unreachable")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFailingFixture(t, tt.fs)

			_, err := f.srv.IssueFromCredentials(context.Background(), f.passwordRequest("read"))
			assertKind(t, err, ErrUpstream)

			var e *Error
			errors.As(err, &e)
			if e.Status != 500 || e.Code != ErrorCodeServerError {
				t.Errorf("Status/Code = %d/%q", e.Status, e.Code)
			}
		})
	}
}

func TestIssueFromCredentials_RetriesOnIdentifierConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.generateID = sequenceIDs("a1", "r1")
	f.issue(t, "read")

	f.srv.generateID = sequenceIDs("a1", "a2", "r1", "r1", "r2")
	result := f.issue(t, "read")

	if result.AccessToken.TokenID != "a2" {
		t.Errorf("access TokenID = %q, want a2", result.AccessToken.TokenID)
	}
	if result.RefreshToken.TokenID != "r2" {
		t.Errorf("refresh TokenID = %q, want r2", result.RefreshToken.TokenID)
	}
}

func TestIssueFromCredentials_IdentifierSpaceExhausted(t *testing.T) {
	config := DefaultConfig()
	config.MaxIssuanceAttempts = 3
	f := newFixture(t, config)

	f.srv.generateID = func() string { return "taken" }
	f.issue(t, "read")

	calls := 0
	f.srv.generateID = func() string {
		calls++
		return "taken"
	}

	_, err := f.srv.IssueFromCredentials(context.Background(), f.passwordRequest("read"))
	assertKind(t, err, ErrUpstream)
	if !errors.Is(err, errIdentifierSpaceExhausted) {
		t.Errorf("error = %v, want cause %v", err, errIdentifierSpaceExhausted)
	}
	if calls != 3 {
		t.Errorf("generated %d identifiers, want 3", calls)
	}
}

func TestIssueFromCredentials_UniqueIdentifiers(t *testing.T) {
	f := newFixture(t, nil)
	seen := make(map[string]bool)

	for i := 0; i < 20; i++ {
		result := f.issue(t, "read")
		for _, id := range []string{result.AccessToken.TokenID, result.RefreshToken.TokenID} {
			if seen[id] {
				t.Fatalf("identifier %s issued twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 40 {
		t.Errorf("got %d identifiers, want 40", len(seen))
	}
}
