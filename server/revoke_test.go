package server

import (
	"context"
	"testing"

	"github.com/giantswarm/oauth-tokens/internal/testutil"
)

func TestRevokeToken_AccessToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	result := f.issue(t, "read")

	testutil.AssertNoError(t, f.srv.RevokeToken(ctx, result.AccessToken.TokenID, testClientID, "192.0.2.1"))

	access, err := f.store.FindAccessTokenByID(ctx, result.AccessToken.TokenID)
	testutil.AssertNoError(t, err)
	if !access.Revoked {
		t.Error("access token still active")
	}
	revoked, _ := f.store.IsRefreshTokenRevoked(ctx, result.RefreshToken.TokenID)
	if revoked {
		t.Error("revoking an access token revoked its refresh token")
	}

	event, ok := f.events.Last("token_revoked")
	if !ok {
		t.Fatal("expected token_revoked event")
	}
	if event.Details["token_type"] != "access" || event.IPAddress != "192.0.2.1" {
		t.Errorf("event = %+v", event)
	}
}

func TestRevokeToken_RefreshToken(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "legacy"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			enc := testutil.NewEncryptor(t)
			f.srv.SetEncryptor(enc)
			ctx := context.Background()

			result := f.issue(t, "read")
			token := result.RefreshToken.TokenID
			if encrypted {
				token = encryptedRefreshToken(t, enc, result)
			}

			testutil.AssertNoError(t, f.srv.RevokeToken(ctx, token, testClientID, ""))

			revoked, _ := f.store.IsRefreshTokenRevoked(ctx, result.RefreshToken.TokenID)
			if !revoked {
				t.Error("refresh token still active")
			}
			access, _ := f.store.FindAccessTokenByID(ctx, result.AccessToken.TokenID)
			if !access.Revoked {
				t.Error("access token of revoked refresh token still active")
			}

			// Revoking twice succeeds
			testutil.AssertNoError(t, f.srv.RevokeToken(ctx, token, testClientID, ""))

			_, err := f.srv.IssueFromRefreshToken(ctx, f.refreshRequest(token, ""))
			assertKind(t, err, ErrInvalidRefreshToken)
		})
	}
}

func TestRevokeToken_SignedAccessToken(t *testing.T) {
	f := newValidatorFixture(t)
	f.srv.SetVerifier(f.validator.verifier)
	ctx := context.Background()

	result := f.issue(t, "read")
	signed := f.signedToken(t, result, nil)

	testutil.AssertNoError(t, f.srv.RevokeToken(ctx, signed, testClientID, ""))

	_, err := f.validator.Authenticate(ctx, bearerRequest(signed))
	assertKind(t, err, ErrAuthentication)
	assertHint(t, err, hintAccessRevoked)
}

func TestRevokeToken_ForeignToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	result := f.issue(t, "read")

	for _, token := range []string{result.AccessToken.TokenID, result.RefreshToken.TokenID} {
		testutil.AssertNoError(t, f.srv.RevokeToken(ctx, token, otherClientID, ""))
	}

	access, _ := f.store.FindAccessTokenByID(ctx, result.AccessToken.TokenID)
	if access.Revoked {
		t.Error("foreign client revoked an access token")
	}
	revoked, _ := f.store.IsRefreshTokenRevoked(ctx, result.RefreshToken.TokenID)
	if revoked {
		t.Error("foreign client revoked a refresh token")
	}

	if got := f.events.Count("auth_failure"); got != 2 {
		t.Errorf("auth_failure events = %d, want 2", got)
	}
	if f.events.Count("token_revoked") != 0 {
		t.Error("token_revoked emitted for foreign token")
	}
}

func TestRevokeToken_UnknownToken(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.SetEncryptor(testutil.NewEncryptor(t))

	testutil.AssertNoError(t, f.srv.RevokeToken(context.Background(), "never-issued", testClientID, ""))
	if len(f.events.Events()) != 0 {
		t.Error("events recorded for unknown token")
	}
}

func TestRevokeToken_EmptyToken(t *testing.T) {
	f := newFixture(t, nil)

	err := f.srv.RevokeToken(context.Background(), "", testClientID, "")
	assertKind(t, err, ErrInvalidRequest)
	assertHint(t, err, "Check the `token` parameter")
}
