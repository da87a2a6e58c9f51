package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-tokens/internal/testutil"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

func sampleResult(now time.Time, withRefresh bool) *IssuanceResult {
	result := &IssuanceResult{
		AccessToken: &storage.AccessToken{
			TokenID:   "access-123",
			ClientID:  testClientID,
			UserID:    testUserID,
			Scopes:    []storage.Scope{{Name: "read"}, {Name: "write"}},
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		},
	}
	if withRefresh {
		result.RefreshToken = &storage.RefreshToken{
			TokenID:       "refresh-456",
			AccessTokenID: "access-123",
			ExpiresAt:     now.AddDate(0, 1, 0),
		}
	}
	return result
}

func TestResponseBuilder_Build(t *testing.T) {
	b, err := NewResponseBuilder(FormatPlain, nil, nil)
	testutil.AssertNoError(t, err)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	rec := httptest.NewRecorder()
	testutil.AssertNoError(t, b.Build(rec, sampleResult(now, true)))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	headers := map[string]string{
		"Content-Type":  "application/json; charset=UTF-8",
		"Cache-Control": "no-store",
		"Pragma":        "no-cache",
	}
	for name, want := range headers {
		if got := rec.Header().Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	var body map[string]any
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	want := map[string]any{
		"token_type":    "Plain",
		"expires_in":    float64(3600),
		"access_token":  "access-123",
		"refresh_token": "refresh-456",
	}
	if len(body) != len(want) {
		t.Errorf("body has %d fields, want %d: %v", len(body), len(want), body)
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
}

func TestResponseBuilder_OmitsMissingRefreshToken(t *testing.T) {
	b, err := NewResponseBuilder(FormatPlain, nil, nil)
	testutil.AssertNoError(t, err)

	rec := httptest.NewRecorder()
	testutil.AssertNoError(t, b.Build(rec, sampleResult(time.Now(), false)))

	if strings.Contains(rec.Body.String(), "refresh_token") {
		t.Errorf("body mentions refresh_token: %s", rec.Body.String())
	}
}

func TestResponseBuilder_ExpiresIn(t *testing.T) {
	issued := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		now  time.Time
		want int64
	}{
		{name: "fresh", now: issued, want: 3600},
		{name: "half used", now: issued.Add(30 * time.Minute), want: 1800},
		{name: "at expiry", now: issued.Add(time.Hour), want: 0},
		{name: "already expired", now: issued.Add(time.Hour + 10*time.Second), want: -10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewResponseBuilder(FormatPlain, nil, nil)
			testutil.AssertNoError(t, err)
			b.now = func() time.Time { return tt.now }

			resp, err := b.TokenResponse(sampleResult(issued, true))
			testutil.AssertNoError(t, err)
			if resp.ExpiresIn != tt.want {
				t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, tt.want)
			}
		})
	}
}

func TestResponseBuilder_Bearer(t *testing.T) {
	enc := testutil.NewEncryptor(t)
	signer, verifier := testutil.NewSigningPair(t)

	b, err := NewResponseBuilder(FormatBearer, enc, signer)
	testutil.AssertNoError(t, err)
	b.SetIssuer("https://tokens.example.com")

	now := time.Now()
	result := sampleResult(now, true)
	resp, err := b.TokenResponse(result)
	testutil.AssertNoError(t, err)

	if resp.TokenType != TokenTypeBearer {
		t.Errorf("TokenType = %q, want %q", resp.TokenType, TokenTypeBearer)
	}

	claims, err := verifier.Verify(resp.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.ID != "access-123" || claims.Subject != testUserID || claims.Issuer != "https://tokens.example.com" {
		t.Errorf("claims = %+v", claims.Claims)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != testClientID {
		t.Errorf("Audience = %v", claims.Audience)
	}
	if strings.Join(claims.Scopes, " ") != "read write" {
		t.Errorf("Scopes = %v", claims.Scopes)
	}

	plaintext, err := enc.Decrypt(resp.RefreshToken)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	var payload RefreshPayload
	testutil.AssertNoError(t, json.Unmarshal([]byte(plaintext), &payload))
	assertPayload(t, payload, NewRefreshPayload(result.AccessToken, result.RefreshToken))
}

func TestResponseBuilder_BearerTokensAcceptedDownstream(t *testing.T) {
	f := newFixture(t, nil)
	enc := testutil.NewEncryptor(t)
	signer, verifier := testutil.NewSigningPair(t)
	f.srv.SetEncryptor(enc)

	b, err := NewResponseBuilder(FormatBearer, enc, signer)
	testutil.AssertNoError(t, err)

	resp, err := b.TokenResponse(f.issue(t, "read"))
	testutil.AssertNoError(t, err)

	v := NewValidator(f.store, verifier, discardLogger())
	if _, err := v.Authenticate(context.Background(), bearerRequest(resp.AccessToken)); err != nil {
		t.Errorf("validator rejected issued access token: %v", err)
	}
	if _, err := f.srv.IssueFromRefreshToken(context.Background(), f.refreshRequest(resp.RefreshToken, "")); err != nil {
		t.Errorf("server rejected issued refresh token: %v", err)
	}
}

func TestNewResponseBuilder(t *testing.T) {
	enc := testutil.NewEncryptor(t)
	disabled, err := security.NewEncryptor(nil)
	testutil.AssertNoError(t, err)
	signer, _ := testutil.NewSigningPair(t)

	tests := []struct {
		name      string
		format    Format
		encryptor *security.Encryptor
		signer    *security.Signer
		want      Format
		wantErr   bool
	}{
		{name: "empty means plain", format: "", want: FormatPlain},
		{name: "plain ignores keys", format: FormatPlain, encryptor: enc, signer: signer, want: FormatPlain},
		{name: "bearer", format: FormatBearer, encryptor: enc, signer: signer, want: FormatBearer},
		{name: "bearer without encryptor", format: FormatBearer, signer: signer, wantErr: true},
		{name: "bearer with disabled encryptor", format: FormatBearer, encryptor: disabled, signer: signer, wantErr: true},
		{name: "bearer without signer", format: FormatBearer, encryptor: enc, wantErr: true},
		{name: "unknown format", format: "mac", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewResponseBuilder(tt.format, tt.encryptor, tt.signer)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			testutil.AssertNoError(t, err)
			if b.Format() != tt.want {
				t.Errorf("Format() = %q, want %q", b.Format(), tt.want)
			}
		})
	}
}

func TestResponseBuilder_NilResult(t *testing.T) {
	b, err := NewResponseBuilder(FormatPlain, nil, nil)
	testutil.AssertNoError(t, err)

	rec := httptest.NewRecorder()
	if err := b.Build(rec, &IssuanceResult{}); err == nil {
		t.Error("expected error for result without access token")
	}
	if rec.Body.Len() != 0 {
		t.Error("body written for failed build")
	}
}
