package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokens/instrumentation"
)

// tokenEndpoint is a fake token endpoint issuing numbered tokens
type tokenEndpoint struct {
	calls     atomic.Int32
	tokenType string
	status    int
	lastForm  url.Values
	mu        sync.Mutex
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := e.calls.Add(1)
	_ = r.ParseForm()
	e.mu.Lock()
	e.lastForm = r.PostForm
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if e.status != 0 {
		w.WriteHeader(e.status)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client authentication failed"}`))
		return
	}

	tokenType := e.tokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token_type":   tokenType,
		"expires_in":   3600,
		"access_token": "token-" + string(rune('0'+n)),
	})
}

func (e *tokenEndpoint) form() url.Values {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastForm
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(tokenURL string) Config {
	return Config{
		ClientID:                "reporting",
		ClientSecret:            "s3cret",
		RedirectURI:             "https://reporting.example.com/callback",
		URLAuthorize:            "https://auth.example.com/oauth/authorize",
		URLAccessToken:          tokenURL,
		URLResourceOwnerDetails: "https://auth.example.com/api/me",
		Logger:                  discardLogger(),
	}
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *tokenEndpoint) {
	t.Helper()
	return newTestClientWithEndpoint(t, &tokenEndpoint{}, opts...)
}

func newTestClientWithEndpoint(t *testing.T, endpoint *tokenEndpoint, opts ...Option) (*Client, *tokenEndpoint) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	c, err := New(testConfig(srv.URL), opts...)
	require.NoError(t, err)
	return c, endpoint
}

func cacheToken(t *testing.T, slot CacheSlot, token *oauth2.Token) {
	t.Helper()
	data, err := json.Marshal(token)
	require.NoError(t, err)
	require.NoError(t, slot.Set(context.Background(), KeyAccessToken, string(data)))
}

func TestNew_MissingAuthParams(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing redirect uri", func(c *Config) { c.RedirectURI = "" }},
		{"missing authorize url", func(c *Config) { c.URLAuthorize = "" }},
		{"missing access token url", func(c *Config) { c.URLAccessToken = "" }},
		{"missing resource owner url", func(c *Config) { c.URLResourceOwnerDetails = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig("https://auth.example.com/oauth/token")
			tt.modify(&config)

			_, err := New(config)
			assert.ErrorIs(t, err, ErrMissingAuthParams)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	config := testConfig("https://auth.example.com/oauth/token")
	config.GrantType = "authorization_code"
	_, err := New(config)
	assert.ErrorContains(t, err, "unsupported grant type")

	config = testConfig("https://auth.example.com/oauth/token")
	config.GrantType = GrantPassword
	_, err = New(config)
	assert.ErrorContains(t, err, "username is required")

	config = testConfig("https://auth.example.com/oauth/token")
	config.Logger = nil
	c, err := New(config)
	require.NoError(t, err)
	assert.Equal(t, GrantClientCredentials, c.config.GrantType)
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.logger)
}

func TestGetToken_FetchesOnceAndCaches(t *testing.T) {
	c, endpoint := newTestClient(t)
	ctx := context.Background()

	first, err := c.GetToken(ctx, ModeSession)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first.AccessToken)

	second, err := c.GetToken(ctx, ModeSession)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), endpoint.calls.Load())

	form := endpoint.form()
	assert.Equal(t, GrantClientCredentials, form.Get("grant_type"))

	raw, err := c.slots[ModeSession].Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Contains(t, raw, "token-1")
}

func TestGetToken_UsesSharedSlot(t *testing.T) {
	slot := NewSessionSlot()
	cacheToken(t, slot, &oauth2.Token{AccessToken: "shared-token", TokenType: "Bearer"})

	c, endpoint := newTestClient(t, WithCacheSlot("shared", slot))

	token, err := c.GetToken(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, "shared-token", token.AccessToken)
	assert.Zero(t, endpoint.calls.Load())
}

func TestGetToken_ReturnsExpiredCachedToken(t *testing.T) {
	slot := NewSessionSlot()
	cacheToken(t, slot, &oauth2.Token{
		AccessToken: "stale",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(-time.Hour),
	})

	c, endpoint := newTestClient(t, WithCacheSlot(ModeSession, slot))

	token, err := c.GetToken(context.Background(), ModeSession)
	require.NoError(t, err)
	assert.Equal(t, "stale", token.AccessToken)
	assert.False(t, token.Valid())
	assert.Zero(t, endpoint.calls.Load())
}

func TestGetToken_MalformedCacheEntryIsAMiss(t *testing.T) {
	slot := NewSessionSlot()
	require.NoError(t, slot.Set(context.Background(), KeyAccessToken, "not json"))

	c, endpoint := newTestClient(t, WithCacheSlot(ModeSession, slot))

	token, err := c.GetToken(context.Background(), ModeSession)
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)
	assert.Equal(t, int32(1), endpoint.calls.Load())
}

func TestGetToken_UnknownModeSkipsSlots(t *testing.T) {
	c, endpoint := newTestClient(t)

	token, err := c.GetToken(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)
	assert.Equal(t, int32(1), endpoint.calls.Load())

	_, err = c.slots[ModeSession].Get(context.Background(), KeyAccessToken)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGetToken_Concurrent(t *testing.T) {
	c, endpoint := newTestClient(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetToken(context.Background(), ModeSession)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), endpoint.calls.Load())
}

func TestGetToken_ProviderErrorPropagates(t *testing.T) {
	c, _ := newTestClientWithEndpoint(t, &tokenEndpoint{status: http.StatusUnauthorized})

	_, err := c.GetToken(context.Background(), ModeSession)

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusUnauthorized, retrieveErr.Response.StatusCode)
	assert.Equal(t, "invalid_client", retrieveErr.ErrorCode)
}

func TestGetToken_PasswordGrant(t *testing.T) {
	endpoint := &tokenEndpoint{}
	srv := httptest.NewServer(endpoint)
	defer srv.Close()

	config := testConfig(srv.URL)
	config.GrantType = GrantPassword
	config.Username = "alice"
	config.Password = "correct-horse"
	config.Scopes = []string{"read", "write"}

	c, err := New(config)
	require.NoError(t, err)

	_, err = c.GetToken(context.Background(), ModeSession)
	require.NoError(t, err)

	form := endpoint.form()
	assert.Equal(t, GrantPassword, form.Get("grant_type"))
	assert.Equal(t, "alice", form.Get("username"))
	assert.Equal(t, "correct-horse", form.Get("password"))
	assert.Equal(t, "read write", form.Get("scope"))
}

func TestRefreshToken_AlwaysFetches(t *testing.T) {
	c, endpoint := newTestClient(t)
	ctx := context.Background()

	first, err := c.GetToken(ctx, ModeSession)
	require.NoError(t, err)

	refreshed, err := c.RefreshToken(ctx, ModeSession)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, refreshed.AccessToken)
	assert.Equal(t, int32(2), endpoint.calls.Load())

	// both caches now hold the new token
	again, err := c.GetToken(ctx, ModeSession)
	require.NoError(t, err)
	assert.Equal(t, refreshed.AccessToken, again.AccessToken)

	raw, err := c.slots[ModeSession].Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	assert.Contains(t, raw, refreshed.AccessToken)
}

func TestClearAll(t *testing.T) {
	shared := NewSessionSlot()
	c, endpoint := newTestClient(t, WithCacheSlot("shared", shared))
	ctx := context.Background()

	_, err := c.GetToken(ctx, ModeSession)
	require.NoError(t, err)
	for _, key := range []string{KeyState, KeyCustomAccessToken} {
		require.NoError(t, shared.Set(ctx, key, "value"))
	}
	require.NoError(t, shared.Set(ctx, "unrelated", "kept"))

	require.NoError(t, c.ClearAll(ctx))

	for _, slot := range []CacheSlot{c.slots[ModeSession], shared} {
		for _, key := range []string{KeyState, KeyAccessToken, KeyCustomAccessToken} {
			_, err := slot.Get(ctx, key)
			assert.ErrorIs(t, err, ErrCacheMiss, key)
		}
	}
	value, err := shared.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "kept", value)

	// the in-memory token is gone as well
	_, err = c.GetToken(ctx, ModeSession)
	require.NoError(t, err)
	assert.Equal(t, int32(2), endpoint.calls.Load())
}

// failingSlot fails every operation
type failingSlot struct{}

func (failingSlot) Get(context.Context, string) (string, error) {
	return "", errors.New("connection reset")
}
func (failingSlot) Set(context.Context, string, string) error {
	return errors.New("connection reset")
}
func (failingSlot) Delete(context.Context, ...string) error {
	return errors.New("connection reset")
}

func TestGetToken_SlotFailuresDoNotBlockFetch(t *testing.T) {
	c, endpoint := newTestClient(t, WithCacheSlot("broken", failingSlot{}))

	token, err := c.GetToken(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)
	assert.Equal(t, int32(1), endpoint.calls.Load())

	assert.Error(t, c.ClearAll(context.Background()))
}

func TestWithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	require.NoError(t, err)

	c, _ := newTestClient(t, WithInstrumentation(inst))
	assert.Same(t, inst, c.instrumentation)

	_, err = c.GetToken(context.Background(), ModeSession)
	require.NoError(t, err)
}
