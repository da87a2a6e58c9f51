package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oauth-tokens/instrumentation"
)

// Request kinds reported in metrics
const (
	kindToken         = "token"
	kindAuthenticated = "authenticated"
	kindPublic        = "public"
)

// Client acquires, caches and uses an access token for outbound calls.
// It is safe for concurrent use; concurrent GetToken calls fetch at most once.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	slots      map[string]CacheSlot

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	mu    sync.Mutex
	token *oauth2.Token
}

// Option configures a Client
type Option func(*Client)

// WithCacheSlot registers slot as the external cache of mode.
// It replaces the default SessionSlot when mode is ModeSession.
func WithCacheSlot(mode string, slot CacheSlot) Option {
	return func(c *Client) {
		c.slots[mode] = slot
	}
}

// WithInstrumentation enables request metrics and tracing
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(c *Client) {
		c.instrumentation = inst
		if inst != nil {
			c.tracer = inst.Tracer("client")
		}
	}
}

// New creates a client. It fails with ErrMissingAuthParams when a provider URL is missing.
func New(config Config, opts ...Option) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:     config,
		httpClient: config.HTTPClient,
		logger:     config.Logger,
		slots:      map[string]CacheSlot{ModeSession: NewSessionSlot()},
		tracer:     tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetToken returns the token held in memory, else the one cached in the slot
// of mode, else a new token from the token endpoint. Cached tokens are
// returned even when expired; use RefreshToken to replace them.
func (c *Client) GetToken(ctx context.Context, mode string) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil {
		return c.token, nil
	}

	if token := c.cachedToken(ctx, mode); token != nil {
		c.token = token
		return token, nil
	}

	return c.requestNewToken(ctx, mode)
}

// RefreshToken requests a new token and overwrites both caches
func (c *Client) RefreshToken(ctx context.Context, mode string) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.requestNewToken(ctx, mode)
}

// ClearAll drops the in-memory token and deletes the known keys from every
// registered slot. Tokens are not revoked at the provider.
func (c *Client) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.clearAll(ctx)
}

func (c *Client) clearAll(ctx context.Context) error {
	c.token = nil

	var errs []error
	for mode, slot := range c.slots {
		if err := slot.Delete(ctx, KeyState, KeyAccessToken, KeyCustomAccessToken); err != nil {
			errs = append(errs, fmt.Errorf("cache mode %q: %w", mode, err))
		}
	}
	return errors.Join(errs...)
}

// cachedToken reads the token of mode's slot. Unreadable entries count as misses.
func (c *Client) cachedToken(ctx context.Context, mode string) *oauth2.Token {
	slot, ok := c.slots[mode]
	if !ok {
		return nil
	}

	raw, err := slot.Get(ctx, KeyAccessToken)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("Failed to read cached token", "mode", mode, "error", err)
		}
		return nil
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil || token.AccessToken == "" {
		c.logger.Warn("Ignoring malformed cached token", "mode", mode)
		return nil
	}
	return &token
}

func (c *Client) requestNewToken(ctx context.Context, mode string) (*oauth2.Token, error) {
	if err := c.clearAll(ctx); err != nil {
		c.logger.Warn("Failed to clear token caches", "error", err)
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return nil, err
	}
	c.token = token

	if slot, ok := c.slots[mode]; ok {
		data, err := json.Marshal(token)
		if err == nil {
			err = slot.Set(ctx, KeyAccessToken, string(data))
		}
		if err != nil {
			c.logger.Warn("Failed to cache token", "mode", mode, "error", err)
		}
	}

	return token, nil
}

// fetchToken runs the configured grant against the token endpoint.
// Provider errors (*oauth2.RetrieveError) are returned unchanged.
func (c *Client) fetchToken(ctx context.Context) (token *oauth2.Token, err error) {
	ctx, span := c.tracer.Start(ctx, "client.fetch_token",
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, c.config.GrantType)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	switch c.config.GrantType {
	case GrantPassword:
		cfg := &oauth2.Config{
			ClientID:     c.config.ClientID,
			ClientSecret: c.config.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.config.URLAuthorize,
				TokenURL: c.config.URLAccessToken,
			},
			RedirectURL: c.config.RedirectURI,
			Scopes:      c.config.Scopes,
		}
		token, err = cfg.PasswordCredentialsToken(ctx, c.config.Username, c.config.Password)
	default:
		cfg := &clientcredentials.Config{
			ClientID:     c.config.ClientID,
			ClientSecret: c.config.ClientSecret,
			TokenURL:     c.config.URLAccessToken,
			Scopes:       c.config.Scopes,
		}
		token, err = cfg.Token(ctx)
	}

	c.recordRequest(ctx, kindToken, tokenStatus(err))
	if err != nil {
		c.logger.Warn("Token request failed", "grant_type", c.config.GrantType, "error", err)
		return nil, err
	}

	c.logger.Debug("Token acquired", "grant_type", c.config.GrantType, "token_type", token.Type())
	return token, nil
}

func tokenStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

func (c *Client) recordRequest(ctx context.Context, kind string, status int) {
	if c.instrumentation == nil {
		return
	}
	c.instrumentation.Metrics().RecordClientRequest(ctx, kind, status)
}
