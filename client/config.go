package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Grant types supported for token acquisition
const (
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// DefaultHTTPTimeout is used when Config.HTTPClient is nil
const DefaultHTTPTimeout = 30 * time.Second

// ErrMissingAuthParams is returned by New when one of the provider URLs is missing
var ErrMissingAuthParams = errors.New("missing auth params: RedirectURI, URLAuthorize, URLAccessToken and URLResourceOwnerDetails are required")

// Config describes the OAuth client and the provider it talks to
type Config struct {
	ClientID     string
	ClientSecret string

	// GrantType is GrantClientCredentials (default) or GrantPassword
	GrantType string

	// Username and Password are sent with GrantPassword
	Username string
	Password string

	// Scopes requested with every token
	Scopes []string

	// Provider URLs. All four are required even though only URLAccessToken
	// is used by the supported grants.
	RedirectURI             string
	URLAuthorize            string
	URLAccessToken          string
	URLResourceOwnerDetails string

	// HTTPClient is used for token and API requests.
	// Default: a client with DefaultHTTPTimeout
	HTTPClient *http.Client

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.RedirectURI == "" || c.URLAuthorize == "" || c.URLAccessToken == "" || c.URLResourceOwnerDetails == "" {
		return ErrMissingAuthParams
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	switch c.GrantType {
	case "":
		c.GrantType = GrantClientCredentials
	case GrantClientCredentials:
	case GrantPassword:
		if c.Username == "" {
			return fmt.Errorf("username is required for the password grant")
		}
	default:
		return fmt.Errorf("unsupported grant type %q", c.GrantType)
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
