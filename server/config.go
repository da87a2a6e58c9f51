package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-tokens/security"
)

const (
	// DefaultAccessTokenTTL is the lifetime of an access token
	DefaultAccessTokenTTL = time.Hour

	// NoClockSkewGrace disables the expiry grace period: a token is rejected
	// as soon as the clock passes its expiry
	NoClockSkewGrace time.Duration = -1

	// DefaultMaxIssuanceAttempts bounds token identifier generation on collisions
	DefaultMaxIssuanceAttempts = 10

	// maxRecommendedAccessTokenTTL is the TTL above which a warning is logged
	maxRecommendedAccessTokenTTL = 24 * time.Hour
)

// Config holds token server configuration
type Config struct {
	// Issuer is placed in the iss claim of signed access tokens
	Issuer string

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Zero means one calendar month from issuance.
	RefreshTokenTTL time.Duration

	// DefaultScopes are granted when a password request names no scope
	DefaultScopes []string

	// RevokeAccessTokenOnRefresh revokes the access token paired with a refresh
	// token when that refresh token is exchanged.
	// Default (DefaultConfig or nil config): true
	RevokeAccessTokenOnRefresh bool

	// ClockSkewGracePeriod is tolerated when checking access token expiry.
	// Zero means security.DefaultClockSkewGracePeriod (5 seconds); any negative
	// value, such as NoClockSkewGrace, means no tolerance.
	ClockSkewGracePeriod time.Duration

	// MaxIssuanceAttempts is how many identifiers are tried before issuance
	// gives up on collisions.
	// Default: 10
	MaxIssuanceAttempts int
}

// DefaultConfig returns the secure default configuration
func DefaultConfig() *Config {
	c := &Config{RevokeAccessTokenOnRefresh: true}
	applyTimeDefaults(c)
	return c
}

// RefreshTokenExpiry returns the expiry of a refresh token issued at now
func (c *Config) RefreshTokenExpiry(now time.Time) time.Time {
	if c.RefreshTokenTTL > 0 {
		return now.Add(c.RefreshTokenTTL)
	}
	return now.AddDate(0, 1, 0)
}

// applySecureDefaults fills zero durations and logs warnings for risky settings.
// Boolean policies are taken as given; callers wanting the defaults start from DefaultConfig.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
	if config.MaxIssuanceAttempts <= 0 {
		config.MaxIssuanceAttempts = DefaultMaxIssuanceAttempts
	}
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RevokeAccessTokenOnRefresh {
		logger.Warn("Access tokens stay valid after their refresh token is exchanged",
			"recommendation", "Enable RevokeAccessTokenOnRefresh",
			"risk", "Two live access tokens per refresh chain")
	}
	if config.AccessTokenTTL > maxRecommendedAccessTokenTTL {
		logger.Warn("Long-lived access tokens configured",
			"access_token_ttl", config.AccessTokenTTL,
			"recommended_max", maxRecommendedAccessTokenTTL)
	}
	if config.RefreshTokenTTL > 0 && config.RefreshTokenTTL < config.AccessTokenTTL {
		logger.Warn("Refresh tokens expire before their access tokens",
			"refresh_token_ttl", config.RefreshTokenTTL,
			"access_token_ttl", config.AccessTokenTTL)
	}
}
