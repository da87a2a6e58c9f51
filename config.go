package oauth

import (
	"crypto"
	"log/slog"

	"github.com/giantswarm/oauth-tokens/server"
)

// Config holds the token service configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the base URL of the token service. It is placed in the iss
	// claim of signed access tokens and enables HSTS when it uses https.
	Issuer string

	// Token configures lifetimes and refresh policy.
	// Nil means server.DefaultConfig().
	Token *server.Config

	// ResponseFormat selects plain identifiers or signed bearer tokens.
	// Default: server.FormatPlain
	ResponseFormat server.Format

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// RequireAuthentication makes the ValidateToken middleware reject requests
	// that carry no access token. When false those requests pass through
	// without a principal.
	RequireAuthentication bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration for the token and
// revocation endpoints
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked addresses.
	// Zero keeps the limiter default.
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies we run in front of the service
	TrustedProxyCount int
}

// SecurityConfig holds key material and audit settings
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) sealing refresh token payloads.
	// Without it refresh tokens are only accepted in their legacy plaintext form.
	EncryptionKey []byte

	// SigningKey signs access tokens in bearer responses (RSA, ECDSA or Ed25519)
	SigningKey crypto.Signer

	// SigningKeyID is the kid header of signed tokens.
	// Empty derives the RFC 7638 thumbprint of the public key.
	SigningKeyID string

	// VerificationKey checks signed access tokens presented to resources and
	// to the revocation endpoint. Defaults to the public half of SigningKey.
	VerificationKey crypto.PublicKey

	// EnableAuditLogging enables the security audit log
	// Default: true
	EnableAuditLogging bool
}

// Default rate limits, applied by DefaultConfig
const (
	DefaultRateLimit      = 10
	DefaultRateLimitBurst = 20
)

// DefaultConfig returns a configuration with secure defaults
func DefaultConfig() *Config {
	return &Config{
		Token:          server.DefaultConfig(),
		ResponseFormat: server.FormatPlain,
		RateLimit: RateLimitConfig{
			Rate:  DefaultRateLimit,
			Burst: DefaultRateLimitBurst,
		},
		Security: SecurityConfig{
			EnableAuditLogging: true,
		},
	}
}

// applySecureDefaults fills unset values and logs warnings for risky settings.
// It never overrides an explicit choice.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Token == nil {
		config.Token = server.DefaultConfig()
	}
	if config.Token.Issuer == "" {
		config.Token.Issuer = config.Issuer
	}
	if config.ResponseFormat == "" {
		config.ResponseFormat = server.FormatPlain
	}
	if config.RateLimit.Rate > 0 && config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = config.RateLimit.Rate
	}
	if config.Security.VerificationKey == nil && config.Security.SigningKey != nil {
		config.Security.VerificationKey = config.Security.SigningKey.Public()
	}

	if config.RateLimit.Rate <= 0 {
		logger.Warn("Rate limiting disabled on the token endpoint",
			"risk", "Unbounded password guessing per address")
	}
	if config.RateLimit.TrustProxy {
		logger.Warn("Trusting forwarding headers for client addresses",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount,
			"risk", "Spoofed X-Forwarded-For bypasses rate limits unless a proxy overwrites it")
	}
	if len(config.Security.EncryptionKey) == 0 {
		logger.Warn("No encryption key configured",
			"impact", "Refresh tokens are issued as plain identifiers")
	}
	if !config.Security.EnableAuditLogging {
		logger.Warn("Audit logging disabled")
	}

	return config
}
