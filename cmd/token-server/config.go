package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-tokens"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/server"
)

// loadConfigFile reads the file named by --config, if any, into v
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// buildConfig maps flags, environment and config file values onto the server configuration
func buildConfig(v *viper.Viper, logger *slog.Logger) (*oauth.Config, error) {
	config := oauth.DefaultConfig()
	config.Logger = logger
	config.Issuer = v.GetString("issuer")
	config.RequireAuthentication = v.GetBool("require-authentication")

	format := server.Format(strings.ToLower(strings.TrimSpace(v.GetString("response-format"))))
	switch format {
	case server.FormatPlain, server.FormatBearer:
		config.ResponseFormat = format
	default:
		return nil, fmt.Errorf("unsupported response format %q", format)
	}

	config.Token.Issuer = config.Issuer
	config.Token.AccessTokenTTL = v.GetDuration("access-token-ttl")
	config.Token.RefreshTokenTTL = v.GetDuration("refresh-token-ttl")
	config.Token.DefaultScopes = v.GetStringSlice("default-scopes")
	config.Token.RevokeAccessTokenOnRefresh = v.GetBool("revoke-access-token-on-refresh")
	if grace := v.GetDuration("clock-skew-grace"); grace > 0 {
		config.Token.ClockSkewGracePeriod = grace
	}
	if v.GetBool("strict-expiry") {
		config.Token.ClockSkewGracePeriod = server.NoClockSkewGrace
	}

	config.RateLimit = oauth.RateLimitConfig{
		Rate:              v.GetInt("rate-limit"),
		Burst:             v.GetInt("rate-limit-burst"),
		MaxEntries:        v.GetInt("rate-limit-max-entries"),
		TrustProxy:        v.GetBool("trust-proxy"),
		TrustedProxyCount: v.GetInt("trusted-proxy-count"),
	}

	if err := loadKeys(v, &config.Security); err != nil {
		return nil, err
	}
	config.Security.EnableAuditLogging = v.GetBool("audit-logging")

	return config, nil
}

// loadKeys reads the encryption, signing and verification keys
func loadKeys(v *viper.Viper, cfg *oauth.SecurityConfig) error {
	if encoded := strings.TrimSpace(v.GetString("encryption-key")); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		cfg.EncryptionKey = key
	}

	if path := v.GetString("signing-key"); path != "" {
		key, err := security.LoadSigningKey(path)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		cfg.SigningKey = key
		cfg.SigningKeyID = v.GetString("signing-key-id")
	}

	if path := v.GetString("verification-key"); path != "" {
		key, err := security.LoadPublicKey(path)
		if err != nil {
			return fmt.Errorf("load verification key: %w", err)
		}
		cfg.VerificationKey = key
	}
	return nil
}
