// Package oauth wires the token server, resource validator and response
// builder behind an HTTP handler.
//
//	srv, err := oauth.NewServer(store, oauth.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer srv.Shutdown()
//
//	mux := http.NewServeMux()
//	handler := oauth.NewHandler(srv, logger)
//	handler.RegisterRoutes(mux)
//	mux.Handle("/api/", handler.ValidateToken(api))
package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/server"
	"github.com/giantswarm/oauth-tokens/storage"
)

// Server bundles the components of the token service
type Server struct {
	Tokens          *server.Server
	Validator       *server.Validator
	Responses       *server.ResponseBuilder
	RateLimiter     *security.RateLimiter // nil when rate limiting is disabled
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Config          *Config
	Logger          *slog.Logger

	repo storage.Repository
}

// NewServer creates the token service on top of repo. A nil config means DefaultConfig().
func NewServer(repo storage.Repository, config *Config) (*Server, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config = applySecureDefaults(config, logger)

	encryptor, err := security.NewEncryptor(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	var signer *security.Signer
	if config.Security.SigningKey != nil {
		signer, err = security.NewSigner(config.Security.SigningKey, config.Security.SigningKeyID)
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	var verifier *security.Verifier
	if config.Security.VerificationKey != nil {
		verifier, err = security.NewVerifier(config.Security.VerificationKey)
		if err != nil {
			return nil, fmt.Errorf("invalid verification key: %w", err)
		}
	}

	responses, err := server.NewResponseBuilder(config.ResponseFormat, encryptor, signer)
	if err != nil {
		return nil, err
	}
	responses.SetIssuer(config.Issuer)

	tokens, err := server.New(repo, config.Token, logger)
	if err != nil {
		return nil, err
	}
	tokens.SetEncryptor(encryptor)
	tokens.SetVerifier(verifier)

	auditor := security.NewAuditor(logger, config.Security.EnableAuditLogging)
	tokens.SetEventSink(auditor)

	validator := server.NewValidator(repo, verifier, logger)
	validator.SetEventSink(auditor)
	validator.SetClockSkewGracePeriod(tokens.Config.ClockSkewGracePeriod)

	var rateLimiter *security.RateLimiter
	if config.RateLimit.Rate > 0 {
		if config.RateLimit.MaxEntries > 0 {
			rateLimiter = security.NewRateLimiterWithConfig(config.RateLimit.Rate, config.RateLimit.Burst, config.RateLimit.MaxEntries, logger)
		} else {
			rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
		}
		rateLimiter.SetName("ip")
	}

	logger.Info("Token service initialized",
		"issuer", config.Issuer,
		"response_format", responses.Format(),
		"encryption", encryptor.IsEnabled(),
		"signed_tokens", signer != nil,
		"rate_limit", config.RateLimit.Rate)

	return &Server{
		Tokens:      tokens,
		Validator:   validator,
		Responses:   responses,
		RateLimiter: rateLimiter,
		Auditor:     auditor,
		Config:      config,
		Logger:      logger,
		repo:        repo,
	}, nil
}

// instrumentedStore is implemented by storage backends that report metrics
type instrumentedStore interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// SetInstrumentation enables metrics and tracing on every component,
// including the repository when it supports it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.Tokens.SetInstrumentation(inst)
	s.Validator.SetInstrumentation(inst)
	s.Auditor.SetInstrumentation(inst)
	if s.RateLimiter != nil {
		s.RateLimiter.SetInstrumentation(inst)
	}
	if store, ok := s.repo.(instrumentedStore); ok {
		store.SetInstrumentation(inst)
	}
}

// ProxyConfig returns how client addresses are resolved for rate limiting and audit
func (s *Server) ProxyConfig() security.ProxyConfig {
	return security.ProxyConfig{
		TrustProxy:        s.Config.RateLimit.TrustProxy,
		TrustedProxyCount: s.Config.RateLimit.TrustedProxyCount,
	}
}

// Shutdown stops background goroutines. The repository and the instrumentation
// are owned by the caller and stay open.
func (s *Server) Shutdown() {
	if s.RateLimiter != nil {
		s.RateLimiter.Stop()
	}
}
