package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// Grant identifiers passed to the user and scope stores
const (
	GrantPassword     = "password"
	GrantRefreshToken = "refresh_token"
)

// tokenIDLogLength is the number of characters of a token shown in logs
const tokenIDLogLength = 8

// TokenRequest carries the token endpoint parameters of one request.
// Empty strings mean the parameter was absent.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        string
	RefreshToken string

	// ClientIP is only used for audit events
	ClientIP string
}

// IssuanceResult pairs a newly issued access token with its refresh token.
// RefreshToken is nil when none was issued.
type IssuanceResult struct {
	AccessToken  *storage.AccessToken
	RefreshToken *storage.RefreshToken
}

// Server implements password and refresh token issuance and revocation.
// It keeps no state between requests; everything durable lives in the repository.
type Server struct {
	clients       storage.ClientStore
	users         storage.UserStore
	scopes        storage.ScopeStore
	accessTokens  storage.AccessTokenStore
	refreshTokens storage.RefreshTokenStore
	sessions      storage.SessionStore

	Encryptor *security.Encryptor
	Verifier  *security.Verifier // optional, lets RevokeToken accept signed access tokens
	Events    security.EventSink
	Logger    *slog.Logger
	Config    *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now        func() time.Time
	generateID func() string
}

// New creates a token server backed by repo. A nil config means DefaultConfig().
func New(repo storage.Repository, config *Config, logger *slog.Logger) (*Server, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		clients:       repo,
		users:         repo,
		scopes:        repo,
		accessTokens:  repo,
		refreshTokens: repo,
		sessions:      repo,
		Logger:        logger,
		Config:        config,
		tracer:        tracenoop.NewTracerProvider().Tracer(""),
		now:           time.Now,
		generateID:    generateRandomToken,
	}, nil
}

// SetEncryptor sets the refresh token encryptor
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc
}

// SetVerifier sets the verifier used to recognise signed access tokens on revocation
func (s *Server) SetVerifier(v *security.Verifier) {
	s.Verifier = v
}

// SetEventSink sets the destination of security events
func (s *Server) SetEventSink(sink security.EventSink) {
	s.Events = sink
}

// SetInstrumentation enables metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

func (s *Server) emit(event security.Event) {
	if s.Events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.Events.LogEvent(event)
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+name, trace.WithAttributes(attrs...))
}

// finishSpan records err on span. Client-correctable errors leave the span status unset.
func finishSpan(span trace.Span, err error) {
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}
	kind := KindOf(err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, kind.String()))
	if kind == KindUpstream || kind == 0 {
		instrumentation.RecordError(span, err)
	}
}

// generateRandomToken returns a URL-safe random identifier with 256 bits of entropy
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
