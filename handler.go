package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/server"
)

// Endpoint paths registered by RegisterRoutes
const (
	TokenPath      = "/oauth/token"
	RevocationPath = "/oauth/revoke"
)

// Endpoint labels used in metrics
const (
	endpointToken      = "token"
	endpointRevocation = "revoke"
	endpointResource   = "resource"
)

// Handler is a thin HTTP adapter for the token service
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
	proxy  security.ProxyConfig
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	tracer := tracenoop.NewTracerProvider().Tracer("")
	if srv.Instrumentation != nil {
		tracer = srv.Instrumentation.Tracer("http")
	}

	return &Handler{
		server: srv,
		logger: logger,
		tracer: tracer,
		proxy:  srv.ProxyConfig(),
	}
}

// RegisterRoutes mounts the token and revocation endpoints on mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(TokenPath, security.RequestIDMiddleware(http.HandlerFunc(h.ServeToken)))
	mux.Handle(RevocationPath, security.RequestIDMiddleware(http.HandlerFunc(h.ServeTokenRevocation)))
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.token")
	defer span.End()

	status := h.serveToken(ctx, w, r)

	endSpan(span, r.Method, endpointToken, status)
	h.recordHTTPMetrics(ctx, endpointToken, r.Method, status, startTime)
}

func (h *Handler) serveToken(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	logger := security.RequestLogger(ctx, h.logger)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
	}

	clientIP := h.proxy.ClientIP(r)
	h.traceClientIP(ctx, clientIP)
	if h.checkIPRateLimit(ctx, w, clientIP) {
		return http.StatusTooManyRequests
	}

	if err := r.ParseForm(); err != nil {
		return h.writeError(w, ErrInvalidRequest("Failed to parse request body"))
	}

	req := parseTokenRequest(r)
	req.ClientIP = clientIP
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.String(instrumentation.AttrGrantType, req.GrantType))
	instrumentation.AddOAuthFlowAttributes(trace.SpanFromContext(ctx), req.ClientID, "", req.Scope)

	var result *server.IssuanceResult
	var err error
	switch req.GrantType {
	case server.GrantPassword:
		result, err = h.server.Tokens.IssueFromCredentials(ctx, req)
	case server.GrantRefreshToken:
		result, err = h.server.Tokens.IssueFromRefreshToken(ctx, req)
	case "":
		return h.writeError(w, toOAuthError(server.InvalidRequest("grant_type")))
	default:
		logger.Info("Unsupported grant type", "grant_type", req.GrantType, "client_id", req.ClientID)
		return h.writeError(w, ErrUnsupportedGrantType(req.GrantType))
	}
	if err != nil {
		h.logTokenError(logger, req, err)
		return h.writeError(w, toOAuthError(err))
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	if err := h.server.Responses.Build(w, result); err != nil {
		logger.Error("Failed to build token response",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"error", err)
		return h.writeError(w, ErrServerError())
	}

	logger.Info("Token issued",
		"grant_type", req.GrantType,
		"client_id", result.AccessToken.ClientID,
		"format", h.server.Responses.Format())
	return http.StatusOK
}

// logTokenError logs failed token requests. Client mistakes are logged at
// info level; repository and encoding failures at error level with their cause.
func (h *Handler) logTokenError(logger *slog.Logger, req *server.TokenRequest, err error) {
	if errors.Is(err, server.ErrUpstream) || server.KindOf(err) == 0 {
		logger.Error("Token request failed",
			"grant_type", req.GrantType,
			"client_id", req.ClientID,
			"error", err)
		return
	}
	logger.Info("Token request rejected",
		"grant_type", req.GrantType,
		"client_id", req.ClientID,
		"kind", server.KindOf(err).String())
}

// parseTokenRequest reads token endpoint parameters from the request body.
// HTTP Basic credentials take precedence over client_id and client_secret.
func parseTokenRequest(r *http.Request) *server.TokenRequest {
	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		Scope:        r.PostForm.Get("scope"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	}
	if clientID, clientSecret, ok := r.BasicAuth(); ok {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
	}
	return req
}

// ServeTokenRevocation handles token revocation (RFC 7009).
// Unknown, foreign and already revoked tokens all answer 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.revoke")
	defer span.End()

	status := h.serveTokenRevocation(ctx, w, r)

	endSpan(span, r.Method, endpointRevocation, status)
	h.recordHTTPMetrics(ctx, endpointRevocation, r.Method, status, startTime)
}

// endSpan records the outcome of an endpoint on its span. OAuth error
// responses are not Go errors, so the status text is the span message.
func endSpan(span trace.Span, method, endpoint string, status int) {
	instrumentation.AddHTTPAttributes(span, method, endpoint, status)
	if status >= http.StatusBadRequest {
		instrumentation.SetSpanError(span, http.StatusText(status))
		return
	}
	instrumentation.SetSpanSuccess(span)
}

// traceClientIP records the caller address on the request span, only when
// client IP logging is enabled
func (h *Handler) traceClientIP(ctx context.Context, clientIP string) {
	if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(trace.SpanFromContext(ctx), clientIP)
	}
}

func (h *Handler) serveTokenRevocation(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	logger := security.RequestLogger(ctx, h.logger)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return h.writeError(w, NewOAuthError(server.ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
	}

	clientIP := h.proxy.ClientIP(r)
	h.traceClientIP(ctx, clientIP)
	if h.checkIPRateLimit(ctx, w, clientIP) {
		return http.StatusTooManyRequests
	}

	if err := r.ParseForm(); err != nil {
		return h.writeError(w, ErrInvalidRequest("Failed to parse request body"))
	}

	req := parseRevocationRequest(r)
	if req.Token == "" {
		return h.writeError(w, toOAuthError(server.InvalidRequest("token")))
	}

	client, err := h.server.Tokens.AuthenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		logger.Warn("Revocation client authentication failed", "client_id", req.ClientID, "ip", clientIP)
		return h.writeError(w, toOAuthError(err))
	}

	if err := h.server.Tokens.RevokeToken(ctx, req.Token, client.ClientID, clientIP); err != nil {
		// RFC 7009: the client cannot act on the failure, so it still gets 200
		logger.Error("Token revocation failed", "client_id", client.ClientID, "error", err)
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

func parseRevocationRequest(r *http.Request) *RevocationRequest {
	req := &RevocationRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      r.PostForm.Get("client_id"),
		ClientSecret:  r.PostForm.Get("client_secret"),
	}
	if clientID, clientSecret, ok := r.BasicAuth(); ok {
		req.ClientID = clientID
		req.ClientSecret = clientSecret
	}
	return req
}

// ValidateToken is middleware that authenticates the access token of a
// resource request and stores the principal in the request context.
// Requests without any token pass through unless RequireAuthentication is set.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ctx := r.Context()
		logger := security.RequestLogger(ctx, h.logger)

		principal, err := h.server.Validator.Authenticate(ctx, r)
		switch {
		case errors.Is(err, server.ErrNoCredential):
			if h.server.Config.RequireAuthentication {
				status := h.writeError(w, ErrMissingToken())
				h.recordHTTPMetrics(ctx, endpointResource, r.Method, status, startTime)
				return
			}
			next.ServeHTTP(w, r)
			return
		case err != nil:
			logger.Info("Access token rejected",
				"path", r.URL.Path,
				"kind", server.KindOf(err).String())
			status := h.writeError(w, toOAuthError(err))
			h.recordHTTPMetrics(ctx, endpointResource, r.Method, status, startTime)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, principal)))
	})
}

// RequireScopes returns middleware rejecting principals that lack any of
// scopes. It must run after ValidateToken.
func (h *Handler) RequireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				h.writeError(w, ErrMissingToken())
				return
			}
			for _, scope := range scopes {
				if !principal.HasScope(scope) {
					h.writeInsufficientScopeError(w, scopes)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkIPRateLimit writes a 429 response and returns true when clientIP is over its limit
func (h *Handler) checkIPRateLimit(ctx context.Context, w http.ResponseWriter, clientIP string) bool {
	if h.server.RateLimiter == nil {
		return false
	}
	allowed, retryAfter := h.server.RateLimiter.Check(ctx, clientIP)
	if allowed {
		return false
	}

	security.RequestLogger(ctx, h.logger).Warn("Rate limit exceeded", "ip", clientIP, "retry_after", retryAfter)
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	w.Header().Set("Retry-After", retryAfterHeader(retryAfter))
	h.writeError(w, ErrRateLimitExceeded())
	return true
}

// writeError writes an OAuth error response and returns its status
func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(h.server.Config.Issuer, oauthErr.Code, oauthErr.Description, ""))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
		Hint:             oauthErr.Hint,
	})
	return oauthErr.Status
}

// writeInsufficientScopeError writes a 403 with the scopes the resource needs (RFC 6750 section 3.1)
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, required []string) {
	oauthErr := ErrInsufficientScope(strings.Join(required, " "))
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(h.server.Config.Issuer, oauthErr.Code, oauthErr.Description, strings.Join(required, " ")))
	h.writeError(w, oauthErr)
}

// formatWWWAuthenticate builds a Bearer challenge (RFC 6750 section 3)
func formatWWWAuthenticate(realm, code, description, scope string) string {
	params := make([]string, 0, 4)
	if realm != "" {
		params = append(params, fmt.Sprintf("realm=%q", realm))
	}
	params = append(params, fmt.Sprintf("error=%q", code))
	if description != "" {
		params = append(params, fmt.Sprintf("error_description=%q", description))
	}
	if scope != "" {
		params = append(params, fmt.Sprintf("scope=%q", scope))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// recordHTTPMetrics records HTTP request metrics
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// contextKey is a type for context keys to avoid collisions
type contextKey string

const principalKey contextKey = "principal"

// ContextWithPrincipal returns a context carrying principal
func ContextWithPrincipal(ctx context.Context, principal *server.Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext returns the principal stored by ValidateToken
func PrincipalFromContext(ctx context.Context) (*server.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(*server.Principal)
	return principal, ok && principal != nil
}

// retryAfterHeader renders d as whole seconds, rounded up, never below one
func retryAfterHeader(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
