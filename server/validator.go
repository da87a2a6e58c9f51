package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// AccessTokenParam is the query or form parameter carrying a plain access token
const AccessTokenParam = "access_token"

// Principal is the authenticated caller of a resource server request
type Principal struct {
	AccessTokenID string
	ClientID      string
	UserID        string // empty for client-only tokens
	Scopes        []string
	ExpiresAt     time.Time
}

// HasScope reports whether the principal was granted scope
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator authenticates resource server requests.
//
// A signed bearer token in the Authorization header is tried first, then a
// plain access_token query or form parameter. Requests with neither yield
// ErrNoCredential.
type Validator struct {
	tokens   storage.AccessTokenStore
	verifier *security.Verifier

	events          security.EventSink
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	clockSkew time.Duration
	now       func() time.Time
}

// NewValidator creates a validator. A nil verifier disables signed bearer tokens.
func NewValidator(tokens storage.AccessTokenStore, verifier *security.Verifier, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		tokens:    tokens,
		verifier:  verifier,
		logger:    logger,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		clockSkew: security.DefaultClockSkewGracePeriod,
		now:       time.Now,
	}
}

// SetEventSink sets the destination of auth_failure events
func (v *Validator) SetEventSink(sink security.EventSink) {
	v.events = sink
}

// SetInstrumentation enables metrics and tracing
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
	if inst != nil {
		v.tracer = inst.Tracer("validator")
	}
}

// SetClockSkewGracePeriod sets the tolerance applied to expiry checks.
// Negative values check expiry strictly.
func (v *Validator) SetClockSkewGracePeriod(d time.Duration) {
	v.clockSkew = max(d, 0)
}

// Authenticate resolves the credential carried by r
func (v *Validator) Authenticate(ctx context.Context, r *http.Request) (principal *Principal, err error) {
	ctx, span := v.tracer.Start(ctx, "validator.authenticate")
	defer func() {
		if !errors.Is(err, ErrNoCredential) {
			finishSpan(span, err)
		}
		span.End()
	}()

	if token, ok := bearerToken(r); ok {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, "Bearer"))
		principal, err = v.authenticateSigned(ctx, token)
	} else if token := plainAccessToken(r); token != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, "Plain"))
		principal, err = v.authenticatePlain(ctx, token)
	} else {
		return nil, ErrNoCredential
	}

	if err != nil {
		v.recordFailure(ctx, err)
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, principal.ClientID, principal.UserID, "")
	return principal, nil
}

func (v *Validator) authenticateSigned(ctx context.Context, token string) (*Principal, error) {
	if v.verifier == nil {
		return nil, authenticationError(hintBearerNotActive)
	}

	claims, err := v.verifier.Verify(token)
	if err != nil {
		v.logger.Debug("Signed access token rejected", "error", err)
		return nil, authenticationError(hintInvalidSigned)
	}
	if claims.Expiry == nil || len(claims.Audience) == 0 {
		return nil, authenticationError(hintInvalidSigned)
	}

	now := v.now()
	expiresAt := claims.Expiry.Time()
	if security.IsExpiredAt(expiresAt, now, v.clockSkew) {
		return nil, authenticationError(hintAccessExpired)
	}
	if claims.NotBefore != nil && claims.NotBefore.Time().After(now.Add(v.clockSkew)) {
		return nil, authenticationError(hintInvalidSigned)
	}

	revoked, err := v.tokens.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, upstreamFailure(err)
	}
	if revoked {
		return nil, authenticationError(hintAccessRevoked)
	}

	return &Principal{
		AccessTokenID: claims.ID,
		ClientID:      claims.Audience[0],
		UserID:        claims.Subject,
		Scopes:        append([]string(nil), claims.Scopes...),
		ExpiresAt:     expiresAt,
	}, nil
}

func (v *Validator) authenticatePlain(ctx context.Context, tokenID string) (*Principal, error) {
	token, err := v.tokens.FindAccessTokenByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, authenticationError(hintAccessUnknown)
		}
		return nil, upstreamFailure(err)
	}

	if security.IsExpiredAt(token.ExpiresAt, v.now(), v.clockSkew) {
		return nil, authenticationError(hintAccessExpired)
	}
	if token.Revoked {
		return nil, authenticationError(hintAccessRevoked)
	}

	return &Principal{
		AccessTokenID: token.TokenID,
		ClientID:      token.ClientID,
		UserID:        token.UserID,
		Scopes:        token.ScopeNames(),
		ExpiresAt:     token.ExpiresAt,
	}, nil
}

func (v *Validator) recordFailure(ctx context.Context, err error) {
	var e *Error
	reason := "unknown"
	if errors.As(err, &e) {
		reason = e.Kind.String()
		if e.Hint != "" {
			reason = e.Hint
		}
	}

	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordValidationFailed(ctx, reason)
	}
	if v.events != nil {
		v.events.LogEvent(security.Event{
			Type:    security.EventAuthFailure,
			Details: map[string]any{"reason": reason},
		})
	}
}

// bearerToken extracts the credential of an "Authorization: Bearer" header
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// plainAccessToken reads access_token from the query string or, for form
// encoded bodies, from the body.
func plainAccessToken(r *http.Request) string {
	if token := r.URL.Query().Get(AccessTokenParam); token != "" {
		return token
	}
	if r.Method == http.MethodGet || r.Body == nil {
		return ""
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return ""
	}
	return r.PostFormValue(AccessTokenParam)
}
