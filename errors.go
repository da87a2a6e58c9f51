package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-tokens/server"
)

// OAuth error codes used by the HTTP layer in addition to server.ErrorCode*
const (
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInsufficientScope    = "insufficient_scope"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// OAuthError is an error rendered to HTTP clients
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Hint        string // Optional remediation hint
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(server.ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(grantType string) *OAuthError {
		return &OAuthError{
			Code:        ErrorCodeUnsupportedGrantType,
			Description: "The authorization grant type is not supported by the authorization server.",
			Hint:        fmt.Sprintf("Check that all required parameters have been provided (grant_type %q)", grantType),
			Status:      http.StatusBadRequest,
		}
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func() *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	}

	// ErrMissingToken indicates a protected resource was called without an access token
	ErrMissingToken = func() *OAuthError {
		return &OAuthError{
			Code:        server.ErrorCodeAccessDenied,
			Description: "The resource owner or authorization server denied the request.",
			Hint:        "Missing access token",
			Status:      http.StatusUnauthorized,
		}
	}

	// ErrInsufficientScope indicates the access token lacks a required scope
	ErrInsufficientScope = func(scope string) *OAuthError {
		return &OAuthError{
			Code:        ErrorCodeInsufficientScope,
			Description: "The request requires higher privileges than provided by the access token.",
			Hint:        fmt.Sprintf("Scope %q is required", scope),
			Status:      http.StatusForbidden,
		}
	}

	// ErrServerError indicates an unexpected failure. It never carries details.
	ErrServerError = func() *OAuthError {
		return NewOAuthError(server.ErrorCodeServerError, "The authorization server encountered an unexpected condition.", http.StatusInternalServerError)
	}
)

// toOAuthError converts err into its client-facing form. Causes of
// *server.Error values and any other error are never exposed.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var serverErr *server.Error
	if errors.As(err, &serverErr) && serverErr.Code != "" {
		return &OAuthError{
			Code:        serverErr.Code,
			Description: serverErr.Description,
			Hint:        serverErr.Hint,
			Status:      serverErr.Status,
		}
	}

	return ErrServerError()
}
