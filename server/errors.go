package server

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies token service failures
type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindInvalidClient
	KindInvalidScope
	KindInvalidCredentials
	KindInvalidRefreshToken
	KindAccessDenied
	KindAuthentication
	KindUpstream
)

// String returns the kind name used in logs and metrics
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidScope:
		return "invalid_scope"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidRefreshToken:
		return "invalid_refresh_token"
	case KindAccessDenied:
		return "access_denied"
	case KindAuthentication:
		return "authentication_error"
	case KindUpstream:
		return "upstream_failure"
	default:
		return "unknown"
	}
}

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 6750 section 3.1)
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeInvalidToken   = "invalid_token"
	ErrorCodeServerError    = "server_error"
)

// Error is a terminal failure of a token request or of request authentication.
// Code, Description and Hint are safe to show to clients; the cause is not.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Hint        string
	Status      int

	// RemainingAttempts is set for KindInvalidCredentials when the user store
	// tracks failed logins, and -1 otherwise
	RemainingAttempts int

	cause error
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrInvalidClient       = &Error{Kind: KindInvalidClient}
	ErrInvalidScope        = &Error{Kind: KindInvalidScope}
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials}
	ErrInvalidRefreshToken = &Error{Kind: KindInvalidRefreshToken}
	ErrAccessDenied        = &Error{Kind: KindAccessDenied}
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrUpstream            = &Error{Kind: KindUpstream}
)

// ErrNoCredential is returned by Validator.Authenticate when the request carries
// neither a bearer token nor an access_token parameter. It is not a failure.
var ErrNoCredential = errors.New("no credential presented")

func (e *Error) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap exposes the internal cause for logging
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of err, or 0 when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// InvalidRequest returns the error for a missing or malformed request parameter
func InvalidRequest(param string) *Error {
	return invalidRequest(param)
}

func invalidRequest(param string) *Error {
	return &Error{
		Kind:        KindInvalidRequest,
		Code:        ErrorCodeInvalidRequest,
		Description: "The request is missing a required parameter, includes an invalid parameter value, includes a parameter more than once, or is otherwise malformed.",
		Hint:        fmt.Sprintf("Check the `%s` parameter", param),
		Status:      http.StatusBadRequest,
	}
}

func invalidClient() *Error {
	return &Error{
		Kind:        KindInvalidClient,
		Code:        ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Status:      http.StatusUnauthorized,
	}
}

func invalidScope(scope string) *Error {
	return &Error{
		Kind:        KindInvalidScope,
		Code:        ErrorCodeInvalidScope,
		Description: "The requested scope is invalid, unknown, or malformed",
		Hint:        fmt.Sprintf("Check the `%s` scope", scope),
		Status:      http.StatusBadRequest,
	}
}

func invalidCredentials(remaining int) *Error {
	return &Error{
		Kind:              KindInvalidCredentials,
		Code:              ErrorCodeInvalidGrant,
		Description:       "The user credentials were incorrect.",
		Status:            http.StatusBadRequest,
		RemainingAttempts: remaining,
	}
}

func invalidRefreshToken(hint string) *Error {
	return &Error{
		Kind:        KindInvalidRefreshToken,
		Code:        ErrorCodeInvalidRequest,
		Description: "The refresh token is invalid.",
		Hint:        hint,
		Status:      http.StatusUnauthorized,
	}
}

func accessDenied(hint string) *Error {
	return &Error{
		Kind:        KindAccessDenied,
		Code:        ErrorCodeAccessDenied,
		Description: "The resource owner or authorization server denied the request.",
		Hint:        hint,
		Status:      http.StatusUnauthorized,
	}
}

func authenticationError(hint string) *Error {
	return &Error{
		Kind:        KindAuthentication,
		Code:        ErrorCodeInvalidToken,
		Description: "The access token is invalid",
		Hint:        hint,
		Status:      http.StatusUnauthorized,
	}
}

func upstreamFailure(cause error) *Error {
	return &Error{
		Kind:        KindUpstream,
		Code:        ErrorCodeServerError,
		Description: "The authorization server encountered an unexpected condition which prevented it from fulfilling the request.",
		Status:      http.StatusInternalServerError,
		cause:       cause,
	}
}

// Hint strings shared by the refresh flow and revocation
const (
	hintCannotDecrypt   = "Cannot decrypt the refresh token"
	hintNotLinked       = "Token is not linked to client"
	hintRefreshExpired  = "Token is expired"
	hintRefreshRevoked  = "Token has been revoked"
	hintAccessExpired   = "Access token is expired"
	hintAccessRevoked   = "Access token has been revoked"
	hintAccessUnknown   = "Access token is unknown"
	hintInvalidSigned   = "Access token could not be verified"
	hintBearerNotActive = "Signed access tokens are not accepted"
)
