package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged for a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventLegacyRefreshTokenUsed is logged when a refresh token could not be decrypted
	// and was resolved as a plaintext identifier instead
	EventLegacyRefreshTokenUsed = "legacy_refresh_token_used" //nolint:gosec // G101: event name, not a credential

	// Authentication events

	// EventUserAuthenticationFailed is logged when resource owner credentials do not match
	EventUserAuthenticationFailed = "user_authentication_failed"

	// EventClientAuthenticationFailed is logged when client credentials do not match
	EventClientAuthenticationFailed = "client_authentication_failed"

	// EventRefreshTokenClientFailed is logged when a refresh token is presented by a
	// client other than the one it was issued to
	EventRefreshTokenClientFailed = "refresh_token_client_failed" //nolint:gosec // G101: event name, not a credential

	// Security violation events

	// EventAuthFailure is logged when a protected resource rejects an access token
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
