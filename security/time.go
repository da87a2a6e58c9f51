package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for token expiration checks.
	// A token is treated as valid for this long after its nominal expiry so that
	// small clock differences between hosts do not cause spurious rejections.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired checks if a token is expired with default clock skew grace period
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsExpiredAt reports whether expiresAt plus gracePeriod lies before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
