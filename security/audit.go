package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"time"

	"github.com/giantswarm/oauth-tokens/instrumentation"
)

// EventSink receives security events. Implementations must be safe for
// concurrent use and must not block the caller for long.
type EventSink interface {
	LogEvent(event Event)
}

// Event is one security relevant occurrence in the token lifecycle
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// Auditor writes events to slog under the "security_audit" message.
// User identifiers are hashed; client identifiers are public and logged as is.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	now             func() time.Time
	instrumentation *instrumentation.Instrumentation
}

var _ EventSink = (*Auditor)(nil)

// NewAuditor returns an auditor that drops every event unless enabled
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation enables the audit event counter
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// LogEvent writes event. Failures and rejections are logged at warn level.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	attrs := []slog.Attr{
		slog.String("event_type", event.Type),
		slog.String("user_id_hash", hashForLogging(event.UserID)),
		slog.Time("timestamp", event.Timestamp.UTC()),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, detailsGroup(event.Details))
	}

	ctx := context.Background()
	a.logger.LogAttrs(ctx, eventLevel(event.Type), "security_audit", attrs...)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}
}

// LogRateLimitExceeded records a request rejected by the address limiter
func (a *Auditor) LogRateLimitExceeded(ipAddress, clientID string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

func eventLevel(eventType string) slog.Level {
	switch eventType {
	case EventUserAuthenticationFailed,
		EventClientAuthenticationFailed,
		EventRefreshTokenClientFailed,
		EventAuthFailure,
		EventRateLimitExceeded:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// detailsGroup renders details with sorted keys so log lines are stable
func detailsGroup(details map[string]any) slog.Attr {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, slog.Any(k, details[k]))
	}
	return slog.Group("details", args...)
}

// hashForLogging returns the first 16 hex digits of the SHA-256 of sensitive
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:8])
}
