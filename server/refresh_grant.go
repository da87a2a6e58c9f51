package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// RefreshEncoding tells how a presented refresh token was decoded
type RefreshEncoding int

const (
	// EncodingEncrypted is an AES-GCM sealed RefreshPayload
	EncodingEncrypted RefreshEncoding = iota + 1

	// EncodingLegacyPlaintext is a bare refresh token identifier, resolved
	// through the repository
	EncodingLegacyPlaintext
)

func (e RefreshEncoding) String() string {
	switch e {
	case EncodingEncrypted:
		return "encrypted"
	case EncodingLegacyPlaintext:
		return "legacy"
	default:
		return "unknown"
	}
}

// RefreshPayload is the logical content of a refresh token, whichever way it was encoded
type RefreshPayload struct {
	ClientID       string   `json:"client_id"`
	RefreshTokenID string   `json:"refresh_token_id"`
	AccessTokenID  string   `json:"access_token_id"`
	Scopes         []string `json:"scopes"`
	UserID         string   `json:"user_id"`
	ExpireTime     int64    `json:"expire_time"` // unix seconds
}

// DecodedRefreshToken is the result of DecodeRefreshToken
type DecodedRefreshToken struct {
	Encoding RefreshEncoding
	Payload  RefreshPayload

	// ExpiresAt is the exact recorded expiry: the stored row for legacy
	// tokens, Payload.ExpireTime for encrypted ones
	ExpiresAt time.Time
}

// NewRefreshPayload builds the payload describing refresh for the given access token
func NewRefreshPayload(access *storage.AccessToken, refresh *storage.RefreshToken) RefreshPayload {
	return RefreshPayload{
		ClientID:       access.ClientID,
		RefreshTokenID: refresh.TokenID,
		AccessTokenID:  access.TokenID,
		Scopes:         access.ScopeNames(),
		UserID:         access.UserID,
		ExpireTime:     refresh.ExpiresAt.Unix(),
	}
}

// EncryptRefreshPayload seals p with enc, producing the encrypted refresh token encoding
func EncryptRefreshPayload(enc *security.Encryptor, p RefreshPayload) (string, error) {
	if enc == nil || !enc.IsEnabled() {
		return "", fmt.Errorf("refresh token encryption is not configured")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh payload: %w", err)
	}
	return enc.Encrypt(string(data))
}

// IssueFromRefreshToken implements the refresh token grant for the client
// authenticated by req.
func (s *Server) IssueFromRefreshToken(ctx context.Context, req *TokenRequest) (result *IssuanceResult, err error) {
	ctx, span := s.startSpan(ctx, "issue_from_refresh_token",
		attribute.String(instrumentation.AttrGrantType, GrantRefreshToken),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantRefreshToken, req.ClientIP)
	if err != nil {
		return nil, err
	}

	decoded, err := s.validateOldRefreshToken(ctx, req, client.ClientID)
	if err != nil {
		return nil, err
	}
	payload := decoded.Payload
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenEncoding, decoded.Encoding.String()))

	scopes, err := narrowScopes(payload.Scopes, req.Scope)
	if err != nil {
		return nil, err
	}

	// Compare-and-revoke: of two concurrent exchanges only one gets past here.
	if err := s.refreshTokens.AtomicRevokeRefreshToken(ctx, payload.RefreshTokenID); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			return nil, invalidRefreshToken(hintRefreshRevoked)
		}
		return nil, upstreamFailure(err)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "refresh")
	}

	if s.Config.RevokeAccessTokenOnRefresh && payload.AccessTokenID != "" {
		if err := s.accessTokens.RevokeAccessToken(ctx, payload.AccessTokenID); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Warn("Failed to revoke access token of exchanged refresh token",
				"access_token_prefix", util.SafeTruncate(payload.AccessTokenID, tokenIDLogLength),
				"error", err)
		}
	}

	result, err = s.issueTokenPair(ctx, client.ClientID, payload.UserID, scopes)
	if err != nil {
		return nil, err
	}

	scopeString := strings.Join(storage.ScopeNames(scopes), " ")
	s.emit(security.Event{
		Type:      security.EventTokenRefreshed,
		UserID:    payload.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"encoding":             decoded.Encoding.String(),
			"scope":                scopeString,
			"access_token_revoked": s.Config.RevokeAccessTokenOnRefresh,
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID, decoded.Encoding.String())
	}

	return result, nil
}

// validateOldRefreshToken decodes the presented token and runs the shared checks
func (s *Server) validateOldRefreshToken(ctx context.Context, req *TokenRequest, clientID string) (*DecodedRefreshToken, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token")
	}

	decoded, err := s.DecodeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	if err := s.validateRefreshPayload(ctx, decoded, clientID, req.ClientIP); err != nil {
		return nil, err
	}
	return decoded, nil
}

// DecodeRefreshToken turns a presented refresh token into its payload.
//
// Tokens are first opened with the encryptor. Input that is not an envelope
// (ErrMalformedCiphertext) or whose plaintext is not a payload document is
// treated as a legacy plaintext identifier and rebuilt from the repository.
// No validity checks happen here; see validateRefreshPayload.
func (s *Server) DecodeRefreshToken(ctx context.Context, raw string) (*DecodedRefreshToken, error) {
	if s.Encryptor != nil {
		plaintext, err := s.Encryptor.Decrypt(raw)
		switch {
		case err == nil:
			var payload RefreshPayload
			if jsonErr := json.Unmarshal([]byte(plaintext), &payload); jsonErr == nil {
				if payload.RefreshTokenID == "" {
					return nil, invalidRefreshToken(hintCannotDecrypt)
				}
				return &DecodedRefreshToken{
					Encoding:  EncodingEncrypted,
					Payload:   payload,
					ExpiresAt: time.Unix(payload.ExpireTime, 0),
				}, nil
			}
		case errors.Is(err, security.ErrMalformedCiphertext):
		default:
			return nil, upstreamFailure(err)
		}
	}

	return s.decodeLegacyRefreshToken(ctx, raw)
}

func (s *Server) decodeLegacyRefreshToken(ctx context.Context, raw string) (*DecodedRefreshToken, error) {
	refresh, err := s.refreshTokens.FindRefreshTokenByPlainValue(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, invalidRefreshToken(hintCannotDecrypt)
		}
		return nil, upstreamFailure(err)
	}

	access, err := s.accessTokens.FindAccessTokenByID(ctx, refresh.AccessTokenID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, invalidRefreshToken(hintCannotDecrypt)
		}
		return nil, upstreamFailure(err)
	}

	payload := NewRefreshPayload(access, refresh)

	if access.SessionID != "" {
		session, err := s.sessions.GetSession(ctx, access.SessionID)
		switch {
		case err == nil:
			payload.ClientID = session.ClientID
			payload.UserID = session.UserID
		case errors.Is(err, storage.ErrSessionNotFound):
			s.Logger.Debug("Legacy refresh token has no session, using access token owner",
				"refresh_token_prefix", util.SafeTruncate(refresh.TokenID, tokenIDLogLength))
		default:
			return nil, upstreamFailure(err)
		}
	}

	s.emit(security.Event{
		Type:     security.EventLegacyRefreshTokenUsed,
		UserID:   payload.UserID,
		ClientID: payload.ClientID,
	})
	if m := s.metrics(); m != nil {
		m.RecordLegacyRefreshFallback(ctx)
	}

	return &DecodedRefreshToken{
		Encoding:  EncodingLegacyPlaintext,
		Payload:   payload,
		ExpiresAt: refresh.ExpiresAt,
	}, nil
}

// validateRefreshPayload enforces client binding, expiry and revocation, in
// that order, for both encodings.
func (s *Server) validateRefreshPayload(ctx context.Context, decoded *DecodedRefreshToken, clientID, clientIP string) error {
	p := decoded.Payload

	if p.ClientID != clientID {
		s.emit(security.Event{
			Type:      security.EventRefreshTokenClientFailed,
			UserID:    p.UserID,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details: map[string]any{
				"token_client_id": p.ClientID,
				"encoding":        decoded.Encoding.String(),
			},
		})
		return invalidRefreshToken(hintNotLinked)
	}

	if s.now().After(decoded.ExpiresAt) {
		return accessDenied(hintRefreshExpired)
	}

	revoked, err := s.refreshTokens.IsRefreshTokenRevoked(ctx, p.RefreshTokenID)
	if err != nil {
		return upstreamFailure(err)
	}
	if revoked {
		return invalidRefreshToken(hintRefreshRevoked)
	}

	return nil
}
