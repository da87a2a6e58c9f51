package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// RevokeToken revokes an access token (plain identifier or, with a Verifier,
// signed) or a refresh token in either encoding, following RFC 7009: unknown
// tokens and tokens of other clients are ignored and revoking twice succeeds.
// Revoking a refresh token also revokes its access token.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, clientIP string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_token", attribute.String(instrumentation.AttrClientID, clientID))
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	if token == "" {
		return invalidRequest("token")
	}

	accessID := token
	if s.Verifier != nil {
		if claims, verr := s.Verifier.Verify(token); verr == nil {
			accessID = claims.ID
		}
	}

	access, err := s.accessTokens.FindAccessTokenByID(ctx, accessID)
	switch {
	case err == nil:
		return s.revokeAccessToken(ctx, access, clientID, clientIP)
	case !errors.Is(err, storage.ErrTokenNotFound):
		return upstreamFailure(err)
	}

	decoded, err := s.DecodeRefreshToken(ctx, token)
	if err != nil {
		if KindOf(err) == KindUpstream {
			return err
		}
		s.Logger.Debug("Revocation of unknown token ignored",
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(token, tokenIDLogLength))
		return nil
	}
	return s.revokeRefreshToken(ctx, decoded.Payload, clientID, clientIP)
}

func (s *Server) revokeAccessToken(ctx context.Context, access *storage.AccessToken, clientID, clientIP string) error {
	if access.ClientID != clientID {
		s.logForeignRevocation(access.ClientID, clientID, clientIP, "access")
		return nil
	}

	if err := s.accessTokens.RevokeAccessToken(ctx, access.TokenID); err != nil {
		return upstreamFailure(err)
	}

	s.recordRevocation(ctx, access.UserID, clientID, clientIP, "access")
	return nil
}

func (s *Server) revokeRefreshToken(ctx context.Context, p RefreshPayload, clientID, clientIP string) error {
	if p.ClientID != clientID {
		s.logForeignRevocation(p.ClientID, clientID, clientIP, "refresh")
		return nil
	}

	if err := s.refreshTokens.RevokeRefreshToken(ctx, p.RefreshTokenID); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		return upstreamFailure(err)
	}
	if p.AccessTokenID != "" {
		if err := s.accessTokens.RevokeAccessToken(ctx, p.AccessTokenID); err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
			return upstreamFailure(err)
		}
	}

	s.recordRevocation(ctx, p.UserID, clientID, clientIP, "refresh")
	return nil
}

func (s *Server) recordRevocation(ctx context.Context, userID, clientID, clientIP, tokenType string) {
	s.emit(security.Event{
		Type:      security.EventTokenRevoked,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details:   map[string]any{"token_type": tokenType},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, tokenType)
	}
	s.Logger.Info("Token revoked", "client_id", clientID, "token_type", tokenType)
}

func (s *Server) logForeignRevocation(ownerID, clientID, clientIP, tokenType string) {
	s.Logger.Warn("Client attempted to revoke a token issued to another client",
		"client_id", clientID,
		"owner_client_id", ownerID,
		"token_type", tokenType)
	s.emit(security.Event{
		Type:      security.EventAuthFailure,
		ClientID:  clientID,
		IPAddress: clientIP,
		Details: map[string]any{
			"reason":     "revocation_of_foreign_token",
			"token_type": tokenType,
		},
	})
}
