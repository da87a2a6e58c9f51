package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-tokens/internal/util"
	"github.com/giantswarm/oauth-tokens/storage"
)

// errIdentifierSpaceExhausted is the cause reported when every generated
// identifier collided with an existing token
var errIdentifierSpaceExhausted = errors.New("could not generate a unique token identifier")

// issueTokenPair persists a new access token and its refresh token.
// If the refresh token cannot be persisted the access token is revoked again,
// so a failed issuance never leaves a usable access token behind.
func (s *Server) issueTokenPair(ctx context.Context, clientID, userID string, scopes []storage.Scope) (*IssuanceResult, error) {
	now := s.now()

	access := &storage.AccessToken{
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    append([]storage.Scope(nil), scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.AccessTokenTTL),
	}
	if err := s.persistWithUniqueID(ctx, "access", func(id string) error {
		access.TokenID = id
		return s.accessTokens.PersistAccessToken(ctx, access)
	}); err != nil {
		return nil, err
	}

	refresh := &storage.RefreshToken{
		AccessTokenID: access.TokenID,
		ExpiresAt:     s.Config.RefreshTokenExpiry(now),
	}
	if err := s.persistWithUniqueID(ctx, "refresh", func(id string) error {
		refresh.TokenID = id
		return s.refreshTokens.PersistRefreshToken(ctx, refresh)
	}); err != nil {
		if rbErr := s.accessTokens.RevokeAccessToken(ctx, access.TokenID); rbErr != nil {
			s.Logger.Error("Failed to roll back access token after refresh token failure",
				"access_token_prefix", util.SafeTruncate(access.TokenID, tokenIDLogLength),
				"error", rbErr)
		} else {
			s.Logger.Warn("Rolled back access token after refresh token failure",
				"access_token_prefix", util.SafeTruncate(access.TokenID, tokenIDLogLength),
				"client_id", clientID)
		}
		return nil, err
	}

	return &IssuanceResult{AccessToken: access, RefreshToken: refresh}, nil
}

// persistWithUniqueID calls persist with fresh identifiers until the store
// accepts one or Config.MaxIssuanceAttempts is reached.
func (s *Server) persistWithUniqueID(ctx context.Context, tokenType string, persist func(id string) error) error {
	for attempt := 1; attempt <= s.Config.MaxIssuanceAttempts; attempt++ {
		err := persist(s.generateID())
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrTokenIDConflict) {
			return upstreamFailure(fmt.Errorf("persist %s token: %w", tokenType, err))
		}

		s.Logger.Debug("Token identifier collision, retrying",
			"token_type", tokenType,
			"attempt", attempt)
		if m := s.metrics(); m != nil {
			m.RecordIssuanceRetry(ctx, tokenType)
		}
	}
	return upstreamFailure(fmt.Errorf("persist %s token: %w", tokenType, errIdentifierSpaceExhausted))
}
