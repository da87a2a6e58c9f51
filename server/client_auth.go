package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// AuthenticateClient resolves a client and checks its secret when it is confidential.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	return s.authenticateClient(ctx, clientID, clientSecret, "", "")
}

// authenticateClient is AuthenticateClient plus a grant type check.
// An empty grant skips the check.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret, grant, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, invalidRequest("client_id")
	}

	fail := func(reason string) error {
		s.emit(security.Event{
			Type:      security.EventClientAuthenticationFailed,
			ClientID:  clientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": reason},
		})
		if m := s.metrics(); m != nil {
			m.RecordAuthenticationFailed(ctx, "client")
		}
		return invalidClient()
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, fail("unknown_client")
		}
		return nil, upstreamFailure(err)
	}

	if client.Confidential {
		if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			if errors.Is(err, storage.ErrInvalidClientCredentials) {
				return nil, fail("invalid_secret")
			}
			return nil, upstreamFailure(err)
		}
	}

	if grant != "" && !client.AllowsGrant(grant) {
		return nil, fail("grant_not_allowed")
	}

	return client, nil
}
