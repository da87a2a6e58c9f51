package server

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
	"github.com/giantswarm/oauth-tokens/storage"
)

// IssueFromCredentials implements the resource owner password grant.
//
// The client is authenticated first, then the requested scopes are validated,
// then the user. The scope store has the final word on the granted scopes.
func (s *Server) IssueFromCredentials(ctx context.Context, req *TokenRequest) (result *IssuanceResult, err error) {
	ctx, span := s.startSpan(ctx, "issue_from_credentials",
		attribute.String(instrumentation.AttrGrantType, GrantPassword),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, GrantPassword, req.ClientIP)
	if err != nil {
		return nil, err
	}

	scopes, err := s.validateScopes(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	user, err := s.validateUser(ctx, req, client)
	if err != nil {
		return nil, err
	}

	finalized, err := s.scopes.FinalizeScopes(ctx, scopes, GrantPassword, client, user.UserID)
	if err != nil {
		return nil, upstreamFailure(err)
	}

	result, err = s.issueTokenPair(ctx, client.ClientID, user.UserID, finalized)
	if err != nil {
		return nil, err
	}

	scopeString := strings.Join(storage.ScopeNames(finalized), " ")
	instrumentation.AddOAuthFlowAttributes(span, "", user.UserID, scopeString)

	s.emit(security.Event{
		Type:      security.EventTokenIssued,
		UserID:    user.UserID,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"grant_type": GrantPassword,
			"scope":      scopeString,
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, GrantPassword, client.ClientID)
	}

	s.Logger.Info("Issued token pair",
		"grant_type", GrantPassword,
		"client_id", client.ClientID,
		"scope", scopeString)

	return result, nil
}

// validateUser resolves the resource owner. Every failure emits a
// user_authentication_failed event before it is returned, so lockout and
// alerting can hook in without the flow knowing about them.
func (s *Server) validateUser(ctx context.Context, req *TokenRequest, client *storage.Client) (*storage.User, error) {
	if req.Username == "" {
		return nil, invalidRequest("username")
	}
	if req.Password == "" {
		return nil, invalidRequest("password")
	}

	user, err := s.users.FindUserByCredentials(ctx, req.Username, req.Password, GrantPassword, client)
	if err == nil && user != nil {
		return user, nil
	}
	if err == nil {
		err = storage.ErrUserNotFound
	}

	remaining := -1
	var credErr *storage.CredentialsError
	if errors.As(err, &credErr) {
		remaining = credErr.RemainingAttempts
	}

	details := map[string]any{"grant_type": GrantPassword}
	if remaining >= 0 {
		details["remaining_attempts"] = remaining
	}
	s.emit(security.Event{
		Type:      security.EventUserAuthenticationFailed,
		ClientID:  client.ClientID,
		IPAddress: req.ClientIP,
		Details:   details,
	})
	if m := s.metrics(); m != nil {
		m.RecordAuthenticationFailed(ctx, "user")
	}

	switch {
	case credErr != nil, errors.Is(err, storage.ErrUserNotFound):
		return nil, invalidCredentials(remaining)
	default:
		return nil, upstreamFailure(err)
	}
}
