package server

import (
	"context"
	"errors"
	"strings"

	"github.com/giantswarm/oauth-tokens/storage"
)

// ParseScopes splits a space-delimited scope parameter, dropping duplicates
func ParseScopes(scope string) []string {
	return storage.ScopeNames(storage.ScopesFromNames(strings.Fields(scope)))
}

// validateScopes resolves every requested scope through the scope store.
// An empty request falls back to Config.DefaultScopes.
func (s *Server) validateScopes(ctx context.Context, scope string) ([]storage.Scope, error) {
	names := ParseScopes(scope)
	if len(names) == 0 {
		names = ParseScopes(strings.Join(s.Config.DefaultScopes, " "))
	}

	scopes := make([]storage.Scope, 0, len(names))
	for _, name := range names {
		sc, err := s.scopes.GetScopeByName(ctx, name)
		if err != nil {
			if errors.Is(err, storage.ErrScopeNotFound) {
				return nil, invalidScope(name)
			}
			return nil, upstreamFailure(err)
		}
		scopes = append(scopes, *sc)
	}
	return scopes, nil
}

// narrowScopes applies a refresh request's scope parameter to the original grant.
// Only subsets are allowed; an empty request keeps the original scopes.
func narrowScopes(original []string, requested string) ([]storage.Scope, error) {
	names := ParseScopes(requested)
	if len(names) == 0 {
		return storage.ScopesFromNames(original), nil
	}

	granted := make(map[string]bool, len(original))
	for _, name := range original {
		granted[name] = true
	}
	for _, name := range names {
		if !granted[name] {
			return nil, invalidScope(name)
		}
	}
	return storage.ScopesFromNames(names), nil
}
