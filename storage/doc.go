// Package storage provides interfaces and entities for OAuth client, user, scope, and token persistence.
//
// The storage package defines the narrow capabilities consumed by the token server:
//   - ClientStore: Resolves and authenticates OAuth clients
//   - UserStore: Verifies resource owner credentials
//   - ScopeStore: Resolves and finalizes scopes
//   - AccessTokenStore / RefreshTokenStore: Persist, look up, and revoke tokens
//   - SessionStore: Client/user linkage used by the legacy refresh path
//
// The token server never depends on a specific persistence engine. Implementations
// are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
