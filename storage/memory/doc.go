// Package memory provides an in-memory implementation of storage.Repository.
//
// Clients, users, scopes, tokens and sessions live in maps guarded by a single
// sync.RWMutex. It is suitable for development, testing, and single-instance
// deployments where persistence is not required.
//
// Features:
//   - bcrypt-hashed client secrets and user passwords with constant-time checks
//   - per-user lockout after consecutive failed logins
//   - compare-and-revoke for refresh tokens under the write lock
//   - background cleanup of long-expired tokens and orphaned sessions
//
// For multi-instance deployments use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.SaveClient(ctx, &storage.Client{ClientID: "web", Confidential: true}, "s3cret")
//	_ = store.SaveUser(ctx, "user-1", "alice", "password")
//	_ = store.SaveScope(ctx, "read")
package memory
