// Package valkey provides a Valkey storage backend implementing storage.Repository.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Use this backend when several token server instances must share state or when
// tokens must survive restarts.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}      -> JSON(Client)
//	{prefix}user:{username}        -> JSON(User)
//	{prefix}failed:{username}      -> failed login counter (with TTL)
//	{prefix}scopes                 -> SET of scope names
//	{prefix}access:{tokenID}       -> HASH{data: JSON(AccessToken), revoked: "0"|"1"} (with TTL)
//	{prefix}refresh:{tokenID}      -> HASH{data: JSON(RefreshToken), revoked: "0"|"1"} (with TTL)
//	{prefix}session:{sessionID}    -> JSON(Session) (with TTL)
//
// Token keys expire after the token itself plus ExpiredTokenRetention.
//
// # Atomic Operations
//
// Token creation and compare-and-revoke run as Lua scripts:
//
//   - PersistAccessToken / PersistRefreshToken fail with storage.ErrTokenIDConflict
//     when the identifier is taken
//   - AtomicRevokeRefreshToken lets exactly one of several concurrent callers win
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
