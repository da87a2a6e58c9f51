// Package security holds the cryptographic and defensive building blocks of the
// token service.
//
// # Token protection
//
// Encryptor seals refresh token payloads with AES-256-GCM. Decrypt reports every
// input that cannot be an envelope produced by Encrypt (bad base64, short input,
// failed authentication) as ErrMalformedCiphertext, which callers use to fall back
// to plaintext identifiers.
//
// Signer and Verifier produce and check compact JWS access tokens (go-jose).
// Keys are PEM encoded; the key ID defaults to the RFC 7638 thumbprint.
//
//	key, _ := security.LoadSigningKey("/etc/oauth/private.pem")
//	signer, _ := security.NewSigner(key, "")
//	token, _ := signer.Sign(claims)
//
// # Request hygiene
//
// RateLimiter is a token bucket per identifier (x/time/rate) with LRU eviction,
// bounded at 10,000 identifiers by default. ProxyConfig resolves the
// caller address, honouring X-Forwarded-For only for trusted proxies.
// RequestIDMiddleware propagates X-Request-ID.
//
// # Auditing
//
// Auditor implements EventSink and writes security events through slog. User
// identifiers are hashed before they are logged.
package security
