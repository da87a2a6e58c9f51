// Package server implements token issuance, refresh token exchange, revocation
// and resource server authentication.
//
// The Server type owns the token endpoint logic:
//   - IssueFromCredentials: resource owner password grant
//   - IssueFromRefreshToken: refresh token grant, accepting encrypted and legacy plaintext refresh tokens
//   - RevokeToken: RFC 7009 revocation of either token type
//
// Validator authenticates requests to protected resources from a signed bearer
// token or a plain access_token parameter, and ResponseBuilder writes token
// responses in the plain or bearer format.
//
// All persistence goes through the storage interfaces, so the same server runs on
// storage/memory and storage/valkey.
//
// Every failure is an *Error with a Kind. Match with errors.Is against the
// sentinels (ErrInvalidClient, ErrAccessDenied, ...):
//
//	result, err := srv.IssueFromCredentials(ctx, req)
//	if errors.Is(err, server.ErrInvalidCredentials) {
//	    // wrong username or password
//	}
package server
