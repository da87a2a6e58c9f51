package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-tokens/security"
)

// Format selects how issued tokens are written to the client
type Format string

const (
	// FormatPlain writes token identifiers with token_type "Plain"
	FormatPlain Format = "plain"

	// FormatBearer writes a signed access token and an encrypted refresh token
	// with token_type "Bearer"
	FormatBearer Format = "bearer"
)

// Token type values of the token_type field
const (
	TokenTypePlain  = "Plain"
	TokenTypeBearer = "Bearer"
)

// TokenResponse is the JSON body of a successful token response
type TokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ResponseBuilder serializes issuance results
type ResponseBuilder struct {
	format    Format
	encryptor *security.Encryptor
	signer    *security.Signer
	issuer    string
	now       func() time.Time
}

// NewResponseBuilder creates a builder for format. FormatBearer needs an
// enabled encryptor and a signer; FormatPlain ignores both.
func NewResponseBuilder(format Format, encryptor *security.Encryptor, signer *security.Signer) (*ResponseBuilder, error) {
	switch format {
	case "", FormatPlain:
		format = FormatPlain
	case FormatBearer:
		if encryptor == nil || !encryptor.IsEnabled() {
			return nil, fmt.Errorf("bearer responses require an encryption key")
		}
		if signer == nil {
			return nil, fmt.Errorf("bearer responses require a signing key")
		}
	default:
		return nil, fmt.Errorf("unsupported response format %q", format)
	}

	return &ResponseBuilder{
		format:    format,
		encryptor: encryptor,
		signer:    signer,
		now:       time.Now,
	}, nil
}

// SetIssuer sets the iss claim of signed access tokens
func (b *ResponseBuilder) SetIssuer(issuer string) {
	b.issuer = issuer
}

// Format returns the configured format
func (b *ResponseBuilder) Format() Format {
	return b.format
}

// TokenResponse computes the response body for result.
// expires_in is measured against the current time and may be zero or negative.
func (b *ResponseBuilder) TokenResponse(result *IssuanceResult) (*TokenResponse, error) {
	if result == nil || result.AccessToken == nil {
		return nil, fmt.Errorf("issuance result has no access token")
	}

	access := result.AccessToken
	now := b.now()
	resp := &TokenResponse{
		TokenType: TokenTypePlain,
		ExpiresIn: access.ExpiresAt.Unix() - now.Unix(),
	}

	if b.format == FormatPlain {
		resp.AccessToken = access.TokenID
		if result.RefreshToken != nil {
			resp.RefreshToken = result.RefreshToken.TokenID
		}
		return resp, nil
	}

	resp.TokenType = TokenTypeBearer
	claims := security.AccessTokenClaims{
		Claims: jwt.Claims{
			ID:        access.TokenID,
			Issuer:    b.issuer,
			Subject:   access.UserID,
			Audience:  jwt.Audience{access.ClientID},
			IssuedAt:  jwt.NewNumericDate(access.IssuedAt),
			NotBefore: jwt.NewNumericDate(access.IssuedAt),
			Expiry:    jwt.NewNumericDate(access.ExpiresAt),
		},
		Scopes: access.ScopeNames(),
	}
	signed, err := b.signer.Sign(claims)
	if err != nil {
		return nil, err
	}
	resp.AccessToken = signed

	if result.RefreshToken != nil {
		sealed, err := EncryptRefreshPayload(b.encryptor, NewRefreshPayload(access, result.RefreshToken))
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = sealed
	}

	return resp, nil
}

// Build writes result as a 200 token response
func (b *ResponseBuilder) Build(w http.ResponseWriter, result *IssuanceResult) error {
	resp, err := b.TokenResponse(result)
	if err != nil {
		return err
	}

	security.SetNoCacheHeaders(w)
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}
