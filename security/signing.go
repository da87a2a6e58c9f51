package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ErrInvalidSignature is returned by Verifier.Verify for any token that is not a
// well-formed JWS signed by the verifier's key.
var ErrInvalidSignature = errors.New("invalid token signature")

// AccessTokenClaims is the payload of a signed access token.
// ID is the access token identifier, Audience the client and Subject the user.
type AccessTokenClaims struct {
	jwt.Claims
	Scopes []string `json:"scopes"`
}

// Signer produces compact JWS access tokens
type Signer struct {
	signer    jose.Signer
	keyID     string
	algorithm jose.SignatureAlgorithm
}

// NewSigner creates a signer for key. The algorithm is derived from the key type
// and an empty keyID is replaced by the RFC 7638 thumbprint of the public key.
func NewSigner(key crypto.Signer, keyID string) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	alg, err := DeriveAlgorithm(key)
	if err != nil {
		return nil, err
	}

	if keyID == "" {
		keyID, err = DeriveKeyID(key.Public())
		if err != nil {
			return nil, err
		}
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader(jose.HeaderKey("kid"), keyID)
	s, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	return &Signer{signer: s, keyID: keyID, algorithm: alg}, nil
}

// KeyID returns the kid header placed on every token
func (s *Signer) KeyID() string {
	return s.keyID
}

// Algorithm returns the JWS algorithm
func (s *Signer) Algorithm() string {
	return string(s.algorithm)
}

// Sign serializes claims as a compact JWS
func (s *Signer) Sign(claims AccessTokenClaims) (string, error) {
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// Verifier checks JWS access tokens against a single public key.
// Time based claims are left to the caller.
type Verifier struct {
	key        crypto.PublicKey
	algorithms []jose.SignatureAlgorithm
}

// NewVerifier creates a verifier for the given public key
func NewVerifier(key crypto.PublicKey) (*Verifier, error) {
	var alg jose.SignatureAlgorithm
	switch k := key.(type) {
	case *rsa.PublicKey:
		alg = jose.RS256
	case *ecdsa.PublicKey:
		a, err := deriveECAlgorithm(k.Curve)
		if err != nil {
			return nil, err
		}
		alg = a
	case ed25519.PublicKey:
		alg = jose.EdDSA
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", key)
	}

	return &Verifier{key: key, algorithms: []jose.SignatureAlgorithm{alg}}, nil
}

// Verify parses token and checks its signature. Any failure wraps ErrInvalidSignature.
func (v *Verifier) Verify(token string) (*AccessTokenClaims, error) {
	parsed, err := jwt.ParseSigned(token, v.algorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var claims AccessTokenClaims
	if err := parsed.Claims(v.key, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti claim", ErrInvalidSignature)
	}

	return &claims, nil
}

// LoadSigningKey reads a PEM encoded private key (PKCS1, SEC 1 or PKCS8)
func LoadSigningKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return ParseSigningKey(data)
}

// ParseSigningKey decodes a PEM encoded private key
func ParseSigningKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}
	return signer, nil
}

// LoadPublicKey reads a PEM encoded public key or X.509 certificate
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey decodes a PKIX public key or the key of an X.509 certificate
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from public key")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return cert.PublicKey, nil
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// DeriveKeyID computes base64url(SHA-256) of the RFC 7638 JWK thumbprint
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// DeriveAlgorithm picks the JWS algorithm matching the key
func DeriveAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		return deriveECAlgorithm(k.Curve)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func deriveECAlgorithm(curve elliptic.Curve) (jose.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jose.ES256, nil
	case elliptic.P384():
		return jose.ES384, nil
	case elliptic.P521():
		return jose.ES512, nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}
