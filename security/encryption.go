package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

// envelopeEncoding keeps sealed tokens safe in form bodies and query strings
var envelopeEncoding = base64.RawURLEncoding

// ErrMalformedCiphertext is returned by Decrypt for input this Encryptor did not
// produce. The token server uses it to fall back to legacy plaintext tokens.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Encryptor seals refresh token payloads into an opaque envelope:
// base64url(nonce || AES-256-GCM ciphertext). A zero Encryptor is disabled
// and passes values through unchanged.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor for a KeySize key.
// An empty key yields a disabled encryptor.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// IsEnabled reports whether a key is configured
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

// Encrypt seals plaintext under a fresh random nonce
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.IsEnabled() {
		return plaintext, nil
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return envelopeEncoding.EncodeToString(e.aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Decrypt opens an envelope produced by Encrypt.
// Every rejection of the input wraps ErrMalformedCiphertext.
func (e *Encryptor) Decrypt(envelope string) (string, error) {
	if !e.IsEnabled() {
		return envelope, nil
	}

	data, err := envelopeEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: not base64url", ErrMalformedCiphertext)
	}

	n := e.aead.NonceSize()
	if len(data) < n+e.aead.Overhead() {
		return "", fmt.Errorf("%w: envelope too short", ErrMalformedCiphertext)
	}

	plaintext, err := e.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrMalformedCiphertext)
	}
	return string(plaintext), nil
}

// GenerateKey returns a random KeySize key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a key in standard or URL-safe base64, padded or not.
// Surrounding whitespace, as left by shell substitution, is ignored.
func KeyFromBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
		}
		return key, nil
	}
	return nil, fmt.Errorf("failed to decode base64 key")
}

// KeyToBase64 encodes key in standard padded base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
