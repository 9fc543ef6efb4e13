package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// RSAKeySize is the signing key size mandated for every tenant JWKS key.
const RSAKeySize = 2048

// GenerateRSAKey creates a fresh RSA-2048 key pair for a tenant signing key.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeySize)
}

// PublicJWK builds the public JWK for key, with the given kid, suitable for
// publishing in a tenant's JWKS document.
func PublicJWK(key *rsa.PrivateKey, kid string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &key.PublicKey,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// PrivateJWK builds the private JWK for key, with the given kid, for
// sealing into storage.JWKKey.PrivJWKEncrypted.
func PrivateJWK(key *rsa.PrivateKey, kid string) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a JWK, base64url
// encoded, for use as its kid.
func Thumbprint(jwk jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("crypto: thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
