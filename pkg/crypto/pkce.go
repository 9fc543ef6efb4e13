package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// VerifyPKCE reports whether verifier, supplied at the token endpoint,
// satisfies the code_challenge/code_challenge_method recorded at
// /authorize. "S256" compares the challenge against
// BASE64URL(SHA256(verifier)); "plain" and every other method, including
// the empty one, compare verifier to the challenge directly.
func VerifyPKCE(method, challenge, verifier string) bool {
	if challenge == "" {
		return verifier == ""
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	default:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	}
}
