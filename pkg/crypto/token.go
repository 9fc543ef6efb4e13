package crypto

import "encoding/base64"

// NewOpaqueToken mints a random, base64url-encoded opaque token from n
// random bytes. Used for refresh tokens, magic links, upstream state, and
// flow resume tokens; callers pick n per the glossary's "24 random bytes"
// convention for most tokens and 16 for rid.
func NewOpaqueToken(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
