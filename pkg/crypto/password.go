package crypto

import "golang.org/x/crypto/bcrypt"

// HashSecret bcrypt-hashes a password or client secret for storage.
func HashSecret(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareSecret reports whether plaintext matches a hash produced by
// HashSecret, in constant time. Used for both user passwords and client
// secret verification at the token endpoint.
func CompareSecret(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
