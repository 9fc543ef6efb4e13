package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
)

// sealEnvelope is the version tag of the labeled AES-256-GCM format produced
// by Seal: "v1:gcm:<iv_b64u>:<ciphertext_b64u>:<tag_b64u>". It is distinct
// from Encrypt/Decrypt's flat nonce|ciphertext|tag layout above because
// sealed values (private JWKs, IdP client secrets) are stored as a single
// text column and need a self-describing, versioned format rather than an
// opaque blob.
const sealEnvelope = "v1:gcm"

// Seal encrypts plaintext with 256-bit AES-GCM and returns it in the
// "v1:gcm:<iv>:<ciphertext>:<tag>" envelope, each component base64url
// (unpadded) encoded.
func Seal(plaintext, key []byte) (string, error) {
	if len(key) != aesKeySize {
		return "", aes.KeySizeError(len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv, err := RandBytes(gcm.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagSize := gcm.Overhead()
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		sealEnvelope,
		b64(iv),
		b64(ct),
		b64(tag),
	}, ":"), nil
}

// Open decrypts a value produced by Seal, rejecting any envelope that isn't
// exactly "v1:gcm".
func Open(envelope string, key []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, aes.KeySizeError(len(key))
	}
	parts := strings.Split(envelope, ":")
	if len(parts) != 5 || parts[0]+":"+parts[1] != sealEnvelope {
		return nil, fmt.Errorf("crypto: unrecognized seal envelope")
	}
	iv, err := unb64(parts[2])
	if err != nil {
		return nil, fmt.Errorf("crypto: decode iv: %w", err)
	}
	ct, err := unb64(parts[3])
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}
	tag, err := unb64(parts[4])
	if err != nil {
		return nil, fmt.Errorf("crypto: decode tag: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("crypto: bad iv size")
	}
	sealed := append(append([]byte{}, ct...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
