package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)

	plaintext := []byte("super secret private jwk material")
	sealed, err := Seal(plaintext, key)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sealed, "v1:gcm:"))
	require.Len(t, strings.Split(sealed, ":"), 5)

	opened, err := Open(sealed, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)

	sealed, err := Seal([]byte("hello"), key)
	require.NoError(t, err)

	parts := strings.Split(sealed, ":")
	parts[3] = parts[3] + "AA"
	tampered := strings.Join(parts, ":")

	_, err = Open(tampered, key)
	require.Error(t, err)
}

func TestOpenRejectsUnknownEnvelope(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)

	_, err = Open("v2:cbc:a:b:c", key)
	require.Error(t, err)
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	require.True(t, VerifyPKCE("S256", challenge, verifier))
	require.False(t, VerifyPKCE("S256", challenge, "wrong-verifier"))
	require.True(t, VerifyPKCE("plain", "plain-challenge", "plain-challenge"))
	require.True(t, VerifyPKCE("", "", ""))
}

func TestHashAndCompareSecret(t *testing.T) {
	hash, err := HashSecret("s3cr3t")
	require.NoError(t, err)
	require.True(t, CompareSecret(hash, "s3cr3t"))
	require.False(t, CompareSecret(hash, "wrong"))
}

func TestGenerateRSAKeyAndThumbprint(t *testing.T) {
	key, err := GenerateRSAKey()
	require.NoError(t, err)
	require.Equal(t, RSAKeySize, key.N.BitLen())

	jwk := PublicJWK(key, "")
	kid, err := Thumbprint(jwk)
	require.NoError(t, err)
	require.NotEmpty(t, kid)
}
