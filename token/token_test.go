package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/authsession"
	"github.com/waygate/waygate/jwks"
	"github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/faststore"
	"github.com/waygate/waygate/storage/memory"
	"github.com/waygate/waygate/tenant"
)

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

const testIssuer = "https://issuer.example/a/acme"

type testFixture struct {
	repo    *tenant.Repo
	jwksMgr *jwks.Manager
	auth    *authsession.Manager
	svc     *Service
}

func newFixture(t *testing.T) testFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	ten, err := store.CreateTenant(ctx, storage.Tenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)

	repo := tenant.NewRepo(store, ten.ID, nil)

	jwksMgr := jwks.New(repo, jwks.DeriveMasterKey("test-master-secret"), nil)
	require.NoError(t, jwksMgr.EnsureActive(ctx))

	fstore := faststore.NewInProcess(time.Minute)
	t.Cleanup(func() { fstore.Close() })
	auth := authsession.New(fstore, nil)

	return testFixture{repo: repo, jwksMgr: jwksMgr, auth: auth, svc: New(auth)}
}

func createConfidentialClient(t *testing.T, repo *tenant.Repo) (storage.Client, string) {
	t.Helper()
	secret := "s3cret-value"
	hash, err := crypto.HashSecret(secret)
	require.NoError(t, err)
	client, err := repo.CreateClient(context.Background(), storage.Client{
		ClientID:     "client-1",
		ClientSecret: hash,
		RedirectURIs: []string{"https://app.example/cb"},
	})
	require.NoError(t, err)
	return client, secret
}

func createPublicClient(t *testing.T, repo *tenant.Repo) storage.Client {
	t.Helper()
	client, err := repo.CreateClient(context.Background(), storage.Client{
		ClientID:     "spa-client",
		RedirectURIs: []string{"https://app.example/cb"},
	})
	require.NoError(t, err)
	return client
}

func issueAuthCode(t *testing.T, f testFixture, client storage.Client, userID string, meta authsession.AuthCodeMeta) storage.AuthCode {
	t.Helper()
	ctx := context.Background()
	code, err := f.repo.CreateAuthCode(ctx, storage.AuthCode{
		Code:        "code-" + client.ClientID,
		TenantID:    f.repo.TenantID(),
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: "https://app.example/cb",
		Scope:       []string{"openid", "profile"},
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, f.auth.RecordAuthCodeMeta(ctx, code.Code, meta, time.Minute))
	return code
}

func TestAuthenticateClientConfidentialRequiresSecret(t *testing.T) {
	f := newFixture(t)
	client, secret := createConfidentialClient(t, f.repo)
	ctx := context.Background()

	got, err := f.svc.AuthenticateClient(ctx, f.repo, client.ClientID, secret, true)
	require.NoError(t, err)
	require.Equal(t, client.ClientID, got.ClientID)

	_, err = f.svc.AuthenticateClient(ctx, f.repo, client.ClientID, "", false)
	require.Error(t, err)

	_, err = f.svc.AuthenticateClient(ctx, f.repo, client.ClientID, "wrong", true)
	require.Error(t, err)
}

func TestAuthenticateClientPublicSkipsSecret(t *testing.T) {
	f := newFixture(t)
	client := createPublicClient(t, f.repo)

	got, err := f.svc.AuthenticateClient(context.Background(), f.repo, client.ClientID, "", false)
	require.NoError(t, err)
	require.Equal(t, client.ClientID, got.ClientID)
}

func TestExchangeAuthorizationCodeWithPKCE(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)

	verifier := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"

	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{
		Nonce:               "nonce-123",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "S256",
		AuthTime:            time.Now(),
	})

	resp, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:         code.Code,
		RedirectURI:  "https://app.example/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "Bearer", resp.TokenType)

	_, err = f.repo.GetAuthCode(ctx, code.Code)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExchangeAuthorizationCodeRejectsBadVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)

	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{
		CodeChallenge:       s256("the-real-verifier-is-long-enough-1234567890"),
		CodeChallengeMethod: "S256",
	})

	_, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:         code.Code,
		RedirectURI:  "https://app.example/cb",
		CodeVerifier: "totally-the-wrong-verifier-but-long-enough-00",
	})
	require.Error(t, err)
	oauthErr, ok := err.(*OAuthError)
	require.True(t, ok)
	require.Equal(t, "pkce_verification_failed", oauthErr.Code)
}

func TestExchangeAuthorizationCodeRejectsRedirectMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)

	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{
		CodeChallenge:       s256("the-real-verifier-is-long-enough-1234567890"),
		CodeChallengeMethod: "S256",
	})

	_, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:         code.Code,
		RedirectURI:  "https://evil.example/cb",
		CodeVerifier: "the-real-verifier-is-long-enough-1234567890",
	})
	require.Error(t, err)
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)
	verifier := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"
	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "S256",
	})
	first, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:         code.Code,
		RedirectURI:  "https://app.example/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	second, err := f.svc.Refresh(ctx, f.repo, f.jwksMgr, testIssuer, client, RefreshTokenGrant{RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
}

func TestRefreshReuseDetectionRevokesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)
	verifier := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"
	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: "S256",
	})
	first, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:         code.Code,
		RedirectURI:  "https://app.example/cb",
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, f.repo, f.jwksMgr, testIssuer, client, RefreshTokenGrant{RefreshToken: first.RefreshToken})
	require.NoError(t, err)

	// Replaying the now-revoked (already rotated) refresh token must be
	// treated as theft: the whole session chain is torn down.
	_, err = f.svc.Refresh(ctx, f.repo, f.jwksMgr, testIssuer, client, RefreshTokenGrant{RefreshToken: first.RefreshToken})
	require.Error(t, err)
	oauthErr, ok := err.(*OAuthError)
	require.True(t, ok)
	require.Equal(t, "invalid_grant", oauthErr.Code)
}

func TestExchangeAuthorizationCodeRequiresPKCEForPublicClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := createPublicClient(t, f.repo)

	code := issueAuthCode(t, f, client, "user-1", authsession.AuthCodeMeta{})

	_, err := f.svc.ExchangeAuthorizationCode(ctx, f.repo, f.jwksMgr, testIssuer, client, AuthorizationCodeGrant{
		Code:        code.Code,
		RedirectURI: "https://app.example/cb",
	})
	require.Error(t, err)
	oauthErr, ok := err.(*OAuthError)
	require.True(t, ok)
	require.Equal(t, "pkce_required", oauthErr.Code)
}
