package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/jwks"
	"github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/faststore"
	"github.com/waygate/waygate/storage/memory"
)

type testFixture struct {
	srv    *Server
	store  storage.Storage
	tenant storage.Tenant
}

func newFixture(t *testing.T) testFixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(func() { store.Close() })

	ten, err := store.CreateTenant(ctx, storage.Tenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)

	fast := faststore.NewInProcess(time.Minute)
	t.Cleanup(func() { fast.Close() })

	srv, err := NewServer(Config{
		IssuerBaseURL: "https://issuer.example",
		Storage:       store,
		FastStore:     fast,
		MasterKey:     jwks.DeriveMasterKey("test-master-secret"),
	})
	require.NoError(t, err)

	return testFixture{srv: srv, store: store, tenant: ten}
}

func (f testFixture) createPublicClient(t *testing.T, redirectURI string) storage.Client {
	t.Helper()
	c, err := f.store.CreateClient(context.Background(), storage.Client{
		TenantID:     f.tenant.ID,
		ClientID:     "spa-client",
		RedirectURIs: []string{redirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})
	require.NoError(t, err)
	return c
}

func (f testFixture) createConfidentialClient(t *testing.T, redirectURI string) (storage.Client, string) {
	t.Helper()
	secret := "s3cret-value"
	hash, err := crypto.HashSecret(secret)
	require.NoError(t, err)
	c, err := f.store.CreateClient(context.Background(), storage.Client{
		TenantID:     f.tenant.ID,
		ClientID:     "web-client",
		ClientSecret: hash,
		RedirectURIs: []string{redirectURI},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
	})
	require.NoError(t, err)
	return c, secret
}

func TestUnknownTenantRenders404NotTenantSpecific(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/does-not-exist/.well-known/openid-configuration", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}
