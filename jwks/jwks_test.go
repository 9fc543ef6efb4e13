package jwks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/memory"
	"github.com/waygate/waygate/tenant"
)

func newTestManager(t *testing.T) (*Manager, *tenant.Repo) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	tn, err := store.CreateTenant(ctx, storage.Tenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)

	repo := tenant.NewRepo(store, tn.ID, nil)
	key := DeriveMasterKey("a very secret master key, at least 32 chars")
	return New(repo, key, nil), repo
}

func TestEnsureActiveRotatesWhenNoneExists(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	_, err := repo.GetActiveJWKKey(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, m.EnsureActive(ctx))

	active, err := repo.GetActiveJWKKey(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.KeyActive, active.Status)
	require.NotEmpty(t, active.Kid)
}

func TestEnsureActiveNoopsWhenAlreadyActive(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureActive(ctx))
	first, err := repo.GetActiveJWKKey(ctx)
	require.NoError(t, err)

	require.NoError(t, m.EnsureActive(ctx))
	second, err := repo.GetActiveJWKKey(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestRotateRetiresPreviousActive(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	first, err := repo.GetActiveJWKKey(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Rotate(ctx))
	second, err := repo.GetActiveJWKKey(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	keys, err := repo.ListJWKKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	var sawRetired bool
	for _, k := range keys {
		if k.ID == first.ID {
			require.Equal(t, storage.KeyRetired, k.Status)
			require.WithinDuration(t, time.Now().Add(retiredGrace), k.NotAfter, time.Minute)
			sawRetired = true
		}
	}
	require.True(t, sawRetired)
}

func TestPublicJWKsIncludesActiveAndUnexpiredRetired(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	require.NoError(t, m.Rotate(ctx))

	set, err := m.PublicJWKs(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 2)

	keys, err := repo.ListJWKKeys(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		if k.Status == storage.KeyRetired {
			_, err := repo.UpdateJWKKey(ctx, k.ID, func(jk storage.JWKKey) (storage.JWKKey, error) {
				jk.NotAfter = time.Now().Add(-time.Minute)
				return jk, nil
			})
			require.NoError(t, err)
		}
	}

	set, err = m.PublicJWKs(ctx)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
}

func TestActivePrivateRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.EnsureActive(ctx))
	key, kid, err := m.ActivePrivate(ctx)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.NotEmpty(t, kid)
}
