package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/storage/memory"
)

func TestResolverCachesBySlug(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	created, err := store.CreateTenant(ctx, storage.Tenant{Slug: "acme", Name: "Acme"})
	require.NoError(t, err)

	r := NewResolver(store)
	got, err := r.ResolveBySlug(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)

	again, err := r.ResolveBySlug(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)
}

func TestResolverMissingSlug(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	r := NewResolver(store)
	_, err := r.ResolveBySlug(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepoScopesReadsToOwningTenant(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	t1, err := store.CreateTenant(ctx, storage.Tenant{Slug: "t1", Name: "T1"})
	require.NoError(t, err)
	t2, err := store.CreateTenant(ctx, storage.Tenant{Slug: "t2", Name: "T2"})
	require.NoError(t, err)

	u1, err := store.CreateUser(ctx, storage.User{TenantID: t1.ID, Email: "a@example.com"})
	require.NoError(t, err)

	repo1 := NewRepo(store, t1.ID, nil)
	repo2 := NewRepo(store, t2.ID, nil)

	got, err := repo1.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	require.Equal(t, u1.ID, got.ID)

	_, err = repo2.GetUser(ctx, u1.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRepoCreateInjectsTenantID(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(func() { store.Close() })

	t1, err := store.CreateTenant(ctx, storage.Tenant{Slug: "t1", Name: "T1"})
	require.NoError(t, err)

	repo := NewRepo(store, t1.ID, nil)
	client, err := repo.CreateClient(ctx, storage.Client{ClientID: "c1"})
	require.NoError(t, err)
	require.Equal(t, t1.ID, client.TenantID)
}
