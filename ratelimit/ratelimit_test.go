package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage/faststore"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	store := faststore.NewInProcess(time.Minute)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestAllowWithinCapacity(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	limit := Limit{Capacity: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k1", limit)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestAllowBreachesCapacity(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	limit := Limit{Capacity: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k2", limit)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Allow(ctx, "k2", limit)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	limit := Limit{Capacity: 1, Window: time.Minute}

	ok, err := l.Allow(ctx, "a", limit)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "b", limit)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	limit := Limit{Capacity: 1, Window: 10 * time.Millisecond}

	ok, err := l.Allow(ctx, "k3", limit)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Allow(ctx, "k3", limit)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = l.Allow(ctx, "k3", limit)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOverridesResolve(t *testing.T) {
	o := NewOverrides()
	fallback := Limit{Capacity: 60, Window: time.Minute}

	require.Equal(t, fallback, o.Resolve("tenant1:token_per_ip", fallback))

	custom := Limit{Capacity: 10, Window: time.Minute}
	o.Set("tenant1:token_per_ip", custom)
	require.Equal(t, custom, o.Resolve("tenant1:token_per_ip", fallback))
}
