package authsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage/faststore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := faststore.NewInProcess(time.Minute)
	t.Cleanup(func() { store.Close() })
	return New(store, nil)
}

func TestCreatePendingRejectsUnregisteredRedirect(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreatePending(ctx, "t1", "cdb1", "c1", "https://evil.example/cb", []string{"openid"}, "state", "nonce", "", "",
		func(redirectURI string) bool { return redirectURI == "https://rp.example/cb" })
	require.ErrorIs(t, err, ErrInvalidRedirectURI)
}

func TestPendingLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	rid, err := m.CreatePending(ctx, "t1", "cdb1", "c1", "https://rp.example/cb", []string{"openid", "email"}, "state", "nonce", "", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, rid)

	req, err := m.GetPending(ctx, rid)
	require.NoError(t, err)
	require.Equal(t, "t1", req.TenantID)
	require.Empty(t, req.UserID)
	require.False(t, req.Completed)

	require.NoError(t, m.SetPendingUser(ctx, rid, "user-1"))
	req, err = m.GetPending(ctx, rid)
	require.NoError(t, err)
	require.Equal(t, "user-1", req.UserID)

	require.NoError(t, m.CompletePending(ctx, rid))
	req, err = m.GetPending(ctx, rid)
	require.NoError(t, err)
	require.True(t, req.Completed)
}

func TestMagicTokenSingleUse(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, err := m.IssueMagicToken(ctx, "t1", "rid-1", "USER@Example.com")
	require.NoError(t, err)

	mt, err := m.ConsumeMagicToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", mt.Email)
	require.Equal(t, "rid-1", mt.RID)

	_, err = m.ConsumeMagicToken(ctx, token)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpstreamStateSingleUse(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	state, err := m.IssueUpstreamState(ctx, "t1", "rid-1", "idp-1", "google", "nonce-1", "verifier", "challenge")
	require.NoError(t, err)

	us, err := m.ConsumeUpstreamState(ctx, state)
	require.NoError(t, err)
	require.Equal(t, "google", us.ProviderType)
	require.Equal(t, "nonce-1", us.Nonce)

	_, err = m.ConsumeUpstreamState(ctx, state)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuthCodeMetaConsume(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	meta := AuthCodeMeta{Nonce: "n1", CodeChallenge: "cc1", CodeChallengeMethod: "S256", AuthTime: time.Now()}
	require.NoError(t, m.RecordAuthCodeMeta(ctx, "code-1", meta, 10*time.Minute))

	got, err := m.GetAuthCodeMeta(ctx, "code-1")
	require.NoError(t, err)
	require.Equal(t, "n1", got.Nonce)

	consumed, err := m.ConsumeAuthCodeMeta(ctx, "code-1")
	require.NoError(t, err)
	require.Equal(t, "cc1", consumed.CodeChallenge)

	_, err = m.ConsumeAuthCodeMeta(ctx, "code-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSSEPublishSubscribe(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "rid-1")
	require.NoError(t, err)
	defer sub.Close()

	events := sub.Events()

	require.NoError(t, m.PublishSSE(ctx, "rid-1", "loginComplete", []byte(`{"redirect":"/cb"}`)))

	select {
	case ev := <-events:
		require.Equal(t, "loginComplete", ev.Event)
		require.Contains(t, string(ev.Data), "/cb")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}

func TestRefreshMeta(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SetRefreshMeta(ctx, "rt-1", RefreshTokenMeta{Scope: []string{"openid", "email"}}, time.Hour))

	meta, err := m.GetRefreshMeta(ctx, "rt-1")
	require.NoError(t, err)
	require.Equal(t, []string{"openid", "email"}, meta.Scope)

	require.NoError(t, m.DeleteRefreshMeta(ctx, "rt-1"))
	_, err = m.GetRefreshMeta(ctx, "rt-1")
	require.ErrorIs(t, err, ErrNotFound)
}
