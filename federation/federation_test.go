package federation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage"
)

func TestS256ChallengeIsDeterministicAndURLSafe(t *testing.T) {
	a := s256Challenge("verifier-one")
	b := s256Challenge("verifier-one")
	c := s256Challenge("verifier-two")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotContains(t, a, "=")
	require.NotContains(t, a, "+")
	require.NotContains(t, a, "/")
}

func TestChoosePrimaryEmailPrefersFlagged(t *testing.T) {
	email, verified, err := choosePrimaryEmail([]githubEmail{
		{Email: "secondary@example.com", Primary: false, Verified: true},
		{Email: "primary@example.com", Primary: true, Verified: true},
	})
	require.NoError(t, err)
	require.Equal(t, "primary@example.com", email)
	require.True(t, verified)
}

func TestChoosePrimaryEmailFallsBackToFirst(t *testing.T) {
	email, verified, err := choosePrimaryEmail([]githubEmail{
		{Email: "only@example.com", Primary: false, Verified: false},
	})
	require.NoError(t, err)
	require.Equal(t, "only@example.com", email)
	require.False(t, verified)
}

func TestChoosePrimaryEmailEmptyList(t *testing.T) {
	email, verified, err := choosePrimaryEmail(nil)
	require.NoError(t, err)
	require.Empty(t, email)
	require.False(t, verified)
}

// fakeRepo is a minimal in-memory stand-in for tenant.Repo, scoped to the
// methods federation.Repository needs.
type fakeRepo struct {
	usersByEmail map[string]storage.User
	identities   []storage.ExternalIdentity
	audits       []storage.Audit
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{usersByEmail: map[string]storage.User{}}
}

func (r *fakeRepo) GetIdentityProviderByType(ctx context.Context, t storage.IdentityProviderType) (storage.IdentityProvider, error) {
	return storage.IdentityProvider{}, storage.ErrNotFound
}

func (r *fakeRepo) GetIdentityProvider(ctx context.Context, id string) (storage.IdentityProvider, error) {
	return storage.IdentityProvider{}, storage.ErrNotFound
}

func (r *fakeRepo) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	u, ok := r.usersByEmail[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) CreateUser(ctx context.Context, u storage.User) (storage.User, error) {
	u.ID = "user-" + u.Email
	r.usersByEmail[u.Email] = u
	return u, nil
}

func (r *fakeRepo) UpsertExternalIdentity(ctx context.Context, e storage.ExternalIdentity) (storage.ExternalIdentity, error) {
	r.identities = append(r.identities, e)
	return e, nil
}

func (r *fakeRepo) AppendAudit(ctx context.Context, a storage.Audit) error {
	r.audits = append(r.audits, a)
	return nil
}

func TestLinkUserCreatesNewUserAndIdentity(t *testing.T) {
	m := New([]byte("01234567890123456789012345678901"[:32]), nil, nil)
	repo := newFakeRepo()
	ctx := context.Background()

	user, err := m.LinkUser(ctx, repo, "provider-1", "google", Identity{
		Subject:       "sub-123",
		Email:         "new@example.com",
		EmailVerified: true,
		Name:          "New User",
	})
	require.NoError(t, err)
	require.Equal(t, "new@example.com", user.Email)
	require.Len(t, repo.identities, 1)
	require.Equal(t, "sub-123", repo.identities[0].Subject)
	require.Len(t, repo.audits, 1)
	require.Equal(t, "login.sso.google", repo.audits[0].Action)
}

func TestLinkUserReusesExistingUser(t *testing.T) {
	m := New([]byte("01234567890123456789012345678901"[:32]), nil, nil)
	repo := newFakeRepo()
	repo.usersByEmail["existing@example.com"] = storage.User{ID: "u1", Email: "existing@example.com"}
	ctx := context.Background()

	user, err := m.LinkUser(ctx, repo, "provider-1", "github", Identity{
		Subject: "sub-456",
		Email:   "existing@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "u1", user.ID)
	require.Len(t, repo.identities, 1)
	require.Equal(t, "u1", repo.identities[0].UserID)
}
