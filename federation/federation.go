// Package federation drives sign-in through a configured external identity
// provider: Google, Microsoft Entra ID, GitHub, or a generic OpenID Connect
// issuer. Each provider file is grounded on the teacher's connector of the
// same name (connector/google, connector/microsoft, connector/github,
// connector/oidc), adapted from dex's static, process-lifetime connector
// instances into per-call providers built fresh from a tenant's stored
// storage.IdentityProvider row, since this spec configures federation
// per tenant rather than once at process start.
package federation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/waygate/waygate/authsession"
	waycrypto "github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
)

// Identity is the normalized result of a successful federated login,
// independent of which provider produced it.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Claims        map[string]any
}

// provider is implemented once per storage.IdentityProviderType.
type provider interface {
	AuthURL(cfg storage.IdentityProvider, redirectURI, state, nonce, codeChallenge string) (string, error)
	Exchange(ctx context.Context, cfg storage.IdentityProvider, clientSecret, redirectURI string, r *http.Request, nonce, codeVerifier string) (Identity, error)
}

// Repository is the subset of tenant.Repo federation needs.
type Repository interface {
	GetIdentityProviderByType(ctx context.Context, t storage.IdentityProviderType) (storage.IdentityProvider, error)
	GetIdentityProvider(ctx context.Context, id string) (storage.IdentityProvider, error)
	GetUserByEmail(ctx context.Context, email string) (storage.User, error)
	CreateUser(ctx context.Context, u storage.User) (storage.User, error)
	UpsertExternalIdentity(ctx context.Context, e storage.ExternalIdentity) (storage.ExternalIdentity, error)
	AppendAudit(ctx context.Context, a storage.Audit) error
}

// Manager starts and completes federated sign-in round trips.
type Manager struct {
	masterKey []byte
	auth      *authsession.Manager
	log       *slog.Logger
	providers map[storage.IdentityProviderType]provider
}

// New constructs a Manager. masterKey decrypts IdentityProvider.ClientSecretEnc,
// sealed the same way as a tenant's private JWKs (see jwks.DeriveMasterKey).
func New(masterKey []byte, auth *authsession.Manager, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		masterKey: masterKey,
		auth:      auth,
		log:       log,
		providers: map[storage.IdentityProviderType]provider{
			storage.IdPGoogle:      googleProvider{},
			storage.IdPMicrosoft:   microsoftProvider{},
			storage.IdPGitHub:      githubProvider{},
			storage.IdPOIDCGeneric: oidcProvider{},
		},
	}
}

func (m *Manager) decryptSecret(cfg storage.IdentityProvider) (string, error) {
	plaintext, err := waycrypto.Open(cfg.ClientSecretEnc, m.masterKey)
	if err != nil {
		return "", fmt.Errorf("federation: open client secret: %w", err)
	}
	return string(plaintext), nil
}

// Start loads the tenant's configured provider of type pt, mints a fresh
// state/nonce/PKCE pair bound to rid, and returns the URL to redirect the
// end user to.
func (m *Manager) Start(ctx context.Context, repo Repository, tenantID, rid, redirectURI string, pt storage.IdentityProviderType) (string, error) {
	cfg, err := repo.GetIdentityProviderByType(ctx, pt)
	if err != nil {
		return "", fmt.Errorf("federation: load provider config: %w", err)
	}
	if cfg.Status != storage.IdPEnabled {
		return "", fmt.Errorf("federation: provider %s is disabled", pt)
	}
	impl, ok := m.providers[pt]
	if !ok {
		return "", fmt.Errorf("federation: unsupported provider type %q", pt)
	}

	nonce, err := waycrypto.NewOpaqueToken(16)
	if err != nil {
		return "", fmt.Errorf("federation: mint nonce: %w", err)
	}
	verifier, err := waycrypto.NewOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("federation: mint pkce verifier: %w", err)
	}
	challenge := s256Challenge(verifier)

	state, err := m.auth.IssueUpstreamState(ctx, tenantID, rid, cfg.ID, string(pt), nonce, verifier, challenge)
	if err != nil {
		return "", fmt.Errorf("federation: persist upstream state: %w", err)
	}

	return impl.AuthURL(cfg, redirectURI, state, nonce, challenge)
}

// Callback consumes the upstream state named by r's "state" query parameter,
// exchanges the authorization code with the provider, and verifies the
// resulting identity, returning both the normalized Identity and the
// PendingAuthRequest rid it belongs to so the caller can resume the
// authorization ceremony.
func (m *Manager) Callback(ctx context.Context, repo Repository, redirectURI string, r *http.Request) (Identity, authsession.UpstreamState, error) {
	state := r.URL.Query().Get("state")
	if state == "" {
		return Identity{}, authsession.UpstreamState{}, fmt.Errorf("federation: missing state parameter")
	}
	us, err := m.auth.ConsumeUpstreamState(ctx, state)
	if err != nil {
		return Identity{}, authsession.UpstreamState{}, fmt.Errorf("federation: consume upstream state: %w", err)
	}

	cfg, err := repo.GetIdentityProvider(ctx, us.ProviderID)
	if err != nil {
		return Identity{}, us, fmt.Errorf("federation: load provider config: %w", err)
	}
	impl, ok := m.providers[storage.IdentityProviderType(us.ProviderType)]
	if !ok {
		return Identity{}, us, fmt.Errorf("federation: unsupported provider type %q", us.ProviderType)
	}
	secret, err := m.decryptSecret(cfg)
	if err != nil {
		return Identity{}, us, err
	}

	identity, err := impl.Exchange(ctx, cfg, secret, redirectURI, r, us.Nonce, us.CodeVerifier)
	if err != nil {
		return Identity{}, us, err
	}
	return identity, us, nil
}

// LinkUser upserts a User by tenant+email and an ExternalIdentity binding
// that user to the federated subject, auditing the login as
// "login.sso.<type>". It writes no separate audit entry when the link is
// created for the first time.
func (m *Manager) LinkUser(ctx context.Context, repo Repository, providerID, providerType string, identity Identity) (storage.User, error) {
	user, err := repo.GetUserByEmail(ctx, identity.Email)
	if err != nil {
		if err != storage.ErrNotFound {
			return storage.User{}, fmt.Errorf("federation: lookup user: %w", err)
		}
		user, err = repo.CreateUser(ctx, storage.User{
			Email:         identity.Email,
			EmailVerified: identity.EmailVerified,
			Name:          identity.Name,
		})
		if err != nil {
			return storage.User{}, fmt.Errorf("federation: create user: %w", err)
		}
	}

	if _, err := repo.UpsertExternalIdentity(ctx, storage.ExternalIdentity{
		UserID:     user.ID,
		ProviderID: providerID,
		Subject:    identity.Subject,
		Email:      identity.Email,
		Claims:     identity.Claims,
	}); err != nil {
		return storage.User{}, fmt.Errorf("federation: link external identity: %w", err)
	}

	if err := repo.AppendAudit(ctx, storage.Audit{
		UserID: user.ID,
		Action: "login.sso." + providerType,
	}); err != nil {
		m.log.ErrorContext(ctx, "append sso login audit failed", "err", err)
	}

	return user, nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
