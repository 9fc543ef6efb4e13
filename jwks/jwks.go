// Package jwks implements the per-tenant signing key lifecycle: staged,
// active, retired. It is adapted from the teacher's server/rotation.go
// time-based rotation (a background goroutine calling UpdateKeys under a
// compare-and-swap closure) into the spec's explicit staged/active/retired
// state machine driven by ensureActive/rotate rather than a fixed period.
package jwks

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	waycrypto "github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
)

// retiredGrace is how long a demoted key keeps signing verification
// validity after being retired, per spec.md §4.3's invariant that a token
// signed in the last 7 days always verifies against the published JWKS.
const retiredGrace = 7 * 24 * time.Hour

// Manager drives a tenant's signing-key lifecycle against a tenant.Repo-
// shaped storage interface.
type Manager struct {
	store     Repository
	masterKey []byte // 32-byte AES-256 key, derived by the caller via SHA-256 of the master secret
	now       func() time.Time
	log       *slog.Logger
}

// Repository is the subset of tenant.Repo's method set jwks needs. Defined
// locally so this package doesn't need to import tenant; jwks is used by
// token/server which already hold a tenant.Repo and can pass it in directly
// since *tenant.Repo satisfies this.
type Repository interface {
	ListJWKKeys(ctx context.Context) ([]storage.JWKKey, error)
	GetActiveJWKKey(ctx context.Context) (storage.JWKKey, error)
	CreateJWKKey(ctx context.Context, k storage.JWKKey) (storage.JWKKey, error)
	UpdateJWKKey(ctx context.Context, id string, updater func(storage.JWKKey) (storage.JWKKey, error)) (storage.JWKKey, error)
	AppendAudit(ctx context.Context, a storage.Audit) error
}

// New constructs a Manager. masterKey must be exactly 32 bytes (the
// caller derives it via SHA-256 of the configured ENCRYPTION_KEY, per
// spec.md §8's "32-byte AES key derived by SHA-256" environment note).
func New(store Repository, masterKey []byte, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, masterKey: masterKey, now: time.Now, log: log}
}

// DeriveMasterKey hashes secret down to the 32-byte AES-256 key used to
// seal every tenant's private JWKs, per spec.md §8.
func DeriveMasterKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// EnsureActive rotates the tenant's keys if it currently has none active.
func (m *Manager) EnsureActive(ctx context.Context) error {
	_, err := m.store.GetActiveJWKKey(ctx)
	if err == nil {
		return nil
	}
	if err != storage.ErrNotFound {
		return fmt.Errorf("jwks: check active key: %w", err)
	}
	return m.Rotate(ctx)
}

// Rotate mints a new RSA-2048 key, promotes it to active, and demotes the
// previous active key to retired with a 7-day grace window.
func (m *Manager) Rotate(ctx context.Context) error {
	priv, err := waycrypto.GenerateRSAKey()
	if err != nil {
		return fmt.Errorf("jwks: generate key: %w", err)
	}

	pubJWK := waycrypto.PublicJWK(priv, "")
	kid, err := waycrypto.Thumbprint(pubJWK)
	if err != nil {
		return fmt.Errorf("jwks: thumbprint: %w", err)
	}
	pubJWK.KeyID = kid

	privJWK := waycrypto.PrivateJWK(priv, kid)
	privJWKBytes, err := privJWK.MarshalJSON()
	if err != nil {
		return fmt.Errorf("jwks: marshal private jwk: %w", err)
	}
	sealed, err := waycrypto.Seal(privJWKBytes, m.masterKey)
	if err != nil {
		return fmt.Errorf("jwks: seal private jwk: %w", err)
	}
	pubJWKBytes, err := json.Marshal(pubJWK)
	if err != nil {
		return fmt.Errorf("jwks: marshal public jwk: %w", err)
	}

	now := m.now()
	staged, err := m.store.CreateJWKKey(ctx, storage.JWKKey{
		Kid:              kid,
		PubJWK:           pubJWKBytes,
		PrivJWKEncrypted: sealed,
		Status:           storage.KeyStaged,
		NotBefore:        now,
		NotAfter:         now.Add(100 * 365 * 24 * time.Hour), // active keys don't expire on their own
		CreatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("jwks: create staged key: %w", err)
	}

	if prev, err := m.store.GetActiveJWKKey(ctx); err == nil {
		if _, err := m.store.UpdateJWKKey(ctx, prev.ID, func(k storage.JWKKey) (storage.JWKKey, error) {
			k.Status = storage.KeyRetired
			k.NotAfter = now.Add(retiredGrace)
			return k, nil
		}); err != nil {
			return fmt.Errorf("jwks: retire previous active key: %w", err)
		}
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("jwks: load previous active key: %w", err)
	}

	if _, err := m.store.UpdateJWKKey(ctx, staged.ID, func(k storage.JWKKey) (storage.JWKKey, error) {
		k.Status = storage.KeyActive
		return k, nil
	}); err != nil {
		return fmt.Errorf("jwks: promote staged key: %w", err)
	}

	if err := m.store.AppendAudit(ctx, storage.Audit{Action: "jwks.rotate"}); err != nil {
		m.log.ErrorContext(ctx, "append jwks.rotate audit failed", "err", err)
	}
	return nil
}

// PublicJWKs returns every key still publishable: active, or retired and
// not yet past NotAfter.
func (m *Manager) PublicJWKs(ctx context.Context) (jose.JSONWebKeySet, error) {
	keys, err := m.store.ListJWKKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks: list keys: %w", err)
	}
	now := m.now()
	set := jose.JSONWebKeySet{}
	for _, k := range keys {
		if !k.Usable(now) {
			continue
		}
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(k.PubJWK, &jwk); err != nil {
			m.log.ErrorContext(ctx, "decode stored public jwk failed", "err", err, "kid", k.Kid)
			continue
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// ActivePrivate decrypts and returns the active private key and its kid, or
// storage.ErrNotFound if the tenant has no active key.
func (m *Manager) ActivePrivate(ctx context.Context) (*rsa.PrivateKey, string, error) {
	active, err := m.store.GetActiveJWKKey(ctx)
	if err != nil {
		return nil, "", err
	}
	plaintext, err := waycrypto.Open(active.PrivJWKEncrypted, m.masterKey)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: open sealed private jwk: %w", err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(plaintext, &jwk); err != nil {
		return nil, "", fmt.Errorf("jwks: decode private jwk: %w", err)
	}
	key, ok := jwk.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, "", fmt.Errorf("jwks: active key is not RSA")
	}
	return key, active.Kid, nil
}
