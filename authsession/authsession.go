// Package authsession implements the cross-device "enchanted link" login
// ceremony: a pending authorization request created at /authorize is
// attached to a user by a magic-link click (or a federated callback) on a
// possibly different device, and the result is handed back to the
// originating device over SSE. All state here is transient and lives in a
// faststore.Store; losing it only costs the end user a retry.
package authsession

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/waygate/waygate/storage/faststore"
)

const (
	pendingTTL = 5 * time.Minute
	magicTTL   = 10 * time.Minute
	upstreamTTL = 5 * time.Minute

	pendingPrefix  = "pending/"
	magicPrefix    = "magic/"
	upstreamPrefix = "upstream/"
	ssePrefix      = "sse/"
)

// PendingAuthRequest is the transient record created at /authorize and
// advanced as the end-user authenticates on whatever device completes the
// ceremony.
type PendingAuthRequest struct {
	RID                 string
	TenantID            string
	ClientDBID          string
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string // empty until a channel authenticates
	Completed           bool
	ExpiresAt           time.Time
}

// MagicToken is the single-use token minted by a magic-link request and
// consumed to attach a user to a PendingAuthRequest.
type MagicToken struct {
	Token     string
	TenantID  string
	RID       string
	Email     string
	ExpiresAt time.Time
}

// UpstreamState binds a federated-provider authorization round-trip to the
// PendingAuthRequest that initiated it.
type UpstreamState struct {
	State               string
	TenantID            string
	RID                 string
	ProviderID          string
	ProviderType        string
	Nonce               string
	CodeVerifier        string
	CodeChallenge       string
	ExpiresAt           time.Time
}

// AuthCodeMeta is the extra, non-relational data an authorization code
// carries (PKCE challenge, nonce, auth time) kept in the fast store rather
// than the durable AuthCode row so redemption stays a single fast-store
// round trip.
type AuthCodeMeta struct {
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthTime            time.Time
}

// RefreshTokenMeta holds the scope granted to a refresh token, resolved by
// §9's Open Question in favor of the fast store over process memory so a
// multi-instance deployment shares it.
type RefreshTokenMeta struct {
	Scope []string
}

// ErrNotFound is returned when a pending request, magic token, or upstream
// state has expired, was already consumed, or never existed.
var ErrNotFound = faststore.ErrNotFound

// ErrInvalidRedirectURI is returned by CreatePending when redirectURI is not
// one of the client's registered URIs.
var ErrInvalidRedirectURI = fmt.Errorf("authsession: redirect_uri not registered for client")

// RedirectURIValidator reports whether redirectURI is registered for the
// caller's client, letting the manager enforce the "exact match" rule
// without depending on storage.Client directly.
type RedirectURIValidator func(redirectURI string) bool

// Manager mediates the enchanted-link ceremony on top of a faststore.Store.
type Manager struct {
	store faststore.Store
	log   *slog.Logger
}

// New constructs a Manager over store.
func New(store faststore.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log}
}

func newOpaqueToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewRID mints a new pending-request identifier: base64url of 16 random
// bytes, per the glossary's "rid" definition.
func NewRID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreatePending validates redirectURI against validate and stores a new
// PendingAuthRequest with a 5-minute TTL, returning its rid.
func (m *Manager) CreatePending(ctx context.Context, tenantID, clientDBID, clientID, redirectURI string, scope []string, state, nonce, codeChallenge, codeChallengeMethod string, validate RedirectURIValidator) (string, error) {
	if validate != nil && !validate(redirectURI) {
		return "", ErrInvalidRedirectURI
	}
	rid, err := NewRID()
	if err != nil {
		return "", err
	}
	req := PendingAuthRequest{
		RID:                 rid,
		TenantID:            tenantID,
		ClientDBID:          clientDBID,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		Nonce:               nonce,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           time.Now().Add(pendingTTL),
	}
	if err := m.store.Set(ctx, pendingPrefix+rid, req, pendingTTL); err != nil {
		return "", err
	}
	return rid, nil
}

// GetPending loads the pending request for rid.
func (m *Manager) GetPending(ctx context.Context, rid string) (PendingAuthRequest, error) {
	var req PendingAuthRequest
	if err := m.store.Get(ctx, pendingPrefix+rid, &req); err != nil {
		return PendingAuthRequest{}, err
	}
	return req, nil
}

// SetPendingUser advances a pending request's userId once a channel
// (magic link or federated callback) authenticates an end user.
func (m *Manager) SetPendingUser(ctx context.Context, rid, userID string) error {
	req, err := m.GetPending(ctx, rid)
	if err != nil {
		return err
	}
	req.UserID = userID
	return m.store.Set(ctx, pendingPrefix+rid, req, pendingTTL)
}

// CompletePending marks a pending request consumed so it cannot be reused
// to mint a second authorization code.
func (m *Manager) CompletePending(ctx context.Context, rid string) error {
	req, err := m.GetPending(ctx, rid)
	if err != nil {
		return err
	}
	req.Completed = true
	return m.store.Set(ctx, pendingPrefix+rid, req, pendingTTL)
}

// IssueMagicToken mints a single-use, 10-minute magic-link token binding
// email (lowercased) to rid.
func (m *Manager) IssueMagicToken(ctx context.Context, tenantID, rid, email string) (string, error) {
	token, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	mt := MagicToken{
		Token:     token,
		TenantID:  tenantID,
		RID:       rid,
		Email:     strings.ToLower(email),
		ExpiresAt: time.Now().Add(magicTTL),
	}
	if err := m.store.Set(ctx, magicPrefix+token, mt, magicTTL); err != nil {
		return "", err
	}
	return token, nil
}

// ConsumeMagicToken atomically reads and deletes the magic token, returning
// ErrNotFound if it was already used or has expired.
func (m *Manager) ConsumeMagicToken(ctx context.Context, token string) (MagicToken, error) {
	var mt MagicToken
	if err := m.store.GetDelete(ctx, magicPrefix+token, &mt); err != nil {
		return MagicToken{}, err
	}
	return mt, nil
}

// IssueUpstreamState mints a single-use, 5-minute state record binding a
// federated round trip to rid.
func (m *Manager) IssueUpstreamState(ctx context.Context, tenantID, rid, providerID, providerType, nonce, codeVerifier, codeChallenge string) (string, error) {
	state, err := newOpaqueToken()
	if err != nil {
		return "", err
	}
	us := UpstreamState{
		State:         state,
		TenantID:      tenantID,
		RID:           rid,
		ProviderID:    providerID,
		ProviderType:  providerType,
		Nonce:         nonce,
		CodeVerifier:  codeVerifier,
		CodeChallenge: codeChallenge,
		ExpiresAt:     time.Now().Add(upstreamTTL),
	}
	if err := m.store.Set(ctx, upstreamPrefix+state, us, upstreamTTL); err != nil {
		return "", err
	}
	return state, nil
}

// ConsumeUpstreamState atomically reads and deletes the upstream state
// record for state.
func (m *Manager) ConsumeUpstreamState(ctx context.Context, state string) (UpstreamState, error) {
	var us UpstreamState
	if err := m.store.GetDelete(ctx, upstreamPrefix+state, &us); err != nil {
		return UpstreamState{}, err
	}
	return us, nil
}

// RecordAuthCodeMeta stores the PKCE/nonce/authTime metadata for a freshly
// minted authorization code, expiring after ttl.
func (m *Manager) RecordAuthCodeMeta(ctx context.Context, code string, meta AuthCodeMeta, ttl time.Duration) error {
	return m.store.Set(ctx, "authcodemeta/"+code, meta, ttl)
}

// GetAuthCodeMeta reads back an authorization code's metadata without
// consuming it.
func (m *Manager) GetAuthCodeMeta(ctx context.Context, code string) (AuthCodeMeta, error) {
	var meta AuthCodeMeta
	if err := m.store.Get(ctx, "authcodemeta/"+code, &meta); err != nil {
		return AuthCodeMeta{}, err
	}
	return meta, nil
}

// ConsumeAuthCodeMeta atomically reads and deletes an authorization code's
// metadata at redemption time.
func (m *Manager) ConsumeAuthCodeMeta(ctx context.Context, code string) (AuthCodeMeta, error) {
	var meta AuthCodeMeta
	if err := m.store.GetDelete(ctx, "authcodemeta/"+code, &meta); err != nil {
		return AuthCodeMeta{}, err
	}
	return meta, nil
}

// SetRefreshMeta stores the scope granted to a refresh token, keyed by the
// token's durable row ID so rotation carries it forward explicitly.
func (m *Manager) SetRefreshMeta(ctx context.Context, refreshTokenID string, meta RefreshTokenMeta, ttl time.Duration) error {
	return m.store.Set(ctx, "refreshmeta/"+refreshTokenID, meta, ttl)
}

// GetRefreshMeta reads a refresh token's granted scope.
func (m *Manager) GetRefreshMeta(ctx context.Context, refreshTokenID string) (RefreshTokenMeta, error) {
	var meta RefreshTokenMeta
	if err := m.store.Get(ctx, "refreshmeta/"+refreshTokenID, &meta); err != nil {
		return RefreshTokenMeta{}, err
	}
	return meta, nil
}

// DeleteRefreshMeta removes a refresh token's scope record, called when the
// token is revoked or its session torn down.
func (m *Manager) DeleteRefreshMeta(ctx context.Context, refreshTokenID string) error {
	return m.store.Delete(ctx, "refreshmeta/"+refreshTokenID)
}

// SSEEvent is a single named event delivered to the subscribers of a rid.
type SSEEvent struct {
	Event string
	Data  []byte
}

// PublishSSE fans out event/data to every current subscriber of rid. Named
// events are "consentRequired" and "loginComplete".
func (m *Manager) PublishSSE(ctx context.Context, rid, event string, data []byte) error {
	payload, err := encodeSSE(SSEEvent{Event: event, Data: data})
	if err != nil {
		return err
	}
	if err := m.store.Publish(ctx, ssePrefix+rid, payload); err != nil {
		m.log.ErrorContext(ctx, "publish sse event failed", "err", err, "rid", rid, "event", event)
		return err
	}
	return nil
}

// Subscribe returns a subscription delivering SSEEvents published for rid
// from the moment Subscribe returns onward.
func (m *Manager) Subscribe(ctx context.Context, rid string) (*EventSubscription, error) {
	sub, err := m.store.Subscribe(ctx, ssePrefix+rid)
	if err != nil {
		return nil, err
	}
	return &EventSubscription{sub: sub}, nil
}

// EventSubscription decodes the raw faststore.Subscription payloads back
// into SSEEvents for the HTTP layer to write as text/event-stream frames.
type EventSubscription struct {
	sub faststore.Subscription
}

// Events returns a channel of decoded SSEEvents. Malformed payloads are
// dropped rather than surfaced, since they can only originate from this
// package's own Publish calls.
func (s *EventSubscription) Events() <-chan SSEEvent {
	out := make(chan SSEEvent)
	go func() {
		defer close(out)
		for raw := range s.sub.Chan() {
			ev, err := decodeSSE(raw)
			if err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

// Close releases the underlying subscription.
func (s *EventSubscription) Close() error { return s.sub.Close() }
