// Package storage defines the durable, tenant-scoped persistence model and
// the repository interface the rest of the provider builds on. Every entity
// except Tenant carries a TenantID and is logically partitioned by it; the
// tenant package enforces that partitioning at call time.
package storage

import (
	"encoding/json"
	"time"
)

// Tenant is the root of the multi-tenancy tree. Its Slug is immutable after
// creation and appears in every issuer URL and HTTP path for the tenant.
type Tenant struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// User is an end-user of a tenant, created on first successful magic-link or
// federated sign-in.
type User struct {
	ID            string
	TenantID      string
	Email         string // always lowercased
	EmailVerified bool
	Name          string
	PasswordHash  string // empty for users who never set a password
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Client is an OAuth2/OIDC relying party registered against a tenant.
type Client struct {
	ID             string
	TenantID       string
	ClientID       string
	ClientSecret   string // bcrypt hash; empty means a public client
	Name           string
	RedirectURIs   []string
	GrantTypes     []string
	FirstParty     bool
	TokenAuthMethod string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasRedirectURI reports whether uri matches one of the client's registered
// redirect URIs byte-for-byte.
func (c Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the client is allowed to use the given grant.
func (c Client) HasGrantType(grant string) bool {
	if len(c.GrantTypes) == 0 {
		// Default grant set for clients registered without an explicit list.
		return grant == "authorization_code" || grant == "refresh_token"
	}
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// IsPublic reports whether the client has no stored secret.
func (c Client) IsPublic() bool {
	return c.ClientSecret == ""
}

// AuthCode is a single-use code minted after a successful authorization,
// redeemed by the token endpoint for a session and tokens.
type AuthCode struct {
	Code        string
	TenantID    string
	ClientDBID  string
	ClientID    string
	UserID      string
	RedirectURI string
	Scope       []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Session backs a chain of refresh tokens for a single user+client login.
type Session struct {
	ID        string
	TenantID  string
	UserID    string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session can no longer be used to refresh tokens.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RefreshToken is an opaque, rotating credential bound to a Session. Exactly
// one non-revoked token exists per SessionID at any instant.
type RefreshToken struct {
	ID        string
	Token     string // opaque, 24 random bytes, base64url
	TenantID  string
	SessionID string
	ClientID  string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// KeyStatus is the lifecycle stage of a tenant signing key.
type KeyStatus string

const (
	KeyStaged  KeyStatus = "staged"
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// JWKKey is a per-tenant RSA signing key. PrivJWKEncrypted holds the sealed
// private JWK in the "v1:gcm:<iv>:<ct>:<tag>" envelope; PubJWK holds the
// plaintext public JWK as JSON.
type JWKKey struct {
	ID               string
	TenantID         string
	Kid              string
	PubJWK           []byte
	PrivJWKEncrypted string
	Status           KeyStatus
	NotBefore        time.Time
	NotAfter         time.Time
	CreatedAt        time.Time
}

// Usable reports whether the key should still be published in JWKS.
func (k JWKKey) Usable(now time.Time) bool {
	if k.Status == KeyActive {
		return true
	}
	return k.Status == KeyRetired && now.Before(k.NotAfter)
}

// Consent records that a user has approved a client for a set of scopes.
type Consent struct {
	ID        string
	TenantID  string
	UserID    string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Covers reports whether the consent already approves every scope requested.
func (c Consent) Covers(requested []string) bool {
	have := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = true
	}
	for _, s := range requested {
		if !have[s] {
			return false
		}
	}
	return true
}

// IdentityProviderType enumerates the supported federated provider kinds.
type IdentityProviderType string

const (
	IdPGoogle       IdentityProviderType = "google"
	IdPMicrosoft    IdentityProviderType = "microsoft"
	IdPGitHub       IdentityProviderType = "github"
	IdPOIDCGeneric  IdentityProviderType = "oidc_generic"
)

// IdentityProviderStatus enumerates whether a configured provider is usable.
type IdentityProviderStatus string

const (
	IdPEnabled  IdentityProviderStatus = "enabled"
	IdPDisabled IdentityProviderStatus = "disabled"
)

// IdentityProvider is an admin-managed federated IdP configuration.
type IdentityProvider struct {
	ID              string
	TenantID        string
	Type            IdentityProviderType
	ClientID        string
	ClientSecretEnc string // sealed with the same v1:gcm envelope as JWKKey
	Issuer          string
	Scopes          []string
	Status          IdentityProviderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Complete reports whether the provider config has everything needed to be
// enabled: a client ID, a secret, and (for types that require discovery) an
// issuer.
func (p IdentityProvider) Complete() bool {
	if p.ClientID == "" || p.ClientSecretEnc == "" {
		return false
	}
	switch p.Type {
	case IdPMicrosoft, IdPOIDCGeneric:
		return p.Issuer != ""
	default:
		return true
	}
}

// ExternalIdentity links a User to a subject at a federated IdP.
type ExternalIdentity struct {
	ID          string
	TenantID    string
	UserID      string
	ProviderID  string
	Subject     string
	Email       string
	Claims      map[string]any
	LastLoginAt time.Time
	CreatedAt   time.Time
}

// FlowTrigger enumerates the points in the auth lifecycle a Flow can attach to.
type FlowTrigger string

const (
	TriggerSignin      FlowTrigger = "signin"
	TriggerSignup      FlowTrigger = "signup"
	TriggerPreConsent  FlowTrigger = "pre_consent"
	TriggerPostConsent FlowTrigger = "post_consent"
	TriggerCustom      FlowTrigger = "custom"
)

// FlowStatus enumerates whether a Flow definition is live.
type FlowStatus string

const (
	FlowEnabled  FlowStatus = "enabled"
	FlowDisabled FlowStatus = "disabled"
)

// FlowNode is one step of a Flow, embedded in Flow.Nodes and ordered
// ascending by Order. Config is opaque at this layer — the flow package
// decodes it into a typed flow.NodeConfig keyed by Type, rather than this
// package exposing an untyped map, per the tagged-variant node-config
// redesign.
type FlowNode struct {
	ID            string
	Type          string
	Order         int
	Config        json.RawMessage
	UIPromptID    string
	FailureNodeID string
}

// Flow is an admin-defined, versioned sequence of nodes selected by
// (TenantID, Trigger); only the highest-version enabled flow for a trigger
// runs.
type Flow struct {
	ID        string
	TenantID  string
	Name      string
	Trigger   FlowTrigger
	Status    FlowStatus
	Version   int
	Nodes     []FlowNode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UIPrompt is a reusable form definition referenced by prompt_ui,
// require_reauth, and mfa_* nodes.
type UIPrompt struct {
	ID          string
	TenantID    string
	Title       string
	Description string
	Schema      []UIPromptField
	TimeoutSec  int
}

// UIPromptField describes one form field of a UIPrompt.
type UIPromptField struct {
	Name     string
	Type     string
	Label    string
	Required bool
}

// FlowRunStatus enumerates the lifecycle of a FlowRun.
type FlowRunStatus string

const (
	FlowRunRunning     FlowRunStatus = "running"
	FlowRunSuccess     FlowRunStatus = "success"
	FlowRunFailed      FlowRunStatus = "failed"
	FlowRunInterrupted FlowRunStatus = "interrupted"
)

// FlowRun is one execution of a Flow against a single pending authorization.
type FlowRun struct {
	ID            string
	TenantID      string
	FlowID        string
	UserID        string
	RequestRID    string
	Trigger       FlowTrigger
	Context       map[string]any
	Status        FlowRunStatus
	CurrentNodeID string
	StartedAt     time.Time
	FinishedAt    time.Time
	LastError     string
}

// FlowEventType enumerates the kinds of append-only events recorded for a run.
type FlowEventType string

const (
	FlowEventEnter  FlowEventType = "enter"
	FlowEventExit   FlowEventType = "exit"
	FlowEventPrompt FlowEventType = "prompt"
	FlowEventResume FlowEventType = "resume"
	FlowEventError  FlowEventType = "error"
)

// FlowEvent is an append-only audit trail entry for a FlowRun.
type FlowEvent struct {
	ID         string
	TenantID   string
	FlowRunID  string
	NodeID     string
	Type       FlowEventType
	Timestamp  time.Time
	Metadata   map[string]any
}

// UserMetadata is a per-namespace JSON document attached to a user, written
// by metadata_write flow nodes.
type UserMetadata struct {
	TenantID  string
	UserID    string
	Namespace string
	Data      map[string]any
	UpdatedAt time.Time
}

// Audit is an append-only security/activity log entry.
type Audit struct {
	ID        int64
	TenantID  string
	UserID    string // optional
	Action    string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// GetTenantID implementations let the tenant package guard every entity
// read generically, without a type switch per call site.

func (u User) GetTenantID() string             { return u.TenantID }
func (c Client) GetTenantID() string           { return c.TenantID }
func (a AuthCode) GetTenantID() string         { return a.TenantID }
func (s Session) GetTenantID() string          { return s.TenantID }
func (r RefreshToken) GetTenantID() string     { return r.TenantID }
func (k JWKKey) GetTenantID() string           { return k.TenantID }
func (c Consent) GetTenantID() string          { return c.TenantID }
func (p IdentityProvider) GetTenantID() string { return p.TenantID }
func (e ExternalIdentity) GetTenantID() string { return e.TenantID }
func (f Flow) GetTenantID() string             { return f.TenantID }
func (p UIPrompt) GetTenantID() string         { return p.TenantID }
func (r FlowRun) GetTenantID() string          { return r.TenantID }
func (e FlowEvent) GetTenantID() string        { return e.TenantID }
func (m UserMetadata) GetTenantID() string     { return m.TenantID }
func (a Audit) GetTenantID() string            { return a.TenantID }
