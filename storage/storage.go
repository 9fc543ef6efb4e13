package storage

import "context"

// Storage is the durable, transactional repository used by the server. All
// methods except the Tenant operations expect a tenant-scoped context; the
// tenant package is responsible for injecting and validating TenantID on
// every call before it reaches an implementation.
//
// Implementations are required to perform Update* calls atomically: the
// updater function receives the current row and returns the row to persist,
// within a single transaction against that row.
type Storage interface {
	Close() error

	// Tenants. CreateTenant and GetTenantBySlug are the explicit exceptions
	// to tenant scoping noted in the tenant package: they run unscoped.
	CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)

	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, tenantID, id string) (User, error)
	GetUserByEmail(ctx context.Context, tenantID, email string) (User, error)
	UpdateUser(ctx context.Context, tenantID, id string, updater func(User) (User, error)) (User, error)

	CreateClient(ctx context.Context, c Client) (Client, error)
	GetClient(ctx context.Context, tenantID, id string) (Client, error)
	GetClientByClientID(ctx context.Context, tenantID, clientID string) (Client, error)
	ListClients(ctx context.Context, tenantID string) ([]Client, error)

	CreateAuthCode(ctx context.Context, c AuthCode) (AuthCode, error)
	GetAuthCode(ctx context.Context, tenantID, code string) (AuthCode, error)
	DeleteAuthCode(ctx context.Context, tenantID, code string) error

	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, tenantID, id string) (Session, error)
	UpdateSession(ctx context.Context, tenantID, id string, updater func(Session) (Session, error)) (Session, error)

	CreateRefreshToken(ctx context.Context, r RefreshToken) (RefreshToken, error)
	GetRefreshTokenByToken(ctx context.Context, tenantID, token string) (RefreshToken, error)
	ListRefreshTokensBySession(ctx context.Context, tenantID, sessionID string) ([]RefreshToken, error)
	UpdateRefreshToken(ctx context.Context, tenantID, id string, updater func(RefreshToken) (RefreshToken, error)) (RefreshToken, error)

	CreateJWKKey(ctx context.Context, k JWKKey) (JWKKey, error)
	ListJWKKeys(ctx context.Context, tenantID string) ([]JWKKey, error)
	GetActiveJWKKey(ctx context.Context, tenantID string) (JWKKey, error)
	UpdateJWKKey(ctx context.Context, tenantID, id string, updater func(JWKKey) (JWKKey, error)) (JWKKey, error)

	UpsertConsent(ctx context.Context, c Consent) (Consent, error)
	GetConsent(ctx context.Context, tenantID, userID, clientID string) (Consent, error)

	CreateIdentityProvider(ctx context.Context, p IdentityProvider) (IdentityProvider, error)
	GetIdentityProvider(ctx context.Context, tenantID, id string) (IdentityProvider, error)
	GetIdentityProviderByType(ctx context.Context, tenantID string, t IdentityProviderType) (IdentityProvider, error)
	ListIdentityProviders(ctx context.Context, tenantID string) ([]IdentityProvider, error)
	UpdateIdentityProvider(ctx context.Context, tenantID, id string, updater func(IdentityProvider) (IdentityProvider, error)) (IdentityProvider, error)

	UpsertExternalIdentity(ctx context.Context, e ExternalIdentity) (ExternalIdentity, error)
	GetExternalIdentity(ctx context.Context, tenantID, providerID, subject string) (ExternalIdentity, error)
	CountExternalIdentitiesByProvider(ctx context.Context, tenantID, providerID string) (int, error)

	CreateFlow(ctx context.Context, f Flow) (Flow, error)
	GetActiveFlow(ctx context.Context, tenantID string, trigger FlowTrigger) (Flow, error)
	ListFlows(ctx context.Context, tenantID string) ([]Flow, error)

	GetUIPrompt(ctx context.Context, tenantID, id string) (UIPrompt, error)

	CreateFlowRun(ctx context.Context, r FlowRun) (FlowRun, error)
	GetFlowRun(ctx context.Context, tenantID, id string) (FlowRun, error)
	GetOpenFlowRun(ctx context.Context, tenantID, requestRID string, trigger FlowTrigger) (FlowRun, error)
	UpdateFlowRun(ctx context.Context, tenantID, id string, updater func(FlowRun) (FlowRun, error)) (FlowRun, error)

	AppendFlowEvent(ctx context.Context, e FlowEvent) error

	UpsertUserMetadata(ctx context.Context, m UserMetadata) (UserMetadata, error)
	GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (UserMetadata, error)

	AppendAudit(ctx context.Context, a Audit) error

	// GarbageCollect removes expired authorization codes; refresh tokens,
	// revoked or expired, are kept. Transient entities are garbage
	// collected on read by the faststore package.
	GarbageCollect(ctx context.Context) error
}
