package tenant

import (
	"context"
	"log/slog"

	"github.com/waygate/waygate/storage"
)

// Repo is a storage.Storage bound to a single tenant: every method drops
// the tenantID parameter (it's fixed at construction) and every read is
// passed through Guard before it reaches the caller. Handlers obtain a Repo
// from the resolved Tenant and never see storage.Storage directly, so a
// handler bug can't accidentally cross a tenant boundary by forgetting to
// pass a tenantID.
type Repo struct {
	tenantID string
	store    storage.Storage
	log      *slog.Logger
}

// NewRepo binds store to tenantID.
func NewRepo(store storage.Storage, tenantID string, log *slog.Logger) *Repo {
	return &Repo{tenantID: tenantID, store: store, log: log}
}

// TenantID returns the tenant this Repo is bound to.
func (r *Repo) TenantID() string { return r.tenantID }

func (r *Repo) GetUser(ctx context.Context, id string) (storage.User, error) {
	u, err := r.store.GetUser(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, u, err)
}

func (r *Repo) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	u, err := r.store.GetUserByEmail(ctx, r.tenantID, email)
	return Guard(ctx, r.store, r.log, r.tenantID, u, err)
}

func (r *Repo) CreateUser(ctx context.Context, u storage.User) (storage.User, error) {
	u.TenantID = r.tenantID
	return r.store.CreateUser(ctx, u)
}

func (r *Repo) UpdateUser(ctx context.Context, id string, updater func(storage.User) (storage.User, error)) (storage.User, error) {
	return r.store.UpdateUser(ctx, r.tenantID, id, updater)
}

func (r *Repo) CreateClient(ctx context.Context, c storage.Client) (storage.Client, error) {
	c.TenantID = r.tenantID
	return r.store.CreateClient(ctx, c)
}

func (r *Repo) GetClient(ctx context.Context, id string) (storage.Client, error) {
	c, err := r.store.GetClient(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, c, err)
}

func (r *Repo) GetClientByClientID(ctx context.Context, clientID string) (storage.Client, error) {
	c, err := r.store.GetClientByClientID(ctx, r.tenantID, clientID)
	return Guard(ctx, r.store, r.log, r.tenantID, c, err)
}

func (r *Repo) ListClients(ctx context.Context) ([]storage.Client, error) {
	cs, err := r.store.ListClients(ctx, r.tenantID)
	return GuardSlice(ctx, r.store, r.log, r.tenantID, cs, err)
}

func (r *Repo) CreateAuthCode(ctx context.Context, c storage.AuthCode) (storage.AuthCode, error) {
	c.TenantID = r.tenantID
	return r.store.CreateAuthCode(ctx, c)
}

func (r *Repo) GetAuthCode(ctx context.Context, code string) (storage.AuthCode, error) {
	c, err := r.store.GetAuthCode(ctx, r.tenantID, code)
	return Guard(ctx, r.store, r.log, r.tenantID, c, err)
}

func (r *Repo) DeleteAuthCode(ctx context.Context, code string) error {
	return r.store.DeleteAuthCode(ctx, r.tenantID, code)
}

func (r *Repo) CreateSession(ctx context.Context, s storage.Session) (storage.Session, error) {
	s.TenantID = r.tenantID
	return r.store.CreateSession(ctx, s)
}

func (r *Repo) GetSession(ctx context.Context, id string) (storage.Session, error) {
	s, err := r.store.GetSession(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, s, err)
}

func (r *Repo) UpdateSession(ctx context.Context, id string, updater func(storage.Session) (storage.Session, error)) (storage.Session, error) {
	return r.store.UpdateSession(ctx, r.tenantID, id, updater)
}

func (r *Repo) CreateRefreshToken(ctx context.Context, rt storage.RefreshToken) (storage.RefreshToken, error) {
	rt.TenantID = r.tenantID
	return r.store.CreateRefreshToken(ctx, rt)
}

func (r *Repo) GetRefreshTokenByToken(ctx context.Context, token string) (storage.RefreshToken, error) {
	rt, err := r.store.GetRefreshTokenByToken(ctx, r.tenantID, token)
	return Guard(ctx, r.store, r.log, r.tenantID, rt, err)
}

func (r *Repo) ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]storage.RefreshToken, error) {
	rs, err := r.store.ListRefreshTokensBySession(ctx, r.tenantID, sessionID)
	return GuardSlice(ctx, r.store, r.log, r.tenantID, rs, err)
}

func (r *Repo) UpdateRefreshToken(ctx context.Context, id string, updater func(storage.RefreshToken) (storage.RefreshToken, error)) (storage.RefreshToken, error) {
	return r.store.UpdateRefreshToken(ctx, r.tenantID, id, updater)
}

func (r *Repo) CreateJWKKey(ctx context.Context, k storage.JWKKey) (storage.JWKKey, error) {
	k.TenantID = r.tenantID
	return r.store.CreateJWKKey(ctx, k)
}

func (r *Repo) ListJWKKeys(ctx context.Context) ([]storage.JWKKey, error) {
	ks, err := r.store.ListJWKKeys(ctx, r.tenantID)
	return GuardSlice(ctx, r.store, r.log, r.tenantID, ks, err)
}

func (r *Repo) GetActiveJWKKey(ctx context.Context) (storage.JWKKey, error) {
	k, err := r.store.GetActiveJWKKey(ctx, r.tenantID)
	return Guard(ctx, r.store, r.log, r.tenantID, k, err)
}

func (r *Repo) UpdateJWKKey(ctx context.Context, id string, updater func(storage.JWKKey) (storage.JWKKey, error)) (storage.JWKKey, error) {
	return r.store.UpdateJWKKey(ctx, r.tenantID, id, updater)
}

func (r *Repo) UpsertConsent(ctx context.Context, c storage.Consent) (storage.Consent, error) {
	c.TenantID = r.tenantID
	return r.store.UpsertConsent(ctx, c)
}

func (r *Repo) GetConsent(ctx context.Context, userID, clientID string) (storage.Consent, error) {
	c, err := r.store.GetConsent(ctx, r.tenantID, userID, clientID)
	return Guard(ctx, r.store, r.log, r.tenantID, c, err)
}

func (r *Repo) CreateIdentityProvider(ctx context.Context, p storage.IdentityProvider) (storage.IdentityProvider, error) {
	p.TenantID = r.tenantID
	return r.store.CreateIdentityProvider(ctx, p)
}

func (r *Repo) GetIdentityProvider(ctx context.Context, id string) (storage.IdentityProvider, error) {
	p, err := r.store.GetIdentityProvider(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, p, err)
}

func (r *Repo) GetIdentityProviderByType(ctx context.Context, t storage.IdentityProviderType) (storage.IdentityProvider, error) {
	p, err := r.store.GetIdentityProviderByType(ctx, r.tenantID, t)
	return Guard(ctx, r.store, r.log, r.tenantID, p, err)
}

func (r *Repo) ListIdentityProviders(ctx context.Context) ([]storage.IdentityProvider, error) {
	ps, err := r.store.ListIdentityProviders(ctx, r.tenantID)
	return GuardSlice(ctx, r.store, r.log, r.tenantID, ps, err)
}

func (r *Repo) UpdateIdentityProvider(ctx context.Context, id string, updater func(storage.IdentityProvider) (storage.IdentityProvider, error)) (storage.IdentityProvider, error) {
	return r.store.UpdateIdentityProvider(ctx, r.tenantID, id, updater)
}

func (r *Repo) UpsertExternalIdentity(ctx context.Context, e storage.ExternalIdentity) (storage.ExternalIdentity, error) {
	e.TenantID = r.tenantID
	return r.store.UpsertExternalIdentity(ctx, e)
}

func (r *Repo) GetExternalIdentity(ctx context.Context, providerID, subject string) (storage.ExternalIdentity, error) {
	e, err := r.store.GetExternalIdentity(ctx, r.tenantID, providerID, subject)
	return Guard(ctx, r.store, r.log, r.tenantID, e, err)
}

func (r *Repo) CountExternalIdentitiesByProvider(ctx context.Context, providerID string) (int, error) {
	return r.store.CountExternalIdentitiesByProvider(ctx, r.tenantID, providerID)
}

func (r *Repo) CreateFlow(ctx context.Context, f storage.Flow) (storage.Flow, error) {
	f.TenantID = r.tenantID
	return r.store.CreateFlow(ctx, f)
}

func (r *Repo) GetActiveFlow(ctx context.Context, trigger storage.FlowTrigger) (storage.Flow, error) {
	f, err := r.store.GetActiveFlow(ctx, r.tenantID, trigger)
	return Guard(ctx, r.store, r.log, r.tenantID, f, err)
}

func (r *Repo) ListFlows(ctx context.Context) ([]storage.Flow, error) {
	fs, err := r.store.ListFlows(ctx, r.tenantID)
	return GuardSlice(ctx, r.store, r.log, r.tenantID, fs, err)
}

func (r *Repo) GetUIPrompt(ctx context.Context, id string) (storage.UIPrompt, error) {
	p, err := r.store.GetUIPrompt(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, p, err)
}

func (r *Repo) CreateFlowRun(ctx context.Context, run storage.FlowRun) (storage.FlowRun, error) {
	run.TenantID = r.tenantID
	return r.store.CreateFlowRun(ctx, run)
}

func (r *Repo) GetFlowRun(ctx context.Context, id string) (storage.FlowRun, error) {
	run, err := r.store.GetFlowRun(ctx, r.tenantID, id)
	return Guard(ctx, r.store, r.log, r.tenantID, run, err)
}

func (r *Repo) GetOpenFlowRun(ctx context.Context, requestRID string, trigger storage.FlowTrigger) (storage.FlowRun, error) {
	run, err := r.store.GetOpenFlowRun(ctx, r.tenantID, requestRID, trigger)
	return Guard(ctx, r.store, r.log, r.tenantID, run, err)
}

func (r *Repo) UpdateFlowRun(ctx context.Context, id string, updater func(storage.FlowRun) (storage.FlowRun, error)) (storage.FlowRun, error) {
	return r.store.UpdateFlowRun(ctx, r.tenantID, id, updater)
}

func (r *Repo) AppendFlowEvent(ctx context.Context, e storage.FlowEvent) error {
	e.TenantID = r.tenantID
	return r.store.AppendFlowEvent(ctx, e)
}

func (r *Repo) UpsertUserMetadata(ctx context.Context, m storage.UserMetadata) (storage.UserMetadata, error) {
	m.TenantID = r.tenantID
	return r.store.UpsertUserMetadata(ctx, m)
}

func (r *Repo) GetUserMetadata(ctx context.Context, userID, namespace string) (storage.UserMetadata, error) {
	m, err := r.store.GetUserMetadata(ctx, r.tenantID, userID, namespace)
	return Guard(ctx, r.store, r.log, r.tenantID, m, err)
}

func (r *Repo) AppendAudit(ctx context.Context, a storage.Audit) error {
	a.TenantID = r.tenantID
	return r.store.AppendAudit(ctx, a)
}
