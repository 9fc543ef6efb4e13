// Package memory provides an in-process implementation of storage.Storage,
// used for local development and tests. It has no
// durability across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waygate/waygate/storage"
)

var _ storage.Storage = (*Store)(nil)

// Store is an in-memory storage.Storage.
type Store struct {
	mu sync.Mutex

	tenants          map[string]storage.Tenant
	tenantsBySlug    map[string]string
	users            map[string]storage.User
	clients          map[string]storage.Client
	authCodes        map[string]storage.AuthCode
	sessions         map[string]storage.Session
	refreshTokens    map[string]storage.RefreshToken
	jwkKeys          map[string]storage.JWKKey
	consents         map[string]storage.Consent
	idps             map[string]storage.IdentityProvider
	externalIdents   map[string]storage.ExternalIdentity
	flows            map[string]storage.Flow
	uiPrompts        map[string]storage.UIPrompt
	flowRuns         map[string]storage.FlowRun
	flowEvents       []storage.FlowEvent
	userMetadata     map[string]storage.UserMetadata
	audits           []storage.Audit
	nextAuditID      int64

	now func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:        make(map[string]storage.Tenant),
		tenantsBySlug:  make(map[string]string),
		users:          make(map[string]storage.User),
		clients:        make(map[string]storage.Client),
		authCodes:      make(map[string]storage.AuthCode),
		sessions:       make(map[string]storage.Session),
		refreshTokens:  make(map[string]storage.RefreshToken),
		jwkKeys:        make(map[string]storage.JWKKey),
		consents:       make(map[string]storage.Consent),
		idps:           make(map[string]storage.IdentityProvider),
		externalIdents: make(map[string]storage.ExternalIdentity),
		flows:          make(map[string]storage.Flow),
		uiPrompts:      make(map[string]storage.UIPrompt),
		flowRuns:       make(map[string]storage.FlowRun),
		userMetadata:   make(map[string]storage.UserMetadata),
		now:            time.Now,
	}
}

func (s *Store) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) Close() error { return nil }

func newID() string { return uuid.NewString() }

func (s *Store) CreateTenant(ctx context.Context, t storage.Tenant) (out storage.Tenant, err error) {
	s.tx(func() {
		if _, ok := s.tenantsBySlug[t.Slug]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		if t.ID == "" {
			t.ID = newID()
		}
		t.CreatedAt = s.now()
		s.tenants[t.ID] = t
		s.tenantsBySlug[t.Slug] = t.ID
		out = t
	})
	return out, err
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (out storage.Tenant, err error) {
	s.tx(func() {
		id, ok := s.tenantsBySlug[slug]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = s.tenants[id]
	})
	return out, err
}

func (s *Store) GetTenant(ctx context.Context, id string) (out storage.Tenant, err error) {
	s.tx(func() {
		t, ok := s.tenants[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = t
	})
	return out, err
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) (out storage.User, err error) {
	s.tx(func() {
		for _, existing := range s.users {
			if existing.TenantID == u.TenantID && existing.Email == u.Email {
				err = storage.ErrAlreadyExists
				return
			}
		}
		if u.ID == "" {
			u.ID = newID()
		}
		u.CreatedAt = s.now()
		u.UpdatedAt = u.CreatedAt
		s.users[u.ID] = u
		out = u
	})
	return out, err
}

func (s *Store) GetUser(ctx context.Context, tenantID, id string) (out storage.User, err error) {
	s.tx(func() {
		u, ok := s.users[id]
		if !ok || u.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = u
	})
	return out, err
}

func (s *Store) GetUserByEmail(ctx context.Context, tenantID, email string) (out storage.User, err error) {
	s.tx(func() {
		for _, u := range s.users {
			if u.TenantID == tenantID && u.Email == email {
				out = u
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) UpdateUser(ctx context.Context, tenantID, id string, updater func(storage.User) (storage.User, error)) (out storage.User, err error) {
	s.tx(func() {
		u, ok := s.users[id]
		if !ok || u.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(u)
		if uerr != nil {
			err = uerr
			return
		}
		updated.UpdatedAt = s.now()
		s.users[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) CreateClient(ctx context.Context, c storage.Client) (out storage.Client, err error) {
	s.tx(func() {
		for _, existing := range s.clients {
			if existing.TenantID == c.TenantID && existing.ClientID == c.ClientID {
				err = storage.ErrAlreadyExists
				return
			}
		}
		if c.ID == "" {
			c.ID = newID()
		}
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
		s.clients[c.ID] = c
		out = c
	})
	return out, err
}

func (s *Store) GetClient(ctx context.Context, tenantID, id string) (out storage.Client, err error) {
	s.tx(func() {
		c, ok := s.clients[id]
		if !ok || c.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = c
	})
	return out, err
}

func (s *Store) GetClientByClientID(ctx context.Context, tenantID, clientID string) (out storage.Client, err error) {
	s.tx(func() {
		for _, c := range s.clients {
			if c.TenantID == tenantID && c.ClientID == clientID {
				out = c
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) ListClients(ctx context.Context, tenantID string) (out []storage.Client, err error) {
	s.tx(func() {
		for _, c := range s.clients {
			if c.TenantID == tenantID {
				out = append(out, c)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateAuthCode(ctx context.Context, c storage.AuthCode) (out storage.AuthCode, err error) {
	s.tx(func() {
		if _, ok := s.authCodes[c.Code]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		c.CreatedAt = s.now()
		s.authCodes[c.Code] = c
		out = c
	})
	return out, err
}

func (s *Store) GetAuthCode(ctx context.Context, tenantID, code string) (out storage.AuthCode, err error) {
	s.tx(func() {
		c, ok := s.authCodes[code]
		if !ok || c.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = c
	})
	return out, err
}

func (s *Store) DeleteAuthCode(ctx context.Context, tenantID, code string) (err error) {
	s.tx(func() {
		c, ok := s.authCodes[code]
		if !ok || c.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		delete(s.authCodes, code)
	})
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) (out storage.Session, err error) {
	s.tx(func() {
		if sess.ID == "" {
			sess.ID = newID()
		}
		sess.CreatedAt = s.now()
		s.sessions[sess.ID] = sess
		out = sess
	})
	return out, err
}

func (s *Store) GetSession(ctx context.Context, tenantID, id string) (out storage.Session, err error) {
	s.tx(func() {
		sess, ok := s.sessions[id]
		if !ok || sess.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = sess
	})
	return out, err
}

func (s *Store) UpdateSession(ctx context.Context, tenantID, id string, updater func(storage.Session) (storage.Session, error)) (out storage.Session, err error) {
	s.tx(func() {
		sess, ok := s.sessions[id]
		if !ok || sess.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(sess)
		if uerr != nil {
			err = uerr
			return
		}
		s.sessions[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) CreateRefreshToken(ctx context.Context, r storage.RefreshToken) (out storage.RefreshToken, err error) {
	s.tx(func() {
		if r.ID == "" {
			r.ID = newID()
		}
		r.CreatedAt = s.now()
		s.refreshTokens[r.ID] = r
		out = r
	})
	return out, err
}

func (s *Store) GetRefreshTokenByToken(ctx context.Context, tenantID, token string) (out storage.RefreshToken, err error) {
	s.tx(func() {
		for _, r := range s.refreshTokens {
			if r.TenantID == tenantID && r.Token == token {
				out = r
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) ListRefreshTokensBySession(ctx context.Context, tenantID, sessionID string) (out []storage.RefreshToken, err error) {
	s.tx(func() {
		for _, r := range s.refreshTokens {
			if r.TenantID == tenantID && r.SessionID == sessionID {
				out = append(out, r)
			}
		}
	})
	return out, nil
}

func (s *Store) UpdateRefreshToken(ctx context.Context, tenantID, id string, updater func(storage.RefreshToken) (storage.RefreshToken, error)) (out storage.RefreshToken, err error) {
	s.tx(func() {
		r, ok := s.refreshTokens[id]
		if !ok || r.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(r)
		if uerr != nil {
			err = uerr
			return
		}
		s.refreshTokens[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) CreateJWKKey(ctx context.Context, k storage.JWKKey) (out storage.JWKKey, err error) {
	s.tx(func() {
		if k.ID == "" {
			k.ID = newID()
		}
		k.CreatedAt = s.now()
		s.jwkKeys[k.ID] = k
		out = k
	})
	return out, err
}

func (s *Store) ListJWKKeys(ctx context.Context, tenantID string) (out []storage.JWKKey, err error) {
	s.tx(func() {
		for _, k := range s.jwkKeys {
			if k.TenantID == tenantID {
				out = append(out, k)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetActiveJWKKey(ctx context.Context, tenantID string) (out storage.JWKKey, err error) {
	s.tx(func() {
		for _, k := range s.jwkKeys {
			if k.TenantID == tenantID && k.Status == storage.KeyActive {
				out = k
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) UpdateJWKKey(ctx context.Context, tenantID, id string, updater func(storage.JWKKey) (storage.JWKKey, error)) (out storage.JWKKey, err error) {
	s.tx(func() {
		k, ok := s.jwkKeys[id]
		if !ok || k.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(k)
		if uerr != nil {
			err = uerr
			return
		}
		s.jwkKeys[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) UpsertConsent(ctx context.Context, c storage.Consent) (out storage.Consent, err error) {
	s.tx(func() {
		for id, existing := range s.consents {
			if existing.TenantID == c.TenantID && existing.UserID == c.UserID && existing.ClientID == c.ClientID {
				c.ID = id
				c.CreatedAt = existing.CreatedAt
				c.UpdatedAt = s.now()
				s.consents[id] = c
				out = c
				return
			}
		}
		if c.ID == "" {
			c.ID = newID()
		}
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
		s.consents[c.ID] = c
		out = c
	})
	return out, err
}

func (s *Store) GetConsent(ctx context.Context, tenantID, userID, clientID string) (out storage.Consent, err error) {
	s.tx(func() {
		for _, c := range s.consents {
			if c.TenantID == tenantID && c.UserID == userID && c.ClientID == clientID {
				out = c
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) CreateIdentityProvider(ctx context.Context, p storage.IdentityProvider) (out storage.IdentityProvider, err error) {
	s.tx(func() {
		for _, existing := range s.idps {
			if existing.TenantID == p.TenantID && existing.Type == p.Type {
				err = storage.ErrAlreadyExists
				return
			}
		}
		if p.ID == "" {
			p.ID = newID()
		}
		p.CreatedAt = s.now()
		p.UpdatedAt = p.CreatedAt
		s.idps[p.ID] = p
		out = p
	})
	return out, err
}

func (s *Store) GetIdentityProvider(ctx context.Context, tenantID, id string) (out storage.IdentityProvider, err error) {
	s.tx(func() {
		p, ok := s.idps[id]
		if !ok || p.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = p
	})
	return out, err
}

func (s *Store) GetIdentityProviderByType(ctx context.Context, tenantID string, t storage.IdentityProviderType) (out storage.IdentityProvider, err error) {
	s.tx(func() {
		for _, p := range s.idps {
			if p.TenantID == tenantID && p.Type == t {
				out = p
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) ListIdentityProviders(ctx context.Context, tenantID string) (out []storage.IdentityProvider, err error) {
	s.tx(func() {
		for _, p := range s.idps {
			if p.TenantID == tenantID {
				out = append(out, p)
			}
		}
	})
	return out, nil
}

func (s *Store) UpdateIdentityProvider(ctx context.Context, tenantID, id string, updater func(storage.IdentityProvider) (storage.IdentityProvider, error)) (out storage.IdentityProvider, err error) {
	s.tx(func() {
		p, ok := s.idps[id]
		if !ok || p.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(p)
		if uerr != nil {
			err = uerr
			return
		}
		updated.UpdatedAt = s.now()
		s.idps[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) UpsertExternalIdentity(ctx context.Context, e storage.ExternalIdentity) (out storage.ExternalIdentity, err error) {
	s.tx(func() {
		for id, existing := range s.externalIdents {
			if existing.TenantID == e.TenantID && existing.ProviderID == e.ProviderID && existing.Subject == e.Subject {
				e.ID = id
				e.CreatedAt = existing.CreatedAt
				s.externalIdents[id] = e
				out = e
				return
			}
		}
		if e.ID == "" {
			e.ID = newID()
		}
		e.CreatedAt = s.now()
		s.externalIdents[e.ID] = e
		out = e
	})
	return out, err
}

func (s *Store) GetExternalIdentity(ctx context.Context, tenantID, providerID, subject string) (out storage.ExternalIdentity, err error) {
	s.tx(func() {
		for _, e := range s.externalIdents {
			if e.TenantID == tenantID && e.ProviderID == providerID && e.Subject == subject {
				out = e
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) CountExternalIdentitiesByProvider(ctx context.Context, tenantID, providerID string) (count int, err error) {
	s.tx(func() {
		for _, e := range s.externalIdents {
			if e.TenantID == tenantID && e.ProviderID == providerID {
				count++
			}
		}
	})
	return count, nil
}

func (s *Store) CreateFlow(ctx context.Context, f storage.Flow) (out storage.Flow, err error) {
	s.tx(func() {
		if f.ID == "" {
			f.ID = newID()
		}
		f.CreatedAt = s.now()
		f.UpdatedAt = f.CreatedAt
		s.flows[f.ID] = f
		out = f
	})
	return out, err
}

func (s *Store) GetActiveFlow(ctx context.Context, tenantID string, trigger storage.FlowTrigger) (out storage.Flow, err error) {
	s.tx(func() {
		found := false
		for _, f := range s.flows {
			if f.TenantID != tenantID || f.Trigger != trigger || f.Status != storage.FlowEnabled {
				continue
			}
			if !found || f.Version > out.Version {
				out = f
				found = true
			}
		}
		if !found {
			err = storage.ErrNotFound
		}
	})
	return out, err
}

func (s *Store) ListFlows(ctx context.Context, tenantID string) (out []storage.Flow, err error) {
	s.tx(func() {
		for _, f := range s.flows {
			if f.TenantID == tenantID {
				out = append(out, f)
			}
		}
	})
	return out, nil
}

func (s *Store) GetUIPrompt(ctx context.Context, tenantID, id string) (out storage.UIPrompt, err error) {
	s.tx(func() {
		p, ok := s.uiPrompts[id]
		if !ok || p.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = p
	})
	return out, err
}

// PutUIPrompt is a test/seed helper; UIPrompts are otherwise admin-managed
// and out of the core's write path.
func (s *Store) PutUIPrompt(p storage.UIPrompt) {
	s.tx(func() {
		if p.ID == "" {
			p.ID = newID()
		}
		s.uiPrompts[p.ID] = p
	})
}

func (s *Store) CreateFlowRun(ctx context.Context, r storage.FlowRun) (out storage.FlowRun, err error) {
	s.tx(func() {
		for _, existing := range s.flowRuns {
			if existing.TenantID == r.TenantID && existing.RequestRID == r.RequestRID &&
				existing.Trigger == r.Trigger && existing.Status == storage.FlowRunRunning {
				err = storage.ErrAlreadyExists
				return
			}
		}
		if r.ID == "" {
			r.ID = newID()
		}
		r.StartedAt = s.now()
		s.flowRuns[r.ID] = r
		out = r
	})
	return out, err
}

func (s *Store) GetFlowRun(ctx context.Context, tenantID, id string) (out storage.FlowRun, err error) {
	s.tx(func() {
		r, ok := s.flowRuns[id]
		if !ok || r.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		out = r
	})
	return out, err
}

func (s *Store) GetOpenFlowRun(ctx context.Context, tenantID, requestRID string, trigger storage.FlowTrigger) (out storage.FlowRun, err error) {
	s.tx(func() {
		for _, r := range s.flowRuns {
			if r.TenantID == tenantID && r.RequestRID == requestRID && r.Trigger == trigger &&
				(r.Status == storage.FlowRunRunning || r.Status == storage.FlowRunInterrupted) {
				out = r
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *Store) UpdateFlowRun(ctx context.Context, tenantID, id string, updater func(storage.FlowRun) (storage.FlowRun, error)) (out storage.FlowRun, err error) {
	s.tx(func() {
		r, ok := s.flowRuns[id]
		if !ok || r.TenantID != tenantID {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(r)
		if uerr != nil {
			err = uerr
			return
		}
		s.flowRuns[id] = updated
		out = updated
	})
	return out, err
}

func (s *Store) AppendFlowEvent(ctx context.Context, e storage.FlowEvent) (err error) {
	s.tx(func() {
		if e.ID == "" {
			e.ID = newID()
		}
		e.Timestamp = s.now()
		s.flowEvents = append(s.flowEvents, e)
	})
	return err
}

func (s *Store) UpsertUserMetadata(ctx context.Context, m storage.UserMetadata) (out storage.UserMetadata, err error) {
	s.tx(func() {
		key := m.TenantID + "/" + m.UserID + "/" + m.Namespace
		m.UpdatedAt = s.now()
		s.userMetadata[key] = m
		out = m
	})
	return out, err
}

func (s *Store) GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (out storage.UserMetadata, err error) {
	s.tx(func() {
		key := tenantID + "/" + userID + "/" + namespace
		m, ok := s.userMetadata[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = m
	})
	return out, err
}

func (s *Store) AppendAudit(ctx context.Context, a storage.Audit) (err error) {
	s.tx(func() {
		s.nextAuditID++
		a.ID = s.nextAuditID
		a.CreatedAt = s.now()
		s.audits = append(s.audits, a)
	})
	return err
}

func (s *Store) GarbageCollect(ctx context.Context) (err error) {
	s.tx(func() {
		now := s.now()
		for code, c := range s.authCodes {
			if now.After(c.ExpiresAt) {
				delete(s.authCodes, code)
			}
		}
	})
	return err
}
