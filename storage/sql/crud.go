package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/waygate/waygate/storage"
)

func (s *Store) CreateTenant(ctx context.Context, t storage.Tenant) (storage.Tenant, error) {
	if t.ID == "" {
		t.ID = storage.NewID()
	}
	t.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into tenants (id, slug, name, created_at) values ($1, $2, $3, $4)`,
		t.ID, t.Slug, t.Name, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Tenant{}, storage.ErrAlreadyExists
		}
		return storage.Tenant{}, err
	}
	return t, nil
}

func (s *Store) scanTenant(row scanner) (storage.Tenant, error) {
	var t storage.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return storage.Tenant{}, storage.ErrNotFound
	}
	return t, err
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (storage.Tenant, error) {
	return s.scanTenant(s.queryRow(ctx, `select id, slug, name, created_at from tenants where slug = $1`, slug))
}

func (s *Store) GetTenant(ctx context.Context, id string) (storage.Tenant, error) {
	return s.scanTenant(s.queryRow(ctx, `select id, slug, name, created_at from tenants where id = $1`, id))
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) (storage.User, error) {
	if u.ID == "" {
		u.ID = storage.NewID()
	}
	u.CreatedAt = s.now()
	u.UpdatedAt = u.CreatedAt
	_, err := s.exec(ctx, `insert into users (id, tenant_id, email, name, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.TenantID, u.Email, u.Name, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.User{}, storage.ErrAlreadyExists
		}
		return storage.User{}, err
	}
	return u, nil
}

func scanUser(row scanner) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.User{}, storage.ErrNotFound
	}
	return u, err
}

const userCols = `id, tenant_id, email, name, password_hash, created_at, updated_at`

func (s *Store) GetUser(ctx context.Context, tenantID, id string) (storage.User, error) {
	return scanUser(s.queryRow(ctx, `select `+userCols+` from users where id = $1 and tenant_id = $2`, id, tenantID))
}

func (s *Store) GetUserByEmail(ctx context.Context, tenantID, email string) (storage.User, error) {
	return scanUser(s.queryRow(ctx, `select `+userCols+` from users where tenant_id = $1 and email = $2`, tenantID, email))
}

func (s *Store) UpdateUser(ctx context.Context, tenantID, id string, updater func(storage.User) (storage.User, error)) (storage.User, error) {
	var out storage.User
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+userCols+` from users where id = $1 and tenant_id = $2`), id, tenantID)
		u, err := scanUser(row)
		if err != nil {
			return err
		}
		updated, err := updater(u)
		if err != nil {
			return err
		}
		updated.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, s.rebind(`update users set email=$1, name=$2, password_hash=$3, updated_at=$4 where id=$5 and tenant_id=$6`),
			updated.Email, updated.Name, updated.PasswordHash, updated.UpdatedAt, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) CreateClient(ctx context.Context, c storage.Client) (storage.Client, error) {
	if c.ID == "" {
		c.ID = storage.NewID()
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	_, err := s.exec(ctx, `insert into clients (id, tenant_id, client_id, client_secret, name, redirect_uris, grant_types, first_party, token_auth_method, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.TenantID, c.ClientID, c.ClientSecret, c.Name, jsonVal(c.RedirectURIs), jsonVal(c.GrantTypes), c.FirstParty, c.TokenAuthMethod, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Client{}, storage.ErrAlreadyExists
		}
		return storage.Client{}, err
	}
	return c, nil
}

const clientCols = `id, tenant_id, client_id, client_secret, name, redirect_uris, grant_types, first_party, token_auth_method, created_at, updated_at`

func scanClient(row scanner) (storage.Client, error) {
	var c storage.Client
	err := row.Scan(&c.ID, &c.TenantID, &c.ClientID, &c.ClientSecret, &c.Name,
		jsonScan(&c.RedirectURIs), jsonScan(&c.GrantTypes), &c.FirstParty, &c.TokenAuthMethod, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.Client{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) GetClient(ctx context.Context, tenantID, id string) (storage.Client, error) {
	return scanClient(s.queryRow(ctx, `select `+clientCols+` from clients where id=$1 and tenant_id=$2`, id, tenantID))
}

func (s *Store) GetClientByClientID(ctx context.Context, tenantID, clientID string) (storage.Client, error) {
	return scanClient(s.queryRow(ctx, `select `+clientCols+` from clients where tenant_id=$1 and client_id=$2`, tenantID, clientID))
}

func (s *Store) ListClients(ctx context.Context, tenantID string) ([]storage.Client, error) {
	rows, err := s.query(ctx, `select `+clientCols+` from clients where tenant_id=$1 order by created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateAuthCode(ctx context.Context, c storage.AuthCode) (storage.AuthCode, error) {
	c.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into auth_codes (code, tenant_id, client_db_id, client_id, user_id, redirect_uri, scope, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.Code, c.TenantID, c.ClientDBID, c.ClientID, c.UserID, c.RedirectURI, jsonVal(c.Scope), c.CreatedAt, c.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.AuthCode{}, storage.ErrAlreadyExists
		}
		return storage.AuthCode{}, err
	}
	return c, nil
}

const authCodeCols = `code, tenant_id, client_db_id, client_id, user_id, redirect_uri, scope, created_at, expires_at`

func scanAuthCode(row scanner) (storage.AuthCode, error) {
	var c storage.AuthCode
	err := row.Scan(&c.Code, &c.TenantID, &c.ClientDBID, &c.ClientID, &c.UserID, &c.RedirectURI, jsonScan(&c.Scope), &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return storage.AuthCode{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) GetAuthCode(ctx context.Context, tenantID, code string) (storage.AuthCode, error) {
	return scanAuthCode(s.queryRow(ctx, `select `+authCodeCols+` from auth_codes where code=$1 and tenant_id=$2`, code, tenantID))
}

func (s *Store) DeleteAuthCode(ctx context.Context, tenantID, code string) error {
	res, err := s.exec(ctx, `delete from auth_codes where code=$1 and tenant_id=$2`, code, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess storage.Session) (storage.Session, error) {
	if sess.ID == "" {
		sess.ID = storage.NewID()
	}
	sess.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into sessions (id, tenant_id, user_id, client_id, created_at, expires_at) values ($1,$2,$3,$4,$5,$6)`,
		sess.ID, sess.TenantID, sess.UserID, sess.ClientID, sess.CreatedAt, sess.ExpiresAt)
	return sess, err
}

const sessionCols = `id, tenant_id, user_id, client_id, created_at, expires_at`

func scanSession(row scanner) (storage.Session, error) {
	var sess storage.Session
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.ClientID, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, err
}

func (s *Store) GetSession(ctx context.Context, tenantID, id string) (storage.Session, error) {
	return scanSession(s.queryRow(ctx, `select `+sessionCols+` from sessions where id=$1 and tenant_id=$2`, id, tenantID))
}

func (s *Store) UpdateSession(ctx context.Context, tenantID, id string, updater func(storage.Session) (storage.Session, error)) (storage.Session, error) {
	var out storage.Session
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+sessionCols+` from sessions where id=$1 and tenant_id=$2`), id, tenantID)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		updated, err := updater(sess)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`update sessions set expires_at=$1 where id=$2 and tenant_id=$3`), updated.ExpiresAt, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) CreateRefreshToken(ctx context.Context, r storage.RefreshToken) (storage.RefreshToken, error) {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	r.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into refresh_tokens (id, token, tenant_id, session_id, client_id, revoked, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.Token, r.TenantID, r.SessionID, r.ClientID, r.Revoked, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.RefreshToken{}, storage.ErrAlreadyExists
		}
		return storage.RefreshToken{}, err
	}
	return r, nil
}

const refreshCols = `id, token, tenant_id, session_id, client_id, revoked, created_at, expires_at`

func scanRefresh(row scanner) (storage.RefreshToken, error) {
	var r storage.RefreshToken
	err := row.Scan(&r.ID, &r.Token, &r.TenantID, &r.SessionID, &r.ClientID, &r.Revoked, &r.CreatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return r, err
}

func (s *Store) GetRefreshTokenByToken(ctx context.Context, tenantID, token string) (storage.RefreshToken, error) {
	return scanRefresh(s.queryRow(ctx, `select `+refreshCols+` from refresh_tokens where tenant_id=$1 and token=$2`, tenantID, token))
}

func (s *Store) ListRefreshTokensBySession(ctx context.Context, tenantID, sessionID string) ([]storage.RefreshToken, error) {
	rows, err := s.query(ctx, `select `+refreshCols+` from refresh_tokens where tenant_id=$1 and session_id=$2`, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.RefreshToken
	for rows.Next() {
		r, err := scanRefresh(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRefreshToken(ctx context.Context, tenantID, id string, updater func(storage.RefreshToken) (storage.RefreshToken, error)) (storage.RefreshToken, error) {
	var out storage.RefreshToken
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+refreshCols+` from refresh_tokens where id=$1 and tenant_id=$2`), id, tenantID)
		r, err := scanRefresh(row)
		if err != nil {
			return err
		}
		updated, err := updater(r)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`update refresh_tokens set token=$1, revoked=$2, expires_at=$3 where id=$4 and tenant_id=$5`),
			updated.Token, updated.Revoked, updated.ExpiresAt, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) CreateJWKKey(ctx context.Context, k storage.JWKKey) (storage.JWKKey, error) {
	if k.ID == "" {
		k.ID = storage.NewID()
	}
	k.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into jwk_keys (id, tenant_id, kid, pub_jwk, priv_jwk_encrypted, status, not_before, not_after, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		k.ID, k.TenantID, k.Kid, string(k.PubJWK), k.PrivJWKEncrypted, string(k.Status), k.NotBefore, k.NotAfter, k.CreatedAt)
	return k, err
}

const jwkKeyCols = `id, tenant_id, kid, pub_jwk, priv_jwk_encrypted, status, not_before, not_after, created_at`

func scanJWKKey(row scanner) (storage.JWKKey, error) {
	var k storage.JWKKey
	var pubJWK string
	var status string
	err := row.Scan(&k.ID, &k.TenantID, &k.Kid, &pubJWK, &k.PrivJWKEncrypted, &status, &k.NotBefore, &k.NotAfter, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return storage.JWKKey{}, storage.ErrNotFound
	}
	k.PubJWK = []byte(pubJWK)
	k.Status = storage.KeyStatus(status)
	return k, err
}

func (s *Store) ListJWKKeys(ctx context.Context, tenantID string) ([]storage.JWKKey, error) {
	rows, err := s.query(ctx, `select `+jwkKeyCols+` from jwk_keys where tenant_id=$1 order by created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.JWKKey
	for rows.Next() {
		k, err := scanJWKKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) GetActiveJWKKey(ctx context.Context, tenantID string) (storage.JWKKey, error) {
	return scanJWKKey(s.queryRow(ctx, `select `+jwkKeyCols+` from jwk_keys where tenant_id=$1 and status=$2`, tenantID, string(storage.KeyActive)))
}

func (s *Store) UpdateJWKKey(ctx context.Context, tenantID, id string, updater func(storage.JWKKey) (storage.JWKKey, error)) (storage.JWKKey, error) {
	var out storage.JWKKey
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+jwkKeyCols+` from jwk_keys where id=$1 and tenant_id=$2`), id, tenantID)
		k, err := scanJWKKey(row)
		if err != nil {
			return err
		}
		updated, err := updater(k)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`update jwk_keys set status=$1, not_before=$2, not_after=$3 where id=$4 and tenant_id=$5`),
			string(updated.Status), updated.NotBefore, updated.NotAfter, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) UpsertConsent(ctx context.Context, c storage.Consent) (storage.Consent, error) {
	var out storage.Consent
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select id, created_at from consents where tenant_id=$1 and user_id=$2 and client_id=$3`),
			c.TenantID, c.UserID, c.ClientID)
		var id string
		var createdAt time.Time
		now := s.now()
		if err := row.Scan(&id, &createdAt); err == nil {
			c.ID, c.CreatedAt, c.UpdatedAt = id, createdAt, now
			_, err = tx.ExecContext(ctx, s.rebind(`update consents set scopes=$1, updated_at=$2 where id=$3`), jsonVal(c.Scopes), now, id)
			out = c
			return err
		} else if err != sql.ErrNoRows {
			return err
		}
		if c.ID == "" {
			c.ID = storage.NewID()
		}
		c.CreatedAt, c.UpdatedAt = now, now
		_, err := tx.ExecContext(ctx, s.rebind(`insert into consents (id, tenant_id, user_id, client_id, scopes, created_at, updated_at) values ($1,$2,$3,$4,$5,$6,$7)`),
			c.ID, c.TenantID, c.UserID, c.ClientID, jsonVal(c.Scopes), c.CreatedAt, c.UpdatedAt)
		out = c
		return err
	})
	return out, err
}

func (s *Store) GetConsent(ctx context.Context, tenantID, userID, clientID string) (storage.Consent, error) {
	var c storage.Consent
	err := s.queryRow(ctx, `select id, tenant_id, user_id, client_id, scopes, created_at, updated_at from consents where tenant_id=$1 and user_id=$2 and client_id=$3`,
		tenantID, userID, clientID).Scan(&c.ID, &c.TenantID, &c.UserID, &c.ClientID, jsonScan(&c.Scopes), &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.Consent{}, storage.ErrNotFound
	}
	return c, err
}

func (s *Store) CreateIdentityProvider(ctx context.Context, p storage.IdentityProvider) (storage.IdentityProvider, error) {
	if p.ID == "" {
		p.ID = storage.NewID()
	}
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	_, err := s.exec(ctx, `insert into identity_providers (id, tenant_id, type, client_id, client_secret_enc, issuer, scopes, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TenantID, string(p.Type), p.ClientID, p.ClientSecretEnc, p.Issuer, jsonVal(p.Scopes), string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.IdentityProvider{}, storage.ErrAlreadyExists
		}
		return storage.IdentityProvider{}, err
	}
	return p, nil
}

const idpCols = `id, tenant_id, type, client_id, client_secret_enc, issuer, scopes, status, created_at, updated_at`

func scanIdP(row scanner) (storage.IdentityProvider, error) {
	var p storage.IdentityProvider
	var typ, status string
	err := row.Scan(&p.ID, &p.TenantID, &typ, &p.ClientID, &p.ClientSecretEnc, &p.Issuer, jsonScan(&p.Scopes), &status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.IdentityProvider{}, storage.ErrNotFound
	}
	p.Type, p.Status = storage.IdentityProviderType(typ), storage.IdentityProviderStatus(status)
	return p, err
}

func (s *Store) GetIdentityProvider(ctx context.Context, tenantID, id string) (storage.IdentityProvider, error) {
	return scanIdP(s.queryRow(ctx, `select `+idpCols+` from identity_providers where id=$1 and tenant_id=$2`, id, tenantID))
}

func (s *Store) GetIdentityProviderByType(ctx context.Context, tenantID string, t storage.IdentityProviderType) (storage.IdentityProvider, error) {
	return scanIdP(s.queryRow(ctx, `select `+idpCols+` from identity_providers where tenant_id=$1 and type=$2`, tenantID, string(t)))
}

func (s *Store) ListIdentityProviders(ctx context.Context, tenantID string) ([]storage.IdentityProvider, error) {
	rows, err := s.query(ctx, `select `+idpCols+` from identity_providers where tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.IdentityProvider
	for rows.Next() {
		p, err := scanIdP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateIdentityProvider(ctx context.Context, tenantID, id string, updater func(storage.IdentityProvider) (storage.IdentityProvider, error)) (storage.IdentityProvider, error) {
	var out storage.IdentityProvider
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+idpCols+` from identity_providers where id=$1 and tenant_id=$2`), id, tenantID)
		p, err := scanIdP(row)
		if err != nil {
			return err
		}
		updated, err := updater(p)
		if err != nil {
			return err
		}
		updated.UpdatedAt = s.now()
		_, err = tx.ExecContext(ctx, s.rebind(`update identity_providers set client_id=$1, client_secret_enc=$2, issuer=$3, scopes=$4, status=$5, updated_at=$6 where id=$7 and tenant_id=$8`),
			updated.ClientID, updated.ClientSecretEnc, updated.Issuer, jsonVal(updated.Scopes), string(updated.Status), updated.UpdatedAt, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) UpsertExternalIdentity(ctx context.Context, e storage.ExternalIdentity) (storage.ExternalIdentity, error) {
	var out storage.ExternalIdentity
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select id, created_at from external_identities where provider_id=$1 and subject=$2`), e.ProviderID, e.Subject)
		var id string
		var createdAt time.Time
		if err := row.Scan(&id, &createdAt); err == nil {
			e.ID, e.CreatedAt = id, createdAt
			_, err = tx.ExecContext(ctx, s.rebind(`update external_identities set email=$1, claims=$2, last_login_at=$3 where id=$4`),
				e.Email, jsonVal(e.Claims), e.LastLoginAt, id)
			out = e
			return err
		} else if err != sql.ErrNoRows {
			return err
		}
		if e.ID == "" {
			e.ID = storage.NewID()
		}
		e.CreatedAt = s.now()
		_, err := tx.ExecContext(ctx, s.rebind(`insert into external_identities (id, tenant_id, user_id, provider_id, subject, email, claims, last_login_at, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`),
			e.ID, e.TenantID, e.UserID, e.ProviderID, e.Subject, e.Email, jsonVal(e.Claims), e.LastLoginAt, e.CreatedAt)
		out = e
		return err
	})
	return out, err
}

func (s *Store) GetExternalIdentity(ctx context.Context, tenantID, providerID, subject string) (storage.ExternalIdentity, error) {
	var e storage.ExternalIdentity
	err := s.queryRow(ctx, `select id, tenant_id, user_id, provider_id, subject, email, claims, last_login_at, created_at from external_identities where tenant_id=$1 and provider_id=$2 and subject=$3`,
		tenantID, providerID, subject).Scan(&e.ID, &e.TenantID, &e.UserID, &e.ProviderID, &e.Subject, &e.Email, jsonScan(&e.Claims), &e.LastLoginAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return storage.ExternalIdentity{}, storage.ErrNotFound
	}
	return e, err
}

func (s *Store) CountExternalIdentitiesByProvider(ctx context.Context, tenantID, providerID string) (int, error) {
	var n int
	err := s.queryRow(ctx, `select count(*) from external_identities where tenant_id=$1 and provider_id=$2`, tenantID, providerID).Scan(&n)
	return n, err
}

func (s *Store) CreateFlow(ctx context.Context, f storage.Flow) (storage.Flow, error) {
	if f.ID == "" {
		f.ID = storage.NewID()
	}
	f.CreatedAt = s.now()
	f.UpdatedAt = f.CreatedAt
	_, err := s.exec(ctx, `insert into flows (id, tenant_id, name, trigger, status, version, nodes, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		f.ID, f.TenantID, f.Name, string(f.Trigger), string(f.Status), f.Version, jsonVal(f.Nodes), f.CreatedAt, f.UpdatedAt)
	return f, err
}

func scanFlow(row scanner) (storage.Flow, error) {
	var f storage.Flow
	var trigger, status string
	err := row.Scan(&f.ID, &f.TenantID, &f.Name, &trigger, &status, &f.Version, jsonScan(&f.Nodes), &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.Flow{}, storage.ErrNotFound
	}
	f.Trigger, f.Status = storage.FlowTrigger(trigger), storage.FlowStatus(status)
	return f, err
}

const flowCols = `id, tenant_id, name, trigger, status, version, nodes, created_at, updated_at`

func (s *Store) GetActiveFlow(ctx context.Context, tenantID string, trigger storage.FlowTrigger) (storage.Flow, error) {
	return scanFlow(s.queryRow(ctx, `select `+flowCols+` from flows where tenant_id=$1 and trigger=$2 and status=$3 order by version desc limit 1`,
		tenantID, string(trigger), string(storage.FlowEnabled)))
}

func (s *Store) ListFlows(ctx context.Context, tenantID string) ([]storage.Flow, error) {
	rows, err := s.query(ctx, `select `+flowCols+` from flows where tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) GetUIPrompt(ctx context.Context, tenantID, id string) (storage.UIPrompt, error) {
	var p storage.UIPrompt
	err := s.queryRow(ctx, `select id, tenant_id, title, description, schema, timeout_sec from ui_prompts where id=$1 and tenant_id=$2`, id, tenantID).
		Scan(&p.ID, &p.TenantID, &p.Title, &p.Description, jsonScan(&p.Schema), &p.TimeoutSec)
	if err == sql.ErrNoRows {
		return storage.UIPrompt{}, storage.ErrNotFound
	}
	return p, err
}

func (s *Store) CreateFlowRun(ctx context.Context, r storage.FlowRun) (storage.FlowRun, error) {
	if r.ID == "" {
		r.ID = storage.NewID()
	}
	r.StartedAt = s.now()
	var out storage.FlowRun
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		var existing int
		err := tx.QueryRowContext(ctx, s.rebind(`select count(*) from flow_runs where tenant_id=$1 and request_rid=$2 and trigger=$3 and status in ($4,$5)`),
			r.TenantID, r.RequestRID, string(r.Trigger), string(storage.FlowRunRunning), string(storage.FlowRunInterrupted)).Scan(&existing)
		if err != nil {
			return err
		}
		if existing > 0 {
			return storage.ErrAlreadyExists
		}
		_, err = tx.ExecContext(ctx, s.rebind(`insert into flow_runs (id, tenant_id, flow_id, user_id, request_rid, trigger, context, status, current_node_id, started_at, last_error)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`),
			r.ID, r.TenantID, r.FlowID, r.UserID, r.RequestRID, string(r.Trigger), jsonVal(r.Context), string(r.Status), r.CurrentNodeID, r.StartedAt, r.LastError)
		out = r
		return err
	})
	return out, err
}

const flowRunCols = `id, tenant_id, flow_id, user_id, request_rid, trigger, context, status, current_node_id, started_at, finished_at, last_error`

func scanFlowRun(row scanner) (storage.FlowRun, error) {
	var r storage.FlowRun
	var trigger, status string
	var finishedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TenantID, &r.FlowID, &r.UserID, &r.RequestRID, &trigger, jsonScan(&r.Context), &status, &r.CurrentNodeID, &r.StartedAt, &finishedAt, &r.LastError)
	if err == sql.ErrNoRows {
		return storage.FlowRun{}, storage.ErrNotFound
	}
	r.Trigger, r.Status = storage.FlowTrigger(trigger), storage.FlowRunStatus(status)
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}
	return r, err
}

func (s *Store) GetFlowRun(ctx context.Context, tenantID, id string) (storage.FlowRun, error) {
	return scanFlowRun(s.queryRow(ctx, `select `+flowRunCols+` from flow_runs where id=$1 and tenant_id=$2`, id, tenantID))
}

func (s *Store) GetOpenFlowRun(ctx context.Context, tenantID, requestRID string, trigger storage.FlowTrigger) (storage.FlowRun, error) {
	return scanFlowRun(s.queryRow(ctx, `select `+flowRunCols+` from flow_runs where tenant_id=$1 and request_rid=$2 and trigger=$3 and status in ($4,$5)`,
		tenantID, requestRID, string(trigger), string(storage.FlowRunRunning), string(storage.FlowRunInterrupted)))
}

func (s *Store) UpdateFlowRun(ctx context.Context, tenantID, id string, updater func(storage.FlowRun) (storage.FlowRun, error)) (storage.FlowRun, error) {
	var out storage.FlowRun
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`select `+flowRunCols+` from flow_runs where id=$1 and tenant_id=$2`), id, tenantID)
		r, err := scanFlowRun(row)
		if err != nil {
			return err
		}
		updated, err := updater(r)
		if err != nil {
			return err
		}
		var finishedAt any
		if !updated.FinishedAt.IsZero() {
			finishedAt = updated.FinishedAt
		}
		_, err = tx.ExecContext(ctx, s.rebind(`update flow_runs set context=$1, status=$2, current_node_id=$3, finished_at=$4, last_error=$5 where id=$6 and tenant_id=$7`),
			jsonVal(updated.Context), string(updated.Status), updated.CurrentNodeID, finishedAt, updated.LastError, id, tenantID)
		out = updated
		return err
	})
	return out, err
}

func (s *Store) AppendFlowEvent(ctx context.Context, e storage.FlowEvent) error {
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	e.Timestamp = s.now()
	_, err := s.exec(ctx, `insert into flow_events (id, tenant_id, flow_run_id, node_id, type, timestamp, metadata) values ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.TenantID, e.FlowRunID, e.NodeID, string(e.Type), e.Timestamp, jsonVal(e.Metadata))
	return err
}

func (s *Store) UpsertUserMetadata(ctx context.Context, m storage.UserMetadata) (storage.UserMetadata, error) {
	m.UpdatedAt = s.now()
	_, err := s.exec(ctx, s.upsertMetadataQuery(),
		m.TenantID, m.UserID, m.Namespace, jsonVal(m.Data), m.UpdatedAt)
	return m, err
}

func (s *Store) upsertMetadataQuery() string {
	if s.flavor == "sqlite3" {
		return `insert into user_metadata (tenant_id, user_id, namespace, data, updated_at) values ($1,$2,$3,$4,$5)
			on conflict(tenant_id, user_id, namespace) do update set data=excluded.data, updated_at=excluded.updated_at`
	}
	return `insert into user_metadata (tenant_id, user_id, namespace, data, updated_at) values ($1,$2,$3,$4,$5)
		on conflict (tenant_id, user_id, namespace) do update set data=excluded.data, updated_at=excluded.updated_at`
}

func (s *Store) GetUserMetadata(ctx context.Context, tenantID, userID, namespace string) (storage.UserMetadata, error) {
	var m storage.UserMetadata
	err := s.queryRow(ctx, `select tenant_id, user_id, namespace, data, updated_at from user_metadata where tenant_id=$1 and user_id=$2 and namespace=$3`,
		tenantID, userID, namespace).Scan(&m.TenantID, &m.UserID, &m.Namespace, jsonScan(&m.Data), &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return storage.UserMetadata{}, storage.ErrNotFound
	}
	return m, err
}

func (s *Store) AppendAudit(ctx context.Context, a storage.Audit) error {
	a.CreatedAt = s.now()
	_, err := s.exec(ctx, `insert into audits (tenant_id, user_id, action, ip, user_agent, created_at) values ($1,$2,$3,$4,$5,$6)`,
		a.TenantID, a.UserID, a.Action, a.IP, a.UserAgent, a.CreatedAt)
	return err
}

func (s *Store) GarbageCollect(ctx context.Context) error {
	now := s.now()
	if _, err := s.exec(ctx, `delete from auth_codes where expires_at < $1`, now); err != nil {
		return fmt.Errorf("gc auth_codes: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
