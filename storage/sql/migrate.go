package sql

var schema = []string{
	`create table if not exists tenants (
		id text primary key,
		slug text not null unique,
		name text not null,
		created_at timestamp not null
	)`,
	`create table if not exists users (
		id text primary key,
		tenant_id text not null,
		email text not null,
		name text not null default '',
		password_hash text not null default '',
		created_at timestamp not null,
		updated_at timestamp not null,
		unique(tenant_id, email)
	)`,
	`create table if not exists clients (
		id text primary key,
		tenant_id text not null,
		client_id text not null,
		client_secret text not null default '',
		name text not null default '',
		redirect_uris text not null default '[]',
		grant_types text not null default '[]',
		first_party boolean not null default false,
		token_auth_method text not null default '',
		created_at timestamp not null,
		updated_at timestamp not null,
		unique(tenant_id, client_id)
	)`,
	`create table if not exists auth_codes (
		code text primary key,
		tenant_id text not null,
		client_db_id text not null,
		client_id text not null,
		user_id text not null,
		redirect_uri text not null,
		scope text not null default '[]',
		created_at timestamp not null,
		expires_at timestamp not null
	)`,
	`create table if not exists sessions (
		id text primary key,
		tenant_id text not null,
		user_id text not null,
		client_id text not null,
		created_at timestamp not null,
		expires_at timestamp not null
	)`,
	`create table if not exists refresh_tokens (
		id text primary key,
		token text not null,
		tenant_id text not null,
		session_id text not null,
		client_id text not null,
		revoked boolean not null default false,
		created_at timestamp not null,
		expires_at timestamp not null,
		unique(tenant_id, token)
	)`,
	`create table if not exists jwk_keys (
		id text primary key,
		tenant_id text not null,
		kid text not null,
		pub_jwk text not null,
		priv_jwk_encrypted text not null,
		status text not null,
		not_before timestamp not null,
		not_after timestamp not null,
		created_at timestamp not null
	)`,
	`create table if not exists consents (
		id text primary key,
		tenant_id text not null,
		user_id text not null,
		client_id text not null,
		scopes text not null default '[]',
		created_at timestamp not null,
		updated_at timestamp not null,
		unique(tenant_id, user_id, client_id)
	)`,
	`create table if not exists identity_providers (
		id text primary key,
		tenant_id text not null,
		type text not null,
		client_id text not null default '',
		client_secret_enc text not null default '',
		issuer text not null default '',
		scopes text not null default '[]',
		status text not null,
		created_at timestamp not null,
		updated_at timestamp not null,
		unique(tenant_id, type)
	)`,
	`create table if not exists external_identities (
		id text primary key,
		tenant_id text not null,
		user_id text not null,
		provider_id text not null,
		subject text not null,
		email text not null default '',
		claims text not null default '{}',
		last_login_at timestamp not null,
		created_at timestamp not null,
		unique(provider_id, subject)
	)`,
	`create table if not exists flows (
		id text primary key,
		tenant_id text not null,
		name text not null,
		trigger text not null,
		status text not null,
		version integer not null,
		nodes text not null default '[]',
		created_at timestamp not null,
		updated_at timestamp not null
	)`,
	`create table if not exists ui_prompts (
		id text primary key,
		tenant_id text not null,
		title text not null,
		description text not null default '',
		schema text not null default '[]',
		timeout_sec integer not null default 0
	)`,
	`create table if not exists flow_runs (
		id text primary key,
		tenant_id text not null,
		flow_id text not null,
		user_id text not null default '',
		request_rid text not null,
		trigger text not null,
		context text not null default '{}',
		status text not null,
		current_node_id text not null default '',
		started_at timestamp not null,
		finished_at timestamp,
		last_error text not null default ''
	)`,
	`create table if not exists flow_events (
		id text primary key,
		tenant_id text not null,
		flow_run_id text not null,
		node_id text not null,
		type text not null,
		timestamp timestamp not null,
		metadata text not null default '{}'
	)`,
	`create table if not exists user_metadata (
		tenant_id text not null,
		user_id text not null,
		namespace text not null,
		data text not null default '{}',
		updated_at timestamp not null,
		primary key (tenant_id, user_id, namespace)
	)`,
}

const auditsTablePostgres = `create table if not exists audits (
	id bigserial primary key,
	tenant_id text not null,
	user_id text not null default '',
	action text not null,
	ip text not null default '',
	user_agent text not null default '',
	created_at timestamp not null
)`

const auditsTableSQLite = `create table if not exists audits (
	id integer primary key autoincrement,
	tenant_id text not null,
	user_id text not null default '',
	action text not null,
	ip text not null default '',
	user_agent text not null default '',
	created_at timestamp not null
)`

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	auditsTable := auditsTablePostgres
	if s.flavor == "sqlite3" {
		auditsTable = auditsTableSQLite
	}
	_, err := s.db.Exec(auditsTable)
	return err
}
