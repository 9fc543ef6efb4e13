package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/waygate/waygate/jwks"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/tenant"
)

// tenantContext carries everything a tenant-rooted handler needs, resolved
// once per request by withTenant. It is adapted from the teacher's
// connector-lookup-per-request pattern in server/server.go's getConnector,
// generalized from "one connector" to "one tenant's whole repo+keyset".
type tenantContext struct {
	Tenant storage.Tenant
	Repo   *tenant.Repo
	JWKS   *jwks.Manager
	Issuer string
}

type tenantHandlerFunc func(tc *tenantContext, w http.ResponseWriter, r *http.Request)

// withTenant resolves the {tenant} path variable to a storage.Tenant,
// builds a tenant-scoped repo and JWKS manager, lazily provisions the
// tenant's first signing key if it has none yet, and calls h. An unknown
// tenant slug renders a generic not-found page rather than a tenant-specific
// error, matching spec.md §7's "the attempted tenant is not leaked" rule.
func (s *Server) withTenant(h tenantHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := mux.Vars(r)["tenant"]
		t, err := s.resolver.ResolveBySlug(r.Context(), slug)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		repo := tenant.NewRepo(s.storage, t.ID, s.logger)
		keys := jwks.New(repo, s.masterKey, s.logger)
		if err := keys.EnsureActive(r.Context()); err != nil {
			s.logger.ErrorContext(r.Context(), "ensure active jwks key failed", "err", err, "tenant", t.Slug)
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		tc := &tenantContext{
			Tenant: t,
			Repo:   repo,
			JWKS:   keys,
			Issuer: canonicalIssuer(s.issuerBase, t.Slug),
		}
		h(tc, w, r)
	}
}

// writeJSON marshals v as the response body, grounded on the teacher's
// server/error.go writeAPIError's Content-Type+status+encode sequence.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type oidcErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOIDCError writes an OIDC-shaped {error,error_description} JSON body,
// grounded on the teacher's server/error.go writeAPIError/writeTokenError.
func writeOIDCError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oidcErrorBody{Error: code, ErrorDescription: description})
}

// renderFailure writes a minimal, safe-by-default HTML error page for
// browser-facing endpoints (authorize, magic consume, SSO callback), per
// spec.md §7's "user-facing Failed HTML" requirement. It intentionally
// never echoes server-side detail into the page body.
func renderFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>Sign-in failed</title></head><body><h1>Sign-in failed</h1><p>" + htmlEscape(message) + "</p></body></html>"))
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&#34;")
	return s
}
