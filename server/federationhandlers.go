package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/waygate/waygate/storage"
)

// handleSSOStart implements GET /sso/<type>/start?rid=…: redirect to the
// upstream provider's authorization URL. Grounded on the teacher's
// connectorloginhandlers.go handleConnectorLoginFunc, generalized from
// dex's static connector registry to the federation.Manager's per-tenant
// provider lookup.
func (s *Server) handleSSOStart(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerType := storage.IdentityProviderType(mux.Vars(r)["provider"])
	rid := r.URL.Query().Get("rid")
	if rid == "" {
		renderFailure(w, http.StatusBadRequest, "missing rid")
		return
	}
	if _, err := s.auth.GetPending(ctx, rid); err != nil {
		renderFailure(w, http.StatusBadRequest, "unknown or expired sign-in attempt")
		return
	}

	callbackURL := tc.Issuer + "/sso/" + string(providerType) + "/callback"
	authURL, err := s.federation.Start(ctx, tc.Repo, tc.Tenant.ID, rid, callbackURL, providerType)
	if err != nil {
		renderFailure(w, http.StatusBadRequest, "this sign-in provider is not available")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleSSOCallback implements GET /sso/<type>/callback?code&state, mirroring
// the magic-consume completion page once the upstream exchange succeeds.
func (s *Server) handleSSOCallback(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerType := storage.IdentityProviderType(mux.Vars(r)["provider"])
	callbackURL := tc.Issuer + "/sso/" + string(providerType) + "/callback"

	identity, upstream, err := s.federation.Callback(ctx, tc.Repo, callbackURL, r)
	if err != nil {
		renderFailure(w, http.StatusBadRequest, "sign-in with this provider failed")
		return
	}
	if upstream.TenantID != tc.Tenant.ID {
		s.logger.ErrorContext(ctx, "upstream state tenant mismatch", "tenant", tc.Tenant.Slug)
		renderFailure(w, http.StatusInternalServerError, "unable to complete sign-in")
		return
	}

	user, err := s.federation.LinkUser(ctx, tc.Repo, upstream.ProviderID, upstream.ProviderType, identity)
	if err != nil {
		renderFailure(w, http.StatusInternalServerError, "unable to link your account")
		return
	}

	pending, err := s.auth.GetPending(ctx, upstream.RID)
	if err != nil {
		renderFailure(w, http.StatusBadRequest, "this sign-in attempt has expired, please start again")
		return
	}

	redirectURL, awaitingConsent, err := s.completeAuthentication(ctx, tc, pending, user.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "complete authentication failed", "err", err, "rid", upstream.RID)
		renderFailure(w, http.StatusInternalServerError, "unable to complete sign-in")
		return
	}
	if awaitingConsent {
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = magicCompleteTmpl.Execute(w, map[string]string{"Redirect": redirectURL})
}
