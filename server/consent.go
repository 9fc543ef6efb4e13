package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/waygate/waygate/storage"
)

// handleConsent implements POST /oauth/consent (form: rid, deny?), completing
// or denying a pending request that required explicit consent. Grounded on
// the teacher's approvalhandlers.go handleApproval's GET/POST allow-or-deny
// branch, generalized from dex's HMAC-signed approval token to the
// authsession PendingAuthRequest the rest of this ceremony already uses.
func (s *Server) handleConsent(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	rid := r.FormValue("rid")
	if rid == "" {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "missing rid")
		return
	}
	pending, err := s.auth.GetPending(ctx, rid)
	if err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "unknown or expired rid")
		return
	}
	if pending.UserID == "" {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "no authenticated user for this rid")
		return
	}

	if r.FormValue("deny") != "" {
		redirectURL := buildRedirectErrorURL(pending.RedirectURI, pending.State, "access_denied")
		_ = tc.Repo.AppendAudit(ctx, storage.Audit{UserID: pending.UserID, Action: "consent.denied", CreatedAt: time.Now()})
		writeJSON(w, http.StatusOK, map[string]string{"redirect": redirectURL})
		return
	}

	client, err := tc.Repo.GetClient(ctx, pending.ClientDBID)
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if _, err := tc.Repo.UpsertConsent(ctx, storage.Consent{
		UserID:   pending.UserID,
		ClientID: client.ClientID,
		Scopes:   pending.Scope,
	}); err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	redirectURL, _, err := s.issueCodeAndPublish(ctx, tc, pending, client)
	if err != nil {
		s.logger.ErrorContext(ctx, "issue code after consent failed", "err", err, "rid", rid)
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": redirectURL})
}

func buildRedirectErrorURL(redirectURI, state, code string) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	u := redirectURI + sep + "error=" + code
	if state != "" {
		u += "&state=" + state
	}
	return u
}
