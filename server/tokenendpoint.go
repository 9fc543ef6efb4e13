package server

import (
	"net/http"

	"github.com/waygate/waygate/ratelimit"
	"github.com/waygate/waygate/token"
)

// handleToken implements POST /oauth/token, dispatching to the token
// package's grant algorithms after client authentication and rate limiting.
// Grounded on the teacher's tokenhandlers.go handleTokenFunc, generalized
// from dex's connector-password/device grants to authorization_code and
// refresh_token against a per-tenant token.Service.
func (s *Server) handleToken(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	ip := clientIPFromRequest(r)
	ipLimit := s.overrides.Resolve(tc.Tenant.Slug+":token_per_ip", ratelimit.TokenPerIP)
	allowed, err := s.limiter.Allow(ctx, "token:ip:"+ip, ipLimit)
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if !allowed {
		writeOIDCError(w, http.StatusTooManyRequests, "rate_limited", "too many token requests from this IP")
		return
	}

	clientID, clientSecret, provided := clientCredentials(r)
	if clientID == "" {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	clientLimit := s.overrides.Resolve(tc.Tenant.Slug+":"+clientID+":token_per_client", ratelimit.TokenPerClient)
	allowed, err = s.limiter.Allow(ctx, "token:client:"+tc.Tenant.ID+":"+clientID, clientLimit)
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if !allowed {
		writeOIDCError(w, http.StatusTooManyRequests, "rate_limited", "too many token requests for this client")
		return
	}

	client, err := s.tokenSvc.AuthenticateClient(ctx, tc.Repo, clientID, clientSecret, provided)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	var resp token.Response
	switch r.FormValue("grant_type") {
	case "authorization_code":
		resp, err = s.tokenSvc.ExchangeAuthorizationCode(ctx, tc.Repo, tc.JWKS, tc.Issuer, client, token.AuthorizationCodeGrant{
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
	case "refresh_token":
		resp, err = s.tokenSvc.Refresh(ctx, tc.Repo, tc.JWKS, tc.Issuer, client, token.RefreshTokenGrant{
			RefreshToken: r.FormValue("refresh_token"),
		})
	default:
		writeOIDCError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientCredentials extracts client_id/client_secret from HTTP Basic auth
// or the form body, per spec.md §4.2. provided reports whether any secret
// was supplied at all, distinguishing "confidential client omitted its
// secret" from "public client has none to give".
func clientCredentials(r *http.Request) (clientID, clientSecret string, provided bool) {
	if user, pass, ok := r.BasicAuth(); ok {
		return user, pass, true
	}
	clientID = r.FormValue("client_id")
	clientSecret = r.FormValue("client_secret")
	_, provided = r.PostForm["client_secret"]
	return clientID, clientSecret, provided
}

// writeTokenError maps a token.OAuthError (or any other error) to the OIDC
// JSON error body and status code, per spec.md §7.
func writeTokenError(w http.ResponseWriter, err error) {
	if oerr, ok := err.(*token.OAuthError); ok {
		writeOIDCError(w, oerr.StatusCode(), oerr.Code, oerr.Description)
		return
	}
	writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
}
