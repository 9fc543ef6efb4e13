package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/waygate/waygate/storage"
)

var (
	errTokenExpired  = errors.New("server: token expired")
	errNoMatchingKey = errors.New("server: no matching signing key")
)

// handleLogout implements POST /logout (form: refresh_token): tears down the
// session chain a refresh token belongs to, mirroring the reuse-detection
// cascade in the token package but triggered voluntarily rather than by
// theft. Grounded on the teacher's handlers.go session-teardown idiom.
func (s *Server) handleLogout(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	rt, err := tc.Repo.GetRefreshTokenByToken(ctx, refreshToken)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	session, _ := tc.Repo.GetSession(ctx, rt.SessionID)
	_, _ = tc.Repo.UpdateSession(ctx, rt.SessionID, func(sess storage.Session) (storage.Session, error) {
		sess.ExpiresAt = time.Now()
		return sess, nil
	})
	tokens, _ := tc.Repo.ListRefreshTokensBySession(ctx, rt.SessionID)
	for _, t := range tokens {
		_, _ = tc.Repo.UpdateRefreshToken(ctx, t.ID, func(r storage.RefreshToken) (storage.RefreshToken, error) {
			r.Revoked = true
			return r, nil
		})
	}
	_ = tc.Repo.AppendAudit(ctx, storage.Audit{UserID: session.UserID, Action: "logout", CreatedAt: time.Now()})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleRevoke implements POST /oauth/revoke (RFC 7009): revoking a refresh
// token tears down just that token (not the whole chain, unlike logout).
// Revoking an access/ID token is a no-op since they are stateless JWTs; per
// RFC 7009 an unrecognized token still yields 200.
func (s *Server) handleRevoke(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID, clientSecret, provided := clientCredentials(r)
	if clientID != "" {
		if _, err := s.tokenSvc.AuthenticateClient(ctx, tc.Repo, clientID, clientSecret, provided); err != nil {
			writeTokenError(w, err)
			return
		}
	}

	token := r.FormValue("token")
	if rt, err := tc.Repo.GetRefreshTokenByToken(ctx, token); err == nil {
		_, _ = tc.Repo.UpdateRefreshToken(ctx, rt.ID, func(r storage.RefreshToken) (storage.RefreshToken, error) {
			r.Revoked = true
			return r, nil
		})
	}
	w.WriteHeader(http.StatusOK)
}

type introspectResponse struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Sub      string `json:"sub,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// handleIntrospect implements POST /oauth/introspect (RFC 7662). Refresh
// tokens are checked against storage; access/ID tokens are checked by
// verifying the JWT signature against the tenant's published JWKS.
func (s *Server) handleIntrospect(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	clientID, clientSecret, provided := clientCredentials(r)
	if clientID != "" {
		if _, err := s.tokenSvc.AuthenticateClient(ctx, tc.Repo, clientID, clientSecret, provided); err != nil {
			writeTokenError(w, err)
			return
		}
	}

	raw := r.FormValue("token")
	if rt, err := tc.Repo.GetRefreshTokenByToken(ctx, raw); err == nil {
		if rt.Revoked || time.Now().After(rt.ExpiresAt) {
			writeJSON(w, http.StatusOK, introspectResponse{Active: false})
			return
		}
		writeJSON(w, http.StatusOK, introspectResponse{Active: true, ClientID: rt.ClientID, Exp: rt.ExpiresAt.Unix()})
		return
	}

	claims, err := s.verifyJWT(ctx, tc, raw)
	if err != nil {
		writeJSON(w, http.StatusOK, introspectResponse{Active: false})
		return
	}
	resp := introspectResponse{Active: true, Sub: claims.Subject, Exp: claims.Expiry.Time().Unix()}
	if len(claims.Audience) > 0 {
		resp.ClientID = claims.Audience[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserinfo implements GET/POST /oauth/userinfo: a Bearer access token
// resolves to its subject's sub, email and name; the token's scope does not
// narrow the returned claims.
func (s *Server) handleUserinfo(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		writeOIDCError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}
	claims, err := s.verifyJWT(ctx, tc, strings.TrimPrefix(authz, prefix))
	if err != nil {
		writeOIDCError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired")
		return
	}

	user, err := tc.Repo.GetUser(ctx, claims.Subject)
	if err != nil {
		writeOIDCError(w, http.StatusUnauthorized, "invalid_token", "subject no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":   user.ID,
		"email": user.Email,
		"name":  user.Name,
	})
}

// verifyJWT checks an access or ID token's signature against the tenant's
// published JWKS (active and still-valid retired keys), per spec.md §4.3.
func (s *Server) verifyJWT(ctx context.Context, tc *tenantContext, raw string) (jwt.Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return jwt.Claims{}, err
	}
	keyset, err := tc.JWKS.PublicJWKs(ctx)
	if err != nil {
		return jwt.Claims{}, err
	}

	var lastErr error
	for _, h := range tok.Headers {
		for _, k := range keyset.Key(h.KeyID) {
			var claims jwt.Claims
			if err := tok.Claims(k.Key, &claims); err == nil {
				if claims.Expiry != nil && claims.Expiry.Time().Before(time.Now()) {
					return jwt.Claims{}, errTokenExpired
				}
				return claims, nil
			} else {
				lastErr = err
			}
		}
	}
	if lastErr == nil {
		lastErr = errNoMatchingKey
	}
	return jwt.Claims{}, lastErr
}
