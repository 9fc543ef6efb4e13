// Package token implements the /token endpoint's grant algorithms: the
// authorization_code exchange and refresh_token rotation with reuse
// detection. It is grounded on the teacher's server/oauth2.go and
// server/tokenexchangehandlers.go, generalized from dex's single-tenant,
// static-signer model to per-tenant JWKS signing and a fast-store-backed
// metadata side channel (authsession.AuthCodeMeta/RefreshTokenMeta) in
// place of dex's in-memory refresh-token scope cache.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/waygate/waygate/authsession"
	"github.com/waygate/waygate/jwks"
	"github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/tenant"
)

const (
	// accessTokenTTL and idTokenTTL bound the signed JWTs minted on every
	// grant, per spec.md §4.2.
	accessTokenTTL = time.Hour
	idTokenTTL     = time.Hour

	// sessionTTL and refreshTokenTTL bound how long a login chain can be
	// kept alive by refreshing.
	sessionTTL      = 30 * 24 * time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour

	authCodeMetaTTL = 10 * time.Minute
)

// Response is the RFC 6749 token-endpoint success body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthorizationCodeGrant is the decoded request body for a grant_type of
// authorization_code.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshTokenGrant is the decoded request body for a grant_type of
// refresh_token.
type RefreshTokenGrant struct {
	RefreshToken string
}

// Service mints and rotates tokens for every tenant's /token endpoint. It is
// stateless and safe for concurrent use; one Service is shared across
// tenants, and each call takes the tenant's repo and JWKS manager as
// arguments.
type Service struct {
	auth *authsession.Manager
	now  func() time.Time
}

// New builds a Service. auth is the shared fast-store session manager.
func New(auth *authsession.Manager) *Service {
	return &Service{auth: auth, now: time.Now}
}

// AuthenticateClient validates a client against its registered credential.
// provided reports whether the caller supplied any secret at all (absent
// from both the Authorization header and the form body); a confidential
// client with no secret provided is always rejected, while a public client
// is authenticated by existing without one.
func (s *Service) AuthenticateClient(ctx context.Context, repo *tenant.Repo, clientID, clientSecret string, provided bool) (storage.Client, error) {
	client, err := repo.GetClientByClientID(ctx, clientID)
	if err != nil {
		return storage.Client{}, errInvalidClient("unknown client")
	}
	if client.IsPublic() {
		return client, nil
	}
	if !provided || !crypto.CompareSecret(client.ClientSecret, clientSecret) {
		return storage.Client{}, errInvalidClient("client authentication failed")
	}
	return client, nil
}

// ExchangeAuthorizationCode redeems a single-use authorization code for a
// session, a refresh token, and signed access/ID JWTs. issuer is the
// tenant-rooted canonical issuer URL (https://host/a/<tenant>).
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, repo *tenant.Repo, jwksMgr *jwks.Manager, issuer string, client storage.Client, req AuthorizationCodeGrant) (Response, error) {
	now := s.now()

	code, err := repo.GetAuthCode(ctx, req.Code)
	if err != nil {
		return Response{}, errInvalidGrant("unknown or expired authorization code")
	}
	if now.After(code.ExpiresAt) {
		_ = repo.DeleteAuthCode(ctx, req.Code)
		return Response{}, errInvalidGrant("authorization code expired")
	}
	if code.ClientID != client.ClientID {
		return Response{}, errInvalidGrant("authorization code was not issued to this client")
	}
	if req.RedirectURI == "" || req.RedirectURI != code.RedirectURI {
		return Response{}, errInvalidGrant("redirect_uri does not match the authorization request")
	}

	meta, err := s.auth.ConsumeAuthCodeMeta(ctx, req.Code)
	if err != nil {
		return Response{}, errInvalidGrant("authorization code metadata missing or already redeemed")
	}

	if meta.CodeChallenge == "" {
		return Response{}, errPKCERequired("authorization code has no code_challenge")
	}
	if len(req.CodeVerifier) < 43 || len(req.CodeVerifier) > 128 {
		return Response{}, errPKCEFailed("code_verifier must be 43-128 characters")
	}
	if !crypto.VerifyPKCE(meta.CodeChallengeMethod, meta.CodeChallenge, req.CodeVerifier) {
		return Response{}, errPKCEFailed("code_verifier does not match code_challenge")
	}

	if err := repo.DeleteAuthCode(ctx, req.Code); err != nil {
		return Response{}, fmt.Errorf("token: delete authorization code: %w", err)
	}

	session, err := repo.CreateSession(ctx, storage.Session{
		TenantID:  repo.TenantID(),
		UserID:    code.UserID,
		ClientID:  client.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionTTL),
	})
	if err != nil {
		return Response{}, fmt.Errorf("token: create session: %w", err)
	}

	refresh, err := s.mintRefreshToken(ctx, repo, session, client, code.Scope, now)
	if err != nil {
		return Response{}, err
	}

	priv, kid, err := jwksMgr.ActivePrivate(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("token: load signing key: %w", err)
	}

	access, err := signJWT(priv, kid, accessClaims(issuer, client.ClientID, code.UserID, code.Scope, now))
	if err != nil {
		return Response{}, fmt.Errorf("token: sign access token: %w", err)
	}
	id, err := signJWT(priv, kid, idClaims(issuer, client.ClientID, code.UserID, meta.Nonce, meta.AuthTime, now))
	if err != nil {
		return Response{}, fmt.Errorf("token: sign id token: %w", err)
	}

	_ = repo.AppendAudit(ctx, storage.Audit{UserID: code.UserID, Action: "token.exchange", CreatedAt: now})

	return Response{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
		RefreshToken: refresh,
		IDToken:      id,
		Scope:        joinScope(code.Scope),
	}, nil
}

// Refresh rotates a refresh token, detecting reuse of an already-revoked
// token by tearing down the whole session chain it belongs to.
func (s *Service) Refresh(ctx context.Context, repo *tenant.Repo, jwksMgr *jwks.Manager, issuer string, client storage.Client, req RefreshTokenGrant) (Response, error) {
	now := s.now()

	rt, err := repo.GetRefreshTokenByToken(ctx, req.RefreshToken)
	if err != nil {
		return Response{}, errInvalidGrant("unknown refresh token")
	}
	if rt.ClientID != client.ClientID {
		return Response{}, errInvalidGrant("refresh token was not issued to this client")
	}

	if rt.Revoked {
		if err := s.revokeSessionChain(ctx, repo, rt.SessionID, now); err != nil {
			return Response{}, fmt.Errorf("token: revoke session on reuse: %w", err)
		}
		session, sErr := repo.GetSession(ctx, rt.SessionID)
		userID := ""
		if sErr == nil {
			userID = session.UserID
		}
		_ = repo.AppendAudit(ctx, storage.Audit{UserID: userID, Action: "token.reuse_detected", CreatedAt: now})
		return Response{}, errInvalidGrant("refresh token reuse detected")
	}
	if now.After(rt.ExpiresAt) {
		return Response{}, errInvalidGrant("refresh token expired")
	}

	session, err := repo.GetSession(ctx, rt.SessionID)
	if err != nil {
		return Response{}, errInvalidGrant("session for refresh token no longer exists")
	}
	if session.Expired(now) {
		return Response{}, errInvalidGrant("session expired")
	}

	meta, err := s.auth.GetRefreshMeta(ctx, rt.ID)
	if err != nil {
		return Response{}, fmt.Errorf("token: load refresh token scope: %w", err)
	}

	if _, err := repo.UpdateRefreshToken(ctx, rt.ID, func(r storage.RefreshToken) (storage.RefreshToken, error) {
		r.Revoked = true
		return r, nil
	}); err != nil {
		return Response{}, fmt.Errorf("token: revoke rotated token: %w", err)
	}

	newToken, err := s.mintRefreshToken(ctx, repo, session, client, meta.Scope, now)
	if err != nil {
		return Response{}, err
	}

	priv, kid, err := jwksMgr.ActivePrivate(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("token: load signing key: %w", err)
	}
	access, err := signJWT(priv, kid, accessClaims(issuer, client.ClientID, session.UserID, meta.Scope, now))
	if err != nil {
		return Response{}, fmt.Errorf("token: sign access token: %w", err)
	}
	id, err := signJWT(priv, kid, idClaims(issuer, client.ClientID, session.UserID, "", session.CreatedAt, now))
	if err != nil {
		return Response{}, fmt.Errorf("token: sign id token: %w", err)
	}

	_ = repo.AppendAudit(ctx, storage.Audit{UserID: session.UserID, Action: "token.refresh", CreatedAt: now})

	return Response{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
		RefreshToken: newToken,
		IDToken:      id,
		Scope:        joinScope(meta.Scope),
	}, nil
}

func (s *Service) mintRefreshToken(ctx context.Context, repo *tenant.Repo, session storage.Session, client storage.Client, scope []string, now time.Time) (string, error) {
	tok, err := crypto.NewOpaqueToken(24)
	if err != nil {
		return "", fmt.Errorf("token: generate refresh token: %w", err)
	}

	rt, err := repo.CreateRefreshToken(ctx, storage.RefreshToken{
		Token:     tok,
		TenantID:  repo.TenantID(),
		SessionID: session.ID,
		ClientID:  client.ClientID,
		CreatedAt: now,
		ExpiresAt: now.Add(refreshTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("token: create refresh token: %w", err)
	}
	if err := s.auth.SetRefreshMeta(ctx, rt.ID, authsession.RefreshTokenMeta{Scope: scope}, refreshTokenTTL); err != nil {
		return "", fmt.Errorf("token: store refresh token scope: %w", err)
	}
	return rt.Token, nil
}

// revokeSessionChain revokes every sibling refresh token on sessionID and
// expires the session itself, per spec.md's reuse-detection algorithm.
func (s *Service) revokeSessionChain(ctx context.Context, repo *tenant.Repo, sessionID string, now time.Time) error {
	tokens, err := repo.ListRefreshTokensBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.Revoked {
			continue
		}
		if _, err := repo.UpdateRefreshToken(ctx, t.ID, func(r storage.RefreshToken) (storage.RefreshToken, error) {
			r.Revoked = true
			return r, nil
		}); err != nil {
			return err
		}
	}
	_, err = repo.UpdateSession(ctx, sessionID, func(sess storage.Session) (storage.Session, error) {
		sess.ExpiresAt = now
		return sess, nil
	})
	return err
}

func accessClaims(issuer, clientID, userID string, scope []string, now time.Time) map[string]any {
	return map[string]any{
		"iss":   issuer,
		"sub":   userID,
		"aud":   clientID,
		"scope": joinScope(scope),
		"iat":   now.Unix(),
		"exp":   now.Add(accessTokenTTL).Unix(),
	}
}

func idClaims(issuer, clientID, userID, nonce string, authTime, now time.Time) map[string]any {
	claims := map[string]any{
		"iss": issuer,
		"sub": userID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(idTokenTTL).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if !authTime.IsZero() {
		claims["auth_time"] = authTime.Unix()
	}
	return claims
}

func signJWT(priv any, kid string, claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"kid": kid},
	})
	if err != nil {
		return "", fmt.Errorf("token: build signer: %w", err)
	}
	builder := jwt.Signed(signer)
	cl := jwt.Claims{}
	if v, ok := claims["iss"].(string); ok {
		cl.Issuer = v
	}
	if v, ok := claims["sub"].(string); ok {
		cl.Subject = v
	}
	if v, ok := claims["aud"].(string); ok {
		cl.Audience = jwt.Audience{v}
	}
	if v, ok := claims["iat"].(int64); ok {
		cl.IssuedAt = jwt.NewNumericDate(time.Unix(v, 0))
	}
	if v, ok := claims["exp"].(int64); ok {
		cl.Expiry = jwt.NewNumericDate(time.Unix(v, 0))
	}
	builder = builder.Claims(cl)

	extra := map[string]any{}
	for k, v := range claims {
		switch k {
		case "iss", "sub", "aud", "iat", "exp":
			continue
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		builder = builder.Claims(extra)
	}
	return builder.Serialize()
}

func joinScope(scope []string) string {
	out := ""
	for i, s := range scope {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
