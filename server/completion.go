package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/waygate/waygate/authsession"
	"github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/storage"
)

// handoffTTL bounds the SSE loginComplete handoff JWT, per spec.md §6.
const handoffTTL = 2 * time.Minute

// completeAuthentication attaches userID to the pending request named by
// rid, decides whether consent is required per spec.md §4.1, and either
// publishes consentRequired (returning a "continue on original device" URL
// for the authenticating device) or issues the authorization code directly.
// It is the shared tail of the magic-consume, SSO-callback, and consent
// handlers, grounded on the teacher's approvalhandlers.go's "skip or render"
// branch generalized to the cross-device SSE handoff.
func (s *Server) completeAuthentication(ctx context.Context, tc *tenantContext, pending authsession.PendingAuthRequest, userID string) (redirectURL string, awaitingConsent bool, err error) {
	if err := s.auth.SetPendingUser(ctx, pending.RID, userID); err != nil {
		return "", false, fmt.Errorf("server: attach user to pending request: %w", err)
	}
	pending.UserID = userID

	client, err := tc.Repo.GetClient(ctx, pending.ClientDBID)
	if err != nil {
		return "", false, fmt.Errorf("server: load client for pending request: %w", err)
	}

	if needsConsent(ctx, tc.Repo, client, userID, pending.Scope) {
		if err := s.auth.PublishSSE(ctx, pending.RID, "consentRequired", []byte("{}")); err != nil {
			s.logger.ErrorContext(ctx, "publish consentRequired failed", "err", err, "rid", pending.RID)
		}
		return tc.Issuer + "/oauth/consent?rid=" + url.QueryEscape(pending.RID), true, nil
	}

	return s.issueCodeAndPublish(ctx, tc, pending, client)
}

// issueCodeAndPublish mints the authorization code, completes the pending
// request, and publishes loginComplete with the redirect and a short-lived
// handoff JWT, per spec.md §6's SSE contract.
func (s *Server) issueCodeAndPublish(ctx context.Context, tc *tenantContext, pending authsession.PendingAuthRequest, client storage.Client) (string, bool, error) {
	now := time.Now()
	codeValue, err := crypto.NewOpaqueToken(24)
	if err != nil {
		return "", false, fmt.Errorf("server: mint authorization code: %w", err)
	}

	code, err := tc.Repo.CreateAuthCode(ctx, storage.AuthCode{
		Code:        codeValue,
		TenantID:    tc.Tenant.ID,
		ClientDBID:  client.ID,
		ClientID:    client.ClientID,
		UserID:      pending.UserID,
		RedirectURI: pending.RedirectURI,
		Scope:       pending.Scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	})
	if err != nil {
		return "", false, fmt.Errorf("server: create authorization code: %w", err)
	}

	if err := s.auth.RecordAuthCodeMeta(ctx, code.Code, authsession.AuthCodeMeta{
		Nonce:               pending.Nonce,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		AuthTime:            now,
	}, 10*time.Minute); err != nil {
		return "", false, fmt.Errorf("server: record authorization code metadata: %w", err)
	}

	if err := s.auth.CompletePending(ctx, pending.RID); err != nil {
		return "", false, fmt.Errorf("server: complete pending request: %w", err)
	}

	redirectURL := buildRedirectURL(pending.RedirectURI, code.Code, pending.State)

	handoff, err := s.mintHandoff(ctx, tc, pending.UserID, client.ClientID, pending.RID)
	if err != nil {
		s.logger.ErrorContext(ctx, "mint handoff token failed", "err", err, "rid", pending.RID)
	} else {
		payload, _ := json.Marshal(map[string]string{"redirect": redirectURL, "handoff": handoff})
		if err := s.auth.PublishSSE(ctx, pending.RID, "loginComplete", payload); err != nil {
			s.logger.ErrorContext(ctx, "publish loginComplete failed", "err", err, "rid", pending.RID)
		}
	}

	_ = tc.Repo.AppendAudit(ctx, storage.Audit{UserID: pending.UserID, Action: "login.complete", CreatedAt: now})

	return redirectURL, false, nil
}

func buildRedirectURL(redirectURI, code, state string) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	u := redirectURI + sep + "code=" + url.QueryEscape(code)
	if state != "" {
		u += "&state=" + url.QueryEscape(state)
	}
	return u
}

// mintHandoff signs the 2-minute SSE handoff JWT described in spec.md §6:
// sub=userId, aud=clientId, a rid claim, using the tenant's active key.
func (s *Server) mintHandoff(ctx context.Context, tc *tenantContext, userID, clientID, rid string) (string, error) {
	priv, kid, err := tc.JWKS.ActivePrivate(ctx)
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"kid": kid},
	})
	if err != nil {
		return "", err
	}
	now := time.Now()
	cl := jwt.Claims{
		Subject:  userID,
		Audience: jwt.Audience{clientID},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(handoffTTL)),
	}
	return jwt.Signed(signer).Claims(cl).Claims(map[string]any{"rid": rid}).Serialize()
}
