package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/token"
)

func (f testFixture) exchangeForTokens(t *testing.T, client storage.Client, redirectURI, userID string) token.Response {
	t.Helper()
	code := f.issueAuthCode(t, client, redirectURI, userID)
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code.Code},
		"redirect_uri":  {redirectURI},
		"client_id":     {client.ClientID},
		"code_verifier": {testCodeVerifier},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp token.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestLogoutRevokesWholeSessionChain(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	first := f.exchangeForTokens(t, client, redirectURI, "user-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/logout", strings.NewReader(url.Values{"refresh_token": {first.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rt, err := f.store.GetRefreshTokenByToken(context.Background(), f.tenant.ID, first.RefreshToken)
	require.NoError(t, err)
	require.True(t, rt.Revoked)

	// A refresh attempt against the now-revoked token must fail.
	rr = httptest.NewRecorder()
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {first.RefreshToken}, "client_id": {client.ClientID}}
	req = httptest.NewRequest(http.MethodPost, "/a/acme/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRevokeOnlyAffectsNamedToken(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	first := f.exchangeForTokens(t, client, redirectURI, "user-1")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/revoke", strings.NewReader(url.Values{"token": {first.RefreshToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rt, err := f.store.GetRefreshTokenByToken(context.Background(), f.tenant.ID, first.RefreshToken)
	require.NoError(t, err)
	require.True(t, rt.Revoked)
}
