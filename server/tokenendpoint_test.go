package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waygate/waygate/authsession"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/token"
)

// testCodeVerifier is the PKCE verifier that issueAuthCode records as a
// "plain" challenge and that the token requests in these tests present.
const testCodeVerifier = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"

func (f testFixture) issueAuthCode(t *testing.T, client storage.Client, redirectURI, userID string) storage.AuthCode {
	t.Helper()
	ctx := context.Background()
	_, _ = f.store.CreateUser(ctx, storage.User{TenantID: f.tenant.ID, ID: userID, Email: userID + "@example.com"})

	code, err := f.store.CreateAuthCode(ctx, storage.AuthCode{
		Code:        "code-" + client.ClientID,
		TenantID:    f.tenant.ID,
		ClientID:    client.ClientID,
		UserID:      userID,
		RedirectURI: redirectURI,
		Scope:       []string{"openid", "profile"},
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, f.srv.auth.RecordAuthCodeMeta(ctx, code.Code, authsession.AuthCodeMeta{AuthTime: time.Now(), CodeChallenge: testCodeVerifier, CodeChallengeMethod: "plain"}, time.Minute))
	return code
}

func TestRegisterThenTokenExchangeEndToEnd(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"

	regBody, _ := json.Marshal(registerRequest{
		ClientName:              "test app",
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "none",
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/register", strings.NewReader(string(regBody)))
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var reg registerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.ClientID)
	require.Empty(t, reg.ClientSecret)

	client, err := f.store.GetClientByClientID(context.Background(), f.tenant.ID, reg.ClientID)
	require.NoError(t, err)
	code := f.issueAuthCode(t, client, redirectURI, "user-1")

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code.Code},
		"redirect_uri":  {redirectURI},
		"client_id":     {reg.ClientID},
		"code_verifier": {testCodeVerifier},
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/a/acme/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp token.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
}

func TestTokenEndpointRejectsUnknownClient(t *testing.T) {
	f := newFixture(t)
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"whatever"},
		"redirect_uri": {"https://app.example/cb"},
		"client_id":    {"does-not-exist"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	var body oidcErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "invalid_client", body.Error)
}

func TestRevokeIsAlways200EvenForUnknownToken(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"token": {"never-issued"}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestIntrospectInactiveForUnknownToken(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"token": {"never-issued"}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/introspect", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body introspectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.False(t, body.Active)
}

func TestUserinfoRequiresBearerToken(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/userinfo", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUserinfoReturnsProfileForValidAccessToken(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	code := f.issueAuthCode(t, client, redirectURI, "user-1")

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

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/a/acme/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var userinfo map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &userinfo))
	require.Equal(t, "user-1", userinfo["sub"])
}
