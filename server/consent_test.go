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
)

// startPendingWithScope drives GET /oauth/authorize far enough to obtain a
// rid for a client with the given scope, returning the rid.
func (f testFixture) startPendingWithScope(t *testing.T, clientID, redirectURI, scope string) string {
	t.Helper()
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"scope":         {scope},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q.Encode(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	return ridPattern.FindStringSubmatch(rr.Body.String())[1]
}

func TestConsentRequiredForNonFirstPartyClientWithScope(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	rid := f.startPendingWithScope(t, client.ClientID, redirectURI, "openid profile")

	require.NoError(t, f.srv.auth.SetPendingUser(context.Background(), rid, "user-1"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/consent", strings.NewReader(url.Values{"rid": {rid}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["redirect"], "code=")
}

func TestConsentDenyRedirectsWithAccessDenied(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	rid := f.startPendingWithScope(t, client.ClientID, redirectURI, "openid profile")

	require.NoError(t, f.srv.auth.SetPendingUser(context.Background(), rid, "user-1"))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/consent", strings.NewReader(url.Values{"rid": {rid}, "deny": {"1"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["redirect"], "error=access_denied")
}

func TestConsentRejectsUnknownRID(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/consent", strings.NewReader(url.Values{"rid": {"never-issued"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
