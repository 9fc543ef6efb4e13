package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var ridPattern = regexp.MustCompile(`name="rid" value="([^"]+)"`)

func TestAuthorizeRendersLoginPageWithRID(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {redirectURI},
		"scope":         {"openid profile"},
		"state":         {"xyz"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q.Encode(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Header().Get("Content-Security-Policy"), "nonce-")

	matches := ridPattern.FindStringSubmatch(rr.Body.String())
	require.Len(t, matches, 2)
	require.NotEmpty(t, matches[1])
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	f := newFixture(t)
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"nope"},
		"redirect_uri":  {"https://app.example/cb"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q.Encode(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	f := newFixture(t)
	client := f.createPublicClient(t, "https://app.example/cb")
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://evil.example/cb"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q.Encode(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

// TestMagicLinkCeremonyEndToEnd drives the whole cross-device-free path:
// authorize creates a pending request, magic/request mints a debug link in
// place of an email, and consuming it (no scope requested, so no consent
// screen) completes the login and answers 200 with the "You're signed in"
// page.
func TestMagicLinkCeremonyEndToEnd(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {client.ClientID},
		"redirect_uri":  {redirectURI},
		"state":         {"xyz"},
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q.Encode(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	rid := ridPattern.FindStringSubmatch(rr.Body.String())[1]

	form := url.Values{"email": {"person@example.com"}, "rid": {rid}}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/a/acme/oauth/magic/request", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), "debug_link")

	var resp struct {
		DebugLink string `json:"debug_link"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	linkURL, err := url.Parse(resp.DebugLink)
	require.NoError(t, err)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, linkURL.RequestURI(), nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), "You're signed in")
}
