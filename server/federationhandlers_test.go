package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSSOStartRejectsMissingRID(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/sso/google/start", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSSOStartRejectsUnknownRID(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/sso/google/start?rid=never-issued", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSSOStartRejectsUnconfiguredProvider(t *testing.T) {
	f := newFixture(t)
	redirectURI := "https://app.example/cb"
	client := f.createPublicClient(t, redirectURI)
	_ = client

	q := "response_type=code&client_id=" + client.ClientID + "&redirect_uri=" + redirectURI
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/oauth/authorize?"+q, nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	rid := ridPattern.FindStringSubmatch(rr.Body.String())[1]

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/a/acme/sso/google/start?rid="+rid, nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
