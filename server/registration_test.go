package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsMissingRedirectURIs(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(registerRequest{ClientName: "no redirects"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/register", strings.NewReader(string(body)))
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterConfidentialClientGetsSecret(t *testing.T) {
	f := newFixture(t)
	body, _ := json.Marshal(registerRequest{
		ClientName:   "confidential app",
		RedirectURIs: []string{"https://app.example/cb"},
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/a/acme/oauth/register", strings.NewReader(string(body)))
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	var reg registerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reg))
	require.NotEmpty(t, reg.ClientID)
	require.NotEmpty(t, reg.ClientSecret)
	require.Equal(t, "client_secret_basic", reg.TokenEndpointAuthMethod)
}
