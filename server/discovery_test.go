package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoveryDocumentShape(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/.well-known/openid-configuration", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	require.Equal(t, "https://issuer.example/a/acme", doc.Issuer)
	require.Equal(t, "https://issuer.example/a/acme/oauth/authorize", doc.AuthorizationEndpoint)
	require.Equal(t, "https://issuer.example/a/acme/oauth/token", doc.TokenEndpoint)
	require.Equal(t, "https://issuer.example/a/acme/.well-known/jwks.json", doc.JWKSURI)
	require.Contains(t, doc.ResponseTypesSupported, "code")
	require.Contains(t, doc.GrantTypesSupported, "authorization_code")
	require.Contains(t, doc.GrantTypesSupported, "refresh_token")
}

func TestJWKSPublishesActiveKey(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/a/acme/.well-known/jwks.json", nil)
	f.srv.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotEmpty(t, body.Keys)
}
