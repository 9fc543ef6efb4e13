package server

import (
	"net/http"
)

// discoveryDocument is the OIDC discovery body, per spec.md §6's exact field
// list. It is grounded on the teacher's discoveryhandlers.go handleDiscoveryFunc,
// generalized from dex's single issuer to a per-tenant canonical issuer URL.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (s *Server) handleDiscovery(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	doc := discoveryDocument{
		Issuer:                            tc.Issuer,
		AuthorizationEndpoint:             tc.Issuer + "/oauth/authorize",
		TokenEndpoint:                     tc.Issuer + "/oauth/token",
		UserinfoEndpoint:                  tc.Issuer + "/oauth/userinfo",
		RevocationEndpoint:                tc.Issuer + "/oauth/revoke",
		IntrospectionEndpoint:             tc.Issuer + "/oauth/introspect",
		JWKSURI:                           tc.Issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	keys, err := tc.JWKS.PublicJWKs(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "load public jwks failed", "err", err, "tenant", tc.Tenant.Slug)
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, keys)
}
