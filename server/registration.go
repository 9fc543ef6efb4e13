package server

import (
	"encoding/json"
	"net/http"

	"github.com/waygate/waygate/pkg/crypto"
	"github.com/waygate/waygate/ratelimit"
	"github.com/waygate/waygate/storage"
)

type registerRequest struct {
	ClientName            string   `json:"client_name"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
}

type registerResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret,omitempty"`
	ClientName            string   `json:"client_name"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
}

// handleRegister implements POST /oauth/register, a minimal dynamic client
// registration endpoint per spec.md §6. Grounded on the teacher's
// client_registration.go CreateClient handler, generalized from dex's admin
// API client shape to the public-vs-confidential distinction this spec's
// token service relies on (only token_endpoint_auth_method "none" registers
// a public client; an absent method registers a confidential one).
func (s *Server) handleRegister(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := clientIPFromRequest(r)
	limit := s.overrides.Resolve(tc.Tenant.Slug+":register_per_ip", ratelimit.RegisterPerIP)
	allowed, err := s.limiter.Allow(ctx, "register:ip:"+ip, limit)
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if !allowed {
		writeOIDCError(w, http.StatusTooManyRequests, "rate_limited", "too many registration requests")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "redirect_uris must be non-empty")
		return
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}

	clientID, err := crypto.NewOpaqueToken(16)
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	var secretHash, secretPlain string
	isPublic := req.TokenEndpointAuthMethod == "none"
	if !isPublic {
		secretPlain, err = crypto.NewOpaqueToken(24)
		if err != nil {
			writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		secretHash, err = crypto.HashSecret(secretPlain)
		if err != nil {
			writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}

	client, err := tc.Repo.CreateClient(ctx, storage.Client{
		ClientID:        clientID,
		ClientSecret:    secretHash,
		Name:            req.ClientName,
		RedirectURIs:    req.RedirectURIs,
		GrantTypes:      req.GrantTypes,
		TokenAuthMethod: authMethod,
	})
	if err != nil {
		writeOIDCError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secretPlain,
		ClientName:              client.Name,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		TokenEndpointAuthMethod: authMethod,
	})
}
