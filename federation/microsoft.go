package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/waygate/waygate/storage"
)

// microsoftAPIURL is Microsoft's fixed authority; tenant-specific discovery
// happens off cfg.Issuer (expected to name the tenant, e.g.
// "https://login.microsoftonline.com/<tenant>/v2.0"), defaulting to the
// multi-tenant "common" authority when unset.
const microsoftAPIURL = "https://login.microsoftonline.com"

// microsoftProvider implements login through Microsoft Entra ID. Grounded
// on connector/microsoft.go, which verifies the ID token with issuer
// checking disabled and instead checks the issuer by hand against the
// token's own "tid" claim — Microsoft's multi-tenant "common"/"organizations"
// endpoints don't have one fixed issuer to check against up front, per
// spec.md §4.4's Open Question resolution (see DESIGN.md).
type microsoftProvider struct{}

func (microsoftProvider) authority(cfg storage.IdentityProvider) string {
	if cfg.Issuer != "" {
		return cfg.Issuer
	}
	return microsoftAPIURL + "/common/v2.0"
}

func (p microsoftProvider) AuthURL(cfg storage.IdentityProvider, redirectURI, state, nonce, codeChallenge string) (string, error) {
	ctx := oidc.InsecureIssuerURLContext(context.Background(), p.authority(cfg))
	provider, err := discover(ctx, p.authority(cfg))
	if err != nil {
		return "", err
	}
	oc := oauth2Config(cfg, "", redirectURI, provider.Endpoint())
	return oc.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

func (p microsoftProvider) Exchange(ctx context.Context, cfg storage.IdentityProvider, clientSecret, redirectURI string, r *http.Request, nonce, codeVerifier string) (Identity, error) {
	if errType := r.URL.Query().Get("error"); errType != "" {
		return Identity{}, fmt.Errorf("federation: upstream returned error %s: %s", errType, r.URL.Query().Get("error_description"))
	}

	authority := p.authority(cfg)
	discoverCtx := oidc.InsecureIssuerURLContext(ctx, authority)
	provider, err := discover(discoverCtx, authority)
	if err != nil {
		return Identity{}, err
	}
	oc := oauth2Config(cfg, clientSecret, redirectURI, provider.Endpoint())

	token, err := oc.Exchange(ctx, r.URL.Query().Get("code"), oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return Identity{}, fmt.Errorf("federation: exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return Identity{}, errors.New("federation: no id_token in token response")
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, SkipIssuerCheck: true})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("federation: verify id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return Identity{}, errors.New("federation: nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("federation: decode claims: %w", err)
	}

	tid, _ := claims["tid"].(string)
	if tid == "" {
		return Identity{}, errors.New("federation: missing tid claim")
	}
	wantIssuer := microsoftAPIURL + "/" + tid + "/v2.0"
	if idToken.Issuer != wantIssuer {
		return Identity{}, fmt.Errorf("federation: issuer %q does not match tid-derived issuer %q", idToken.Issuer, wantIssuer)
	}

	email, _ := claims["email"].(string)
	if email == "" {
		email, _ = claims["preferred_username"].(string)
	}
	name, _ := claims["name"].(string)

	return Identity{
		Subject:       idToken.Subject,
		Email:         email,
		EmailVerified: true,
		Name:          name,
		Claims:        claims,
	}, nil
}
