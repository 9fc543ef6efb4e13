package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"html/template"
	"net/http"
	"strings"

	"github.com/waygate/waygate/authsession"
	"github.com/waygate/waygate/flow"
	"github.com/waygate/waygate/storage"
	"github.com/waygate/waygate/tenant"
)

// loginPageTmpl renders the HTML login page served from /oauth/authorize.
// It is a from-scratch equivalent of the teacher's templates.go-driven,
// disk-themed login.html: spec.md's Non-goals explicitly exclude "user-facing
// UI theming specifics", so this renders one fixed page inline rather than
// loading a configurable theme directory.
var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in to {{.ClientName}}</h1>
<form method="post" action="{{.MagicRequestAction}}">
<input type="hidden" name="rid" value="{{.RID}}">
<input type="email" name="email" placeholder="you@example.com" required>
<button type="submit">Send magic link</button>
</form>
{{range .SSOProviders}}<a href="{{.StartURL}}">Continue with {{.Label}}</a>{{end}}
<script nonce="{{.Nonce}}">
var es = new EventSource({{.SSEURL}});
es.addEventListener("loginComplete", function(ev) {
  var data = JSON.parse(ev.data);
  window.location = data.redirect;
});
es.addEventListener("consentRequired", function() {
  window.location = {{.ConsentURL}};
});
</script>
</body>
</html>`))

type loginPageSSOProvider struct {
	Label    string
	StartURL string
}

type loginPageData struct {
	ClientName          string
	RID                 string
	Nonce               string
	MagicRequestAction  string
	SSEURL              string
	ConsentURL          string
	SSOProviders        []loginPageSSOProvider
}

func cspNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// handleAuthorize implements GET /a/<tenant>/oauth/authorize: validate the
// request against the registered client, create a PendingAuthRequest, run
// the tenant's "signin" flow if one is enabled, and render the login page.
// Grounded on the teacher's authorizationhandlers.go handleAuthFunc,
// generalized from dex's single-connector chooser to the magic-link+SSO
// login page and the authsession pending-request ceremony.
func (s *Server) handleAuthorize(tc *tenantContext, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		writeOIDCError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	clientID := q.Get("client_id")
	client, err := tc.Repo.GetClientByClientID(ctx, clientID)
	if err != nil {
		writeOIDCError(w, http.StatusBadRequest, "unauthorized_client", "unknown client_id")
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !client.HasRedirectURI(redirectURI) {
		writeOIDCError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	scope := splitScope(q.Get("scope"))

	validate := authsession.RedirectURIValidator(client.HasRedirectURI)
	rid, err := s.auth.CreatePending(ctx, tc.Tenant.ID, client.ID, client.ClientID, redirectURI, scope,
		q.Get("state"), q.Get("nonce"), q.Get("code_challenge"), q.Get("code_challenge_method"), validate)
	if err != nil {
		s.redirectAuthorizeError(w, r, redirectURI, q.Get("state"), "invalid_request", err.Error())
		return
	}

	if res, err := s.flowEngine.Run(ctx, tc.Repo, storage.TriggerSignin, rid, "", flow.Input{IP: clientIPFromRequest(r), UserAgent: r.UserAgent()}); err != nil {
		renderFailure(w, http.StatusInternalServerError, "unable to start sign-in")
		return
	} else if res.Status == flow.StatusFailed {
		renderFailure(w, http.StatusBadRequest, res.Error)
		return
	}

	nonce, err := cspNonce()
	if err != nil {
		renderFailure(w, http.StatusInternalServerError, "unable to render login page")
		return
	}

	providers, _ := tc.Repo.ListIdentityProviders(ctx)
	var ssoProviders []loginPageSSOProvider
	for _, p := range providers {
		if p.Status != storage.IdPEnabled {
			continue
		}
		ssoProviders = append(ssoProviders, loginPageSSOProvider{
			Label:    string(p.Type),
			StartURL: tc.Issuer + "/sso/" + string(p.Type) + "/start?rid=" + rid,
		})
	}

	w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'nonce-"+nonce+"'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginPageTmpl.Execute(w, loginPageData{
		ClientName:         client.Name,
		RID:                rid,
		Nonce:              nonce,
		MagicRequestAction: tc.Issuer + "/oauth/magic/request",
		SSEURL:              tc.Issuer + "/oauth/sse?rid=" + rid,
		ConsentURL:          tc.Issuer + "/oauth/consent",
		SSOProviders:        ssoProviders,
	})
}

func (s *Server) redirectAuthorizeError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	if redirectURI == "" {
		writeOIDCError(w, http.StatusBadRequest, code, description)
		return
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	loc := redirectURI + sep + "error=" + code
	if state != "" {
		loc += "&state=" + state
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// needsConsent applies spec.md §4.1's consent-skip rule.
func needsConsent(ctx context.Context, repo *tenant.Repo, client storage.Client, userID string, scope []string) bool {
	if len(scope) == 0 || client.FirstParty {
		return false
	}
	consent, err := repo.GetConsent(ctx, userID, client.ClientID)
	if err != nil {
		return true
	}
	return !consent.Covers(scope)
}
