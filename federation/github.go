package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/waygate/waygate/storage"
)

const githubAPIURL = "https://api.github.com"

// githubProvider implements login through GitHub. GitHub's OAuth2 flow has
// no ID token, so identity comes from the /user and /user/emails REST
// endpoints instead, per connector/github.go. PKCE is passed on the
// authorize request for parity with the other providers even though
// GitHub's authorization server doesn't currently require it for
// confidential clients.
type githubProvider struct{}

func (githubProvider) oauth2Config(cfg storage.IdentityProvider, clientSecret, redirectURI string) *oauth2.Config {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret,
		Endpoint:     githuboauth.Endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}
}

func (p githubProvider) AuthURL(cfg storage.IdentityProvider, redirectURI, state, nonce, codeChallenge string) (string, error) {
	oc := p.oauth2Config(cfg, "", redirectURI)
	return oc.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	), nil
}

type githubUser struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p githubProvider) Exchange(ctx context.Context, cfg storage.IdentityProvider, clientSecret, redirectURI string, r *http.Request, nonce, codeVerifier string) (Identity, error) {
	if errType := r.URL.Query().Get("error"); errType != "" {
		return Identity{}, fmt.Errorf("federation: upstream returned error %s: %s", errType, r.URL.Query().Get("error_description"))
	}

	oc := p.oauth2Config(cfg, clientSecret, redirectURI)
	token, err := oc.Exchange(ctx, r.URL.Query().Get("code"), oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		return Identity{}, fmt.Errorf("federation: exchange code: %w", err)
	}

	client := oc.Client(ctx, token)

	user, err := p.getUser(ctx, client)
	if err != nil {
		return Identity{}, fmt.Errorf("federation: get user: %w", err)
	}

	email := user.Email
	verified := email != ""
	if email == "" {
		email, verified, err = p.getPrimaryEmail(ctx, client)
		if err != nil {
			return Identity{}, fmt.Errorf("federation: get user emails: %w", err)
		}
	}
	if email == "" {
		return Identity{}, fmt.Errorf("federation: github account has no accessible email")
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return Identity{
		Subject:       strconv.Itoa(user.ID),
		Email:         email,
		EmailVerified: verified,
		Name:          name,
		Claims:        map[string]any{"login": user.Login},
	}, nil
}

func (githubProvider) getUser(ctx context.Context, client *http.Client) (githubUser, error) {
	var u githubUser
	if err := getJSON(ctx, client, githubAPIURL+"/user", &u); err != nil {
		return githubUser{}, err
	}
	return u, nil
}

func (githubProvider) getPrimaryEmail(ctx context.Context, client *http.Client) (string, bool, error) {
	var emails []githubEmail
	if err := getJSON(ctx, client, githubAPIURL+"/user/emails", &emails); err != nil {
		return "", false, err
	}
	return choosePrimaryEmail(emails)
}

// choosePrimaryEmail picks the account's primary address, falling back to
// the first listed one if GitHub never flagged a primary.
func choosePrimaryEmail(emails []githubEmail) (string, bool, error) {
	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, emails[0].Verified, nil
	}
	return "", false, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, dest)
}
