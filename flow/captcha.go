package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// CaptchaVerifier checks a solved CAPTCHA token against its provider and
// reports a pass/fail score.
type CaptchaVerifier interface {
	Verify(ctx context.Context, secret, token, remoteIP string) (score float64, err error)
}

// captchaHTTPTimeout bounds the outbound call per spec.md §5's 10-15s cap
// on upstream HTTP.
const captchaHTTPTimeout = 12 * time.Second

// turnstileVerifier checks a Cloudflare Turnstile token.
type turnstileVerifier struct{ client *http.Client }

func (v turnstileVerifier) Verify(ctx context.Context, secret, token, remoteIP string) (float64, error) {
	return siteverify(ctx, v.httpClient(), "https://challenges.cloudflare.com/turnstile/v0/siteverify", secret, token, remoteIP)
}

func (v turnstileVerifier) httpClient() *http.Client {
	if v.client != nil {
		return v.client
	}
	return &http.Client{Timeout: captchaHTTPTimeout}
}

// hcaptchaVerifier checks an hCaptcha token.
type hcaptchaVerifier struct{ client *http.Client }

func (v hcaptchaVerifier) Verify(ctx context.Context, secret, token, remoteIP string) (float64, error) {
	return siteverify(ctx, v.httpClient(), "https://hcaptcha.com/siteverify", secret, token, remoteIP)
}

func (v hcaptchaVerifier) httpClient() *http.Client {
	if v.client != nil {
		return v.client
	}
	return &http.Client{Timeout: captchaHTTPTimeout}
}

type siteverifyResponse struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
}

func siteverify(ctx context.Context, client *http.Client, endpoint, secret, token, remoteIP string) (float64, error) {
	form := url.Values{"secret": {secret}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.URL.RawQuery = form.Encode()

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("flow: captcha verify request: %w", err)
	}
	defer resp.Body.Close()

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("flow: decode captcha verify response: %w", err)
	}
	if !body.Success {
		return 0, nil
	}
	if body.Score == 0 {
		// Turnstile doesn't return a score; treat a bare success as 1.0.
		return 1, nil
	}
	return body.Score, nil
}

// mockVerifier is used in tests and local development: any token equal to
// "pass" succeeds with a perfect score, everything else fails.
type mockVerifier struct{}

func (mockVerifier) Verify(ctx context.Context, secret, token, remoteIP string) (float64, error) {
	if token == "pass" {
		return 1, nil
	}
	return 0, nil
}

// DefaultVerifiers returns the built-in provider set keyed by the
// CheckCaptchaConfig.Provider string.
func DefaultVerifiers() map[string]CaptchaVerifier {
	return map[string]CaptchaVerifier{
		"turnstile": turnstileVerifier{},
		"hcaptcha":  hcaptchaVerifier{},
		"mock":      mockVerifier{},
	}
}
