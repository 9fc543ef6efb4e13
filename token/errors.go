package token

import "net/http"

// OAuthError is an RFC 6749 §5.2 token-endpoint error response. Grounded on
// the teacher's server/oauth2.go error-code-to-status mapping, narrowed to
// the codes this spec's grant algorithms produce.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// StatusCode maps an OAuthError's Code to the HTTP status the token
// endpoint should respond with.
func (e *OAuthError) StatusCode() int {
	switch e.Code {
	case "invalid_client":
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func errInvalidClient(desc string) *OAuthError  { return &OAuthError{Code: "invalid_client", Description: desc} }
func errInvalidGrant(desc string) *OAuthError   { return &OAuthError{Code: "invalid_grant", Description: desc} }
func errInvalidRequest(desc string) *OAuthError { return &OAuthError{Code: "invalid_request", Description: desc} }
func errPKCERequired(desc string) *OAuthError {
	return &OAuthError{Code: "pkce_required", Description: desc}
}
func errPKCEFailed(desc string) *OAuthError {
	return &OAuthError{Code: "pkce_verification_failed", Description: desc}
}
func errUnsupportedGrant(desc string) *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Description: desc}
}
