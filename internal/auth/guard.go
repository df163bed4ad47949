package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// GitHubSessionURL is the sign-in form endpoint checked by LoginGuard.
const GitHubSessionURL = "https://github.com/session"

// LoginGuard restricts which accounts may sign in to GitHub through the
// proxy. The login form field must end with Suffix.
type LoginGuard struct {
	Suffix string
}

// NewLoginGuard returns nil when suffix is empty, which disables the guard.
func NewLoginGuard(suffix string) *LoginGuard {
	if suffix == "" {
		return nil
	}
	return &LoginGuard{Suffix: suffix}
}

// Applies reports whether the request targets the sign-in endpoint.
func (g *LoginGuard) Applies(method, rawURL string) bool {
	if g == nil || method != http.MethodPost {
		return false
	}
	return strings.TrimSuffix(rawURL, "/") == GitHubSessionURL
}

// Allow inspects a sign-in body. Requests the guard does not apply to are
// always allowed.
func (g *LoginGuard) Allow(method, rawURL string, body []byte) bool {
	if !g.Applies(method, rawURL) {
		return true
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	return strings.HasSuffix(form.Get("login"), g.Suffix)
}
