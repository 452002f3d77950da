package session

import (
	"fmt"
	"net/http"
	"strings"
)

// Credential authorizes outgoing requests for a session.
type Credential interface {
	Authorize(req *http.Request) error
}

// TokenSource provides bearer tokens. Defined at the consumer; the auth
// package supplies OAuth2-backed implementations.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token returns t.
func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// BearerCredential sets "Authorization: Bearer <token>" from Source on
// every request. The source is consulted per request so refreshes apply.
type BearerCredential struct {
	Source TokenSource
}

// Authorize implements Credential.
func (c *BearerCredential) Authorize(req *http.Request) error {
	tok, err := c.Source.Token()
	if err != nil {
		return fmt.Errorf("obtaining token: %w", err)
	}

	SetBearer(req, tok)

	return nil
}

// CookieCredential attaches authentication cookies to every request.
type CookieCredential struct {
	Cookies []*http.Cookie
}

// Authorize implements Credential.
func (c *CookieCredential) Authorize(req *http.Request) error {
	for _, ck := range c.Cookies {
		req.AddCookie(ck)
	}

	return nil
}

const bearerPrefix = "Bearer "

// SetBearer sets the Authorization header to a bearer token.
func SetBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", bearerPrefix+token)
}

// BearerFromHeader extracts the token from an Authorization header value.
// Returns "" when the value is not a bearer token.
func BearerFromHeader(value string) string {
	if len(value) < len(bearerPrefix) || !strings.EqualFold(value[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}

	return strings.TrimSpace(value[len(bearerPrefix):])
}
