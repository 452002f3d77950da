// Package auth resolves bearer tokens for sessions and issues new
// credentials for them through OAuth2.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
)

// userPrincipalClaim is present only in tokens issued for a signed-in user.
const userPrincipalClaim = "upn"

// TokenProvider resolves the bearer token a session is using.
type TokenProvider struct {
	registry *settings.Registry
	logger   *slog.Logger
}

// NewTokenProvider creates a TokenProvider. A nil registry selects
// settings.Default().
func NewTokenProvider(registry *settings.Registry, logger *slog.Logger) *TokenProvider {
	if registry == nil {
		registry = settings.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TokenProvider{registry: registry, logger: logger}
}

// Token returns the bearer token for s, trying in order: the delegation in
// ctx, the registered authentication manager, and finally observation of
// the Authorization header on an empty probe submission. Returns "" with a
// nil error when no step yields a token. Probe transport failures are
// returned as errors, not treated as "no token".
func (p *TokenProvider) Token(ctx context.Context, s *session.Session) (string, error) {
	if d, ok := DelegationFrom(ctx); ok {
		tok, err := d.AcquireToken(ctx, s.Authority(), "")
		if err != nil {
			return "", fmt.Errorf("auth: delegated token for %s: %w", s.Authority(), err)
		}

		p.logger.Debug("token resolved from delegation", slog.String("authority", s.Authority()))

		return tok, nil
	}

	if st, ok := p.registry.Get(s); ok && st.Auth != nil {
		tok, err := st.Auth.AccessToken(ctx, s.URL())
		if err != nil {
			return "", fmt.Errorf("auth: token from manager for %s: %w", s.URL(), err)
		}

		p.logger.Debug("token resolved from authentication manager",
			slog.String("url", s.URL()),
			slog.String("kind", st.Kind.String()),
		)

		return tok, nil
	}

	return p.observe(ctx, s)
}

// observe captures the bearer token from a probe request's headers.
func (p *TokenProvider) observe(ctx context.Context, s *session.Session) (string, error) {
	var (
		mu  sync.Mutex
		tok string
	)

	remove := s.AddHook(func(req *http.Request) error {
		if bearer := session.BearerFromHeader(req.Header.Get("Authorization")); bearer != "" {
			mu.Lock()
			tok = bearer
			mu.Unlock()
		}

		return nil
	})
	defer remove()

	if err := s.Probe(ctx); err != nil {
		return "", fmt.Errorf("auth: probing %s for token: %w", s.URL(), err)
	}

	mu.Lock()
	defer mu.Unlock()

	p.logger.Debug("token observed on probe request",
		slog.String("url", s.URL()),
		slog.Bool("found", tok != ""),
	)

	return tok, nil
}

// IsAppOnly reports whether s acts as an application without user
// context: the token carries no user principal claim, or there is no
// token and no credential at all.
func (p *TokenProvider) IsAppOnly(ctx context.Context, s *session.Session) (bool, error) {
	tok, err := p.Token(ctx, s)
	if err != nil {
		return false, err
	}

	if tok == "" {
		return !s.HasCredential(), nil
	}

	claims, err := Claims(tok)
	if err != nil {
		return false, err
	}

	upn, _ := claims[userPrincipalClaim].(string)

	return upn == "", nil
}

// Claims decodes the claim set of a JWT without verifying its signature.
// Tokens reaching this point were issued by a trusted authority.
func Claims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("auth: decoding token claims: %w", err)
	}

	return claims, nil
}
