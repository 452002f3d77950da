// Package settingstest provides a testify mock of settings.AuthManager.
package settingstest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
)

// AuthManager is a mock settings.AuthManager.
type AuthManager struct {
	mock.Mock
}

var _ settings.AuthManager = (*AuthManager)(nil)

// AccessToken implements settings.AuthManager.
func (m *AuthManager) AccessToken(ctx context.Context, siteURL string) (string, error) {
	args := m.Called(ctx, siteURL)

	return args.String(0), args.Error(1)
}

// DelegatedSession implements settings.AuthManager.
func (m *AuthManager) DelegatedSession(ctx context.Context, siteURL string) (*session.Session, error) {
	args := m.Called(ctx, siteURL)
	s, _ := args.Get(0).(*session.Session)

	return s, args.Error(1)
}

// AppOnlySession implements settings.AuthManager.
func (m *AuthManager) AppOnlySession(
	ctx context.Context,
	siteURL, clientID, clientSecret string,
	env settings.Environment,
) (*session.Session, error) {
	args := m.Called(ctx, siteURL, clientID, clientSecret, env)
	s, _ := args.Get(0).(*session.Session)

	return s, args.Error(1)
}
