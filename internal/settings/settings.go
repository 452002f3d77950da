// Package settings records how each session authenticates so that later
// operations (cloning, audience comparison, token lookup) do not need to
// re-derive it.
package settings

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tonimelisma/csom-go/internal/session"
)

// Kind is the closed set of credential kinds a session can use.
type Kind int

// Credential kinds.
const (
	KindCookie Kind = iota + 1
	KindAppOnlyACS
	KindCertificate
	KindInteractive
	KindDelegated
)

var kindNames = map[Kind]string{
	KindCookie:      "cookie",
	KindAppOnlyACS:  "app_only_acs",
	KindCertificate: "certificate",
	KindInteractive: "interactive",
	KindDelegated:   "delegated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a config name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown credential kind %q", name)
}

// Environment identifies the cloud a tenant lives in.
type Environment string

// Supported cloud environments.
const (
	EnvironmentProduction    Environment = "production"
	EnvironmentPreProduction Environment = "pre_production"
	EnvironmentUSGovernment  Environment = "us_government"
	EnvironmentChina         Environment = "china"
	EnvironmentGermany       Environment = "germany"
)

// Valid reports whether e is a known environment. The empty value means
// production.
func (e Environment) Valid() bool {
	switch e {
	case "", EnvironmentProduction, EnvironmentPreProduction, EnvironmentUSGovernment,
		EnvironmentChina, EnvironmentGermany:
		return true
	default:
		return false
	}
}

// AuthManager issues credentials for sessions. Defined here because every
// Settings carries a back-reference to the manager able to serve it.
type AuthManager interface {
	AccessToken(ctx context.Context, siteURL string) (string, error)
	DelegatedSession(ctx context.Context, siteURL string) (*session.Session, error)
	AppOnlySession(ctx context.Context, siteURL, clientID, clientSecret string, env Environment) (*session.Session, error)
}

// Settings describes how a session authenticates. The site URL is updated
// in place when a session is retargeted within the same audience, so it is
// guarded; the other fields are fixed at construction.
type Settings struct {
	Kind         Kind
	ClientID     string
	ClientSecret string
	Environment  Environment
	Auth         AuthManager

	mu      sync.RWMutex
	siteURL string
}

// New creates Settings for siteURL.
func New(kind Kind, siteURL string) *Settings {
	return &Settings{Kind: kind, siteURL: siteURL}
}

// SiteURL returns the current target site URL.
func (s *Settings) SiteURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.siteURL
}

// SetSiteURL retargets the settings.
func (s *Settings) SetSiteURL(siteURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.siteURL = siteURL
}

// UsesDifferentAudience reports whether targetURL's authority differs from
// the current site URL's. Authorities compare case-insensitively; an
// unparsable URL is treated as a different audience.
func (s *Settings) UsesDifferentAudience(targetURL string) bool {
	current, err := url.Parse(s.SiteURL())
	if err != nil {
		return true
	}

	target, err := url.Parse(targetURL)
	if err != nil {
		return true
	}

	return !strings.EqualFold(current.Host, target.Host)
}
