package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tonimelisma/csom-go/internal/auth"
	"github.com/tonimelisma/csom-go/internal/clone"
	"github.com/tonimelisma/csom-go/internal/executor"
	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
	"github.com/tonimelisma/csom-go/internal/transport"
)

var errNoSite = errors.New("no site URL: pass --site, set CSOM_GO_SITE_URL, or add site_url to the config file")

// app wires the packages a command needs from the resolved configuration.
type app struct {
	cc       *CLIContext
	kind     settings.Kind
	registry *settings.Registry
	client   *transport.Client
	executor *executor.Executor
	cloner   *clone.Cloner
	tokens   *auth.TokenProvider

	// manager is nil when no client ID is configured.
	manager *auth.Manager

	// open creates the session for the configured site.
	open func(ctx context.Context) (*session.Session, error)
}

// newApp builds an app. A nil httpClient selects one bounded by the
// configured request timeout.
func newApp(cc *CLIContext, httpClient *http.Client) (*app, error) {
	kind, err := settings.ParseKind(cc.Cfg.Credential)
	if err != nil {
		return nil, err
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cc.Cfg.RequestTimeout}
	}

	registry := settings.NewRegistry()
	client := transport.NewClient(httpClient, cc.Logger)

	a := &app{
		cc:       cc,
		kind:     kind,
		registry: registry,
		client:   client,
		executor: executor.New(cc.Cfg.UserAgent, cc.Logger),
		cloner:   clone.New(registry, cc.Logger),
		tokens:   auth.NewTokenProvider(registry, cc.Logger),
	}

	if cc.Cfg.ClientID != "" {
		a.manager, err = auth.NewManager(auth.ManagerConfig{
			Kind:         kind,
			ClientID:     cc.Cfg.ClientID,
			ClientSecret: cc.Cfg.ClientSecret,
			Tenant:       cc.Cfg.Tenant,
			Environment:  settings.Environment(cc.Cfg.Environment),
			TokenPath:    cc.Cfg.TokenPath,
		}, registry, client, httpClient, cc.Logger)
		if err != nil {
			return nil, err
		}
	}

	a.open = a.openSession

	return a, nil
}

// requireManager returns the auth manager or explains how to configure one.
func (a *app) requireManager() (*auth.Manager, error) {
	if a.manager == nil {
		return nil, errors.New("no client_id configured: add client_id to the config file")
	}

	return a.manager, nil
}

func (a *app) siteURL() (string, error) {
	if a.cc.Cfg.SiteURL == "" {
		return "", errNoSite
	}

	return a.cc.Cfg.SiteURL, nil
}

// openSession authenticates a session for the configured site with the
// configured credential kind.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	site, err := a.siteURL()
	if err != nil {
		return nil, err
	}

	mgr, err := a.requireManager()
	if err != nil {
		return nil, err
	}

	switch a.kind {
	case settings.KindAppOnlyACS:
		return mgr.AppOnlySession(ctx, site, a.cc.Cfg.ClientID, a.cc.Cfg.ClientSecret,
			settings.Environment(a.cc.Cfg.Environment))
	case settings.KindDelegated, settings.KindInteractive, settings.KindCertificate:
		return mgr.DelegatedSession(ctx, site)
	case settings.KindCookie:
		return nil, fmt.Errorf("credential %q cannot be used from the command line", a.kind)
	default:
		return nil, fmt.Errorf("credential %q is not supported", a.kind)
	}
}

// execOptions are the executor options every command passes.
func (a *app) execOptions(operation string) []executor.Option {
	return []executor.Option{
		executor.WithRetryCount(a.cc.Cfg.RetryCount),
		executor.WithDelay(a.cc.Cfg.RetryDelay),
		executor.WithOperation(operation),
	}
}
