package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
	"github.com/tonimelisma/csom-go/internal/tokenfile"
)

// ErrNotLoggedIn is returned when a delegated flow has no saved refresh
// token.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// defaultSourceCacheSize bounds the number of per-audience token sources
// kept warm.
const defaultSourceCacheSize = 64

// ManagerConfig selects the credential a Manager issues tokens for.
type ManagerConfig struct {
	// Kind is KindAppOnlyACS for client-secret ACS tokens; every other
	// kind uses the saved delegated refresh token.
	Kind         settings.Kind
	ClientID     string
	ClientSecret string
	// Tenant is the Entra tenant for delegated flows and the ACS realm for
	// app-only flows.
	Tenant      string
	Environment settings.Environment
	TokenPath   string
	CacheSize   int
}

// Manager is the OAuth2-backed settings.AuthManager. Token sources are
// cached per audience and the first fetch for an audience is shared by
// concurrent callers.
type Manager struct {
	cfg       ManagerConfig
	registry  *settings.Registry
	transport session.Transport
	logger    *slog.Logger

	// baseCtx carries the HTTP client for oauth2 and must outlive every
	// cached token source, so it is never a request context.
	baseCtx context.Context
	sources *lru.Cache[string, oauth2.TokenSource]
	group   *singleflight.Group

	endpoint oauth2.Endpoint
	acsURL   func(env settings.Environment, realm string) string
}

var _ settings.AuthManager = (*Manager)(nil)

// NewManager creates a Manager. Sessions it creates submit through
// transport and are registered in registry (nil selects settings.Default()).
func NewManager(
	cfg ManagerConfig,
	registry *settings.Registry,
	transport session.Transport,
	httpClient *http.Client,
	logger *slog.Logger,
) (*Manager, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("auth: client ID is required: %w", session.ErrInvalidArgument)
	}

	if cfg.Kind == settings.KindAppOnlyACS && (cfg.ClientSecret == "" || cfg.Tenant == "") {
		return nil, fmt.Errorf("auth: app-only credentials need a client secret and realm: %w", session.ErrInvalidArgument)
	}

	if registry == nil {
		registry = settings.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = defaultSourceCacheSize
	}

	sources, err := lru.New[string, oauth2.TokenSource](size)
	if err != nil {
		return nil, fmt.Errorf("auth: creating token source cache: %w", err)
	}

	return &Manager{
		cfg:       cfg,
		registry:  registry,
		transport: transport,
		logger:    logger,
		baseCtx:   context.WithValue(context.Background(), oauth2.HTTPClient, httpClient),
		sources:   sources,
		group:     &singleflight.Group{},
		endpoint:  entraEndpoint(cfg.Environment, cfg.Tenant),
		acsURL:    acsTokenURL,
	}, nil
}

// with returns a Manager sharing caches and collaborators but issuing
// tokens for cfg.
func (m *Manager) with(cfg ManagerConfig) *Manager {
	derived := *m
	derived.cfg = cfg

	return &derived
}

// Kind returns the credential kind this manager serves.
func (m *Manager) Kind() settings.Kind {
	return m.cfg.Kind
}

// AccessToken returns a bearer token for the audience of siteURL.
func (m *Manager) AccessToken(ctx context.Context, siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("auth: invalid site URL %q: %w", siteURL, session.ErrInvalidArgument)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		key   string
		build func() oauth2.TokenSource
	)

	if m.cfg.Kind == settings.KindAppOnlyACS {
		key = fmt.Sprintf("acs|%s|%s|%s", m.cfg.ClientID, normalizeEnvironment(m.cfg.Environment), u.Host)
		build = func() oauth2.TokenSource { return m.acsSource(u.Hostname()) }
	} else {
		key = "delegated|" + m.cfg.TokenPath + "|" + u.Host
		build = func() oauth2.TokenSource { return m.delegatedSource(u.Host, u.Hostname()) }
	}

	v, err, shared := m.group.Do(key, func() (any, error) {
		src, ok := m.sources.Get(key)
		if !ok {
			src = build()
			m.sources.Add(key, src)
		}

		return src.Token()
	})
	if err != nil {
		m.logger.Warn("token acquisition failed",
			slog.String("audience", u.Host),
			slog.String("kind", m.cfg.Kind.String()),
			slog.String("error", err.Error()),
		)

		return "", fmt.Errorf("auth: obtaining token for %s: %w", u.Host, err)
	}

	tok, _ := v.(*oauth2.Token)
	if tok == nil {
		return "", fmt.Errorf("auth: empty token for %s", u.Host)
	}

	m.logger.Debug("token acquired",
		slog.String("audience", u.Host),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("shared", shared),
	)

	return tok.AccessToken, nil
}

// acsSource builds a client-credentials source against Azure ACS.
func (m *Manager) acsSource(host string) oauth2.TokenSource {
	realm := m.cfg.Tenant
	cc := &clientcredentials.Config{
		ClientID:     m.cfg.ClientID + "@" + realm,
		ClientSecret: m.cfg.ClientSecret,
		TokenURL:     m.acsURL(m.cfg.Environment, realm),
		EndpointParams: url.Values{
			"resource": {acsResource(host, realm)},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	return cc.TokenSource(m.baseCtx)
}

// delegatedSource reuses the cached access token for authority until it
// expires, then exchanges the saved refresh token for a new one.
func (m *Manager) delegatedSource(authority, host string) oauth2.TokenSource {
	var cached *oauth2.Token

	if tf, err := tokenfile.Load(m.cfg.TokenPath); err == nil && tf != nil {
		cached = tf.AccessToken(authority)
	}

	return oauth2.ReuseTokenSource(cached, &refreshSource{m: m, authority: authority, host: host})
}

// refreshSource exchanges the account's refresh token for an access token
// scoped to one SharePoint host. Entra refresh tokens are valid across
// resources, so one login serves every audience.
type refreshSource struct {
	m         *Manager
	authority string
	host      string
}

func (r *refreshSource) Token() (*oauth2.Token, error) {
	tf, err := tokenfile.Load(r.m.cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	if tf == nil {
		return nil, ErrNotLoggedIn
	}

	// The refresh grant goes through clientcredentials because it is the
	// only oauth2 entry point that sends a scope with a custom grant.
	cc := &clientcredentials.Config{
		ClientID: r.m.cfg.ClientID,
		TokenURL: r.m.endpoint.TokenURL,
		Scopes:   []string{audienceScope(r.host), "offline_access"},
		EndpointParams: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tf.RefreshToken},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	tok, err := cc.Token(r.m.baseCtx)
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %s: %w", r.host, err)
	}

	if err := tokenfile.Update(r.m.cfg.TokenPath, func(f *tokenfile.File) {
		f.SetAccessToken(r.authority, tok)
	}); err != nil {
		r.m.logger.Warn("failed to persist refreshed token",
			slog.String("path", r.m.cfg.TokenPath),
			slog.String("error", err.Error()),
		)
	}

	r.m.logger.Info("token refreshed",
		slog.String("audience", r.authority),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// DelegatedSession creates a session for siteURL using this manager's own
// credential. The first token is fetched eagerly so failures surface here.
func (m *Manager) DelegatedSession(ctx context.Context, siteURL string) (*session.Session, error) {
	return m.newSession(ctx, siteURL, m)
}

// AppOnlySession creates a session for siteURL authenticated with an ACS
// client secret.
func (m *Manager) AppOnlySession(
	ctx context.Context,
	siteURL, clientID, clientSecret string,
	env settings.Environment,
) (*session.Session, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("auth: app-only session needs client ID and secret: %w", session.ErrInvalidArgument)
	}

	realm := m.cfg.Tenant
	if realm == "" {
		return nil, fmt.Errorf("auth: app-only session needs a realm: %w", session.ErrInvalidArgument)
	}

	mgr := m.with(ManagerConfig{
		Kind:         settings.KindAppOnlyACS,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Tenant:       realm,
		Environment:  env,
		CacheSize:    m.cfg.CacheSize,
	})

	return m.newSession(ctx, siteURL, mgr)
}

func (m *Manager) newSession(ctx context.Context, siteURL string, mgr *Manager) (*session.Session, error) {
	if _, err := mgr.AccessToken(ctx, siteURL); err != nil {
		return nil, err
	}

	s, err := session.New(siteURL, m.transport)
	if err != nil {
		return nil, err
	}

	s.SetCredential(&session.BearerCredential{Source: &audienceToken{m: mgr, siteURL: siteURL}})

	st := settings.New(mgr.cfg.Kind, siteURL)
	st.ClientID = mgr.cfg.ClientID
	st.ClientSecret = mgr.cfg.ClientSecret
	st.Environment = mgr.cfg.Environment
	st.Auth = mgr
	m.registry.Set(s, st)

	m.logger.Info("session created",
		slog.String("url", siteURL),
		slog.String("kind", mgr.cfg.Kind.String()),
		slog.String("session", s.ID()),
	)

	return s, nil
}

// audienceToken adapts a Manager to session.TokenSource for one site.
type audienceToken struct {
	m       *Manager
	siteURL string
}

func (a *audienceToken) Token() (string, error) {
	return a.m.AccessToken(context.Background(), a.siteURL)
}

// DeviceAuth holds the device code response fields that the CLI displays to the user.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login runs the device code flow for the audience of siteURL and saves
// the resulting refresh token at the configured token path.
func (m *Manager) Login(ctx context.Context, siteURL string, display func(DeviceAuth)) error {
	u, err := url.Parse(siteURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("auth: invalid site URL %q: %w", siteURL, session.ErrInvalidArgument)
	}

	cfg := &oauth2.Config{
		ClientID: m.cfg.ClientID,
		Endpoint: m.endpoint,
		Scopes:   []string{audienceScope(u.Hostname()), "offline_access"},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.baseCtx.Value(oauth2.HTTPClient))

	m.logger.Info("starting device code auth flow", slog.String("path", m.cfg.TokenPath))

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("auth: device auth request failed: %w", err)
	}

	display(DeviceAuth{UserCode: da.UserCode, VerificationURI: da.VerificationURI})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("auth: device code authorization failed: %w", err)
	}

	if tok.RefreshToken == "" {
		return fmt.Errorf("auth: authorization server returned no refresh token")
	}

	tf := &tokenfile.File{Tenant: m.cfg.Tenant, ClientID: m.cfg.ClientID}
	tf.SetAccessToken(u.Host, tok)

	if err := tokenfile.Save(m.cfg.TokenPath, tf); err != nil {
		return fmt.Errorf("auth: saving token: %w", err)
	}

	m.sources.Purge()

	m.logger.Info("login successful",
		slog.String("path", m.cfg.TokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return nil
}

// Logout removes the saved token file and forgets cached token sources.
func (m *Manager) Logout() error {
	m.sources.Purge()

	if err := tokenfile.Remove(m.cfg.TokenPath); err != nil {
		return err
	}

	m.logger.Info("logout: removed token file", slog.String("path", m.cfg.TokenPath))

	return nil
}

// TokenExpiry reports when the cached token for authority expires, or the
// zero time when nothing is cached.
func (m *Manager) TokenExpiry(authority string) (time.Time, error) {
	tf, err := tokenfile.Load(m.cfg.TokenPath)
	if err != nil || tf == nil {
		return time.Time{}, err
	}

	if tok := tf.AccessToken(authority); tok != nil {
		return tok.Expiry, nil
	}

	return time.Time{}, nil
}
