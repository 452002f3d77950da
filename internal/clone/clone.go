// Package clone derives sessions bound to other sites from an existing
// session, reusing its credential when the audience is unchanged and
// acquiring a new one when it is not.
package clone

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/csom-go/internal/auth"
	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
)

// UnsupportedCloneKindError reports a credential kind the cloner cannot
// reacquire for, or an authentication manager that produced no session.
type UnsupportedCloneKindError struct {
	Kind settings.Kind
}

func (e *UnsupportedCloneKindError) Error() string {
	return fmt.Sprintf("clone: cloning for credential kind %s is not supported", e.Kind)
}

func (e *UnsupportedCloneKindError) Unwrap() error {
	return session.ErrUnsupportedCloneKind
}

// Cloner creates sessions for other sites. Safe for concurrent use.
type Cloner struct {
	registry *settings.Registry
	logger   *slog.Logger
}

// New creates a Cloner. A nil registry selects settings.Default().
func New(registry *settings.Registry, logger *slog.Logger) *Cloner {
	if registry == nil {
		registry = settings.Default()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cloner{registry: registry, logger: logger}
}

// Clone returns a session bound to targetURL that carries the request tag
// and cache flag of src and starts with an empty queue.
//
// When src has registered settings, a same-audience target shares them
// (their site URL is moved to targetURL) and forwards src's request
// decoration. A different audience gets a new credential according to the
// settings' kind. Errors from the authentication manager are returned
// unchanged.
//
// Without settings, explicitTokens maps target authorities to bearer
// tokens. A nil map lets src's PropertyAccessTokens bag be consulted; a
// non-nil map, even empty, does not.
func (c *Cloner) Clone(
	ctx context.Context,
	src *session.Session,
	targetURL string,
	explicitTokens map[string]string,
) (*session.Session, error) {
	if src == nil {
		return nil, fmt.Errorf("clone: nil source session: %w", session.ErrInvalidArgument)
	}

	if targetURL == "" {
		return nil, fmt.Errorf("clone: URL of the site is required: %w", session.ErrInvalidArgument)
	}

	target, err := url.Parse(targetURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("clone: invalid site URL %q: %w", targetURL, session.ErrInvalidArgument)
	}

	var dst *session.Session

	if st, ok := c.registry.Get(src); ok {
		if st.UsesDifferentAudience(targetURL) {
			dst, err = c.reacquire(ctx, src, st, targetURL)
		} else {
			dst, err = c.sameAudience(src, st, targetURL)
		}
	} else {
		dst, err = c.fallback(ctx, src, target, explicitTokens)
	}

	if err != nil {
		return nil, err
	}

	dst.SetRequestTag(src.RequestTag())
	dst.SetDisableCache(src.DisableCache())

	return dst, nil
}

// SiteCollection clones src to the site collection URL returned by
// resolve.
func (c *Cloner) SiteCollection(
	ctx context.Context,
	src *session.Session,
	resolve func(ctx context.Context) (string, error),
) (*session.Session, error) {
	siteURL, err := resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("clone: resolving site collection URL: %w", err)
	}

	return c.Clone(ctx, src, siteURL, nil)
}

func (c *Cloner) sameAudience(src *session.Session, st *settings.Settings, targetURL string) (*session.Session, error) {
	dst, err := src.Derive(targetURL)
	if err != nil {
		return nil, err
	}

	st.SetSiteURL(targetURL)
	c.registry.Set(dst, st)
	dst.AddHook(src.Decorate)

	c.logger.Debug("cloned session for same audience",
		slog.String("source", src.URL()),
		slog.String("target", targetURL),
		slog.String("kind", st.Kind.String()),
	)

	return dst, nil
}

// reacquire obtains a session with a credential valid for the audience of
// targetURL.
func (c *Cloner) reacquire(
	ctx context.Context,
	src *session.Session,
	st *settings.Settings,
	targetURL string,
) (*session.Session, error) {
	var (
		dst *session.Session
		err error
	)

	switch st.Kind {
	case settings.KindCookie:
		dst, err = src.Derive(targetURL)
		if err != nil {
			return nil, err
		}

		dst.AddHook(src.Decorate)
		c.registry.Set(dst, settings.New(settings.KindCookie, targetURL))
	case settings.KindAppOnlyACS:
		if st.Auth == nil {
			return nil, &UnsupportedCloneKindError{Kind: st.Kind}
		}

		dst, err = st.Auth.AppOnlySession(ctx, targetURL, st.ClientID, st.ClientSecret, st.Environment)
	case settings.KindCertificate, settings.KindInteractive, settings.KindDelegated:
		if st.Auth == nil {
			return nil, &UnsupportedCloneKindError{Kind: st.Kind}
		}

		dst, err = st.Auth.DelegatedSession(ctx, targetURL)
	default:
		return nil, &UnsupportedCloneKindError{Kind: st.Kind}
	}

	if err != nil {
		return nil, err
	}

	if dst == nil {
		return nil, &UnsupportedCloneKindError{Kind: st.Kind}
	}

	c.logger.Debug("cloned session for new audience",
		slog.String("source", src.URL()),
		slog.String("target", targetURL),
		slog.String("kind", st.Kind.String()),
	)

	return dst, nil
}

// fallback clones a session nothing is known about. Credentials are chosen
// by comparing hosts: delegation first, then an explicit token, then the
// source's token bag, else the source's own decoration.
func (c *Cloner) fallback(
	ctx context.Context,
	src *session.Session,
	target *url.URL,
	explicitTokens map[string]string,
) (*session.Session, error) {
	dst, err := src.Derive(target.String())
	if err != nil {
		return nil, err
	}

	authority := target.Host
	path := "forward"

	switch {
	case strings.EqualFold(src.Host(), target.Hostname()):
		dst.AddHook(src.Decorate)
	case hasDelegation(ctx):
		d, _ := auth.DelegationFrom(ctx)
		dst.AddHook(delegationHook(d, authority))

		path = "delegation"
	case hasKey(explicitTokens, authority):
		dst.AddHook(bearerHook(explicitTokens[authority]))

		path = "explicit_token"
	case explicitTokens == nil && hasKey(propertyTokens(src), authority):
		dst.AddHook(bearerHook(propertyTokens(src)[authority]))

		path = "property_bag"
	default:
		dst.AddHook(src.Decorate)
	}

	c.logger.Debug("cloned unregistered session",
		slog.String("source", src.URL()),
		slog.String("target", target.String()),
		slog.String("credential", path),
	)

	return dst, nil
}

func hasDelegation(ctx context.Context) bool {
	_, ok := auth.DelegationFrom(ctx)
	return ok
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

func propertyTokens(s *session.Session) map[string]string {
	v, _ := s.Property(session.PropertyAccessTokens)
	tokens, _ := v.(map[string]string)

	return tokens
}

// delegationHook fetches a fresh token for every request so an expired
// token is never reused.
func delegationHook(d auth.Delegation, authority string) session.Hook {
	return func(req *http.Request) error {
		tok, err := d.AcquireToken(req.Context(), authority, "")
		if err != nil {
			return fmt.Errorf("clone: delegated token for %s: %w", authority, err)
		}

		session.SetBearer(req, tok)

		return nil
	}
}

func bearerHook(token string) session.Hook {
	return func(req *http.Request) error {
		session.SetBearer(req, token)
		return nil
	}
}
