package clone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/csom-go/internal/auth"
	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/session/sessiontest"
	"github.com/tonimelisma/csom-go/internal/settings"
	"github.com/tonimelisma/csom-go/internal/settings/settingstest"
)

const (
	sourceURL      = "https://contoso.sharepoint.com/sites/dev"
	sameHost       = "https://contoso.sharepoint.com/sites/marketing"
	otherHost      = "https://fabrikam.sharepoint.com/sites/hr"
	otherAuthority = "fabrikam.sharepoint.com"
)

// newSource returns a session with a tag, the cache flag set, a queued
// operation and a static bearer credential.
func newSource(t *testing.T, tr *sessiontest.Transport) *session.Session {
	t.Helper()

	s, err := session.New(sourceURL, tr)
	require.NoError(t, err)

	s.SetRequestTag("provisioning:apply")
	s.SetDisableCache(true)
	s.SetCredential(&session.BearerCredential{Source: session.StaticToken("source-token")})
	s.Queue(session.Operation{Name: "pending"})

	return s
}

// sentAuthorization executes s and returns the Authorization header of the
// request it sent.
func sentAuthorization(t *testing.T, tr *sessiontest.Transport, s *session.Session) string {
	t.Helper()

	before := len(tr.Calls())
	require.NoError(t, s.ExecuteQuery(context.Background()))

	calls := tr.Calls()
	require.Len(t, calls, before+1)

	return calls[before].Header.Get("Authorization")
}

func assertCopiedFlags(t *testing.T, src, dst *session.Session) {
	t.Helper()

	assert.Equal(t, src.RequestTag(), dst.RequestTag())
	assert.Equal(t, src.DisableCache(), dst.DisableCache())
	assert.Equal(t, 0, dst.PendingCount(), "clone owns an empty queue")
}

func TestClone_InvalidArguments(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	src := newSource(t, sessiontest.New())

	for _, target := range []string{"", "::not a url", "/relative/path"} {
		_, err := c.Clone(context.Background(), src, target, nil)
		assert.ErrorIs(t, err, session.ErrInvalidArgument, target)
	}

	_, err := c.Clone(context.Background(), nil, sameHost, nil)
	assert.ErrorIs(t, err, session.ErrInvalidArgument)
}

func TestClone_SameAudienceSharesSettings(t *testing.T) {
	for _, target := range []string{sameHost, "https://CONTOSO.sharepoint.com/sites/legal"} {
		t.Run(target, func(t *testing.T) {
			reg := settings.NewRegistry()
			c := New(reg, nil)
			tr := sessiontest.New()
			src := newSource(t, tr)

			mgr := &settingstest.AuthManager{}
			st := settings.New(settings.KindDelegated, sourceURL)
			st.Auth = mgr
			reg.Set(src, st)

			dst, err := c.Clone(context.Background(), src, target, nil)
			require.NoError(t, err)

			assert.Equal(t, target, dst.URL())
			assert.Equal(t, target, st.SiteURL(), "settings updated in place")

			got, ok := reg.Get(dst)
			require.True(t, ok)
			assert.Same(t, st, got)

			assertCopiedFlags(t, src, dst)
			assert.Equal(t, 1, src.PendingCount(), "source queue untouched")
			assert.Equal(t, "Bearer source-token", sentAuthorization(t, tr, dst))

			mgr.AssertNotCalled(t, "DelegatedSession", mock.Anything, mock.Anything)
			mgr.AssertNotCalled(t, "AccessToken", mock.Anything, mock.Anything)
		})
	}
}

func TestClone_SameAudienceForwardsLaterHooks(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	tr := sessiontest.New()
	src := newSource(t, tr)
	reg.Set(src, settings.New(settings.KindCertificate, sourceURL))

	dst, err := c.Clone(context.Background(), src, sameHost, nil)
	require.NoError(t, err)

	// Hooks attached to the source after cloning still fire for the clone.
	src.AddHook(func(req *http.Request) error {
		req.Header.Set("X-Refreshed", "yes")
		return nil
	})

	require.NoError(t, dst.ExecuteQuery(context.Background()))
	assert.Equal(t, "yes", tr.Calls()[0].Header.Get("X-Refreshed"))
}

func TestClone_DifferentAudienceCookie(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	tr := sessiontest.New()

	src, err := session.New(sourceURL, tr)
	require.NoError(t, err)
	src.SetRequestTag("cookie-run")
	src.SetCredential(&session.CookieCredential{Cookies: []*http.Cookie{{Name: "FedAuth", Value: "abc"}}})

	st := settings.New(settings.KindCookie, sourceURL)
	reg.Set(src, st)

	dst, err := c.Clone(context.Background(), src, otherHost, nil)
	require.NoError(t, err)
	assertCopiedFlags(t, src, dst)

	got, ok := reg.Get(dst)
	require.True(t, ok)
	assert.NotSame(t, st, got)
	assert.Equal(t, settings.KindCookie, got.Kind)
	assert.Equal(t, otherHost, got.SiteURL())
	assert.Equal(t, sourceURL, st.SiteURL(), "source settings untouched")

	require.NoError(t, dst.ExecuteQuery(context.Background()))
	assert.Contains(t, tr.Calls()[0].Header.Get("Cookie"), "FedAuth=abc")
}

func TestClone_DifferentAudienceAppOnly(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	src := newSource(t, sessiontest.New())

	issued, err := session.New(otherHost, sessiontest.New())
	require.NoError(t, err)

	mgr := &settingstest.AuthManager{}
	mgr.On("AppOnlySession", mock.Anything, otherHost, "app-id", "app-secret", settings.EnvironmentChina).
		Return(issued, nil)

	st := settings.New(settings.KindAppOnlyACS, sourceURL)
	st.ClientID = "app-id"
	st.ClientSecret = "app-secret"
	st.Environment = settings.EnvironmentChina
	st.Auth = mgr
	reg.Set(src, st)

	dst, err := c.Clone(context.Background(), src, otherHost, nil)
	require.NoError(t, err)
	assert.Same(t, issued, dst)
	assertCopiedFlags(t, src, dst)
	assert.Equal(t, sourceURL, st.SiteURL())
	mgr.AssertExpectations(t)
}

func TestClone_DifferentAudienceDelegatedKinds(t *testing.T) {
	for _, kind := range []settings.Kind{settings.KindCertificate, settings.KindInteractive, settings.KindDelegated} {
		t.Run(kind.String(), func(t *testing.T) {
			reg := settings.NewRegistry()
			c := New(reg, nil)
			src := newSource(t, sessiontest.New())

			issued, err := session.New(otherHost, sessiontest.New())
			require.NoError(t, err)

			mgr := &settingstest.AuthManager{}
			mgr.On("DelegatedSession", mock.Anything, otherHost).Return(issued, nil)

			st := settings.New(kind, sourceURL)
			st.Auth = mgr
			reg.Set(src, st)

			dst, err := c.Clone(context.Background(), src, otherHost, nil)
			require.NoError(t, err)
			assert.Same(t, issued, dst)
			assertCopiedFlags(t, src, dst)
			mgr.AssertExpectations(t)
		})
	}
}

func TestClone_UnsupportedKind(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*settingstest.AuthManager) *settings.Settings
		kind  settings.Kind
	}{
		{
			name: "manager returns no session",
			kind: settings.KindDelegated,
			setup: func(m *settingstest.AuthManager) *settings.Settings {
				m.On("DelegatedSession", mock.Anything, otherHost).Return(nil, nil)
				st := settings.New(settings.KindDelegated, sourceURL)
				st.Auth = m

				return st
			},
		},
		{
			name: "no manager",
			kind: settings.KindAppOnlyACS,
			setup: func(*settingstest.AuthManager) *settings.Settings {
				return settings.New(settings.KindAppOnlyACS, sourceURL)
			},
		},
		{
			name: "unknown kind",
			kind: settings.Kind(99),
			setup: func(m *settingstest.AuthManager) *settings.Settings {
				st := settings.New(settings.Kind(99), sourceURL)
				st.Auth = m

				return st
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := settings.NewRegistry()
			c := New(reg, nil)
			src := newSource(t, sessiontest.New())
			reg.Set(src, tt.setup(&settingstest.AuthManager{}))

			_, err := c.Clone(context.Background(), src, otherHost, nil)
			require.ErrorIs(t, err, session.ErrUnsupportedCloneKind)

			var kindErr *UnsupportedCloneKindError
			require.ErrorAs(t, err, &kindErr)
			assert.Equal(t, tt.kind, kindErr.Kind)
		})
	}
}

func TestClone_ManagerErrorPropagatesUnchanged(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	src := newSource(t, sessiontest.New())
	boom := errors.New("AADSTS700016: application not found")

	mgr := &settingstest.AuthManager{}
	mgr.On("DelegatedSession", mock.Anything, otherHost).Return(nil, boom)

	st := settings.New(settings.KindInteractive, sourceURL)
	st.Auth = mgr
	reg.Set(src, st)

	_, err := c.Clone(context.Background(), src, otherHost, nil)
	assert.Same(t, boom, err)
}

func TestClone_FallbackDelegation(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	tr := sessiontest.New()
	src := newSource(t, tr)

	var calls atomic.Int32

	ctx := auth.WithDelegation(context.Background(), auth.DelegationFunc(
		func(_ context.Context, authority, _ string) (string, error) {
			n := calls.Add(1)
			return fmt.Sprintf("%s-%d", authority, n), nil
		}))

	dst, err := c.Clone(ctx, src, otherHost, map[string]string{otherAuthority: "explicit"})
	require.NoError(t, err)
	assertCopiedFlags(t, src, dst)

	assert.Equal(t, "Bearer fabrikam.sharepoint.com-1", sentAuthorization(t, tr, dst))
	assert.Equal(t, "Bearer fabrikam.sharepoint.com-2", sentAuthorization(t, tr, dst), "fresh token per request")
}

func TestClone_FallbackDelegationError(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	tr := sessiontest.New()
	src := newSource(t, tr)
	boom := errors.New("consent required")

	ctx := auth.WithDelegation(context.Background(), auth.DelegationFunc(
		func(context.Context, string, string) (string, error) { return "", boom }))

	dst, err := c.Clone(ctx, src, otherHost, nil)
	require.NoError(t, err)

	err = dst.ExecuteQuery(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, tr.Calls())
}

func TestClone_FallbackExplicitToken(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	tr := sessiontest.New()
	src := newSource(t, tr)

	dst, err := c.Clone(context.Background(), src, otherHost, map[string]string{otherAuthority: "explicit-token"})
	require.NoError(t, err)
	assertCopiedFlags(t, src, dst)
	assert.Equal(t, "Bearer explicit-token", sentAuthorization(t, tr, dst))
}

func TestClone_FallbackPropertyBag(t *testing.T) {
	tests := []struct {
		name     string
		explicit map[string]string
		want     string
	}{
		{"nil map consults bag", nil, "Bearer bag-token"},
		{"empty map skips bag", map[string]string{}, "Bearer source-token"},
		{"map for another authority skips bag", map[string]string{"northwind.sharepoint.com": "x"}, "Bearer source-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(settings.NewRegistry(), nil)
			tr := sessiontest.New()
			src := newSource(t, tr)
			src.SetProperty(session.PropertyAccessTokens, map[string]string{otherAuthority: "bag-token"})

			dst, err := c.Clone(context.Background(), src, otherHost, tt.explicit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sentAuthorization(t, tr, dst))
		})
	}
}

func TestClone_FallbackSameHostForwards(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	tr := sessiontest.New()
	src := newSource(t, tr)

	ctx := auth.WithDelegation(context.Background(), auth.DelegationFunc(
		func(context.Context, string, string) (string, error) {
			t.Error("delegation must not be used for the same host")
			return "", nil
		}))

	dst, err := c.Clone(ctx, src, sameHost, map[string]string{"contoso.sharepoint.com": "explicit"})
	require.NoError(t, err)
	assertCopiedFlags(t, src, dst)
	assert.Equal(t, "Bearer source-token", sentAuthorization(t, tr, dst))
}

func TestClone_FallbackForwardsWhenNothingMatches(t *testing.T) {
	c := New(settings.NewRegistry(), nil)
	tr := sessiontest.New()
	src := newSource(t, tr)

	dst, err := c.Clone(context.Background(), src, otherHost, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer source-token", sentAuthorization(t, tr, dst))
}

func TestClone_ConcurrentFromSharedRoot(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	tr := sessiontest.New()
	src := newSource(t, tr)
	reg.Set(src, settings.New(settings.KindCookie, sourceURL))

	const n = 16

	clones := make([]*session.Session, n)

	g, ctx := errgroup.WithContext(context.Background())

	for i := range n {
		g.Go(func() error {
			target := fmt.Sprintf("https://tenant%d.sharepoint.com/sites/s", i)

			dst, err := c.Clone(ctx, src, target, nil)
			if err != nil {
				return err
			}

			clones[i] = dst

			return dst.ExecuteQuery(ctx)
		})
	}

	require.NoError(t, g.Wait())
	assert.Len(t, tr.Calls(), n)

	for i, dst := range clones {
		want := fmt.Sprintf("https://tenant%d.sharepoint.com/sites/s", i)
		assert.Equal(t, want, dst.URL())
		assertCopiedFlags(t, src, dst)

		st, ok := reg.Get(dst)
		require.True(t, ok)
		assert.Equal(t, want, st.SiteURL())
	}
}

func TestSiteCollection(t *testing.T) {
	reg := settings.NewRegistry()
	c := New(reg, nil)
	src := newSource(t, sessiontest.New())
	st := settings.New(settings.KindDelegated, sourceURL)
	reg.Set(src, st)

	dst, err := c.SiteCollection(context.Background(), src, func(context.Context) (string, error) {
		return "https://contoso.sharepoint.com/sites/dev-root", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://contoso.sharepoint.com/sites/dev-root", dst.URL())
	assert.Equal(t, dst.URL(), st.SiteURL())

	boom := errors.New("contextinfo failed")
	_, err = c.SiteCollection(context.Background(), src, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}
