package session_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/session/sessiontest"
)

const siteURL = "https://contoso.sharepoint.com/sites/dev"

func newSession(t *testing.T, tr session.Transport) *session.Session {
	t.Helper()

	s, err := session.New(siteURL, tr)
	require.NoError(t, err)

	return s
}

func TestNew_RejectsBadURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"relative", "/sites/dev"},
		{"no host", "https://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.New(tt.url, sessiontest.New())
			assert.ErrorIs(t, err, session.ErrInvalidArgument)
		})
	}
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := session.New(siteURL, nil)
	assert.ErrorIs(t, err, session.ErrInvalidArgument)
}

func TestSession_Identity(t *testing.T) {
	s, err := session.New("https://contoso.sharepoint.com:8443/sites/dev", sessiontest.New())
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "contoso.sharepoint.com", s.Host())
	assert.Equal(t, "contoso.sharepoint.com:8443", s.Authority())

	other := newSession(t, sessiontest.New())
	assert.NotEqual(t, s.ID(), other.ID())
}

func TestSetRequestTag_TruncatesLeftAnchored(t *testing.T) {
	s := newSession(t, sessiontest.New())

	long := strings.Repeat("abcdefghij", 5)
	s.SetRequestTag(long)

	assert.Len(t, s.RequestTag(), session.MaxRequestTagLength)
	assert.Equal(t, long[:32], s.RequestTag())

	s.SetRequestTag("short")
	assert.Equal(t, "short", s.RequestTag())
}

func TestTruncateTag_CountsCharacters(t *testing.T) {
	tag := strings.Repeat("é", 40)
	got := session.TruncateTag(tag)

	assert.Equal(t, strings.Repeat("é", 32), got)
}

func TestExecuteQuery_SubmitsInOrderAndDrains(t *testing.T) {
	tr := sessiontest.New()
	tr.Version = "16.0.1.2"
	s := newSession(t, tr)

	s.Queue(session.Operation{Name: "first"})
	s.Queue(session.Operation{Name: "second"})
	require.Equal(t, 2, s.PendingCount())

	require.NoError(t, s.ExecuteQuery(context.Background()))

	calls := tr.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Operations, 2)
	assert.Equal(t, "first", calls[0].Operations[0].Name)
	assert.Equal(t, "second", calls[0].Operations[1].Name)
	assert.Equal(t, 0, s.PendingCount())

	v, err := s.ServerLibraryVersion()
	require.NoError(t, err)
	assert.Equal(t, "16.0.1.2", v)
}

func TestExecuteQuery_KeepsQueueOnFault(t *testing.T) {
	tr := sessiontest.New(sessiontest.Throttled("payload", 1))
	s := newSession(t, tr)
	s.Queue(session.Operation{Name: "op"})

	err := s.ExecuteQuery(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrThrottled)
	assert.Equal(t, 1, s.PendingCount())
}

func TestRetryQuery_UsesTokenOnly(t *testing.T) {
	tr := sessiontest.New()
	s := newSession(t, tr)
	s.Queue(session.Operation{Name: "op"})

	tok := session.NewResubmitToken([]byte("serialized"), 1)
	require.NoError(t, s.RetryQuery(context.Background(), tok))

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Operations)
	assert.Same(t, tok, calls[0].Resubmit)
	assert.Equal(t, 0, s.PendingCount())
}

func TestRetryQuery_NilToken(t *testing.T) {
	s := newSession(t, sessiontest.New())
	assert.ErrorIs(t, s.RetryQuery(context.Background(), nil), session.ErrInvalidArgument)
}

func TestProbe_LeavesQueue(t *testing.T) {
	tr := sessiontest.New()
	s := newSession(t, tr)
	s.Queue(session.Operation{Name: "op"})

	require.NoError(t, s.Probe(context.Background()))
	assert.Equal(t, 1, s.PendingCount())
	assert.Empty(t, tr.Calls()[0].Operations)
}

func TestServerLibraryVersion_NotInitialized(t *testing.T) {
	s := newSession(t, sessiontest.New())

	_, err := s.ServerLibraryVersion()
	assert.ErrorIs(t, err, session.ErrPropertyNotInitialized)
}

func TestDecorate_CredentialThenHooksInOrder(t *testing.T) {
	s := newSession(t, sessiontest.New())
	s.SetCredential(&session.BearerCredential{Source: session.StaticToken("tok")})

	var order []string

	s.AddHook(func(req *http.Request) error {
		order = append(order, "first:"+req.Header.Get("Authorization"))
		return nil
	})
	s.AddHook(func(*http.Request) error {
		order = append(order, "second")
		return nil
	})

	req, err := http.NewRequest(http.MethodGet, siteURL, http.NoBody)
	require.NoError(t, err)
	require.NoError(t, s.Decorate(req))

	assert.Equal(t, []string{"first:Bearer tok", "second"}, order)
}

func TestDecorate_HookErrorAbortsSubmission(t *testing.T) {
	tr := sessiontest.New()
	s := newSession(t, tr)
	hookErr := errors.New("hook failed")

	s.AddHook(func(*http.Request) error { return hookErr })

	err := s.ExecuteQuery(context.Background())
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, tr.Calls())
}

func TestAddHook_RemoveIsIdempotent(t *testing.T) {
	s := newSession(t, sessiontest.New())

	removeA := s.AddHook(func(*http.Request) error { return nil })
	removeB := s.AddHook(func(*http.Request) error { return nil })
	require.Equal(t, 2, s.HookCount())

	removeA()
	removeA()
	assert.Equal(t, 1, s.HookCount())

	removeB()
	assert.Equal(t, 0, s.HookCount())
}

func TestCookieCredential(t *testing.T) {
	s := newSession(t, sessiontest.New())
	s.SetCredential(&session.CookieCredential{Cookies: []*http.Cookie{{Name: "FedAuth", Value: "abc"}}})
	assert.True(t, s.HasCredential())

	req, err := http.NewRequest(http.MethodGet, siteURL, http.NoBody)
	require.NoError(t, err)
	require.NoError(t, s.Decorate(req))

	ck, err := req.Cookie("FedAuth")
	require.NoError(t, err)
	assert.Equal(t, "abc", ck.Value)
}

func TestBearerFromHeader(t *testing.T) {
	assert.Equal(t, "abc", session.BearerFromHeader("Bearer abc"))
	assert.Equal(t, "abc", session.BearerFromHeader("bearer abc"))
	assert.Empty(t, session.BearerFromHeader("Basic abc"))
	assert.Empty(t, session.BearerFromHeader(""))
}

func TestDerive_FreshState(t *testing.T) {
	s := newSession(t, sessiontest.New())
	s.Queue(session.Operation{Name: "op"})
	s.SetCredential(&session.BearerCredential{Source: session.StaticToken("tok")})
	s.AddHook(func(*http.Request) error { return nil })
	s.SetProperty("k", "v")

	d, err := s.Derive("https://fabrikam.sharepoint.com")
	require.NoError(t, err)

	assert.Equal(t, 0, d.PendingCount())
	assert.False(t, d.HasCredential())
	assert.Equal(t, 0, d.HookCount())
	_, ok := d.Property("k")
	assert.False(t, ok)
	assert.NotEqual(t, s.ID(), d.ID())
}
