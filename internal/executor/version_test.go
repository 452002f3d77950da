package executor

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/session/sessiontest"
)

func TestHasMinimalServerLibraryVersion(t *testing.T) {
	tests := []struct {
		minimum string
		want    bool
	}{
		{"16.0.20000.0", true},
		{"16.0.21221.12006", true},
		{"16.0.21221.12007", false},
		{"16.0.22000", false},
		{"15.0", true},
		{"16.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.minimum, func(t *testing.T) {
			e, _ := newTestExecutor(t, "")
			tr := sessiontest.New()
			tr.Version = "16.0.21221.12006"
			s := newTestSession(t, tr)

			got, err := e.HasMinimalServerLibraryVersion(context.Background(), s, tt.minimum)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			calls := tr.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, session.TruncateTag("CSOMGo:"+Version+":HasMinimalServerLibraryVersion"), calls[0].Tag)
		})
	}
}

func TestHasMinimalServerLibraryVersion_NotReported(t *testing.T) {
	e, _ := newTestExecutor(t, "")
	s := newTestSession(t, sessiontest.New())

	got, err := e.HasMinimalServerLibraryVersion(context.Background(), s, "16.0")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestHasMinimalServerLibraryVersion_InvalidMinimum(t *testing.T) {
	e, _ := newTestExecutor(t, "")
	tr := sessiontest.New()
	s := newTestSession(t, tr)

	_, err := e.HasMinimalServerLibraryVersion(context.Background(), s, "sixteen")
	require.ErrorIs(t, err, session.ErrInvalidArgument)
	assert.Empty(t, tr.Calls())
}

func TestHasMinimalServerLibraryVersion_ExecuteFails(t *testing.T) {
	e, _ := newTestExecutor(t, "")
	fault := session.NewFault(http.StatusUnauthorized, "corr", "denied", nil)
	s := newTestSession(t, sessiontest.New(sessiontest.Result{Err: fault}))

	_, err := e.HasMinimalServerLibraryVersion(context.Background(), s, "16.0")
	assert.ErrorIs(t, err, session.ErrUnauthorized)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"16.0", "16.0", 0},
		{"16.0", "16.0.0", -1},
		{"16.0.1", "16.0", 1},
		{"16.0.9", "16.0.10", -1},
		{"17.0", "16.0.99999.99999", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			a, err := parseVersion(tt.a)
			require.NoError(t, err)

			b, err := parseVersion(tt.b)
			require.NoError(t, err)

			assert.Equal(t, tt.want, compareVersions(a, b))
		})
	}
}

func TestParseVersion_Invalid(t *testing.T) {
	for _, v := range []string{"", "16", "16.x", "1.2.3.4.5", "16.-1"} {
		_, err := parseVersion(v)
		assert.Error(t, err, v)
	}
}
