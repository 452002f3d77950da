package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tonimelisma/csom-go/internal/session"
)

// HasMinimalServerLibraryVersion executes s and reports whether the server
// library version it reports is at least minimum. A server that never
// reported a version yields false without error.
func (e *Executor) HasMinimalServerLibraryVersion(
	ctx context.Context,
	s *session.Session,
	minimum string,
	opts ...Option,
) (bool, error) {
	want, err := parseVersion(minimum)
	if err != nil {
		return false, fmt.Errorf("executor: minimum version %q: %w", minimum, session.ErrInvalidArgument)
	}

	opts = append([]Option{WithOperation("HasMinimalServerLibraryVersion")}, opts...)
	if err := e.Execute(ctx, s, opts...); err != nil {
		return false, err
	}

	raw, err := s.ServerLibraryVersion()
	if errors.Is(err, session.ErrPropertyNotInitialized) {
		e.logger.Debug("server library version not reported", "url", s.URL())
		return false, nil
	}

	if err != nil {
		return false, err
	}

	have, err := parseVersion(raw)
	if err != nil {
		return false, fmt.Errorf("executor: server library version %q: %w", raw, err)
	}

	return compareVersions(have, want) >= 0, nil
}

// parseVersion splits a dotted version of up to four numeric components.
func parseVersion(v string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, errors.New("want 2 to 4 dotted components")
	}

	out := make([]int, len(parts))

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("component %q is not a non-negative integer", p)
		}

		out[i] = n
	}

	return out, nil
}

// compareVersions orders a and b component by component. A missing
// component sorts before any present one, so 16.0 < 16.0.0.
func compareVersions(a, b []int) int {
	for i := range max(len(a), len(b)) {
		x, y := component(a, i), component(b, i)
		if x != y {
			if x < y {
				return -1
			}

			return 1
		}
	}

	return 0
}

func component(v []int, i int) int {
	if i < len(v) {
		return v[i]
	}

	return -1
}
