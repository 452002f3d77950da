// Package sessiontest provides a scriptable in-memory session.Transport for
// tests of packages that drive sessions.
package sessiontest

import (
	"context"
	"net/http"
	"sync"

	"github.com/tonimelisma/csom-go/internal/session"
)

// Call records one submission seen by Transport.
type Call struct {
	URL          string
	Tag          string
	DisableCache bool
	Operations   []session.Operation
	Resubmit     *session.ResubmitToken
	Header       http.Header
}

// Result is one scripted outcome.
type Result struct {
	Response *session.Response
	Err      error
}

// Transport records every submission and replays scripted results in
// order. Once the script is exhausted every submission succeeds.
type Transport struct {
	mu      sync.Mutex
	calls   []Call
	script  []Result
	Version string
}

// New returns a Transport that replays results in order.
func New(results ...Result) *Transport {
	return &Transport{script: results}
}

// Submit implements session.Transport. The request decorator runs against
// a real *http.Request so tests can assert on the outgoing headers.
func (t *Transport) Submit(ctx context.Context, req *session.Request) (*session.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}

	if req.Decorate != nil {
		if err := req.Decorate(httpReq); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{
		URL:          req.URL,
		Tag:          req.Tag,
		DisableCache: req.DisableCache,
		Operations:   append([]session.Operation(nil), req.Operations...),
		Resubmit:     req.Resubmit,
		Header:       httpReq.Header.Clone(),
	})

	if len(t.script) > 0 {
		next := t.script[0]
		t.script = t.script[1:]

		return next.Response, next.Err
	}

	return &session.Response{LibraryVersion: t.Version}, nil
}

// Calls returns a copy of the recorded submissions.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]Call(nil), t.calls...)
}

// Throttled returns a 429 result carrying a resubmit token over payload.
func Throttled(payload string, ops int) Result {
	return Result{Err: session.NewFault(http.StatusTooManyRequests, "corr-429", "throttled",
		session.NewResubmitToken([]byte(payload), ops))}
}

// Unavailable returns a 503 result carrying a resubmit token over payload.
func Unavailable(payload string, ops int) Result {
	return Result{Err: session.NewFault(http.StatusServiceUnavailable, "corr-503", "unavailable",
		session.NewResubmitToken([]byte(payload), ops))}
}
