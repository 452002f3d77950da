// Package executor submits a session's pending batch with bounded retry
// and exponential backoff on throttling.
//
// Only HTTP 429 and 503 are retried. Once the transport hands back a
// resubmit token, every further attempt sends that token verbatim so
// mutating operations are never serialized twice. Every other failure is
// logged with its diagnostic context and returned unchanged.
//
// Execute and ExecuteAsync must not be called concurrently on the same
// session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tonimelisma/csom-go/internal/session"
)

// Version is the library version reported in request tags and the default
// user agent.
const Version = "0.1.0"

// Defaults applied when no option overrides them.
const (
	DefaultRetryCount = 10
	DefaultDelay      = 500 * time.Millisecond
	defaultOperation  = "unknown"
	versionTag        = "CSOMGo:" + Version
)

// PartnerMarker prefixes user agents set by partner tooling. Such user
// agents are never overridden.
const PartnerMarker = "NONISV|SharePointPnP|PnPPS/"

// DefaultUserAgent is sent when neither the caller nor the configuration
// supplies one.
var DefaultUserAgent = "NONISV|SharePointPnP|csom-go/" + Version + " (" + runtime.GOOS + ")"

// Executor runs pending batches. It holds no per-session state and is safe
// for concurrent use across sessions.
type Executor struct {
	userAgent string
	logger    *slog.Logger

	// sleepFunc waits between attempts. Tests override it to observe the
	// backoff sequence without real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. userAgent is the configured default, used when
// a call does not pass WithUserAgent; empty selects DefaultUserAgent.
func New(userAgent string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		userAgent: userAgent,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

type options struct {
	retryCount int
	delay      time.Duration
	userAgent  string
	operation  string
	tag        string
}

// Option customizes one Execute call.
type Option func(*options)

// WithRetryCount sets the maximum number of attempts.
func WithRetryCount(n int) Option {
	return func(o *options) { o.retryCount = n }
}

// WithDelay sets the first backoff interval. Each later interval doubles.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithUserAgent overrides the configured user agent for this call.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithOperation names the calling operation in the derived request tag.
func WithOperation(name string) Option {
	return func(o *options) { o.operation = name }
}

// WithRequestTag replaces the derived request tag entirely.
func WithRequestTag(tag string) Option {
	return func(o *options) { o.tag = tag }
}

func buildOptions(opts []Option) options {
	o := options{
		retryCount: DefaultRetryCount,
		delay:      DefaultDelay,
		operation:  defaultOperation,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.operation == "" {
		o.operation = defaultOperation
	}

	return o
}

func (o options) validate() error {
	if o.retryCount <= 0 {
		return fmt.Errorf("executor: retry count must be greater than zero, got %d: %w",
			o.retryCount, session.ErrInvalidArgument)
	}

	if o.delay <= 0 {
		return fmt.Errorf("executor: delay must be greater than zero, got %s: %w",
			o.delay, session.ErrInvalidArgument)
	}

	return nil
}

func (o options) requestTag() string {
	if o.tag != "" {
		return o.tag
	}

	return versionTag + ":" + o.operation
}

// Execute submits the pending batch of s and blocks until it succeeds or
// fails for good.
func (e *Executor) Execute(ctx context.Context, s *session.Session, opts ...Option) error {
	return <-e.ExecuteAsync(ctx, s, opts...)
}

// ExecuteAsync runs Execute on its own goroutine. The returned channel
// yields exactly one value and is then closed. Invalid arguments are
// reported without starting a goroutine.
func (e *Executor) ExecuteAsync(ctx context.Context, s *session.Session, opts ...Option) <-chan error {
	done := make(chan error, 1)

	o := buildOptions(opts)

	err := o.validate()
	if err == nil && s == nil {
		err = fmt.Errorf("executor: nil session: %w", session.ErrInvalidArgument)
	}

	if err != nil {
		done <- err
		close(done)

		return done
	}

	go func() {
		defer close(done)
		done <- e.run(ctx, s, o)
	}()

	return done
}

func (e *Executor) run(ctx context.Context, s *session.Session, o options) error {
	backoff := retry.WithMaxRetries(uint64(o.retryCount-1), retry.NewExponential(o.delay)) //nolint:gosec // validated > 0

	var resubmit *session.ResubmitToken

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("executor: %w: %w", session.ErrCancelled, err)
		}

		err := e.attempt(ctx, s, o, resubmit)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("query succeeded after retry",
					slog.String("url", s.URL()),
					slog.String("operation", o.operation),
					slog.Int("attempts", attempt),
				)
			} else {
				e.logger.Debug("query succeeded",
					slog.String("url", s.URL()),
					slog.String("operation", o.operation),
				)
			}

			return nil
		}

		var fault *session.Fault
		if !errors.As(err, &fault) || !fault.Retryable() {
			e.logFailure(s, o, attempt, err)
			return err
		}

		// A fault without a token leaves the queue untouched, so the next
		// attempt resubmits the batch in full.
		if fault.Resubmit != nil {
			resubmit = fault.Resubmit
		}

		wait, stop := backoff.Next()
		if stop {
			e.logger.Error("maximum retry attempts reached",
				slog.String("url", s.URL()),
				slog.String("operation", o.operation),
				slog.Int("retry_count", o.retryCount),
				slog.String("correlation_id", fault.CorrelationID),
			)

			return &session.MaxRetriesError{RetryCount: o.retryCount, Last: err}
		}

		e.logger.Warn("retrying after throttling",
			slog.String("url", s.URL()),
			slog.String("operation", o.operation),
			slog.Int("status", fault.StatusCode),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Bool("resubmit", resubmit != nil),
		)

		if err := e.sleepFunc(ctx, wait); err != nil {
			return fmt.Errorf("executor: backoff interrupted: %w: %w", session.ErrCancelled, err)
		}
	}
}

// attempt decorates and submits once. The user agent hook lives exactly
// as long as the submission.
func (e *Executor) attempt(ctx context.Context, s *session.Session, o options, resubmit *session.ResubmitToken) error {
	s.SetRequestTag(o.requestTag())
	s.SetDisableCache(true)

	remove := s.AddHook(e.userAgentHook(o.userAgent))
	defer remove()

	if resubmit != nil {
		return s.RetryQuery(ctx, resubmit)
	}

	return s.ExecuteQuery(ctx)
}

// userAgentHook sets the outgoing User-Agent: custom, else the configured
// value, else DefaultUserAgent. A partner user agent already on the
// request wins over all three.
func (e *Executor) userAgentHook(custom string) session.Hook {
	ua := custom
	if ua == "" {
		ua = e.userAgent
	}

	if ua == "" {
		ua = DefaultUserAgent
	}

	return func(req *http.Request) error {
		if strings.HasPrefix(req.Header.Get("User-Agent"), PartnerMarker) {
			return nil
		}

		req.Header.Set("User-Agent", ua)

		return nil
	}
}

func (e *Executor) logFailure(s *session.Session, o options, attempt int, err error) {
	attrs := []any{
		slog.String("url", s.URL()),
		slog.String("operation", o.operation),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	}

	var srvErr *session.ServerError
	if errors.As(err, &srvErr) {
		attrs = append(attrs,
			slog.Int("server_error_code", srvErr.Code),
			slog.String("server_error_type", srvErr.TypeName),
			slog.String("server_error_value", srvErr.Value),
			slog.String("server_error_details", srvErr.Details),
			slog.String("correlation_id", srvErr.CorrelationID),
		)
	}

	var fault *session.Fault
	if errors.As(err, &fault) {
		attrs = append(attrs,
			slog.Int("status", fault.StatusCode),
			slog.String("correlation_id", fault.CorrelationID),
		)
	}

	e.logger.Error("query failed", attrs...)
}

// timeSleep waits for d or until ctx is done.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
