package session

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the failure taxonomy shared by every component.
// Use errors.Is(err, session.ErrThrottled) to check.
var (
	ErrInvalidArgument        = errors.New("csom: invalid argument")
	ErrThrottled              = errors.New("csom: throttled")
	ErrServerFault            = errors.New("csom: server fault")
	ErrUnsupportedCloneKind   = errors.New("csom: unsupported clone kind")
	ErrMaximumRetriesExceeded = errors.New("csom: maximum retries exceeded")
	ErrCancelled              = errors.New("csom: cancelled")
	ErrPropertyNotInitialized = errors.New("csom: property not initialized")

	ErrUnauthorized = errors.New("csom: unauthorized")
	ErrForbidden    = errors.New("csom: forbidden")
	ErrNotFound     = errors.New("csom: not found")
	ErrTransport    = errors.New("csom: transport error")
)

// Fault is a transport-level failure of one submission. Retryable faults
// carry the resubmit token that must be used for the next attempt.
type Fault struct {
	StatusCode    int
	CorrelationID string
	Message       string
	Resubmit      *ResubmitToken
	Err           error // sentinel, for errors.Is()
}

// NewFault builds a Fault with the sentinel matching statusCode.
func NewFault(statusCode int, correlationID, message string, resubmit *ResubmitToken) *Fault {
	return &Fault{
		StatusCode:    statusCode,
		CorrelationID: correlationID,
		Message:       message,
		Resubmit:      resubmit,
		Err:           classifyStatus(statusCode),
	}
}

func (e *Fault) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("csom: HTTP %d (correlation-id: %s): %s", e.StatusCode, e.CorrelationID, e.Message)
	}

	return fmt.Sprintf("csom: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Fault) Unwrap() error {
	return e.Err
}

// Retryable reports whether the fault is a throttling or transient
// unavailability signal.
func (e *Fault) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus reports whether code signals throttling (429) or
// service unavailability (503). Nothing else is retried.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return ErrThrottled
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrTransport
	}
}

// ServerError is a structured fault reported by the remote service inside
// an otherwise successful HTTP exchange.
type ServerError struct {
	Code          int
	TypeName      string
	Message       string
	Value         string
	Details       string
	CorrelationID string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("csom: server error %d (%s, correlation-id: %s): %s",
		e.Code, e.TypeName, e.CorrelationID, e.Message)
}

func (e *ServerError) Unwrap() error {
	return ErrServerFault
}

// MaxRetriesError is returned once every allowed attempt was throttled.
// Last holds the final fault for diagnostics.
type MaxRetriesError struct {
	RetryCount int
	Last       error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("csom: maximum retry attempts %d has been attempted", e.RetryCount)
}

func (e *MaxRetriesError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrMaximumRetriesExceeded}
	}

	return []error{ErrMaximumRetriesExceeded, e.Last}
}
