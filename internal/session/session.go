// Package session models a stateful, batched remote client context: a base
// URL, a queue of pending operations submitted as one round trip, and the
// request decoration (credential plus hooks) applied to every outgoing
// HTTP request.
//
// A Session is not safe for concurrent ExecuteQuery/RetryQuery calls. The
// operations it carries are not safely replayable, so callers must
// serialize submissions on one session themselves. Hooks, the credential
// and the property bag are guarded so that clones may decorate requests
// through their source from other goroutines.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxRequestTagLength is the longest request tag the service accepts.
const MaxRequestTagLength = 32

// PropertyAccessTokens is the property bag key holding a
// map[string]string of authority -> bearer token.
const PropertyAccessTokens = "AccessTokens"

// Operation is one queued remote call. The payload is produced by the
// object-model layer and is never inspected here.
type Operation struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResubmitToken references the exact serialized payload of a submission
// that was interrupted by a retryable fault. Resubmitting with it never
// re-serializes the queue, so mutating operations are not duplicated.
type ResubmitToken struct {
	payload    []byte
	operations int
}

// NewResubmitToken copies payload into a new token covering n operations.
func NewResubmitToken(payload []byte, n int) *ResubmitToken {
	return &ResubmitToken{
		payload:    append([]byte(nil), payload...),
		operations: n,
	}
}

// Payload returns the serialized submission to resend verbatim.
func (t *ResubmitToken) Payload() []byte {
	return t.payload
}

// Operations returns the number of operations the token covers.
func (t *ResubmitToken) Operations() int {
	return t.operations
}

// Request is one submission handed to the Transport.
type Request struct {
	URL          string
	Tag          string
	DisableCache bool
	Operations   []Operation
	Resubmit     *ResubmitToken
	Decorate     func(*http.Request) error
}

// Response is what a successful submission reports back.
type Response struct {
	LibraryVersion string
	CorrelationID  string
}

// Transport submits batches to the remote service. Implementations return
// *Fault for HTTP-level failures and *ServerError for structured remote
// errors.
type Transport interface {
	Submit(ctx context.Context, req *Request) (*Response, error)
}

// Hook decorates an outgoing HTTP request. A non-nil error aborts the
// submission.
type Hook func(req *http.Request) error

type hookEntry struct {
	fn Hook
}

// Session is a handle to a remote batched execution context.
type Session struct {
	id        string
	url       *url.URL
	transport Transport

	// pending is owned by the single caller allowed to submit.
	pending []Operation

	mu           sync.Mutex
	tag          string
	disableCache bool
	version      string
	credential   Credential
	hooks        []*hookEntry
	props        map[string]any
}

// New creates a session bound to rawURL. The URL must be absolute.
func New(rawURL string, t Transport) (*Session, error) {
	u, err := parseSiteURL(rawURL)
	if err != nil {
		return nil, err
	}

	if t == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}

	return &Session{
		id:        uuid.New().String(),
		url:       u,
		transport: t,
		props:     make(map[string]any),
	}, nil
}

// parseSiteURL parses rawURL and requires a scheme and host.
func parseSiteURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: site URL is required", ErrInvalidArgument)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing site URL %q: %w", ErrInvalidArgument, rawURL, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: site URL %q must be absolute", ErrInvalidArgument, rawURL)
	}

	return u, nil
}

// Derive creates a fresh session for rawURL on the same transport. The new
// session has an empty queue, no credential, no hooks and no properties.
func (s *Session) Derive(rawURL string) (*Session, error) {
	return New(rawURL, s.transport)
}

// ID returns the session's unique identity.
func (s *Session) ID() string {
	return s.id
}

// URL returns the session's base URL.
func (s *Session) URL() string {
	return s.url.String()
}

// Host returns the host name of the base URL, without port.
func (s *Session) Host() string {
	return s.url.Hostname()
}

// Authority returns host[:port] of the base URL.
func (s *Session) Authority() string {
	return s.url.Host
}

// RequestTag returns the tag sent with every submission.
func (s *Session) RequestTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tag
}

// SetRequestTag sets the request tag, truncated to MaxRequestTagLength.
func (s *Session) SetRequestTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tag = TruncateTag(tag)
}

// TruncateTag keeps the first MaxRequestTagLength characters of tag.
func TruncateTag(tag string) string {
	if utf8.RuneCountInString(tag) <= MaxRequestTagLength {
		return tag
	}

	return string([]rune(tag)[:MaxRequestTagLength])
}

// DisableCache reports whether the server-side return value cache is off.
func (s *Session) DisableCache() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.disableCache
}

// SetDisableCache toggles the server-side return value cache.
func (s *Session) SetDisableCache(disable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disableCache = disable
}

// Queue appends op to the pending batch.
func (s *Session) Queue(op Operation) {
	s.pending = append(s.pending, op)
}

// PendingCount returns the number of operations not yet submitted.
func (s *Session) PendingCount() int {
	return len(s.pending)
}

// SetCredential sets the credential applied to every outgoing request.
func (s *Session) SetCredential(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credential = c
}

// HasCredential reports whether a credential object is attached.
func (s *Session) HasCredential() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.credential != nil
}

// AddHook attaches h and returns a func that detaches it. The returned
// func is idempotent.
func (s *Session) AddHook(h Hook) (remove func()) {
	entry := &hookEntry{fn: h}

	s.mu.Lock()
	s.hooks = append(s.hooks, entry)
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			for i, e := range s.hooks {
				if e == entry {
					s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)

					return
				}
			}
		})
	}
}

// HookCount returns the number of attached hooks.
func (s *Session) HookCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.hooks)
}

// Decorate applies the credential and then every attached hook, in attach
// order, to req. Clones forward to their source through this method.
func (s *Session) Decorate(req *http.Request) error {
	s.mu.Lock()
	cred := s.credential
	hooks := make([]Hook, len(s.hooks))

	for i, e := range s.hooks {
		hooks[i] = e.fn
	}
	s.mu.Unlock()

	if cred != nil {
		if err := cred.Authorize(req); err != nil {
			return fmt.Errorf("applying credential: %w", err)
		}
	}

	for _, h := range hooks {
		if err := h(req); err != nil {
			return err
		}
	}

	return nil
}

// Property returns the property bag value for key.
func (s *Session) Property(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.props[key]

	return v, ok
}

// SetProperty stores value under key in the property bag.
func (s *Session) SetProperty(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.props[key] = value
}

// ServerLibraryVersion returns the library version reported by the last
// successful submission, or ErrPropertyNotInitialized before that.
func (s *Session) ServerLibraryVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version == "" {
		return "", ErrPropertyNotInitialized
	}

	return s.version, nil
}

// ExecuteQuery submits the whole pending batch and drains it on success.
// On failure the queue is left intact.
func (s *Session) ExecuteQuery(ctx context.Context) error {
	req := s.newRequest()
	req.Operations = append([]Operation(nil), s.pending...)

	return s.submit(ctx, req, true)
}

// RetryQuery resubmits an interrupted batch using token verbatim and
// drains the queue on success.
func (s *Session) RetryQuery(ctx context.Context, token *ResubmitToken) error {
	if token == nil {
		return fmt.Errorf("%w: resubmit token is required", ErrInvalidArgument)
	}

	req := s.newRequest()
	req.Resubmit = token

	return s.submit(ctx, req, true)
}

// Probe submits an empty batch. Pending operations are not touched.
func (s *Session) Probe(ctx context.Context) error {
	return s.submit(ctx, s.newRequest(), false)
}

func (s *Session) newRequest() *Request {
	return &Request{
		URL:          s.URL(),
		Tag:          s.RequestTag(),
		DisableCache: s.DisableCache(),
		Decorate:     s.Decorate,
	}
}

func (s *Session) submit(ctx context.Context, req *Request, drain bool) error {
	resp, err := s.transport.Submit(ctx, req)
	if err != nil {
		return err
	}

	if drain {
		s.pending = nil
	}

	if resp != nil && resp.LibraryVersion != "" {
		s.mu.Lock()
		s.version = resp.LibraryVersion
		s.mu.Unlock()
	}

	return nil
}
