// Package transport submits session batches to a SharePoint site over
// HTTP and classifies the outcome into the session error taxonomy.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/csom-go/internal/session"
)

const (
	processQueryPath = "_vti_bin/client.svc/ProcessQuery"
	contextInfoPath  = "_api/contextinfo"

	// maxErrorBody caps how much of a failed response is kept in errors.
	maxErrorBody = 4096
)

// Response headers carrying the server-side correlation id.
const (
	headerSPRequestGUID = "SPRequestGuid"
	headerRequestID     = "request-id"
)

// Client is an HTTP session.Transport.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

var _ session.Transport = (*Client)(nil)

// NewClient creates a Client. A nil httpClient selects http.DefaultClient.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{httpClient: httpClient, logger: logger}
}

// batch is the wire form of a submission.
type batch struct {
	Tag                     string              `json:"tag,omitempty"`
	DisableReturnValueCache bool                `json:"disableReturnValueCache,omitempty"`
	Operations              []session.Operation `json:"operations"`
}

// Submit posts one batch to the site's ProcessQuery endpoint. A resubmit
// token's payload is sent byte for byte in place of the queue.
func (c *Client) Submit(ctx context.Context, req *session.Request) (*session.Response, error) {
	payload, ops, err := encodeBatch(req)
	if err != nil {
		return nil, err
	}

	endpoint, err := url.JoinPath(req.URL, processQueryPath)
	if err != nil {
		return nil, fmt.Errorf("transport: building endpoint for %q: %w", req.URL, session.ErrInvalidArgument)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-RequestForceAuthentication", "true")

	if req.Tag != "" {
		httpReq.Header.Set("X-ClientService-ClientTag", req.Tag)
	}

	if req.Decorate != nil {
		if err := req.Decorate(httpReq); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.networkError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	corr := correlationID(resp.Header)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var resubmit *session.ResubmitToken
		if session.IsRetryableStatus(resp.StatusCode) {
			resubmit = session.NewResubmitToken(payload, ops)
		}

		fault := session.NewFault(resp.StatusCode, corr, readErrorBody(resp.Body), resubmit)

		c.logger.Debug("submission failed",
			slog.String("url", endpoint),
			slog.Int("status", resp.StatusCode),
			slog.String("correlation_id", corr),
		)

		return nil, fault
	}

	out, err := decodeResponse(resp.Body, corr)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("submission succeeded",
		slog.String("url", endpoint),
		slog.Int("operations", ops),
		slog.String("library_version", out.LibraryVersion),
		slog.String("correlation_id", out.CorrelationID),
	)

	return out, nil
}

func encodeBatch(req *session.Request) ([]byte, int, error) {
	if req.Resubmit != nil {
		return req.Resubmit.Payload(), req.Resubmit.Operations(), nil
	}

	ops := req.Operations
	if ops == nil {
		ops = []session.Operation{}
	}

	payload, err := json.Marshal(batch{
		Tag:                     req.Tag,
		DisableReturnValueCache: req.DisableCache,
		Operations:              ops,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("transport: encoding batch: %w", err)
	}

	return payload, len(ops), nil
}

func (c *Client) networkError(ctx context.Context, endpoint string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("transport: request canceled: %w", ctx.Err())
	}

	c.logger.Debug("submission transport error",
		slog.String("url", endpoint),
		slog.String("error", err.Error()),
	)

	return fmt.Errorf("transport: POST %s: %w: %w", endpoint, session.ErrTransport, err)
}

// responseHeader is the first element of a ProcessQuery response array.
type responseHeader struct {
	SchemaVersion      string     `json:"SchemaVersion"`
	LibraryVersion     string     `json:"LibraryVersion"`
	ErrorInfo          *errorInfo `json:"ErrorInfo"`
	TraceCorrelationID string     `json:"TraceCorrelationId"`
}

type errorInfo struct {
	ErrorMessage       string          `json:"ErrorMessage"`
	ErrorValue         json.RawMessage `json:"ErrorValue"`
	TraceCorrelationID string          `json:"TraceCorrelationId"`
	ErrorCode          int             `json:"ErrorCode"`
	ErrorTypeName      string          `json:"ErrorTypeName"`
	ErrorDetails       json.RawMessage `json:"ErrorDetails"`
}

func decodeResponse(body io.Reader, headerCorr string) (*session.Response, error) {
	var parts []json.RawMessage
	if err := json.NewDecoder(body).Decode(&parts); err != nil {
		return nil, fmt.Errorf("transport: decoding response: %w", err)
	}

	if len(parts) == 0 {
		return nil, errors.New("transport: empty response")
	}

	var hdr responseHeader
	if err := json.Unmarshal(parts[0], &hdr); err != nil {
		return nil, fmt.Errorf("transport: decoding response header: %w", err)
	}

	corr := hdr.TraceCorrelationID
	if corr == "" {
		corr = headerCorr
	}

	if hdr.ErrorInfo != nil {
		errCorr := hdr.ErrorInfo.TraceCorrelationID
		if errCorr == "" {
			errCorr = corr
		}

		return nil, &session.ServerError{
			Code:          hdr.ErrorInfo.ErrorCode,
			TypeName:      hdr.ErrorInfo.ErrorTypeName,
			Message:       hdr.ErrorInfo.ErrorMessage,
			Value:         rawText(hdr.ErrorInfo.ErrorValue),
			Details:       rawText(hdr.ErrorInfo.ErrorDetails),
			CorrelationID: errCorr,
		}
	}

	return &session.Response{LibraryVersion: hdr.LibraryVersion, CorrelationID: corr}, nil
}

// rawText renders a JSON value for diagnostics: strings unquoted, null as
// empty, anything else verbatim.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

// correlationID prefers SharePoint's SPRequestGuid over the generic
// request-id header.
func correlationID(h http.Header) string {
	if v := h.Get(headerSPRequestGUID); v != "" {
		return v
	}

	return h.Get(headerRequestID)
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return "(failed to read response body)"
	}

	return strings.TrimSpace(string(data))
}
