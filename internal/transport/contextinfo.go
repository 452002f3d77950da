package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tonimelisma/csom-go/internal/session"
)

// ContextInfo is the site metadata returned by /_api/contextinfo.
type ContextInfo struct {
	FormDigestValue          string `json:"FormDigestValue"`
	FormDigestTimeoutSeconds int    `json:"FormDigestTimeoutSeconds"`
	LibraryVersion           string `json:"LibraryVersion"`
	SiteFullURL              string `json:"SiteFullUrl"`
	WebFullURL               string `json:"WebFullUrl"`
}

type contextInfoEnvelope struct {
	D struct {
		GetContextWebInformation ContextInfo `json:"GetContextWebInformation"`
	} `json:"d"`
}

// ContextInfo fetches the context information of the site s is bound to.
// The request is authorized through the session's own decoration.
func (c *Client) ContextInfo(ctx context.Context, s *session.Session) (*ContextInfo, error) {
	endpoint, err := url.JoinPath(s.URL(), contextInfoPath)
	if err != nil {
		return nil, fmt.Errorf("transport: building endpoint for %q: %w", s.URL(), session.ErrInvalidArgument)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json;odata=verbose")

	if err := s.Decorate(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.networkError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	corr := correlationID(resp.Header)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, session.NewFault(resp.StatusCode, corr, readErrorBody(resp.Body), nil)
	}

	var env contextInfoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("transport: decoding context info: %w", err)
	}

	info := env.D.GetContextWebInformation

	c.logger.Debug("context info retrieved",
		slog.String("url", s.URL()),
		slog.String("site", info.SiteFullURL),
		slog.Int("digest_timeout_seconds", info.FormDigestTimeoutSeconds),
		slog.String("correlation_id", corr),
	)

	return &info, nil
}

// RequestDigest returns a form digest for write requests against the site
// of s.
func (c *Client) RequestDigest(ctx context.Context, s *session.Session) (string, error) {
	info, err := c.ContextInfo(ctx, s)
	if err != nil {
		return "", err
	}

	if info.FormDigestValue == "" {
		return "", fmt.Errorf("transport: context info for %s has no form digest", s.URL())
	}

	return info.FormDigestValue, nil
}

// SiteCollectionResolver returns a resolver for the site collection URL
// of s, suitable for clone.Cloner.SiteCollection.
func (c *Client) SiteCollectionResolver(s *session.Session) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		info, err := c.ContextInfo(ctx, s)
		if err != nil {
			return "", err
		}

		if info.SiteFullURL == "" {
			return "", fmt.Errorf("transport: context info for %s has no site URL", s.URL())
		}

		return info.SiteFullURL, nil
	}
}
