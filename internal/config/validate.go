package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tonimelisma/csom-go/internal/settings"
)

// Validation range constants.
const (
	minRetryCount     = 1
	maxRetryCount     = 100
	minRetryDelay     = time.Millisecond
	minRequestTimeout = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSite(&cfg.SiteConfig)...)
	errs = append(errs, validateRetry(&cfg.RetryConfig)...)
	errs = append(errs, validateNetwork(&cfg.NetworkConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)

	return errors.Join(errs...)
}

// ValidateResolved checks cross-field constraints on the merged result of
// all override layers.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateSiteURL(r.SiteURL)...)
	errs = append(errs, validateLogLevel(r.LogLevel)...)

	kind, err := settings.ParseKind(r.Credential)
	if err != nil {
		errs = append(errs, fmt.Errorf("credential: %w", err))
	}

	if kind == settings.KindAppOnlyACS {
		if r.ClientID == "" {
			errs = append(errs, errors.New("client_id: required for app_only_acs credentials"))
		}

		if r.ClientSecret == "" {
			errs = append(errs, errors.New("client_secret: required for app_only_acs credentials"))
		}

		if r.Tenant == "" {
			errs = append(errs, errors.New("tenant: required for app_only_acs credentials"))
		}
	}

	return errors.Join(errs...)
}

func validateSite(s *SiteConfig) []error {
	var errs []error

	errs = append(errs, validateSiteURL(s.SiteURL)...)

	if _, err := settings.ParseKind(s.Credential); err != nil {
		errs = append(errs, fmt.Errorf("credential: %w", err))
	}

	if !settings.Environment(s.Environment).Valid() {
		errs = append(errs, fmt.Errorf(
			"environment: must be one of production, pre_production, us_government, china, germany; got %q",
			s.Environment))
	}

	return errs
}

// validateSiteURL accepts an empty URL; commands that need a site check
// for it themselves.
func validateSiteURL(raw string) []error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("site_url: invalid URL %q: %w", raw, err)}
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return []error{fmt.Errorf("site_url: must be an absolute http(s) URL, got %q", raw)}
	}

	return nil
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.RetryCount < minRetryCount || r.RetryCount > maxRetryCount {
		errs = append(errs, fmt.Errorf("retry_count: must be between %d and %d, got %d",
			minRetryCount, maxRetryCount, r.RetryCount))
	}

	errs = append(errs, validateDurationMin("retry_delay", r.RetryDelay, minRetryDelay)...)

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	return validateDurationMin("request_timeout", n.RequestTimeout, minRequestTimeout)
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
