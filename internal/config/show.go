package config

import (
	"fmt"
	"io"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as an annotated summary
// to w. Secrets are never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (%s)\n\n", r.ConfigPath)

	ew.printf("[site]\n")
	ew.printf("  site_url        = %q\n", r.SiteURL)
	ew.printf("  credential      = %q\n", r.Credential)
	ew.printf("  environment     = %q\n", r.Environment)

	if r.ClientID != "" {
		ew.printf("  client_id       = %q\n", r.ClientID)
	}

	if r.ClientSecret != "" {
		ew.printf("  client_secret   = %s\n", redacted)
	}

	if r.Tenant != "" {
		ew.printf("  tenant          = %q\n", r.Tenant)
	}

	ew.printf("\n[retry]\n")
	ew.printf("  retry_count     = %d\n", r.RetryCount)
	ew.printf("  retry_delay     = %q\n", r.RetryDelay.String())

	ew.printf("\n[network]\n")
	ew.printf("  user_agent      = %q\n", r.UserAgent)
	ew.printf("  request_timeout = %q\n", r.RequestTimeout.String())

	ew.printf("\n[logging]\n")
	ew.printf("  log_level       = %q\n", r.LogLevel)
	ew.printf("  log_format      = %q\n", r.LogFormat)

	ew.printf("\n[auth]\n")
	ew.printf("  token_path      = %q\n", r.TokenPath)

	return ew.err
}

// errWriter captures the first write error; later writes are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
