package config

import (
	"log/slog"
	"os"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "CSOM_GO_CONFIG"
	EnvSiteURL   = "CSOM_GO_SITE_URL"
	EnvUserAgent = "CSOM_GO_USER_AGENT"

	// EnvLegacyUserAgent is the user agent variable honored by the PnP
	// PowerShell tooling. CSOM_GO_USER_AGENT wins when both are set.
	EnvLegacyUserAgent = "SharePointPnPUserAgent"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // CSOM_GO_CONFIG: override config file path
	SiteURL    string // CSOM_GO_SITE_URL: site URL override
	UserAgent  string // CSOM_GO_USER_AGENT or SharePointPnPUserAgent
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides(logger *slog.Logger) EnvOverrides {
	ua := os.Getenv(EnvUserAgent)
	if ua == "" {
		if legacy := os.Getenv(EnvLegacyUserAgent); legacy != "" {
			logger.Debug("using legacy user agent variable", slog.String("var", EnvLegacyUserAgent))
			ua = legacy
		}
	}

	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		SiteURL:    os.Getenv(EnvSiteURL),
		UserAgent:  ua,
	}
}
