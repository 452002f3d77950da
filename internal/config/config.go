// Package config implements TOML configuration loading, validation and
// override resolution for csom-go.
package config

import "time"

// Config is the top-level configuration parsed from TOML. Sub-configs are
// embedded so their keys sit flat at the top level of the file.
type Config struct {
	SiteConfig
	RetryConfig
	NetworkConfig
	LoggingConfig

	TokenPath string `toml:"token_path"`
}

// SiteConfig selects the site and the credential used against it.
type SiteConfig struct {
	SiteURL      string `toml:"site_url"`
	Credential   string `toml:"credential"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	Tenant       string `toml:"tenant"`
	Environment  string `toml:"environment"`
}

// RetryConfig controls throttling retries.
type RetryConfig struct {
	RetryCount int    `toml:"retry_count"`
	RetryDelay string `toml:"retry_delay"`
}

// NetworkConfig controls HTTP behavior.
type NetworkConfig struct {
	UserAgent      string `toml:"user_agent"`
	RequestTimeout string `toml:"request_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from command-line flags. Empty strings mean
// "not specified" and leave the lower layers in place.
type CLIOverrides struct {
	ConfigPath string
	SiteURL    string
	LogLevel   string
}

// Resolved is the effective configuration after all override layers, with
// durations parsed and paths expanded.
type Resolved struct {
	ConfigPath string

	SiteURL      string
	Credential   string
	ClientID     string
	ClientSecret string
	Tenant       string
	Environment  string

	RetryCount int
	RetryDelay time.Duration

	UserAgent      string
	RequestTimeout time.Duration

	LogLevel  string
	LogFormat string

	TokenPath string
}
