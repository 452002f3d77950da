package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config loaded",
		slog.String("path", path),
		slog.Int("keys", len(md.Keys())),
	)

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("no config file, using defaults", slog.String("path", path))

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides, logger *slog.Logger) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, err
	}

	r := newResolved(cfg, cfgPath)

	if env.SiteURL != "" {
		r.SiteURL = env.SiteURL
	}

	if env.UserAgent != "" {
		r.UserAgent = env.UserAgent
	}

	if cli.SiteURL != "" {
		r.SiteURL = cli.SiteURL
	}

	if cli.LogLevel != "" {
		r.LogLevel = cli.LogLevel
	}

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// newResolved converts a validated Config. Durations were checked by
// Validate, so parse errors cannot occur here.
func newResolved(cfg *Config, path string) *Resolved {
	delay, _ := time.ParseDuration(cfg.RetryDelay)
	timeout, _ := time.ParseDuration(cfg.RequestTimeout)

	tokenPath := expandTilde(cfg.TokenPath)
	if tokenPath == "" {
		tokenPath = DefaultTokenPath()
	}

	return &Resolved{
		ConfigPath:     path,
		SiteURL:        cfg.SiteURL,
		Credential:     cfg.Credential,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		Tenant:         cfg.Tenant,
		Environment:    cfg.Environment,
		RetryCount:     cfg.RetryCount,
		RetryDelay:     delay,
		UserAgent:      cfg.UserAgent,
		RequestTimeout: timeout,
		LogLevel:       cfg.LogLevel,
		LogFormat:      cfg.LogFormat,
		TokenPath:      tokenPath,
	}
}
