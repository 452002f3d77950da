package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/csom-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				return printJSON(cmd.OutOrStdout(), configView(cc.Cfg))
			}

			return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
		},
	})

	return cmd
}

// configJSON is the JSON schema for `config show --json`. The client
// secret is reported only as present or absent.
type configJSON struct {
	ConfigPath      string `json:"config_path"`
	SiteURL         string `json:"site_url"`
	Credential      string `json:"credential"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecretSet bool   `json:"client_secret_set"`
	Tenant          string `json:"tenant,omitempty"`
	Environment     string `json:"environment"`
	RetryCount      int    `json:"retry_count"`
	RetryDelay      string `json:"retry_delay"`
	UserAgent       string `json:"user_agent,omitempty"`
	RequestTimeout  string `json:"request_timeout"`
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	TokenPath       string `json:"token_path"`
}

func configView(r *config.Resolved) configJSON {
	return configJSON{
		ConfigPath:      r.ConfigPath,
		SiteURL:         r.SiteURL,
		Credential:      r.Credential,
		ClientID:        r.ClientID,
		ClientSecretSet: r.ClientSecret != "",
		Tenant:          r.Tenant,
		Environment:     r.Environment,
		RetryCount:      r.RetryCount,
		RetryDelay:      r.RetryDelay.String(),
		UserAgent:       r.UserAgent,
		RequestTimeout:  r.RequestTimeout.String(),
		LogLevel:        r.LogLevel,
		LogFormat:       r.LogFormat,
		TokenPath:       r.TokenPath,
	}
}
