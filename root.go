package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/csom-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	SiteURL    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once by the root pre-run and shared with every
// subcommand through the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("csom-go: command context has no CLIContext")
	}

	return cc
}

// Statusf prints a status message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:     "csom-go",
		Short:   "SharePoint client-side object model toolkit",
		Long:    "Run throttling-aware queries against SharePoint sites and manage the credentials they use.",
		Version: version,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(*flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.SiteURL, "site", "", "SharePoint site URL")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newServerVersionCmd())
	cmd.AddCommand(newDigestCmd())
	cmd.AddCommand(newCloneCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the override
// chain and builds the logger every command uses.
func loadCLIContext(flags CLIFlags, logOut io.Writer) (*CLIContext, error) {
	// Config loading logs through a bootstrap logger; the final level is
	// only known once the config file has been read.
	bootstrap := buildLogger(logOut, "warn", "text", flags.Verbose, flags.Quiet)

	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		SiteURL:    flags.SiteURL,
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(bootstrap), cli, bootstrap)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Flags:  flags,
		Cfg:    resolved,
		Logger: buildLogger(logOut, resolved.LogLevel, resolved.LogFormat, flags.Verbose, flags.Quiet),
	}, nil
}

// buildLogger creates a logger at the configured level and format. The
// config level is the baseline; --verbose and --quiet override it. The
// "auto" format selects JSON when w is not a terminal.
func buildLogger(w io.Writer, level, format string, verbose, quiet bool) *slog.Logger {
	lvl := slog.LevelInfo

	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	if verbose {
		lvl = slog.LevelDebug
	}

	if quiet {
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: lvl}

	if useJSONLogs(w, format) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func useJSONLogs(w io.Writer, format string) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
