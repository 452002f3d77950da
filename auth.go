package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/csom-go/internal/auth"
	"github.com/tonimelisma/csom-go/internal/session"
	"github.com/tonimelisma/csom-go/internal/settings"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate to the site using the device code flow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			return runLogin(shutdownContext(cmd.Context(), a.cc.Logger), a)
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved authentication token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			return runLogout(a)
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity the site session acts as",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			return runWhoami(shutdownContext(cmd.Context(), a.cc.Logger), a, cmd.OutOrStdout())
		},
	}
}

func runLogin(ctx context.Context, a *app) error {
	if a.kind == settings.KindAppOnlyACS {
		return errors.New("login is not needed for app_only_acs credentials")
	}

	site, err := a.siteURL()
	if err != nil {
		return err
	}

	mgr, err := a.requireManager()
	if err != nil {
		return err
	}

	a.cc.Logger.Info("login started", "site", site)

	err = mgr.Login(ctx, site, func(da auth.DeviceAuth) {
		// Device code prompts stay visible under --quiet.
		fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
		fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)
	})
	if err != nil {
		return err
	}

	a.cc.Statusf("Login successful.\n")

	return nil
}

func runLogout(a *app) error {
	mgr, err := a.requireManager()
	if err != nil {
		return err
	}

	if err := mgr.Logout(); err != nil {
		return err
	}

	a.cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Site      string     `json:"site"`
	AppOnly   bool       `json:"app_only"`
	User      string     `json:"user,omitempty"`
	Name      string     `json:"name,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func runWhoami(ctx context.Context, a *app, w io.Writer) error {
	s, err := a.open(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return errors.New("not logged in: run 'csom-go login' first")
		}

		return err
	}

	out, err := describeIdentity(ctx, a.tokens, s)
	if err != nil {
		return err
	}

	if a.cc.Flags.JSON {
		return printJSON(w, out)
	}

	fmt.Fprintf(w, "Site:     %s\n", out.Site)

	if out.AppOnly {
		fmt.Fprintf(w, "Identity: app-only\n")
	} else {
		fmt.Fprintf(w, "User:     %s\n", out.User)

		if out.Name != "" {
			fmt.Fprintf(w, "Name:     %s\n", out.Name)
		}
	}

	if out.TenantID != "" {
		fmt.Fprintf(w, "Tenant:   %s\n", out.TenantID)
	}

	if out.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:  %s\n", out.ExpiresAt.Local().Format(time.RFC1123))
	}

	return nil
}

// describeIdentity reads the identity claims of the token s is using.
func describeIdentity(ctx context.Context, tokens *auth.TokenProvider, s *session.Session) (*whoamiOutput, error) {
	appOnly, err := tokens.IsAppOnly(ctx, s)
	if err != nil {
		return nil, err
	}

	out := &whoamiOutput{Site: s.URL(), AppOnly: appOnly}

	tok, err := tokens.Token(ctx, s)
	if err != nil || tok == "" {
		return out, err
	}

	claims, err := auth.Claims(tok)
	if err != nil {
		return nil, err
	}

	out.User, _ = claims["upn"].(string)
	out.Name, _ = claims["name"].(string)
	out.TenantID, _ = claims["tid"].(string)

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		out.ExpiresAt = &t
	}

	return out, nil
}
