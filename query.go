package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/csom-go/internal/executor"
	"github.com/tonimelisma/csom-go/internal/session"
)

// maxParallelClones bounds concurrent probes in the clone command.
const maxParallelClones = 8

func newServerVersionCmd() *cobra.Command {
	var minimum string

	cmd := &cobra.Command{
		Use:   "server-version",
		Short: "Report the server library version of the site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			return runServerVersion(shutdownContext(cmd.Context(), a.cc.Logger), a, cmd.OutOrStdout(), minimum)
		},
	}

	cmd.Flags().StringVar(&minimum, "min", "", "report whether the server is at least this version")

	return cmd
}

func newDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Fetch a form digest for the site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			return runDigest(shutdownContext(cmd.Context(), a.cc.Logger), a, cmd.OutOrStdout())
		},
	}
}

func newCloneCmd() *cobra.Command {
	var siteCollection bool

	cmd := &cobra.Command{
		Use:   "clone [url]...",
		Short: "Clone the site session to other sites and probe each clone",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !siteCollection {
				return errors.New("clone needs at least one URL or --site-collection")
			}

			a, err := newApp(mustCLIContext(cmd.Context()), nil)
			if err != nil {
				return err
			}

			ctx := shutdownContext(cmd.Context(), a.cc.Logger)

			if siteCollection {
				return runCloneSiteCollection(ctx, a, cmd.OutOrStdout())
			}

			return runClone(ctx, a, cmd.OutOrStdout(), args)
		},
	}

	cmd.Flags().BoolVar(&siteCollection, "site-collection", false, "clone to the root of the site's site collection")

	return cmd
}

type serverVersionOutput struct {
	Site           string `json:"site"`
	LibraryVersion string `json:"library_version,omitempty"`
	Minimum        string `json:"minimum,omitempty"`
	AtLeastMinimum *bool  `json:"at_least_minimum,omitempty"`
}

func runServerVersion(ctx context.Context, a *app, w io.Writer, minimum string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}

	out := serverVersionOutput{Site: s.URL(), Minimum: minimum}

	if minimum != "" {
		ok, err := a.executor.HasMinimalServerLibraryVersion(ctx, s, minimum,
			executor.WithRetryCount(a.cc.Cfg.RetryCount), executor.WithDelay(a.cc.Cfg.RetryDelay))
		if err != nil {
			return err
		}

		out.AtLeastMinimum = &ok
	} else if err := a.executor.Execute(ctx, s, a.execOptions("ServerVersion")...); err != nil {
		return err
	}

	// Absent when the server did not report one.
	out.LibraryVersion, _ = s.ServerLibraryVersion()

	if a.cc.Flags.JSON {
		return printJSON(w, out)
	}

	version := out.LibraryVersion
	if version == "" {
		version = "(not reported)"
	}

	fmt.Fprintf(w, "%s\n", version)

	if out.AtLeastMinimum != nil {
		fmt.Fprintf(w, "at least %s: %t\n", minimum, *out.AtLeastMinimum)
	}

	return nil
}

func runDigest(ctx context.Context, a *app, w io.Writer) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}

	info, err := a.client.ContextInfo(ctx, s)
	if err != nil {
		return err
	}

	if info.FormDigestValue == "" {
		return fmt.Errorf("site %s returned no form digest", s.URL())
	}

	if a.cc.Flags.JSON {
		return printJSON(w, info)
	}

	fmt.Fprintf(w, "%s\n", info.FormDigestValue)
	a.cc.Statusf("Expires in %ds\n", info.FormDigestTimeoutSeconds)

	return nil
}

// cloneResult is one row of `clone` output.
type cloneResult struct {
	URL            string `json:"url"`
	LibraryVersion string `json:"library_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

// runClone clones the site session to every target in parallel and probes
// each clone with an empty query. A failing target is reported in its row;
// the command fails if any target failed.
func runClone(ctx context.Context, a *app, w io.Writer, targets []string) error {
	src, err := a.open(ctx)
	if err != nil {
		return err
	}

	results := make([]cloneResult, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelClones)

	for i, target := range targets {
		g.Go(func() error {
			results[i] = a.probeClone(gctx, src, target)

			// A failed target must not cancel the others.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0

	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}

	if a.cc.Flags.JSON {
		if err := printJSON(w, results); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			status := r.LibraryVersion
			if r.Error != "" {
				status = "error: " + r.Error
			}

			rows = append(rows, []string{r.URL, status})
		}

		printTable(w, []string{"URL", "SERVER VERSION"}, rows)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d clones failed", failed, len(targets))
	}

	return nil
}

func (a *app) probeClone(ctx context.Context, src *session.Session, target string) cloneResult {
	res := cloneResult{URL: target}

	dst, err := a.cloner.Clone(ctx, src, target, nil)
	if err == nil {
		err = a.executor.Execute(ctx, dst, a.execOptions("Clone")...)
	}

	if err != nil {
		a.cc.Logger.Warn("clone probe failed", slog.String("url", target), slog.String("error", err.Error()))
		res.Error = err.Error()

		return res
	}

	res.LibraryVersion, _ = dst.ServerLibraryVersion()

	return res
}

// runCloneSiteCollection clones the site session to the root web of its
// site collection and probes the clone.
func runCloneSiteCollection(ctx context.Context, a *app, w io.Writer) error {
	src, err := a.open(ctx)
	if err != nil {
		return err
	}

	dst, err := a.cloner.SiteCollection(ctx, src, a.client.SiteCollectionResolver(src))
	if err != nil {
		return err
	}

	if err := a.executor.Execute(ctx, dst, a.execOptions("SiteCollection")...); err != nil {
		return err
	}

	res := cloneResult{URL: dst.URL()}
	res.LibraryVersion, _ = dst.ServerLibraryVersion()

	if a.cc.Flags.JSON {
		return printJSON(w, res)
	}

	printTable(w, []string{"URL", "SERVER VERSION"}, [][]string{{res.URL, res.LibraryVersion}})

	return nil
}
