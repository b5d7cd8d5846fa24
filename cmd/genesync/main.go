// Command genesync keeps the local gene catalog in step with the FlyBase
// report pages: aliases, isoform identifiers and the isoform diagram.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"genesync/internal/core"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "genesync:", err)
		return 1
	}
	return 0
}

type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "genesync",
		Short: "Reconcile the local gene catalog against FlyBase",
		Long: `genesync periodically fetches the FlyBase report page of every gene in the
local catalog and converges its aliases, isoforms and isoform diagram.

Configuration is read from an optional YAML file, GENESYNC_* environment
variables and the database credentials file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Reconcile forever, one cycle per interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				return a.service.Run(ctx)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				_, err := a.service.RunCycle(ctx)
				return err
			})
		},
	})
	root.AddCommand(newAssetsCmd(opts))
	return root
}

func newAssetsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect the cached isoform diagrams",
	}
	var prune bool
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Compare cached diagrams with the catalog",
		Long: `audit lists stored diagrams no catalog gene points at (orphans) and genes whose
recorded diagram is missing from the store. With --prune the orphans are
deleted; on the fs driver every file under the asset root counts, so only
prune a root genesync owns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				report, err := core.AuditAssets(ctx, a.store, a.assets, prune, a.log)
				out := cmd.OutOrStdout()
				for _, key := range report.Orphans {
					_, _ = fmt.Fprintf(out, "orphan\t%s\n", key)
				}
				for _, m := range report.Missing {
					_, _ = fmt.Fprintf(out, "missing\t%s\t%s\n", m.ExternalID, m.Key)
				}
				_, _ = fmt.Fprintf(out, "stored=%d referenced=%d orphans=%d missing=%d pruned=%d\n",
					report.Stored, report.Referenced, len(report.Orphans), len(report.Missing), report.Pruned)
				return err
			})
		},
	}
	audit.Flags().BoolVar(&prune, "prune", false, "delete orphaned diagrams")

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Write a cached diagram to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				_, body, err := a.assets.Open(ctx, args[0])
				if err != nil {
					return err
				}
				defer func() { _ = body.Close() }()
				if _, err := io.Copy(cmd.OutOrStdout(), body); err != nil {
					return fmt.Errorf("write asset %s: %w", args[0], err)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(audit, get)
	return cmd
}
