// Package main is the entry point for the schoolsync service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "schoolsync",
		Short: "Schedules and runs school data syncs against the MB and Nex platforms",
		Long: `schoolsync keeps per-school data in step with the MB and Nex platforms.

It evaluates cron schedules, resolves organisation nodes into schools and
drives each school through the configured sync endpoints, recording progress
in a SQL database that the HTTP API exposes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", "", "Path to configuration file (TOML)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newValidateConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "schoolsync %s (commit %s)\n", version, commit)
		},
	}
}
