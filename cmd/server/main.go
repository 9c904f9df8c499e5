package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

// newRootCmd creates the root command. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "moldflow",
		Short:         "Moldflow - mold tooling workflow service",
		Long:          `Moldflow tracks repair, transfer, injection condition, checklist and scrap workflows for molds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	cmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to .env file")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPolicyCmd(),
		newIssueTokenCmd(),
	)

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
