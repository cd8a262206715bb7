// Package cli implements abctl, the operator command line for the
// experiment engine.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "abctl",
	Short: "Operate the experiment engine",
	Long: `abctl runs schema migrations, the scheduled harm check and
ad-hoc results lookups against the experiment engine database.

Configuration is read from the environment (or .env), the same way
experiment-service reads it.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(harmCheckCmd)
	rootCmd.AddCommand(resultsCmd)
}
