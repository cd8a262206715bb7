package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldtofork/platform/experiment-engine/internal/config"
	"github.com/fieldtofork/platform/experiment-engine/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate up|down",
	Short: "Apply or roll back the schema migrations",
	Long: `Apply or roll back the embedded schema migrations.

Examples:
  abctl migrate up     # Apply all pending migrations
  abctl migrate down   # Roll back every migration`,
	ValidArgs: []string{"up", "down"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := store.Migrate(cfg.DatabaseURL, args[0]); err != nil {
		return fmt.Errorf("migrate %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", args[0])
	return nil
}
