package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teivault/teivault/internal/cli/prompt"
	"github.com/teivault/teivault/pkg/catalog"
)

var (
	migrateRollbackTo int
	migrateYes        bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back catalog schema migrations",
	Long: `Apply pending catalog schema migrations, or roll back to an earlier
schema version with --rollback-to.

Migrations also run automatically when the catalog is opened; this
command exists to run them explicitly, inspect the schema version, and
roll back. A file backup of the catalog is written before each
migration step unless the database is Postgres.

Examples:
  # Apply anything pending and print the version
  teivault migrate

  # Roll back to schema version 2
  teivault migrate --rollback-to 2`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().IntVar(&migrateRollbackTo, "rollback-to", -1,
		"Roll back to this schema version instead of migrating forward")
	migrateCmd.Flags().BoolVar(&migrateYes, "yes", false, "Skip the rollback confirmation prompt")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	rt, closeRt, err := openRuntime(GetConfigFile())
	if err != nil {
		return err
	}
	defer closeRt()

	ctx := context.Background()
	runner := catalog.NewMigrationRunnerWithConfig(rt.catalog, rt.cfg.Database.Migrations)

	version, err := runner.Version(ctx)
	if err != nil {
		return err
	}

	if migrateRollbackTo >= 0 {
		if migrateRollbackTo >= version {
			return fmt.Errorf("already at schema version %d, cannot roll back to %d",
				version, migrateRollbackTo)
		}
		ok, err := prompt.ConfirmWithForce(
			fmt.Sprintf("Roll back the catalog from schema version %d to %d?",
				version, migrateRollbackTo), migrateYes)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		if err := runner.RollbackTo(ctx, migrateRollbackTo); err != nil {
			return err
		}
		fmt.Printf("Catalog rolled back to schema version %d.\n", migrateRollbackTo)
		return nil
	}

	if version == runner.Latest() {
		fmt.Printf("Catalog is up to date at schema version %d.\n", version)
		return nil
	}

	if err := runner.Run(ctx); err != nil {
		return err
	}
	fmt.Printf("Catalog migrated from schema version %d to %d.\n", version, runner.Latest())
	return nil
}
