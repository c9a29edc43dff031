package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/store/postgres"
	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/errclass"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL schema migrations",
	Long: `Apply PostgreSQL schema migrations.

Migrations are embedded in the binary and applied in order; already applied
versions are skipped. Other commands migrate automatically on open.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != "postgres" {
			return errclass.ErrConfigInvalid.WithMessagef("migrate requires storage.driver postgres, have %q", cfg.Storage.Driver)
		}

		ctx := cmd.Context()
		db, err := postgres.Open(ctx, cfg.Storage, zap.NewNop())
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if jsonOutput {
			return outputJSON(map[string]any{"applied": applied})
		}
		if len(applied) == 0 {
			fmt.Println("Schema is up to date.")
			return nil
		}
		for _, v := range applied {
			fmt.Println(color.Successf("applied %s", v))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
