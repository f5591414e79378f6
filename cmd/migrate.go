package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nanobot/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations",
		Long: `Apply postgres schema migrations.

Only needed with the postgres store driver; the file store has no schema.
The DSN comes from NANOBOT_POSTGRES_DSN.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfigOrExit()
			if cfg.Store.PostgresDSN == "" {
				fmt.Fprintln(os.Stderr, "Error: NANOBOT_POSTGRES_DSN is not set")
				os.Exit(1)
			}
			if err := pg.Migrate(cfg.Store.PostgresDSN); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Migrations applied.")
		},
	}
}
