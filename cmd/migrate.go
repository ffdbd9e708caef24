package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/keeper/internal/config"
	"github.com/nextlevelbuilder/keeper/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "failed to load config:", err)
				os.Exit(1)
			}
			// Open applies embedded migrations.
			db, err := store.Open(cfg.Database.SQLitePath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "migration failed:", err)
				os.Exit(1)
			}
			db.Close()
			fmt.Println("migrations up to date:", cfg.Database.SQLitePath)
		},
	}
}
