package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waygate/waygate/storage/sql"
)

// commandMigrate applies the SQL schema for postgres/sqlite3 backends ahead
// of serving; storage/sql.Open migrates as a side effect of opening, so this
// is an explicit apply-schema-and-exit entrypoint for deploy pipelines that
// want migration to run as its own step.
func commandMigrate() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "migrate [flags] config.yaml",
		Short:   "Apply pending storage migrations and exit",
		Example: "waygated migrate config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			c, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			return runMigrate(c)
		},
	}
	return cmd
}

func runMigrate(c config) error {
	switch c.Storage.Driver {
	case "memory":
		fmt.Println("memory storage has no schema to migrate")
		return nil
	case "postgres", "sqlite3":
		store, err := sql.Open(c.Storage.Driver, c.Storage.DSN)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer store.Close()
		fmt.Println("migrations applied")
		return nil
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
}
