package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/scribe/internal/state"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Create the database if needed and apply pending schema migrations.

Migrations are also applied by every command that opens the database;
run this to prepare a database ahead of deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := state.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		before, err := db.SchemaVersion()
		if err != nil {
			return err
		}
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		after, err := db.SchemaVersion()
		if err != nil {
			return err
		}

		if after == before {
			printStatus("✓", fmt.Sprintf("Schema up to date (version %d)", after), color.FgGreen)
		} else {
			printStatus("✓", fmt.Sprintf("Migrated %s from version %d to %d", db.Path(), before, after), color.FgGreen)
		}
		return nil
	},
}
