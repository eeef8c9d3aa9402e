package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/orchestra/internal/checkpoint"
	"github.com/lucasnoah/orchestra/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		cmd.Println("Schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all workflows and events and recreate the schema (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		cmd.Println("Database reset.")
		return nil
	},
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Apply the retention policy once",
	Long: `Delete terminal checkpoints older than checkpoint.retention and events
outside events.retention / events.retention_count, as the server's janitor
does on every sweep. Clients reconnecting with a purged event ID receive
backfill_expired.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		res, err := checkpoint.New(store).Sweep(cmd.Context(), retentionPolicy(cfg), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		cmd.Printf("Removed %d checkpoint(s) and %d event(s).\n", res.Checkpoints, res.Events)
		return nil
	},
}

// openStore opens the configured database.
func openStore(ctx context.Context) (db.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return store, nil
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
	dbCmd.AddCommand(dbPurgeCmd)
}
