package cmd

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediaforge/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending schema migrations and exit. "serve", "worker" and
"cleanup" also migrate on startup.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(db *database.DB) error {
			return db.Migrate(cmd.Context())
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(db *database.DB) error {
			statuses, err := db.SchemaMigrator().Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tAPPLIED\tAPPLIED AT\tDESCRIPTION")
			for _, s := range statuses {
				at := "-"
				if s.AppliedAt != nil {
					at = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", s.Version, s.Applied, at, s.Description)
			}
			return tw.Flush()
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(func(db *database.DB) error {
			return db.SchemaMigrator().Down(cmd.Context())
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// withDatabase opens the configured database without migrating it.
func withDatabase(fn func(db *database.DB) error) error {
	logger := slog.Default()
	db, err := database.New(appConfig.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()
	return fn(db)
}
