package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codefleet/fleet/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var rollback string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database schema",
		Long: `Migrate the database to the latest schema version. A backup named
<db>.v<version>.backup is written alongside the database before each
step. Migration is idempotent.

With --rollback, restore the backup taken before the given version was
applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.DBPath
			if v := viper.GetString("db_path"); v != "" {
				path = v
			}
			store, err := db.Open(path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if rollback != "" {
				if err := store.Rollback(rollback); err != nil {
					return err
				}
				if jsonOut {
					return printJSON(out, map[string]any{"success": true, "rolledBackTo": rollback})
				}
				fmt.Fprintln(out, green("rolled back to version %s", rollback))
				return nil
			}

			before, _ := store.Version()
			if err := store.MigrateToLatest(); err != nil {
				return err
			}
			after, err := store.Version()
			if err != nil {
				return err
			}

			if jsonOut {
				return printJSON(out, map[string]any{
					"success": true,
					"from":    before,
					"version": after,
				})
			}
			if before == after {
				fmt.Fprintf(out, "already at version %s\n", after)
			} else {
				fmt.Fprintln(out, green("migrated %s -> %s", orUnset(before), after))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rollback, "rollback", "", "restore the backup for this schema version")
	return cmd
}

func orUnset(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}
