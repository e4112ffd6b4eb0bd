package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/emote-tracker/app"
	"github.com/onnwee/emote-tracker/db"
)

func newMigrateCommand(e *env) *cobra.Command {
	var down, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply pending versioned migrations to the Postgres store. --down rolls back one step; --status prints the current version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if st.DB == nil {
				return errors.New("migrate requires the postgres store backend")
			}
			out := cmd.OutOrStdout()
			switch {
			case status:
				v, dirty, err := db.GetMigrationVersion(st.DB)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version %d dirty=%t\n", v, dirty)
				return nil
			case down:
				return db.MigrateDown(st.DB)
			default:
				if err := app.Migrate(cmd.Context(), st.DB); err != nil {
					return err
				}
				fmt.Fprintf(out, "migrations applied (%s)\n", cfg.StoreBackend)
				return nil
			}
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	cmd.Flags().BoolVar(&status, "status", false, "print the current migration version")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}
