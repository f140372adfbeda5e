package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vpcd/internal/migrations"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			db, err := cfg.InitializeDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			current, err := migrations.NewDefaultMigrator(db).GetCurrentVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", current)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			db, err := cfg.OpenDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			reverted, err := migrations.NewDefaultMigrator(db).Rollback()
			if err != nil {
				return err
			}
			if reverted == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted migration %d\n", reverted)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			db, err := cfg.OpenDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			m := migrations.NewDefaultMigrator(db)
			applied, err := m.Applied()
			if err != nil {
				return err
			}
			done := make(map[int64]string, len(applied))
			for _, a := range applied {
				done[a.Version] = a.AppliedAt
			}

			out := cmd.OutOrStdout()
			for _, mig := range m.GetMigrations() {
				at, ok := done[mig.Version]
				if !ok {
					at = "pending"
				}
				fmt.Fprintf(out, "%4d  %-32s %s\n", mig.Version, mig.Name, at)
			}
			return nil
		},
	})
	return cmd
}
