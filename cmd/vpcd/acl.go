package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vpcd/internal/acl"
	"github.com/jbweber/homelab/vpcd/internal/repository"
)

func newACLCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acl",
		Short: "Manage network ACL lists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create ACL lists and their rules from a YAML file",
		Long: `Create ACL lists and their rules from a YAML file. The whole file is
validated before anything is written. A running vpcd picks the new lists up
on its next start.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			f, err := acl.ParseImport(data)
			if err != nil {
				return err
			}

			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			db, err := cfg.InitializeDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			networks := repository.NewNetworkRepository(db)
			engine := acl.NewEngine(repository.NewACLRepository(db), networks, repository.NewPublicIPRepository(db))
			if err := engine.Load(ctx, nil); err != nil {
				return err
			}

			vpcs := repository.NewVPCRepository(db)
			resolve := func(ctx context.Context, name string) (int64, error) {
				v, err := vpcs.FindByName(ctx, name)
				if err != nil {
					return 0, err
				}
				return v.ID, nil
			}

			lists, err := engine.Import(ctx, f, resolve)
			for _, l := range lists {
				fmt.Fprintf(cmd.OutOrStdout(), "created acl %d %q with %d rules\n", l.ID, l.Name, len(l.Rules))
			}
			return err
		},
	})
	return cmd
}
