package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"metexplorer.io/met/internal/infrastructure"
)

func newMigrateCmd(opts *globalOptions) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the application schema and River queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			pool, err := infrastructure.NewPool(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			if !status {
				if err := infrastructure.MigrateSchema(ctx, pool); err != nil {
					return err
				}
				if err := infrastructure.MigrateRiver(ctx, pool); err != nil {
					return err
				}
			}

			version, dirty, err := infrastructure.SchemaVersion(pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "only print the applied schema version")
	return cmd
}
