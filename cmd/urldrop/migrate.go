package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwygoda/urldrop/internal/adapter/postgres"
	"github.com/cwygoda/urldrop/internal/config"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the record store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			switch cfg.Store.Driver {
			case config.StorePostgres:
				if err := postgres.Migrate(cfg.Store.DSN, ctx.logger); err != nil {
					return err
				}
			default:
				// sqlite creates its schema on open
				store, err := ctx.openStore(cmd.Context())
				if err != nil {
					return err
				}
				store.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", cfg.Store.Driver)
			return nil
		},
	}
}
