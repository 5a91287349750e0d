package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sensorlog/internal/config"
	"github.com/JonMunkholm/sensorlog/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Args:  cobra.NoArgs,
		Short: "Create the sensor tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pg, err := store.OpenPostgres(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := store.EnsureSchema(cmd.Context(), pg.DB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready in %s\n", store.DatabaseName(cfg.Database.URL))
			return nil
		},
	}
}
