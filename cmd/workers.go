package cmd

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/surveyor-sec/surveyor/internal/observability"
	"github.com/surveyor-sec/surveyor/internal/store"
)

// newWorkersCmd lists the worker fleet as recorded in the database.
func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Lists registered scan workers and their last known status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := getLogger()
			defer observability.Sync()

			if cfg.Database.URL == "" {
				return fmt.Errorf("database URL is not configured (SURVEYOR_DATABASE_URL)")
			}
			dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer dbPool.Close()

			dbStore, err := store.New(ctx, dbPool, logger)
			if err != nil {
				return err
			}
			workers, err := dbStore.ListWorkers(ctx)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Println("No workers registered.")
				return nil
			}

			fmt.Printf("%-36s  %-24s  %-7s  %-8s  %s\n", "ID", "NAME", "KIND", "STATUS", "CAPABILITIES")
			for _, w := range workers {
				fmt.Printf("%-36s  %-24s  %-7s  %-8s  %s\n",
					w.ID, w.Name, w.Kind, w.Status, strings.Join(w.Capabilities, ","))
			}
			return nil
		},
	}
}
