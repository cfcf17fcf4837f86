package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surveyor-sec/surveyor/internal/observability"
)

// newServeCmd creates the long-running orchestration core command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the orchestration core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := getLogger()

			components, err := initializeCore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()
			defer observability.Sync()

			go logEvents(ctx, components.Bus, logger)

			logger.Info("Orchestration core running")
			<-ctx.Done()
			logger.Info("Shutting down")
			return nil
		},
	}
}
