package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/surveyor-sec/surveyor/api/schemas"
	"github.com/surveyor-sec/surveyor/internal/observability"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	var (
		engineFiles []string
		engineNames []string
	)

	scanCmd := &cobra.Command{
		Use:   "scan [target]",
		Short: "Runs a full scan pipeline against the target and waits for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := getLogger()
			defer observability.Sync()

			if len(engineFiles) == 0 {
				return fmt.Errorf("at least one --engine configuration file is required")
			}
			yamls := make([]string, 0, len(engineFiles))
			for _, path := range engineFiles {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read engine configuration %s: %w", path, err)
				}
				yamls = append(yamls, string(raw))
			}
			if len(engineNames) == 0 {
				engineNames = engineFiles
			}

			components, err := initializeCore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			go logEvents(ctx, components.Bus, logger)

			snapshot, err := components.Orchestrator.Submit(ctx, schemas.ScanRequest{
				TargetID:    args[0],
				EngineYAMLs: yamls,
				EngineNames: engineNames,
			})
			if err != nil {
				return err
			}
			logger.Info("Scan started",
				zap.String("scan_id", snapshot.ID),
				zap.String("target", args[0]))

			if err := components.Orchestrator.Wait(ctx, snapshot.ID); err != nil {
				// Interrupted; cancel the scan and let workers wind down.
				cancelErr := components.Orchestrator.Cancel(cmd.Context(), snapshot.ID, "interrupted by user")
				if cancelErr != nil {
					logger.Warn("Failed to cancel scan on interrupt", zap.Error(cancelErr))
				}
				return fmt.Errorf("scan aborted by user signal")
			}

			final, err := components.Orchestrator.Get(snapshot.ID)
			if err != nil {
				return err
			}
			printScanSummary(final)

			if final.Status == schemas.ScanFailed {
				return fmt.Errorf("scan failed: %s", final.ErrorMessage)
			}
			return nil
		},
	}

	scanCmd.Flags().StringArrayVarP(&engineFiles, "engine", "e", nil, "Engine configuration YAML file. Repeat to merge several engines.")
	scanCmd.Flags().StringArrayVar(&engineNames, "engine-name", nil, "Display name per engine file, in the same order.")
	return scanCmd
}

// printScanSummary renders the final scan record for the terminal.
func printScanSummary(scan schemas.ScanTask) {
	fmt.Printf("\nScan %s finished: %s (%d%%)\n", scan.ID, scan.Status, scan.Progress)
	if scan.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", scan.ErrorMessage)
	}

	stages := make([]string, 0, len(scan.StageProgress))
	for name := range scan.StageProgress {
		stages = append(stages, name)
	}
	sort.Slice(stages, func(i, j int) bool {
		return scan.StageProgress[stages[i]].Order < scan.StageProgress[stages[j]].Order
	})
	for _, name := range stages {
		item := scan.StageProgress[name]
		line := fmt.Sprintf("  %-20s %s", name, item.Status)
		if item.Detail != "" {
			line += "  " + item.Detail
		}
		if item.Error != "" {
			line += "  error: " + item.Error
		}
		if item.Reason != "" {
			line += "  (" + item.Reason + ")"
		}
		fmt.Println(line)
	}
}
