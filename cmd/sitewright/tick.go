package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
	"github.com/sitewright/sitewright/pkg/service"
	"github.com/spf13/cobra"
)

var tickLimit int

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process one batch of queued runs and exit",
	Long: `Process up to --limit queued runs, oldest first, against the configured
backend. Safe to run from cron next to a serving instance: batches are
serialized by the same lease.`,
	RunE: runTick,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail runs stuck in running and exit",
	RunE:  runSweep,
}

func init() {
	tickCmd.Flags().IntVar(&tickLimit, "limit", 0,
		"maximum runs to process (default runs.tick.default_limit)")

	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(sweepCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	return withServices(cmd.Context(), func(ctx context.Context, cfg *config.Config, svc *service.Services) error {
		limit := cfg.Runs.Tick.DefaultLimit
		if tickLimit > 0 {
			limit = min(tickLimit, cfg.Runs.Tick.MaxLimit)
		}

		summary, err := svc.Ticker.Tick(ctx, limit)
		if err != nil {
			return fmt.Errorf("ticking: %w", err)
		}

		log.WithFields(logrus.Fields{
			"limit":     limit,
			"processed": summary.Processed,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
		}).Info("Tick complete")

		return printJSON(summary)
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withServices(cmd.Context(), func(ctx context.Context, _ *config.Config, svc *service.Services) error {
		summary, err := svc.Sweeper.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweeping: %w", err)
		}

		log.WithFields(logrus.Fields{
			"checked": summary.Checked,
			"failed":  summary.Failed,
		}).Info("Sweep complete")

		return printJSON(summary)
	})
}

// withServices opens the configured services for a one-shot command.
func withServices(
	ctx context.Context,
	fn func(ctx context.Context, cfg *config.Config, svc *service.Services) error,
) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := service.Open(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("opening services: %w", err)
	}

	defer func() {
		if err := svc.Close(); err != nil {
			log.WithError(err).Warn("Failed to close services")
		}
	}()

	return fn(ctx, cfg, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
