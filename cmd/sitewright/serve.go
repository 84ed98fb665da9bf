package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sitewright/sitewright/pkg/api"
	"github.com/sitewright/sitewright/pkg/runs"
	"github.com/sitewright/sitewright/pkg/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the HTTP API and the public site renderer. When runs.scheduler.enabled
is set, queued runs are also ticked in-process on an interval.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Open(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("opening services: %w", err)
	}

	defer func() {
		if err := svc.Close(); err != nil {
			log.WithError(err).Warn("Failed to close services")
		}
	}()

	srv := api.NewServer(log, cfg, svc)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	var sched runs.Scheduler

	if cfg.Runs.Scheduler.Enabled {
		sched = svc.Scheduler()

		if err := sched.Start(ctx); err != nil {
			_ = srv.Stop()

			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	<-ctx.Done()
	log.Info("Shutting down")

	// In-flight executions hold their leases until they finish, so both
	// components drain in parallel.
	var g errgroup.Group

	g.Go(srv.Stop)

	if sched != nil {
		g.Go(sched.Stop)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return nil
}
