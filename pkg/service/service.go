// Package service wires the stores, run machinery and optional integrations
// from a Config so the server and one-shot commands share one graph.
package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/config"
	"github.com/sitewright/sitewright/pkg/events"
	"github.com/sitewright/sitewright/pkg/generate"
	"github.com/sitewright/sitewright/pkg/kv"
	"github.com/sitewright/sitewright/pkg/lease"
	"github.com/sitewright/sitewright/pkg/metrics"
	"github.com/sitewright/sitewright/pkg/project"
	"github.com/sitewright/sitewright/pkg/publish"
	"github.com/sitewright/sitewright/pkg/runs"
)

// Services is the wired component graph.
type Services struct {
	KV        kv.Store
	Leases    lease.Manager
	Runs      runs.Store
	Machine   runs.Machine
	Ticker    runs.Ticker
	Sweeper   runs.Sweeper
	Projects  project.Store
	Published publish.Store
	Events    events.Publisher

	// Metrics is nil when metrics are disabled.
	Metrics *metrics.Metrics

	log logrus.FieldLogger
	cfg *config.Config
}

// Open starts the key-value backend and builds every component on top of
// it. Close must be called to release the backend and event connection.
func Open(ctx context.Context, log logrus.FieldLogger, cfg *config.Config) (*Services, error) {
	backend, err := kv.New(log, &cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("creating kv store: %w", err)
	}

	if err := backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting kv store: %w", err)
	}

	svc, err := build(log, cfg, backend)
	if err != nil {
		if stopErr := backend.Stop(); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop kv store")
		}

		return nil, err
	}

	return svc, nil
}

func build(log logrus.FieldLogger, cfg *config.Config, backend kv.Store) (*Services, error) {
	svc := &Services{
		KV:       backend,
		Leases:   lease.NewManager(log, backend),
		Runs:     runs.NewStore(log, backend, cfg.Runs.MaxHistory),
		Projects: project.NewStore(log, backend),
		log:      log.WithField("component", "service"),
		cfg:      cfg,
	}

	if cfg.Metrics.Enabled {
		svc.Metrics = metrics.New()
	}

	pub, err := events.New(log, &cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("creating event publisher: %w", err)
	}

	svc.Events = pub

	gen, err := generate.New(log, &cfg.Generation)
	if err != nil {
		pub.Close()

		return nil, fmt.Errorf("creating generator: %w", err)
	}

	svc.Machine, err = runs.NewMachine(log, runs.MachineConfig{
		Store:     svc.Runs,
		Leases:    svc.Leases,
		Generator: gen,
		Events:    pub,
		Metrics:   svc.Metrics,
		LeaseTTL:  cfg.RunLeaseTTL(),
	})
	if err != nil {
		pub.Close()

		return nil, fmt.Errorf("creating run machine: %w", err)
	}

	svc.Ticker = runs.NewTicker(log, svc.Runs, svc.Machine, svc.Leases, svc.Metrics, cfg.TickLeaseTTL())
	svc.Sweeper = runs.NewSweeper(log, svc.Runs, svc.Leases, svc.Metrics, cfg.StaleAfter(), cfg.RunLeaseTTL())

	opts := publish.Options{
		MaxVersions: cfg.Publish.MaxVersions,
		Events:      pub,
		Metrics:     svc.Metrics,
		SiteBaseURL: cfg.Server.PublicBaseURL,
	}

	if cfg.Publish.S3 != nil && cfg.Publish.S3.Enabled {
		opts.Mirror = publish.NewS3Mirror(log, cfg.Publish.S3)

		svc.log.WithField("bucket", cfg.Publish.S3.Bucket).Info("S3 mirror enabled")
	}

	svc.Published = publish.NewStore(log, backend, opts)

	return svc, nil
}

// Scheduler returns a background scheduler over the shared ticker and
// sweeper. It is not started.
func (s *Services) Scheduler() runs.Scheduler {
	return runs.NewScheduler(
		s.log,
		s.Ticker,
		s.Sweeper,
		s.cfg.SchedulerInterval(),
		s.cfg.Runs.Scheduler.Limit,
	)
}

// Close releases the event connection and stops the key-value backend.
func (s *Services) Close() error {
	if s.Events != nil {
		s.Events.Close()
	}

	if err := s.KV.Stop(); err != nil {
		return fmt.Errorf("stopping kv store: %w", err)
	}

	return nil
}
