package runs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler is a background service that ticks and sweeps on an interval.
// It goes through the same leases as HTTP-triggered ticks.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	ticker   Ticker
	sweeper  Sweeper
	interval time.Duration
	limit    int
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a background scheduler. sweeper may be nil.
func NewScheduler(
	log logrus.FieldLogger,
	ticker Ticker,
	sweeper Sweeper,
	interval time.Duration,
	limit int,
) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		ticker:   ticker,
		sweeper:  sweeper,
		interval: interval,
		limit:    limit,
		done:     make(chan struct{}),
	}
}

// Start launches a goroutine that runs one pass immediately and then one
// per interval.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"interval": s.interval.String(),
		"limit":    s.limit,
	}).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scheduler goroutine to stop and waits for it.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) runPass(ctx context.Context) {
	if s.sweeper != nil {
		if _, err := s.sweeper.Sweep(ctx); err != nil {
			s.log.WithError(err).Warn("Sweep failed")
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-s.done:
		return
	default:
	}

	summary, err := s.ticker.Tick(ctx, s.limit)
	if err != nil {
		s.log.WithError(err).Warn("Scheduled tick failed")

		return
	}

	if summary.Processed > 0 {
		s.log.WithFields(logrus.Fields{
			"processed": summary.Processed,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
		}).Debug("Scheduled tick processed runs")
	}
}
