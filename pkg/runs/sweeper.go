package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/lease"
	"github.com/sitewright/sitewright/pkg/metrics"
)

// SweepSummary reports what one sweep did.
type SweepSummary struct {
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
}

// Sweeper fails runs stuck in running past the staleness bound. Runs are
// failed rather than re-queued so status never moves backwards.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepSummary, error)
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log        logrus.FieldLogger
	store      Store
	leases     lease.Manager
	metrics    *metrics.Metrics
	staleAfter time.Duration
	leaseTTL   time.Duration
	now        func() time.Time
}

// NewSweeper creates a Sweeper. A running run whose per-run lease is still
// held is never swept.
func NewSweeper(
	log logrus.FieldLogger,
	store Store,
	leases lease.Manager,
	m *metrics.Metrics,
	staleAfter, leaseTTL time.Duration,
) Sweeper {
	return &sweeper{
		log:        log.WithField("component", "runs-sweeper"),
		store:      store,
		leases:     leases,
		metrics:    m,
		staleAfter: staleAfter,
		leaseTTL:   leaseTTL,
		now:        time.Now,
	}
}

func (s *sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("listing running runs: %w", err)
	}

	var summary SweepSummary

	for _, r := range running {
		summary.Checked++

		if !s.stale(r) {
			continue
		}

		failed, err := s.failStale(ctx, r)
		if err != nil {
			return summary, err
		}

		if failed {
			summary.Failed++
		}
	}

	if summary.Failed > 0 {
		s.log.WithFields(logrus.Fields{
			"checked": summary.Checked,
			"failed":  summary.Failed,
		}).Warn("Failed stale runs")
	}

	return summary, nil
}

func (s *sweeper) stale(r *Run) bool {
	return r.Status == StatusRunning &&
		r.StartedAt != nil &&
		s.now().Sub(*r.StartedAt) >= s.staleAfter
}

func (s *sweeper) failStale(ctx context.Context, r *Run) (bool, error) {
	name := lease.RunName(r.ID)

	ok, err := s.leases.Acquire(ctx, name, s.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring run lease: %w", err)
	}

	if !ok {
		return false, nil
	}

	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), name); err != nil {
			s.log.WithError(err).WithField("run_id", r.ID).Warn("Failed to release run lease")
		}
	}()

	run, err := s.store.GetRun(ctx, r.ProjectID, r.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if !s.stale(run) {
		return false, nil
	}

	msg := fmt.Sprintf("stale: execution did not finish within %s", s.staleAfter)
	if err := run.fail(msg, s.now()); err != nil {
		return false, err
	}

	if err := s.store.SaveRun(ctx, run); err != nil {
		return false, fmt.Errorf("failing stale run %s: %w", run.ID, err)
	}

	if err := s.store.Dequeue(ctx, run); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to drop queue entry")
	}

	s.metrics.StaleRunFailed()
	s.metrics.RunFinished(string(run.Status))

	s.log.WithFields(logrus.Fields{
		"project_id": run.ProjectID,
		"run_id":     run.ID,
		"started_at": run.StartedAt,
	}).Warn("Failed stale run")

	return true, nil
}
