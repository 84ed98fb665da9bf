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

// Summary reports what one tick did.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Ticker drains a bounded batch of queued runs.
type Ticker interface {
	// Tick processes up to limit queued runs, oldest first. When another
	// tick holds the batch lease it returns an empty Summary and no error.
	Tick(ctx context.Context, limit int) (Summary, error)
}

// Compile-time interface check.
var _ Ticker = (*ticker)(nil)

type ticker struct {
	log      logrus.FieldLogger
	store    Store
	machine  Machine
	leases   lease.Manager
	metrics  *metrics.Metrics
	leaseTTL time.Duration
}

// NewTicker creates a Ticker. leaseTTL must cover the worst-case duration
// of one full batch.
func NewTicker(
	log logrus.FieldLogger,
	store Store,
	machine Machine,
	leases lease.Manager,
	m *metrics.Metrics,
	leaseTTL time.Duration,
) Ticker {
	return &ticker{
		log:      log.WithField("component", "runs-ticker"),
		store:    store,
		machine:  machine,
		leases:   leases,
		metrics:  m,
		leaseTTL: leaseTTL,
	}
}

func (t *ticker) Tick(ctx context.Context, limit int) (summary Summary, err error) {
	ok, err := t.leases.Acquire(ctx, lease.TickName, t.leaseTTL)
	if err != nil {
		return Summary{}, fmt.Errorf("acquiring tick lease: %w", err)
	}

	if !ok {
		t.log.Debug("Tick already in progress, skipping")
		t.metrics.Tick(false, 0)

		return Summary{}, nil
	}

	start := time.Now()

	defer func() {
		if relErr := t.leases.Release(context.WithoutCancel(ctx), lease.TickName); relErr != nil {
			t.log.WithError(relErr).Warn("Failed to release tick lease")
		}

		t.metrics.Tick(true, summary.Processed)
	}()

	queued, err := t.store.ListQueued(ctx, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("listing queued runs: %w", err)
	}

	for _, r := range queued {
		res, err := t.machine.Process(ctx, r.ProjectID, r.ID)
		if errors.Is(err, ErrRunBusy) || errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return summary, fmt.Errorf("executing run %s: %w", r.ID, err)
		}

		if !res.Advanced {
			continue
		}

		summary.Processed++

		switch res.Run.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		}
	}

	t.log.WithFields(logrus.Fields{
		"limit":     limit,
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("Tick completed")

	return summary, nil
}
