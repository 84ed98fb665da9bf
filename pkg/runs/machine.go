package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/events"
	"github.com/sitewright/sitewright/pkg/generate"
	"github.com/sitewright/sitewright/pkg/lease"
	"github.com/sitewright/sitewright/pkg/metrics"
)

// Result is the outcome of one execution attempt.
type Result struct {
	Run *Run

	// Advanced is true when this call moved the run to a terminal state,
	// false when the run was already terminal.
	Advanced bool
}

// Machine advances runs through their states.
type Machine interface {
	// Execute runs a queued run to completion, or returns an already
	// terminal run unchanged. It returns ErrRunBusy when another execution
	// owns the run and ErrNotFound when it does not exist.
	Execute(ctx context.Context, projectID, runID string) (*Run, error)

	// Process is Execute, additionally reporting whether the run advanced.
	Process(ctx context.Context, projectID, runID string) (Result, error)
}

// MachineConfig holds the Machine dependencies.
type MachineConfig struct {
	Store     Store
	Leases    lease.Manager
	Generator generate.Generator
	Events    events.Publisher
	Metrics   *metrics.Metrics

	// LeaseTTL must cover the worst-case execution time.
	LeaseTTL time.Duration
}

// Compile-time interface check.
var _ Machine = (*machine)(nil)

type machine struct {
	log      logrus.FieldLogger
	store    Store
	leases   lease.Manager
	gen      generate.Generator
	events   events.Publisher
	metrics  *metrics.Metrics
	leaseTTL time.Duration
	now      func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(log logrus.FieldLogger, cfg MachineConfig) (Machine, error) {
	if cfg.Store == nil {
		return nil, errors.New("runs: store is required")
	}

	if cfg.Leases == nil {
		return nil, errors.New("runs: lease manager is required")
	}

	if cfg.Generator == nil {
		return nil, errors.New("runs: generator is required")
	}

	if cfg.LeaseTTL <= 0 {
		return nil, errors.New("runs: lease ttl must be positive")
	}

	pub := cfg.Events
	if pub == nil {
		pub = events.Noop{}
	}

	return &machine{
		log:      log.WithField("component", "runs-machine"),
		store:    cfg.Store,
		leases:   cfg.Leases,
		gen:      cfg.Generator,
		events:   pub,
		metrics:  cfg.Metrics,
		leaseTTL: cfg.LeaseTTL,
		now:      time.Now,
	}, nil
}

func (m *machine) Execute(ctx context.Context, projectID, runID string) (*Run, error) {
	res, err := m.Process(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}

	return res.Run, nil
}

func (m *machine) Process(ctx context.Context, projectID, runID string) (Result, error) {
	// Once started, an execution is not cancelled by its caller going away.
	ctx = context.WithoutCancel(ctx)

	log := m.log.WithFields(logrus.Fields{
		"project_id": projectID,
		"run_id":     runID,
	})

	leaseName := lease.RunName(runID)

	ok, err := m.leases.Acquire(ctx, leaseName, m.leaseTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquiring run lease: %w", err)
	}

	if !ok {
		return Result{}, ErrRunBusy
	}

	defer func() {
		if err := m.leases.Release(ctx, leaseName); err != nil {
			log.WithError(err).Warn("Failed to release run lease")
		}
	}()

	run, err := m.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return Result{}, err
	}

	switch run.Status {
	case StatusSucceeded, StatusFailed:
		return Result{Run: run}, nil
	case StatusRunning:
		return Result{}, ErrRunBusy
	}

	if err := run.transition(StatusRunning, m.now()); err != nil {
		return Result{}, err
	}

	if err := m.store.SaveRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("marking run running: %w", err)
	}

	if err := m.store.Dequeue(ctx, run); err != nil {
		log.WithError(err).Warn("Failed to drop queue entry")
	}

	m.publish(ctx, log, events.SubjectRunStarted, run)

	log.Info("Run started")

	start := time.Now()
	output, genErr := m.generate(ctx, run.Prompt)
	m.metrics.ObserveGeneration(time.Since(start), genErr == nil)

	// Re-read before the terminal write; the stale sweep may have resolved
	// the run if this execution outlived its lease.
	current, err := m.store.GetRun(ctx, projectID, runID)
	if err != nil {
		return Result{}, fmt.Errorf("reloading run: %w", err)
	}

	if current.Status != StatusRunning || !sameTime(current.StartedAt, run.StartedAt) {
		log.WithField("status", current.Status).
			Warn("Run was resolved by another process, discarding result")

		return Result{Run: current}, nil
	}

	if genErr != nil {
		err = run.fail(genErr.Error(), m.now())
	} else {
		err = run.succeed(output, m.now())
	}

	if err != nil {
		return Result{}, err
	}

	if err := m.store.SaveRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("recording run outcome: %w", err)
	}

	m.metrics.RunFinished(string(run.Status))
	m.publish(ctx, log, events.SubjectRunFinished, run)

	entry := log.WithFields(logrus.Fields{
		"status":   run.Status,
		"duration": run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond),
	})

	if run.Status == StatusFailed {
		entry.WithField("error", run.Error).Warn("Run failed")
	} else {
		entry.Info("Run succeeded")
	}

	return Result{Run: run, Advanced: true}, nil
}

// generate calls the generator and composes the final document.
func (m *machine) generate(ctx context.Context, prompt string) (string, error) {
	artifact, err := m.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	doc, err := generate.Compose(artifact)
	if err != nil {
		return "", &generate.Error{Reason: "composing document", Err: err}
	}

	return doc, nil
}

func (m *machine) publish(ctx context.Context, log logrus.FieldLogger, subject string, run *Run) {
	ev := events.RunEvent{
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		Status:    string(run.Status),
		Error:     run.Error,
		At:        m.now().UTC(),
	}

	if err := m.events.Publish(ctx, subject, ev); err != nil {
		log.WithError(err).WithField("subject", subject).Debug("Failed to publish run event")
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}
