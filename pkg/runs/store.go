package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sitewright/sitewright/pkg/kv"
)

const (
	seqKey          = "runs:seq"
	queuePrefix     = "queue:"
	latestRunPrefix = "latest-run:"
	latestRunKey    = "latest-run"
)

func runKey(projectID, runID string) string {
	return "run:" + projectID + ":" + runID
}

func runPrefix(projectID string) string {
	return "run:" + projectID + ":"
}

func queueKey(seq int64) string {
	return fmt.Sprintf("%s%020d", queuePrefix, seq)
}

// queueEntry points from the system-wide queue to a run record.
type queueEntry struct {
	V         int    `json:"v"`
	ProjectID string `json:"projectId"`
	RunID     string `json:"runId"`
}

func (q *queueEntry) SchemaVersion() int { return q.V }

func (q *queueEntry) Validate() error {
	if q.ProjectID == "" || q.RunID == "" {
		return errors.New("queue entry has no run reference")
	}

	return nil
}

// Pointer references the most recently created run across all projects.
type Pointer struct {
	V         int       `json:"v"`
	ProjectID string    `json:"projectId"`
	RunID     string    `json:"runId"`
	At        time.Time `json:"at"`
}

func (p *Pointer) SchemaVersion() int { return p.V }

func (p *Pointer) Validate() error {
	if p.ProjectID == "" || p.RunID == "" {
		return errors.New("pointer has no run reference")
	}

	return nil
}

// Store persists runs in the key-value backend.
type Store interface {
	// CreateRun validates the prompt, stores a queued run and enqueues it.
	CreateRun(ctx context.Context, projectID, prompt string) (*Run, error)

	// GetRun loads a run, or returns ErrNotFound.
	GetRun(ctx context.Context, projectID, runID string) (*Run, error)

	// ListRuns returns a project's runs newest first. No runs yields an
	// empty slice.
	ListRuns(ctx context.Context, projectID string) ([]*Run, error)

	// SaveRun overwrites the whole run record. Last writer wins.
	SaveRun(ctx context.Context, run *Run) error

	// LatestRun returns the newest run of a project, or ErrNotFound.
	LatestRun(ctx context.Context, projectID string) (*Run, error)

	// LastTouched returns the pointer to the most recently created run.
	LastTouched(ctx context.Context) (*Pointer, error)

	// ListQueued returns up to limit queued runs system-wide, oldest first.
	ListQueued(ctx context.Context, limit int) ([]*Run, error)

	// ListRunning returns every run currently in the running state.
	ListRunning(ctx context.Context) ([]*Run, error)

	// Dequeue removes the run's queue entry, if any.
	Dequeue(ctx context.Context, run *Run) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log        logrus.FieldLogger
	kv         kv.Store
	maxHistory int
	now        func() time.Time
}

// NewStore creates a run Store. maxHistory caps ListRuns results; zero
// means unlimited.
func NewStore(log logrus.FieldLogger, backend kv.Store, maxHistory int) Store {
	return &store{
		log:        log.WithField("component", "runs-store"),
		kv:         backend,
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

// ValidateProjectID rejects ids that cannot be embedded in a key.
func ValidateProjectID(projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return &ValidationError{Message: "Missing projectId"}
	}

	if strings.ContainsAny(projectID, ": \t\n") {
		return &ValidationError{Message: "Invalid projectId"}
	}

	return nil
}

func (s *store) CreateRun(ctx context.Context, projectID, prompt string) (*Run, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}

	if strings.TrimSpace(prompt) == "" {
		return nil, &ValidationError{Message: "Missing prompt"}
	}

	seq, err := s.kv.Incr(ctx, seqKey)
	if err != nil {
		return nil, fmt.Errorf("allocating run sequence: %w", err)
	}

	run := &Run{
		V:         SchemaVersion,
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Seq:       seq,
		Status:    StatusQueued,
		Prompt:    prompt,
		CreatedAt: s.now().UTC(),
	}

	if err := kv.PutRecord(ctx, s.kv, runKey(projectID, run.ID), run); err != nil {
		return nil, fmt.Errorf("storing run: %w", err)
	}

	if err := kv.PutRecord(ctx, s.kv, queueKey(seq), &queueEntry{
		V:         SchemaVersion,
		ProjectID: projectID,
		RunID:     run.ID,
	}); err != nil {
		s.rollbackRun(ctx, run)

		return nil, fmt.Errorf("enqueueing run: %w", err)
	}

	s.updatePointers(ctx, run)

	return run, nil
}

// rollbackRun removes a run record whose queue entry could not be written.
// Failures are logged only.
func (s *store) rollbackRun(ctx context.Context, run *Run) {
	if err := s.kv.Delete(ctx, runKey(run.ProjectID, run.ID)); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"project_id": run.ProjectID,
			"run_id":     run.ID,
		}).Warn("Failed to roll back unqueued run")
	}
}

// updatePointers refreshes the latest-run indexes. Failures are logged only.
func (s *store) updatePointers(ctx context.Context, run *Run) {
	log := s.log.WithFields(logrus.Fields{
		"project_id": run.ProjectID,
		"run_id":     run.ID,
	})

	if err := s.kv.Set(ctx, latestRunPrefix+run.ProjectID, []byte(run.ID)); err != nil {
		log.WithError(err).Warn("Failed to update project latest run pointer")
	}

	if err := kv.PutRecord(ctx, s.kv, latestRunKey, &Pointer{
		V:         SchemaVersion,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		At:        run.CreatedAt,
	}); err != nil {
		log.WithError(err).Warn("Failed to update global latest run pointer")
	}
}

func (s *store) GetRun(ctx context.Context, projectID, runID string) (*Run, error) {
	if projectID == "" || runID == "" {
		return nil, ErrNotFound
	}

	var run Run

	err := kv.GetRecord(ctx, s.kv, runKey(projectID, runID), &run, SchemaVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return []*Run{}, nil
	}

	entries, err := s.kv.List(ctx, runPrefix(projectID))
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := make([]*Run, 0, len(entries))

	for _, e := range entries {
		var run Run
		if err := kv.DecodeRecord(e.Key, e.Value, &run, SchemaVersion); err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}

		out = append(out, &run)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq > out[j].Seq
	})

	if s.maxHistory > 0 && len(out) > s.maxHistory {
		out = out[:s.maxHistory]
	}

	return out, nil
}

func (s *store) SaveRun(ctx context.Context, run *Run) error {
	run.V = SchemaVersion

	if err := run.Validate(); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	if err := kv.PutRecord(ctx, s.kv, runKey(run.ProjectID, run.ID), run); err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	return nil
}

func (s *store) LatestRun(ctx context.Context, projectID string) (*Run, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, ErrNotFound
	}

	runID, err := kv.GetString(ctx, s.kv, latestRunPrefix+projectID)
	if err != nil {
		return nil, fmt.Errorf("loading latest run pointer: %w", err)
	}

	if runID != "" {
		run, err := s.GetRun(ctx, projectID, runID)
		if err == nil {
			return run, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	// The pointer is best effort; fall back to the run records.
	all, err := s.ListRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if len(all) == 0 {
		return nil, ErrNotFound
	}

	return all[0], nil
}

func (s *store) LastTouched(ctx context.Context) (*Pointer, error) {
	var p Pointer

	err := kv.GetRecord(ctx, s.kv, latestRunKey, &p, SchemaVersion)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("loading latest run pointer: %w", err)
	}

	return &p, nil
}

// ListQueued walks the queue oldest first. Entries that no longer point at a
// queued run are removed. Undecodable entries and corrupt run records are
// skipped; only backend failures are returned.
func (s *store) ListQueued(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		return []*Run{}, nil
	}

	entries, err := s.kv.List(ctx, queuePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}

	out := make([]*Run, 0, limit)

	for _, e := range entries {
		if len(out) >= limit {
			break
		}

		var entry queueEntry
		if err := kv.DecodeRecord(e.Key, e.Value, &entry, SchemaVersion); err != nil {
			s.log.WithError(err).WithField("key", e.Key).Warn("Skipping corrupt queue entry")

			continue
		}

		run, err := s.GetRun(ctx, entry.ProjectID, entry.RunID)
		if errors.Is(err, ErrNotFound) || (err == nil && run.Status != StatusQueued) {
			if err := s.kv.Delete(ctx, e.Key); err != nil {
				return nil, fmt.Errorf("pruning queue entry: %w", err)
			}

			continue
		}

		if errors.Is(err, kv.ErrCorrupt) {
			s.log.WithError(err).WithFields(logrus.Fields{
				"project_id": entry.ProjectID,
				"run_id":     entry.RunID,
			}).Warn("Skipping queued run with corrupt record")

			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, run)
	}

	return out, nil
}

func (s *store) ListRunning(ctx context.Context) ([]*Run, error) {
	entries, err := s.kv.List(ctx, "run:")
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	out := make([]*Run, 0, 4)

	for _, e := range entries {
		var run Run
		if err := kv.DecodeRecord(e.Key, e.Value, &run, SchemaVersion); err != nil {
			s.log.WithError(err).WithField("key", e.Key).Warn("Skipping corrupt run record")

			continue
		}

		if run.Status == StatusRunning {
			out = append(out, &run)
		}
	}

	return out, nil
}

func (s *store) Dequeue(ctx context.Context, run *Run) error {
	if err := s.kv.Delete(ctx, queueKey(run.Seq)); err != nil {
		return fmt.Errorf("dequeueing run %s: %w", run.ID, err)
	}

	return nil
}
