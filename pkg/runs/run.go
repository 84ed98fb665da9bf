package runs

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the current version of stored run records.
const SchemaVersion = 1

var (
	// ErrNotFound is returned when a run does not exist in the project.
	ErrNotFound = errors.New("run not found")

	// ErrRunBusy is returned when another execution currently owns the run.
	ErrRunBusy = errors.New("run is already being processed")

	// ErrValidation wraps caller input errors.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status change would move a run
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// ValidationError describes a rejected input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is makes ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// canMoveTo reports whether to directly follows s.
func (s Status) canMoveTo(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Run is one tracked attempt to generate a site from a prompt.
type Run struct {
	V           int        `json:"v"`
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Seq         int64      `json:"seq"`
	Status      Status     `json:"status"`
	Prompt      string     `json:"prompt"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// SchemaVersion implements kv.Record.
func (r *Run) SchemaVersion() int { return r.V }

// Validate implements kv.Record.
func (r *Run) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("run id is empty")
	case r.ProjectID == "":
		return errors.New("run project id is empty")
	case !r.Status.valid():
		return fmt.Errorf("unknown run status %q", r.Status)
	case r.Status != StatusQueued && r.StartedAt == nil:
		return fmt.Errorf("%s run has no startedAt", r.Status)
	case r.Status.Terminal() && r.CompletedAt == nil:
		return fmt.Errorf("%s run has no completedAt", r.Status)
	}

	return nil
}

// transition moves the run to status at the given time, stamping startedAt
// on entry to running and completedAt on entry to a terminal state.
func (r *Run) transition(to Status, at time.Time) error {
	if !r.Status.canMoveTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}

	at = at.UTC()

	if to == StatusRunning {
		r.StartedAt = &at
	}

	if to.Terminal() {
		r.CompletedAt = &at
	}

	r.Status = to

	return nil
}

// succeed records output and moves the run to succeeded.
func (r *Run) succeed(output string, at time.Time) error {
	if err := r.transition(StatusSucceeded, at); err != nil {
		return err
	}

	r.Output = output
	r.Error = ""

	return nil
}

// fail records the failure message and moves the run to failed.
func (r *Run) fail(message string, at time.Time) error {
	if err := r.transition(StatusFailed, at); err != nil {
		return err
	}

	r.Error = message

	return nil
}
