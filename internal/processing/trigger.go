// Package processing starts the processing job of a reviewed batch. It
// does not follow the job afterwards.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/imagery"
)

const genericStartError = "Failed to start processing"

var (
	ErrNotReady          = errors.New("no task has an assigned image")
	ErrJobAlreadyStarted = errors.New("processing already started for this batch")
)

// Backend is the processing surface. *api.Client satisfies it.
type Backend interface {
	ProcessingSummary(ctx context.Context, projectID, batchID string) (imagery.ProcessingSummary, error)
	StartProcessing(ctx context.Context, projectID, batchID string) (imagery.JobRef, error)
}

// Error is a failed start with text fit for the user.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return "start processing: " + e.Message }
func (e *Error) Unwrap() error { return e.Err }

// Trigger guards the start action of one batch. Once a start succeeds the
// action stays disabled.
type Trigger struct {
	backend   Backend
	projectID string
	batchID   string

	mu       sync.Mutex
	summary  *imagery.ProcessingSummary
	jobID    string
	// started latches on the first successful start, even when the
	// backend answered without a job id.
	started  bool
	starting bool
}

// NewTrigger creates a Trigger for one batch.
func NewTrigger(b Backend, projectID, batchID string) *Trigger {
	return &Trigger{backend: b, projectID: projectID, batchID: batchID}
}

// Refresh fetches the processing summary that decides whether the action is
// enabled.
func (t *Trigger) Refresh(ctx context.Context) (imagery.ProcessingSummary, error) {
	sum, err := t.backend.ProcessingSummary(ctx, t.projectID, t.batchID)
	if err != nil {
		return imagery.ProcessingSummary{}, fmt.Errorf("refresh processing summary: %w", err)
	}
	t.mu.Lock()
	t.summary = &sum
	t.mu.Unlock()
	log.Debug().
		Str("batchId", t.batchID).
		Int("tasks", sum.TotalTasks).
		Int("images", sum.TotalImages).
		Msg("Processing summary refreshed")
	return sum, nil
}

// Summary returns the last fetched summary.
func (t *Trigger) Summary() (imagery.ProcessingSummary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.summary == nil {
		return imagery.ProcessingSummary{}, false
	}
	return *t.summary, true
}

// CanStart reports whether the start action is enabled: some task has an
// assigned image, and no job was started or is being started.
func (t *Trigger) CanStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary != nil && t.summary.HasAssignedWork() && !t.started && !t.starting
}

// JobID returns the started job, or "".
func (t *Trigger) JobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// Start starts processing. A summary is fetched first if none is held.
func (t *Trigger) Start(ctx context.Context) (imagery.JobRef, error) {
	if _, ok := t.Summary(); !ok {
		if _, err := t.Refresh(ctx); err != nil {
			return imagery.JobRef{}, &Error{Message: api.DetailOr(err, genericStartError), Err: err}
		}
	}

	t.mu.Lock()
	switch {
	case t.started || t.starting:
		t.mu.Unlock()
		return imagery.JobRef{}, ErrJobAlreadyStarted
	case !t.summary.HasAssignedWork():
		t.mu.Unlock()
		return imagery.JobRef{}, ErrNotReady
	}
	t.starting = true
	t.mu.Unlock()

	job, err := t.backend.StartProcessing(ctx, t.projectID, t.batchID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.starting = false
	if err != nil {
		log.Error().Err(err).Str("batchId", t.batchID).Msg("Start processing failed")
		return imagery.JobRef{}, &Error{Message: api.DetailOr(err, genericStartError), Err: err}
	}
	t.started = true
	t.jobID = job.JobID
	if job.JobID == "" {
		log.Warn().Str("batchId", t.batchID).Msg("Processing started without a job id")
	}
	log.Info().
		Str("batchId", t.batchID).
		Str("jobId", job.JobID).
		Int("tasks", t.summary.TotalTasks).
		Int("images", t.summary.TotalImages).
		Msg("Processing started")
	return job, nil
}
