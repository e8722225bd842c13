// Package review runs manual overrides on classified images. An override
// never edits local state: after the server answers, the controller asks
// the batch view to re-fetch the summary and the task groups.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/feedback"
	"github.com/fpang/drone-ingest/internal/imagery"
)

// genericAcceptError is shown when the server gave no detail.
const genericAcceptError = "Failed to accept image"

var (
	ErrUnknownImage     = errors.New("image is not part of this batch")
	ErrNotOverridable   = errors.New("only rejected or invalid_exif images can be accepted")
	ErrOverrideInFlight = errors.New("an override for this image is already in progress")
)

// Acceptor is the accept endpoint. *api.Client satisfies it.
type Acceptor interface {
	AcceptImage(ctx context.Context, projectID, imageID string) (imagery.AcceptOutcome, error)
}

// View is the batch state the controller reads and invalidates.
// *batchview.Synchronizer satisfies it.
type View interface {
	ProjectID() string
	BatchID() string
	StatusOf(imageID string) (imagery.Status, bool)
	RefreshSummary(ctx context.Context) error
	RefreshReview(ctx context.Context) error
}

// Result is the outcome of one accepted override.
type Result struct {
	ImageID        string
	PreviousStatus imagery.Status
	Status         imagery.Status
	Message        string
	// Warning is set when the image was accepted but lies outside every
	// task area. It is not an error.
	Warning bool
}

// Error is a failed override with text fit for the user.
type Error struct {
	ImageID string
	Message string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("accept %s: %s", e.ImageID, e.Message) }
func (e *Error) Unwrap() error { return e.Err }

// Controller serializes overrides per image. Overrides of different images
// run independently.
type Controller struct {
	acceptor Acceptor
	view     View
	emitter  feedback.Emitter

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewController creates a Controller. emitter may be nil.
func NewController(a Acceptor, v View, emitter feedback.Emitter) *Controller {
	return &Controller{acceptor: a, view: v, emitter: emitter, inFlight: make(map[string]bool)}
}

// CanAccept reports whether the accept action is enabled for an image.
func (c *Controller) CanAccept(imageID string) bool {
	st, ok := c.view.StatusOf(imageID)
	return ok && st.CanOverride() && !c.InFlight(imageID)
}

// InFlight reports whether an override for imageID is pending.
func (c *Controller) InFlight(imageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[imageID]
}

func (c *Controller) claim(imageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[imageID] {
		return false
	}
	c.inFlight[imageID] = true
	return true
}

func (c *Controller) release(imageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, imageID)
}

// Accept overrides one rejected or invalid_exif image. On a server failure
// it returns *Error carrying the server detail, and nothing is refreshed.
func (c *Controller) Accept(ctx context.Context, imageID string) (*Result, error) {
	prev, ok := c.view.StatusOf(imageID)
	if !ok {
		return nil, fmt.Errorf("accept %s: %w", imageID, ErrUnknownImage)
	}
	if !prev.CanOverride() {
		return nil, fmt.Errorf("accept %s (status %s): %w", imageID, prev, ErrNotOverridable)
	}
	if !c.claim(imageID) {
		return nil, fmt.Errorf("accept %s: %w", imageID, ErrOverrideInFlight)
	}
	defer c.release(imageID)

	outcome, err := c.acceptor.AcceptImage(ctx, c.view.ProjectID(), imageID)
	if err != nil {
		log.Error().Err(err).Str("imageId", imageID).Str("batchId", c.view.BatchID()).Msg("Override failed")
		return nil, &Error{ImageID: imageID, Message: api.DetailOr(err, genericAcceptError), Err: err}
	}

	res := &Result{
		ImageID:        imageID,
		PreviousStatus: prev,
		Status:         outcome.Status,
		Message:        outcome.Message,
		Warning:        outcome.Status == imagery.StatusUnmatched,
	}
	if res.Warning {
		log.Warn().Str("imageId", imageID).Str("message", outcome.Message).Msg("Image accepted but outside every task area")
	} else {
		log.Info().Str("imageId", imageID).Str("status", string(outcome.Status)).Msg("Image accepted")
	}

	c.invalidate(ctx)
	c.emit(ctx, res)
	return res, nil
}

// invalidate re-fetches the summary and projections. Failures are logged;
// the next poll or refresh catches up.
func (c *Controller) invalidate(ctx context.Context) {
	if err := c.view.RefreshSummary(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", c.view.BatchID()).Msg("Summary refresh after override failed")
	}
	if err := c.view.RefreshReview(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", c.view.BatchID()).Msg("Review refresh after override failed")
	}
}

func (c *Controller) emit(ctx context.Context, res *Result) {
	if c.emitter == nil {
		return
	}
	err := c.emitter.EmitOverride(ctx, feedback.Override{
		ProjectID:      c.view.ProjectID(),
		BatchID:        c.view.BatchID(),
		ImageID:        res.ImageID,
		PreviousStatus: res.PreviousStatus,
		Outcome:        res.Status,
		Message:        res.Message,
	})
	if err != nil {
		log.Warn().Err(err).Str("imageId", res.ImageID).Msg("Failed to emit override feedback (best effort)")
	}
}
