// Package batchview keeps a local, consistent view of one batch while the
// server classifies it.
//
// Two pollers run on independent schedules: the summary poller fetches
// per-status counts and the image poller fetches only images newer than the
// watermark and merges them by id. Neither waits for the other, so the
// summary may briefly count images the list does not hold yet.
//
// The Synchronizer is the only writer of the image store. Other components,
// such as the review controller, ask it to refresh instead of editing state.
package batchview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/drone-ingest/internal/imagery"
	"github.com/fpang/drone-ingest/internal/schedule"
)

const (
	DefaultSummaryInterval = 3 * time.Second
	DefaultImagesInterval  = 2 * time.Second
)

// Source is the part of the backend the synchronizer reads from.
// *api.Client satisfies it.
type Source interface {
	BatchStatus(ctx context.Context, projectID, batchID string) (imagery.BatchStatusSummary, error)
	BatchImages(ctx context.Context, projectID, batchID string, since time.Time) ([]imagery.Image, error)
	BatchReview(ctx context.Context, projectID, batchID string) (*imagery.BatchReview, error)
	BatchMapData(ctx context.Context, projectID, batchID string) (*imagery.MapData, error)
}

// Options tunes a Synchronizer. Zero values select the defaults.
type Options struct {
	SummaryInterval time.Duration
	ImagesInterval  time.Duration
	Clock           schedule.Clock

	// OnComplete fires once, from the goroutine that observed the terminal
	// summary, after both pollers have been told to stop.
	OnComplete func(imagery.BatchStatusSummary)

	// OnSummary fires after every successful summary fetch.
	OnSummary func(imagery.BatchStatusSummary)
}

// Synchronizer owns the local view of one batch.
type Synchronizer struct {
	src       Source
	projectID string
	batchID   string
	opts      Options

	store    *ImageStore
	detector CompletionDetector

	summaryTask *schedule.Task
	imagesTask  *schedule.Task

	// imagesMu serializes fetch+merge so a timer tick and an explicit
	// refresh never interleave their watermark reads and merges.
	imagesMu sync.Mutex

	mu      sync.RWMutex
	summary *imagery.BatchStatusSummary
	review  *imagery.BatchReview
	mapData *imagery.MapData
}

// New creates a stopped Synchronizer for one batch.
func New(src Source, projectID, batchID string, opts Options) *Synchronizer {
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = DefaultSummaryInterval
	}
	if opts.ImagesInterval <= 0 {
		opts.ImagesInterval = DefaultImagesInterval
	}
	if opts.Clock == nil {
		opts.Clock = schedule.RealClock{}
	}

	s := &Synchronizer{
		src:       src,
		projectID: projectID,
		batchID:   batchID,
		opts:      opts,
		store:     NewImageStore(),
	}
	s.summaryTask = schedule.NewTask("batch-summary", opts.SummaryInterval, opts.Clock, s.pollSummary)
	s.imagesTask = schedule.NewTask("batch-images", opts.ImagesInterval, opts.Clock, s.pollImages)
	return s
}

// Start fetches the summary and images once, regardless of active, so a
// reopened view shows the last-known state straight away. When active is
// true and classification has not finished, both pollers then start.
func (s *Synchronizer) Start(ctx context.Context, active bool) {
	if err := s.RefreshSummary(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", s.batchID).Msg("Initial summary fetch failed")
	}
	if err := s.RefreshImages(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", s.batchID).Msg("Initial image fetch failed")
	}
	if active {
		s.Activate(ctx)
	}
}

// Activate starts both pollers unless classification already finished.
func (s *Synchronizer) Activate(ctx context.Context) {
	if s.detector.Fired() {
		log.Debug().Str("batchId", s.batchID).Msg("Classification already complete, pollers not started")
		return
	}
	s.summaryTask.Start(ctx)
	s.imagesTask.Start(ctx)
	log.Info().
		Str("batchId", s.batchID).
		Dur("summaryInterval", s.opts.SummaryInterval).
		Dur("imagesInterval", s.opts.ImagesInterval).
		Msg("Batch pollers started")
}

// Stop tells both pollers to stop. Safe to call from a poll callback.
func (s *Synchronizer) Stop() {
	s.summaryTask.Stop()
	s.imagesTask.Stop()
}

// Close stops both pollers and waits until neither goroutine can fire again.
// Must not be called from OnComplete or OnSummary.
func (s *Synchronizer) Close() {
	s.Stop()
	s.summaryTask.Wait()
	s.imagesTask.Wait()
}

// Polling reports whether either poller is running.
func (s *Synchronizer) Polling() bool {
	return s.summaryTask.Running() || s.imagesTask.Running()
}

func (s *Synchronizer) pollSummary(ctx context.Context) {
	if err := s.RefreshSummary(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", s.batchID).Msg("Summary poll failed, retrying next tick")
	}
}

func (s *Synchronizer) pollImages(ctx context.Context) {
	if err := s.RefreshImages(ctx); err != nil {
		log.Warn().Err(err).Str("batchId", s.batchID).Msg("Image poll failed, retrying next tick")
	}
}

// RefreshSummary fetches the batch summary now. On the first terminal
// summary both pollers stop and OnComplete fires.
func (s *Synchronizer) RefreshSummary(ctx context.Context) error {
	sum, err := s.src.BatchStatus(ctx, s.projectID, s.batchID)
	if err != nil {
		return fmt.Errorf("refresh summary: %w", err)
	}

	s.mu.Lock()
	s.summary = &sum
	s.mu.Unlock()

	log.Debug().
		Str("batchId", s.batchID).
		Int("total", sum.Total).
		Int("classified", sum.Classified()).
		Int("pending", sum.Pending()).
		Msg("Batch summary refreshed")

	if s.opts.OnSummary != nil {
		s.opts.OnSummary(sum)
	}

	if s.detector.Observe(sum) {
		s.Stop()
		log.Info().
			Str("batchId", s.batchID).
			Int("assigned", sum.Assigned).
			Int("rejected", sum.Rejected).
			Int("unmatched", sum.Unmatched).
			Int("invalidExif", sum.InvalidEXIF).
			Int("duplicate", sum.Duplicate).
			Msg("Classification complete")
		if s.opts.OnComplete != nil {
			s.opts.OnComplete(sum)
		}
	}
	return nil
}

// RefreshImages fetches images newer than the watermark and merges them.
func (s *Synchronizer) RefreshImages(ctx context.Context) error {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()

	since := s.store.Watermark()
	images, err := s.src.BatchImages(ctx, s.projectID, s.batchID, since)
	if err != nil {
		return fmt.Errorf("refresh images: %w", err)
	}
	changed := s.store.Merge(images)
	if changed > 0 {
		log.Debug().
			Str("batchId", s.batchID).
			Int("fetched", len(images)).
			Int("changed", changed).
			Int("held", s.store.Len()).
			Time("watermark", s.store.Watermark()).
			Msg("Batch images merged")
	}
	return nil
}

// RefreshReview fetches the task-grouped review and the map data.
func (s *Synchronizer) RefreshReview(ctx context.Context) error {
	review, err := s.src.BatchReview(ctx, s.projectID, s.batchID)
	if err != nil {
		return fmt.Errorf("refresh review: %w", err)
	}
	mapData, err := s.src.BatchMapData(ctx, s.projectID, s.batchID)
	if err != nil {
		// Keep the fresh review even if the map is stale.
		s.mu.Lock()
		s.review = review
		s.mu.Unlock()
		return fmt.Errorf("refresh map data: %w", err)
	}

	s.mu.Lock()
	s.review = review
	s.mapData = mapData
	s.mu.Unlock()
	return nil
}

// ProjectID returns the project the batch belongs to.
func (s *Synchronizer) ProjectID() string { return s.projectID }

// BatchID returns the batch being synchronized.
func (s *Synchronizer) BatchID() string { return s.batchID }

// Summary returns the latest summary, if one has been fetched.
func (s *Synchronizer) Summary() (imagery.BatchStatusSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.summary == nil {
		return imagery.BatchStatusSummary{}, false
	}
	return *s.summary, true
}

// Review returns the latest review projection, or nil.
func (s *Synchronizer) Review() *imagery.BatchReview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.review
}

// MapData returns the latest map data, or nil.
func (s *Synchronizer) MapData() *imagery.MapData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapData
}

// Images returns a snapshot of the merged image list.
func (s *Synchronizer) Images() []imagery.Image { return s.store.Snapshot() }

// Watermark returns the current image watermark.
func (s *Synchronizer) Watermark() time.Time { return s.store.Watermark() }

// Completed reports whether classification completion has been observed.
func (s *Synchronizer) Completed() bool { return s.detector.Fired() }

// StatusOf returns the freshest known status of an image: the review
// projection when it holds the image, otherwise the merged store.
func (s *Synchronizer) StatusOf(imageID string) (imagery.Status, bool) {
	if img, ok := s.Review().Find(imageID); ok {
		return img.Status, true
	}
	if img, ok := s.store.Get(imageID); ok {
		return img.Status, true
	}
	return "", false
}
