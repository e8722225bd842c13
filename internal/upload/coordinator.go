// Package upload moves one local file to object storage through the
// backend's multipart broker: initiate, sign and PUT every part with
// bounded concurrency and retries, then complete, or abort on failure.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/journal"
	"github.com/fpang/drone-ingest/internal/metrics"
)

// Part-size limits of the multipart protocol.
const (
	MinPartSize            = 5 * 1024 * 1024
	MaxPartSize            = 100 * 1024 * 1024
	MaxParts               = 10000
	DefaultPartSize        = MinPartSize
	DefaultPartConcurrency = 4

	// signExpiryHours is how long a signed part URL stays valid.
	signExpiryHours = 1

	abortTimeout = 30 * time.Second
)

var (
	// ErrIncompleteParts means not every part has an ETag, so completion
	// was not attempted.
	ErrIncompleteParts = errors.New("not every part was acknowledged")

	// ErrCanceled means the caller canceled the upload.
	ErrCanceled = errors.New("upload canceled")
)

// Broker is the multipart surface of the backend. *api.Client satisfies it.
type Broker interface {
	InitiateMultipartUpload(ctx context.Context, req api.InitiateRequest) (*api.InitiateResponse, error)
	SignPartUpload(ctx context.Context, req api.SignPartRequest) (string, error)
	PutPart(ctx context.Context, signedURL string, body io.Reader, size int64) (string, error)
	CompleteMultipartUpload(ctx context.Context, req api.CompleteRequest) error
	AbortMultipartUpload(ctx context.Context, req api.AbortRequest) error
	ListParts(ctx context.Context, uploadID, fileKey string) []api.CompletedPart
}

// Target says where a file goes.
type Target struct {
	ProjectID string
	// TaskID is empty for uploads not tied to a task.
	TaskID  string
	Staging bool
	// BatchID is sent on completion of staging uploads.
	BatchID string
}

// State is the lifecycle of one file upload.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Event reports per-file progress. Events for one file are delivered in
// order and never concurrently.
type Event struct {
	File      string
	State     State
	BytesSent int64
	Size      int64
	Err       error
}

// Percent is the share of the file acknowledged so far, 0 to 100.
func (e Event) Percent() float64 {
	if e.Size <= 0 {
		if e.State == StateCompleted {
			return 100
		}
		return 0
	}
	return float64(e.BytesSent) * 100 / float64(e.Size)
}

// Options tunes a Coordinator. Zero values select the defaults.
type Options struct {
	PartSize        int64
	PartConcurrency int
	Journal         journal.Journal
	Metrics         *metrics.Sink
	RetryDelays     []time.Duration
	Sleep           SleepFunc
}

// Result describes a completed upload.
type Result struct {
	UploadID string
	FileKey  string
	Parts    []api.CompletedPart
	// Resumed is the number of parts the server already held.
	Resumed int
	Retries int
}

// Coordinator runs file uploads against a broker. It is safe for
// concurrent use; each Upload call is independent.
type Coordinator struct {
	broker Broker
	opts   Options
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(b Broker, opts Options) *Coordinator {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.PartConcurrency <= 0 {
		opts.PartConcurrency = DefaultPartConcurrency
	}
	if opts.Journal == nil {
		opts.Journal = journal.NewMemoryJournal()
	}
	if opts.RetryDelays == nil {
		opts.RetryDelays = RetryDelays
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Coordinator{broker: b, opts: opts}
}

// session is the state of one Upload call.
type session struct {
	c        *Coordinator
	file     File
	target   Target
	key      string
	partSize int64
	count    int

	uploadID string
	fileKey  string

	mu      sync.Mutex
	etags   []string
	sent    int64
	retries int
	resumed int
	onEvent func(Event)
}

// Upload sends f to storage. onEvent may be nil. On any failure after the
// upload handle was issued, the upload is aborted before Upload returns.
func (c *Coordinator) Upload(ctx context.Context, f File, t Target, onEvent func(Event)) (*Result, error) {
	s := &session{
		c:       c,
		file:    f,
		target:  t,
		key:     journal.Key(t.ProjectID, f.Name, f.Size),
		onEvent: onEvent,
	}
	if err := s.plan(); err != nil {
		err = fmt.Errorf("upload %s: %w", f.Name, err)
		s.emit(StateFailed, err)
		return nil, err
	}
	start := time.Now()
	s.emit(StatePending, nil)

	res, err := s.run(ctx)
	s.record(start, err)
	switch {
	case err == nil:
		s.emit(StateCompleted, nil)
	case errors.Is(err, ErrCanceled):
		s.emit(StateCanceled, err)
	default:
		s.emit(StateFailed, err)
	}
	return res, err
}

func (s *session) plan() error {
	if s.target.ProjectID == "" {
		return errors.New("project id is required")
	}
	if s.file.Content == nil {
		return errors.New("no content")
	}
	partSize, count, err := planParts(s.file.Size, s.c.opts.PartSize)
	if err != nil {
		return err
	}
	s.partSize, s.count = partSize, count
	s.etags = make([]string, count)
	return nil
}

func (s *session) run(ctx context.Context) (*Result, error) {
	if err := s.open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload %s: %w", s.file.Name, ErrCanceled)
		}
		return nil, fmt.Errorf("upload %s: %w", s.file.Name, err)
	}
	s.emit(StateUploading, nil)

	if err := s.uploadParts(ctx); err != nil {
		s.abort(ctx)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload %s: %w", s.file.Name, ErrCanceled)
		}
		return nil, fmt.Errorf("upload %s: %w", s.file.Name, err)
	}

	parts, err := s.manifest()
	if err != nil {
		s.abort(ctx)
		return nil, fmt.Errorf("upload %s: %w", s.file.Name, err)
	}

	req := api.CompleteRequest{
		UploadID:  s.uploadID,
		FileKey:   s.fileKey,
		Parts:     parts,
		ProjectID: s.target.ProjectID,
		Filename:  s.file.Name,
	}
	if s.target.Staging {
		req.BatchID = s.target.BatchID
	}
	if err := s.c.broker.CompleteMultipartUpload(ctx, req); err != nil {
		// The reservation is still held server-side; release it even
		// though completion already failed.
		s.abort(ctx)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload %s: %w", s.file.Name, ErrCanceled)
		}
		return nil, fmt.Errorf("upload %s: %w", s.file.Name, err)
	}
	s.forget(ctx)

	log.Info().
		Str("file", s.file.Name).
		Str("uploadId", s.uploadID).
		Str("fileKey", s.fileKey).
		Int("parts", len(parts)).
		Int("resumed", s.resumed).
		Str("batchId", req.BatchID).
		Msg("Upload completed")

	return &Result{
		UploadID: s.uploadID,
		FileKey:  s.fileKey,
		Parts:    parts,
		Resumed:  s.resumed,
		Retries:  s.retries,
	}, nil
}

// open resumes a journaled upload of the same file and target, or
// initiates a new one.
func (s *session) open(ctx context.Context) error {
	j := s.c.opts.Journal
	prev, err := j.Get(ctx, s.key)
	if err != nil {
		log.Warn().Err(err).Str("file", s.file.Name).Msg("Journal lookup failed, starting a fresh upload")
	}
	if prev != nil && s.matches(prev) {
		s.uploadID, s.fileKey = prev.UploadID, prev.FileKey
		s.adopt(s.c.broker.ListParts(ctx, s.uploadID, s.fileKey))
		log.Info().
			Str("file", s.file.Name).
			Str("uploadId", s.uploadID).
			Int("resumed", s.resumed).
			Int("parts", s.count).
			Msg("Resuming journaled upload")
		return nil
	}
	if prev != nil {
		// Same file, different target or part size: start over.
		s.abortHandle(ctx, prev.UploadID, prev.FileKey)
		_ = j.Delete(ctx, s.key)
	}

	req := api.InitiateRequest{
		ProjectID: s.target.ProjectID,
		FileName:  s.file.Name,
		Staging:   s.target.Staging,
	}
	if s.target.TaskID != "" {
		taskID := s.target.TaskID
		req.TaskID = &taskID
	}
	resp, err := s.c.broker.InitiateMultipartUpload(ctx, req)
	if err != nil {
		return err
	}
	s.uploadID, s.fileKey = resp.UploadID, resp.FileKey

	err = j.Put(ctx, &journal.Session{
		Key:       s.key,
		ProjectID: s.target.ProjectID,
		FileName:  s.file.Name,
		Size:      s.file.Size,
		UploadID:  s.uploadID,
		FileKey:   s.fileKey,
		Staging:   s.target.Staging,
		TaskID:    s.target.TaskID,
		BatchID:   s.target.BatchID,
		PartSize:  s.partSize,
	})
	if err != nil {
		log.Warn().Err(err).Str("file", s.file.Name).Msg("Failed to journal upload, resume will not be possible")
	}
	log.Debug().
		Str("file", s.file.Name).
		Str("uploadId", s.uploadID).
		Str("fileKey", s.fileKey).
		Int("parts", s.count).
		Int64("partSize", s.partSize).
		Msg("Multipart upload initiated")
	return nil
}

func (s *session) matches(prev *journal.Session) bool {
	return prev.UploadID != "" &&
		prev.FileKey != "" &&
		prev.Staging == s.target.Staging &&
		prev.TaskID == s.target.TaskID &&
		prev.PartSize == s.partSize
}

// adopt marks parts the server already holds as done.
func (s *session) adopt(parts []api.CompletedPart) {
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > s.count || p.ETag == "" {
			continue
		}
		if s.etags[p.PartNumber-1] != "" {
			continue
		}
		s.etags[p.PartNumber-1] = p.ETag
		_, length := partRange(p.PartNumber, s.partSize, s.file.Size)
		s.sent += length
		s.resumed++
	}
}

func (s *session) uploadParts(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.c.opts.PartConcurrency)
	for n := 1; n <= s.count; n++ {
		if s.etags[n-1] != "" {
			continue
		}
		g.Go(func() error {
			return s.uploadPart(gctx, n)
		})
	}
	return g.Wait()
}

// uploadPart signs and PUTs one part, retrying transient failures on the
// RetryDelays schedule. Each attempt gets a fresh signed URL.
func (s *session) uploadPart(ctx context.Context, n int) error {
	off, length := partRange(n, s.partSize, s.file.Size)
	var lastErr error
	for attempt, delay := range s.c.opts.RetryDelays {
		if delay > 0 {
			if err := s.c.opts.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		etag, err := s.attemptPart(ctx, n, off, length)
		if err == nil {
			s.ack(ctx, n, etag, length)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !api.IsRetryable(err) {
			break
		}
		if attempt+1 < len(s.c.opts.RetryDelays) {
			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			log.Warn().
				Err(err).
				Str("file", s.file.Name).
				Int("part", n).
				Int("attempt", attempt+1).
				Dur("nextDelay", s.c.opts.RetryDelays[attempt+1]).
				Msg("Part upload failed, retrying")
		}
	}
	return fmt.Errorf("part %d: %w", n, lastErr)
}

func (s *session) attemptPart(ctx context.Context, n int, off, length int64) (string, error) {
	url, err := s.c.broker.SignPartUpload(ctx, api.SignPartRequest{
		UploadID:   s.uploadID,
		FileKey:    s.fileKey,
		PartNumber: n,
		Expiry:     signExpiryHours,
	})
	if err != nil {
		return "", err
	}
	return s.c.broker.PutPart(ctx, url, io.NewSectionReader(s.file.Content, off, length), length)
}

func (s *session) ack(ctx context.Context, n int, etag string, length int64) {
	if err := s.c.opts.Journal.RecordPart(ctx, s.key, journal.Part{Number: n, ETag: etag}); err != nil {
		log.Warn().Err(err).Str("file", s.file.Name).Int("part", n).Msg("Failed to journal part")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etags[n-1] = etag
	s.sent += length
	s.emitLocked(StateUploading, nil)
}

// manifest returns the completion manifest, or ErrIncompleteParts if any
// part lacks an ETag.
func (s *session) manifest() ([]api.CompletedPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]api.CompletedPart, 0, s.count)
	var missing []int
	for i, etag := range s.etags {
		if etag == "" {
			missing = append(missing, i+1)
			continue
		}
		parts = append(parts, api.CompletedPart{PartNumber: i + 1, ETag: etag})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d parts missing %v", ErrIncompleteParts, len(missing), s.count, missing)
	}
	return parts, nil
}

// abort releases the reservation of the current upload. It runs even if ctx
// is already canceled and never returns an error.
func (s *session) abort(ctx context.Context) {
	s.abortHandle(ctx, s.uploadID, s.fileKey)
	s.forget(ctx)
}

func (s *session) abortHandle(ctx context.Context, uploadID, fileKey string) {
	if uploadID == "" {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.c.broker.AbortMultipartUpload(actx, api.AbortRequest{UploadID: uploadID, FileKey: fileKey}); err != nil {
		log.Warn().Err(err).Str("file", s.file.Name).Str("uploadId", uploadID).Str("fileKey", fileKey).Msg("Abort failed, reservation may be orphaned")
		return
	}
	log.Info().Str("file", s.file.Name).Str("uploadId", uploadID).Msg("Multipart upload aborted")
}

func (s *session) forget(ctx context.Context) {
	if err := s.c.opts.Journal.Delete(context.WithoutCancel(ctx), s.key); err != nil {
		log.Warn().Err(err).Str("file", s.file.Name).Msg("Failed to remove upload from journal")
	}
}

func (s *session) emit(state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(state, err)
}

func (s *session) emitLocked(state State, err error) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(Event{File: s.file.Name, State: state, BytesSent: s.sent, Size: s.file.Size, Err: err})
}

func (s *session) record(start time.Time, err error) {
	outcome := string(StateCompleted)
	switch {
	case errors.Is(err, ErrCanceled):
		outcome = string(StateCanceled)
	case err != nil:
		outcome = string(StateFailed)
		log.Error().Err(err).Str("file", s.file.Name).Str("uploadId", s.uploadID).Str("fileKey", s.fileKey).Msg("Upload failed")
	}

	s.mu.Lock()
	uploaded, sent, retries := 0, s.sent, s.retries
	for _, e := range s.etags {
		if e != "" {
			uploaded++
		}
	}
	s.mu.Unlock()

	s.c.opts.Metrics.Recorder().
		Dimension("Outcome", outcome).
		Metric(metrics.PartsUploaded, float64(uploaded-s.resumed), metrics.UnitCount).
		Metric(metrics.PartRetries, float64(retries), metrics.UnitCount).
		Metric(metrics.BytesUploaded, float64(sent), metrics.UnitBytes).
		Metric(metrics.UploadDuration, float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
		Property("file", s.file.Name).
		Property("uploadId", s.uploadID).
		Property("fileKey", s.fileKey).
		Flush()
}
