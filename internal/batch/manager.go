// Package batch uploads a set of files as one logical batch: it bounds how
// many files upload at once, stamps staging uploads with a batch id
// generated once per batch, aggregates per-file progress, and announces
// success at most once.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/drone-ingest/internal/upload"
)

// DefaultFileConcurrency is how many files upload at once.
const DefaultFileConcurrency = 3

var (
	// ErrNoFiles is returned by Run for an empty file set.
	ErrNoFiles = errors.New("no files to upload")
	// ErrDuplicateName is returned by Run when two entries share a name.
	// Objects are keyed by name, so the second would overwrite the first.
	ErrDuplicateName = errors.New("duplicate file name in batch")
)

// Uploader uploads one file. *upload.Coordinator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, f upload.File, t upload.Target, onEvent func(upload.Event)) (*upload.Result, error)
}

// Entry is one file queued for a batch. Content is opened only when the
// file's turn comes.
type Entry struct {
	Name string
	Size int64
	open func() (upload.File, io.Closer, error)
}

// FileEntry wraps in-memory content.
func FileEntry(f upload.File) Entry {
	return Entry{Name: f.Name, Size: f.Size, open: func() (upload.File, io.Closer, error) {
		return f, nopCloser{}, nil
	}}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// PathEntry queues a local file.
func PathEntry(path string, size int64) Entry {
	return Entry{Name: filepath.Base(path), Size: size, open: func() (upload.File, io.Closer, error) {
		return upload.Open(path)
	}}
}

// Options tunes a Manager.
type Options struct {
	FileConcurrency int
	// BatchID continues an existing staging batch instead of generating one.
	BatchID string
	// NewBatchID generates batch ids. Defaults to random UUIDs.
	NewBatchID func() string
	// OnProgress fires after every observed per-file event. Calls are
	// serialized.
	OnProgress func(Progress)
	// OnSuccess fires at most once per batch, when a run finishes with
	// every file completed.
	OnSuccess func(Report)
}

// Report is the outcome of one Run.
type Report struct {
	BatchID string
	Files   []FileProgress
	// Results is indexed like the entries passed to Run; the slot of a file
	// that did not complete is nil.
	Results   []*upload.Result
	Completed int
	Failed    int
	Canceled  int
	Notified  bool
}

// Manager runs batches for one project target.
type Manager struct {
	uploader  Uploader
	projectID string
	taskID    string
	staging   bool
	opts      Options

	mu       sync.Mutex
	batchID  string
	notifier Notifier
}

// NewManager creates a Manager. taskID may be empty.
func NewManager(u Uploader, projectID, taskID string, staging bool, opts Options) *Manager {
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = DefaultFileConcurrency
	}
	if opts.NewBatchID == nil {
		opts.NewBatchID = uuid.NewString
	}
	return &Manager{
		uploader:  u,
		projectID: projectID,
		taskID:    taskID,
		staging:   staging,
		opts:      opts,
		batchID:   opts.BatchID,
	}
}

// BatchID returns the current batch id, empty before the first staging
// file starts.
func (m *Manager) BatchID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchID
}

// NotifyState returns the state of the success notification.
func (m *Manager) NotifyState() NotifyState {
	return m.notifier.State()
}

// NewBatch forgets the current batch. The next staging file generates a
// fresh id.
func (m *Manager) NewBatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchID = ""
	m.notifier.Reset()
}

// begin is called as each file enters an active upload. The first staging
// file of a batch generates its id.
func (m *Manager) begin() upload.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staging && m.batchID == "" {
		m.batchID = m.opts.NewBatchID()
		m.notifier.Reset()
		log.Info().Str("batchId", m.batchID).Str("projectId", m.projectID).Msg("Batch id generated")
	}
	m.notifier.Begin()
	t := upload.Target{ProjectID: m.projectID, TaskID: m.taskID, Staging: m.staging}
	if m.staging {
		t.BatchID = m.batchID
	}
	return t
}

// run tracks per-file state of one Run.
type run struct {
	m       *Manager
	mu      sync.Mutex
	files   []FileProgress
	results []*upload.Result
}

// observe records e as the state of file i. OnProgress runs under the lock
// so callers see snapshots in order.
func (r *run) observe(i int, e upload.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[i] = FileProgress{Name: r.files[i].Name, State: e.State, BytesSent: e.BytesSent, Size: e.Size, Err: e.Err}
	if r.m.opts.OnProgress != nil {
		r.m.opts.OnProgress(aggregate(r.m.BatchID(), r.files))
	}
}

// Run uploads entries, at most FileConcurrency at a time. A failed file does
// not stop the others. The returned error joins every per-file failure.
func (m *Manager) Run(ctx context.Context, entries []Entry) (*Report, error) {
	if len(entries) == 0 {
		return nil, ErrNoFiles
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, e.Name)
		}
		seen[e.Name] = true
	}

	r := &run{m: m, files: make([]FileProgress, len(entries)), results: make([]*upload.Result, len(entries))}
	for i, e := range entries {
		r.files[i] = FileProgress{Name: e.Name, State: upload.StatePending, Size: e.Size}
	}

	var g errgroup.Group
	g.SetLimit(m.opts.FileConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			m.uploadOne(ctx, r, i, e)
			return nil
		})
	}
	g.Wait()

	r.mu.Lock()
	p := aggregate(m.BatchID(), r.files)
	report := &Report{
		BatchID:   p.BatchID,
		Files:     p.Files,
		Results:   r.results,
		Completed: p.Completed,
		Failed:    p.Failed,
		Canceled:  p.Canceled,
	}
	r.mu.Unlock()

	if report.Completed == len(entries) && m.notifier.Notify() {
		report.Notified = true
		log.Info().Str("batchId", report.BatchID).Int("files", report.Completed).Msg("Batch upload succeeded")
		if m.opts.OnSuccess != nil {
			m.opts.OnSuccess(*report)
		}
	}

	var errs []error
	for _, f := range report.Files {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	if len(errs) > 0 {
		log.Warn().
			Str("batchId", report.BatchID).
			Int("completed", report.Completed).
			Int("failed", report.Failed).
			Int("canceled", report.Canceled).
			Msg("Batch finished with failures")
	}
	return report, errors.Join(errs...)
}

func (m *Manager) uploadOne(ctx context.Context, r *run, i int, e Entry) {
	if ctx.Err() != nil {
		r.observe(i, upload.Event{File: e.Name, State: upload.StateCanceled, Size: e.Size, Err: fmt.Errorf("upload %s: %w", e.Name, upload.ErrCanceled)})
		return
	}
	f, closer, err := e.open()
	if err != nil {
		r.observe(i, upload.Event{File: e.Name, State: upload.StateFailed, Size: e.Size, Err: err})
		return
	}
	defer closer.Close()

	target := m.begin()
	res, err := m.uploader.Upload(ctx, f, target, func(ev upload.Event) { r.observe(i, ev) })
	if err != nil {
		// Uploaders report a terminal event themselves; cover those that do not.
		if r.state(i) != upload.StateFailed && r.state(i) != upload.StateCanceled {
			state := upload.StateFailed
			if errors.Is(err, upload.ErrCanceled) {
				state = upload.StateCanceled
			}
			r.observe(i, upload.Event{File: e.Name, State: state, Size: e.Size, Err: err})
		}
		return
	}
	r.mu.Lock()
	r.results[i] = res
	r.mu.Unlock()
}

func (r *run) state(i int) upload.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files[i].State
}
