package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/fakebackend"
	"github.com/fpang/drone-ingest/internal/upload"
)

// fakeUploader reports a pending, uploading and terminal event per file and
// fails the files named in fail.
type fakeUploader struct {
	mu       sync.Mutex
	fail     map[string]bool
	targets  []upload.Target
	inFlight int
	max      int
	delay    time.Duration
}

func (f *fakeUploader) Upload(ctx context.Context, file upload.File, t upload.Target, onEvent func(upload.Event)) (*upload.Result, error) {
	f.mu.Lock()
	f.targets = append(f.targets, t)
	f.inFlight++
	if f.inFlight > f.max {
		f.max = f.inFlight
	}
	fail := f.fail[file.Name]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	onEvent(upload.Event{File: file.Name, State: upload.StatePending, Size: file.Size})
	onEvent(upload.Event{File: file.Name, State: upload.StateUploading, Size: file.Size})
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fail {
		err := fmt.Errorf("upload %s: sign part upload: HTTP 500", file.Name)
		onEvent(upload.Event{File: file.Name, State: upload.StateFailed, BytesSent: file.Size / 2, Size: file.Size, Err: err})
		return nil, err
	}
	onEvent(upload.Event{File: file.Name, State: upload.StateCompleted, BytesSent: file.Size, Size: file.Size})
	return &upload.Result{UploadID: "u-" + file.Name, FileKey: "k/" + file.Name}, nil
}

func entries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		name := "DJI_" + strconv.Itoa(1000+i) + ".JPG"
		out[i] = FileEntry(upload.File{Name: name, Size: int64(100 * (i + 1)), Content: bytes.NewReader(make([]byte, 100*(i+1)))})
	}
	return out
}

func counterIDs() (func() string, *int) {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "batch-" + strconv.Itoa(n)
	}, &n
}

func TestRunNoFiles(t *testing.T) {
	m := NewManager(&fakeUploader{}, "p1", "", true, Options{})
	if _, err := m.Run(context.Background(), nil); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	if m.BatchID() != "" {
		t.Error("empty run generated a batch id")
	}
}

func TestBatchIDGeneratedOnce(t *testing.T) {
	up := &fakeUploader{delay: 2 * time.Millisecond}
	gen, calls := counterIDs()
	m := NewManager(up, "p1", "", true, Options{NewBatchID: gen})

	if m.BatchID() != "" {
		t.Fatal("batch id exists before any file started")
	}
	report, err := m.Run(context.Background(), entries(8))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 1 {
		t.Errorf("batch id generated %d times", *calls)
	}
	for _, target := range up.targets {
		if target.BatchID != "batch-1" || !target.Staging {
			t.Errorf("file uploaded with target %+v", target)
		}
	}
	if report.BatchID != "batch-1" {
		t.Errorf("report batch id = %s", report.BatchID)
	}

	// A second run in the same batch keeps the id.
	if _, err := m.Run(context.Background(), entries(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 1 || m.BatchID() != "batch-1" {
		t.Errorf("batch id regenerated mid-batch: %s after %d calls", m.BatchID(), *calls)
	}
}

func TestDefaultBatchIDIsUUID(t *testing.T) {
	m := NewManager(&fakeUploader{}, "p1", "", true, Options{})
	if _, err := m.Run(context.Background(), entries(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.BatchID()) != 36 {
		t.Errorf("batch id %q is not a UUID", m.BatchID())
	}
}

func TestNonStagingHasNoBatchID(t *testing.T) {
	up := &fakeUploader{}
	gen, calls := counterIDs()
	m := NewManager(up, "p1", "t9", false, Options{NewBatchID: gen})
	if _, err := m.Run(context.Background(), entries(3)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 0 || m.BatchID() != "" {
		t.Error("non-staging upload generated a batch id")
	}
	for _, target := range up.targets {
		if target.BatchID != "" || target.TaskID != "t9" {
			t.Errorf("unexpected target %+v", target)
		}
	}
}

func TestPresetBatchID(t *testing.T) {
	up := &fakeUploader{}
	gen, calls := counterIDs()
	m := NewManager(up, "p1", "", true, Options{BatchID: "existing", NewBatchID: gen})
	if _, err := m.Run(context.Background(), entries(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if *calls != 0 || up.targets[0].BatchID != "existing" {
		t.Errorf("preset batch id not used: %+v", up.targets)
	}
}

func TestFailedFileDoesNotStopOthers(t *testing.T) {
	ents := entries(5)
	up := &fakeUploader{fail: map[string]bool{ents[2].Name: true}}
	success := 0
	m := NewManager(up, "p1", "", true, Options{OnSuccess: func(Report) { success++ }})

	report, err := m.Run(context.Background(), ents)
	if err == nil {
		t.Fatal("expected joined per-file error")
	}
	if report.Completed != 4 || report.Failed != 1 {
		t.Errorf("completed=%d failed=%d", report.Completed, report.Failed)
	}
	if report.Notified || success != 0 {
		t.Error("partial batch announced success")
	}
	if m.NotifyState() != NotifyUploading {
		t.Errorf("notify state = %s", m.NotifyState())
	}
	if len(report.Results) != 5 || report.Results[2] != nil {
		t.Errorf("results should be indexed by entry with a nil slot for the failure: %+v", report.Results)
	}
	for i, res := range report.Results {
		if i != 2 && (res == nil || res.FileKey != "k/"+ents[i].Name) {
			t.Errorf("results[%d] = %+v", i, res)
		}
	}

	// Retrying just the failed file in the same batch completes the batch.
	delete(up.fail, ents[2].Name)
	report, err = m.Run(context.Background(), ents[2:3])
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if !report.Notified || success != 1 {
		t.Errorf("retry that finished the batch did not notify (notified=%v, success=%d)", report.Notified, success)
	}
}

func TestSuccessNotifiedOncePerBatch(t *testing.T) {
	gen, _ := counterIDs()
	var notified []string
	m := NewManager(&fakeUploader{}, "p1", "", true, Options{
		NewBatchID: gen,
		OnSuccess:  func(r Report) { notified = append(notified, r.BatchID) },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Run(ctx, entries(2)); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if len(notified) != 1 || notified[0] != "batch-1" {
		t.Fatalf("notifications = %v, want [batch-1]", notified)
	}
	if m.NotifyState() != NotifyNotified {
		t.Errorf("state = %s", m.NotifyState())
	}

	m.NewBatch()
	if m.NotifyState() != NotifyIdle || m.BatchID() != "" {
		t.Fatal("NewBatch did not reset")
	}
	if _, err := m.Run(ctx, entries(1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(notified) != 2 || notified[1] != "batch-2" {
		t.Errorf("notifications = %v, want [batch-1 batch-2]", notified)
	}
}

func TestProgressDerivedFromEvents(t *testing.T) {
	ents := entries(4)
	up := &fakeUploader{fail: map[string]bool{ents[0].Name: true}}
	var mu sync.Mutex
	var last Progress
	calls := 0
	m := NewManager(up, "p1", "", true, Options{OnProgress: func(p Progress) {
		mu.Lock()
		last = p
		calls++
		mu.Unlock()
	}})
	m.Run(context.Background(), ents)

	if calls != 4*3 {
		t.Errorf("OnProgress fired %d times, want one per event (12)", calls)
	}
	if !last.Done() {
		t.Errorf("final progress not done: %+v", last)
	}
	if last.Completed != 3 || last.Failed != 1 || last.Pending != 0 || last.Uploading != 0 {
		t.Errorf("counts = %+v", last)
	}
	// 100+200+300+400 bytes total; the failed first file reported half of 100.
	if last.TotalBytes != 1000 || last.BytesSent != 950 {
		t.Errorf("bytes %d/%d", last.BytesSent, last.TotalBytes)
	}
	if last.Percent() != 95 {
		t.Errorf("Percent = %v", last.Percent())
	}
	if last.BatchID == "" {
		t.Error("progress missing batch id")
	}
}

func TestFileConcurrencyBound(t *testing.T) {
	up := &fakeUploader{delay: 5 * time.Millisecond}
	m := NewManager(up, "p1", "", true, Options{FileConcurrency: 2})
	if _, err := m.Run(context.Background(), entries(7)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if up.max > 2 {
		t.Errorf("%d files in flight, limit 2", up.max)
	}
}

func TestCanceledRunSkipsUploads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	up := &fakeUploader{}
	m := NewManager(up, "p1", "", true, Options{})

	report, err := m.Run(ctx, entries(3))
	if !errors.Is(err, upload.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if report.Canceled != 3 || len(up.targets) != 0 {
		t.Errorf("canceled=%d uploads=%d", report.Canceled, len(up.targets))
	}
	if m.BatchID() != "" {
		t.Error("batch id generated although no file entered an upload")
	}
}

func TestOpenFailureIsPerFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jpg")
	if err := os.WriteFile(good, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(&fakeUploader{}, "p1", "", true, Options{})
	report, err := m.Run(context.Background(), []Entry{PathEntry(good, 4), PathEntry(filepath.Join(dir, "gone.jpg"), 9)})
	if err == nil {
		t.Fatal("expected error for the missing file")
	}
	if report.Completed != 1 || report.Failed != 1 {
		t.Errorf("completed=%d failed=%d", report.Completed, report.Failed)
	}
}

func TestBatchAgainstFakeBackend(t *testing.T) {
	fb := fakebackend.New()
	srv := httptest.NewServer(fb)
	defer srv.Close()
	coord := upload.NewCoordinator(api.NewClient(srv.URL, ""), upload.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	m := NewManager(coord, "p1", "", true, Options{})

	report, err := m.Run(context.Background(), entries(6))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Notified {
		t.Error("successful batch not notified")
	}
	completions := fb.Completions()
	if len(completions) != 6 {
		t.Fatalf("expected 6 completions, got %d", len(completions))
	}
	for _, c := range completions {
		if c.BatchID != m.BatchID() {
			t.Errorf("completion %s carried batch %q, want %q", c.Filename, c.BatchID, m.BatchID())
		}
	}
	if imgs := fb.Images(m.BatchID()); len(imgs) != 6 {
		t.Errorf("batch holds %d images", len(imgs))
	}
}

func TestDuplicateNamesRefusedBeforeUpload(t *testing.T) {
	fb := fakebackend.New()
	srv := httptest.NewServer(fb)
	defer srv.Close()
	coord := upload.NewCoordinator(api.NewClient(srv.URL, ""), upload.Options{})
	m := NewManager(coord, "p1", "", true, Options{})

	first := []byte("flight one image")
	second := []byte("flight two image, different bytes")
	_, err := m.Run(context.Background(), []Entry{
		FileEntry(upload.File{Name: "DJI_0001.JPG", Size: int64(len(first)), Content: bytes.NewReader(first)}),
		FileEntry(upload.File{Name: "DJI_0001.JPG", Size: int64(len(second)), Content: bytes.NewReader(second)}),
	})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if fb.Calls("initiate") != 0 || len(fb.Completions()) != 0 {
		t.Errorf("nothing should reach the backend: initiate=%d completions=%d", fb.Calls("initiate"), len(fb.Completions()))
	}
	if m.BatchID() != "" {
		t.Errorf("a refused run generated batch %q", m.BatchID())
	}
}
