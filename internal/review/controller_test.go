package review

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/batchview"
	"github.com/fpang/drone-ingest/internal/fakebackend"
	"github.com/fpang/drone-ingest/internal/feedback"
	"github.com/fpang/drone-ingest/internal/imagery"
	"github.com/fpang/drone-ingest/internal/processing"
	"github.com/fpang/drone-ingest/internal/schedule"
)

type fakeView struct {
	mu         sync.Mutex
	statuses   map[string]imagery.Status
	summaries  int
	reviews    int
	refreshErr error
}

func newFakeView(statuses map[string]imagery.Status) *fakeView {
	return &fakeView{statuses: statuses}
}

func (v *fakeView) ProjectID() string { return "p1" }
func (v *fakeView) BatchID() string   { return "b1" }

func (v *fakeView) StatusOf(id string) (imagery.Status, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.statuses[id]
	return st, ok
}

func (v *fakeView) RefreshSummary(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.summaries++
	return v.refreshErr
}

func (v *fakeView) RefreshReview(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reviews++
	return v.refreshErr
}

type fakeAcceptor struct {
	mu      sync.Mutex
	calls   []string
	outcome imagery.AcceptOutcome
	err     error
	// gate, when set, blocks each call until it is closed.
	gate    chan struct{}
	entered chan string
}

func (a *fakeAcceptor) AcceptImage(ctx context.Context, projectID, imageID string) (imagery.AcceptOutcome, error) {
	a.mu.Lock()
	a.calls = append(a.calls, imageID)
	a.mu.Unlock()
	if a.entered != nil {
		a.entered <- imageID
	}
	if a.gate != nil {
		<-a.gate
	}
	return a.outcome, a.err
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []feedback.Override
	err    error
}

func (e *fakeEmitter) EmitOverride(ctx context.Context, o feedback.Override) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, o)
	return e.err
}

func TestAcceptRejectsUnknownAndNonOverridable(t *testing.T) {
	view := newFakeView(map[string]imagery.Status{"b": imagery.StatusAssigned, "d": imagery.StatusDuplicate})
	acc := &fakeAcceptor{}
	c := NewController(acc, view, nil)

	if _, err := c.Accept(context.Background(), "zzz"); !errors.Is(err, ErrUnknownImage) {
		t.Errorf("unknown image: got %v", err)
	}
	for _, id := range []string{"b", "d"} {
		if _, err := c.Accept(context.Background(), id); !errors.Is(err, ErrNotOverridable) {
			t.Errorf("accept %s: got %v, want ErrNotOverridable", id, err)
		}
		if c.CanAccept(id) {
			t.Errorf("CanAccept(%s) = true", id)
		}
	}
	if len(acc.calls) != 0 {
		t.Errorf("server called for invalid overrides: %v", acc.calls)
	}
	if view.summaries != 0 || view.reviews != 0 {
		t.Error("invalid override triggered a refresh")
	}
}

func TestAcceptAssignedInvalidatesBoth(t *testing.T) {
	for _, from := range []imagery.Status{imagery.StatusRejected, imagery.StatusInvalidEXIF} {
		t.Run(string(from), func(t *testing.T) {
			view := newFakeView(map[string]imagery.Status{"a": from})
			acc := &fakeAcceptor{outcome: imagery.AcceptOutcome{Status: imagery.StatusAssigned, Message: "Image assigned to task"}}
			em := &fakeEmitter{}
			c := NewController(acc, view, em)

			if !c.CanAccept("a") {
				t.Fatal("CanAccept should be true")
			}
			res, err := c.Accept(context.Background(), "a")
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if res.Status != imagery.StatusAssigned || res.Warning || res.PreviousStatus != from {
				t.Errorf("unexpected result %+v", res)
			}
			if view.summaries != 1 || view.reviews != 1 {
				t.Errorf("refreshes: summary=%d review=%d, want 1 each", view.summaries, view.reviews)
			}
			// No optimistic local edit: the view still reports the old status
			// until a refresh brings the new one.
			if st, _ := view.StatusOf("a"); st != from {
				t.Errorf("controller mutated local state to %s", st)
			}
			if len(em.events) != 1 || em.events[0].Outcome != imagery.StatusAssigned || em.events[0].BatchID != "b1" {
				t.Errorf("feedback events = %+v", em.events)
			}
			if c.InFlight("a") {
				t.Error("in-flight flag not released")
			}
		})
	}
}

func TestAcceptUnmatchedIsWarning(t *testing.T) {
	view := newFakeView(map[string]imagery.Status{"a": imagery.StatusRejected})
	acc := &fakeAcceptor{outcome: imagery.AcceptOutcome{Status: imagery.StatusUnmatched, Message: "outside every task area"}}
	c := NewController(acc, view, nil)

	res, err := c.Accept(context.Background(), "a")
	if err != nil {
		t.Fatalf("unmatched must not be an error: %v", err)
	}
	if !res.Warning || res.Status != imagery.StatusUnmatched || res.Message != "outside every task area" {
		t.Errorf("unexpected result %+v", res)
	}
	if view.summaries != 1 || view.reviews != 1 {
		t.Error("unmatched outcome must still invalidate the projections")
	}
}

func TestAcceptFailureKeepsStateAndSurfacesDetail(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server detail", &api.Error{Op: "accept image", StatusCode: 500, Detail: "Could not reach the task index"}, "Could not reach the task index"},
		{"no detail", errors.New("connection reset"), genericAcceptError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := newFakeView(map[string]imagery.Status{"a": imagery.StatusRejected})
			c := NewController(&fakeAcceptor{err: tt.err}, view, &fakeEmitter{})

			_, err := c.Accept(context.Background(), "a")
			var reviewErr *Error
			if !errors.As(err, &reviewErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if reviewErr.Message != tt.want {
				t.Errorf("message = %q, want %q", reviewErr.Message, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause not wrapped")
			}
			if view.summaries != 0 || view.reviews != 0 {
				t.Error("failed override refreshed the view")
			}
			if !c.CanAccept("a") {
				t.Error("action should be enabled again after a failure")
			}
		})
	}
}

func TestAcceptSerializedPerImage(t *testing.T) {
	view := newFakeView(map[string]imagery.Status{"a": imagery.StatusRejected, "c": imagery.StatusInvalidEXIF})
	acc := &fakeAcceptor{
		outcome: imagery.AcceptOutcome{Status: imagery.StatusAssigned},
		gate:    make(chan struct{}),
		entered: make(chan string, 4),
	}
	c := NewController(acc, view, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"a", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Accept(context.Background(), id)
			errs <- err
		}()
	}
	// Both images reach the server concurrently.
	for i := 0; i < 2; i++ {
		select {
		case <-acc.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("overrides of different images did not run concurrently")
		}
	}

	if !c.InFlight("a") || c.CanAccept("a") {
		t.Error("action should be disabled while a request is in flight")
	}
	if _, err := c.Accept(context.Background(), "a"); !errors.Is(err, ErrOverrideInFlight) {
		t.Errorf("second accept of the same image: got %v", err)
	}

	close(acc.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
	}
	if len(acc.calls) != 2 {
		t.Errorf("server saw %d calls, want 2", len(acc.calls))
	}
}

func TestAcceptBestEffortSideEffects(t *testing.T) {
	view := newFakeView(map[string]imagery.Status{"a": imagery.StatusRejected})
	view.refreshErr = errors.New("status unavailable")
	em := &fakeEmitter{err: errors.New("AccessDeniedException")}
	c := NewController(&fakeAcceptor{outcome: imagery.AcceptOutcome{Status: imagery.StatusAssigned}}, view, em)

	if _, err := c.Accept(context.Background(), "a"); err != nil {
		t.Fatalf("refresh or feedback failures must not fail the override: %v", err)
	}
	if len(em.events) != 1 {
		t.Error("feedback not attempted")
	}
}

// TestReviewScenario runs a batch from classified to processable against
// the scripted backend.
func TestReviewScenario(t *testing.T) {
	fb := fakebackend.New()
	srv := httptest.NewServer(fb)
	defer srv.Close()
	client := api.NewClient(srv.URL, "")
	ctx := context.Background()

	task := "t1"
	fb.AddTask(task, 1)
	fb.AddImage("p1", "b1", imagery.Image{ID: "a", Filename: "a.jpg", Status: imagery.StatusRejected, RejectionReason: "blurry"})
	fb.AddImage("p1", "b1", imagery.Image{ID: "b", Filename: "b.jpg", Status: imagery.StatusAssigned, TaskID: &task})
	fb.AcceptIntoTask("a", task)

	completions := 0
	view := batchview.New(client, "p1", "b1", batchview.Options{
		Clock:      schedule.NewManualClock(time.Now()),
		OnComplete: func(imagery.BatchStatusSummary) { completions++ },
	})
	view.Start(ctx, true)
	defer view.Close()

	sum, _ := view.Summary()
	if sum.Total != 2 || sum.Assigned != 1 || sum.Rejected != 1 {
		t.Fatalf("initial summary = %+v", sum)
	}
	if completions != 1 {
		t.Fatalf("completion fired %d times, want 1", completions)
	}

	em := &fakeEmitter{}
	c := NewController(client, view, em)
	res, err := c.Accept(ctx, "a")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.Status != imagery.StatusAssigned || res.Warning {
		t.Fatalf("result = %+v", res)
	}

	after, _ := view.Summary()
	if after.Rejected != sum.Rejected-1 || after.Assigned != sum.Assigned+1 {
		t.Errorf("summary after override = %+v, want rejected-1 and assigned+1 of %+v", after, sum)
	}
	if st, _ := view.StatusOf("a"); st != imagery.StatusAssigned {
		t.Errorf("StatusOf(a) = %s after refresh", st)
	}
	if completions != 1 {
		t.Errorf("completion re-fired after override: %d", completions)
	}
	if c.CanAccept("a") {
		t.Error("an assigned image can no longer be accepted")
	}

	trigger := processing.NewTrigger(client, "p1", "b1")
	if _, err := trigger.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !trigger.CanStart() {
		t.Fatal("processing trigger should be enabled")
	}
	ps, _ := trigger.Summary()
	if ps.TotalImages != 2 || ps.TotalTasks != 1 {
		t.Errorf("processing summary = %+v", ps)
	}
	job, err := trigger.Start(ctx)
	if err != nil || job.JobID == "" {
		t.Fatalf("Start = %+v, %v", job, err)
	}
	if trigger.CanStart() {
		t.Error("trigger still enabled while a job id is held")
	}
}

func TestReviewScenarioUnmatched(t *testing.T) {
	fb := fakebackend.New()
	srv := httptest.NewServer(fb)
	defer srv.Close()
	client := api.NewClient(srv.URL, "")
	ctx := context.Background()

	fb.AddImage("p1", "b1", imagery.Image{ID: "a", Status: imagery.StatusInvalidEXIF})
	view := batchview.New(client, "p1", "b1", batchview.Options{Clock: schedule.NewManualClock(time.Now())})
	view.Start(ctx, false)
	defer view.Close()

	res, err := NewController(client, view, nil).Accept(ctx, "a")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !res.Warning {
		t.Error("unmatched outcome should be a warning")
	}
	sum, _ := view.Summary()
	if sum.Unmatched != 1 || sum.InvalidEXIF != 0 {
		t.Errorf("summary after unmatched accept = %+v", sum)
	}
}
