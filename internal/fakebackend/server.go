// Package fakebackend is a scripted, in-memory imagery backend for tests.
// It serves the multipart upload broker, a signed-URL storage target and
// the classification/review/processing surface, records every call, and
// lets a test inject failures and drive classification by hand.
//
//	fb := fakebackend.New()
//	srv := httptest.NewServer(fb)
//	client := api.NewClient(srv.URL, "")
package fakebackend

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/imagery"
)

// Upload is the server-side record of one multipart upload.
type Upload struct {
	ID        string
	ProjectID string
	FileKey   string
	FileName  string
	Staging   bool
	TaskID    *string
	Parts     map[int]StoredPart
	Completed bool
	Aborted   bool
}

// StoredPart is a part PUT to the storage target.
type StoredPart struct {
	ETag string
	Data []byte
}

// Batch is the server-side record of one staging batch.
type Batch struct {
	ProjectID string
	ID        string
	Images    []*imagery.Image
	// Summaries, when non-empty, is served (and consumed) by the status
	// endpoint before falling back to counts derived from Images.
	Summaries []imagery.BatchStatusSummary
}

// Server is the fake backend. The zero value is not usable; call New.
type Server struct {
	mux *http.ServeMux

	mu      sync.Mutex
	now     time.Time
	seq     int
	uploads map[string]*Upload
	objects map[string][]byte
	batches map[string]*Batch
	tasks   map[string]int
	// acceptTask maps an image id to the task it lands in when accepted;
	// images without an entry come back unmatched.
	acceptTask map[string]string
	jobs       map[string]string

	calls       map[string]int
	completions []api.CompleteRequest
	aborts      []api.AbortRequest
	signs       []api.SignPartRequest

	failSign      map[int]int
	failPut       map[int]int
	failListParts bool
	failComplete  int
	failInitiate  int
	failStatus    int
	failImages    int
	failAccept    int
}

// New creates an empty fake backend whose clock starts at a fixed instant.
func New() *Server {
	s := &Server{
		now:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		uploads:    make(map[string]*Upload),
		objects:    make(map[string][]byte),
		batches:    make(map[string]*Batch),
		tasks:      make(map[string]int),
		acceptTask: make(map[string]string),
		jobs:       make(map[string]string),
		calls:      make(map[string]int),
		failSign:   make(map[int]int),
		failPut:    make(map[int]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /projects/initiate-multipart-upload/{$}", s.handleInitiate)
	mux.HandleFunc("POST /projects/sign-part-upload/{$}", s.handleSign)
	mux.HandleFunc("POST /projects/complete-multipart-upload/{$}", s.handleComplete)
	mux.HandleFunc("POST /projects/abort-multipart-upload/{$}", s.handleAbort)
	mux.HandleFunc("GET /projects/list-parts/{$}", s.handleListParts)
	mux.HandleFunc("PUT /_storage/{uploadID}/{part}", s.handlePutPart)

	mux.HandleFunc("POST /projects/{pid}/batches/{bid}/classify/{$}", s.handleClassify)
	mux.HandleFunc("GET /projects/{pid}/batches/{bid}/status/{$}", s.handleStatus)
	mux.HandleFunc("GET /projects/{pid}/batches/{bid}/images/{$}", s.handleImages)
	mux.HandleFunc("GET /projects/{pid}/batches/{bid}/review/{$}", s.handleReview)
	mux.HandleFunc("GET /projects/{pid}/batches/{bid}/map-data/{$}", s.handleMapData)
	mux.HandleFunc("GET /projects/{pid}/batches/{bid}/processing-summary/{$}", s.handleProcessingSummary)
	mux.HandleFunc("POST /projects/{pid}/batches/{bid}/process/{$}", s.handleProcess)
	mux.HandleFunc("POST /projects/{pid}/images/{iid}/accept/{$}", s.handleAccept)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// --- Scripting ---

// AddTask registers a task polygon of a project.
func (s *Server) AddTask(taskID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = index
}

// AddImage appends an image to a batch, creating the batch if needed. A
// zero UploadedAt is stamped from the fake clock.
func (s *Server) AddImage(projectID, batchID string, img imagery.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img.UploadedAt.IsZero() {
		img.UploadedAt = s.tick()
	}
	b := s.batch(projectID, batchID)
	b.Images = append(b.Images, &img)
}

// SetStatus changes the status (and task) of an image as the classifier would.
func (s *Server) SetStatus(batchID, imageID string, status imagery.Status, taskID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		for _, img := range b.Images {
			if img.ID == imageID {
				img.Status = status
				img.TaskID = taskID
			}
		}
	}
}

// ClassifyAll resolves every pending image of a batch with decide.
func (s *Server) ClassifyAll(batchID string, decide func(imagery.Image) (imagery.Status, *string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return
	}
	for _, img := range b.Images {
		if img.Status.IsPending() {
			img.Status, img.TaskID = decide(*img)
		}
	}
}

// QueueSummaries scripts the next status responses for a batch.
func (s *Server) QueueSummaries(projectID, batchID string, summaries ...imagery.BatchStatusSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batch(projectID, batchID)
	b.Summaries = append(b.Summaries, summaries...)
}

// AcceptIntoTask makes a later accept of imageID land in taskID.
func (s *Server) AcceptIntoTask(imageID, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptTask[imageID] = taskID
}

// FailSign makes the next n sign requests for partNumber fail with 503.
func (s *Server) FailSign(partNumber, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSign[partNumber] = n
}

// FailPut makes the next n storage PUTs for partNumber fail with 500.
func (s *Server) FailPut(partNumber, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut[partNumber] = n
}

// FailListParts makes list-parts fail.
func (s *Server) FailListParts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failListParts = fail
}

// FailComplete makes the next n completion calls fail with 500.
func (s *Server) FailComplete(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failComplete = n
}

// FailInitiate makes the next n initiate calls fail with 400.
func (s *Server) FailInitiate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInitiate = n
}

// FailStatus makes the next n status calls fail with 500.
func (s *Server) FailStatus(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = n
}

// FailImages makes the next n image-list calls fail with 500.
func (s *Server) FailImages(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failImages = n
}

// FailAccept makes the next n accept calls fail with 500 and a detail message.
func (s *Server) FailAccept(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAccept = n
}

// --- Inspection ---

// Calls returns how many times an endpoint was hit. Names: initiate, sign,
// put, complete, abort, list-parts, classify, status, images, review,
// map-data, processing-summary, process, accept.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Completions returns every successful completion request in order.
func (s *Server) Completions() []api.CompleteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.CompleteRequest(nil), s.completions...)
}

// Aborts returns every abort request in order.
func (s *Server) Aborts() []api.AbortRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.AbortRequest(nil), s.aborts...)
}

// Signs returns every sign request in order, including failed ones.
func (s *Server) Signs() []api.SignPartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.SignPartRequest(nil), s.signs...)
}

// Object returns the assembled bytes of a completed upload.
func (s *Server) Object(fileKey string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[fileKey]
	return data, ok
}

// Upload returns the server record of an upload.
func (s *Server) Upload(uploadID string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[uploadID]
	if !ok {
		return Upload{}, false
	}
	return *u, true
}

// Images returns a copy of a batch's images.
func (s *Server) Images(batchID string) []imagery.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	out := make([]imagery.Image, len(b.Images))
	for i, img := range b.Images {
		out[i] = *img
	}
	return out
}

// --- Internal helpers (callers hold s.mu) ---

func (s *Server) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return prefix + strconv.Itoa(s.seq)
}

func (s *Server) batch(projectID, batchID string) *Batch {
	b, ok := s.batches[batchID]
	if !ok {
		b = &Batch{ProjectID: projectID, ID: batchID}
		s.batches[batchID] = b
	}
	return b
}

func (s *Server) derivedSummary(b *Batch) imagery.BatchStatusSummary {
	var sum imagery.BatchStatusSummary
	for _, img := range b.Images {
		sum.Total++
		switch img.Status {
		case imagery.StatusStaged:
			sum.Staged++
		case imagery.StatusUploaded:
			sum.Uploaded++
		case imagery.StatusClassifying:
			sum.Classifying++
		case imagery.StatusAssigned:
			sum.Assigned++
		case imagery.StatusRejected:
			sum.Rejected++
		case imagery.StatusUnmatched:
			sum.Unmatched++
		case imagery.StatusInvalidEXIF:
			sum.InvalidEXIF++
		case imagery.StatusDuplicate:
			sum.Duplicate++
		}
	}
	return sum
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func sortedParts(u *Upload) []api.CompletedPart {
	parts := make([]api.CompletedPart, 0, len(u.Parts))
	for n, p := range u.Parts {
		parts = append(parts, api.CompletedPart{PartNumber: n, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

func storageURL(r *http.Request, uploadID string, part int) string {
	return fmt.Sprintf("http://%s/_storage/%s/%d", r.Host, uploadID, part)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
