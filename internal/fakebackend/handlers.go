package fakebackend

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/imagery"
)

// --- Multipart broker ---

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["initiate"]++

	if s.failInitiate > 0 {
		s.failInitiate--
		writeDetail(w, http.StatusBadRequest, "project is not accepting uploads")
		return
	}
	if req.ProjectID == "" || req.FileName == "" {
		writeDetail(w, http.StatusBadRequest, "project_id and file_name are required")
		return
	}

	key := "projects/" + req.ProjectID + "/user-uploads/" + req.FileName
	if !req.Staging && req.TaskID != nil {
		key = "projects/" + req.ProjectID + "/" + *req.TaskID + "/images/" + req.FileName
	}
	u := &Upload{
		ID:        s.nextID("upload-"),
		ProjectID: req.ProjectID,
		FileKey:   key,
		FileName:  req.FileName,
		Staging:   req.Staging,
		TaskID:    req.TaskID,
		Parts:     make(map[int]StoredPart),
	}
	s.uploads[u.ID] = u
	writeJSON(w, http.StatusOK, api.InitiateResponse{UploadID: u.ID, FileKey: u.FileKey})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req api.SignPartRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["sign"]++
	s.signs = append(s.signs, req)

	if s.failSign[req.PartNumber] > 0 {
		s.failSign[req.PartNumber]--
		writeDetail(w, http.StatusServiceUnavailable, "signing temporarily unavailable")
		return
	}
	u, ok := s.uploads[req.UploadID]
	if !ok || u.FileKey != req.FileKey || u.Completed || u.Aborted {
		writeDetail(w, http.StatusNotFound, "upload not found")
		return
	}
	if req.PartNumber < 1 || req.PartNumber > 10000 {
		writeDetail(w, http.StatusBadRequest, "part_number out of range")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": storageURL(r, u.ID, req.PartNumber)})
}

func (s *Server) handlePutPart(w http.ResponseWriter, r *http.Request) {
	data, err := readAll(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	part, err := strconv.Atoi(r.PathValue("part"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["put"]++

	if s.failPut[part] > 0 {
		s.failPut[part]--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	u, ok := s.uploads[r.PathValue("uploadID")]
	if !ok || u.Aborted {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	etag := etagOf(data)
	u.Parts[part] = StoredPart{ETag: etag, Data: data}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["complete"]++

	if s.failComplete > 0 {
		s.failComplete--
		writeDetail(w, http.StatusInternalServerError, "storage backend unavailable")
		return
	}
	u, ok := s.uploads[req.UploadID]
	if !ok || u.FileKey != req.FileKey || u.Aborted {
		writeDetail(w, http.StatusNotFound, "upload not found")
		return
	}
	if len(req.Parts) == 0 {
		writeDetail(w, http.StatusBadRequest, "parts are required")
		return
	}

	var buf bytes.Buffer
	for i, p := range req.Parts {
		if p.PartNumber != i+1 {
			writeDetail(w, http.StatusBadRequest, "parts must be ascending and contiguous")
			return
		}
		stored, ok := u.Parts[p.PartNumber]
		if !ok || stored.ETag != p.ETag {
			writeDetail(w, http.StatusBadRequest, "part "+strconv.Itoa(p.PartNumber)+" etag mismatch")
			return
		}
		buf.Write(stored.Data)
	}

	u.Completed = true
	s.objects[u.FileKey] = buf.Bytes()
	s.completions = append(s.completions, req)

	if req.BatchID != "" {
		b := s.batch(req.ProjectID, req.BatchID)
		b.Images = append(b.Images, &imagery.Image{
			ID:         s.nextID("img-"),
			Filename:   req.Filename,
			Status:     imagery.StatusUploaded,
			UploadedAt: s.tick(),
			URL:        u.FileKey,
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_key": u.FileKey})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req api.AbortRequest
	if !decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["abort"]++
	s.aborts = append(s.aborts, req)

	if u, ok := s.uploads[req.UploadID]; ok && !u.Completed {
		u.Aborted = true
		u.Parts = make(map[int]StoredPart)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["list-parts"]++

	if s.failListParts {
		writeDetail(w, http.StatusInternalServerError, "list parts unavailable")
		return
	}
	u, ok := s.uploads[r.URL.Query().Get("upload_id")]
	if !ok || u.FileKey != r.URL.Query().Get("file_key") {
		writeDetail(w, http.StatusNotFound, "upload not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": sortedParts(u)})
}

// --- Classification, review, processing ---

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["classify"]++

	b, ok := s.batches[r.PathValue("bid")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "batch not found")
		return
	}
	for _, img := range b.Images {
		if img.Status == imagery.StatusUploaded {
			img.Status = imagery.StatusClassifying
		}
	}
	writeJSON(w, http.StatusOK, imagery.JobRef{JobID: s.nextID("classify-")})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["status"]++

	if s.failStatus > 0 {
		s.failStatus--
		writeDetail(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	b := s.batch(r.PathValue("pid"), r.PathValue("bid"))
	if len(b.Summaries) > 0 {
		next := b.Summaries[0]
		b.Summaries = b.Summaries[1:]
		writeJSON(w, http.StatusOK, next)
		return
	}
	writeJSON(w, http.StatusOK, s.derivedSummary(b))
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["images"]++

	if s.failImages > 0 {
		s.failImages--
		writeDetail(w, http.StatusInternalServerError, "images unavailable")
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("last_timestamp"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "invalid last_timestamp")
			return
		}
		since = t
	}

	out := []imagery.Image{}
	if b, ok := s.batches[r.PathValue("bid")]; ok {
		for _, img := range b.Images {
			if since.IsZero() || img.UploadedAt.After(since) {
				out = append(out, *img)
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) groups(b *Batch) []imagery.TaskGroup {
	byTask := map[string]*imagery.TaskGroup{}
	var order []string
	unassigned := imagery.TaskGroup{}
	for _, img := range b.Images {
		if img.TaskID == nil || img.Status != imagery.StatusAssigned {
			unassigned.Images = append(unassigned.Images, *img)
			continue
		}
		g, ok := byTask[*img.TaskID]
		if !ok {
			id := *img.TaskID
			idx := s.tasks[id]
			g = &imagery.TaskGroup{TaskID: &id, ProjectTaskIndex: &idx}
			byTask[id] = g
			order = append(order, id)
		}
		g.Images = append(g.Images, *img)
	}
	out := make([]imagery.TaskGroup, 0, len(order)+1)
	for _, id := range order {
		out = append(out, *byTask[id])
	}
	if len(unassigned.Images) > 0 {
		out = append(out, unassigned)
	}
	return out
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["review"]++

	b := s.batch(r.PathValue("pid"), r.PathValue("bid"))
	groups := s.groups(b)
	tasks := 0
	for _, g := range groups {
		if g.TaskID != nil {
			tasks++
		}
	}
	writeJSON(w, http.StatusOK, imagery.BatchReview{TotalTasks: tasks, TotalImages: len(b.Images), TaskGroups: groups})
}

func (s *Server) handleMapData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["map-data"]++

	b := s.batch(r.PathValue("pid"), r.PathValue("bid"))
	type feature struct {
		Type       string         `json:"type"`
		Geometry   any            `json:"geometry"`
		Properties map[string]any `json:"properties"`
	}
	type collection struct {
		Type     string    `json:"type"`
		Features []feature `json:"features"`
	}
	tasks := collection{Type: "FeatureCollection", Features: []feature{}}
	for id, idx := range s.tasks {
		tasks.Features = append(tasks.Features, feature{Type: "Feature", Properties: map[string]any{"id": id, "task_index": idx}})
	}
	images := collection{Type: "FeatureCollection", Features: []feature{}}
	for _, img := range b.Images {
		images.Features = append(images.Features, feature{
			Type:       "Feature",
			Properties: map[string]any{"id": img.ID, "status": img.Status, "color": imagery.Style(img.Status).Color},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "images": images})
}

func (s *Server) processingSummary(b *Batch) imagery.ProcessingSummary {
	var sum imagery.ProcessingSummary
	for _, g := range s.groups(b) {
		if g.TaskID == nil {
			continue
		}
		sum.Tasks = append(sum.Tasks, imagery.TaskImageCount{TaskID: *g.TaskID, TaskIndex: *g.ProjectTaskIndex, ImageCount: len(g.Images)})
		sum.TotalTasks++
		sum.TotalImages += len(g.Images)
	}
	return sum
}

func (s *Server) handleProcessingSummary(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["processing-summary"]++
	writeJSON(w, http.StatusOK, s.processingSummary(s.batch(r.PathValue("pid"), r.PathValue("bid"))))
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["process"]++

	b := s.batch(r.PathValue("pid"), r.PathValue("bid"))
	if !s.processingSummary(b).HasAssignedWork() {
		writeDetail(w, http.StatusBadRequest, "No assigned images to process")
		return
	}
	id := s.nextID("process-")
	s.jobs[b.ID] = id
	writeJSON(w, http.StatusOK, imagery.JobRef{JobID: id})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["accept"]++

	if s.failAccept > 0 {
		s.failAccept--
		writeDetail(w, http.StatusInternalServerError, "Could not reach the task index")
		return
	}
	imageID := r.PathValue("iid")
	for _, b := range s.batches {
		for _, img := range b.Images {
			if img.ID != imageID {
				continue
			}
			if !img.Status.CanOverride() {
				writeDetail(w, http.StatusBadRequest, "Image cannot be accepted from status "+string(img.Status))
				return
			}
			if taskID, ok := s.acceptTask[imageID]; ok {
				img.Status = imagery.StatusAssigned
				img.TaskID = &taskID
				img.RejectionReason = ""
				writeJSON(w, http.StatusOK, imagery.AcceptOutcome{Status: imagery.StatusAssigned, Message: "Image assigned to task"})
				return
			}
			img.Status = imagery.StatusUnmatched
			writeJSON(w, http.StatusOK, imagery.AcceptOutcome{Status: imagery.StatusUnmatched, Message: "Image accepted but is outside every task area"})
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "image not found")
}
