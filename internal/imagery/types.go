package imagery

import (
	"encoding/json"
	"time"
)

// Image is one uploaded image as the server reports it. ID is the
// authoritative key for reconciliation.
type Image struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	Status          Status    `json:"status"`
	UploadedAt      time.Time `json:"uploaded_at"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	ThumbnailURL    string    `json:"thumbnail_url,omitempty"`
	URL             string    `json:"url,omitempty"`
	TaskID          *string   `json:"task_id,omitempty"`
}

// BatchStatusSummary holds per-status image counts for one batch. It is
// computed by the server; the client only reads it.
type BatchStatusSummary struct {
	Total       int `json:"total"`
	Staged      int `json:"staged"`
	Uploaded    int `json:"uploaded"`
	Classifying int `json:"classifying"`
	Assigned    int `json:"assigned"`
	Rejected    int `json:"rejected"`
	Unmatched   int `json:"unmatched"`
	InvalidEXIF int `json:"invalid_exif"`
	Duplicate   int `json:"duplicate"`
}

// Classified is the number of images the classifier has finished with.
func (s BatchStatusSummary) Classified() int {
	return s.Assigned + s.Rejected + s.Unmatched + s.InvalidEXIF + s.Duplicate
}

// Pending is the number of images still waiting on the classifier.
func (s BatchStatusSummary) Pending() int {
	return s.Uploaded + s.Classifying
}

// Terminal reports whether classification of the batch has finished. An
// all-zero summary is never terminal.
func (s BatchStatusSummary) Terminal() bool {
	return s.Classified() > 0 && s.Pending() == 0
}

// Count returns the count for a single status.
func (s BatchStatusSummary) Count(st Status) int {
	switch st {
	case StatusStaged:
		return s.Staged
	case StatusUploaded:
		return s.Uploaded
	case StatusClassifying:
		return s.Classifying
	case StatusAssigned:
		return s.Assigned
	case StatusRejected:
		return s.Rejected
	case StatusUnmatched:
		return s.Unmatched
	case StatusInvalidEXIF:
		return s.InvalidEXIF
	case StatusDuplicate:
		return s.Duplicate
	}
	return 0
}

// TaskGroup is the set of images classified (or manually assigned) to one
// task polygon. A nil TaskID groups rejected or unassigned images.
type TaskGroup struct {
	TaskID           *string `json:"task_id"`
	ProjectTaskIndex *int    `json:"project_task_index"`
	Images           []Image `json:"images"`
}

// BatchReview is the task-grouped review projection of a batch.
type BatchReview struct {
	TotalTasks  int         `json:"total_tasks"`
	TotalImages int         `json:"total_images"`
	TaskGroups  []TaskGroup `json:"task_groups"`
}

// Find returns the image with the given id from any group.
func (r *BatchReview) Find(id string) (Image, bool) {
	if r == nil {
		return Image{}, false
	}
	for _, g := range r.TaskGroups {
		for _, img := range g.Images {
			if img.ID == id {
				return img, true
			}
		}
	}
	return Image{}, false
}

// MapData carries task polygons and image points as GeoJSON feature
// collections. The geometry is passed through untouched.
type MapData struct {
	Tasks  json.RawMessage `json:"tasks"`
	Images json.RawMessage `json:"images"`
}

// TaskImageCount is the number of accepted images that will be copied into
// one task's folder.
type TaskImageCount struct {
	TaskID     string `json:"task_id"`
	TaskIndex  int    `json:"task_index"`
	ImageCount int    `json:"image_count"`
}

// ProcessingSummary previews what batch processing will materialise.
type ProcessingSummary struct {
	TotalImages int              `json:"total_images"`
	TotalTasks  int              `json:"total_tasks"`
	Tasks       []TaskImageCount `json:"tasks"`
}

// HasAssignedWork reports whether at least one task has at least one image.
func (p ProcessingSummary) HasAssignedWork() bool {
	for _, t := range p.Tasks {
		if t.TaskID != "" && t.ImageCount > 0 {
			return true
		}
	}
	return false
}

// JobRef identifies an asynchronous server-side job.
type JobRef struct {
	JobID string `json:"job_id"`
}

// AcceptOutcome is the server's answer to a manual accept.
type AcceptOutcome struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}
