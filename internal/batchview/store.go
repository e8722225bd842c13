package batchview

import (
	"sort"
	"sync"
	"time"

	"github.com/fpang/drone-ingest/internal/imagery"
)

// ImageStore is the local keyed view of a batch's images. Merges overwrite
// by image id and the watermark only moves forward.
type ImageStore struct {
	mu        sync.RWMutex
	images    map[string]imagery.Image
	watermark time.Time
}

// NewImageStore returns an empty store.
func NewImageStore() *ImageStore {
	return &ImageStore{images: make(map[string]imagery.Image)}
}

// Merge writes every image into the store by id and advances the watermark
// to the largest uploaded_at seen. It returns how many entries were added or
// changed. Older records are still stored when their id is new; they just
// do not move the watermark back.
func (s *ImageStore) Merge(images []imagery.Image) int {
	if len(images) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, img := range images {
		if img.ID == "" {
			continue
		}
		if prev, ok := s.images[img.ID]; !ok || !sameImage(prev, img) {
			changed++
		}
		s.images[img.ID] = img
		if img.UploadedAt.After(s.watermark) {
			s.watermark = img.UploadedAt
		}
	}
	return changed
}

func sameImage(a, b imagery.Image) bool {
	if (a.TaskID == nil) != (b.TaskID == nil) {
		return false
	}
	if a.TaskID != nil && *a.TaskID != *b.TaskID {
		return false
	}
	return a.ID == b.ID &&
		a.Filename == b.Filename &&
		a.Status == b.Status &&
		a.UploadedAt.Equal(b.UploadedAt) &&
		a.RejectionReason == b.RejectionReason &&
		a.ThumbnailURL == b.ThumbnailURL &&
		a.URL == b.URL
}

// Watermark is the largest uploaded_at merged so far, zero before the first merge.
func (s *ImageStore) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark
}

// Get returns one image by id.
func (s *ImageStore) Get(id string) (imagery.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	return img, ok
}

// Len is the number of distinct images held.
func (s *ImageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}

// Snapshot returns a copy of every image ordered by uploaded_at, then id.
func (s *ImageStore) Snapshot() []imagery.Image {
	s.mu.RLock()
	out := make([]imagery.Image, 0, len(s.images))
	for _, img := range s.images {
		out = append(out, img)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.Before(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountByStatus tallies the stored images per status.
func (s *ImageStore) CountByStatus() map[imagery.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[imagery.Status]int)
	for _, img := range s.images {
		counts[img.Status]++
	}
	return counts
}
