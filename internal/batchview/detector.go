package batchview

import (
	"sync"

	"github.com/fpang/drone-ingest/internal/imagery"
)

// CompletionDetector watches summaries for the end of classification and
// reports it exactly once.
type CompletionDetector struct {
	mu    sync.Mutex
	fired bool
}

// Observe returns true the first time s is terminal (something classified,
// nothing pending) and false on every later call.
func (d *CompletionDetector) Observe(s imagery.BatchStatusSummary) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired || !s.Terminal() {
		return false
	}
	d.fired = true
	return true
}

// Fired reports whether completion has been observed.
func (d *CompletionDetector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
