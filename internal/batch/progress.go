package batch

import "github.com/fpang/drone-ingest/internal/upload"

// FileProgress is the last observed state of one file.
type FileProgress struct {
	Name      string
	State     upload.State
	BytesSent int64
	Size      int64
	Err       error
}

// Percent is the share of the file acknowledged, 0 to 100.
func (f FileProgress) Percent() float64 {
	return upload.Event{State: f.State, BytesSent: f.BytesSent, Size: f.Size}.Percent()
}

// Progress aggregates every file of a run.
type Progress struct {
	BatchID    string
	Files      []FileProgress
	Pending    int
	Uploading  int
	Completed  int
	Failed     int
	Canceled   int
	BytesSent  int64
	TotalBytes int64
}

// Percent is the byte-weighted share of the run acknowledged.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		if len(p.Files) > 0 && p.Completed == len(p.Files) {
			return 100
		}
		return 0
	}
	return float64(p.BytesSent) * 100 / float64(p.TotalBytes)
}

// Done reports whether every file reached a terminal state.
func (p Progress) Done() bool {
	return p.Pending == 0 && p.Uploading == 0
}

// aggregate derives counts from per-file state.
func aggregate(batchID string, files []FileProgress) Progress {
	p := Progress{BatchID: batchID, Files: append([]FileProgress(nil), files...)}
	for _, f := range files {
		p.BytesSent += f.BytesSent
		p.TotalBytes += f.Size
		switch f.State {
		case upload.StatePending:
			p.Pending++
		case upload.StateUploading:
			p.Uploading++
		case upload.StateCompleted:
			p.Completed++
		case upload.StateFailed:
			p.Failed++
		case upload.StateCanceled:
			p.Canceled++
		}
	}
	return p
}
