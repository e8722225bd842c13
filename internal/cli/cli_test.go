package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpang/drone-ingest/internal/api"
	"github.com/fpang/drone-ingest/internal/batch"
	"github.com/fpang/drone-ingest/internal/imagery"
	"github.com/fpang/drone-ingest/internal/upload"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{59 * time.Second, "0:59"},
		{61 * time.Second, "1:01"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		if got := FormatDurationShort(tt.in); got != tt.want {
			t.Errorf("FormatDurationShort(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
		{2048 * 1024 * 1024 * 1024, "2048.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProgressBar(t *testing.T) {
	if got := ProgressBar(50); got != "[##########----------]" {
		t.Errorf("ProgressBar(50) = %q", got)
	}
	if got := ProgressBar(150); got != "["+strings.Repeat("#", 20)+"]" {
		t.Errorf("ProgressBar(150) = %q", got)
	}
	if got := ProgressBar(-1); got != "["+strings.Repeat("-", 20)+"]" {
		t.Errorf("ProgressBar(-1) = %q", got)
	}
}

func TestProgressLine(t *testing.T) {
	p := batch.Progress{
		Files: []batch.FileProgress{
			{Name: "a.jpg", State: upload.StateCompleted, BytesSent: 1024, Size: 1024},
			{Name: "b.jpg", State: upload.StateFailed, Size: 1024},
		},
		Completed:  1,
		Failed:     1,
		BytesSent:  1024,
		TotalBytes: 2048,
	}
	want := "[##########----------]  50% 1/2 files 1.0 KiB/2.0 KiB (1 failed)"
	if got := ProgressLine(p); got != want {
		t.Errorf("ProgressLine = %q, want %q", got, want)
	}
}

func TestSummaryLine(t *testing.T) {
	s := imagery.BatchStatusSummary{Total: 10, Classifying: 2, Assigned: 6, InvalidEXIF: 2}
	want := "classified 8/10 (Classifying 2, Assigned 6, Invalid EXIF 2)"
	if got := SummaryLine(s); got != want {
		t.Errorf("SummaryLine = %q, want %q", got, want)
	}
	if got := SummaryLine(imagery.BatchStatusSummary{}); got != "classified 0/0" {
		t.Errorf("empty SummaryLine = %q", got)
	}
}

func TestStatusCounts(t *testing.T) {
	counts := map[imagery.Status]int{imagery.StatusRejected: 1, imagery.StatusAssigned: 3, imagery.StatusUploaded: 0}
	if got := StatusCounts(counts); got != "Assigned 3, Rejected 1" {
		t.Errorf("StatusCounts = %q", got)
	}
	if got := StatusCounts(nil); got != "" {
		t.Errorf("StatusCounts(nil) = %q", got)
	}
}

func TestTaskLabel(t *testing.T) {
	id := "t7"
	idx := 3
	if got := TaskLabel(imagery.TaskGroup{TaskID: &id, ProjectTaskIndex: &idx}); got != "Task #3" {
		t.Errorf("got %q", got)
	}
	if got := TaskLabel(imagery.TaskGroup{TaskID: &id}); got != "Task t7" {
		t.Errorf("got %q", got)
	}
	if got := TaskLabel(imagery.TaskGroup{}); got != "Unassigned" {
		t.Errorf("got %q", got)
	}
}

func TestResolveDirectory(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveDirectory(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}

	if _, err := ResolveDirectory(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}

	file := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveDirectory(file); err == nil {
		t.Error("expected error for a file path")
	}
}

func TestExplain(t *testing.T) {
	if got := Explain(&api.Error{Op: "batch status", StatusCode: 401}); !strings.Contains(got, "rejected the API token") {
		t.Errorf("Explain(401) = %q", got)
	}
	if got := Explain(&api.Error{Op: "batch status", StatusCode: 503}); got != "Backend server error - try again later" {
		t.Errorf("Explain(503) = %q", got)
	}
	if got := Explain(errors.New("boom")); got != "boom" {
		t.Errorf("Explain(other) = %q", got)
	}
	if got := Explain(nil); got != "" {
		t.Errorf("Explain(nil) = %q", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"yes", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := Confirm(strings.NewReader(tt.input), &out, "Start processing?"); got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if out.String() != "Start processing? [y/N]: " {
			t.Errorf("prompt = %q", out.String())
		}
	}
}
