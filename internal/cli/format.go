package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fpang/drone-ingest/internal/batch"
	"github.com/fpang/drone-ingest/internal/imagery"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

// FormatBytes renders a byte count with a binary unit (B, KiB, MiB, GiB).
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 2; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMG"[exp])
}

const barWidth = 20

// ProgressBar renders pct (0-100) as a fixed-width bar.
func ProgressBar(pct float64) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * barWidth)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

// ProgressLine is the one-line upload status printed while a batch runs.
func ProgressLine(p batch.Progress) string {
	line := fmt.Sprintf("%s %3.0f%% %d/%d files %s/%s",
		ProgressBar(p.Percent()), p.Percent(), p.Completed, len(p.Files),
		FormatBytes(p.BytesSent), FormatBytes(p.TotalBytes))
	if p.Failed > 0 {
		line += fmt.Sprintf(" (%d failed)", p.Failed)
	}
	if p.Canceled > 0 {
		line += fmt.Sprintf(" (%d canceled)", p.Canceled)
	}
	return line
}

// SummaryLine is the one-line classification status printed while watching
// a batch. Statuses with a zero count are left out.
func SummaryLine(s imagery.BatchStatusSummary) string {
	counts := make(map[imagery.Status]int, len(imagery.AllStatuses))
	for _, st := range imagery.AllStatuses {
		counts[st] = s.Count(st)
	}
	line := fmt.Sprintf("classified %d/%d", s.Classified(), s.Total)
	if c := StatusCounts(counts); c != "" {
		line += " (" + c + ")"
	}
	return line
}

// StatusCounts renders per-status counts in lifecycle order, for example
// "Assigned 3, Rejected 1". Zero counts are left out.
func StatusCounts(counts map[imagery.Status]int) string {
	var parts []string
	for _, st := range imagery.AllStatuses {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", imagery.Style(st).Label, n))
		}
	}
	return strings.Join(parts, ", ")
}

// TaskLabel names a review group. Groups without a task hold images the
// classifier could not place.
func TaskLabel(g imagery.TaskGroup) string {
	switch {
	case g.ProjectTaskIndex != nil:
		return fmt.Sprintf("Task #%d", *g.ProjectTaskIndex)
	case g.TaskID != nil:
		return "Task " + *g.TaskID
	default:
		return "Unassigned"
	}
}
