// Package imagery holds the data model shared by the ingestion pipeline:
// image records, classification statuses, batch summaries and the
// task-grouped review projections returned by the backend.
//
// It also provides the pre-flight directory scan that finds drone images
// on disk and reads the EXIF fields the server-side classifier depends on.
package imagery

// Status is the classification state of a single image.
//
// Lifecycle: staged -> uploaded -> classifying -> one of the classifier
// terminal states (assigned, rejected, unmatched, invalid_exif, duplicate).
type Status string

const (
	StatusStaged      Status = "staged"
	StatusUploaded    Status = "uploaded"
	StatusClassifying Status = "classifying"
	StatusAssigned    Status = "assigned"
	StatusRejected    Status = "rejected"
	StatusUnmatched   Status = "unmatched"
	StatusInvalidEXIF Status = "invalid_exif"
	StatusDuplicate   Status = "duplicate"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusStaged,
	StatusUploaded,
	StatusClassifying,
	StatusAssigned,
	StatusRejected,
	StatusUnmatched,
	StatusInvalidEXIF,
	StatusDuplicate,
}

// IsClassified reports whether the classifier will not change s again on its own.
func (s Status) IsClassified() bool {
	switch s {
	case StatusAssigned, StatusRejected, StatusUnmatched, StatusInvalidEXIF, StatusDuplicate:
		return true
	}
	return false
}

// IsPending reports whether s is still waiting on the classifier.
func (s Status) IsPending() bool {
	return s == StatusUploaded || s == StatusClassifying
}

// CanOverride reports whether a reviewer may manually accept an image in state s.
func (s Status) CanOverride() bool {
	return s == StatusRejected || s == StatusInvalidEXIF
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := StatusStyles[s]
	return ok
}

// StatusStyle is the presentation hint for a status. Any renderer (CLI table,
// map layer, web view) reads these instead of switching on the status itself.
type StatusStyle struct {
	Color string
	Label string
}

// StatusStyles is the single status -> (color, label) lookup table.
var StatusStyles = map[Status]StatusStyle{
	StatusStaged:      {Color: "#9CA3AF", Label: "Staged"},
	StatusUploaded:    {Color: "#3B82F6", Label: "Uploaded"},
	StatusClassifying: {Color: "#F59E0B", Label: "Classifying"},
	StatusAssigned:    {Color: "#22C55E", Label: "Assigned"},
	StatusRejected:    {Color: "#EF4444", Label: "Rejected"},
	StatusUnmatched:   {Color: "#A855F7", Label: "Unmatched"},
	StatusInvalidEXIF: {Color: "#F97316", Label: "Invalid EXIF"},
	StatusDuplicate:   {Color: "#6B7280", Label: "Duplicate"},
}

var unknownStyle = StatusStyle{Color: "#000000", Label: "Unknown"}

// Style returns the presentation hint for s, or a neutral "Unknown" style
// for statuses this client does not know about.
func Style(s Status) StatusStyle {
	if st, ok := StatusStyles[s]; ok {
		return st
	}
	return unknownStyle
}
