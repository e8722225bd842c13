// Package journal records in-progress multipart uploads so an interrupted
// run can resume them instead of uploading every part again.
//
// A session is keyed by project, file name and size. The coordinator writes
// the session after initiating, records each acknowledged part, and deletes
// the session once the upload completes or is aborted. On the next run a
// journaled session is resumed: the server's list-parts answer decides which
// parts are skipped, the journal only remembers the upload handle.
package journal

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// TTL bounds how long an abandoned session is remembered. Storage backends
// expire incomplete multipart uploads on a similar horizon.
const TTL = 7 * 24 * time.Hour

// Session is one journaled multipart upload.
type Session struct {
	Key       string `dynamodbav:"-" json:"key"`
	ProjectID string `dynamodbav:"projectId" json:"project_id"`
	FileName  string `dynamodbav:"fileName" json:"file_name"`
	Size      int64  `dynamodbav:"size" json:"size"`
	UploadID  string `dynamodbav:"uploadId" json:"upload_id"`
	FileKey   string `dynamodbav:"fileKey" json:"file_key"`
	Staging   bool   `dynamodbav:"staging" json:"staging"`
	TaskID    string `dynamodbav:"taskId,omitempty" json:"task_id,omitempty"`
	BatchID   string `dynamodbav:"batchId,omitempty" json:"batch_id,omitempty"`
	PartSize  int64  `dynamodbav:"partSize" json:"part_size"`
	CreatedAt int64  `dynamodbav:"createdAt" json:"created_at"`

	// Parts holds the parts recorded so far, ascending by number.
	Parts []Part `dynamodbav:"-" json:"parts"`
}

// Part is one acknowledged part.
type Part struct {
	Number int    `dynamodbav:"partNumber" json:"part_number"`
	ETag   string `dynamodbav:"etag" json:"etag"`
}

// Journal persists upload sessions. Get returns (nil, nil) when no session
// exists for key.
type Journal interface {
	Put(ctx context.Context, s *Session) error
	Get(ctx context.Context, key string) (*Session, error)
	RecordPart(ctx context.Context, key string, p Part) error
	Delete(ctx context.Context, key string) error
}

// Key identifies a local file within a project.
func Key(projectID, fileName string, size int64) string {
	return projectID + "/" + fileName + "/" + strconv.FormatInt(size, 10)
}

// MemoryJournal keeps sessions for the lifetime of the process.
type MemoryJournal struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal returns an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{sessions: make(map[string]*Session)}
}

func (m *MemoryJournal) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().Unix()
	}
	cp.Parts = append([]Part(nil), s.Parts...)
	m.sessions[s.Key] = &cp
	return nil
}

func (m *MemoryJournal) Get(ctx context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Parts = append([]Part(nil), s.Parts...)
	return &cp, nil
}

// RecordPart adds or replaces a part. Recording against an unknown key is a
// no-op: the session was already completed or aborted.
func (m *MemoryJournal) RecordPart(ctx context.Context, key string, p Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	s.Parts = upsertPart(s.Parts, p)
	return nil
}

func (m *MemoryJournal) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

func upsertPart(parts []Part, p Part) []Part {
	for i := range parts {
		if parts[i].Number == p.Number {
			parts[i] = p
			return parts
		}
	}
	parts = append(parts, p)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}
