package batch

import "sync"

// NotifyState is the lifecycle of the "batch uploaded" notification.
type NotifyState int

const (
	NotifyIdle NotifyState = iota
	NotifyUploading
	NotifyNotified
)

func (s NotifyState) String() string {
	switch s {
	case NotifyIdle:
		return "idle"
	case NotifyUploading:
		return "uploading"
	case NotifyNotified:
		return "notified"
	}
	return "unknown"
}

// Notifier guards the success notification of one batch. It moves
// idle -> uploading -> notified; notified is only reachable from uploading
// and only Reset leaves it.
type Notifier struct {
	mu    sync.Mutex
	state NotifyState
}

// State returns the current state.
func (n *Notifier) State() NotifyState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Begin records that a file entered an active upload. It has no effect once
// the batch has been notified.
func (n *Notifier) Begin() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NotifyIdle {
		n.state = NotifyUploading
	}
}

// Notify reports whether the caller should announce success. It returns
// true exactly once per batch.
func (n *Notifier) Notify() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NotifyUploading {
		return false
	}
	n.state = NotifyNotified
	return true
}

// Reset returns to idle for a new batch.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = NotifyIdle
}
