package execlog

import (
	"fmt"
	"time"
)

// EventStatus is the transition an event records.
type EventStatus string

const (
	StatusInProgress EventStatus = "in_progress"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	// StatusAborted marks an execution killed past the shutdown deadline. It
	// is not an outcome; the task returns to pending.
	StatusAborted EventStatus = "aborted"
	// StatusRequeued is an operator's decision to run a failed task again.
	StatusRequeued EventStatus = "requeued"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed, StatusAborted, StatusRequeued:
		return true
	}
	return false
}

// Event is one immutable line of the execution log.
type Event struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	WorkerID  string      `json:"worker_id"`
	Status    EventStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Result    string      `json:"result,omitempty"`
	Model     string      `json:"model,omitempty"`
	Error     string      `json:"error,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
}

func (e *Event) validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("event task_id is required")
	}
	if e.WorkerID == "" {
		return fmt.Errorf("event worker_id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("event status %q is not valid", e.Status)
	}
	return nil
}
