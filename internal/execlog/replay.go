package execlog

import (
	"time"

	"github.com/Iron-Ham/grind/internal/queue"
)

// TaskState is the status of one task derived from its events.
type TaskState struct {
	Status    queue.Status
	Attempts  int
	WorkerID  string // worker of the latest event
	Result    string
	Model     string
	Error     string
	UpdatedAt time.Time
}

// StatusOf maps a terminal or in-progress event status onto the task status
// it produces. Aborted and requeued both lead back to pending.
func StatusOf(s EventStatus) queue.Status {
	switch s {
	case StatusInProgress:
		return queue.StatusInProgress
	case StatusCompleted:
		return queue.StatusCompleted
	case StatusFailed:
		return queue.StatusFailed
	default:
		return queue.StatusPending
	}
}

// Replay folds events in order into per-task state. Only the relative order
// of a task's own events matters. An aborted event only cancels an execution
// that is still in progress; after a completion or failure it is ignored.
func Replay(events []Event) map[string]TaskState {
	states := make(map[string]TaskState)
	for _, ev := range events {
		st := states[ev.TaskID]
		if ev.Status == StatusAborted && st.Status != queue.StatusInProgress {
			continue
		}
		st.Status = StatusOf(ev.Status)
		st.WorkerID = ev.WorkerID
		st.UpdatedAt = ev.Timestamp

		switch ev.Status {
		case StatusInProgress:
			st.Attempts++
			st.Result, st.Model, st.Error = "", "", ""
		case StatusCompleted:
			st.Result, st.Model, st.Error = ev.Result, ev.Model, ""
		case StatusFailed, StatusAborted:
			st.Error = ev.Error
		case StatusRequeued:
			st.Error = ""
		}
		states[ev.TaskID] = st
	}
	return states
}

// Statuses projects replayed state onto the status map queue.Claimable takes.
func Statuses(states map[string]TaskState) map[string]queue.Status {
	out := make(map[string]queue.Status, len(states))
	for id, st := range states {
		out[id] = st.Status
	}
	return out
}
