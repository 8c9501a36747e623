package event

import "time"

// Event types.
const (
	TypeWorkerStarted     = "worker.started"
	TypeWorkerExited      = "worker.exited"
	TypeWorkerCrashed     = "worker.crashed"
	TypeWorkerAbortedTask = "worker.aborted_task"
	TypeQueueProgress     = "queue.progress"
	TypeScalingDecision   = "scaling.decision"
	TypeRunCompleted      = "run.completed"
)

// Event is anything published on a Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// WorkerStartedEvent is published once a worker is running.
type WorkerStartedEvent struct {
	baseEvent
	WorkerID string
	PID      int // 0 for in-process workers
}

// NewWorkerStartedEvent creates a WorkerStartedEvent.
func NewWorkerStartedEvent(workerID string, pid int) WorkerStartedEvent {
	return WorkerStartedEvent{
		baseEvent: newBaseEvent(TypeWorkerStarted),
		WorkerID:  workerID,
		PID:       pid,
	}
}

// WorkerExitedEvent is published when a worker returns cleanly.
type WorkerExitedEvent struct {
	baseEvent
	WorkerID string
}

// NewWorkerExitedEvent creates a WorkerExitedEvent.
func NewWorkerExitedEvent(workerID string) WorkerExitedEvent {
	return WorkerExitedEvent{baseEvent: newBaseEvent(TypeWorkerExited), WorkerID: workerID}
}

// WorkerCrashedEvent is published when a worker exits with an error, a
// non-zero status, a panic, or is killed.
type WorkerCrashedEvent struct {
	baseEvent
	WorkerID string
	ExitCode int
	Error    string
}

// NewWorkerCrashedEvent creates a WorkerCrashedEvent.
func NewWorkerCrashedEvent(workerID string, exitCode int, errMsg string) WorkerCrashedEvent {
	return WorkerCrashedEvent{
		baseEvent: newBaseEvent(TypeWorkerCrashed),
		WorkerID:  workerID,
		ExitCode:  exitCode,
		Error:     errMsg,
	}
}

// TaskAbortedEvent is published when the orchestrator records an aborted
// execution for a worker it had to kill.
type TaskAbortedEvent struct {
	baseEvent
	WorkerID string
	TaskID   string
}

// NewTaskAbortedEvent creates a TaskAbortedEvent.
func NewTaskAbortedEvent(workerID, taskID string) TaskAbortedEvent {
	return TaskAbortedEvent{
		baseEvent: newBaseEvent(TypeWorkerAbortedTask),
		WorkerID:  workerID,
		TaskID:    taskID,
	}
}

// QueueProgressEvent carries task counts derived from the execution log.
type QueueProgressEvent struct {
	baseEvent
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Blocked    int
	// Runnable is how many tasks could execute at once right now.
	Runnable int
}

// NewQueueProgressEvent creates a QueueProgressEvent.
func NewQueueProgressEvent(pending, inProgress, completed, failed, blocked, runnable int) QueueProgressEvent {
	return QueueProgressEvent{
		baseEvent:  newBaseEvent(TypeQueueProgress),
		Pending:    pending,
		InProgress: inProgress,
		Completed:  completed,
		Failed:     failed,
		Blocked:    blocked,
		Runnable:   runnable,
	}
}

// ScalingDecisionEvent records a change in the recommended worker count.
type ScalingDecisionEvent struct {
	baseEvent
	Action  string
	Delta   int
	Workers int
	Reason  string
}

// NewScalingDecisionEvent creates a ScalingDecisionEvent.
func NewScalingDecisionEvent(action string, delta, workers int, reason string) ScalingDecisionEvent {
	return ScalingDecisionEvent{
		baseEvent: newBaseEvent(TypeScalingDecision),
		Action:    action,
		Delta:     delta,
		Workers:   workers,
		Reason:    reason,
	}
}

// RunCompletedEvent is published when every worker of a run has exited.
type RunCompletedEvent struct {
	baseEvent
	Workers   int
	Crashed   int
	Completed int
	Failed    int
	Remaining int
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(workers, crashed, completed, failed, remaining int) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent: newBaseEvent(TypeRunCompleted),
		Workers:   workers,
		Crashed:   crashed,
		Completed: completed,
		Failed:    failed,
		Remaining: remaining,
	}
}
