package worker

// State is where the worker is in its poll cycle.
type State string

const (
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateClaiming  State = "claiming"
	StateExecuting State = "executing"
	StateLogging   State = "logging"
	StateStopped   State = "stopped"
)

// OutcomeKind classifies one pass of Step.
type OutcomeKind int

const (
	// OutcomeIdle means nothing could be claimed.
	OutcomeIdle OutcomeKind = iota
	// OutcomeExecuted means a task ran and its result was recorded.
	OutcomeExecuted
	// OutcomeRaced means a claim was won for a task that reached a terminal
	// state in the meantime; the lock was given back.
	OutcomeRaced
	// OutcomeDrained means every task is terminal or blocked behind a failure.
	OutcomeDrained
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIdle:
		return "idle"
	case OutcomeExecuted:
		return "executed"
	case OutcomeRaced:
		return "raced"
	case OutcomeDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Outcome reports what a Step did.
type Outcome struct {
	Kind   OutcomeKind
	TaskID string
	// Status is the event recorded for TaskID when Kind is OutcomeExecuted.
	Status string
}
