package scaling

// Action is a recommended change in worker count.
type Action string

const (
	// ActionScaleUp means more workers would find work.
	ActionScaleUp Action = "scale_up"

	// ActionNone means the current count is enough. Idle workers are never
	// stopped; they exit on their own once the queue settles.
	ActionNone Action = "none"
)

func (a Action) String() string {
	return string(a)
}

// Decision is the result of evaluating a Policy.
type Decision struct {
	Action Action

	// Workers is the target worker count.
	Workers int

	// Delta is how many workers to add. Zero for ActionNone.
	Delta int

	Reason string
}

// Load summarizes a queue against its execution log.
type Load struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	// Blocked counts pending tasks behind a failed dependency. They are not
	// in Pending.
	Blocked int
	// Runnable is the widest set of remaining tasks that could run at once.
	Runnable int
}

// Remaining is the number of tasks that may still execute.
func (l Load) Remaining() int {
	return l.Pending + l.InProgress
}
