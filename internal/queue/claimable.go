package queue

// StatusOf returns the derived status for id, pending when the log has no
// record of it.
func StatusOf(states map[string]Status, id string) Status {
	if s, ok := states[id]; ok {
		return s
	}
	return StatusPending
}

// Claimable returns, in queue order, the tasks a worker may try to claim
// given the statuses derived from the execution log:
//
//   - the task is neither completed nor failed,
//   - every dependency is completed,
//   - a task that is not parallel-safe is skipped while the exclusive lock is held.
//
// In-progress tasks stay in the set so a crashed owner's task can be
// reclaimed through its stale lock; a live owner turns the attempt into a
// claim conflict at the lock store.
func Claimable(q *Queue, states map[string]Status, exclusiveHeld bool) []string {
	var out []string
	for _, t := range q.Tasks {
		if StatusOf(states, t.ID).IsTerminal() {
			continue
		}
		if !t.ParallelSafe && exclusiveHeld {
			continue
		}
		if !depsCompleted(t, states) {
			continue
		}
		out = append(out, t.ID)
	}
	return out
}

func depsCompleted(t *Task, states map[string]Status) bool {
	for _, dep := range t.DependsOn {
		if StatusOf(states, dep) != StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked returns, in queue order, non-terminal tasks that can never run
// because a dependency failed, directly or transitively.
func Blocked(q *Queue, states map[string]Status) []string {
	blocked := make(map[string]bool)
	for _, id := range TopoOrder(q) {
		t, _ := q.Task(id)
		if StatusOf(states, id).IsTerminal() {
			continue
		}
		for _, dep := range t.DependsOn {
			if StatusOf(states, dep) == StatusFailed || blocked[dep] {
				blocked[id] = true
				break
			}
		}
	}

	var out []string
	for _, t := range q.Tasks {
		if blocked[t.ID] {
			out = append(out, t.ID)
		}
	}
	return out
}

// Settled reports whether the run has nothing left to do: every task is
// completed, failed, or blocked behind a failure.
func Settled(q *Queue, states map[string]Status) bool {
	blocked := Blocked(q, states)
	open := len(q.Tasks) - len(blocked)
	for _, t := range q.Tasks {
		if StatusOf(states, t.ID).IsTerminal() {
			open--
		}
	}
	return open == 0
}
