package scaling

import (
	"github.com/Iron-Ham/grind/internal/queue"
)

// Measure counts tasks by derived status and computes Runnable.
func Measure(q *queue.Queue, statuses map[string]queue.Status) Load {
	blocked := make(map[string]bool)
	for _, id := range queue.Blocked(q, statuses) {
		blocked[id] = true
	}

	var l Load
	for _, t := range q.Tasks {
		switch st := queue.StatusOf(statuses, t.ID); {
		case st == queue.StatusCompleted:
			l.Completed++
		case st == queue.StatusFailed:
			l.Failed++
		case blocked[t.ID]:
			l.Blocked++
		case st == queue.StatusInProgress:
			l.InProgress++
		default:
			l.Pending++
		}
	}
	l.Runnable = width(q, statuses, blocked)
	return l
}

// width layers the remaining tasks by dependency depth, ignoring completed
// dependencies, and returns the widest layer. Non-parallel-safe tasks of a
// layer count once.
func width(q *queue.Queue, statuses map[string]queue.Status, blocked map[string]bool) int {
	remaining := func(id string) bool {
		return !queue.StatusOf(statuses, id).IsTerminal() && !blocked[id]
	}

	depth := make(map[string]int)
	type layer struct{ parallel, serial int }
	var layers []layer

	for _, id := range queue.TopoOrder(q) {
		if !remaining(id) {
			continue
		}
		t, _ := q.Task(id)
		d := 0
		for _, dep := range t.DependsOn {
			if remaining(dep) {
				d = max(d, depth[dep]+1)
			}
		}
		depth[id] = d

		for len(layers) <= d {
			layers = append(layers, layer{})
		}
		if t.ParallelSafe {
			layers[d].parallel++
		} else {
			layers[d].serial++
		}
	}

	widest := 0
	for _, ly := range layers {
		widest = max(widest, ly.parallel+min(ly.serial, 1))
	}
	return widest
}
