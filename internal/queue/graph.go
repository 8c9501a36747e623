package queue

import "container/heap"

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// graph is the dependency graph over queue positions. deps[i] lists the
// positions task i depends on; dependents is the reverse.
type graph struct {
	ids        []string
	deps       [][]int
	dependents [][]int
}

func buildGraph(q *Queue) *graph {
	pos := make(map[string]int, len(q.Tasks))
	for i, t := range q.Tasks {
		pos[t.ID] = i
	}
	g := &graph{
		ids:        q.IDs(),
		deps:       make([][]int, len(q.Tasks)),
		dependents: make([][]int, len(q.Tasks)),
	}
	for i, t := range q.Tasks {
		for _, dep := range t.DependsOn {
			j, ok := pos[dep]
			if !ok {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	return g
}

// order is Kahn's algorithm with a min-heap on queue position, so ties
// resolve to queue order. A result shorter than the task count means a cycle.
func (g *graph) order() []int {
	indeg := make([]int, len(g.ids))
	for i := range g.deps {
		indeg[i] = len(g.deps[i])
	}

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(g.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// witness walks depends_on edges depth-first in queue order and returns the
// first cycle found as ids, first and last equal: [a b a] reads "a depends
// on b, b depends on a".
func (g *graph) witness() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.ids))
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = gray
		for _, v := range g.deps[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if visit(v) {
					return true
				}
			case gray:
				// Back edge u -> v closes v -> ... -> u -> v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.ids {
		if color[i] == white && visit(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}

	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.ids[cycle[len(cycle)-1-i]]
	}
	return out
}

func findCycle(q *Queue) []string {
	g := buildGraph(q)
	if len(g.order()) == len(g.ids) {
		return nil
	}
	return g.witness()
}

// TopoOrder returns task ids with every task after its dependencies. Among
// tasks whose dependencies are satisfied, queue order wins.
func TopoOrder(q *Queue) []string {
	g := buildGraph(q)
	order := g.order()
	out := make([]string, len(order))
	for i, n := range order {
		out[i] = g.ids[n]
	}
	return out
}

// Levels groups task ids by dependency depth: level 0 has no dependencies,
// level k depends on something at level k-1. Ids within a level keep queue
// order. The queue must be acyclic.
func Levels(q *Queue) [][]string {
	g := buildGraph(q)
	depth := make([]int, len(g.ids))
	maxDepth := -1
	for _, n := range g.order() {
		for _, d := range g.deps[n] {
			if depth[d]+1 > depth[n] {
				depth[n] = depth[d] + 1
			}
		}
		if depth[n] > maxDepth {
			maxDepth = depth[n]
		}
	}

	levels := make([][]string, maxDepth+1)
	for i, id := range g.ids {
		levels[depth[i]] = append(levels[depth[i]], id)
	}
	return levels
}
