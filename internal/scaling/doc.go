// Package scaling decides how many workers a run needs.
//
// The useful worker count is the number of tasks that could execute at the
// same moment: the widest dependency level among the tasks still to run,
// where all non-parallel-safe tasks of a level count as one because they
// serialize on the exclusive lock. [Policy] clamps that to configured bounds
// and is zero once nothing remains. [Monitor] re-evaluates the policy on
// every queue.progress event so a run can grow as dependencies complete.
//
//	policy := scaling.NewPolicy(scaling.WithMinWorkers(1), scaling.WithMaxWorkers(8))
//	d := policy.Evaluate(scaling.Measure(q, statuses), 0)
//	spawn(d.Workers)
package scaling
