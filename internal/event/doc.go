// Package event is the in-process pub-sub bus the orchestrator uses to
// announce run lifecycle changes.
//
// Events are named "category.action":
//
//   - worker.started, worker.exited, worker.crashed, worker.aborted_task
//   - queue.progress, scaling.decision
//   - run.completed
//
// The bus is synchronous and safe for concurrent use. A handler that panics
// is logged and does not stop delivery to the others.
//
//	bus := event.NewBus(event.WithLogger(logger))
//	bus.Subscribe(event.TypeWorkerCrashed, func(e event.Event) {
//	    crashed := e.(event.WorkerCrashedEvent)
//	    fmt.Println(crashed.WorkerID, crashed.ExitCode)
//	})
package event
