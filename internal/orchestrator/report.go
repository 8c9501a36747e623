package orchestrator

import (
	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/scaling"
)

// Report summarizes a supervised run.
type Report struct {
	Workers int
	Exited  []string
	Crashes []*errors.WorkerCrashError
	// Killed lists workers force-stopped after the shutdown grace period.
	Killed []string
	// Aborted lists tasks whose executions were recorded as aborted on
	// behalf of crashed or killed workers.
	Aborted []string
	Load    scaling.Load
}

// Err joins the crashes, or returns nil if there were none.
func (r Report) Err() error {
	if len(r.Crashes) == 0 {
		return nil
	}
	errs := make([]error, len(r.Crashes))
	for i, c := range r.Crashes {
		errs[i] = c
	}
	return errors.Join(errs...)
}
