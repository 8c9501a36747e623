package orchestrator

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Runner is the part of a worker the in-process launcher drives.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// InProcessLauncher runs workers on goroutines of the current process. A
// panicking worker is reported as a crash instead of taking the process
// down.
type InProcessLauncher struct {
	// NewRunner builds the worker for an id.
	NewRunner func(workerID string) (Runner, error)

	wg conc.WaitGroup
}

// Launch starts the worker. Stop is cooperative; Kill cancels the worker's
// context, which aborts an in-flight call.
func (l *InProcessLauncher) Launch(_ context.Context, workerID string) (*Handle, error) {
	if l.NewRunner == nil {
		return nil, fmt.Errorf("in-process launcher has no runner factory")
	}
	r, err := l.NewRunner(workerID)
	if err != nil {
		return nil, fmt.Errorf("create worker %s: %w", workerID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := newHandle(workerID, 0,
		func() error { r.Stop(); return nil },
		func() error { cancel(); return nil },
	)

	l.wg.Go(func() {
		defer cancel()

		var runErr error
		var pc panics.Catcher
		pc.Try(func() { runErr = r.Run(ctx) })

		switch rec := pc.Recovered(); {
		case rec != nil:
			h.finish(2, rec.AsError())
		case runErr != nil:
			h.finish(1, runErr)
		default:
			h.finish(0, nil)
		}
	})
	return h, nil
}

// Wait blocks until every launched worker has returned.
func (l *InProcessLauncher) Wait() {
	l.wg.Wait()
}
