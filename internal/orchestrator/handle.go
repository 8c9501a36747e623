package orchestrator

import (
	"context"
	"sync"
	"time"
)

// Handle tracks one launched worker.
type Handle struct {
	ID      string
	PID     int // 0 for in-process workers
	Started time.Time

	stop func() error
	kill func() error

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	err      error
	killed   bool
}

func newHandle(id string, pid int, stop, kill func() error) *Handle {
	return &Handle{
		ID:      id,
		PID:     pid,
		Started: time.Now(),
		stop:    stop,
		kill:    kill,
		done:    make(chan struct{}),
	}
}

// finish records how the worker ended. Only the first call counts.
func (h *Handle) finish(exitCode int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.exitCode = exitCode
	h.err = err
	close(h.done)
}

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the exit code and error. Valid after Done is closed.
func (h *Handle) Result() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.err
}

// Killed reports whether the orchestrator force-stopped the worker.
func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Stop asks the worker to finish its current step and exit.
func (h *Handle) Stop() error {
	return h.stop()
}

// Kill ends the worker without waiting for it to cooperate.
func (h *Handle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	return h.kill()
}

// Wait blocks until the worker exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (*Handle, error)
}
