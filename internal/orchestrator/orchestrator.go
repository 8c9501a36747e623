// Package orchestrator validates a queue, sizes a worker pool from its
// dependency graph, launches and supervises the workers, and shuts them
// down.
//
// Workers coordinate only through the lock store and the execution log; the
// orchestrator never assigns tasks. It does clean up after workers it knows
// are gone: locks left by a crashed or killed worker are released, with an
// aborted event for the execution that was cut short.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/event"
	"github.com/Iron-Ham/grind/internal/execlog"
	"github.com/Iron-Ham/grind/internal/lockstore"
	"github.com/Iron-Ham/grind/internal/logging"
	"github.com/Iron-Ham/grind/internal/queue"
	"github.com/Iron-Ham/grind/internal/scaling"
	"github.com/Iron-Ham/grind/internal/worker"
)

const (
	defaultShutdownGrace    = 30 * time.Second
	defaultProgressInterval = time.Second
	// killWait bounds how long a killed worker may take to disappear.
	killWait = 5 * time.Second
)

// Config holds orchestrator settings.
type Config struct {
	QueuePath        string
	Models           []string
	MinWorkers       int
	MaxWorkers       int
	ShutdownGrace    time.Duration
	ProgressInterval time.Duration
}

// Orchestrator runs one queue.
type Orchestrator struct {
	cfg      Config
	locks    *lockstore.Store
	log      *execlog.Log
	launcher Launcher
	bus      *event.Bus
	policy   *scaling.Policy
	logger   *logging.Logger

	mu       sync.Mutex
	handles  []*Handle
	reported int
	snapshot *queue.Queue
	stopping bool
	exits    chan *Handle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithBus publishes lifecycle events on bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithPolicy replaces the scaling policy built from Config.
func WithPolicy(p *scaling.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// New creates an orchestrator.
func New(cfg Config, locks *lockstore.Store, log *execlog.Log, launcher Launcher, opts ...Option) (*Orchestrator, error) {
	if cfg.QueuePath == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if locks == nil || log == nil || launcher == nil {
		return nil, fmt.Errorf("orchestrator needs a lock store, an execution log and a launcher")
	}
	if cfg.MinWorkers < 0 || cfg.MaxWorkers < 1 || cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("invalid worker bounds %d..%d", cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	o := &Orchestrator{
		cfg:      cfg,
		locks:    locks,
		log:      log,
		launcher: launcher,
		logger:   logging.NopLogger(),
		// Spawned workers never exceed MaxWorkers, so exits never block.
		exits: make(chan *Handle, cfg.MaxWorkers),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = event.NewBus(event.WithLogger(o.logger))
	}
	if o.policy == nil {
		o.policy = scaling.NewPolicy(
			scaling.WithMinWorkers(cfg.MinWorkers),
			scaling.WithMaxWorkers(cfg.MaxWorkers),
		)
	}
	return o, nil
}

// Bus returns the event bus lifecycle events are published on.
func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// Validate loads and checks the queue at path. With rewrite set, a valid
// queue is written back in normalized form.
func Validate(path string, rewrite bool, opts ...queue.Option) (*queue.Queue, error) {
	q, err := queue.Load(path, opts...)
	if err != nil {
		return nil, err
	}
	if rewrite {
		if err := queue.Save(q, path); err != nil {
			return nil, fmt.Errorf("rewrite queue: %w", err)
		}
	}
	return q, nil
}

// Plan sizes the pool for q given the statuses derived from the log.
func (o *Orchestrator) Plan(q *queue.Queue, statuses map[string]queue.Status) scaling.Decision {
	return o.policy.Evaluate(scaling.Measure(q, statuses), o.spawned())
}

func (o *Orchestrator) spawned() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func (o *Orchestrator) live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles) - o.reported
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

// Spawn launches up to n workers, never more than MaxWorkers over the life
// of the run. Workers launched before a failure are returned with the error.
func (o *Orchestrator) Spawn(ctx context.Context, n int) ([]*Handle, error) {
	var started []*Handle
	for range n {
		o.mu.Lock()
		seq := len(o.handles)
		full := seq >= o.cfg.MaxWorkers
		o.mu.Unlock()
		if full {
			break
		}

		h, err := o.launcher.Launch(ctx, worker.NewID(seq))
		if err != nil {
			return started, err
		}

		o.mu.Lock()
		o.handles = append(o.handles, h)
		o.mu.Unlock()
		go func() {
			<-h.Done()
			o.exits <- h
		}()

		o.logger.WithWorker(h.ID).Info("worker started", "pid", h.PID)
		o.bus.Publish(event.NewWorkerStartedEvent(h.ID, h.PID))
		started = append(started, h)
	}
	return started, nil
}

// Supervise waits for every worker to exit, growing the pool when the
// runnable width grows. Cancelling ctx starts a Shutdown. Crashed workers
// are reported and never restarted.
func (o *Orchestrator) Supervise(ctx context.Context) Report {
	var report Report

	monitor := scaling.NewMonitor(o.bus, o.policy, o.spawned())
	monitor.OnDecision(func(d scaling.Decision) {
		if o.isStopping() {
			return
		}
		n := d.Workers - o.spawned()
		if n <= 0 {
			return
		}
		o.logger.Info("scaling up", "workers", d.Workers, "reason", d.Reason)
		if _, err := o.Spawn(ctx, n); err != nil {
			o.logger.Error("failed to start worker", "error", err.Error())
		}
		monitor.SetCurrentWorkers(o.spawned())
	})
	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Start(monCtx)

	ticker := time.NewTicker(o.cfg.ProgressInterval)
	defer ticker.Stop()

	cancelled := ctx.Done()
	for o.live() > 0 {
		select {
		case h := <-o.exits:
			o.record(&report, h)
		case <-ticker.C:
			o.progress()
		case <-cancelled:
			cancelled = nil
			o.logger.Info("shutdown requested", "grace", o.cfg.ShutdownGrace.String())
			res := o.Shutdown(context.Background(), o.cfg.ShutdownGrace)
			report.Killed = append(report.Killed, res.Killed...)
			report.Aborted = append(report.Aborted, res.Aborted...)
		}
	}

	report.Workers = o.spawned()
	report.Load = o.progress()
	o.bus.Publish(event.NewRunCompletedEvent(report.Workers, len(report.Crashes),
		report.Load.Completed, report.Load.Failed, report.Load.Remaining()+report.Load.Blocked))
	o.logger.Info("run finished",
		"workers", report.Workers,
		"crashed", len(report.Crashes),
		"completed", report.Load.Completed,
		"failed", report.Load.Failed,
		"blocked", report.Load.Blocked,
		"remaining", report.Load.Remaining(),
	)
	return report
}

func (o *Orchestrator) record(report *Report, h *Handle) {
	o.mu.Lock()
	o.reported++
	o.mu.Unlock()

	logger := o.logger.WithWorker(h.ID)
	code, err := h.Result()
	switch {
	case h.Killed():
		logger.Warn("worker killed", "exit_code", code)
		o.bus.Publish(event.NewWorkerExitedEvent(h.ID))
	case err == nil && code == 0:
		logger.Info("worker exited")
		report.Exited = append(report.Exited, h.ID)
		o.bus.Publish(event.NewWorkerExitedEvent(h.ID))
	default:
		crash := errors.NewWorkerCrashError(h.ID, code, err)
		logger.Failure("worker crashed", crash, "exit_code", code)
		report.Crashes = append(report.Crashes, crash)
		o.bus.Publish(event.NewWorkerCrashedEvent(h.ID, code, crash.Error()))

		aborted, rerr := o.recoverLocks(h.ID, "worker crashed")
		if rerr != nil {
			logger.Error("failed to release locks of crashed worker", "error", rerr.Error())
		}
		report.Aborted = append(report.Aborted, aborted...)
	}
}

// progress publishes the current load. A queue that fails to reload keeps
// the previous snapshot.
func (o *Orchestrator) progress() scaling.Load {
	q, err := queue.Load(o.cfg.QueuePath, queue.WithModels(o.cfg.Models))

	o.mu.Lock()
	if err == nil {
		o.snapshot = q
	} else if o.snapshot != nil {
		o.logger.Error("queue reload failed, keeping previous snapshot", "error", err.Error())
	}
	q = o.snapshot
	o.mu.Unlock()
	if q == nil {
		return scaling.Load{}
	}

	states, err := o.log.States()
	if err != nil {
		o.logger.Error("failed to read execution log", "error", err.Error())
		return scaling.Load{}
	}

	load := scaling.Measure(q, execlog.Statuses(states))
	o.bus.Publish(event.NewQueueProgressEvent(load.Pending, load.InProgress, load.Completed,
		load.Failed, load.Blocked, load.Runnable))
	return load
}

// ShutdownResult lists what a Shutdown had to force.
type ShutdownResult struct {
	Killed  []string
	Aborted []string
}

// Shutdown asks every worker to stop, waits up to grace, then kills the
// survivors. Each lock a killed worker still holds gets an aborted event
// and is released.
func (o *Orchestrator) Shutdown(ctx context.Context, grace time.Duration) ShutdownResult {
	o.mu.Lock()
	o.stopping = true
	handles := slices.Clone(o.handles)
	o.mu.Unlock()

	for _, h := range handles {
		if err := h.Stop(); err != nil {
			o.logger.WithWorker(h.ID).Warn("failed to signal worker", "error", err.Error())
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	var res ShutdownResult
	var killed []*Handle
	for _, h := range handles {
		if h.Wait(graceCtx) == nil {
			continue
		}
		o.logger.WithWorker(h.ID).Warn("worker did not stop within grace period, killing")
		if err := h.Kill(); err != nil {
			o.logger.WithWorker(h.ID).Error("failed to kill worker", "error", err.Error())
		}
		killed = append(killed, h)
		res.Killed = append(res.Killed, h.ID)
	}

	for _, h := range killed {
		waitCtx, cancel := context.WithTimeout(ctx, killWait)
		err := h.Wait(waitCtx)
		cancel()
		if err != nil {
			// Still alive; its locks are not ours to take.
			o.logger.WithWorker(h.ID).Error("killed worker did not exit")
			continue
		}
		aborted, err := o.recoverLocks(h.ID, "killed after shutdown grace period")
		if err != nil {
			o.logger.WithWorker(h.ID).Error("failed to release locks of killed worker", "error", err.Error())
		}
		res.Aborted = append(res.Aborted, aborted...)
	}
	return res
}

// recoverLocks releases the locks of a worker that is known to be gone. An
// execution it still had in progress is recorded as aborted so the task
// returns to pending. A lock on a task the log shows finished, or running
// under another worker, is only released.
func (o *Orchestrator) recoverLocks(workerID, reason string) ([]string, error) {
	held, err := o.locks.HeldBy(workerID)
	if err != nil {
		return nil, err
	}

	var states map[string]execlog.TaskState
	if len(held) > 0 {
		if states, err = o.log.States(); err != nil {
			return nil, err
		}
	}

	var aborted []string
	var errs []error
	for _, l := range held {
		st := states[l.TaskID]
		if st.Status == queue.StatusInProgress && st.WorkerID == workerID {
			if _, err := o.log.Append(execlog.Event{
				TaskID:   l.TaskID,
				WorkerID: workerID,
				Status:   execlog.StatusAborted,
				Error:    reason,
				Attempt:  st.Attempts,
			}); err != nil {
				errs = append(errs, err)
				continue
			}
			aborted = append(aborted, l.TaskID)
			o.logger.WithWorker(workerID).WithTask(l.TaskID).Warn("execution aborted", "reason", reason)
			o.bus.Publish(event.NewTaskAbortedEvent(workerID, l.TaskID))
		}
		if err := o.locks.ForceRelease(l.TaskID, workerID); err != nil {
			errs = append(errs, err)
		}
	}

	if ex, err := o.locks.Exclusive(); err == nil && ex.WorkerID == workerID {
		if err := o.locks.ExclusiveUnlock(workerID); err != nil {
			errs = append(errs, err)
		}
	}
	return aborted, errors.Join(errs...)
}

// Run validates the queue, spawns the planned pool and supervises it until
// every worker has exited. The error is non-nil if the queue is invalid, no
// worker could be started, or a worker crashed.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	q, err := Validate(o.cfg.QueuePath, false, queue.WithModels(o.cfg.Models))
	if err != nil {
		return Report{}, err
	}
	o.mu.Lock()
	o.snapshot = q
	o.mu.Unlock()

	states, err := o.log.States()
	if err != nil {
		return Report{}, fmt.Errorf("read execution log: %w", err)
	}

	d := o.Plan(q, execlog.Statuses(states))
	o.logger.WithQueue(q.Name).Info("run planned", "workers", d.Workers, "tasks", len(q.Tasks), "reason", d.Reason)
	if d.Workers == 0 {
		load := scaling.Measure(q, execlog.Statuses(states))
		o.bus.Publish(event.NewRunCompletedEvent(0, 0, load.Completed, load.Failed, load.Blocked))
		return Report{Load: load}, nil
	}

	if _, err := o.Spawn(ctx, d.Workers); err != nil {
		o.logger.Error("failed to start workers", "error", err.Error())
		if o.spawned() == 0 {
			return Report{}, fmt.Errorf("start workers: %w", err)
		}
	}

	report := o.Supervise(ctx)
	return report, report.Err()
}
