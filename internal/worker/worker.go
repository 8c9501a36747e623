// Package worker runs the claim, execute and record cycle against one queue.
//
// A worker holds no state that matters between polls. Each Step reloads the
// queue, replays the execution log, and derives what it may claim; the lock
// store decides who wins. After a win the worker appends in_progress, calls
// inference, appends exactly one outcome and releases its locks.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/execlog"
	"github.com/Iron-Ham/grind/internal/inference"
	"github.com/Iron-Ham/grind/internal/lockstore"
	"github.com/Iron-Ham/grind/internal/logging"
	"github.com/Iron-Ham/grind/internal/queue"
)

const (
	defaultPollInterval     = 500 * time.Millisecond
	defaultMaxBackoff       = 10 * time.Second
	defaultInferenceTimeout = 5 * time.Minute
)

// Config holds per-worker settings.
type Config struct {
	ID        string
	QueuePath string
	// Models is the inference allow-list the queue is validated against.
	Models           []string
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	InferenceTimeout time.Duration
	// ExitWhenDrained makes Run return once every task is completed, failed,
	// or blocked behind a failure.
	ExitWhenDrained bool
	// Watch wakes an idle worker on changes to the log and lock directories.
	Watch bool
}

// Worker executes tasks from one queue.
type Worker struct {
	cfg    Config
	locks  *lockstore.Store
	log    *execlog.Log
	client inference.Client
	logger *logging.Logger

	mu       sync.Mutex
	state    State
	snapshot *queue.Queue

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *logging.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New creates a worker.
func New(cfg Config, locks *lockstore.Store, log *execlog.Log, client inference.Client, opts ...Option) (*Worker, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if cfg.QueuePath == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if locks == nil || log == nil || client == nil {
		return nil, fmt.Errorf("worker needs a lock store, an execution log and an inference client")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.PollInterval)
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = defaultInferenceTimeout
	}

	w := &Worker{
		cfg:    cfg,
		locks:  locks,
		log:    log,
		client: client,
		logger: logging.NopLogger(),
		state:  StateIdle,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithWorker(cfg.ID)
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.cfg.ID }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Stop asks the worker to finish its current step and return. An in-flight
// inference call is left to complete or time out.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Run polls until Stop is called, ctx is cancelled, the queue drains with
// ExitWhenDrained set, or a fatal error occurs. Cancelling ctx is the hard
// abort: an in-flight call is cut off and recorded as aborted.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)
	w.logger.Info("worker started", "queue", w.cfg.QueuePath)

	var wake <-chan struct{}
	if w.cfg.Watch {
		wk, err := newWaker(w.logger, filepath.Dir(w.log.Path()), w.locks.Dir())
		if err != nil {
			w.logger.Warn("file watching unavailable, polling only", "error", err.Error())
		} else {
			defer wk.stop()
			wake = wk.C()
		}
	}

	backoff := w.cfg.PollInterval
	for {
		if w.stopping() || ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		out, err := w.Step(ctx)
		if err != nil {
			if w.fatal(err) {
				return err
			}
			out = Outcome{Kind: OutcomeIdle}
		}

		switch out.Kind {
		case OutcomeExecuted, OutcomeRaced:
			backoff = w.cfg.PollInterval
			continue
		case OutcomeDrained:
			if w.cfg.ExitWhenDrained {
				w.logger.Info("queue drained")
				return nil
			}
		}

		w.setState(StateIdle)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
		case <-w.stopCh:
		case <-wake:
			w.logger.Debug("woken by file activity")
		case <-timer.C:
			backoff = min(backoff*2, w.cfg.MaxBackoff)
		}
		timer.Stop()
	}
}

// fatal logs a failed step and reports whether it ends the worker. Only
// errors.IsFatal errors do; the rest are retried after the usual backoff.
func (w *Worker) fatal(err error) bool {
	if errors.IsFatal(err) {
		w.logger.Failure("worker terminated", err)
		return true
	}
	w.logger.Failure("step failed, retrying", err)
	return false
}

// Step performs one scan and, if something is claimable, one execution.
// Run decides with errors.IsFatal whether a returned error ends the worker.
func (w *Worker) Step(ctx context.Context) (Outcome, error) {
	w.setState(StateScanning)

	q, err := w.reload()
	if err != nil {
		return Outcome{}, err
	}
	states, err := w.log.States()
	if err != nil {
		return Outcome{}, fmt.Errorf("read execution log: %w", err)
	}
	statuses := execlog.Statuses(states)

	if err := w.sweep(q, statuses); err != nil {
		return Outcome{}, err
	}
	if queue.Settled(q, statuses) {
		return Outcome{Kind: OutcomeDrained}, nil
	}

	held, err := w.locks.ExclusiveHeld()
	if err != nil {
		return Outcome{}, fmt.Errorf("check exclusive lock: %w", err)
	}

	w.setState(StateClaiming)
	for _, id := range queue.Claimable(q, statuses, held) {
		if w.stopping() || ctx.Err() != nil {
			break
		}
		t, _ := q.Task(id)
		won, err := w.claim(t)
		if err != nil {
			return Outcome{}, err
		}
		if won {
			return w.execute(ctx, t)
		}
	}
	return Outcome{Kind: OutcomeIdle}, nil
}

// reload refreshes the queue snapshot. Once a snapshot exists, a failed
// reload keeps it so an operator mid-edit does not stop the run.
func (w *Worker) reload() (*queue.Queue, error) {
	q, err := queue.Load(w.cfg.QueuePath, queue.WithModels(w.cfg.Models))

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if w.snapshot == nil {
			return nil, fmt.Errorf("load queue: %w", err)
		}
		w.logger.Error("queue reload failed, keeping previous snapshot", "error", err.Error())
		return w.snapshot, nil
	}
	w.snapshot = q
	return q, nil
}

// sweep removes stale locks nobody will ever claim again: those of terminal
// tasks and of tasks no longer in the queue. They are left behind by a worker
// that died between recording an outcome and releasing.
func (w *Worker) sweep(q *queue.Queue, statuses map[string]queue.Status) error {
	held, err := w.locks.List()
	if err != nil {
		return err
	}
	for _, l := range held {
		_, inQueue := q.Task(l.TaskID)
		if inQueue && !queue.StatusOf(statuses, l.TaskID).IsTerminal() {
			continue
		}
		if _, err := w.locks.ReapIfStale(l.TaskID); err != nil {
			return fmt.Errorf("reap lock for %s: %w", l.TaskID, err)
		}
	}
	return nil
}

// claim takes the locks t needs. A non-parallel-safe task takes the exclusive
// lock first and gives it back if the task lock is lost. Losing a race is not
// an error.
func (w *Worker) claim(t *queue.Task) (bool, error) {
	if !t.ParallelSafe {
		if _, err := w.locks.ExclusiveLock(w.cfg.ID, t.ID); err != nil {
			if errors.Is(err, errors.ErrClaimConflict) {
				return false, nil
			}
			return false, fmt.Errorf("take exclusive lock for %s: %w", t.ID, err)
		}
	}

	result, err := w.locks.TryClaim(t.ID, w.cfg.ID)
	if err == nil && result.Won() {
		if result == lockstore.StaleReclaimed {
			w.logger.WithTask(t.ID).Warn("reclaimed stale lock")
		}
		return true, nil
	}

	if !t.ParallelSafe {
		if uerr := w.locks.ExclusiveUnlock(w.cfg.ID); uerr != nil {
			return false, errors.Join(err, fmt.Errorf("give back exclusive lock: %w", uerr))
		}
	}
	if err == nil || errors.Is(err, errors.ErrClaimConflict) {
		return false, nil
	}
	return false, fmt.Errorf("claim %s: %w", t.ID, err)
}

// release drops the task lock, then the exclusive lock if t took it.
func (w *Worker) release(t *queue.Task) error {
	var errs []error
	if err := w.locks.Release(t.ID, w.cfg.ID); err != nil {
		errs = append(errs, fmt.Errorf("release %s: %w", t.ID, err))
	}
	if !t.ParallelSafe {
		if err := w.locks.ExclusiveUnlock(w.cfg.ID); err != nil {
			errs = append(errs, fmt.Errorf("release exclusive lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) execute(ctx context.Context, t *queue.Task) (Outcome, error) {
	logger := w.logger.WithTask(t.ID)

	// The claim may have raced a worker that was just finishing this task.
	states, err := w.log.States()
	if err != nil {
		return Outcome{}, errors.Join(fmt.Errorf("read execution log: %w", err), w.release(t))
	}
	statuses := execlog.Statuses(states)
	if queue.StatusOf(statuses, t.ID).IsTerminal() {
		logger.Debug("task finished by another worker, giving back the claim")
		if err := w.release(t); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeRaced, TaskID: t.ID}, nil
	}
	attempt := states[t.ID].Attempts + 1

	w.setState(StateExecuting)
	started := execlog.Event{
		TaskID:   t.ID,
		WorkerID: w.cfg.ID,
		Status:   execlog.StatusInProgress,
		Model:    t.Model,
		Attempt:  attempt,
	}
	if _, err := w.log.Append(started); err != nil {
		return Outcome{}, errors.Join(err, w.release(t))
	}
	logger.Info("task started", "attempt", attempt, "model", t.Model, "parallel_safe", t.ParallelSafe)

	begin := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.InferenceTimeout)
	resp, callErr := w.client.Execute(callCtx, inference.Request{Prompt: t.Prompt, Model: t.Model})
	cancel()

	w.setState(StateLogging)
	done := execlog.Event{TaskID: t.ID, WorkerID: w.cfg.ID, Attempt: attempt}
	switch {
	case callErr == nil:
		done.Status = execlog.StatusCompleted
		done.Result = resp.Text
		done.Model = resp.ModelUsed
	case ctx.Err() != nil:
		done.Status = execlog.StatusAborted
		done.Model = t.Model
		done.Error = callErr.Error()
	default:
		done.Status = execlog.StatusFailed
		done.Model = t.Model
		done.Error = callErr.Error()
	}

	_, appendErr := w.log.Append(done)
	if err := errors.Join(appendErr, w.release(t)); err != nil {
		return Outcome{}, err
	}

	elapsed := time.Since(begin).Round(time.Millisecond).String()
	switch done.Status {
	case execlog.StatusCompleted:
		logger.Info("task completed", "attempt", attempt, "model", done.Model, "elapsed", elapsed)
	case execlog.StatusAborted:
		logger.Warn("task aborted", "attempt", attempt, "error", done.Error)
	default:
		logger.Warn("task failed", "attempt", attempt, "error", done.Error, "elapsed", elapsed)
	}
	return Outcome{Kind: OutcomeExecuted, TaskID: t.ID, Status: string(done.Status)}, nil
}
