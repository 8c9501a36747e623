package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/event"
	"github.com/Iron-Ham/grind/internal/execlog"
	"github.com/Iron-Ham/grind/internal/inference"
	"github.com/Iron-Ham/grind/internal/lockstore"
	"github.com/Iron-Ham/grind/internal/logging"
	"github.com/Iron-Ham/grind/internal/queue"
	"github.com/Iron-Ham/grind/internal/scaling"
	"github.com/Iron-Ham/grind/internal/worker"
)

// fanQueue has one root task followed by three parallel tasks.
const fanQueue = `
version: 1
name: fan
tasks:
  - id: root
    prompt: root
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    parallel_safe: true
  - id: x
    prompt: x
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    depends_on: [root]
    parallel_safe: true
  - id: "y"
    prompt: "y"
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    depends_on: [root]
    parallel_safe: true
  - id: z
    prompt: z
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    depends_on: [root]
    parallel_safe: true
`

const cycleQueue = `
version: 1
name: loop
tasks:
  - id: a
    prompt: a
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    depends_on: [b]
  - id: b
    prompt: b
    max_cost: 1
    intensity: low
    model: gemini-2.0-flash
    depends_on: [a]
`

const emptyQueue = `
version: 1
name: empty
tasks: []
`

type clientFunc func(ctx context.Context, req inference.Request) (inference.Response, error)

func (f clientFunc) Execute(ctx context.Context, req inference.Request) (inference.Response, error) {
	return f(ctx, req)
}

func echo(_ context.Context, req inference.Request) (inference.Response, error) {
	return inference.Response{Text: "ok: " + req.Prompt, ModelUsed: req.Model}, nil
}

// fakeRunner runs fn until it returns. Stop closes the stop channel.
type fakeRunner struct {
	fn   func(ctx context.Context, stop <-chan struct{}) error
	stop chan struct{}
	once sync.Once
}

func newFakeRunner(fn func(ctx context.Context, stop <-chan struct{}) error) *fakeRunner {
	return &fakeRunner{fn: fn, stop: make(chan struct{})}
}

func (r *fakeRunner) Run(ctx context.Context) error { return r.fn(ctx, r.stop) }
func (r *fakeRunner) Stop()                         { r.once.Do(func() { close(r.stop) }) }

type harness struct {
	queuePath string
	locks     *lockstore.Store
	log       *execlog.Log
	bus       *event.Bus

	mu     sync.Mutex
	events []event.Event
}

func newHarness(t *testing.T, queueYAML string) *harness {
	t.Helper()
	root := t.TempDir()
	queuePath := filepath.Join(root, "queue.yaml")
	if err := os.WriteFile(queuePath, []byte(queueYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	locks, err := lockstore.New(filepath.Join(root, "locks"), "q", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	log, err := execlog.Open(filepath.Join(root, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{queuePath: queuePath, locks: locks, log: log, bus: event.NewBus()}
	h.bus.SubscribeAll(func(e event.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	return h
}

func (h *harness) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// workers builds real workers that exit once the queue drains.
func (h *harness) workers(client inference.Client) *InProcessLauncher {
	return &InProcessLauncher{NewRunner: func(id string) (Runner, error) {
		return worker.New(worker.Config{
			ID:               id,
			QueuePath:        h.queuePath,
			PollInterval:     5 * time.Millisecond,
			MaxBackoff:       20 * time.Millisecond,
			InferenceTimeout: 10 * time.Second,
			ExitWhenDrained:  true,
		}, h.locks, h.log, client)
	}}
}

func (h *harness) orchestrator(t *testing.T, launcher Launcher, maxWorkers int, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithBus(h.bus)}, opts...)
	o, err := New(Config{
		QueuePath:        h.queuePath,
		MinWorkers:       1,
		MaxWorkers:       maxWorkers,
		ShutdownGrace:    time.Second,
		ProgressInterval: 10 * time.Millisecond,
	}, h.locks, h.log, launcher, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func (h *harness) statuses(t *testing.T) map[string]execlog.TaskState {
	t.Helper()
	states, err := h.log.States()
	if err != nil {
		t.Fatalf("States() error = %v", err)
	}
	return states
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t, fanQueue)
	launcher := h.workers(clientFunc(echo))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing queue", Config{MaxWorkers: 1}},
		{"zero max", Config{QueuePath: h.queuePath}},
		{"inverted bounds", Config{QueuePath: h.queuePath, MinWorkers: 3, MaxWorkers: 2}},
		{"negative min", Config{QueuePath: h.queuePath, MinWorkers: -1, MaxWorkers: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, h.locks, h.log, launcher); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	if _, err := New(Config{QueuePath: h.queuePath, MaxWorkers: 1}, h.locks, h.log, nil); err == nil {
		t.Error("New() without launcher should fail")
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t, fanQueue)

	q, err := Validate(h.queuePath, true)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(q.Tasks) != 4 {
		t.Errorf("len(Tasks) = %d, want 4", len(q.Tasks))
	}
	// The rewritten file must load back to the same tasks.
	again, err := Validate(h.queuePath, false)
	if err != nil {
		t.Fatalf("Validate() after rewrite error = %v", err)
	}
	if fmt.Sprint(again.IDs()) != fmt.Sprint(q.IDs()) {
		t.Errorf("IDs after rewrite = %v, want %v", again.IDs(), q.IDs())
	}

	bad := newHarness(t, cycleQueue)
	_, err = Validate(bad.queuePath, true)
	if !errors.Is(err, errors.ErrCycle) {
		t.Errorf("Validate() error = %v, want cycle error", err)
	}
	data, _ := os.ReadFile(bad.queuePath)
	if string(data) != cycleQueue {
		t.Error("an invalid queue must not be rewritten")
	}
}

func TestPlan(t *testing.T) {
	h := newHarness(t, fanQueue)
	q, err := Validate(h.queuePath, false)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		statuses map[string]queue.Status
		want     int
	}{
		{"fresh queue is as wide as its widest layer", nil, 3},
		{"root done leaves three runnable", map[string]queue.Status{"root": queue.StatusCompleted}, 3},
		{
			"root failed blocks everything",
			map[string]queue.Status{"root": queue.StatusFailed},
			0,
		},
		{
			"one left",
			map[string]queue.Status{
				"root": queue.StatusCompleted,
				"x":    queue.StatusCompleted,
				"y":    queue.StatusCompleted,
			},
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := h.orchestrator(t, h.workers(clientFunc(echo)), 4)
			if got := o.Plan(q, tt.statuses).Workers; got != tt.want {
				t.Errorf("Plan().Workers = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRun_CompletesQueue(t *testing.T) {
	h := newHarness(t, fanQueue)
	launcher := h.workers(clientFunc(echo))
	o := h.orchestrator(t, launcher, 2)

	report, err := o.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	launcher.Wait()

	if report.Workers != 2 {
		t.Errorf("Workers = %d, want 2", report.Workers)
	}
	if len(report.Exited) != 2 || len(report.Crashes) != 0 {
		t.Errorf("Exited = %v, Crashes = %v", report.Exited, report.Crashes)
	}
	if report.Load.Completed != 4 || report.Load.Remaining() != 0 {
		t.Errorf("Load = %+v, want 4 completed", report.Load)
	}

	events, err := h.log.Read()
	if err != nil {
		t.Fatal(err)
	}
	completed := map[string]int{}
	for _, ev := range events {
		if ev.Status == execlog.StatusCompleted {
			completed[ev.TaskID]++
		}
	}
	for _, id := range []string{"root", "x", "y", "z"} {
		if completed[id] != 1 {
			t.Errorf("task %s completed %d times, want 1", id, completed[id])
		}
	}

	if h.count(event.TypeWorkerStarted) != 2 || h.count(event.TypeWorkerExited) != 2 {
		t.Errorf("started=%d exited=%d, want 2 and 2",
			h.count(event.TypeWorkerStarted), h.count(event.TypeWorkerExited))
	}
	if h.count(event.TypeRunCompleted) != 1 {
		t.Error("run.completed not published")
	}
}

func TestRun_EmptyQueue(t *testing.T) {
	h := newHarness(t, emptyQueue)
	o := h.orchestrator(t, h.workers(clientFunc(echo)), 2)

	report, err := o.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Workers != 0 {
		t.Errorf("Workers = %d, want 0", report.Workers)
	}
	if h.count(event.TypeWorkerStarted) != 0 {
		t.Error("no worker should start for an empty queue")
	}
}

func TestRun_InvalidQueue(t *testing.T) {
	h := newHarness(t, cycleQueue)
	o := h.orchestrator(t, h.workers(clientFunc(echo)), 2)

	if _, err := o.Run(testContext(t)); !errors.Is(err, errors.ErrCycle) {
		t.Errorf("Run() error = %v, want cycle error", err)
	}
}

func TestSupervise_ScalesUpWhenWidthGrows(t *testing.T) {
	h := newHarness(t, fanQueue)

	// x, y and z only finish once all three are in flight, which takes three
	// workers. Supervision starts with one.
	var arrived atomic.Int32
	all := make(chan struct{})
	client := clientFunc(func(ctx context.Context, req inference.Request) (inference.Response, error) {
		if req.Prompt == "root" {
			return echo(ctx, req)
		}
		if arrived.Add(1) == 3 {
			close(all)
		}
		select {
		case <-all:
			return echo(ctx, req)
		case <-time.After(5 * time.Second):
			return inference.Response{}, fmt.Errorf("only %d tasks in flight", arrived.Load())
		case <-ctx.Done():
			return inference.Response{}, ctx.Err()
		}
	})

	policy := scaling.NewPolicy(
		scaling.WithMinWorkers(1),
		scaling.WithMaxWorkers(3),
		scaling.WithCooldownPeriod(0),
	)
	launcher := h.workers(client)
	o := h.orchestrator(t, launcher, 3, WithPolicy(policy))

	ctx := testContext(t)
	if _, err := o.Spawn(ctx, 1); err != nil {
		t.Fatal(err)
	}
	report := o.Supervise(ctx)
	launcher.Wait()

	if err := report.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if report.Workers != 3 {
		t.Errorf("Workers = %d, want 3", report.Workers)
	}
	if report.Load.Completed != 4 {
		t.Errorf("Completed = %d, want 4 (failed=%d)", report.Load.Completed, report.Load.Failed)
	}
	if h.count(event.TypeScalingDecision) == 0 {
		t.Error("scaling.decision not published")
	}
}

func TestSupervise_ReportsCrashes(t *testing.T) {
	h := newHarness(t, fanQueue)

	var n atomic.Int32
	launcher := &InProcessLauncher{NewRunner: func(string) (Runner, error) {
		if n.Add(1) == 1 {
			return newFakeRunner(func(context.Context, <-chan struct{}) error {
				return errors.New("disk full")
			}), nil
		}
		return newFakeRunner(func(context.Context, <-chan struct{}) error {
			panic("boom")
		}), nil
	}}
	var logs bytes.Buffer
	o := h.orchestrator(t, launcher, 2, WithLogger(logging.NewWriterLogger(&logs, logging.LevelInfo)))

	ctx := testContext(t)
	if _, err := o.Spawn(ctx, 2); err != nil {
		t.Fatal(err)
	}
	report := o.Supervise(ctx)
	launcher.Wait()

	if len(report.Crashes) != 2 {
		t.Fatalf("Crashes = %v, want 2", report.Crashes)
	}
	codes := map[int]bool{}
	for _, c := range report.Crashes {
		codes[c.ExitCode] = true
	}
	if !codes[1] || !codes[2] {
		t.Errorf("exit codes = %v, want 1 and 2", codes)
	}
	if !errors.Is(report.Err(), errors.ErrWorkerCrash) {
		t.Errorf("Err() = %v, want worker crash", report.Err())
	}
	if h.count(event.TypeWorkerCrashed) != 2 {
		t.Errorf("worker.crashed published %d times, want 2", h.count(event.TypeWorkerCrashed))
	}
	crashLines := 0
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		if bytes.Contains(line, []byte(`"msg":"worker crashed"`)) &&
			bytes.Contains(line, []byte(`"level":"ERROR"`)) && bytes.Contains(line, []byte(`"severity":"error"`)) {
			crashLines++
		}
	}
	if crashLines != 2 {
		t.Errorf("crash log lines at error severity = %d, want 2:\n%s", crashLines, logs.String())
	}
}

// holdTask claims taskID and records in_progress the way a worker would.
func holdTask(h *harness, workerID, taskID string) error {
	if res, err := h.locks.TryClaim(taskID, workerID); err != nil || !res.Won() {
		return fmt.Errorf("claim %s: %v %v", taskID, res, err)
	}
	_, err := h.log.Append(execlog.Event{
		TaskID:   taskID,
		WorkerID: workerID,
		Status:   execlog.StatusInProgress,
		Attempt:  1,
	})
	return err
}

func TestSupervise_CrashReleasesLocks(t *testing.T) {
	h := newHarness(t, fanQueue)

	launcher := &InProcessLauncher{NewRunner: func(id string) (Runner, error) {
		return newFakeRunner(func(context.Context, <-chan struct{}) error {
			if err := holdTask(h, id, "root"); err != nil {
				return err
			}
			return errors.New("lost the database")
		}), nil
	}}
	o := h.orchestrator(t, launcher, 1)

	ctx := testContext(t)
	if _, err := o.Spawn(ctx, 1); err != nil {
		t.Fatal(err)
	}
	report := o.Supervise(ctx)
	launcher.Wait()

	if len(report.Aborted) != 1 || report.Aborted[0] != "root" {
		t.Errorf("Aborted = %v, want [root]", report.Aborted)
	}
	if _, err := h.locks.Holder("root"); !errors.Is(err, errors.ErrLockNotFound) {
		t.Errorf("Holder(root) error = %v, want lock gone", err)
	}
	st := h.statuses(t)["root"]
	if st.Status != queue.StatusPending || st.Attempts != 1 {
		t.Errorf("root = %+v, want pending after 1 attempt", st)
	}
}

func TestShutdown_KillsStubbornWorker(t *testing.T) {
	h := newHarness(t, fanQueue)

	held := make(chan string, 1)
	launcher := &InProcessLauncher{NewRunner: func(id string) (Runner, error) {
		return newFakeRunner(func(ctx context.Context, _ <-chan struct{}) error {
			if err := holdTask(h, id, "root"); err != nil {
				return err
			}
			held <- id
			// Ignores Stop and leaves its lock behind when killed.
			<-ctx.Done()
			return nil
		}), nil
	}}
	o := h.orchestrator(t, launcher, 1)

	ctx := testContext(t)
	if _, err := o.Spawn(ctx, 1); err != nil {
		t.Fatal(err)
	}
	workerID := <-held

	res := o.Shutdown(ctx, 50*time.Millisecond)
	launcher.Wait()

	if len(res.Killed) != 1 || res.Killed[0] != workerID {
		t.Errorf("Killed = %v, want [%s]", res.Killed, workerID)
	}
	if len(res.Aborted) != 1 || res.Aborted[0] != "root" {
		t.Errorf("Aborted = %v, want [root]", res.Aborted)
	}
	if _, err := h.locks.Holder("root"); !errors.Is(err, errors.ErrLockNotFound) {
		t.Errorf("Holder(root) error = %v, want lock gone", err)
	}
	if st := h.statuses(t)["root"]; st.Status != queue.StatusPending {
		t.Errorf("root status = %s, want pending", st.Status)
	}
	if h.count(event.TypeWorkerAbortedTask) != 1 {
		t.Errorf("worker.aborted_task published %d times, want 1", h.count(event.TypeWorkerAbortedTask))
	}
}

func TestShutdown_LeavesFinishedTaskAlone(t *testing.T) {
	h := newHarness(t, fanQueue)

	held := make(chan struct{})
	launcher := &InProcessLauncher{NewRunner: func(id string) (Runner, error) {
		return newFakeRunner(func(ctx context.Context, _ <-chan struct{}) error {
			if err := holdTask(h, id, "root"); err != nil {
				return err
			}
			// Completed but killed before releasing.
			if _, err := h.log.Append(execlog.Event{
				TaskID: "root", WorkerID: id, Status: execlog.StatusCompleted, Result: "ok", Attempt: 1,
			}); err != nil {
				return err
			}
			close(held)
			<-ctx.Done()
			return nil
		}), nil
	}}
	o := h.orchestrator(t, launcher, 1)

	ctx := testContext(t)
	if _, err := o.Spawn(ctx, 1); err != nil {
		t.Fatal(err)
	}
	<-held

	res := o.Shutdown(ctx, 20*time.Millisecond)
	launcher.Wait()

	if len(res.Aborted) != 0 {
		t.Errorf("Aborted = %v, want none", res.Aborted)
	}
	if st := h.statuses(t)["root"]; st.Status != queue.StatusCompleted {
		t.Errorf("root status = %s, want completed", st.Status)
	}
	if _, err := h.locks.Holder("root"); !errors.Is(err, errors.ErrLockNotFound) {
		t.Errorf("Holder(root) error = %v, want lock gone", err)
	}
}

func TestRecoverLocks_TaskFinishedByAnotherWorker(t *testing.T) {
	h := newHarness(t, fanQueue)
	o := h.orchestrator(t, h.workers(clientFunc(echo)), 1)

	for _, ev := range []execlog.Event{
		{TaskID: "root", WorkerID: "w2", Status: execlog.StatusInProgress, Attempt: 1},
		{TaskID: "root", WorkerID: "w2", Status: execlog.StatusCompleted, Result: "ok", Attempt: 1},
	} {
		if _, err := h.log.Append(ev); err != nil {
			t.Fatal(err)
		}
	}
	// w1 won a claim on the finished task and died before its next reload.
	if res, err := h.locks.TryClaim("root", "w1"); err != nil || !res.Won() {
		t.Fatalf("TryClaim = %v, %v", res, err)
	}

	aborted, err := o.recoverLocks("w1", "worker crashed")
	if err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 0 {
		t.Errorf("aborted = %v, want none", aborted)
	}
	st := h.statuses(t)["root"]
	if st.Status != queue.StatusCompleted || st.Result != "ok" {
		t.Errorf("root = %+v, want completed", st)
	}
	if _, err := h.locks.Holder("root"); !errors.Is(err, errors.ErrLockNotFound) {
		t.Errorf("Holder(root) error = %v, want lock gone", err)
	}
	if n := h.count(event.TypeWorkerAbortedTask); n != 0 {
		t.Errorf("worker.aborted_task published %d times, want 0", n)
	}
}

func TestRecoverLocks_TaskRunningUnderAnotherWorker(t *testing.T) {
	h := newHarness(t, fanQueue)
	o := h.orchestrator(t, h.workers(clientFunc(echo)), 1)

	if err := holdTask(h, "w1", "root"); err != nil {
		t.Fatal(err)
	}
	// w2 reclaimed the task as stale and logged its own attempt.
	if _, err := h.log.Append(execlog.Event{
		TaskID: "root", WorkerID: "w2", Status: execlog.StatusInProgress, Attempt: 2,
	}); err != nil {
		t.Fatal(err)
	}

	aborted, err := o.recoverLocks("w1", "worker crashed")
	if err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 0 {
		t.Errorf("aborted = %v, want none", aborted)
	}
	if st := h.statuses(t)["root"]; st.Status != queue.StatusInProgress || st.WorkerID != "w2" {
		t.Errorf("root = %+v, want in_progress under w2", st)
	}
}

func TestSupervise_CancelStopsWorkers(t *testing.T) {
	h := newHarness(t, fanQueue)

	running := make(chan struct{}, 2)
	launcher := &InProcessLauncher{NewRunner: func(string) (Runner, error) {
		return newFakeRunner(func(ctx context.Context, stop <-chan struct{}) error {
			running <- struct{}{}
			select {
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	}}
	o := h.orchestrator(t, launcher, 2)

	ctx, cancel := context.WithCancel(testContext(t))
	if _, err := o.Spawn(ctx, 2); err != nil {
		t.Fatal(err)
	}
	<-running
	<-running
	cancel()

	report := o.Supervise(ctx)
	launcher.Wait()

	if len(report.Exited) != 2 || len(report.Killed) != 0 || len(report.Crashes) != 0 {
		t.Errorf("report = %+v, want two clean exits", report)
	}
	// A stopping orchestrator never grows the pool.
	if report.Workers != 2 {
		t.Errorf("Workers = %d, want 2", report.Workers)
	}
}

func TestSpawn_NeverExceedsMaxWorkers(t *testing.T) {
	h := newHarness(t, fanQueue)
	launcher := &InProcessLauncher{NewRunner: func(string) (Runner, error) {
		return newFakeRunner(func(context.Context, <-chan struct{}) error { return nil }), nil
	}}
	o := h.orchestrator(t, launcher, 2)

	started, err := o.Spawn(testContext(t), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(started) != 2 {
		t.Errorf("Spawn() started %d, want 2", len(started))
	}
	o.Supervise(testContext(t))
	launcher.Wait()
}
