//go:build unix

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// stderrTail is how much of a worker's stderr is kept for crash reports.
const stderrTail = 4 << 10

// ExecLauncher runs each worker as a child process: the current binary
// re-executed with the worker subcommand.
type ExecLauncher struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args come before "worker --id <id>", e.g. a --config flag.
	Args []string
	// WorkerArgs follow the worker subcommand.
	WorkerArgs []string
	Dir        string
	// Env is appended to the parent's environment.
	Env []string
}

// Launch starts the worker process. Stop sends SIGTERM, Kill SIGKILL.
func (l *ExecLauncher) Launch(_ context.Context, workerID string) (*Handle, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}

	args := append(append([]string{}, l.Args...), "worker", "--id", workerID)
	args = append(args, l.WorkerArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	// Own process group: a terminal Ctrl-C reaches the orchestrator only,
	// which then stops workers in order.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tail := &tailBuffer{max: stderrTail}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", workerID, err)
	}

	proc := cmd.Process
	h := newHandle(workerID, proc.Pid,
		func() error { return signal(proc, syscall.SIGTERM) },
		func() error { return signal(proc, syscall.SIGKILL) },
	)

	go func() {
		err := cmd.Wait()
		if err == nil {
			h.finish(0, nil)
			return
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		if msg := strings.TrimSpace(tail.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		h.finish(code, err)
	}()
	return h, nil
}

func signal(p *os.Process, sig syscall.Signal) error {
	if err := p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
