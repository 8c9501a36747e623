// Package execlog is the append-only execution log: one JSON event per line
// in a single file shared by every worker of a run.
//
// Appends from different processes are serialized by a flock(2) on a sidecar
// file (<log>.lock); each event goes out in one write on an O_APPEND
// descriptor and is fsynced before the lock is dropped, so lines never
// interleave. Readers take no lock. A trailing line without a newline is an
// append in flight and is skipped; a complete line that does not decode is a
// corrupt record.
//
// The log is never rewritten. The one exception is a torn tail left by a
// writer that died mid-append: the next appender, holding the lock, cuts the
// fragment off before writing.
package execlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/filelock"
	"github.com/Iron-Ham/grind/internal/logging"
	"github.com/Iron-Ham/grind/internal/queue"
)

// Log is a handle on an execution log file. It is safe for concurrent use.
type Log struct {
	path   string
	lock   string
	now    func() time.Time
	logger *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Open prepares the log at path, creating the file and its directory.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		lock:   path + ".lock",
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes ev as one line. A missing ID or timestamp is filled in; the
// stored event is returned.
func (l *Log) Append(ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if err := ev.validate(); err != nil {
		return ev, err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	err = filelock.With(l.lock, func() error {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open execution log: %w", err)
		}
		defer func() { _ = f.Close() }()

		if err := l.repairTail(f); err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("sync execution log: %w", err)
		}
		return nil
	})
	if err != nil {
		return ev, err
	}
	return ev, nil
}

// repairTail truncates an unterminated final line. Only a writer that died
// between write and fsync leaves one, because appends hold the lock.
func (l *Log) repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat execution log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	r, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer func() { _ = r.Close() }()

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("read execution log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	keep, err := lastLineEnd(r, size)
	if err != nil {
		return err
	}
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncate torn event: %w", err)
	}
	l.logger.Warn("discarded torn event at end of execution log",
		"path", l.path,
		"bytes", size-keep,
	)
	return nil
}

// lastLineEnd returns the offset just past the last newline before size, or
// 0 if there is none.
func lastLineEnd(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := r.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("read execution log tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// Read returns every committed event in append order.
func (l *Log) Read() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read execution log: %w", err)
	}
	return parse(l.path, data)
}

func parse(path string, data []byte) ([]Event, error) {
	// Drop the in-flight fragment, if any.
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		return nil, nil
	}

	var events []Event
	line := 0
	for len(data) > 0 {
		line++
		i := bytes.IndexByte(data, '\n')
		raw := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.NewCorruptRecordError(path, line, err)
		}
		if err := ev.validate(); err != nil {
			return nil, errors.NewCorruptRecordError(path, line, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// States reads the log and replays it.
func (l *Log) States() (map[string]TaskState, error) {
	events, err := l.Read()
	if err != nil {
		return nil, err
	}
	return Replay(events), nil
}

// Requeue records an operator's decision to run a failed task again. Tasks
// in any other state are refused.
func (l *Log) Requeue(taskID, operator string) (Event, error) {
	states, err := l.States()
	if err != nil {
		return Event{}, err
	}
	st, ok := states[taskID]
	if !ok {
		return Event{}, fmt.Errorf("task %s has no recorded execution: only failed tasks can be requeued", taskID)
	}
	if st.Status != queue.StatusFailed {
		return Event{}, fmt.Errorf("task %s is %s: only failed tasks can be requeued", taskID, st.Status)
	}
	return l.Append(Event{
		TaskID:   taskID,
		WorkerID: operator,
		Status:   StatusRequeued,
		Attempt:  st.Attempts,
	})
}
