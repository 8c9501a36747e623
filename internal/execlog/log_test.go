package execlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "events.jsonl"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return l
}

func mustAppend(t *testing.T, l *Log, ev Event) Event {
	t.Helper()
	stored, err := l.Append(ev)
	if err != nil {
		t.Fatalf("Append(%+v) error = %v", ev, err)
	}
	return stored
}

func TestOpen_CreatesEmptyLog(t *testing.T) {
	l := openTestLog(t)
	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("new log size = %d", info.Size())
	}
	events, err := l.Read()
	if err != nil || len(events) != 0 {
		t.Errorf("Read() = %v, %v", events, err)
	}
}

func TestAppend_FillsIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	l, err := Open(filepath.Join(t.TempDir(), "events.jsonl"), WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatal(err)
	}

	first := mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress, Attempt: 1})
	second := mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusCompleted, Result: "ok", Model: "m", Attempt: 1})

	if first.ID == "" || first.ID == second.ID {
		t.Errorf("ids = %q, %q", first.ID, second.ID)
	}
	if first.ID >= second.ID {
		t.Errorf("ids should sort in append order: %q >= %q", first.ID, second.ID)
	}
	if !first.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v", first.Timestamp)
	}

	events, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0] != first || events[1] != second {
		t.Errorf("Read() = %+v", events)
	}
}

func TestAppend_RejectsInvalidEvents(t *testing.T) {
	l := openTestLog(t)
	tests := []Event{
		{WorkerID: "w", Status: StatusCompleted},
		{TaskID: "a", Status: StatusCompleted},
		{TaskID: "a", WorkerID: "w", Status: "done"},
	}
	for _, ev := range tests {
		if _, err := l.Append(ev); err == nil {
			t.Errorf("Append(%+v) should fail", ev)
		}
	}
	if events, _ := l.Read(); len(events) != 0 {
		t.Errorf("invalid events were written: %v", events)
	}
}

func TestRead_IgnoresInFlightFragment(t *testing.T) {
	l := openTestLog(t)
	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress})

	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"x","task_id":"a","wor`); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	events, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Read() returned %d events, want 1", len(events))
	}
}

func TestAppend_RepairsTornTail(t *testing.T) {
	l := openTestLog(t)
	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress})

	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"id":"torn","task_id":"a"`)
	_ = f.Close()

	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusCompleted})

	events, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != 2 || events[1].Status != StatusCompleted {
		t.Errorf("Read() = %+v", events)
	}
	data, _ := os.ReadFile(l.Path())
	if strings.Contains(string(data), "torn") {
		t.Error("torn fragment should be discarded")
	}
}

func TestAppend_RepairsTornFirstLine(t *testing.T) {
	l := openTestLog(t)
	if err := os.WriteFile(l.Path(), []byte(strings.Repeat("x", 5000)), 0o644); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress})

	events, err := l.Read()
	if err != nil || len(events) != 1 {
		t.Errorf("Read() = %v, %v", events, err)
	}
}

func TestRead_CorruptLine(t *testing.T) {
	l := openTestLog(t)
	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress})

	f, _ := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	_, _ = f.WriteString("not json at all\n")
	_ = f.Close()

	_, err := l.Read()
	var corrupt *errors.CorruptRecordError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Read() error = %v, want CorruptRecordError", err)
	}
	if corrupt.Line != 2 {
		t.Errorf("Line = %d, want 2", corrupt.Line)
	}
	if !errors.IsFatal(err) {
		t.Error("corrupt log record must be fatal")
	}

	if err := os.WriteFile(l.Path(), []byte(`{"id":"1","task_id":"a","worker_id":"w","status":"exploded"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Read(); !errors.Is(err, errors.ErrCorruptRecord) {
		t.Errorf("unknown status: Read() = %v, want CorruptRecord", err)
	}
}

func TestAppend_ConcurrentWritersNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	const (
		writers   = 8
		perWriter = 50
	)

	big := strings.Repeat("r", 8192)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			l, err := Open(path)
			if err != nil {
				t.Errorf("Open() error = %v", err)
				return
			}
			for i := 0; i < perWriter; i++ {
				_, err := l.Append(Event{
					TaskID:   fmt.Sprintf("t%d", i),
					WorkerID: fmt.Sprintf("w%d", w),
					Status:   StatusCompleted,
					Result:   big,
				})
				if err != nil {
					t.Errorf("Append() error = %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	l, _ := Open(path)
	events, err := l.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(events) != writers*perWriter {
		t.Errorf("got %d events, want %d", len(events), writers*perWriter)
	}
	for _, ev := range events {
		if ev.Result != big {
			t.Fatalf("event %s has a damaged payload", ev.ID)
		}
	}
}

func TestRequeue(t *testing.T) {
	l := openTestLog(t)

	if _, err := l.Requeue("a", "operator"); err == nil {
		t.Error("Requeue() of an unknown task should fail")
	}

	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusInProgress, Attempt: 1})
	if _, err := l.Requeue("a", "operator"); err == nil {
		t.Error("Requeue() of an in-progress task should fail")
	}

	mustAppend(t, l, Event{TaskID: "a", WorkerID: "w1", Status: StatusFailed, Error: "timeout", Attempt: 1})
	ev, err := l.Requeue("a", "operator")
	if err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if ev.Status != StatusRequeued || ev.WorkerID != "operator" {
		t.Errorf("event = %+v", ev)
	}

	states, err := l.States()
	if err != nil {
		t.Fatal(err)
	}
	if st := states["a"]; st.Status != "pending" || st.Attempts != 1 || st.Error != "" {
		t.Errorf("state after requeue = %+v", st)
	}
}
