package lockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/grind/internal/errors"
)

// Lock is the record persisted for one claim.
type Lock struct {
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
}

// Age returns how long ago the claim was made.
func (l *Lock) Age(now time.Time) time.Duration {
	return now.Sub(l.ClaimedAt)
}

// readLock loads a lock record. A missing file wraps ErrLockNotFound; an
// unparseable one is a *errors.CorruptRecordError.
func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), errors.ErrLockNotFound)
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}

	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, errors.NewCorruptRecordError(path, 0, err)
	}
	if l.WorkerID == "" || l.Token == "" || l.ClaimedAt.IsZero() {
		return nil, errors.NewCorruptRecordError(path, 0, fmt.Errorf("lock record missing worker_id, token or claimed_at"))
	}
	return &l, nil
}

// writeTemp writes rec to a private dot-file next to the lock and returns its
// path. The record is synced before the caller links or renames it into place.
func writeTemp(dir, name string, rec *Lock) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal lock: %w", err)
	}

	tmp := filepath.Join(dir, "."+name+"."+rec.Token+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp lock: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sync temp lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp lock: %w", err)
	}
	return tmp, nil
}

// createLock publishes rec at path only if nothing is there. link(2) fails
// with EEXIST when the target exists, the same guarantee as O_CREAT|O_EXCL,
// and the target appears with its full content. Reports false when the path
// is taken.
func createLock(dir, name, path string, rec *Lock) (bool, error) {
	tmp, err := writeTemp(dir, name, rec)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("link lock: %w", err)
	}
	return true, nil
}

// replaceLock atomically swaps the record at path for rec. Callers hold the
// store guard.
func replaceLock(dir, name, path string, rec *Lock) error {
	tmp, err := writeTemp(dir, name, rec)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}
