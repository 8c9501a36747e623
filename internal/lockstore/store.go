// Package lockstore implements task ownership on a shared filesystem.
//
// Each claimed task has one lock file, <dir>/<task>.lock, holding a JSON
// Lock record. Claiming is an atomic create-if-absent, so of any number of
// concurrent claimers exactly one succeeds. A claim older than the store
// timeout is stale: its owner is presumed dead and the lock may be replaced
// by a new claimer.
//
// Replacement and release never delete-then-create. Both run under the store
// guard, a flock(2) on <dir>/.guard, re-read the current record, verify it is
// the one they expect, and then either rename a fresh record over it or
// remove it. The guard is only taken for these short critical sections;
// plain claims do not need it.
//
// A queue-wide exclusive lock, <dir>/_exclusive.lock, serializes tasks that
// are not parallel-safe. While a live worker holds it, claims by every other
// worker are refused.
package lockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/grind/internal/errors"
	"github.com/Iron-Ham/grind/internal/filelock"
	"github.com/Iron-Ham/grind/internal/logging"
)

const (
	lockExt       = ".lock"
	guardFile     = ".guard"
	exclusiveName = "_exclusive"

	// maxClaimAttempts bounds the create/read loop when a lock keeps
	// disappearing between the failed create and the read.
	maxClaimAttempts = 3
)

// ClaimResult is the outcome of a claim attempt.
type ClaimResult int

const (
	AlreadyHeld ClaimResult = iota
	Claimed
	StaleReclaimed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case StaleReclaimed:
		return "stale_reclaimed"
	default:
		return "already_held"
	}
}

// Won reports whether the caller now owns the lock.
func (r ClaimResult) Won() bool {
	return r == Claimed || r == StaleReclaimed
}

// Store is the lock directory of one queue. It holds no in-memory state
// beyond configuration and is safe for concurrent use.
type Store struct {
	dir     string
	timeout time.Duration
	now     func() time.Time
	host    string
	pid     int
	logger  *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for claim timestamps and
// staleness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens (creating if needed) the lock directory <root>/<queueName>.
// Locks older than timeout are stale.
func New(root, queueName string, timeout time.Duration, opts ...Option) (*Store, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("lock timeout must be positive, got %v", timeout)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	s := &Store{
		dir:     filepath.Join(root, queueName),
		timeout: timeout,
		now:     time.Now,
		host:    host,
		pid:     os.Getpid(),
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return s, nil
}

// Dir returns the lock directory.
func (s *Store) Dir() string { return s.dir }

// Timeout returns the staleness threshold.
func (s *Store) Timeout() time.Duration { return s.timeout }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+lockExt)
}

func (s *Store) newRecord(taskID, workerID string) *Lock {
	return &Lock{
		TaskID:    taskID,
		WorkerID:  workerID,
		ClaimedAt: s.now().UTC(),
		Token:     uuid.NewString(),
		PID:       s.pid,
		Hostname:  s.host,
	}
}

func (s *Store) stale(l *Lock) bool {
	return l.Age(s.now()) > s.timeout
}

func (s *Store) withGuard(fn func() error) error {
	return filelock.With(filepath.Join(s.dir, guardFile), fn)
}

// TryClaim attempts to take the lock for taskID. A stale lock is replaced
// and reported as StaleReclaimed. When a live worker holds the task lock or
// the exclusive lock, the result is AlreadyHeld with a
// *errors.ClaimConflictError.
func (s *Store) TryClaim(taskID, workerID string) (ClaimResult, error) {
	if err := s.checkExclusive(taskID, workerID); err != nil {
		return AlreadyHeld, err
	}

	result, rec, err := s.acquire(taskID, taskID, workerID)
	if err != nil || !result.Won() {
		return result, err
	}

	// An exclusive lock taken between the first check and our create wins;
	// back out.
	if err := s.checkExclusive(taskID, workerID); err != nil {
		if rbErr := s.removeIfToken(taskID, rec.Token); rbErr != nil {
			return AlreadyHeld, errors.Join(err, fmt.Errorf("roll back claim: %w", rbErr))
		}
		s.logger.Debug("claim rolled back for exclusive lock", "task_id", taskID, "worker_id", workerID)
		return AlreadyHeld, err
	}

	s.logger.Debug("lock claimed", "task_id", taskID, "worker_id", workerID, "result", result.String())
	return result, nil
}

// acquire runs the create / read / reclaim cycle for one lock file.
func (s *Store) acquire(name, taskID, workerID string) (ClaimResult, *Lock, error) {
	path := s.path(name)
	for range maxClaimAttempts {
		rec := s.newRecord(taskID, workerID)
		created, err := createLock(s.dir, name, path, rec)
		if err != nil {
			return AlreadyHeld, nil, err
		}
		if created {
			return Claimed, rec, nil
		}

		existing, err := readLock(path)
		if errors.Is(err, errors.ErrLockNotFound) {
			continue
		}
		if err != nil {
			return AlreadyHeld, nil, err
		}
		if !s.stale(existing) {
			return AlreadyHeld, nil, errors.NewClaimConflictError(taskID, existing.WorkerID)
		}

		won, err := s.reclaim(name, existing, rec)
		if err != nil {
			return AlreadyHeld, nil, err
		}
		if won {
			return StaleReclaimed, rec, nil
		}
	}
	return AlreadyHeld, nil, errors.NewClaimConflictError(taskID, "")
}

// IsStale reports whether the lock for taskID is older than timeout at now.
// A missing lock is not stale and the error wraps errors.ErrLockNotFound.
func (s *Store) IsStale(taskID string, now time.Time, timeout time.Duration) (bool, error) {
	l, err := readLock(s.path(taskID))
	if err != nil {
		return false, err
	}
	return l.Age(now) > timeout, nil
}

// ReclaimIfStale replaces a stale lock for taskID with a claim by workerID.
// Of several concurrent callers on the same stale lock exactly one gets true.
// A missing or live lock yields false.
func (s *Store) ReclaimIfStale(taskID, workerID string) (bool, error) {
	existing, err := readLock(s.path(taskID))
	if errors.Is(err, errors.ErrLockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.stale(existing) {
		return false, nil
	}
	return s.reclaim(taskID, existing, s.newRecord(taskID, workerID))
}

// reclaim replaces the record at name with rec, provided it is still the
// stale record the caller observed.
func (s *Store) reclaim(name string, observed, rec *Lock) (bool, error) {
	won := false
	err := s.withGuard(func() error {
		cur, err := readLock(s.path(name))
		if errors.Is(err, errors.ErrLockNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Token != observed.Token || !s.stale(cur) {
			return nil
		}

		rec.ClaimedAt = s.now().UTC()
		if err := replaceLock(s.dir, name, s.path(name), rec); err != nil {
			return err
		}
		won = true
		s.logger.Warn("reclaimed stale lock",
			"task_id", rec.TaskID,
			"worker_id", rec.WorkerID,
			"error", errors.NewStaleLockError(cur.TaskID, cur.WorkerID, cur.Age(rec.ClaimedAt)).Error(),
		)
		return nil
	})
	return won, err
}

// Release removes the lock for taskID if workerID holds it. Anything else,
// including a lock that no longer exists, is a *errors.NotOwnerError.
func (s *Store) Release(taskID, workerID string) error {
	return s.release(taskID, taskID, workerID)
}

func (s *Store) release(name, taskID, workerID string) error {
	return s.withGuard(func() error {
		cur, err := readLock(s.path(name))
		if errors.Is(err, errors.ErrLockNotFound) {
			return errors.NewNotOwnerError(taskID, "", workerID)
		}
		if err != nil {
			return err
		}
		if cur.WorkerID != workerID {
			return errors.NewNotOwnerError(taskID, cur.WorkerID, workerID)
		}
		if err := os.Remove(s.path(name)); err != nil {
			return fmt.Errorf("remove lock: %w", err)
		}
		s.logger.Debug("lock released", "task_id", taskID, "worker_id", workerID)
		return nil
	})
}

// removeIfToken deletes the lock at name only if it still carries token.
func (s *Store) removeIfToken(name, token string) error {
	return s.withGuard(func() error {
		cur, err := readLock(s.path(name))
		if errors.Is(err, errors.ErrLockNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Token != token {
			return nil
		}
		return os.Remove(s.path(name))
	})
}

// ReapIfStale removes a stale lock for taskID without taking ownership. It
// clears orphans left by a worker that recorded a terminal event and died
// before releasing.
func (s *Store) ReapIfStale(taskID string) (bool, error) {
	return s.reap(taskID)
}

func (s *Store) reap(name string) (bool, error) {
	existing, err := readLock(s.path(name))
	if errors.Is(err, errors.ErrLockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !s.stale(existing) {
		return false, nil
	}

	reaped := false
	err = s.withGuard(func() error {
		cur, err := readLock(s.path(name))
		if errors.Is(err, errors.ErrLockNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Token != existing.Token || !s.stale(cur) {
			return nil
		}
		if err := os.Remove(s.path(name)); err != nil {
			return fmt.Errorf("remove stale lock: %w", err)
		}
		reaped = true
		s.logger.Warn("removed stale lock",
			"task_id", cur.TaskID,
			"holder", cur.WorkerID,
			"age", cur.Age(s.now()).String(),
		)
		return nil
	})
	return reaped, err
}

// Holder returns the current lock record for taskID.
func (s *Store) Holder(taskID string) (*Lock, error) {
	return readLock(s.path(taskID))
}

// List returns every task lock in the directory, sorted by task id. The
// exclusive lock is not included.
func (s *Store) List() ([]Lock, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock directory: %w", err)
	}

	var locks []Lock
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, lockExt) || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		l, err := readLock(filepath.Join(s.dir, name))
		if errors.Is(err, errors.ErrLockNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].TaskID < locks[j].TaskID })
	return locks, nil
}

// HeldBy returns the task locks owned by workerID.
func (s *Store) HeldBy(workerID string) ([]Lock, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Lock
	for _, l := range all {
		if l.WorkerID == workerID {
			out = append(out, l)
		}
	}
	return out, nil
}

// ForceRelease removes a lock on behalf of a worker that can no longer do so
// itself. The lock must still belong to expectedWorker.
func (s *Store) ForceRelease(taskID, expectedWorker string) error {
	if err := s.release(taskID, taskID, expectedWorker); err != nil {
		return err
	}
	s.logger.Warn("lock force-released", "task_id", taskID, "worker_id", expectedWorker)
	return nil
}
