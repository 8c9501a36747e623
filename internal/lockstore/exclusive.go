package lockstore

import (
	"github.com/Iron-Ham/grind/internal/errors"
)

// ExclusiveLock takes the queue-wide lock for workerID on behalf of taskID,
// which must not be parallel-safe. A stale exclusive lock is reclaimed.
// Holding it refuses every other worker's TryClaim.
func (s *Store) ExclusiveLock(workerID, taskID string) (ClaimResult, error) {
	result, _, err := s.acquire(exclusiveName, taskID, workerID)
	if err != nil {
		var conflict *errors.ClaimConflictError
		if errors.As(err, &conflict) {
			return result, conflict.WithExclusive()
		}
		return result, err
	}
	s.logger.Debug("exclusive lock taken", "task_id", taskID, "worker_id", workerID, "result", result.String())
	return result, nil
}

// ExclusiveUnlock releases the queue-wide lock. Like Release, a caller that
// does not hold it gets a *errors.NotOwnerError.
func (s *Store) ExclusiveUnlock(workerID string) error {
	taskID := exclusiveName
	if cur, err := readLock(s.path(exclusiveName)); err == nil {
		taskID = cur.TaskID
	}
	return s.release(exclusiveName, taskID, workerID)
}

// Exclusive returns the exclusive lock record. The error wraps
// errors.ErrLockNotFound when nobody holds it.
func (s *Store) Exclusive() (*Lock, error) {
	return readLock(s.path(exclusiveName))
}

// ExclusiveHeld reports whether a live worker holds the exclusive lock. A
// stale exclusive lock counts as free; the next claim removes it.
func (s *Store) ExclusiveHeld() (bool, error) {
	l, err := s.Exclusive()
	if errors.Is(err, errors.ErrLockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !s.stale(l), nil
}

// checkExclusive refuses a claim of taskID by workerID while another live
// worker holds the exclusive lock, and clears a stale one.
func (s *Store) checkExclusive(taskID, workerID string) error {
	ex, err := s.Exclusive()
	if errors.Is(err, errors.ErrLockNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ex.WorkerID == workerID {
		return nil
	}
	if s.stale(ex) {
		if _, err := s.reap(exclusiveName); err != nil {
			return err
		}
		return nil
	}
	return errors.NewClaimConflictError(taskID, ex.WorkerID).WithExclusive()
}
