// Package filelock provides cross-process mutual exclusion with flock(2).
//
// A Lock is advisory and bound to an open file description: the kernel drops
// it when the holder closes the file or dies, so a crashed process never
// leaves it held. Every Lock/TryLock opens its own descriptor, which makes
// two Locks on the same path exclusive even inside one process.
//
// The lock file itself is never removed; deleting a flock file while another
// process waits on it would split the lock in two.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is an exclusive advisory lock on a path.
type Lock struct {
	path string
	file *os.File
}

// New returns a Lock for path. The file is created on first use.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Lock blocks until the lock is acquired.
func (l *Lock) Lock() error {
	if l.file != nil {
		return fmt.Errorf("lock %s already held by this handle", l.path)
	}
	f, err := l.open()
	if err != nil {
		return err
	}
	for {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if !errors.Is(err, syscall.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// TryLock acquires the lock without blocking. It reports false when another
// holder has it.
func (l *Lock) TryLock() (bool, error) {
	if l.file != nil {
		return false, fmt.Errorf("lock %s already held by this handle", l.path)
	}
	f, err := l.open()
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. Unlocking a Lock that is not held is a no-op.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock %s: %w", l.path, err)
	}
	return f.Close()
}

// With runs fn while holding an exclusive lock on path.
func With(path string, fn func() error) error {
	l := New(path)
	if err := l.Lock(); err != nil {
		return err
	}
	err := fn()
	if uerr := l.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
