// Package lock provides an advisory, process-wide file lock. The daemon takes
// it on the tenant's lock file so only one sync coordinator runs per store.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ierr "github.com/tallybook/tally/internal/errors"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = ierr.NewError("lock is held by another process").Mark(ierr.ErrInvalidOperation)

// Lock is a held file lock.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. The holder's pid is
// written into the file for diagnostics.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ierr.WithError(err).
			WithHintf("Could not create directory for %s", path).
			Mark(ierr.ErrStorageUnavailable)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHintf("Could not open lock file %s", path).
			Mark(ierr.ErrStorageUnavailable)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if pid := Holder(path); pid > 0 {
			return nil, ierr.WithError(ErrLocked).
				WithHintf("Another tally daemon (pid %d) is running for this tenant", pid).
				Mark(ierr.ErrInvalidOperation)
		}
		return nil, ErrLocked
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	return &Lock{path: path, f: f}, nil
}

// Release drops the lock. The file is left in place; removing it would race
// with a process that has just opened it.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func (l *Lock) Path() string { return l.path }

// Holder returns the pid recorded in the lock file, or 0.
func Holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
