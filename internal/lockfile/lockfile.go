// Package lockfile guards the data directory against concurrent server
// processes. Two runlok instances sharing one SQLite file would interleave
// audit indices, so the server takes an exclusive advisory lock at boot.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an acquired data-directory lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive advisory lock on path, creating the file if
// needed. It does not block: a held lock returns ErrLocked immediately so
// the caller can report the conflicting process. The PID is written into
// the file for diagnostics only; the flock is what enforces exclusion.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := flockTry(file.Fd()); err != nil {
		_ = file.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	// Best-effort PID note for `runlok stop` style diagnostics.
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &Lock{path: path, file: file}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := flockUnlock(l.file.Fd())
	closeErr := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	if unlockErr != nil {
		return fmt.Errorf("release lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
