//go:build windows

package lockfile

import "golang.org/x/sys/windows"

// errWouldBlock is the platform error indicating the lock is already held.
var errWouldBlock = windows.ERROR_LOCK_VIOLATION

// flockTry attempts an exclusive non-blocking lock on Windows using
// LockFileEx with LOCKFILE_FAIL_IMMEDIATELY, matching Unix flock LOCK_NB.
func flockTry(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ol)
}

// flockUnlock releases the file lock on Windows using UnlockFileEx.
func flockUnlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}
