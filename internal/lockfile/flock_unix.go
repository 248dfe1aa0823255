//go:build !windows

package lockfile

import "syscall"

// errWouldBlock is the platform error indicating the lock is already held.
var errWouldBlock = syscall.EWOULDBLOCK

// flockTry attempts an exclusive non-blocking file lock (Unix flock).
func flockTry(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
}

// flockUnlock releases the file lock (Unix flock).
func flockUnlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}
