//go:build !windows

package fsutil

import (
	"os"
	"syscall"
)

// LockFile takes an exclusive advisory lock on f, blocking until granted.
func LockFile(f *os.File) error { return syscall.Flock(int(f.Fd()), syscall.LOCK_EX) }

// UnlockFile releases a lock taken with LockFile.
func UnlockFile(f *os.File) error { return syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }
