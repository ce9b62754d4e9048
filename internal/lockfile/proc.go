package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// ProcessAlive reports whether a process with the given pid exists, using a
// zero-signal existence probe. Only a definitive "no such process" answer
// counts as dead; permission errors and anything ambiguous count as alive so
// a challenger never takes over from a holder it merely cannot inspect.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		// On Unix, FindProcess always succeeds. On Windows it fails when
		// the process doesn't exist.
		return false
	}

	// Signal 0 doesn't deliver anything, it only checks existence and
	// permission.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return false
	}
	if errors.Is(err, syscall.EPERM) {
		// Process exists but belongs to someone else.
		return true
	}

	// Ambiguous result: err on the side of not stealing the lock.
	return true
}
