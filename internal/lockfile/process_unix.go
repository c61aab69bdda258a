//go:build unix

package lockfile

import (
	"errors"
	"syscall"
)

// isProcessRunning probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false // 0 would signal our process group, not a specific process
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
