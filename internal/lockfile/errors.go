package lockfile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockBusy is returned by the non-blocking flock primitives when
	// another open file holds the lock.
	ErrLockBusy = errors.New("lock busy: held by another process")

	// ErrLockTimeout matches every *TimeoutError.
	ErrLockTimeout = errors.New("lock timeout")
)

// TimeoutError reports a lock that could not be acquired within Timeout.
type TimeoutError struct {
	Path    string
	Timeout time.Duration
	Holder  *Info
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timeout waiting for lock %s after %v", e.Path, e.Timeout)
	if e.Holder != nil && e.Holder.PID > 0 {
		msg += fmt.Sprintf(" (held by pid %d", e.Holder.PID)
		if e.Holder.Purpose != "" {
			msg += ", " + e.Holder.Purpose
		}
		msg += ")"
	}
	return msg
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}
