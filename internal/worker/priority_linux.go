//go:build linux

package worker

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// lowerOSThreadPriority locks the calling goroutine to its OS thread (so the
// priority change sticks) and lowers that thread's nice value. A failure is
// returned for the caller to log as a warning; it is never fatal.
func lowerOSThreadPriority() error {
	runtime.LockOSThread()

	const lowPriorityNice = 10

	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), lowPriorityNice)
}
