//go:build !linux

package worker

// lowerOSThreadPriority is a no-op on platforms without a wired-up
// priority-reduction mechanism. Returning nil means the caller logs
// nothing; this is a deliberate platform gap, not a failure.
func lowerOSThreadPriority() error {
	return nil
}
