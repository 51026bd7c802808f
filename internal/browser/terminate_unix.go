//go:build unix

package browser

import (
	"errors"
	"fmt"
	"syscall"
)

// terminateProcessGroup is the only place the pool kills OS processes. The
// headless launcher starts each browser as a process group leader, so
// signalling -pid also reaps renderer and GPU helpers.
func terminateProcessGroup(s Session) error {
	pid := s.PID()
	if pid <= 0 {
		return fmt.Errorf("session %s has no known process", s.ID())
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	return nil
}
