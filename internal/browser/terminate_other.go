//go:build !unix

package browser

import (
	"fmt"
	"os"
)

func terminateProcessGroup(s Session) error {
	pid := s.PID()
	if pid <= 0 {
		return fmt.Errorf("session %s has no known process", s.ID())
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
