//go:build unix

package headless

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts Chrome as a process group leader so the pool can
// reap its helpers with one signal.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
