//go:build !unix

package headless

import "os/exec"

func setProcessGroup(*exec.Cmd) {}
