//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup signals the whole group; by the time we get here the
// command has already overrun, so SIGKILL rather than a polite SIGTERM.
func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(c.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = c.Process.Kill()
}
