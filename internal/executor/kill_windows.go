//go:build windows

package executor

import "os/exec"

func setProcessGroup(_ *exec.Cmd) {}

func killProcessGroup(c *exec.Cmd) {
	if c.Process != nil {
		_ = c.Process.Kill()
	}
}
