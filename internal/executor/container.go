package executor

import (
	"context"
	"errors"
	"strings"

	"git.home.luguber.info/inful/ando/internal/container"
)

// Container runs commands inside a warm build container through the
// container manager. Host paths appearing in arguments are translated to
// their workspace equivalents so callers can pass paths from either side.
type Container struct {
	mgr      *container.Manager
	handle   container.Handle
	hostRoot string
}

// NewContainer returns an executor bound to one running container. hostRoot
// is the project directory on the host that was staged into the workspace.
func NewContainer(mgr *container.Manager, h container.Handle, hostRoot string) *Container {
	return &Container{mgr: mgr, handle: h, hostRoot: hostRoot}
}

// Run executes cmd inside the container.
func (c *Container) Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error) {
	timeout, bounded := cmd.effectiveTimeout()
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = c.handle.TranslatePath(a, c.hostRoot)
	}
	dir := cmd.Dir
	if dir != "" {
		dir = c.handle.TranslatePath(dir, c.hostRoot)
	}

	var capture strings.Builder
	sink := onLine
	if sink == nil {
		sink = func(line string) {
			capture.WriteString(line)
			capture.WriteByte('\n')
		}
	}

	res, err := c.mgr.Exec(ctx, c.handle, container.ExecSpec{
		Command: cmd.Command,
		Args:    args,
		Dir:     dir,
		Env:     cmd.Env,
	}, sink)
	if err != nil {
		if bounded && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1}, &TimeoutError{Command: cmd.Command, Limit: timeout}
		}
		return Result{ExitCode: -1}, err
	}
	out := Result{ExitCode: res.ExitCode}
	if onLine == nil {
		out.Stdout = capture.String()
	}
	return out, nil
}

// IsAvailable probes the command inside the container via the shell builtin
// resolver. A missing binary exits non-zero.
func (c *Container) IsAvailable(ctx context.Context, command string) bool {
	res, err := c.mgr.Exec(ctx, c.handle, container.ExecSpec{
		Command: "sh",
		Args:    []string{"-c", "command -v " + command},
	}, func(string) {})
	return err == nil && res.ExitCode == 0
}
