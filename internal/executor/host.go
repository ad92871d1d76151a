package executor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Host runs commands directly on the controller machine.
type Host struct{}

// NewHost returns a host-side executor.
func NewHost() *Host { return &Host{} }

// Run executes cmd on the host. The child is placed in its own process
// group so a timeout kills the whole tree, not just the direct child.
func (h *Host) Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error) {
	timeout, bounded := cmd.effectiveTimeout()
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.Command(cmd.Command, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)
	setProcessGroup(c)

	if cmd.Interactive {
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return h.wait(ctx, c, cmd, timeout, bounded)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	if err := c.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go consumeLines(stdout, onLine, &outBuf, &wg)
	go consumeLines(stderr, onLine, &errBuf, &wg)

	res, runErr := h.waitStarted(ctx, c, cmd, timeout, bounded)
	wg.Wait()
	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()
	return res, runErr
}

func (h *Host) wait(ctx context.Context, c *exec.Cmd, cmd Command, timeout time.Duration, bounded bool) (Result, error) {
	if err := c.Start(); err != nil {
		return Result{ExitCode: -1}, err
	}
	return h.waitStarted(ctx, c, cmd, timeout, bounded)
}

// waitStarted waits for an already started command, killing the process
// group when the context ends first.
func (h *Host) waitStarted(ctx context.Context, c *exec.Cmd, cmd Command, timeout time.Duration, bounded bool) (Result, error) {
	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode()}, nil
		}
		if err != nil {
			return Result{ExitCode: -1}, err
		}
		return Result{ExitCode: 0}, nil
	case <-ctx.Done():
		killProcessGroup(c)
		<-done
		if bounded && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{ExitCode: -1}, &TimeoutError{Command: cmd.Command, Limit: timeout}
		}
		return Result{ExitCode: -1}, ctx.Err()
	}
}

// IsAvailable checks PATH for the command.
func (h *Host) IsAvailable(_ context.Context, command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

func consumeLines(r io.Reader, onLine LineFunc, capture *strings.Builder, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if onLine != nil {
			onLine(line)
		} else {
			capture.WriteString(line)
			capture.WriteByte('\n')
		}
	}
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overlay[key]; !shadowed {
			out = append(out, kv)
		}
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
