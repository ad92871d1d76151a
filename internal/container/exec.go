package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecSpec describes one command execution inside a container. Args are
// passed as a list and never reassembled through a shell.
type ExecSpec struct {
	Command string
	Args    []string
	Dir     string // working directory inside the container; empty = workspace
	Env     map[string]string
}

// ExecResult reports how an exec session ended.
type ExecResult struct {
	ExitCode int
}

// Exec runs a command inside the container, invoking onLine for every output
// line as it arrives. stderr is treated as ordinary output; many tools write
// progress there. When ctx is cancelled the process tree is killed inside
// the container before the session is torn down.
func (m *Manager) Exec(ctx context.Context, h Handle, spec ExecSpec, onLine func(line string)) (ExecResult, error) {
	dir := spec.Dir
	if dir == "" {
		dir = h.WorkspacePath
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	execID, err := m.api.ExecCreate(ctx, h.ID, containertypes.ExecOptions{
		Cmd:          append([]string{spec.Command}, spec.Args...),
		WorkingDir:   dir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create in %s: %w", h.Name, err)
	}

	attach, err := m.api.ExecAttach(ctx, execID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach in %s: %w", h.Name, err)
	}
	defer attach.Close()

	// Without a TTY the daemon multiplexes stdout/stderr with stdcopy
	// framing; demux both onto one line stream.
	pr, pw := io.Pipe()
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(err)
		copyDone <- err
	}()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
	}()

	select {
	case <-ctx.Done():
		// Closing the hijacked connection only tears down the client side;
		// the daemon keeps the exec'd process running and has no kill API
		// for exec sessions. Kill the process tree from inside the
		// container before tearing the stream down.
		m.killExec(ctx, h, execID)
		attach.Close()
		<-scanDone
		return ExecResult{}, ctx.Err()
	case <-copyDone:
		<-scanDone
	}

	inspect, err := m.api.ExecInspect(ctx, execID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect in %s: %w", h.Name, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode}, nil
}

// killExec terminates the process behind a cancelled exec session with a
// second exec inside the container: the process group first, then the
// process itself for shells that did not create one.
func (m *Manager) killExec(ctx context.Context, h Handle, execID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	inspect, err := m.api.ExecInspect(ctx, execID)
	if err != nil || inspect.Pid == 0 {
		slog.Warn("Cannot resolve exec pid for kill", "container", h.Name, "error", err)
		return
	}
	if !inspect.Running {
		return
	}

	killID, err := m.api.ExecCreate(ctx, h.ID, containertypes.ExecOptions{
		Cmd: []string{"sh", "-c",
			fmt.Sprintf("kill -9 -%d 2>/dev/null || kill -9 %d", inspect.Pid, inspect.Pid)},
	})
	if err != nil {
		slog.Warn("Failed to create kill exec", "container", h.Name, "error", err)
		return
	}
	attach, err := m.api.ExecAttach(ctx, killID)
	if err != nil {
		slog.Warn("Failed to run kill exec", "container", h.Name, "error", err)
		return
	}
	attach.Close()
}
