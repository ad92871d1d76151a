package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execDocker fakes the exec side of the daemon API. The first attach hands
// out one end of a pipe so the session blocks like a real hijacked
// connection; the test drives the other end.
type execDocker struct {
	mu       sync.Mutex
	created  []containertypes.ExecOptions
	inspect  containertypes.ExecInspect
	server   net.Conn
	attached chan struct{}
	once     sync.Once
}

func newExecDocker() *execDocker {
	return &execDocker{attached: make(chan struct{})}
}

func (f *execDocker) ExecCreate(_ context.Context, _ string, opts containertypes.ExecOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, opts)
	return fmt.Sprintf("exec-%d", len(f.created)), nil
}

func (f *execDocker) ExecAttach(context.Context, string) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	f.mu.Lock()
	if f.server == nil {
		f.server = server
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.attached) })
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *execDocker) ExecInspect(context.Context, string) (containertypes.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspect, nil
}

func (f *execDocker) createdCmds() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([][]string, len(f.created))
	for i, o := range f.created {
		cmds[i] = o.Cmd
	}
	return cmds
}

func (f *execDocker) ContainerInspect(context.Context, string) (containertypes.InspectResponse, error) {
	return containertypes.InspectResponse{}, errors.New("not implemented")
}

func (f *execDocker) ContainerCreate(context.Context, *containertypes.Config, *containertypes.HostConfig, string) (containertypes.CreateResponse, error) {
	return containertypes.CreateResponse{}, errors.New("not implemented")
}

func (f *execDocker) ContainerStart(context.Context, string) error { return errors.New("not implemented") }

func (f *execDocker) ContainerRemove(context.Context, string) error {
	return errors.New("not implemented")
}

func (f *execDocker) ImagePull(context.Context, string) error { return errors.New("not implemented") }

func (f *execDocker) CopyToContainer(context.Context, string, string, io.Reader) error {
	return errors.New("not implemented")
}

func (f *execDocker) CopyFromContainer(context.Context, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *execDocker) IsErrNotFound(error) bool   { return false }
func (f *execDocker) Ping(context.Context) error { return nil }

func TestExec_StreamsOutputAndReportsExitCode(t *testing.T) {
	f := newExecDocker()
	f.inspect = containertypes.ExecInspect{ExitCode: 7}
	m := NewManager(f)
	h := Handle{ID: "cid", Name: "ando-demo", WorkspacePath: "/workspace"}

	var mu sync.Mutex
	var lines []string
	resCh := make(chan ExecResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := m.Exec(context.Background(), h, ExecSpec{Command: "make", Args: []string{"test"}}, func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		})
		resCh <- res
		errCh <- err
	}()

	select {
	case <-f.attached:
	case <-time.After(2 * time.Second):
		t.Fatal("exec never attached")
	}
	out := stdcopy.NewStdWriter(f.server, stdcopy.Stdout)
	_, err := out.Write([]byte("compiling\nok\n"))
	require.NoError(t, err)
	require.NoError(t, f.server.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("exec did not finish")
	}
	assert.Equal(t, ExecResult{ExitCode: 7}, <-resCh)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"compiling", "ok"}, lines)
}

func TestExec_CancelKillsProcessInsideContainer(t *testing.T) {
	f := newExecDocker()
	f.inspect = containertypes.ExecInspect{Pid: 4242, Running: true}
	m := NewManager(f)
	h := Handle{ID: "cid", Name: "ando-demo", WorkspacePath: "/workspace"}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Exec(ctx, h, ExecSpec{Command: "sleep", Args: []string{"600"}}, nil)
		errCh <- err
	}()

	select {
	case <-f.attached:
	case <-time.After(2 * time.Second):
		t.Fatal("exec never attached")
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("exec did not unwind after cancel")
	}

	// The warm container outlives the session, so tearing down the stream
	// is not enough: a second exec must have shot the process tree.
	cmds := f.createdCmds()
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"sh", "-c", "kill -9 -4242 2>/dev/null || kill -9 4242"}, cmds[1])
}

func TestExec_CancelSkipsKillWhenProcessAlreadyExited(t *testing.T) {
	f := newExecDocker()
	f.inspect = containertypes.ExecInspect{Pid: 4242, Running: false}
	m := NewManager(f)
	h := Handle{ID: "cid", Name: "ando-demo", WorkspacePath: "/workspace"}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Exec(ctx, h, ExecSpec{Command: "true"}, nil)
		errCh <- err
	}()

	select {
	case <-f.attached:
	case <-time.After(2 * time.Second):
		t.Fatal("exec never attached")
	}
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("exec did not unwind after cancel")
	}
	require.Len(t, f.createdCmds(), 1)
}
