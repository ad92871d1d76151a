package container

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// DockerAPI is the slice of the Docker Engine client the manager uses.
// Tests substitute a fake; production wraps *client.Client.
type DockerAPI interface {
	ContainerInspect(ctx context.Context, id string) (containertypes.InspectResponse, error)
	ContainerCreate(ctx context.Context, cfg *containertypes.Config, hostCfg *containertypes.HostConfig, name string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
	ImagePull(ctx context.Context, ref string) error
	ExecCreate(ctx context.Context, containerID string, opts containertypes.ExecOptions) (string, error)
	ExecAttach(ctx context.Context, execID string) (types.HijackedResponse, error)
	ExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)
	CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error
	CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error)
	IsErrNotFound(err error) bool
	Ping(ctx context.Context) error
}

// engineClient adapts *client.Client to DockerAPI.
type engineClient struct {
	cli *client.Client
}

// NewDockerAPI connects to the Docker daemon. An empty host uses the
// environment (DOCKER_HOST or the default socket).
func NewDockerAPI(host string) (DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &engineClient{cli: cli}, nil
}

func (e *engineClient) ContainerInspect(ctx context.Context, id string) (containertypes.InspectResponse, error) {
	return e.cli.ContainerInspect(ctx, id)
}

func (e *engineClient) ContainerCreate(ctx context.Context, cfg *containertypes.Config, hostCfg *containertypes.HostConfig, name string) (containertypes.CreateResponse, error) {
	return e.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
}

func (e *engineClient) ContainerStart(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, containertypes.StartOptions{})
}

func (e *engineClient) ContainerRemove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true})
}

func (e *engineClient) ImagePull(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, imagetypes.PullOptions{})
	if err != nil {
		return err
	}
	// The pull completes only once the progress stream is drained.
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

func (e *engineClient) ExecCreate(ctx context.Context, containerID string, opts containertypes.ExecOptions) (string, error) {
	resp, err := e.cli.ContainerExecCreate(ctx, containerID, opts)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *engineClient) ExecAttach(ctx context.Context, execID string) (types.HijackedResponse, error) {
	return e.cli.ContainerExecAttach(ctx, execID, containertypes.ExecAttachOptions{})
}

func (e *engineClient) ExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error) {
	return e.cli.ContainerExecInspect(ctx, execID)
}

func (e *engineClient) CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader) error {
	return e.cli.CopyToContainer(ctx, id, dstPath, content, containertypes.CopyToContainerOptions{})
}

func (e *engineClient) CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, id, srcPath)
	return rc, err
}

func (e *engineClient) IsErrNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

func (e *engineClient) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}
