// Package container manages warm build containers: one named, long-lived
// container per (project, script-content-hash), reused across builds so
// dependency caches survive while the workspace is re-staged every run.
package container

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	containertypes "github.com/docker/docker/api/types/container"

	"git.home.luguber.info/inful/ando/internal/retry"
)

// Config describes the container a build needs.
type Config struct {
	ProjectName string
	ScriptHash  []byte // raw script bytes feed the name hash
	Image       string
	// WorkspacePath is the mount point inside the container, default /workspace.
	WorkspacePath string
}

// DefaultWorkspacePath is used when Config.WorkspacePath is empty.
const DefaultWorkspacePath = "/workspace"

// Handle identifies a running warm container.
type Handle struct {
	Name          string
	ID            string
	WorkspacePath string
}

// ArtifactsDir returns the in-container directory builds write artifacts to.
func (h Handle) ArtifactsDir() string {
	return path.Join(h.WorkspacePath, "artifacts")
}

// Manager creates, reuses, and operates warm containers. Per-name locks
// serialize builds that target the same container.
type Manager struct {
	api   DockerAPI
	paths PathMap

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wraps a Docker API connection.
func NewManager(api DockerAPI) *Manager {
	return &Manager{api: api, locks: make(map[string]*sync.Mutex)}
}

// UsePathMap enables host-to-local path translation for staging and artifact
// extraction. Only needed when the controller runs inside a container with
// the workspace bind-mounted from the host.
func (m *Manager) UsePathMap(p PathMap) {
	m.paths = p
}

// Available reports whether the container daemon answers.
func (m *Manager) Available(ctx context.Context) bool {
	return m.api.Ping(ctx) == nil
}

// ContainerName derives the deterministic warm-container name:
// ando-<slugified-project>-<first 8 hex of md5(script)>. The name rolls over
// when the script changes, invalidating stale container state.
func ContainerName(projectName string, scriptBytes []byte) string {
	sum := md5.Sum(scriptBytes)
	return fmt.Sprintf("ando-%s-%s", slugify(projectName), hex.EncodeToString(sum[:])[:8])
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '-', r == '.', r == '/':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Lock acquires the per-container mutex for the duration of a build. The
// warm container is a shared resource; two builds for the same
// (project, script-hash) must not interleave inside it.
func (m *Manager) Lock(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// EnsureContainer is idempotent: an existing running container is reused, a
// stopped one is started, and only a missing one is created. The keep-alive
// command is an indefinite sleep so exec sessions have a live target.
func (m *Manager) EnsureContainer(ctx context.Context, cfg Config) (Handle, error) {
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = DefaultWorkspacePath
	}
	name := ContainerName(cfg.ProjectName, cfg.ScriptHash)
	handle := Handle{Name: name, WorkspacePath: cfg.WorkspacePath}

	info, err := m.api.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		handle.ID = info.ID
		if info.State != nil && info.State.Running {
			slog.Debug("Reusing warm container", "container", name)
			return handle, nil
		}
		slog.Info("Starting stopped warm container", "container", name)
		if err := m.api.ContainerStart(ctx, info.ID); err != nil {
			return Handle{}, retry.Transient(fmt.Errorf("start container %s: %w", name, err))
		}
		return handle, nil

	case m.api.IsErrNotFound(err):
		// fall through to creation

	default:
		// Daemon unreachable or misbehaving; a bad image name would have
		// been a not-found. Worth another attempt.
		return Handle{}, retry.Transient(fmt.Errorf("inspect container %s: %w", name, err))
	}

	slog.Info("Creating warm container", "container", name, "image", cfg.Image)
	if err := m.api.ImagePull(ctx, cfg.Image); err != nil {
		return Handle{}, fmt.Errorf("pull image %s: %w", cfg.Image, err)
	}

	created, err := m.api.ContainerCreate(ctx, &containertypes.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: cfg.WorkspacePath,
		Labels:     map[string]string{"io.ando.project": slugify(cfg.ProjectName)},
	}, &containertypes.HostConfig{}, name)
	if err != nil {
		return Handle{}, retry.Transient(fmt.Errorf("create container %s: %w", name, err))
	}
	handle.ID = created.ID

	if err := m.api.ContainerStart(ctx, created.ID); err != nil {
		return Handle{}, retry.Transient(fmt.Errorf("start container %s: %w", name, err))
	}
	return handle, nil
}

// Remove forcibly removes a container by name. Used on explicit clean or
// image change; never called on the success path, which keeps the container
// warm.
func (m *Manager) Remove(ctx context.Context, name string) error {
	err := m.api.ContainerRemove(ctx, name)
	if err != nil && !m.api.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// TranslatePath maps a host-side argument into container space. Arguments
// already under the container workspace pass unchanged; host paths inside the
// project root are rewritten relative to the workspace; bare relative paths
// resolve against the workspace.
func (h Handle) TranslatePath(arg, hostRoot string) string {
	if strings.HasPrefix(arg, h.WorkspacePath) {
		return arg
	}
	if filepath.IsAbs(arg) {
		if rel, err := filepath.Rel(hostRoot, arg); err == nil && !strings.HasPrefix(rel, "..") {
			return path.Join(h.WorkspacePath, filepath.ToSlash(rel))
		}
		return arg
	}
	return path.Join(h.WorkspacePath, filepath.ToSlash(arg))
}
