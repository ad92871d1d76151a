// Package workspace manages host-side directories: the artifact root where
// extracted build outputs live, and ephemeral checkout directories used to
// stage project source before it is copied into a container.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Manager handles artifact and staging directories under a fixed base.
type Manager struct {
	artifactRoot string
	stagingBase  string
}

// NewManager creates a workspace manager. An empty staging base falls back to
// the system temp directory.
func NewManager(artifactRoot, stagingBase string) *Manager {
	if stagingBase == "" {
		stagingBase = os.TempDir()
	}
	return &Manager{artifactRoot: artifactRoot, stagingBase: stagingBase}
}

// Create ensures the artifact root exists.
func (m *Manager) Create() error {
	if err := os.MkdirAll(m.artifactRoot, 0o750); err != nil {
		return fmt.Errorf("create artifact root: %w", err)
	}
	slog.Debug("Artifact root ready", "path", m.artifactRoot)
	return nil
}

// ArtifactRoot returns the base directory for extracted artifacts.
func (m *Manager) ArtifactRoot() string {
	return m.artifactRoot
}

// ArtifactDir returns (and creates) the directory for one build's artifacts:
// <root>/<project_id>/<build_id>.
func (m *Manager) ArtifactDir(projectID, buildID int64) (string, error) {
	dir := filepath.Join(m.artifactRoot,
		strconv.FormatInt(projectID, 10),
		strconv.FormatInt(buildID, 10))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

// ArtifactPath returns the on-disk path for a named artifact without creating
// anything. Name is sanitized to its base to keep paths inside the root.
func (m *Manager) ArtifactPath(projectID, buildID int64, name string) string {
	return filepath.Join(m.artifactRoot,
		strconv.FormatInt(projectID, 10),
		strconv.FormatInt(buildID, 10),
		filepath.Base(name))
}

// RemoveBuildArtifacts deletes a build's artifact directory.
func (m *Manager) RemoveBuildArtifacts(projectID, buildID int64) error {
	dir := filepath.Join(m.artifactRoot,
		strconv.FormatInt(projectID, 10),
		strconv.FormatInt(buildID, 10))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove artifact dir: %w", err)
	}
	return nil
}

// RemoveProjectArtifacts deletes every artifact directory of a project.
// Used when the parent project row cascades.
func (m *Manager) RemoveProjectArtifacts(projectID int64) error {
	dir := filepath.Join(m.artifactRoot, strconv.FormatInt(projectID, 10))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove project artifacts: %w", err)
	}
	return nil
}

// StagingDir creates an ephemeral directory for checking out a build's source.
// The caller removes it with CleanupStaging when the build finishes.
func (m *Manager) StagingDir(buildID int64) (string, error) {
	dir, err := os.MkdirTemp(m.stagingBase, fmt.Sprintf("ando-build-%d-", buildID))
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	slog.Debug("Created staging dir", "path", dir)
	return dir, nil
}

// CleanupStaging removes a staging directory created by StagingDir.
func (m *Manager) CleanupStaging(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("Failed to clean up staging dir", "path", dir, "error", err)
	}
}
