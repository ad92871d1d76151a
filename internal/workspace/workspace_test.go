package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_AndArtifactDirs(t *testing.T) {
	root := filepath.Join(t.TempDir(), "artifacts")
	m := NewManager(root, "")

	require.NoError(t, m.Create())
	assert.DirExists(t, root)
	assert.Equal(t, root, m.ArtifactRoot())

	dir, err := m.ArtifactDir(3, 17)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "3", "17"), dir)
	assert.DirExists(t, dir)
}

func TestArtifactPath_SanitizesName(t *testing.T) {
	m := NewManager("/data/artifacts", "")

	assert.Equal(t, "/data/artifacts/3/17/coverage.xml", m.ArtifactPath(3, 17, "coverage.xml"))
	// Directory components in the name are stripped; nothing escapes the root.
	assert.Equal(t, "/data/artifacts/3/17/passwd", m.ArtifactPath(3, 17, "../../etc/passwd"))
	assert.Equal(t, "/data/artifacts/3/17/report.html", m.ArtifactPath(3, 17, "reports/report.html"))
}

func TestRemoveBuildAndProjectArtifacts(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "")

	dirA, err := m.ArtifactDir(1, 10)
	require.NoError(t, err)
	dirB, err := m.ArtifactDir(1, 11)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("x"), 0o644))

	require.NoError(t, m.RemoveBuildArtifacts(1, 10))
	assert.NoDirExists(t, dirA)
	assert.DirExists(t, dirB)

	require.NoError(t, m.RemoveProjectArtifacts(1))
	assert.NoDirExists(t, filepath.Join(root, "1"))

	// Removing what is already gone is fine.
	assert.NoError(t, m.RemoveBuildArtifacts(99, 99))
	assert.NoError(t, m.RemoveProjectArtifacts(99))
}

func TestStagingDir_Lifecycle(t *testing.T) {
	base := t.TempDir()
	m := NewManager(t.TempDir(), base)

	dir, err := m.StagingDir(42)
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.True(t, strings.HasPrefix(filepath.Base(dir), "ando-build-42-"))
	assert.Equal(t, base, filepath.Dir(dir))

	m.CleanupStaging(dir)
	assert.NoDirExists(t, dir)

	// Empty and already-removed paths are no-ops.
	m.CleanupStaging("")
	m.CleanupStaging(dir)
}
