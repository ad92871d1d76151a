package container

import (
	"path/filepath"
	"strings"
)

// PathMap translates between the path namespace the daemon's host sees and
// the controller's own filesystem view. When the controller itself runs in a
// container with the workspace bind-mounted, the paths it passes around are
// host paths, but tar staging and artifact extraction must go through the
// controller-local mount of the same tree.
type PathMap struct {
	HostRoot  string // workspace root as the daemon's host sees it
	LocalRoot string // the same root on the controller's own filesystem
}

// ToLocal rewrites a host-namespace path to the controller's view. Paths
// outside HostRoot, and an unconfigured map, pass through unchanged.
func (p PathMap) ToLocal(path string) string {
	if p.HostRoot == "" || p.LocalRoot == "" {
		return path
	}
	rel, err := filepath.Rel(p.HostRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(p.LocalRoot, rel)
}
