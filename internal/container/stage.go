package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/ando/internal/retry"
)

// stageExcludes are directory names never copied into the container. Build
// outputs and dependency caches are either regenerated inside the container
// or would poison it with host-platform binaries.
var stageExcludes = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"bin":           true,
	"obj":           true,
	".vs":           true,
	".idea":         true,
	"packages":      true,
	"TestResults":   true,
	"coverage":      true,
	".pytest_cache": true,
	"__pycache__":   true,
	"dist":          true,
	"build":         true,
	"target":        true,
}

// StageProject copies the project tree at hostRoot into the container
// workspace. Files are copied, not bind-mounted: the build cannot touch host
// files except through CopyOut. Every build re-stages so source is fresh;
// whatever the container accumulated outside the workspace survives as cache.
func (m *Manager) StageProject(ctx context.Context, h Handle, hostRoot string) error {
	archive, err := tarDirectory(m.paths.ToLocal(hostRoot))
	if err != nil {
		return fmt.Errorf("stage project from %s: %w", hostRoot, err)
	}
	if err := m.api.CopyToContainer(ctx, h.ID, h.WorkspacePath, archive); err != nil {
		return retry.Transient(fmt.Errorf("copy project into %s: %w", h.Name, err))
	}
	slog.Debug("Staged project files", "container", h.Name, "source", hostRoot)
	return nil
}

// tarDirectory builds an in-memory tar of root, skipping excluded directories
// and symlinks. Project trees are source-sized; the heavy directories are the
// excluded ones.
func tarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if stageExcludes[info.Name()] {
				return filepath.SkipDir
			}
			hdr := &tar.Header{
				Name:     filepath.ToSlash(rel) + "/",
				Mode:     int64(info.Mode().Perm()),
				Typeflag: tar.TypeDir,
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// CleanArtifacts empties the workspace artifacts directory inside the
// container so a build only ever sees its own outputs.
func (m *Manager) CleanArtifacts(ctx context.Context, h Handle) error {
	dir := h.ArtifactsDir()
	if !strings.HasPrefix(dir, h.WorkspacePath) {
		return fmt.Errorf("artifacts dir %s escapes workspace", dir)
	}
	res, err := m.Exec(ctx, h, ExecSpec{
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf("rm -rf %s && mkdir -p %s", dir, dir)},
	}, nil)
	if err != nil {
		return fmt.Errorf("clean artifacts in %s: %w", h.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("clean artifacts in %s: exit %d", h.Name, res.ExitCode)
	}
	return nil
}
