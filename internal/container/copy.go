package container

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// CopyOut extracts a file or directory from the container to hostPath. Used
// for artifact extraction; on Unix the extracted files are chowned to the
// invoking user, since the daemon writes them as the container's user.
func (m *Manager) CopyOut(ctx context.Context, h Handle, containerPath, hostPath string) error {
	rc, err := m.api.CopyFromContainer(ctx, h.ID, containerPath)
	if err != nil {
		return fmt.Errorf("copy %s out of %s: %w", containerPath, h.Name, err)
	}
	defer rc.Close()

	hostPath = m.paths.ToLocal(hostPath)
	if err := extractTar(rc, hostPath); err != nil {
		return fmt.Errorf("extract %s: %w", containerPath, err)
	}

	if runtime.GOOS != "windows" {
		fixOwnership(hostPath, os.Getuid(), os.Getgid())
	}
	return nil
}

// extractTar writes the archive's contents under dst. The daemon wraps even a
// single file in a tar stream rooted at the file's base name.
func extractTar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	first := true
	singleFile := false

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if first {
			first = false
			singleFile = hdr.Typeflag == tar.TypeReg
		}

		var target string
		if singleFile {
			// A single-file archive lands exactly at dst.
			target = dst
		} else {
			clean := filepath.Clean(hdr.Name)
			if strings.HasPrefix(clean, "..") {
				return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
			}
			// Strip the leading directory the daemon adds.
			parts := strings.SplitN(filepath.ToSlash(clean), "/", 2)
			if len(parts) < 2 {
				continue
			}
			target = filepath.Join(dst, filepath.FromSlash(parts[1]))
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		default:
			// symlinks and specials are not artifacts
		}
	}
}

func fixOwnership(path string, uid, gid int) {
	err := filepath.Walk(path, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(p, uid, gid)
	})
	if err != nil {
		slog.Warn("Failed to fix artifact ownership", "path", path, "error", err)
	}
}
