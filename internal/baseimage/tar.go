package baseimage

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// extractTar unpacks a flattened image filesystem. Ownership is applied when
// running as root; the setuid binaries in a rootfs depend on it.
func extractTar(root string, stream io.Reader) error {
	tr := tar.NewReader(stream)
	asRoot := os.Geteuid() == 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read base image tar stream: %w", err)
		}

		// Directories are followed through an existing symlink so their mode
		// lands on the real directory inside root.
		target, err := entryPath(root, hdr.Name, hdr.Typeflag == tar.TypeDir)
		if err != nil {
			return err
		}
		mode := hdr.FileInfo().Mode()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode.Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := replaceWith(target, func() error { return os.Symlink(hdr.Linkname, target) }); err != nil {
				return fmt.Errorf("create symlink %q -> %q: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkTarget, err := entryPath(root, hdr.Linkname, false)
			if err != nil {
				return err
			}
			if err := replaceWith(target, func() error { return os.Link(linkTarget, target) }); err != nil {
				return fmt.Errorf("create hard link %q -> %q: %w", target, linkTarget, err)
			}
			continue
		default:
			// Device nodes and fifos are skipped; /dev is bind-mounted in the chroot.
			continue
		}

		if asRoot {
			if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
				return fmt.Errorf("chown %q: %w", target, err)
			}
		}
		if hdr.Typeflag != tar.TypeSymlink {
			if err := os.Chmod(target, mode); err != nil {
				return fmt.Errorf("chmod %q: %w", target, err)
			}
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %q: %w", target, err)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace file %q: %w", target, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode.Perm())
	if err != nil {
		return fmt.Errorf("create file %q: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write file %q: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %q: %w", target, err)
	}
	return nil
}

func replaceWith(target string, create func() error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return create()
}

func safeJoin(root, name string) (string, error) {
	root = filepath.Clean(root)
	clean := filepath.Clean(strings.TrimPrefix(name, "/"))
	if clean == "." {
		return root, nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("refusing tar entry with unsafe path %q", name)
	}
	joined := filepath.Join(root, clean)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing tar entry outside root %q", name)
	}
	return joined, nil
}

const maxSymlinkHops = 255

// entryPath maps a tar entry name to a host path under root. Symlinks already
// extracted are followed as if root were "/", so no entry can be written
// outside root. The last element is followed only when followLast is set.
func entryPath(root, name string, followLast bool) (string, error) {
	if _, err := safeJoin(root, name); err != nil {
		return "", err
	}
	root = filepath.Clean(root)

	pending := splitPath(name)
	var resolved []string
	hops := 0
	for len(pending) > 0 {
		elem := pending[0]
		pending = pending[1:]
		switch elem {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}
		if len(pending) == 0 && !followLast {
			resolved = append(resolved, elem)
			continue
		}

		current := joinUnder(root, append(resolved, elem))
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			resolved = append(resolved, elem)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("inspect %q for tar entry %q: %w", current, name, err)
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = append(resolved, elem)
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("too many symlinks resolving tar entry %q", name)
		}
		link, err := os.Readlink(current)
		if err != nil {
			return "", fmt.Errorf("read symlink %q for tar entry %q: %w", current, name, err)
		}
		if filepath.IsAbs(link) {
			resolved = resolved[:0]
		}
		pending = append(splitPath(link), pending...)
	}
	return joinUnder(root, resolved), nil
}

func joinUnder(root string, elems []string) string {
	return filepath.Join(append([]string{root}, elems...)...)
}

func splitPath(p string) []string {
	return strings.Split(filepath.ToSlash(p), "/")
}
