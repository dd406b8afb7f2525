package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sbinPrefixes are searched when a binary is not on PATH; non-root shells
// often lack the sbin directories where debootstrap and mkfs live.
var sbinPrefixes = []string{"/usr/local", "/usr", "/"}

// Tool is a host binary the build shells out to.
type Tool struct {
	Binary  string
	Package string
	// Features lists the build features that need the tool. Empty means
	// every build needs it.
	Features []string
}

// RequiredTools lists the host binaries for a build. crossCompile is the
// toolchain prefix, for example aarch64-linux-gnu-.
func RequiredTools(crossCompile string) []Tool {
	gcc := strings.TrimSpace(crossCompile) + "gcc"
	return []Tool{
		{Binary: "git", Package: "git"},
		{Binary: "make", Package: "make", Features: []string{"kernel", "bootloader"}},
		{Binary: gcc, Package: "gcc-aarch64-linux-gnu", Features: []string{"kernel", "bootloader"}},
		{Binary: "bc", Package: "bc", Features: []string{"kernel"}},
		{Binary: "flex", Package: "flex", Features: []string{"kernel"}},
		{Binary: "bison", Package: "bison", Features: []string{"kernel"}},
		{Binary: "patch", Package: "patch", Features: []string{"kernel"}},
		{Binary: "dtc", Package: "device-tree-compiler", Features: []string{"bootloader"}},
		{Binary: "debootstrap", Package: "debootstrap", Features: []string{"rootfs"}},
		{Binary: "qemu-aarch64-static", Package: "qemu-user-static", Features: []string{"rootfs"}},
		{Binary: "chroot", Package: "coreutils", Features: []string{"rootfs"}},
		{Binary: "parted", Package: "parted", Features: []string{"image"}},
		{Binary: "mkfs.vfat", Package: "dosfstools", Features: []string{"image"}},
		{Binary: "mkfs.ext4", Package: "e2fsprogs", Features: []string{"image"}},
		{Binary: "rsync", Package: "rsync", Features: []string{"image"}},
	}
}

// Needed reports whether any of the tool's features is enabled.
func (t Tool) Needed(enabled func(feature string) bool) bool {
	if len(t.Features) == 0 {
		return true
	}
	for _, f := range t.Features {
		if enabled(f) {
			return true
		}
	}
	return false
}

// ResolveBinary finds binary on PATH or in the sbin directories.
func ResolveBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, sbinPrefixes))
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", errors.New("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		info, err := stat(candidate)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s not found in PATH or sbin directories", trimmed)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes)*2)
	for _, prefix := range prefixes {
		for _, dir := range []string{"sbin", "bin"} {
			path := filepath.Join(prefix, dir, trimmed)
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out
}

// InstallHint is the apt command that provides the missing tools.
func InstallHint(missing []Tool) string {
	if len(missing) == 0 {
		return ""
	}
	seen := map[string]struct{}{}
	pkgs := make([]string, 0, len(missing))
	for _, t := range missing {
		if _, ok := seen[t.Package]; ok {
			continue
		}
		seen[t.Package] = struct{}{}
		pkgs = append(pkgs, t.Package)
	}
	return "sudo apt install -y " + strings.Join(pkgs, " ")
}
