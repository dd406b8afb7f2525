// Package stages implements the ten build stages of an Orange Pi 5 Plus
// image build on top of the runner, resource guard and artifact resolver.
package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/buildkite/opibuild/internal/baseimage"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/resource"
	"github.com/buildkite/opibuild/internal/runner"
	"github.com/google/renameio"
)

const (
	defaultQemuStatic         = "/usr/bin/qemu-aarch64-static"
	defaultDebootstrapScripts = "/usr/share/debootstrap/scripts"
	chrootQemuPath            = "usr/bin/qemu-aarch64-static"
)

// BaseImageSource unpacks an OCI image as the first stage of a rootfs.
type BaseImageSource interface {
	Extract(ctx context.Context, ref, rootfs string) (baseimage.Result, error)
}

type Options struct {
	// BaseImage is used when the build names a base image instead of
	// bootstrapping with debootstrap.
	BaseImage BaseImageSource
	// QemuStatic is copied into the rootfs so foreign binaries run in the
	// chroot.
	QemuStatic string
	// DebootstrapScripts holds one script per supported release codename.
	DebootstrapScripts string
}

type set struct {
	baseImage  BaseImageSource
	qemuStatic string
	scriptsDir string
}

func newSet(opts Options) *set {
	s := &set{
		baseImage:  opts.BaseImage,
		qemuStatic: opts.QemuStatic,
		scriptsDir: opts.DebootstrapScripts,
	}
	if s.qemuStatic == "" {
		s.qemuStatic = defaultQemuStatic
	}
	if s.scriptsDir == "" {
		s.scriptsDir = defaultDebootstrapScripts
	}
	return s
}

// All returns every stage in execution order.
func All(opts Options) []pipeline.Stage {
	s := newSet(opts)
	return []pipeline.Stage{
		pipeline.StageFunc{StageName: pipeline.StageAcquireKernelSource, StageFeature: pipeline.FeatureKernel, Fn: s.acquireKernelSource},
		pipeline.StageFunc{StageName: pipeline.StageConfigureKernel, StageFeature: pipeline.FeatureKernel, Fn: s.configureKernel},
		pipeline.StageFunc{StageName: pipeline.StageBuildKernel, StageFeature: pipeline.FeatureKernel, Fn: s.buildKernel},
		pipeline.StageFunc{StageName: pipeline.StageAcquireGPUBlobs, StageFeature: pipeline.FeatureGPU, Fn: s.acquireGPUBlobs},
		pipeline.StageFunc{StageName: pipeline.StageBuildRootfs, StageFeature: pipeline.FeatureRootfs, Fn: s.buildRootfs},
		pipeline.StageFunc{StageName: pipeline.StageInstallKernelArtifact, StageFeature: pipeline.FeatureKernel, Fn: s.installKernel},
		pipeline.StageFunc{StageName: pipeline.StageInstallGPUDrivers, StageFeature: pipeline.FeatureGPU, Fn: s.installGPUDrivers},
		pipeline.StageFunc{StageName: pipeline.StageConfigureServices, StageFeature: pipeline.FeatureRootfs, Fn: s.configureServices},
		pipeline.StageFunc{StageName: pipeline.StageBuildBootloader, StageFeature: pipeline.FeatureBootloader, Fn: s.buildBootloader},
		pipeline.StageFunc{StageName: pipeline.StageAssembleImage, StageFeature: pipeline.FeatureImage, Fn: s.assembleImage},
	}
}

// makeCommand runs make in dir with the build's job count, ARCH,
// CROSS_COMPILE and extra arguments ahead of targets.
func makeCommand(b *pipeline.BuildContext, dir string, code failure.Code, targets ...string) runner.Command {
	args := []string{"-j" + strconv.Itoa(b.Jobs)}
	args = append(args, b.MakeEnv()...)
	args = append(args, b.ExtraMakeArgs...)
	args = append(args, targets...)
	return runner.Command{
		Name:       "make",
		Args:       args,
		Dir:        dir,
		ShowOutput: b.Verbose,
		FailCode:   code,
	}
}

// aptEnv pins the locale and keeps dpkg from prompting.
var aptEnv = []string{
	"LANG=C.UTF-8",
	"LANGUAGE=C.UTF-8",
	"LC_ALL=C.UTF-8",
	"DEBIAN_FRONTEND=noninteractive",
}

func chrootCommand(root string, code failure.Code, name string, args ...string) runner.Command {
	return runner.Command{
		Name:     "chroot",
		Args:     append([]string{root, name}, args...),
		Env:      aptEnv,
		FailCode: code,
	}
}

// inChroot mounts the pseudo filesystems under the rootfs and makes sure
// the qemu interpreter is present for as long as body runs. The guard scope
// is the only place those mounts are released.
func (s *set) inChroot(ctx context.Context, env *pipeline.Env, body func() error) error {
	root := env.Build.RootfsDir()
	if _, err := os.Stat(root); err != nil {
		return failure.Wrap(err, failure.FileNotFound, "rootfs")
	}
	qemu := filepath.Join(root, chrootQemuPath)
	placed := false
	if _, err := os.Stat(qemu); errors.Is(err, os.ErrNotExist) {
		if err := copyFile(s.qemuStatic, qemu, 0o755); err != nil {
			return failure.Wrap(err, failure.MissingDependency, "copy qemu-aarch64-static")
		}
		placed = true
	}
	defer func() {
		if !placed {
			return
		}
		if err := os.Remove(qemu); err != nil && !errors.Is(err, os.ErrNotExist) {
			env.Log.Warn("could not remove qemu interpreter from rootfs", "path", qemu, "error", err)
		}
	}()

	return env.Guard.With(ctx, []resource.Spec{resource.Chroot(root)}, func(resource.Handles) error {
		return body()
	})
}

// writeFile replaces path atomically, creating parent directories.
func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Chmod(perm); err != nil {
		return err
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}

// symlink points link at target, replacing whatever link was.
func symlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(target, link)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
