package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
	"github.com/google/shlex"
)

// HookPostRootfs names the config hooks run at the end of build-rootfs.
const HookPostRootfs = "post-rootfs"

var gpuPackages = []string{"mesa-utils", "glmark2-es2", "vulkan-tools"}

// ensureDebootstrapScript makes sure debootstrap knows the requested
// release. An unknown codename is pointed at the fallback script, and when
// that is impossible the build is downgraded to the fallback release.
func (s *set) ensureDebootstrapScript(env *pipeline.Env) {
	b := env.Build
	script := filepath.Join(s.scriptsDir, b.Codename)
	if exists(script) {
		return
	}
	fallback := filepath.Join(s.scriptsDir, distro.FallbackCodename)
	if exists(fallback) {
		if err := os.Symlink(distro.FallbackCodename, script); err == nil {
			env.Log.Warn("debootstrap has no script for release, using fallback script", "codename", b.Codename, "fallback", distro.FallbackCodename)
			return
		}
	}
	rel, _ := distro.FindRelease(distro.FallbackCodename)
	env.Log.Warn("release unsupported by debootstrap, downgrading", "release", b.Release, "codename", b.Codename, "to", rel.Codename)
	b.Release = rel.Version
	b.Codename = rel.Codename
}

func sourcesList(mirror, codename string) string {
	var sb strings.Builder
	for _, suite := range []string{codename, codename + "-updates", codename + "-security", codename + "-backports"} {
		fmt.Fprintf(&sb, "deb %s %s main restricted universe multiverse\n", mirror, suite)
	}
	return sb.String()
}

func hostsFile(hostname string) string {
	return fmt.Sprintf(`127.0.0.1	localhost
127.0.1.1	%s
::1	localhost ip6-localhost ip6-loopback
ff02::1	ip6-allnodes
ff02::2	ip6-allrouters
`, hostname)
}

func (s *set) buildRootfs(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	root := b.RootfsDir()
	if err := removePreviousRootfs(env, root); err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return failure.Wrap(err, failure.PermissionDenied, "create "+root)
	}

	bootstrapped := b.BaseImage == ""
	if bootstrapped {
		s.ensureDebootstrapScript(env)
		err := env.Runner.Run(ctx, runner.Command{
			Name: "debootstrap",
			Args: []string{
				"--arch=arm64", "--foreign", "--include=wget,ca-certificates,locales",
				b.Codename, root, b.RootfsMirror,
			},
			Env:        []string{"PYTHONWARNINGS=ignore"},
			ShowOutput: b.Verbose,
			FailCode:   failure.InstallationFailed,
		}, &runner.DefaultRetry)
		if err != nil {
			return err
		}
	} else {
		if s.baseImage == nil {
			return failure.New(failure.MissingDependency, "base image", "no base image extractor configured for %s", b.BaseImage)
		}
		if _, err := s.baseImage.Extract(ctx, b.BaseImage, root); err != nil {
			return failure.Wrap(err, failure.NetworkFailure, "extract base image "+b.BaseImage)
		}
	}

	packages := distro.Packages(b.Flavor, b.ExtraPackages)
	chroot := func(code failure.Code, name string, args ...string) func(context.Context) error {
		return func(ctx context.Context) error {
			return env.Runner.Run(ctx, chrootCommand(root, code, name, args...), nil)
		}
	}

	steps := []pipeline.Step{}
	if bootstrapped {
		steps = append(steps, pipeline.Step{
			Name:     "debootstrap second stage",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(ctx context.Context) error {
				cmd := chrootCommand(root, failure.InstallationFailed, "/debootstrap/debootstrap", "--second-stage")
				cmd.ShowOutput = b.Verbose
				return env.Runner.Run(ctx, cmd, nil)
			},
		})
	}
	steps = append(steps,
		pipeline.Step{Name: "generate locale", Severity: pipeline.Advisory, Run: chroot(failure.InstallationFailed, "locale-gen", "en_US.UTF-8")},
		pipeline.Step{Name: "set default locale", Severity: pipeline.Advisory, Run: chroot(failure.InstallationFailed, "update-locale", "LANG=en_US.UTF-8")},
		pipeline.Step{
			Name:     "write apt sources",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(context.Context) error {
				return writeFile(filepath.Join(root, "etc/apt/sources.list"), []byte(sourcesList(b.RootfsMirror, b.Codename)), 0o644)
			},
		},
		pipeline.Step{
			Name:     "apt update",
			Severity: pipeline.Hard,
			Code:     failure.NetworkFailure,
			Run: func(ctx context.Context) error {
				return env.Runner.Run(ctx, chrootCommand(root, failure.NetworkFailure, "apt-get", "update"), &runner.DefaultRetry)
			},
		},
		pipeline.Step{
			Name:     "install packages",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(ctx context.Context) error {
				cmd := chrootCommand(root, failure.InstallationFailed, "apt-get", append([]string{"install", "-y"}, packages...)...)
				cmd.ShowOutput = b.Verbose
				return env.Runner.Run(ctx, cmd, &runner.DefaultRetry)
			},
		},
		pipeline.Step{
			Name:     "install module packages",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				if len(b.Packages) == 0 {
					return nil
				}
				return env.Runner.Run(ctx, chrootCommand(root, failure.InstallationFailed, "apt-get", append([]string{"install", "-y"}, b.Packages...)...), nil)
			},
		},
		pipeline.Step{
			Name:     "install gpu userspace",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				if !b.Features.GPU {
					return nil
				}
				return env.Runner.Run(ctx, chrootCommand(root, failure.GPUDriverFailure, "apt-get", append([]string{"install", "-y"}, gpuPackages...)...), nil)
			},
		},
		pipeline.Step{
			Name:     "set hostname",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(context.Context) error {
				if err := writeFile(filepath.Join(root, "etc/hostname"), []byte(b.Hostname+"\n"), 0o644); err != nil {
					return err
				}
				return writeFile(filepath.Join(root, "etc/hosts"), []byte(hostsFile(b.Hostname)), 0o644)
			},
		},
		pipeline.Step{
			Name:     "create user",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run:      func(ctx context.Context) error { return createUser(ctx, env) },
		},
	)
	steps = append(steps, emulationSteps(env)...)
	steps = append(steps,
		pipeline.Step{
			Name:     "run " + HookPostRootfs + " hooks",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run:      func(ctx context.Context) error { return runHooks(ctx, env, HookPostRootfs) },
		},
	)

	err := s.inChroot(ctx, env, func() error {
		return pipeline.RunSteps(ctx, env.Log, steps)
	})
	if err != nil {
		return err
	}
	env.Log.Info("rootfs ready", "path", root, "codename", b.Codename, "flavor", b.Flavor, "packages", len(packages))
	return nil
}

// removePreviousRootfs deletes what an earlier run left at root. Nothing may
// still be mounted beneath it, or the removal would reach into the host.
func removePreviousRootfs(env *pipeline.Env, root string) error {
	if !exists(root) {
		return nil
	}
	if err := env.Guard.ReleaseUnder(root); err != nil {
		return failure.Wrap(err, failure.InstallationFailed, "release mounts under "+root)
	}
	env.Log.Info("removing previous rootfs", "path", root)
	if err := os.RemoveAll(root); err != nil {
		return failure.Wrap(err, failure.PermissionDenied, "remove previous rootfs "+root)
	}
	return nil
}

func createUser(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	root := b.RootfsDir()

	passwd, err := os.ReadFile(filepath.Join(root, "etc/passwd"))
	if err != nil {
		return err
	}
	if !bytes.Contains(passwd, []byte("\n"+b.Username+":")) && !bytes.HasPrefix(passwd, []byte(b.Username+":")) {
		err := env.Runner.Run(ctx, chrootCommand(root, failure.InstallationFailed,
			"useradd", "-m", "-s", "/bin/bash", "-G", "sudo,video,audio,plugdev", b.Username), nil)
		if err != nil {
			return err
		}
	}

	cmd := chrootCommand(root, failure.InstallationFailed, "chpasswd")
	cmd.Stdin = strings.NewReader(b.Username + ":" + b.Password + "\n")
	if err := env.Runner.Run(ctx, cmd, nil); err != nil {
		return err
	}
	return writeFile(filepath.Join(root, "etc/sudoers.d", b.Username), []byte(b.Username+" ALL=(ALL) NOPASSWD:ALL\n"), 0o440)
}

// runHooks runs the named config hooks inside the rootfs, in order.
func runHooks(ctx context.Context, env *pipeline.Env, name string) error {
	b := env.Build
	for i, line := range b.Hooks[name] {
		argv, err := shlex.Split(line)
		if err != nil {
			return fmt.Errorf("hook %s[%d]: %w", name, i, err)
		}
		if len(argv) == 0 {
			continue
		}
		cmd := chrootCommand(b.RootfsDir(), failure.InstallationFailed, argv[0], argv[1:]...)
		cmd.ShowOutput = b.Verbose
		if err := env.Runner.Run(ctx, cmd, nil); err != nil {
			return fmt.Errorf("hook %s[%d]: %w", name, i, err)
		}
	}
	return nil
}
