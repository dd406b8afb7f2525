package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/google/shlex"
)

// HookPostServices names the config hooks run by the hooks module during
// configure-services.
const HookPostServices = "post-services"

var knownHooks = map[string]bool{HookPostRootfs: true, HookPostServices: true}

// Modules returns the built-in modules in registration order.
func Modules() []pipeline.Module {
	return []pipeline.Module{&sshModule{}, &gpuEnvModule{}, &hooksModule{}}
}

// baseServices are enabled on every flavor.
var baseServices = []string{"systemd-networkd", "systemd-resolved", "ssh"}

const netplanConfig = `network:
  version: 2
  renderer: networkd
  ethernets:
    eth0:
      dhcp4: yes
      dhcp6: yes
`

func fstab() string {
	return fmt.Sprintf(`# /etc/fstab: static file system information
/dev/mmcblk0p%d  /       ext4    defaults        0 1
/dev/mmcblk0p%d  /boot   vfat    defaults        0 2
`, rootPartition, bootPartition)
}

// serviceSteps enable the flavor's services and write the network and mount
// tables the image boots with.
func serviceSteps(env *pipeline.Env) []pipeline.Step {
	b := env.Build
	root := b.RootfsDir()
	chroot := func(name string, args ...string) func(context.Context) error {
		return func(ctx context.Context) error {
			return env.Runner.Run(ctx, chrootCommand(root, failure.InstallationFailed, name, args...), nil)
		}
	}

	var steps []pipeline.Step
	for _, unit := range baseServices {
		steps = append(steps, pipeline.Step{Name: "enable " + unit, Severity: pipeline.Advisory, Run: chroot("systemctl", "enable", unit)})
	}
	switch b.Flavor {
	case distro.Desktop:
		steps = append(steps, pipeline.Step{Name: "enable gdm3", Severity: pipeline.Advisory, Run: chroot("systemctl", "enable", "gdm3")})
	case distro.Server:
		steps = append(steps,
			pipeline.Step{Name: "firewall deny incoming", Severity: pipeline.Advisory, Run: chroot("ufw", "default", "deny", "incoming")},
			pipeline.Step{Name: "firewall allow outgoing", Severity: pipeline.Advisory, Run: chroot("ufw", "default", "allow", "outgoing")},
			pipeline.Step{Name: "firewall allow ssh", Severity: pipeline.Advisory, Run: chroot("ufw", "allow", "ssh")},
		)
	}
	return append(steps,
		pipeline.Step{
			Name:     "write netplan config",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(context.Context) error {
				return writeFile(filepath.Join(root, "etc/netplan/01-netcfg.yaml"), []byte(netplanConfig), 0o600)
			},
		},
		pipeline.Step{
			Name:     "write fstab",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(context.Context) error {
				return writeFile(filepath.Join(root, "etc/fstab"), []byte(fstab()), 0o644)
			},
		},
	)
}

func (s *set) configureServices(ctx context.Context, env *pipeline.Env) error {
	root := env.Build.RootfsDir()
	if !exists(root) {
		return failure.New(failure.FileNotFound, "configure services", "root filesystem not found at %s", root)
	}
	steps := serviceSteps(env)
	return s.inChroot(ctx, env, func() error {
		if err := pipeline.RunSteps(ctx, env.Log, steps); err != nil {
			return err
		}
		if env.Modules.Len() == 0 {
			env.Log.Info("no modules registered")
			return nil
		}
		return env.Modules.ExecuteAll(ctx, env)
	})
}

// sshModule installs the OpenSSH server, which every flavor enables, and
// checks the daemon configuration before the image ships.
type sshModule struct{}

func (*sshModule) Name() string                                 { return "ssh" }
func (*sshModule) Severity() pipeline.Severity                  { return pipeline.Advisory }
func (*sshModule) Init(context.Context, *pipeline.Env) error    { return nil }
func (*sshModule) Cleanup(context.Context, *pipeline.Env) error { return nil }

func (*sshModule) ContributeBuildOptions(b *pipeline.BuildContext) error {
	b.Packages = append(b.Packages, "openssh-server")
	return nil
}

func (*sshModule) ExecuteBuildStep(ctx context.Context, env *pipeline.Env) error {
	root := env.Build.RootfsDir()
	if !exists(filepath.Join(root, "usr/sbin/sshd")) {
		env.Log.Warn("sshd not installed in rootfs, skipping config check")
		return nil
	}
	return env.Runner.Run(ctx, chrootCommand(root, failure.InstallationFailed, "/usr/sbin/sshd", "-t"), nil)
}

const maliUdevRule = `KERNEL=="mali0", MODE="0660", GROUP="video"
`

// gpuEnvModule grants the video group access to the Mali device node and
// asks for the panfrost fallback driver as a module.
type gpuEnvModule struct{}

func (*gpuEnvModule) Name() string                                 { return "gpu-env" }
func (*gpuEnvModule) Severity() pipeline.Severity                  { return pipeline.Advisory }
func (*gpuEnvModule) Init(context.Context, *pipeline.Env) error    { return nil }
func (*gpuEnvModule) Cleanup(context.Context, *pipeline.Env) error { return nil }

func (*gpuEnvModule) ContributeBuildOptions(b *pipeline.BuildContext) error {
	if b.Features.GPU {
		b.KernelOptions = append(b.KernelOptions, "CONFIG_DRM_PANFROST=m")
	}
	return nil
}

func (*gpuEnvModule) ExecuteBuildStep(_ context.Context, env *pipeline.Env) error {
	if !env.Build.Features.GPU {
		return nil
	}
	return writeFile(filepath.Join(env.Build.RootfsDir(), "etc/udev/rules.d/50-mali.rules"), []byte(maliUdevRule), 0o644)
}

// hooksModule validates the configured hooks up front and runs the
// post-services hooks.
type hooksModule struct{}

func (*hooksModule) Name() string                                        { return "hooks" }
func (*hooksModule) Severity() pipeline.Severity                         { return pipeline.Hard }
func (*hooksModule) Cleanup(context.Context, *pipeline.Env) error        { return nil }
func (*hooksModule) ContributeBuildOptions(*pipeline.BuildContext) error { return nil }

func (*hooksModule) Init(_ context.Context, env *pipeline.Env) error {
	names := make([]string, 0, len(env.Build.Hooks))
	for name := range env.Build.Hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !knownHooks[name] {
			env.Log.Warn("hook point is never run", "hook", name)
		}
		for i, line := range env.Build.Hooks[name] {
			if _, err := shlex.Split(line); err != nil {
				return fmt.Errorf("hook %s[%d]: %w", name, i, err)
			}
		}
	}
	return nil
}

func (*hooksModule) ExecuteBuildStep(ctx context.Context, env *pipeline.Env) error {
	return runHooks(ctx, env, HookPostServices)
}
