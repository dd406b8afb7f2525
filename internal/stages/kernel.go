package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
)

const (
	FlavorOrangePi = "orangepi"
	FlavorRockchip = "rockchip"
	FlavorMainline = "mainline"
	FlavorOverride = "override"

	// KernelSourceEnv replaces the kernel tree URL for one build.
	KernelSourceEnv = "KERNEL_SOURCE_URL"

	boardDTS       = "rk3588-orangepi-5-plus.dts"
	boardDTSURL    = "https://raw.githubusercontent.com/orangepi-xunlong/linux-orangepi/orange-pi-5.10-rk3588/arch/arm64/boot/dts/rockchip/" + boardDTS
	boardDefconfig = "orangepi_5_plus_defconfig"
	rockchipDTSDir = "arch/arm64/boot/dts/rockchip"
)

type kernelTier struct {
	flavor  string
	locator string
	ref     string
}

func kernelTiers(version string) []kernelTier {
	return []kernelTier{
		{flavor: FlavorOrangePi, locator: "https://github.com/orangepi-xunlong/linux.git", ref: "orange-pi-5.10-rk3588"},
		{flavor: FlavorRockchip, locator: "https://github.com/rockchip-linux/kernel.git", ref: "develop-5.10"},
		{flavor: FlavorMainline, locator: "https://github.com/torvalds/linux.git", ref: mainlineTag(version)},
		{flavor: FlavorMainline, locator: "https://github.com/torvalds/linux.git"},
	}
}

// mainlineTag maps 6.1.0 to v6.1; mainline never tags a .0 patch level.
func mainlineTag(version string) string {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if parts := strings.Split(v, "."); len(parts) == 3 && parts[2] == "0" {
		v = parts[0] + "." + parts[1]
	}
	return "v" + v
}

var armbianPatchSets = []string{
	"https://raw.githubusercontent.com/armbian/build/master/patch/kernel/rockchip-rk3588-current",
	"https://raw.githubusercontent.com/armbian/build/master/patch/kernel/rockchip-rk3588-edge",
}

func (s *set) acquireKernelSource(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	dest := b.KernelDir()
	staging := filepath.Join(b.BuildDir, "linux_temp")
	for _, dir := range []string{dest, staging} {
		if err := os.RemoveAll(dir); err != nil {
			return failure.Wrap(err, failure.PermissionDenied, "clear "+dir)
		}
	}

	tiers := kernelTiers(b.KernelVersion)
	chain := artifact.Chain{
		Name:        "kernel source",
		Kind:        artifact.KindGit,
		EnvOverride: KernelSourceEnv,
		FailCode:    failure.NetworkFailure,
		Retry:       &runner.DefaultRetry,
	}
	for _, t := range tiers {
		chain.Candidates = append(chain.Candidates, artifact.Candidate{Locator: t.locator, Ref: t.ref, Required: true})
	}

	res, err := env.Resolver.Resolve(ctx, chain, staging)
	if err != nil {
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		return failure.Wrap(err, failure.FileNotFound, "move kernel source into place")
	}

	flavor := FlavorOverride
	if res.Index >= 0 {
		flavor = tiers[res.Index].flavor
	}
	b.KernelFlavor = flavor
	env.Log.Info("kernel source ready", "flavor", flavor, "source", res.Locator, "path", dest)

	switch flavor {
	case FlavorRockchip:
		return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{{
			Name:     "add board device tree",
			Severity: pipeline.Advisory,
			Run:      func(ctx context.Context) error { return addBoardDeviceTree(ctx, env) },
		}})
	case FlavorMainline:
		return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{{
			Name:     "apply armbian patches",
			Severity: pipeline.Advisory,
			Run:      func(ctx context.Context) error { return applyArmbianPatches(ctx, env) },
		}})
	}
	return nil
}

// addBoardDeviceTree drops the Orange Pi board dts into a tree that lacks it
// and registers the dtb with the rockchip dts Makefile.
func addBoardDeviceTree(ctx context.Context, env *pipeline.Env) error {
	dir := filepath.Join(env.Build.KernelDir(), rockchipDTSDir)
	_, err := env.Resolver.Resolve(ctx, artifact.Chain{
		Name:       "board device tree",
		Kind:       artifact.KindFile,
		Candidates: []artifact.Candidate{{Locator: boardDTSURL, MinSize: 1000}},
		FailCode:   failure.NetworkFailure,
	}, filepath.Join(dir, boardDTS))
	if err != nil {
		return err
	}

	makefile := filepath.Join(dir, "Makefile")
	line := "dtb-$(CONFIG_ARCH_ROCKCHIP) += rk3588-orangepi-5-plus.dtb"
	existing, err := os.ReadFile(makefile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if strings.Contains(string(existing), line) {
		return nil
	}
	f, err := os.OpenFile(makefile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString("\n" + line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// applyArmbianPatches applies whatever Armbian patch sets can be fetched.
// Each set and each application is best effort.
func applyArmbianPatches(ctx context.Context, env *pipeline.Env) error {
	patchDir := filepath.Join(env.Build.BuildDir, "patches")
	applied := 0
	for _, url := range armbianPatchSets {
		dest := filepath.Join(patchDir, filepath.Base(url)+".patch")
		if _, err := env.Resolver.Resolve(ctx, artifact.Chain{
			Name:       "armbian patches " + filepath.Base(url),
			Kind:       artifact.KindFile,
			Candidates: []artifact.Candidate{{Locator: url}},
			FailCode:   failure.NetworkFailure,
		}, dest); err != nil {
			if failure.IsCancelled(err) {
				return err
			}
			continue
		}
		err := env.Runner.Run(ctx, runner.Command{
			Name:     "patch",
			Args:     []string{"-p1", "--forward", "-i", dest},
			Dir:      env.Build.KernelDir(),
			FailCode: failure.CompilationFailed,
		}, nil)
		if err != nil {
			if failure.IsCancelled(err) {
				return err
			}
			env.Log.Warn("armbian patch set did not apply cleanly", "patch", filepath.Base(dest), "error", err)
			continue
		}
		applied++
	}
	env.Log.Info("armbian patches applied", "applied", applied, "offered", len(armbianPatchSets))
	return nil
}

// rk3588Options are appended to .config after the defconfig.
var rk3588Options = []string{
	"CONFIG_ARCH_ROCKCHIP=y",
	"CONFIG_ARM64=y",
	"CONFIG_ROCKCHIP_RK3588=y",
	"CONFIG_DRM_ROCKCHIP=y",
	"CONFIG_DRM_PANFROST=y",
	"CONFIG_MALI_MIDGARD=m",
	"CONFIG_MALI_CSF_SUPPORT=y",
	"CONFIG_DMA_CMA=y",
	"CONFIG_CMA=y",
	"CONFIG_EXTCON=y",
	"CONFIG_PHY_ROCKCHIP_DPHY=y",
	"CONFIG_PHY_ROCKCHIP_PCIE=y",
	"CONFIG_PHY_ROCKCHIP_TYPEC=y",
	"CONFIG_PHY_ROCKCHIP_NANENG_USB2=y",
	"CONFIG_PHY_ROCKCHIP_INNO_USB2=y",
	"CONFIG_PHY_ROCKCHIP_INNO_USB3=y",
	"CONFIG_PHY_ROCKCHIP_INNO_DSIDPHY=y",
	"CONFIG_ROCKCHIP_IOMMU=y",
	"CONFIG_ROCKCHIP_SUSPEND_MODE=y",
	"CONFIG_ROCKCHIP_THERMAL=y",
	"CONFIG_SND_SOC_ROCKCHIP=y",
	"CONFIG_SND_SOC_ROCKCHIP_I2S=y",
	"CONFIG_SND_SOC_ROCKCHIP_PDM=y",
	"CONFIG_SND_SOC_ROCKCHIP_SPDIF=y",
	"CONFIG_USB_DWC3_ROCKCHIP=y",
	"CONFIG_GPIO_ROCKCHIP=y",
	"CONFIG_PINCTRL_ROCKCHIP=y",
	"CONFIG_MMC_DW_ROCKCHIP=y",
	"CONFIG_I2C_ROCKCHIP=y",
	"CONFIG_SPI_ROCKCHIP=y",
	"CONFIG_PWM_ROCKCHIP=y",
	"CONFIG_ROCKCHIP_MULTI_RGA=y",
	"CONFIG_VIDEO_ROCKCHIP_ISP=y",
	"CONFIG_VIDEO_ROCKCHIP_ISPP=y",
}

// defconfigChain lists the defconfigs to try, most specific first.
func defconfigChain(b *pipeline.BuildContext) []string {
	if b.KernelFlavor == FlavorMainline {
		return []string{"defconfig"}
	}
	var out []string
	seen := map[string]bool{}
	for _, name := range []string{boardDefconfig, b.Defconfig, "defconfig"} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func (s *set) configureKernel(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	dir := b.KernelDir()
	if !exists(filepath.Join(dir, "Makefile")) {
		return failure.New(failure.FileNotFound, "configure kernel", "no kernel tree at %s", dir)
	}

	if err := applyDefconfig(ctx, env, dir); err != nil {
		return err
	}

	lines := append(append([]string{}, rk3588Options...), b.KernelOptions...)
	if err := appendConfig(filepath.Join(dir, ".config"), "Orange Pi 5 Plus (RK3588)", lines); err != nil {
		return failure.Wrap(err, failure.KernelConfigFailed, "append rk3588 options")
	}
	if b.KernelFlavor == FlavorMainline {
		err := pipeline.RunSteps(ctx, env.Log, []pipeline.Step{{
			Name:     "integrate mali gpu support",
			Severity: pipeline.Advisory,
			Run:      func(ctx context.Context) error { return integrateMali(ctx, env) },
		}})
		if err != nil {
			return err
		}
	}
	return env.Runner.Run(ctx, makeCommand(b, dir, failure.KernelConfigFailed, "olddefconfig"), nil)
}

func applyDefconfig(ctx context.Context, env *pipeline.Env, dir string) error {
	var errs []error
	for _, name := range defconfigChain(env.Build) {
		if name != "defconfig" && !exists(filepath.Join(dir, "arch", "arm64", "configs", name)) {
			env.Log.Debug("defconfig not in tree, skipping", "defconfig", name)
			continue
		}
		err := env.Runner.Run(ctx, makeCommand(env.Build, dir, failure.KernelConfigFailed, name), nil)
		if err == nil {
			env.Log.Info("kernel configured", "defconfig", name)
			return nil
		}
		if failure.IsCancelled(err) {
			return err
		}
		env.Log.Warn("defconfig failed, trying next", "defconfig", name, "error", err)
		errs = append(errs, err)
	}
	return failure.Wrap(errors.Join(errs...), failure.KernelConfigFailed, "apply defconfig")
}

func appendConfig(path, title string, lines []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("\n# " + title + "\n")
	for _, l := range lines {
		sb.WriteString(strings.TrimSpace(l))
		sb.WriteByte('\n')
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *set) buildKernel(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	dir := b.KernelDir()
	steps := make([]pipeline.Step, 0, 3)
	for _, target := range []string{"Image", "dtbs", "modules"} {
		target := target
		steps = append(steps, pipeline.Step{
			Name:     "make " + target,
			Severity: pipeline.Hard,
			Code:     failure.CompilationFailed,
			Run: func(ctx context.Context) error {
				return env.Runner.Run(ctx, makeCommand(b, dir, failure.CompilationFailed, target), nil)
			},
		})
	}
	return pipeline.RunSteps(ctx, env.Log, steps)
}

func (s *set) installKernel(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	dir := b.KernelDir()
	boot := filepath.Join(b.RootfsDir(), "boot")
	if err := os.MkdirAll(boot, 0o755); err != nil {
		return failure.Wrap(err, failure.FileNotFound, "create boot directory")
	}

	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
		{
			Name:     "install kernel image",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(context.Context) error {
				return copyFile(filepath.Join(dir, "arch", "arm64", "boot", "Image"), filepath.Join(boot, "vmlinuz-"+b.KernelVersion), 0o644)
			},
		},
		{
			Name:     "install device tree blobs",
			Severity: pipeline.Advisory,
			Run: func(context.Context) error {
				return installDTBs(filepath.Join(dir, rockchipDTSDir), filepath.Join(boot, "dtbs", "rockchip"))
			},
		},
		{
			Name:     "install kernel modules",
			Severity: pipeline.Hard,
			Code:     failure.InstallationFailed,
			Run: func(ctx context.Context) error {
				cmd := makeCommand(b, dir, failure.InstallationFailed, "INSTALL_MOD_PATH="+b.RootfsDir(), "modules_install")
				return env.Runner.Run(ctx, cmd, nil)
			},
		},
		{
			Name:     "create initramfs",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				return s.inChroot(ctx, env, func() error {
					return env.Runner.Run(ctx, chrootCommand(b.RootfsDir(), failure.InstallationFailed, "update-initramfs", "-c", "-k", b.KernelVersion), nil)
				})
			},
		},
	})
}

func installDTBs(srcDir, destDir string) error {
	matches, err := filepath.Glob(filepath.Join(srcDir, "rk3588*.dtb"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rk3588 device tree blobs in %s", srcDir)
	}
	for _, m := range matches {
		if err := copyFile(m, filepath.Join(destDir, filepath.Base(m)), 0o644); err != nil {
			return err
		}
	}
	return nil
}
