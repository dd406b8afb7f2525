package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
)

func TestAcquireKernelSourceFallsBackToRockchipTree(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	host.fetch = func(req artifact.FetchRequest) error {
		switch {
		case strings.Contains(req.Display, "orangepi-xunlong/linux.git"):
			return errors.New("remote branch not found")
		case strings.Contains(req.Display, "rockchip-linux/kernel.git"):
			if req.Ref != "develop-5.10" {
				t.Errorf("unexpected rockchip ref %q", req.Ref)
			}
			writeTestFile(t, filepath.Join(req.Dest, "Makefile"), "VERSION = 5\n")
			writeTestFile(t, filepath.Join(req.Dest, rockchipDTSDir, "Makefile"), "dtb-$(CONFIG_ARCH_ROCKCHIP) += rk3588-evb1-lp4-v10.dtb\n")
			return nil
		case strings.HasSuffix(req.Display, boardDTS):
			writeTestFile(t, req.Dest, "/dts-v1/;\n"+strings.Repeat("/* node */\n", 200))
			return nil
		}
		return errors.New("unexpected fetch " + req.Display)
	}
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	if err := s.acquireKernelSource(context.Background(), te.Env); err != nil {
		t.Fatalf("acquireKernelSource returned error: %v", err)
	}
	if got, want := te.Build.KernelFlavor, FlavorRockchip; got != want {
		t.Fatalf("unexpected kernel flavor: got %q want %q", got, want)
	}
	dir := te.Build.KernelDir()
	if !exists(filepath.Join(dir, rockchipDTSDir, boardDTS)) {
		t.Fatal("expected board device tree in kernel tree")
	}
	makefile := readTestFile(t, filepath.Join(dir, rockchipDTSDir, "Makefile"))
	if got := strings.Count(makefile, "rk3588-orangepi-5-plus.dtb"); got != 1 {
		t.Fatalf("expected one board dtb entry, got %d in:\n%s", got, makefile)
	}
	if exists(filepath.Join(te.Build.BuildDir, "linux_temp")) {
		t.Fatal("staging tree left behind")
	}
}

func TestAcquireKernelSourceMainlinePatchesAreBestEffort(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	var mainlineRef string
	host.fetch = func(req artifact.FetchRequest) error {
		switch {
		case strings.Contains(req.Display, "torvalds/linux.git"):
			mainlineRef = req.Ref
			writeTestFile(t, filepath.Join(req.Dest, "Makefile"), "VERSION = 6\n")
			return nil
		case strings.HasSuffix(req.Display, "rockchip-rk3588-current"):
			writeTestFile(t, req.Dest, "--- a/x\n+++ b/x\n")
			return nil
		}
		return errors.New("not found")
	}
	host.fail["patch -p1"] = exitErr(1)
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	if err := s.acquireKernelSource(context.Background(), te.Env); err != nil {
		t.Fatalf("acquireKernelSource returned error: %v", err)
	}
	if got, want := te.Build.KernelFlavor, FlavorMainline; got != want {
		t.Fatalf("unexpected kernel flavor: got %q want %q", got, want)
	}
	if got, want := mainlineRef, "v6.1"; got != want {
		t.Fatalf("unexpected mainline ref: got %q want %q", got, want)
	}
	if got := host.ran("patch -p1"); got != 1 {
		t.Fatalf("expected one patch attempt, got %d", got)
	}
}

func TestAcquireKernelSourceExhaustedIsNetworkFailure(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	err := s.acquireKernelSource(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.NetworkFailure; got != want {
		t.Fatalf("unexpected code: got %s want %s (%v)", got, want, err)
	}
	if got, want := len(host.fetches), len(kernelTiers("6.1.0")); got != want {
		t.Fatalf("unexpected fetch count: got %d want %d", got, want)
	}
}

func TestMainlineTag(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"6.1.0":  "v6.1",
		"6.6.12": "v6.6.12",
		"v6.8":   "v6.8",
	} {
		if got := mainlineTag(in); got != want {
			t.Fatalf("mainlineTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigureKernelWalksDefconfigChain(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)
	b := te.Build
	b.KernelFlavor = FlavorRockchip
	b.KernelOptions = []string{"CONFIG_SSH_MARKER=y"}
	dir := b.KernelDir()
	writeTestFile(t, filepath.Join(dir, "Makefile"), "VERSION = 5\n")
	writeTestFile(t, filepath.Join(dir, ".config"), "CONFIG_LOCALVERSION=\"\"\n")
	writeTestFile(t, filepath.Join(dir, "arch/arm64/configs/rockchip_defconfig"), "CONFIG_ARM64=y\n")

	makePrefix := "make -j8 ARCH=arm64 CROSS_COMPILE=aarch64-linux-gnu- "
	host.fail[makePrefix+"rockchip_defconfig"] = exitErr(2)

	if err := s.configureKernel(context.Background(), te.Env); err != nil {
		t.Fatalf("configureKernel returned error: %v", err)
	}
	if host.ran(makePrefix+boardDefconfig) != 0 {
		t.Fatal("board defconfig attempted although the tree lacks it")
	}
	for _, target := range []string{"rockchip_defconfig", "defconfig", "olddefconfig"} {
		if host.ran(makePrefix+target) != 1 {
			t.Fatalf("expected one %s run, commands: %v", target, host.commands)
		}
	}
	config := readTestFile(t, filepath.Join(dir, ".config"))
	mustContain(t, ".config", config, "CONFIG_ROCKCHIP_RK3588=y", "CONFIG_MALI_MIDGARD=m", "CONFIG_SSH_MARKER=y")
}

func TestConfigureKernelMissingTree(t *testing.T) {
	t.Parallel()

	te := newTestEnv(t, newFakeHost())
	s, _ := testSet(t)
	err := s.configureKernel(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.FileNotFound; got != want {
		t.Fatalf("unexpected code: got %s want %s", got, want)
	}
}

func TestBuildKernelStopsAtFirstFailedTarget(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)
	te.Build.ExtraMakeArgs = []string{"KCFLAGS=-O2 -pipe"}
	prefix := "make -j8 ARCH=arm64 CROSS_COMPILE=aarch64-linux-gnu- KCFLAGS=-O2 -pipe "
	host.fail[prefix+"dtbs"] = exitErr(2)

	err := s.buildKernel(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.CompilationFailed; got != want {
		t.Fatalf("unexpected code: got %s want %s", got, want)
	}
	if host.ran(prefix+"Image") != 1 || host.ran(prefix+"modules") != 0 {
		t.Fatalf("unexpected commands: %v", host.commands)
	}
}

func TestInstallKernelToleratesMissingDeviceTrees(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)
	b := te.Build
	writeTestFile(t, filepath.Join(b.KernelDir(), "arch/arm64/boot/Image"), "kernel-image")

	if err := s.installKernel(context.Background(), te.Env); err != nil {
		t.Fatalf("installKernel returned error: %v", err)
	}
	if got := readTestFile(t, filepath.Join(b.RootfsDir(), "boot", "vmlinuz-6.1.0")); got != "kernel-image" {
		t.Fatalf("unexpected kernel image content %q", got)
	}
	if host.ran("make -j8 ARCH=arm64 CROSS_COMPILE=aarch64-linux-gnu- INSTALL_MOD_PATH="+b.RootfsDir()+" modules_install") != 1 {
		t.Fatalf("modules_install not run: %v", host.commands)
	}
	if host.ran("chroot "+b.RootfsDir()+" update-initramfs -c -k 6.1.0") != 1 {
		t.Fatalf("initramfs not generated: %v", host.commands)
	}
	mustContain(t, "log", te.log.String(), "advisory step failed", "install device tree blobs")
	if exists(filepath.Join(b.RootfsDir(), chrootQemuPath)) {
		t.Fatal("qemu interpreter left in rootfs")
	}
	if te.Guard.Outstanding() != 0 {
		t.Fatalf("chroot mounts left outstanding: %d", te.Guard.Outstanding())
	}
}

func TestInstallKernelMissingImageIsHard(t *testing.T) {
	t.Parallel()

	host := newFakeHost()
	te := newTestEnv(t, host)
	s, _ := testSet(t)

	err := s.installKernel(context.Background(), te.Env)
	if got, want := failure.CodeOf(err), failure.InstallationFailed; got != want {
		t.Fatalf("unexpected code: got %s want %s", got, want)
	}
	if _, statErr := os.Stat(filepath.Join(te.Build.RootfsDir(), "boot")); statErr != nil {
		t.Fatalf("expected boot directory: %v", statErr)
	}
	if host.ran("make") != 0 {
		t.Fatal("modules_install ran after the image failed to install")
	}
}
