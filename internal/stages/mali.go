package stages

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
	"github.com/klauspost/compress/gzip"
)

type maliPatchRepo struct {
	locator string
	ref     string
	// dir holds the patches inside the checkout.
	dir string
}

var maliPatchRepos = []maliPatchRepo{
	{locator: "https://github.com/armbian/build.git", dir: "patch/kernel/rockchip-rk3588-edge"},
	{locator: "https://github.com/JeffyCN/mirrors.git", ref: "libmali", dir: "patches"},
}

const (
	maliPatchArchive = "https://gitlab.freedesktop.org/panfrost/linux/-/archive/master/linux-master.tar.gz"
	maliOverlayPath  = "arch/arm64/boot/dts/rockchip/overlay-mali-g610.dts"
	maliKconfigPath  = "drivers/gpu/arm/Kconfig"
)

// maliOptions are appended after the rk3588 options and win over them.
var maliOptions = []string{
	"CONFIG_DRM_PANFROST=m",
	"CONFIG_DRM_MALI_DISPLAY=m",
	"CONFIG_MALI_CSF_SUPPORT=y",
	"CONFIG_MALI_MIDGARD=m",
	"# CONFIG_MALI_MIDGARD_ENABLE_TRACE is not set",
	"CONFIG_MALI_DEVFREQ=y",
	"CONFIG_MALI_DMA_FENCE=y",
	`CONFIG_MALI_PLATFORM_NAME="rk3588"`,
	"CONFIG_MALI_SHARED_INTERRUPTS=y",
	"CONFIG_MALI_EXPERT=y",
	"CONFIG_MALI_G610=m",
}

const maliOverlay = `/dts-v1/;
/plugin/;

/ {
    compatible = "rockchip,rk3588";

    fragment@0 {
        target-path = "/";
        __overlay__ {
            gpu: gpu@fb000000 {
                compatible = "arm,mali-g610", "arm,mali-valhall-csf";
                reg = <0x0 0xfb000000 0x0 0x200000>;
                interrupts = <GIC_SPI 92 IRQ_TYPE_LEVEL_HIGH>,
                            <GIC_SPI 93 IRQ_TYPE_LEVEL_HIGH>,
                            <GIC_SPI 94 IRQ_TYPE_LEVEL_HIGH>;
                interrupt-names = "GPU", "MMU", "JOB";
                clocks = <&cru CLK_GPU>;
                clock-names = "gpu";
                power-domains = <&power RK3588_PD_GPU>;
                operating-points-v2 = <&gpu_opp_table>;
                #cooling-cells = <2>;
                status = "okay";
            };
        };
    };
};
`

const maliKconfig = `
config MALI_G610
    tristate "Mali G610 GPU support"
    depends on ARM64 && ARCH_ROCKCHIP
    select MALI_MIDGARD
    select MALI_CSF_SUPPORT
    help
      Enable Mali G610 GPU support for RK3588 devices
      This option enables Mali GPU support for the
      Rockchip RK3588 platform like Orange Pi 5 Plus.
`

// integrateMali adds Mali G610 support to a mainline tree. Downloaded patches
// are applied best effort; without any, a device tree overlay and Kconfig
// entry are written instead. The Mali options are appended either way.
func integrateMali(ctx context.Context, env *pipeline.Env) error {
	dir := env.Build.KernelDir()
	work := filepath.Join(env.Build.BuildDir, "patches", "mali")
	if err := os.RemoveAll(work); err != nil {
		return err
	}

	patches, err := fetchMaliPatches(ctx, env, work)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		env.Log.Warn("no mali patches available, adding device tree overlay and Kconfig entry")
		if err := writeMaliFallback(dir); err != nil {
			return err
		}
	} else {
		applied := 0
		for _, p := range patches {
			err := env.Runner.Run(ctx, runner.Command{
				Name:     "patch",
				Args:     []string{"-p1", "--forward", "-i", p},
				Dir:      dir,
				FailCode: failure.CompilationFailed,
			}, nil)
			if err != nil {
				if failure.IsCancelled(err) {
					return err
				}
				env.Log.Warn("mali patch did not apply cleanly", "patch", filepath.Base(p), "error", err)
				continue
			}
			applied++
		}
		env.Log.Info("mali patches applied", "applied", applied, "offered", len(patches))
	}
	return appendConfig(filepath.Join(dir, ".config"), "Mali GPU", maliOptions)
}

// fetchMaliPatches tries the patch repositories, then the patch archive. Only
// cancellation is returned as an error; an exhausted source yields no
// patches.
func fetchMaliPatches(ctx context.Context, env *pipeline.Env, work string) ([]string, error) {
	chain := artifact.Chain{Name: "mali patches", Kind: artifact.KindGit, FailCode: failure.NetworkFailure}
	for _, repo := range maliPatchRepos {
		chain.Candidates = append(chain.Candidates, artifact.Candidate{Locator: repo.locator, Ref: repo.ref})
	}
	checkout := filepath.Join(work, "source")
	res, err := env.Resolver.Resolve(ctx, chain, checkout)
	switch {
	case err == nil:
		patches, err := findMaliPatches(filepath.Join(checkout, maliPatchRepos[res.Index].dir))
		if err == nil && len(patches) > 0 {
			return patches, nil
		}
		env.Log.Warn("no mali patches in checkout", "source", res.Locator, "error", err)
	case failure.IsCancelled(err):
		return nil, err
	}

	archive := filepath.Join(work, "mali-patches.tar.gz")
	_, err = env.Resolver.Resolve(ctx, artifact.Chain{
		Name:       "mali patch archive",
		Kind:       artifact.KindFile,
		Candidates: []artifact.Candidate{{Locator: maliPatchArchive, MinSize: 10000}},
		FailCode:   failure.NetworkFailure,
	}, archive)
	if err != nil {
		if failure.IsCancelled(err) {
			return nil, err
		}
		return nil, nil
	}
	patches, err := extractMaliPatches(archive, filepath.Join(work, "archive"))
	if err != nil {
		env.Log.Warn("could not read mali patch archive", "error", err)
		return nil, nil
	}
	return patches, nil
}

func isMaliPatch(name string) bool {
	name = strings.ToLower(filepath.Base(name))
	return strings.HasSuffix(name, ".patch") && (strings.Contains(name, "mali") || strings.Contains(name, "panfrost"))
}

func findMaliPatches(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && isMaliPatch(path) {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// extractMaliPatches copies the Mali patches out of a gzipped tarball into
// dir, flattened and numbered in archive path order.
func extractMaliPatches(archive, dir string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archive, err)
	}
	defer zr.Close()

	type entry struct {
		name string
		body []byte
	}
	var entries []entry
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg || !isMaliPatch(hdr.Name) {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s from %s: %w", hdr.Name, archive, err)
		}
		entries = append(entries, entry{name: hdr.Name, body: body})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	out := make([]string, 0, len(entries))
	for i, e := range entries {
		path := filepath.Join(dir, fmt.Sprintf("%04d-%s", i, filepath.Base(e.name)))
		if err := writeFile(path, e.body, 0o644); err != nil {
			return nil, err
		}
		out = append(out, path)
	}
	return out, nil
}

func writeMaliFallback(kernelDir string) error {
	if err := writeFile(filepath.Join(kernelDir, maliOverlayPath), []byte(maliOverlay), 0o644); err != nil {
		return err
	}
	kconfig := filepath.Join(kernelDir, maliKconfigPath)
	existing, err := os.ReadFile(kconfig)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if strings.Contains(string(existing), "config MALI_G610\n") {
		return nil
	}
	return writeFile(kconfig, append(existing, maliKconfig...), 0o644)
}
