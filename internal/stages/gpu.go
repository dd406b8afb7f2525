package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
)

const (
	MaliFirmwareEnv = "MALI_FIRMWARE_URL"
	MaliDriverEnv   = "MALI_DRIVER_URL"

	maliBase    = "https://github.com/JeffyCN/mirrors/raw/libmali/"
	maliLibDir  = "lib/aarch64-linux-gnu/"
	maliMinSize = 10000

	maliFirmware     = "mali_csffw.bin"
	maliWayland      = "libmali-valhall-g610-g6p0-wayland-gbm.so"
	maliX11          = "libmali-valhall-g610-g6p0-x11-wayland-gbm.so"
	maliVulkan       = "libmali-valhall-g610-g6p0-wayland-gbm-vulkan.so"
	rootfsLibDir     = "usr/lib/aarch64-linux-gnu"
	vulkanICDPath    = "usr/share/vulkan/icd.d/mali_icd.aarch64.json"
	vulkanLibrary    = "/usr/lib/aarch64-linux-gnu/libmali-vulkan.so.1"
	openCLVendorsDir = "etc/OpenCL/vendors"
)

var maliRetry = runner.RetryPolicy{MaxAttempts: 2, Delay: 2 * time.Second}

type gpuBlob struct {
	file  string
	chain artifact.Chain
	// feature, when set, must be enabled for the blob to be fetched.
	feature pipeline.Feature
}

func gpuBlobs() []gpuBlob {
	candidate := func(url string, required bool) artifact.Candidate {
		return artifact.Candidate{Locator: url, MinSize: maliMinSize, Required: required}
	}
	chain := func(name, env string, cands ...artifact.Candidate) artifact.Chain {
		return artifact.Chain{
			Name:        name,
			Kind:        artifact.KindFile,
			Candidates:  cands,
			EnvOverride: env,
			FailCode:    failure.GPUDriverFailure,
			Retry:       &maliRetry,
		}
	}
	firmware := chain("mali firmware", MaliFirmwareEnv, candidate(maliBase+"firmware/g610/"+maliFirmware, true))
	driver := chain("mali driver", MaliDriverEnv,
		candidate(maliBase+maliLibDir+maliWayland, true),
		candidate("https://github.com/JeffyCN/mali_libs/raw/master/"+maliLibDir+maliWayland, true),
		candidate("https://github.com/armbian/build/raw/master/packages/blobs/mali/rk3588/g610/"+maliWayland, true),
	)
	x11 := chain("mali x11 driver", "", candidate(maliBase+maliLibDir+maliX11, false))
	vulkan := chain("mali vulkan driver", "", candidate(maliBase+maliLibDir+maliVulkan, false))

	return []gpuBlob{
		{file: maliFirmware, chain: firmware},
		{file: maliWayland, chain: driver},
		{file: maliX11, chain: x11},
		{file: maliVulkan, chain: vulkan, feature: pipeline.FeatureVulkan},
	}
}

func (s *set) acquireGPUBlobs(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	dir := b.GPUDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failure.Wrap(err, failure.PermissionDenied, "create "+dir)
	}
	for _, blob := range gpuBlobs() {
		if blob.feature != pipeline.FeatureNone && !b.Features.Enabled(blob.feature) {
			env.Log.Info("skipping gpu blob, feature disabled", "blob", blob.file, "feature", blob.feature)
			continue
		}
		_, err := env.Resolver.Resolve(ctx, blob.chain, filepath.Join(dir, blob.file))
		if err == nil {
			continue
		}
		if artifact.IsSoft(err) {
			env.Log.Warn("optional gpu blob unavailable", "blob", blob.file)
			continue
		}
		return err
	}
	return nil
}

var maliSymlinks = []struct{ versioned, plain string }{
	{"libEGL.so.1", "libEGL.so"},
	{"libGLESv1_CM.so.1", "libGLESv1_CM.so"},
	{"libGLESv2.so.2", "libGLESv2.so"},
	{"libgbm.so.1", "libgbm.so"},
}

const maliModprobe = `# Mali GPU configuration
options mali_kbase mali_debug_level=2
options mali_kbase mali_shared_mem_size=268435456
`

const openCLProfile = `export OCL_ICD_VENDORS=/etc/OpenCL/vendors
export MALI_OPENCL_VERSION=220
export GPU_FORCE_64BIT_PTR=1
export GPU_MAX_HEAP_SIZE=100
export GPU_MAX_ALLOC_PERCENT=100
`

const vulkanProfile = `export VK_ICD_FILENAMES=/usr/share/vulkan/icd.d/mali_icd.aarch64.json
export VK_LAYER_PATH=/usr/share/vulkan/explicit_layer.d
`

type vulkanICD struct {
	FileFormatVersion string `json:"file_format_version"`
	ICD               struct {
		LibraryPath string `json:"library_path"`
		APIVersion  string `json:"api_version"`
	} `json:"ICD"`
}

func (s *set) installGPUDrivers(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	root := b.RootfsDir()
	blobs := b.GPUDir()
	lib := filepath.Join(root, rootfsLibDir)

	driver := filepath.Join(blobs, maliWayland)
	if !exists(driver) {
		driver = filepath.Join(blobs, maliX11)
	}

	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
		{
			Name:     "create driver directories",
			Severity: pipeline.Hard,
			Code:     failure.GPUDriverFailure,
			Run: func(context.Context) error {
				for _, d := range []string{filepath.Join(lib, "mali"), filepath.Join(root, "lib/firmware/mali"), filepath.Join(root, openCLVendorsDir), filepath.Join(root, "usr/share/vulkan/icd.d")} {
					if err := os.MkdirAll(d, 0o755); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:     "install mali firmware",
			Severity: pipeline.Hard,
			Code:     failure.GPUDriverFailure,
			Run: func(context.Context) error {
				return copyFile(filepath.Join(blobs, maliFirmware), filepath.Join(root, "lib/firmware/mali", maliFirmware), 0o644)
			},
		},
		{
			Name:     "install libmali",
			Severity: pipeline.Hard,
			Code:     failure.GPUDriverFailure,
			Run: func(context.Context) error {
				if err := copyFile(driver, filepath.Join(lib, "libmali.so.1"), 0o755); err != nil {
					return err
				}
				for _, l := range maliSymlinks {
					if err := symlink("../libmali.so.1", filepath.Join(lib, "mali", l.versioned)); err != nil {
						return err
					}
					if err := symlink(l.versioned, filepath.Join(lib, "mali", l.plain)); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:     "configure linker and kernel module",
			Severity: pipeline.Hard,
			Code:     failure.GPUDriverFailure,
			Run: func(context.Context) error {
				if err := writeFile(filepath.Join(root, "etc/ld.so.conf.d/mali.conf"), []byte("/"+rootfsLibDir+"/mali\n"), 0o644); err != nil {
					return err
				}
				return writeFile(filepath.Join(root, "etc/modprobe.d/mali.conf"), []byte(maliModprobe), 0o644)
			},
		},
		{
			Name:     "install opencl icd",
			Severity: pipeline.Advisory,
			Run: func(context.Context) error {
				if !b.Features.OpenCL {
					return nil
				}
				if err := writeFile(filepath.Join(root, openCLVendorsDir, "mali.icd"), []byte("libmali.so.1\n"), 0o644); err != nil {
					return err
				}
				return writeFile(filepath.Join(root, "etc/profile.d/mali-opencl.sh"), []byte(openCLProfile), 0o644)
			},
		},
		{
			Name:     "install vulkan icd",
			Severity: pipeline.Advisory,
			Run: func(context.Context) error {
				if !b.Features.Vulkan {
					return nil
				}
				return installVulkan(root, filepath.Join(blobs, maliVulkan))
			},
		},
		{
			Name:     "refresh linker cache",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				return s.inChroot(ctx, env, func() error {
					return env.Runner.Run(ctx, chrootCommand(root, failure.GPUDriverFailure, "ldconfig"), nil)
				})
			},
		},
		{
			Name:     "verify libmali",
			Severity: pipeline.Advisory,
			Run: func(context.Context) error {
				return checkELF(filepath.Join(lib, "libmali.so.1"))
			},
		},
	})
}

func installVulkan(root, blob string) error {
	lib := filepath.Join(root, rootfsLibDir)
	target := filepath.Join(lib, "libmali-vulkan.so.1")
	if exists(blob) {
		if err := copyFile(blob, target, 0o755); err != nil {
			return err
		}
	} else if err := symlink("libmali.so.1", target); err != nil {
		return err
	}

	icd := vulkanICD{FileFormatVersion: "1.0.0"}
	icd.ICD.LibraryPath = vulkanLibrary
	icd.ICD.APIVersion = "1.2.0"
	data, err := json.MarshalIndent(icd, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(root, vulkanICDPath), append(data, '\n'), 0o644); err != nil {
		return err
	}
	return writeFile(filepath.Join(root, "etc/profile.d/mali-vulkan.sh"), []byte(vulkanProfile), 0o644)
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

func checkELF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	head := make([]byte, len(elfMagic))
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if !bytes.Equal(head, elfMagic) {
		return fmt.Errorf("%s is not an ELF shared object", path)
	}
	return nil
}
