package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/resource"
	"github.com/buildkite/opibuild/internal/runner"
)

type Feature string

const (
	FeatureNone       Feature = ""
	FeatureKernel     Feature = "kernel"
	FeatureRootfs     Feature = "rootfs"
	FeatureGPU        Feature = "gpu"
	FeatureOpenCL     Feature = "opencl"
	FeatureVulkan     Feature = "vulkan"
	FeatureBootloader Feature = "bootloader"
	FeatureImage      Feature = "image"
)

// AllFeatures lists every toggle in display order.
var AllFeatures = []Feature{FeatureKernel, FeatureRootfs, FeatureGPU, FeatureOpenCL, FeatureVulkan, FeatureBootloader, FeatureImage}

type Features struct {
	Kernel     bool
	Rootfs     bool
	GPU        bool
	OpenCL     bool
	Vulkan     bool
	Bootloader bool
	Image      bool
}

// AllEnabled returns a Features with every toggle on.
func AllEnabled() Features {
	return Features{Kernel: true, Rootfs: true, GPU: true, OpenCL: true, Vulkan: true, Bootloader: true, Image: true}
}

// Enabled reports whether f is on. FeatureNone is always on.
func (fs Features) Enabled(f Feature) bool {
	switch f {
	case FeatureNone:
		return true
	case FeatureKernel:
		return fs.Kernel
	case FeatureRootfs:
		return fs.Rootfs
	case FeatureGPU:
		return fs.GPU
	case FeatureOpenCL:
		return fs.OpenCL
	case FeatureVulkan:
		return fs.Vulkan
	case FeatureBootloader:
		return fs.Bootloader
	case FeatureImage:
		return fs.Image
	default:
		return false
	}
}

// Set toggles f. Unknown features return an error.
func (fs *Features) Set(f Feature, on bool) error {
	switch f {
	case FeatureKernel:
		fs.Kernel = on
	case FeatureRootfs:
		fs.Rootfs = on
	case FeatureGPU:
		fs.GPU = on
	case FeatureOpenCL:
		fs.OpenCL = on
	case FeatureVulkan:
		fs.Vulkan = on
	case FeatureBootloader:
		fs.Bootloader = on
	case FeatureImage:
		fs.Image = on
	default:
		return fmt.Errorf("unknown feature %q", f)
	}
	return nil
}

// BuildContext is the configuration shared by every stage of one run.
// Stages read it and may mutate it, one stage at a time.
type BuildContext struct {
	KernelVersion string
	Arch          string
	CrossCompile  string
	Defconfig     string
	ExtraMakeArgs []string

	Release   string
	Codename  string
	Flavor    distro.Flavor
	Emulation distro.EmulationPlatform

	Jobs        int
	BuildDir    string
	OutputDir   string
	ImageSizeMB int
	Compress    string

	Hostname string
	Username string
	Password string

	RootfsMirror  string
	BaseImage     string
	ExtraPackages []string
	Hooks         map[string][]string

	Features        Features
	ContinueOnError bool
	Verbose         bool

	// KernelFlavor records which kernel tree tier was fetched.
	KernelFlavor string
	// KernelOptions are extra .config lines contributed by modules.
	KernelOptions []string
	// Packages are extra rootfs packages contributed by modules.
	Packages []string
}

func (b *BuildContext) KernelDir() string {
	return filepath.Join(b.BuildDir, "linux")
}

func (b *BuildContext) GPUDir() string {
	return filepath.Join(b.BuildDir, "mali")
}

func (b *BuildContext) BootloaderDir() string {
	return filepath.Join(b.BuildDir, "u-boot")
}

func (b *BuildContext) RootfsDir() string {
	return filepath.Join(b.OutputDir, "rootfs")
}

func (b *BuildContext) ImagePath() string {
	return filepath.Join(b.OutputDir, fmt.Sprintf("orangepi5plus-%s-%s.img", b.Codename, b.KernelVersion))
}

// MakeEnv returns the ARCH and CROSS_COMPILE assignments passed to make.
func (b *BuildContext) MakeEnv() []string {
	return []string{"ARCH=" + b.Arch, "CROSS_COMPILE=" + b.CrossCompile}
}

// Env is what a stage runs against.
type Env struct {
	Build    *BuildContext
	Runner   *runner.Runner
	Guard    *resource.Guard
	Resolver *artifact.Resolver
	Log      *buildlog.Log
	Modules  *Registry
}
