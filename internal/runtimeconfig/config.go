package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/paths"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/google/renameio"
	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

const (
	DefaultKernelVersion = "6.1.0"
	DefaultArch          = "arm64"
	DefaultCrossCompile  = "aarch64-linux-gnu-"
	DefaultDefconfig     = "rockchip_defconfig"
	DefaultRelease       = "24.04"
	DefaultBuildDir      = "/tmp/opibuild"
	DefaultOutputDir     = "/tmp/opibuild_output"
	DefaultImageSizeMB   = 8192
	MinImageSizeMB       = 4096
	DefaultHostname      = "orangepi5plus"
	DefaultUsername      = "orangepi"
	DefaultPassword      = "orangepi"
	DefaultRootfsMirror  = "http://ports.ubuntu.com/ubuntu-ports"

	maxJobs = 128
)

type Config struct {
	Build    BuildConfig         `yaml:"build"`
	Features FeaturesConfig      `yaml:"features"`
	Rootfs   RootfsConfig        `yaml:"rootfs"`
	Image    ImageConfig         `yaml:"image"`
	Logging  LoggingConfig       `yaml:"logging"`
	Hooks    map[string][]string `yaml:"hooks"`
}

type BuildConfig struct {
	KernelVersion     string `yaml:"kernel_version"`
	Arch              string `yaml:"arch"`
	CrossCompile      string `yaml:"cross_compile"`
	Defconfig         string `yaml:"defconfig"`
	ExtraMakeArgs     string `yaml:"extra_make_args"`
	Release           string `yaml:"release"`
	Distro            string `yaml:"distro"`
	EmulationPlatform string `yaml:"emulation_platform,omitempty"`
	Jobs              int    `yaml:"jobs,omitempty"`
	BuildDir          string `yaml:"build_dir"`
	OutputDir         string `yaml:"output_dir"`
	ImageSizeMB       int    `yaml:"image_size_mb"`
	Hostname          string `yaml:"hostname"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ContinueOnError   bool   `yaml:"continue_on_error"`
	Verbose           bool   `yaml:"verbose"`
}

// FeaturesConfig uses pointers so an absent key keeps the default (on).
type FeaturesConfig struct {
	Kernel     *bool `yaml:"kernel"`
	Rootfs     *bool `yaml:"rootfs"`
	GPU        *bool `yaml:"gpu"`
	OpenCL     *bool `yaml:"opencl,omitempty"`
	Vulkan     *bool `yaml:"vulkan,omitempty"`
	Bootloader *bool `yaml:"bootloader"`
	Image      *bool `yaml:"image"`
}

type RootfsConfig struct {
	Mirror        string   `yaml:"mirror"`
	BaseImage     string   `yaml:"base_image"`
	ExtraPackages []string `yaml:"extra_packages"`
}

type ImageConfig struct {
	// Compress is "", "xz" or "zstd".
	Compress string `yaml:"compress"`
}

type LoggingConfig struct {
	File      string `yaml:"file"`
	ErrorFile string `yaml:"error_file"`
	Level     string `yaml:"level"`
}

func Path() (string, error) {
	return paths.ConfigPath()
}

// Load reads the config file at the default path.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads path. A missing file yields an empty Config; Defaults fills
// it in.
func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays BUILD_JOBS and OUTPUT_DIR from env.
func (c *Config) ApplyEnv(env *Env) {
	if v, ok := env.Lookup("BUILD_JOBS"); ok {
		var jobs int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &jobs); err == nil && jobs > 0 && jobs <= maxJobs {
			c.Build.Jobs = jobs
		}
	}
	if v, ok := env.Lookup("OUTPUT_DIR"); ok && strings.TrimSpace(v) != "" {
		c.Build.OutputDir = strings.TrimSpace(v)
	}
}

// WriteDefault writes the default config to path with owner-only
// permissions. An existing file is left alone. jobs is omitted so the host
// CPU count keeps applying.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	cfg := Config{}
	cfg.Defaults()
	cfg.Build.Jobs = 0
	on := true
	cfg.Features = FeaturesConfig{Kernel: &on, Rootfs: &on, GPU: &on, Bootloader: &on, Image: &on}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// Defaults fills every unset value.
func (c *Config) Defaults() {
	b := &c.Build
	setDefault(&b.KernelVersion, DefaultKernelVersion)
	setDefault(&b.Arch, DefaultArch)
	setDefault(&b.CrossCompile, DefaultCrossCompile)
	setDefault(&b.Defconfig, DefaultDefconfig)
	setDefault(&b.Release, DefaultRelease)
	setDefault(&b.Distro, string(distro.Desktop))
	setDefault(&b.BuildDir, DefaultBuildDir)
	setDefault(&b.OutputDir, DefaultOutputDir)
	setDefault(&b.Hostname, DefaultHostname)
	setDefault(&b.Username, DefaultUsername)
	setDefault(&b.Password, DefaultPassword)
	setDefault(&c.Rootfs.Mirror, DefaultRootfsMirror)
	if b.Jobs == 0 {
		b.Jobs = defaultJobs()
	}
	if b.ImageSizeMB == 0 {
		b.ImageSizeMB = DefaultImageSizeMB
	}
}

func setDefault(field *string, value string) {
	*field = strings.TrimSpace(*field)
	if *field == "" {
		*field = value
	}
}

func defaultJobs() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 4
}

// Validate rejects configs no build can run with and corrects the values
// the builder has always corrected, returning a warning for each correction.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	b := &c.Build

	if _, ok := distro.FindRelease(b.Release); !ok {
		return warnings, failure.New(failure.FileNotFound, "validate config", "unknown Ubuntu release %q", b.Release)
	}
	if len(b.KernelVersion) < 3 {
		return warnings, failure.New(failure.KernelConfigFailed, "validate config", "kernel version %q is too short", b.KernelVersion)
	}
	if strings.TrimSpace(b.BuildDir) == "" || strings.TrimSpace(b.OutputDir) == "" {
		return warnings, failure.New(failure.FileNotFound, "validate config", "build_dir and output_dir are required")
	}
	flavor, err := distro.ParseFlavor(b.Distro)
	if err != nil {
		return warnings, failure.Wrap(err, failure.Unknown, "validate config")
	}
	platform, err := distro.ParseEmulationPlatform(b.EmulationPlatform)
	if err != nil {
		return warnings, failure.Wrap(err, failure.Unknown, "validate config")
	}
	switch c.Image.Compress {
	case "", "xz", "zstd":
	default:
		return warnings, failure.New(failure.Unknown, "validate config", "unsupported image compression %q (want xz or zstd)", c.Image.Compress)
	}
	if _, err := shlex.Split(b.ExtraMakeArgs); err != nil {
		return warnings, failure.Wrap(err, failure.KernelConfigFailed, "validate config: extra_make_args")
	}
	for name, cmds := range c.Hooks {
		for _, cmd := range cmds {
			if _, err := shlex.Split(cmd); err != nil {
				return warnings, failure.Wrap(err, failure.Unknown, "validate config: hook "+name)
			}
		}
	}

	if b.Jobs < 1 || b.Jobs > maxJobs {
		jobs := defaultJobs()
		warnings = append(warnings, fmt.Sprintf("jobs %d out of range 1..%d, using %d", b.Jobs, maxJobs, jobs))
		b.Jobs = jobs
	}
	if b.ImageSizeMB < MinImageSizeMB {
		warnings = append(warnings, fmt.Sprintf("image size %d MiB below %d MiB, using %d MiB", b.ImageSizeMB, MinImageSizeMB, DefaultImageSizeMB))
		b.ImageSizeMB = DefaultImageSizeMB
	}
	if platform != distro.NoEmulation && flavor != distro.Emulation {
		warnings = append(warnings, fmt.Sprintf("emulation platform %s ignored for %s builds", platform, flavor))
	}
	f := &c.Features
	if (explicit(f.OpenCL) || explicit(f.Vulkan)) && !enabled(f.GPU) {
		warnings = append(warnings, "opencl or vulkan requested, enabling gpu")
		on := true
		f.GPU = &on
	}
	return warnings, nil
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func explicit(v *bool) bool {
	return v != nil && *v
}

// SetFeature records an explicit toggle, as from a --skip flag.
func (c *Config) SetFeature(f pipeline.Feature, on bool) error {
	ptr := map[pipeline.Feature]**bool{
		pipeline.FeatureKernel:     &c.Features.Kernel,
		pipeline.FeatureRootfs:     &c.Features.Rootfs,
		pipeline.FeatureGPU:        &c.Features.GPU,
		pipeline.FeatureOpenCL:     &c.Features.OpenCL,
		pipeline.FeatureVulkan:     &c.Features.Vulkan,
		pipeline.FeatureBootloader: &c.Features.Bootloader,
		pipeline.FeatureImage:      &c.Features.Image,
	}[f]
	if ptr == nil {
		return fmt.Errorf("unknown feature %q", f)
	}
	*ptr = &on
	return nil
}

// BuildContext converts a validated config.
func (c *Config) BuildContext() (*pipeline.BuildContext, error) {
	rel, ok := distro.FindRelease(c.Build.Release)
	if !ok {
		return nil, fmt.Errorf("unknown Ubuntu release %q", c.Build.Release)
	}
	flavor, err := distro.ParseFlavor(c.Build.Distro)
	if err != nil {
		return nil, err
	}
	platform, err := distro.ParseEmulationPlatform(c.Build.EmulationPlatform)
	if err != nil {
		return nil, err
	}
	extra, err := shlex.Split(c.Build.ExtraMakeArgs)
	if err != nil {
		return nil, fmt.Errorf("parse extra_make_args: %w", err)
	}

	f := c.Features
	gpu := enabled(f.GPU)
	return &pipeline.BuildContext{
		KernelVersion: c.Build.KernelVersion,
		Arch:          c.Build.Arch,
		CrossCompile:  c.Build.CrossCompile,
		Defconfig:     c.Build.Defconfig,
		ExtraMakeArgs: extra,
		Release:       rel.Version,
		Codename:      rel.Codename,
		Flavor:        flavor,
		Emulation:     platform,
		Jobs:          c.Build.Jobs,
		BuildDir:      c.Build.BuildDir,
		OutputDir:     c.Build.OutputDir,
		ImageSizeMB:   c.Build.ImageSizeMB,
		Compress:      c.Image.Compress,
		Hostname:      c.Build.Hostname,
		Username:      c.Build.Username,
		Password:      c.Build.Password,
		RootfsMirror:  c.Rootfs.Mirror,
		BaseImage:     strings.TrimSpace(c.Rootfs.BaseImage),
		ExtraPackages: append([]string(nil), c.Rootfs.ExtraPackages...),
		Hooks:         c.Hooks,
		Features: pipeline.Features{
			Kernel:     enabled(f.Kernel),
			Rootfs:     enabled(f.Rootfs),
			GPU:        gpu,
			OpenCL:     gpu && enabled(f.OpenCL),
			Vulkan:     gpu && enabled(f.Vulkan),
			Bootloader: enabled(f.Bootloader),
			Image:      enabled(f.Image),
		},
		ContinueOnError: c.Build.ContinueOnError,
		Verbose:         c.Build.Verbose,
	}, nil
}
