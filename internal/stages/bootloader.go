package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
)

const (
	ubootRef          = "v2024.01-rc4"
	ubootDefconfig    = "orangepi-5-plus-rk3588_defconfig"
	ubootEVBDefconfig = "evb-rk3588_defconfig"
	ddrBlob           = "rk35/rk3588_ddr_lp4_2112MHz_lp5_2736MHz_v1.08.bin"

	// IDBLoader is the loader image written to sector 64 of the disk image.
	IDBLoader = "idbloader.img"
)

func bootloaderChains() (uboot, atf, rkbin artifact.Chain) {
	uboot = artifact.Chain{
		Name: "u-boot",
		Kind: artifact.KindGit,
		Candidates: []artifact.Candidate{
			{Locator: "https://github.com/u-boot/u-boot.git", Ref: ubootRef, Required: true},
			{Locator: "https://github.com/rockchip-linux/u-boot.git", Required: true},
		},
		FailCode: failure.NetworkFailure,
		Retry:    &runner.DefaultRetry,
	}
	atf = artifact.Chain{
		Name:       "arm trusted firmware",
		Kind:       artifact.KindGit,
		Candidates: []artifact.Candidate{{Locator: "https://github.com/ARM-software/arm-trusted-firmware.git"}},
		FailCode:   failure.NetworkFailure,
	}
	rkbin = artifact.Chain{
		Name:       "rkbin",
		Kind:       artifact.KindGit,
		Candidates: []artifact.Candidate{{Locator: "https://github.com/rockchip-linux/rkbin.git"}},
		FailCode:   failure.NetworkFailure,
	}
	return uboot, atf, rkbin
}

func (s *set) buildBootloader(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	ubootDir := b.BootloaderDir()
	atfDir := filepath.Join(b.BuildDir, "arm-trusted-firmware")
	rkbinDir := filepath.Join(b.BuildDir, "rkbin")
	ubootChain, atfChain, rkbinChain := bootloaderChains()

	if _, err := env.Resolver.Resolve(ctx, ubootChain, ubootDir); err != nil {
		return err
	}
	haveATF := resolveOptional(ctx, env, atfChain, atfDir)
	haveRkbin := resolveOptional(ctx, env, rkbinChain, rkbinDir)
	if err := env.Runner.Cancel().Err(); err != nil {
		return err
	}

	ubootMake := func(code failure.Code, args ...string) runner.Command {
		return runner.Command{
			Name:       "make",
			Args:       append([]string{"ARCH=arm", "CROSS_COMPILE=" + b.CrossCompile}, args...),
			Dir:        ubootDir,
			ShowOutput: b.Verbose,
			FailCode:   code,
		}
	}

	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
		{
			Name:     "configure u-boot",
			Severity: pipeline.Hard,
			Code:     failure.CompilationFailed,
			Run: func(ctx context.Context) error {
				err := env.Runner.Run(ctx, ubootMake(failure.CompilationFailed, ubootDefconfig), nil)
				if err == nil || failure.IsCancelled(err) {
					return err
				}
				env.Log.Warn("board defconfig failed, using evaluation board defconfig", "defconfig", ubootDefconfig, "fallback", ubootEVBDefconfig)
				return env.Runner.Run(ctx, ubootMake(failure.CompilationFailed, ubootEVBDefconfig), nil)
			},
		},
		{
			Name:     "build u-boot",
			Severity: pipeline.Hard,
			Code:     failure.CompilationFailed,
			Run: func(ctx context.Context) error {
				return env.Runner.Run(ctx, ubootMake(failure.CompilationFailed, "-j"+strconv.Itoa(b.Jobs)), nil)
			},
		},
		{
			Name:     "build bl31",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				if !haveATF {
					return errors.New("arm trusted firmware source unavailable")
				}
				return env.Runner.Run(ctx, runner.Command{
					Name:     "make",
					Args:     []string{"CROSS_COMPILE=" + b.CrossCompile, "PLAT=rk3588", "bl31"},
					Dir:      atfDir,
					FailCode: failure.CompilationFailed,
				}, nil)
			},
		},
		{
			Name:     "create idbloader",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				if !haveRkbin {
					return errors.New("rkbin unavailable, no DDR init blob for idbloader")
				}
				return env.Runner.Run(ctx, runner.Command{
					Name: filepath.Join(rkbinDir, "tools", "mkimage"),
					Args: []string{
						"-n", "rk3588", "-T", "rksd",
						"-d", fmt.Sprintf("%s:%s", filepath.Join(rkbinDir, "bin", ddrBlob), filepath.Join(ubootDir, "spl", "u-boot-spl.bin")),
						filepath.Join(b.OutputDir, IDBLoader),
					},
					FailCode: failure.CompilationFailed,
				}, nil)
			},
		},
	})
}

// resolveOptional fetches an optional chain, reporting whether it landed.
func resolveOptional(ctx context.Context, env *pipeline.Env, chain artifact.Chain, dest string) bool {
	if _, err := env.Resolver.Resolve(ctx, chain, dest); err != nil {
		env.Log.Warn("optional source unavailable", "artifact", chain.Name, "error", err)
		return false
	}
	return true
}
