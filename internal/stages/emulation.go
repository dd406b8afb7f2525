package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runner"
)

const (
	libreELECRepo        = "https://github.com/LibreELEC/LibreELEC.tv.git"
	emulationStationRepo = "https://github.com/RetroPie/EmulationStation.git"
	retroPieSetupRepo    = "https://github.com/RetroPie/RetroPie-Setup.git"

	// emulationStationDir is relative to the rootfs; the front end is built
	// inside the chroot for the target architecture.
	emulationStationDir = "opt/emulationstation"
)

// emulationSteps prepare the configured emulation front ends. Every step is
// advisory: a missing front end leaves a bootable image.
func emulationSteps(env *pipeline.Env) []pipeline.Step {
	b := env.Build
	if b.Flavor != distro.Emulation {
		return nil
	}
	root := b.RootfsDir()
	steps := []pipeline.Step{{
		Name:     "install emulation libraries",
		Severity: pipeline.Advisory,
		Run: func(ctx context.Context) error {
			cmd := chrootCommand(root, failure.InstallationFailed, "apt-get", append([]string{"install", "-y"}, distro.EmulationPackages...)...)
			cmd.ShowOutput = b.Verbose
			return env.Runner.Run(ctx, cmd, nil)
		},
	}}
	for _, platform := range b.Emulation.Platforms() {
		var run func(context.Context, *pipeline.Env) error
		switch platform {
		case distro.LibreELEC:
			run = prepareLibreELEC
		case distro.EmulationStation:
			run = buildEmulationStation
		case distro.RetroPie:
			run = setupRetroPie
		default:
			continue
		}
		steps = append(steps, pipeline.Step{
			Name:     "set up " + string(platform),
			Severity: pipeline.Advisory,
			Run:      func(ctx context.Context) error { return run(ctx, env) },
		})
	}
	env.Log.Info("emulation platform", "platform", b.Emulation)
	return steps
}

// fetchRepo clones locator into dest, replacing whatever was there. The
// resolver attaches the code-host token.
func fetchRepo(ctx context.Context, env *pipeline.Env, name, locator, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return failure.Wrap(err, failure.PermissionDenied, "clear "+dest)
	}
	_, err := env.Resolver.Resolve(ctx, artifact.Chain{
		Name:       name,
		Kind:       artifact.KindGit,
		Candidates: []artifact.Candidate{{Locator: locator}},
		FailCode:   failure.NetworkFailure,
		Retry:      &runner.DefaultRetry,
	}, dest)
	return err
}

// prepareLibreELEC checks out the LibreELEC build system next to the kernel
// tree. LibreELEC is a whole distribution and is built on its own.
func prepareLibreELEC(ctx context.Context, env *pipeline.Env) error {
	dest := filepath.Join(env.Build.BuildDir, "libreelec")
	if err := fetchRepo(ctx, env, "libreelec source", libreELECRepo, dest); err != nil {
		return err
	}
	env.Log.Warn("libreelec is a complete operating system, its build environment is prepared but not built into this image", "path", dest)
	return nil
}

func buildEmulationStation(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	root := b.RootfsDir()
	src := filepath.Join(root, emulationStationDir)
	if err := fetchRepo(ctx, env, "emulationstation source", emulationStationRepo, src); err != nil {
		return err
	}

	inRoot := "/" + emulationStationDir
	return pipeline.RunSteps(ctx, env.Log, []pipeline.Step{
		{
			Name:     "fetch emulationstation submodules",
			Severity: pipeline.Hard,
			Code:     failure.NetworkFailure,
			Run: func(ctx context.Context) error {
				return env.Runner.Run(ctx, runner.Command{
					Name:     "git",
					Args:     []string{"-C", src, "submodule", "update", "--init", "--recursive", "--depth", "1"},
					Env:      []string{"GIT_TERMINAL_PROMPT=0"},
					FailCode: failure.NetworkFailure,
				}, &runner.DefaultRetry)
			},
		},
		{
			Name:     "configure emulationstation",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				return env.Runner.Run(ctx, chrootCommand(root, failure.CompilationFailed,
					"cmake", "-S", inRoot, "-B", inRoot+"/build", "-DFREETYPE_INCLUDE_DIRS=/usr/include/freetype2/"), nil)
			},
		},
		{
			Name:     "build emulationstation",
			Severity: pipeline.Advisory,
			Run: func(ctx context.Context) error {
				cmd := chrootCommand(root, failure.CompilationFailed, "make", "-C", inRoot+"/build", "-j"+strconv.Itoa(b.Jobs))
				cmd.ShowOutput = b.Verbose
				return env.Runner.Run(ctx, cmd, nil)
			},
		},
		{
			Name:     "install emulationstation systems config",
			Severity: pipeline.Advisory,
			Run: func(context.Context) error {
				return copyFile(filepath.Join(src, "resources/systems.cfg.example"), filepath.Join(root, "etc/emulationstation/es_systems.cfg"), 0o644)
			},
		},
	})
}

// setupRetroPie installs the RetroPie core packages for the image user. No
// emulators or content are installed.
func setupRetroPie(ctx context.Context, env *pipeline.Env) error {
	b := env.Build
	root := b.RootfsDir()
	home := "/home/" + b.Username
	setup := home + "/RetroPie-Setup"
	if err := fetchRepo(ctx, env, "retropie setup", retroPieSetupRepo, filepath.Join(root, setup)); err != nil {
		return err
	}
	for _, dir := range []string{"opt/retropie", home + "/RetroPie/roms", home + "/RetroPie/BIOS"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.Chmod(filepath.Join(root, setup, "retropie_setup.sh"), 0o755); err != nil {
		env.Log.Warn("could not mark retropie setup script executable", "error", err)
	}

	cmd := chrootCommand(root, failure.InstallationFailed, setup+"/retropie_packages.sh", "setup", "core_packages")
	cmd.ShowOutput = b.Verbose
	if err := env.Runner.Run(ctx, cmd, nil); err != nil {
		return err
	}
	owner := b.Username + ":" + b.Username
	return env.Runner.Run(ctx, chrootCommand(root, failure.InstallationFailed, "chown", "-R", owner, home+"/RetroPie", setup), nil)
}
