package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/distro"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/history"
	"github.com/buildkite/opibuild/internal/hosttools"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runtimeconfig"
	"github.com/buildkite/opibuild/internal/stages"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	CWD        string
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Env        *runtimeconfig.Env
	Preflight  *hosttools.Preflight
	// OpenHistory defaults to the store under the XDG state directory.
	OpenHistory func() (*history.Store, error)
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Build    BuildCommand    `cmd:"" help:"Build an Orange Pi 5 Plus image"`
	Doctor   DoctorCommand   `cmd:"" help:"Check that this host can run a build"`
	Validate ValidateCommand `cmd:"" help:"Validate configuration and print the effective build settings"`
	Stages   StagesCommand   `cmd:"" help:"List build stages in execution order"`
	Status   StatusCommand   `cmd:"" help:"Inspect recorded build runs"`
	Config   ConfigCommand   `cmd:"" help:"Configuration commands"`
}

// ConfigFlags override config file values for a single invocation.
type ConfigFlags struct {
	ConfigFile      string   `name:"config" help:"Config file (defaults to $XDG_CONFIG_HOME/opibuild/config.yaml)"`
	Jobs            int      `help:"Parallel make jobs"`
	Release         string   `help:"Ubuntu release version or codename (for example 24.04 or noble)"`
	Distro          string   `help:"Distribution flavor (desktop|server|emulation|minimal|custom)"`
	Platform        string   `name:"emulation-platform" help:"Emulation platform for the emulation flavor (none|libreelec|emulationstation|retropie|all)"`
	Skip            []string `help:"Features to disable (kernel,rootfs,gpu,opencl,vulkan,bootloader,image)"`
	ContinueOnError bool     `help:"Keep running later stages after a stage fails"`
	Verbose         bool     `help:"Stream build command output to the terminal"`
}

type BuildCommand struct {
	ConfigFlags `embed:""`

	LogLevel string `help:"Build log level (debug|info|warn|error)"`
	DryRun   bool   `help:"Print the stage plan without running anything"`
}

type DoctorCommand struct {
	ConfigFlags `embed:""`

	JSON bool `help:"Print doctor report as JSON"`
}

type ValidateCommand struct {
	ConfigFlags `embed:""`

	JSON bool `help:"Print the effective build settings as JSON"`
}

type StagesCommand struct {
	ConfigFlags `embed:""`
}

type StatusCommand struct {
	RunID   string `help:"Run ID to inspect"`
	LastRun bool   `help:"Inspect the most recent run"`
	Limit   int    `help:"Number of runs to list" default:"20"`
	JSON    bool   `help:"Print runs as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a default config file and a .env template"`
}

type ConfigInitCommand struct{}

type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) Unwrap() error {
	return e.err
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

// exit is replaced in tests.
var exit = os.Exit

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return failure.Wrap(err, failure.FileNotFound, "config")
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	env, err := runtimeconfig.LoadEnv(filepath.Join(cwd, runtimeconfig.DotEnvFile))
	if err != nil {
		return failure.Wrap(err, failure.FileNotFound, "config")
	}

	runtimeCtx := &runtimeContext{
		CWD:        cwd,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Env:        env,
		Preflight:  hosttools.NewPreflight(),
		OpenHistory: func() (*history.Store, error) {
			return history.Open(history.Options{})
		},
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("opibuild"),
		kong.Description("Orange Pi 5 Plus image builder"),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

// ExitCode maps err to a process exit status. Unclassified errors exit 99.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return int(failure.Unknown)
}

// resolve loads the effective config: file, then .env, then flags, then
// defaults and validation.
func (f *ConfigFlags) resolve(ctx *runtimeContext) (runtimeconfig.Config, []string, error) {
	cfg := ctx.Config
	if f.ConfigFile != "" {
		var err error
		cfg, err = runtimeconfig.LoadFile(f.ConfigFile)
		if err != nil {
			return cfg, nil, failure.Wrap(err, failure.FileNotFound, "config")
		}
	}
	if ctx.Env != nil {
		cfg.ApplyEnv(ctx.Env)
	}

	if f.Jobs > 0 {
		cfg.Build.Jobs = f.Jobs
	}
	if f.Release != "" {
		cfg.Build.Release = f.Release
	}
	if f.Distro != "" {
		cfg.Build.Distro = f.Distro
	}
	if f.Platform != "" {
		cfg.Build.EmulationPlatform = f.Platform
	}
	if f.ContinueOnError {
		cfg.Build.ContinueOnError = true
	}
	if f.Verbose {
		cfg.Build.Verbose = true
	}
	for _, name := range f.Skip {
		feature := pipeline.Feature(strings.ToLower(strings.TrimSpace(name)))
		if err := cfg.SetFeature(feature, false); err != nil {
			return cfg, nil, failure.Wrap(err, failure.Unknown, "config")
		}
	}

	cfg.Defaults()
	warnings, err := cfg.Validate()
	return cfg, warnings, err
}

func (f *ConfigFlags) buildContext(ctx *runtimeContext) (*pipeline.BuildContext, []string, error) {
	cfg, warnings, err := f.resolve(ctx)
	if err != nil {
		return nil, warnings, err
	}
	b, err := cfg.BuildContext()
	if err != nil {
		return nil, warnings, failure.Wrap(err, failure.Unknown, "config")
	}
	return b, warnings, nil
}

func (f *ConfigFlags) configPath(ctx *runtimeContext) string {
	if f.ConfigFile != "" {
		return f.ConfigFile
	}
	return ctx.ConfigPath
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := []hosttools.Check{}
	b, warnings, err := d.buildContext(ctx)
	if err != nil {
		checks = append(checks, hosttools.Check{Name: "config", Status: hosttools.StatusFail, Message: err.Error(), Code: failure.CodeOf(err)})
	} else {
		checks = append(checks, hosttools.Check{Name: "config", Status: hosttools.StatusPass, Message: fmt.Sprintf("using %s", d.configPath(ctx))})
		for _, w := range warnings {
			checks = append(checks, hosttools.Check{Name: "config", Status: hosttools.StatusWarn, Message: w})
		}
		if rel, ok := distro.FindRelease(b.Release); ok && !rel.Supported {
			checks = append(checks, hosttools.Check{Name: "release", Status: hosttools.StatusWarn, Message: fmt.Sprintf("%s is not a supported release", rel.FullName)})
		}
	}
	checks = append(checks, tokenCheck(ctx.Env))
	if b != nil {
		checks = append(checks, preflightChecks(preflightFor(ctx), b)...)
	}

	if d.JSON {
		if err := encodeJSON(ctx.Stdout, map[string]any{"checks": checks}); err != nil {
			return err
		}
	} else if _, err := io.WriteString(ctx.Stdout, renderDoctorReport("opibuild", checks, shouldUseANSI(ctx.Stderr))); err != nil {
		return err
	}
	return hosttools.FirstFailure(checks)
}

func preflightFor(ctx *runtimeContext) *hosttools.Preflight {
	if ctx.Preflight != nil {
		return ctx.Preflight
	}
	return hosttools.NewPreflight()
}

func preflightChecks(p *hosttools.Preflight, b *pipeline.BuildContext) []hosttools.Check {
	enabled := func(feature string) bool {
		return b.Features.Enabled(pipeline.Feature(feature))
	}
	checks := []hosttools.Check{p.Root()}
	checks = append(checks, p.Tools(hosttools.RequiredTools(b.CrossCompile), enabled)...)
	checks = append(checks, p.DiskSpace(b.BuildDir, hosttools.DefaultMinFreeMB))
	return checks
}

func tokenCheck(env *runtimeconfig.Env) hosttools.Check {
	name := "github token"
	if env != nil {
		if _, ok := env.Lookup(artifact.TokenEnv); ok {
			return hosttools.Check{Name: name, Status: hosttools.StatusPass, Message: artifact.TokenEnv + " configured"}
		}
	}
	return hosttools.Check{
		Name:    name,
		Status:  hosttools.StatusWarn,
		Message: artifact.TokenEnv + " not set; GitHub downloads are anonymous and rate limited (opibuild config init writes a .env template)",
	}
}

// effectiveBuild is the printable form of a BuildContext. The password is
// never included.
type effectiveBuild struct {
	KernelVersion string          `json:"kernel_version"`
	Arch          string          `json:"arch"`
	CrossCompile  string          `json:"cross_compile"`
	Defconfig     string          `json:"defconfig"`
	ExtraMakeArgs []string        `json:"extra_make_args,omitempty"`
	Release       string          `json:"release"`
	Codename      string          `json:"codename"`
	Flavor        string          `json:"distro"`
	Emulation     string          `json:"emulation_platform,omitempty"`
	Jobs          int             `json:"jobs"`
	BuildDir      string          `json:"build_dir"`
	OutputDir     string          `json:"output_dir"`
	ImagePath     string          `json:"image_path"`
	ImageSizeMB   int             `json:"image_size_mb"`
	Compress      string          `json:"compress,omitempty"`
	Hostname      string          `json:"hostname"`
	Username      string          `json:"username"`
	RootfsMirror  string          `json:"rootfs_mirror"`
	BaseImage     string          `json:"base_image,omitempty"`
	Features      map[string]bool `json:"features"`
	Hooks         map[string]int  `json:"hooks,omitempty"`
	ContinueOnErr bool            `json:"continue_on_error"`
	Warnings      []string        `json:"warnings,omitempty"`
}

func describeBuild(b *pipeline.BuildContext, warnings []string) effectiveBuild {
	features := map[string]bool{}
	for _, f := range pipeline.AllFeatures {
		features[string(f)] = b.Features.Enabled(f)
	}
	var hooks map[string]int
	if len(b.Hooks) > 0 {
		hooks = map[string]int{}
		for name, cmds := range b.Hooks {
			hooks[name] = len(cmds)
		}
	}
	var emulation string
	if b.Flavor == distro.Emulation {
		emulation = string(b.Emulation)
	}
	return effectiveBuild{
		KernelVersion: b.KernelVersion,
		Arch:          b.Arch,
		CrossCompile:  b.CrossCompile,
		Defconfig:     b.Defconfig,
		ExtraMakeArgs: b.ExtraMakeArgs,
		Release:       b.Release,
		Codename:      b.Codename,
		Flavor:        string(b.Flavor),
		Emulation:     emulation,
		Jobs:          b.Jobs,
		BuildDir:      b.BuildDir,
		OutputDir:     b.OutputDir,
		ImagePath:     b.ImagePath(),
		ImageSizeMB:   b.ImageSizeMB,
		Compress:      b.Compress,
		Hostname:      b.Hostname,
		Username:      b.Username,
		RootfsMirror:  b.RootfsMirror,
		BaseImage:     b.BaseImage,
		Features:      features,
		Hooks:         hooks,
		ContinueOnErr: b.ContinueOnError,
		Warnings:      warnings,
	}
}

func (v *ValidateCommand) Run(ctx *runtimeContext) error {
	b, warnings, err := v.buildContext(ctx)
	if err != nil {
		return err
	}
	view := describeBuild(b, warnings)
	if v.JSON {
		return encodeJSON(ctx.Stdout, view)
	}

	if _, err := fmt.Fprintf(ctx.Stdout, "config valid: %s\n", v.configPath(ctx)); err != nil {
		return err
	}
	for _, w := range warnings {
		if _, err := fmt.Fprintf(ctx.Stdout, "warning: %s\n", w); err != nil {
			return err
		}
	}
	_, err = io.WriteString(ctx.Stdout, renderFields(buildFields(view)))
	return err
}

func buildFields(v effectiveBuild) []startupField {
	var enabled, disabled []string
	for _, f := range pipeline.AllFeatures {
		if v.Features[string(f)] {
			enabled = append(enabled, string(f))
		} else {
			disabled = append(disabled, string(f))
		}
	}
	return []startupField{
		{Key: "kernel", Value: fmt.Sprintf("%s (%s, %s)", v.KernelVersion, v.Defconfig, v.Arch)},
		{Key: "extra make args", Value: strings.Join(v.ExtraMakeArgs, " ")},
		{Key: "release", Value: fmt.Sprintf("%s %s", v.Release, v.Codename)},
		{Key: "distro", Value: v.Flavor},
		{Key: "emulation", Value: v.Emulation},
		{Key: "base image", Value: v.BaseImage},
		{Key: "jobs", Value: fmt.Sprint(v.Jobs)},
		{Key: "build dir", Value: v.BuildDir},
		{Key: "image", Value: fmt.Sprintf("%s (%d MiB)", v.ImagePath, v.ImageSizeMB)},
		{Key: "compress", Value: v.Compress},
		{Key: "hostname", Value: v.Hostname},
		{Key: "user", Value: v.Username},
		{Key: "mirror", Value: v.RootfsMirror},
		{Key: "enabled", Value: strings.Join(enabled, ",")},
		{Key: "disabled", Value: strings.Join(disabled, ",")},
		{Key: "continue on error", Value: fmt.Sprint(v.ContinueOnErr)},
	}
}

func (s *StagesCommand) Run(ctx *runtimeContext) error {
	b, _, err := s.buildContext(ctx)
	if err != nil {
		return err
	}
	seq, err := pipeline.New(stages.All(stages.Options{}), pipeline.Options{})
	if err != nil {
		return err
	}
	_, err = io.WriteString(ctx.Stdout, renderPlan(seq.Plan(b), shouldUseANSI(ctx.Stderr)))
	return err
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	created, err := runtimeconfig.WriteDefault(ctx.ConfigPath)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Stdout, "%s %s\n", createdOrKept(created), ctx.ConfigPath); err != nil {
		return err
	}

	envPath := filepath.Join(ctx.CWD, runtimeconfig.DotEnvFile)
	created, err = runtimeconfig.WriteEnvTemplate(envPath)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s %s\n", createdOrKept(created), envPath)
	return err
}

func createdOrKept(created bool) string {
	if created {
		return "wrote"
	}
	return "kept existing"
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	if s.RunID != "" && s.LastRun {
		return errors.New("choose either --run-id or --last-run")
	}
	open := ctx.OpenHistory
	if open == nil {
		open = func() (*history.Store, error) { return history.Open(history.Options{}) }
	}
	store, err := open()
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	bg := context.Background()

	var run history.Run
	var found bool
	switch {
	case s.RunID != "":
		run, found, err = store.Get(bg, s.RunID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("run %q not found in %s", s.RunID, store.Path())
		}
	case s.LastRun:
		run, found, err = store.Last(bg)
		if err != nil {
			return err
		}
		if !found {
			_, err := fmt.Fprintf(ctx.Stdout, "no runs found in %s\n", store.Path())
			return err
		}
	default:
		runs, err := store.List(bg, s.Limit)
		if err != nil {
			return err
		}
		if s.JSON {
			return encodeJSON(ctx.Stdout, runs)
		}
		if len(runs) == 0 {
			_, err := fmt.Fprintf(ctx.Stdout, "no runs found in %s\n", store.Path())
			return err
		}
		_, err = io.WriteString(ctx.Stdout, renderRunList(runs))
		return err
	}

	if s.JSON {
		return encodeJSON(ctx.Stdout, run)
	}
	_, err = io.WriteString(ctx.Stdout, renderRun(run))
	return err
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseLevel(rawLevel string) (log.Level, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return level, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	return level, nil
}
