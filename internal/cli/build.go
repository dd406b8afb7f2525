package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/baseimage"
	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/cancel"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/history"
	"github.com/buildkite/opibuild/internal/hosttools"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/resource"
	"github.com/buildkite/opibuild/internal/runner"
	"github.com/buildkite/opibuild/internal/runtimeconfig"
	"github.com/buildkite/opibuild/internal/stages"
	"github.com/charmbracelet/log"
)

func (c *BuildCommand) Run(ctx *runtimeContext) error {
	cfg, warnings, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	b, err := cfg.BuildContext()
	if err != nil {
		return failure.Wrap(err, failure.Unknown, "config")
	}
	color := shouldUseANSI(ctx.Stderr)

	if c.DryRun {
		return c.printPlan(ctx, b, warnings, color)
	}

	rawLevel := c.LogLevel
	if rawLevel == "" {
		rawLevel = cfg.Logging.Level
	}
	level, err := parseLevel(rawLevel)
	if err != nil {
		return err
	}
	var console io.Writer
	if ctx.Stderr != nil {
		console = ctx.Stderr
	}
	logger, err := buildlog.Open(buildlog.Options{
		File:         cfg.Logging.File,
		ErrorFile:    cfg.Logging.ErrorFile,
		Level:        level,
		Console:      console,
		ConsoleLevel: level,
		StyleConsole: func(l *log.Logger) { applyPolishedLoggerStyles(l, color) },
	})
	if err != nil {
		return failure.Wrap(err, failure.PermissionDenied, "open build log")
	}
	defer logger.Close()

	env := ctx.Env
	if env == nil {
		env = runtimeconfig.NewEnv(os.LookupEnv, nil)
	}
	creds := artifact.NewEnvCredentialProvider(env.Lookup)
	for _, token := range creds.Tokens() {
		logger.AddSecret(token)
	}
	for _, w := range warnings {
		logger.Warn("config corrected", "warning", w)
	}
	if len(creds.ConfiguredHosts()) == 0 {
		logger.Warn("no code-host token configured, downloads are anonymous", "env", artifact.TokenEnv)
	}

	if err := runPreflight(logger, preflightFor(ctx), b); err != nil {
		return err
	}

	runID := history.NewRunID()
	root := logger
	logger = root.With("run", runID)

	ctl := cancel.New()
	guard := resource.New(resource.Options{Log: logger})
	stop := ctl.Watch(context.Background(), func(sig os.Signal) {
		logger.Error("interrupted again, releasing resources and exiting", "signal", sig)
		if err := guard.ReleaseAll(); err != nil {
			logger.Error("release resources", "error", err)
		}
		_ = root.Close()
		exit(ctl.ExitStatus())
	})
	defer stop()

	run := runner.New(runner.Options{Log: logger, Cancel: ctl, Stdout: ctx.Stdout, Stderr: console})
	resolver := artifact.NewResolver(artifact.Options{
		Runner:      run,
		Log:         logger,
		Credentials: creds,
		Getenv:      env.Getenv,
	})

	stageOpts := stages.Options{}
	if b.BaseImage != "" {
		extractor, err := baseimage.New(baseimage.Options{Log: logger})
		if err != nil {
			return failure.Wrap(err, failure.FileNotFound, "base image cache")
		}
		stageOpts.BaseImage = extractor
	}
	modules, err := pipeline.NewRegistry(stages.Modules()...)
	if err != nil {
		return err
	}
	seq, err := pipeline.New(stages.All(stageOpts), pipeline.Options{Log: logger, Cancel: ctl, RunID: runID})
	if err != nil {
		return err
	}

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title:  "opibuild",
			Fields: runFields(runID, b, cfg.Logging.File),
		}, color)
	}

	report := seq.Run(context.Background(), &pipeline.Env{
		Build:    b,
		Runner:   run,
		Guard:    guard,
		Resolver: resolver,
		Log:      logger,
		Modules:  modules,
	})
	if err := guard.ReleaseAll(); err != nil {
		logger.Error("release resources", "error", err)
	}

	outcome := buildOutcome(report, ctl)
	code := ExitCode(outcome)
	if _, err := io.WriteString(ctx.Stdout, renderBuildSummary(report, color)); err != nil {
		logger.Warn("write summary", "error", err)
	}
	recordRun(ctx, logger, historyRun(report, b, code))
	logger.Info("build finished", "state", report.State, "exit_code", code)
	return outcome
}

func (c *BuildCommand) printPlan(ctx *runtimeContext, b *pipeline.BuildContext, warnings []string, color bool) error {
	seq, err := pipeline.New(stages.All(stages.Options{}), pipeline.Options{})
	if err != nil {
		return err
	}
	for _, w := range warnings {
		if _, err := fmt.Fprintf(ctx.Stdout, "warning: %s\n", w); err != nil {
			return err
		}
	}
	_, err = io.WriteString(ctx.Stdout, renderPlan(seq.Plan(b), color))
	return err
}

// runPreflight logs every check and fails on the first failing one.
func runPreflight(logger *buildlog.Log, p *hosttools.Preflight, b *pipeline.BuildContext) error {
	checks := preflightChecks(p, b)
	for _, check := range checks {
		switch check.Status {
		case hosttools.StatusFail:
			logger.Error("preflight check failed", "check", check.Name, "message", check.Message)
		case hosttools.StatusWarn:
			logger.Warn("preflight check warning", "check", check.Name, "message", check.Message)
		default:
			logger.Debug("preflight check passed", "check", check.Name, "message", check.Message)
		}
	}
	return hosttools.FirstFailure(checks)
}

// buildOutcome is the error the process exits with. An interrupted run
// exits with the signal status even when the interrupted stage succeeded.
func buildOutcome(report pipeline.Report, ctl *cancel.Controller) error {
	if ctl.Tripped() {
		return exitCodeError{code: ctl.ExitStatus(), err: ctl.Err()}
	}
	return report.Err()
}

func historyRun(report pipeline.Report, b *pipeline.BuildContext, exitCode int) history.Run {
	run := history.Run{
		ID:            report.RunID,
		StartedAt:     report.Started,
		FinishedAt:    report.Finished,
		State:         string(report.State),
		ExitCode:      exitCode,
		Release:       b.Release,
		Codename:      b.Codename,
		KernelVersion: b.KernelVersion,
		KernelFlavor:  b.KernelFlavor,
		Flavor:        string(b.Flavor),
	}
	if res, ok := report.Result(pipeline.StageAssembleImage); ok && res.Status == pipeline.StatusSucceeded {
		run.ImagePath = b.ImagePath()
	}
	for _, res := range report.Results {
		run.Stages = append(run.Stages, history.StageOutcome{
			Stage:      res.Stage,
			Status:     string(res.Status),
			Code:       int(res.Code),
			Message:    res.Message,
			DurationMS: res.Duration.Milliseconds(),
		})
	}
	return run
}

func recordRun(ctx *runtimeContext, logger *buildlog.Log, run history.Run) {
	if ctx.OpenHistory == nil {
		return
	}
	store, err := ctx.OpenHistory()
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
		return
	}
	recordCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := store.Record(recordCtx, run); err != nil {
		logger.Warn("record run history", "error", err)
		return
	}
	logger.Debug("run recorded", "db", store.Path())
}
