package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/buildkite/opibuild/internal/artifact"
	"github.com/buildkite/opibuild/internal/cancel"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/history"
	"github.com/buildkite/opibuild/internal/hosttools"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/buildkite/opibuild/internal/runtimeconfig"
)

func fakePreflight(euid int, missing ...string) *hosttools.Preflight {
	return &hosttools.Preflight{
		Geteuid: func() int { return euid },
		LookPath: func(name string) (string, error) {
			if slices.Contains(missing, name) {
				return "", errors.New("not found")
			}
			return "/usr/bin/" + name, nil
		},
		Stat:      func(string) (os.FileInfo, error) { return nil, os.ErrNotExist },
		FreeBytes: func(string) (uint64, error) { return 64 << 30, nil },
	}
}

func newTestContext(t *testing.T) (*runtimeContext, *bytes.Buffer) {
	t.Helper()

	dir := t.TempDir()
	cfg := runtimeconfig.Config{}
	cfg.Build.BuildDir = filepath.Join(dir, "build")
	cfg.Build.OutputDir = filepath.Join(dir, "out")
	cfg.Build.Jobs = 4
	cfg.Logging.File = filepath.Join(dir, "opibuild.log")
	cfg.Logging.ErrorFile = filepath.Join(dir, "opibuild_errors.log")

	var stdout bytes.Buffer
	return &runtimeContext{
		CWD:        dir,
		Stdout:     &stdout,
		Config:     cfg,
		ConfigPath: filepath.Join(dir, "config", "config.yaml"),
		Env:        runtimeconfig.NewEnv(nil, nil),
		Preflight:  fakePreflight(0),
		OpenHistory: func() (*history.Store, error) {
			return history.Open(history.Options{DBPath: filepath.Join(dir, "state", "history.db")})
		},
	}, &stdout
}

type doctorPayload struct {
	Checks []hosttools.Check `json:"checks"`
}

func findCheck(t *testing.T, checks []hosttools.Check, name string) hosttools.Check {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, checks)
	return hosttools.Check{}
}

func TestDoctorJSONWarnsWithoutToken(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	cmd := DoctorCommand{JSON: true}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}

	var payload doctorPayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal doctor JSON: %v\n%s", err, stdout.String())
	}
	if got := findCheck(t, payload.Checks, "config").Status; got != hosttools.StatusPass {
		t.Fatalf("unexpected config status %q", got)
	}
	token := findCheck(t, payload.Checks, "github token")
	if token.Status != hosttools.StatusWarn || !strings.Contains(token.Message, "config init") {
		t.Fatalf("unexpected token check: %+v", token)
	}
	if got := findCheck(t, payload.Checks, "privileges").Status; got != hosttools.StatusPass {
		t.Fatalf("unexpected privileges status %q", got)
	}
	if got := findCheck(t, payload.Checks, "disk space").Status; got != hosttools.StatusPass {
		t.Fatalf("unexpected disk space status %q", got)
	}
}

func TestDoctorNeverPrintsToken(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	ctx.Env = runtimeconfig.NewEnv(nil, map[string]string{artifact.TokenEnv: "ghp_doctorsecret"})
	cmd := DoctorCommand{}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	out := stdout.String()
	if strings.Contains(out, "ghp_doctorsecret") {
		t.Fatalf("token leaked into doctor output: %q", out)
	}
	if !strings.Contains(out, "✓ [pass] github token: GITHUB_TOKEN configured") {
		t.Fatalf("missing token line: %q", out)
	}
}

func TestDoctorFailsWithoutRoot(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	ctx.Preflight = fakePreflight(1000)
	cmd := DoctorCommand{}
	err := cmd.Run(ctx)
	if got, want := ExitCode(err), int(failure.PermissionDenied); got != want {
		t.Fatalf("unexpected exit code: got %d want %d (%v)", got, want, err)
	}
	if !strings.Contains(stdout.String(), "✗ [fail] privileges") {
		t.Fatalf("missing privileges failure: %q", stdout.String())
	}
}

func TestDoctorIgnoresToolsOfSkippedFeatures(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	ctx.Preflight = fakePreflight(0, "debootstrap", "qemu-aarch64-static")

	cmd := DoctorCommand{}
	if got, want := ExitCode(cmd.Run(ctx)), int(failure.MissingDependency); got != want {
		t.Fatalf("unexpected exit code with rootfs enabled: got %d want %d", got, want)
	}

	ctx.Stdout = &bytes.Buffer{}
	cmd = DoctorCommand{ConfigFlags: ConfigFlags{Skip: []string{"rootfs"}}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("DoctorCommand.Run with rootfs skipped returned error: %v", err)
	}
}

func TestValidateJSONOmitsPassword(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	ctx.Config.Build.Password = "hunter2"
	cmd := ValidateCommand{JSON: true, ConfigFlags: ConfigFlags{Release: "jammy", Skip: []string{"image"}}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("ValidateCommand.Run returned error: %v", err)
	}
	if strings.Contains(stdout.String(), "hunter2") {
		t.Fatalf("password leaked: %s", stdout.String())
	}

	var view effectiveBuild
	if err := json.Unmarshal(stdout.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal validate JSON: %v", err)
	}
	if view.Release != "22.04" || view.Codename != "jammy" {
		t.Fatalf("unexpected release: %s %s", view.Release, view.Codename)
	}
	if view.Features["image"] || !view.Features["kernel"] {
		t.Fatalf("unexpected features: %v", view.Features)
	}
	if got, want := view.Jobs, 4; got != want {
		t.Fatalf("unexpected jobs: got %d want %d", got, want)
	}
}

func TestValidateShowsEmulationPlatform(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	cmd := ValidateCommand{ConfigFlags: ConfigFlags{Distro: "emulation", Platform: "retropie"}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("ValidateCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "retropie") {
		t.Fatalf("expected emulation platform in output:\n%s", stdout.String())
	}

	ctx, stdout = newTestContext(t)
	cmd = ValidateCommand{JSON: true, ConfigFlags: ConfigFlags{Distro: "server", Platform: "retropie"}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("ValidateCommand.Run returned error: %v", err)
	}
	var view effectiveBuild
	if err := json.Unmarshal(stdout.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal validate JSON: %v", err)
	}
	if view.Emulation != "" {
		t.Fatalf("emulation platform shown for server flavor: %q", view.Emulation)
	}
	if !slices.ContainsFunc(view.Warnings, func(w string) bool { return strings.Contains(w, "emulation platform retropie ignored") }) {
		t.Fatalf("expected ignored-platform warning, got %v", view.Warnings)
	}
}

func TestValidateRejectsUnknownRelease(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	cmd := ValidateCommand{ConfigFlags: ConfigFlags{Release: "10.04"}}
	err := cmd.Run(ctx)
	if got, want := ExitCode(err), int(failure.FileNotFound); got != want {
		t.Fatalf("unexpected exit code: got %d want %d (%v)", got, want, err)
	}
}

func TestResolveRejectsUnknownSkipFeature(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	flags := ConfigFlags{Skip: []string{"wifi"}}
	if _, _, err := flags.resolve(ctx); err == nil {
		t.Fatal("expected error for unknown feature")
	}
}

func TestResolveAppliesEnvThenFlags(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	ctx.Env = runtimeconfig.NewEnv(nil, map[string]string{"BUILD_JOBS": "6", "OUTPUT_DIR": "/srv/images"})

	cfg, _, err := (&ConfigFlags{}).resolve(ctx)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if cfg.Build.Jobs != 6 || cfg.Build.OutputDir != "/srv/images" {
		t.Fatalf("env not applied: jobs=%d output=%q", cfg.Build.Jobs, cfg.Build.OutputDir)
	}

	cfg, _, err = (&ConfigFlags{Jobs: 2}).resolve(ctx)
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if cfg.Build.Jobs != 2 {
		t.Fatalf("flag should win over env: jobs=%d", cfg.Build.Jobs)
	}
}

func TestStagesListsPlan(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	cmd := StagesCommand{ConfigFlags: ConfigFlags{Skip: []string{"kernel"}}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("StagesCommand.Run returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if got, want := len(lines), len(pipeline.Order); got != want {
		t.Fatalf("unexpected line count: got %d want %d", got, want)
	}
	for i, name := range pipeline.Order {
		if !strings.Contains(lines[i], name) {
			t.Fatalf("line %d %q does not name %s", i, lines[i], name)
		}
	}
	if !strings.HasSuffix(lines[2], "skip") || !strings.HasSuffix(lines[4], "run") {
		t.Fatalf("unexpected plan states:\n%s", stdout.String())
	}
}

func TestBuildDryRunPrintsPlanWithoutLogging(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	ctx.Preflight = fakePreflight(1000)
	cmd := BuildCommand{DryRun: true, ConfigFlags: ConfigFlags{Skip: []string{"gpu"}}}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("BuildCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), pipeline.StageAssembleImage) {
		t.Fatalf("missing plan output: %q", stdout.String())
	}
	if _, err := os.Stat(ctx.Config.Logging.File); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("dry run opened the build log: %v", err)
	}
}

func TestBuildStopsAtPreflight(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	ctx.Preflight = fakePreflight(1000)
	cmd := BuildCommand{}
	err := cmd.Run(ctx)
	if got, want := ExitCode(err), int(failure.PermissionDenied); got != want {
		t.Fatalf("unexpected exit code: got %d want %d (%v)", got, want, err)
	}

	raw, err := os.ReadFile(ctx.Config.Logging.ErrorFile)
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if !strings.Contains(string(raw), "preflight check failed") {
		t.Fatalf("missing preflight failure in error log: %q", raw)
	}
}

func TestBuildRejectsInvalidLogLevel(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	cmd := BuildCommand{LogLevel: "chatty"}
	if err := cmd.Run(ctx); err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestConfigInitWritesConfigAndEnvTemplate(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	cmd := ConfigInitCommand{}
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("ConfigInitCommand.Run returned error: %v", err)
	}
	cfg, err := runtimeconfig.LoadFile(ctx.ConfigPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if got, want := cfg.Build.Release, runtimeconfig.DefaultRelease; got != want {
		t.Fatalf("unexpected release: got %q want %q", got, want)
	}
	envPath := filepath.Join(ctx.CWD, runtimeconfig.DotEnvFile)
	if _, err := os.Stat(envPath); err != nil {
		t.Fatalf("stat .env: %v", err)
	}
	if strings.Count(stdout.String(), "wrote") != 2 {
		t.Fatalf("unexpected output: %q", stdout.String())
	}

	stdout.Reset()
	if err := cmd.Run(ctx); err != nil {
		t.Fatalf("second ConfigInitCommand.Run returned error: %v", err)
	}
	if strings.Count(stdout.String(), "kept existing") != 2 {
		t.Fatalf("unexpected output on rerun: %q", stdout.String())
	}
}

func seedHistory(t *testing.T, ctx *runtimeContext, ids ...string) {
	t.Helper()
	store, err := ctx.OpenHistory()
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		err := store.Record(context.Background(), history.Run{
			ID:            id,
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			FinishedAt:    base.Add(time.Duration(i)*time.Hour + 20*time.Minute),
			State:         string(pipeline.StateSucceeded),
			Release:       "24.04",
			Codename:      "noble",
			KernelVersion: "6.1.0",
			Flavor:        "desktop",
			Stages: []history.StageOutcome{
				{Stage: pipeline.StageBuildKernel, Status: string(pipeline.StatusSucceeded), DurationMS: 600000},
			},
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
}

func TestStatusListsAndShowsRuns(t *testing.T) {
	t.Parallel()

	ctx, stdout := newTestContext(t)
	seedHistory(t, ctx, "run_first", "run_second")

	if err := (&StatusCommand{Limit: 10}).Run(ctx); err != nil {
		t.Fatalf("StatusCommand.Run returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "run_second") {
		t.Fatalf("unexpected run list:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := (&StatusCommand{LastRun: true}).Run(ctx); err != nil {
		t.Fatalf("StatusCommand.Run --last-run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "run: run_second") || !strings.Contains(stdout.String(), "[succeeded] build-kernel") {
		t.Fatalf("unexpected run detail:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := (&StatusCommand{RunID: "run_first", JSON: true}).Run(ctx); err != nil {
		t.Fatalf("StatusCommand.Run --run-id returned error: %v", err)
	}
	var run history.Run
	if err := json.Unmarshal(stdout.Bytes(), &run); err != nil {
		t.Fatalf("unmarshal run JSON: %v", err)
	}
	if run.ID != "run_first" || len(run.Stages) != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestStatusRejectsConflictingSelectors(t *testing.T) {
	t.Parallel()

	ctx, _ := newTestContext(t)
	err := (&StatusCommand{RunID: "run_x", LastRun: true}).Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "choose either --run-id or --last-run") {
		t.Fatalf("expected selector conflict error, got %v", err)
	}
	if err := (&StatusCommand{RunID: "run_missing"}).Run(ctx); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestHistoryRunRecordsImageOnlyWhenAssembled(t *testing.T) {
	t.Parallel()

	b := &pipeline.BuildContext{KernelVersion: "6.1.0", Release: "24.04", Codename: "noble", OutputDir: "/out", KernelFlavor: "vendor"}
	report := pipeline.Report{
		RunID: "run_01",
		State: pipeline.StateSucceeded,
		Results: []pipeline.StageResult{
			{Stage: pipeline.StageBuildKernel, Status: pipeline.StatusSucceeded, Duration: 2 * time.Second},
			{Stage: pipeline.StageAssembleImage, Status: pipeline.StatusSucceeded},
		},
	}
	run := historyRun(report, b, 0)
	if got, want := run.ImagePath, b.ImagePath(); got != want {
		t.Fatalf("unexpected image path: got %q want %q", got, want)
	}
	if got, want := run.Stages[0].DurationMS, int64(2000); got != want {
		t.Fatalf("unexpected duration: got %d want %d", got, want)
	}
	if run.KernelFlavor != "vendor" || run.State != "succeeded" {
		t.Fatalf("unexpected run: %+v", run)
	}

	report.Results[1].Status = pipeline.StatusFailed
	report.Results[1].Code = failure.InstallationFailed
	run = historyRun(report, b, int(failure.InstallationFailed))
	if run.ImagePath != "" {
		t.Fatalf("image recorded for failed assembly: %q", run.ImagePath)
	}
	if got, want := run.Stages[1].Code, int(failure.InstallationFailed); got != want {
		t.Fatalf("unexpected stage code: got %d want %d", got, want)
	}
}

func TestBuildOutcome(t *testing.T) {
	t.Parallel()

	failed := pipeline.Report{Results: []pipeline.StageResult{
		{Stage: pipeline.StageAcquireKernelSource, Status: pipeline.StatusFailed, Code: failure.NetworkFailure, Err: failure.New(failure.NetworkFailure, "fetch", "clone failed")},
	}}

	if got, want := ExitCode(buildOutcome(failed, cancel.New())), int(failure.NetworkFailure); got != want {
		t.Fatalf("unexpected failed exit code: got %d want %d", got, want)
	}
	if err := buildOutcome(pipeline.Report{}, cancel.New()); err != nil {
		t.Fatalf("unexpected error for clean run: %v", err)
	}

	interrupted := cancel.New()
	interrupted.Trip(syscall.SIGINT)
	if got, want := ExitCode(buildOutcome(failed, interrupted)), 130; got != want {
		t.Fatalf("unexpected interrupted exit code: got %d want %d", got, want)
	}

	requested := cancel.New()
	requested.Trip(nil)
	if got, want := ExitCode(buildOutcome(pipeline.Report{}, requested)), int(failure.Cancelled); got != want {
		t.Fatalf("unexpected cancelled exit code: got %d want %d", got, want)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		err  error
		want int
	}{
		{err: nil, want: 0},
		{err: errors.New("boom"), want: int(failure.Unknown)},
		{err: exitCodeError{code: 143}, want: 143},
		{err: fmt.Errorf("stage: %w", failure.New(failure.GPUDriverFailure, "gpu", "no firmware")), want: int(failure.GPUDriverFailure)},
	} {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
