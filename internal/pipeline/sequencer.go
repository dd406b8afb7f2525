package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/cancel"
	"github.com/buildkite/opibuild/internal/failure"
)

type State string

const (
	StateNotStarted            State = "not-started"
	StateSucceeded             State = "succeeded"
	StateAborted               State = "aborted"
	StateCompletedWithFailures State = "completed-with-failures"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusNotRun    Status = "not-run"
)

// StageResult is the outcome of one stage. Every stage appears in a Report.
type StageResult struct {
	Stage    string
	Status   Status
	Code     failure.Code
	Message  string
	Duration time.Duration
	Err      error
}

type Report struct {
	RunID    string
	State    State
	Started  time.Time
	Finished time.Time
	Results  []StageResult

	setupErr error
}

// Err returns the error that decided the run's outcome: a setup failure, or
// the first failed or cancelled stage. It is nil for a clean run.
func (r Report) Err() error {
	if r.setupErr != nil {
		return r.setupErr
	}
	for _, res := range r.Results {
		if res.Status == StatusFailed || res.Status == StatusCancelled {
			return res.Err
		}
	}
	return nil
}

// Failed lists the stages that failed.
func (r Report) Failed() []StageResult {
	var out []StageResult
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res)
		}
	}
	return out
}

func (r Report) Result(stage string) (StageResult, bool) {
	for _, res := range r.Results {
		if res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

type Options struct {
	Log    *buildlog.Log
	Cancel *cancel.Controller
	RunID  string
	Now    func() time.Time
	// OnResult is called as each stage result is decided.
	OnResult func(StageResult)
}

// Sequencer runs stages in the fixed order, one at a time.
type Sequencer struct {
	stages   []Stage
	log      *buildlog.Log
	cancel   *cancel.Controller
	runID    string
	now      func() time.Time
	onResult func(StageResult)
}

// New rejects unknown, duplicate or out-of-order stages. A subset of Order
// is allowed.
func New(stages []Stage, opts Options) (*Sequencer, error) {
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	s := &Sequencer{
		stages:   append([]Stage(nil), stages...),
		log:      opts.Log,
		cancel:   opts.Cancel,
		runID:    opts.RunID,
		now:      opts.Now,
		onResult: opts.OnResult,
	}
	if s.log == nil {
		s.log = buildlog.Nop()
	}
	if s.cancel == nil {
		s.cancel = cancel.New()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// PlanEntry describes what Run would do with a stage.
type PlanEntry struct {
	Stage   string
	Feature Feature
	Enabled bool
}

func (s *Sequencer) Plan(b *BuildContext) []PlanEntry {
	out := make([]PlanEntry, 0, len(s.stages))
	for _, st := range s.stages {
		out = append(out, PlanEntry{Stage: st.Name(), Feature: st.Feature(), Enabled: b.Features.Enabled(st.Feature())})
	}
	return out
}

// Run executes the pipeline against env. Modules are initialized and asked
// for build options before the first stage and cleaned up after the last.
func (s *Sequencer) Run(ctx context.Context, env *Env) (report Report) {
	if env.Log == nil {
		env.Log = s.log
	}
	report = Report{RunID: s.runID, State: StateNotStarted, Started: s.now()}
	defer func() {
		report.Finished = s.now()
	}()

	if err := env.Modules.InitAll(ctx, env); err != nil {
		s.log.Error("module setup failed", "error", err)
		report.setupErr = failure.Wrap(err, failure.InstallationFailed, "modules")
		report.State = StateAborted
		s.markRemaining(&report, 0)
		_ = env.Modules.CleanupAll(ctx, env)
		return report
	}
	defer func() {
		if err := env.Modules.CleanupAll(context.WithoutCancel(ctx), env); err != nil {
			s.log.Warn("module cleanup reported errors", "error", err)
		}
	}()
	if err := env.Modules.ContributeAll(env); err != nil {
		s.log.Error("module build options failed", "error", err)
		report.setupErr = failure.Wrap(err, failure.InstallationFailed, "modules")
		report.State = StateAborted
		s.markRemaining(&report, 0)
		return report
	}

	failed := false
	for i, st := range s.stages {
		if s.cancel.Tripped() || ctx.Err() != nil {
			err := s.cancel.Err()
			if err == nil {
				err = failure.Wrap(ctx.Err(), failure.Cancelled, st.Name())
			}
			s.log.Warn("cancellation requested, not starting stage", "stage", st.Name())
			s.record(&report, StageResult{Stage: st.Name(), Status: StatusCancelled, Code: failure.Cancelled, Message: "cancelled before start", Err: err})
			s.markRemaining(&report, i+1)
			report.State = StateAborted
			return report
		}

		if !env.Build.Features.Enabled(st.Feature()) {
			s.log.Info("stage skipped, feature disabled", "stage", st.Name(), "feature", st.Feature())
			s.record(&report, StageResult{Stage: st.Name(), Status: StatusSkipped, Message: fmt.Sprintf("feature %s disabled", st.Feature())})
			continue
		}

		s.log.Info("stage starting", "stage", st.Name(), "index", i+1, "total", len(s.stages))
		started := s.now()
		err := s.runStage(ctx, st, env)
		elapsed := s.now().Sub(started)

		if err == nil {
			s.log.Info("stage succeeded", "stage", st.Name(), "duration", elapsed)
			s.record(&report, StageResult{Stage: st.Name(), Status: StatusSucceeded, Duration: elapsed})
			continue
		}

		code := failure.CodeOf(err)
		if failure.IsCancelled(err) {
			s.log.Warn("stage cancelled", "stage", st.Name(), "error", err)
			s.record(&report, StageResult{Stage: st.Name(), Status: StatusCancelled, Code: failure.Cancelled, Message: err.Error(), Duration: elapsed, Err: err})
			s.markRemaining(&report, i+1)
			report.State = StateAborted
			return report
		}

		failed = true
		s.record(&report, StageResult{Stage: st.Name(), Status: StatusFailed, Code: code, Message: err.Error(), Duration: elapsed, Err: err})
		if !env.Build.ContinueOnError {
			s.log.Error("stage failed, aborting", "stage", st.Name(), "code", int(code), "error", err)
			s.markRemaining(&report, i+1)
			report.State = StateAborted
			return report
		}
		s.log.Warn("stage failed, continuing", "stage", st.Name(), "code", int(code), "error", err)
	}

	if failed {
		report.State = StateCompletedWithFailures
	} else {
		report.State = StateSucceeded
	}
	return report
}

// runStage reports a panicking stage as a failed one.
func (s *Sequencer) runStage(ctx context.Context, st Stage, env *Env) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.Unknown, st.Name(), "panic: %v", r)
		}
	}()
	return st.Run(ctx, env)
}

func (s *Sequencer) record(report *Report, res StageResult) {
	report.Results = append(report.Results, res)
	if s.onResult != nil {
		s.onResult(res)
	}
}

func (s *Sequencer) markRemaining(report *Report, from int) {
	for _, st := range s.stages[from:] {
		s.record(report, StageResult{Stage: st.Name(), Status: StatusNotRun})
	}
}
