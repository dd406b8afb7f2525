package pipeline

import (
	"context"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/failure"
)

// Severity decides whether a failed step fails its stage.
type Severity int

const (
	Hard Severity = iota
	// Advisory failures are logged and swallowed.
	Advisory
)

func (s Severity) String() string {
	if s == Advisory {
		return "advisory"
	}
	return "hard"
}

// Step is one operation inside a stage.
type Step struct {
	Name     string
	Severity Severity
	// Code classifies a hard failure whose error carries no code of its own.
	Code failure.Code
	Run  func(ctx context.Context) error
}

// RunSteps runs steps in order. The first hard failure is returned; advisory
// failures are logged at WARN. Cancellation always propagates.
func RunSteps(ctx context.Context, log *buildlog.Log, steps []Step) error {
	if log == nil {
		log = buildlog.Nop()
	}
	for _, step := range steps {
		log.Debug("step starting", "step", step.Name, "severity", step.Severity)
		err := step.Run(ctx)
		if err == nil {
			continue
		}
		if failure.IsCancelled(err) {
			return err
		}
		if step.Severity == Advisory {
			log.Warn("advisory step failed, continuing", "step", step.Name, "error", err)
			continue
		}
		if failure.CodeOf(err) == failure.Unknown && step.Code != failure.Success {
			err = failure.Wrap(err, step.Code, step.Name)
		}
		return err
	}
	return nil
}
