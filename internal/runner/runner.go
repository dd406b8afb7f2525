package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/cancel"
	"github.com/buildkite/opibuild/internal/failure"
)

// outputTailLines bounds how much captured output is attached to a failure record.
const outputTailLines = 20

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the process environment.
	Env   []string
	Stdin io.Reader

	// Display replaces the logged command text. Callers that put a
	// credential in Args must set it.
	Display    string
	ShowOutput bool
	// FailCode classifies a failed run. Zero means Unknown.
	FailCode failure.Code
}

func (c Command) String() string {
	if c.Display != "" {
		return c.Display
	}
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if strings.ContainsAny(s, " \t\n'\"$`\\|&;<>(){}*?") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// RetryPolicy re-runs a failed command after a fixed delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetry is used for network-facing commands.
var DefaultRetry = RetryPolicy{MaxAttempts: 2, Delay: 2 * time.Second}

type Options struct {
	Log    *buildlog.Log
	Cancel *cancel.Controller

	Stdout io.Writer
	Stderr io.Writer

	// Exec runs a command to completion and returns its combined output
	// when the output is not streamed.
	Exec func(ctx context.Context, cmd Command) ([]byte, error)
	// Sleep waits between attempts. It returns early when ctx is done or
	// the controller trips.
	Sleep func(ctx context.Context, d time.Duration)
}

type Runner struct {
	log    *buildlog.Log
	cancel *cancel.Controller
	exec   func(context.Context, Command) ([]byte, error)
	sleep  func(context.Context, time.Duration)
}

func New(opts Options) *Runner {
	logger := opts.Log
	if logger == nil {
		logger = buildlog.Nop()
	}
	controller := opts.Cancel
	if controller == nil {
		controller = cancel.New()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	r := &Runner{
		log:    logger,
		cancel: controller,
		exec:   opts.Exec,
		sleep:  opts.Sleep,
	}
	if r.exec == nil {
		r.exec = execCommand(stdout, stderr)
	}
	if r.sleep == nil {
		r.sleep = func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			case <-controller.Done():
			}
		}
	}
	return r
}

// Cancel exposes the controller the runner consults.
func (r *Runner) Cancel() *cancel.Controller {
	return r.cancel
}

// Run executes cmd, retrying per policy. A nil policy means one attempt.
func (r *Runner) Run(ctx context.Context, cmd Command, policy *RetryPolicy) error {
	display := cmd.String()
	code := cmd.FailCode
	if code == failure.Success {
		code = failure.Unknown
	}
	return r.retry(ctx, display, policy, func(ctx context.Context, attempt, attempts int) error {
		r.log.Info("running command", "command", display, "attempt", attempt, "attempts", attempts)
		out, err := r.exec(ctx, cmd)
		outcome := Classify(err)
		if err == nil {
			if len(out) > 0 {
				r.log.Debug("command output", "command", display, "output", tail(out, outputTailLines))
			}
			r.log.Info("command succeeded", "command", display)
			return nil
		}
		failCode := code
		if errors.Is(err, exec.ErrNotFound) {
			failCode = failure.MissingDependency
		}
		kv := []any{"command", display, "outcome", outcome.String(), "attempt", attempt, "attempts", attempts}
		if len(out) > 0 {
			kv = append(kv, "output", tail(out, outputTailLines))
		}
		r.log.Error("command failed", kv...)
		return &failure.Error{
			Code:     failCode,
			Op:       display,
			Message:  outcome.String(),
			Location: "runner",
			Time:     time.Now().UTC(),
			Err:      err,
		}
	})
}

// Output runs cmd once and returns its captured output regardless of
// ShowOutput.
func (r *Runner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	if err := r.checkCancel(cmd.String()); err != nil {
		return nil, err
	}
	cmd.ShowOutput = false
	out, err := r.exec(ctx, cmd)
	if err != nil {
		outcome := Classify(err)
		r.log.Error("command failed", "command", cmd.String(), "outcome", outcome.String(), "output", tail(out, outputTailLines))
		code := cmd.FailCode
		if code == failure.Success {
			code = failure.Unknown
		}
		if errors.Is(err, exec.ErrNotFound) {
			code = failure.MissingDependency
		}
		return out, failure.Wrap(err, code, cmd.String())
	}
	return out, nil
}

// Do retries an in-process operation with the same cancellation and logging
// rules as Run.
func (r *Runner) Do(ctx context.Context, label string, policy *RetryPolicy, fn func(context.Context) error) error {
	return r.retry(ctx, label, policy, func(ctx context.Context, attempt, attempts int) error {
		r.log.Info("starting operation", "operation", label, "attempt", attempt, "attempts", attempts)
		err := fn(ctx)
		if err == nil {
			return nil
		}
		r.log.Error("operation failed", "operation", label, "attempt", attempt, "attempts", attempts, "error", err)
		return err
	})
}

func (r *Runner) retry(
	ctx context.Context,
	label string,
	policy *RetryPolicy,
	attemptFn func(ctx context.Context, attempt, attempts int) error,
) error {
	attempts := 1
	var delay time.Duration
	if policy != nil {
		if policy.MaxAttempts > 1 {
			attempts = policy.MaxAttempts
		}
		delay = policy.Delay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			r.log.Debug("waiting before retry", "target", label, "delay", delay)
			r.sleep(ctx, delay)
		}
		if err := r.checkCancel(label); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return failure.Wrap(err, failure.Cancelled, label)
		}
		lastErr = attemptFn(ctx, attempt, attempts)
		if lastErr == nil {
			return nil
		}
	}
	if attempts > 1 {
		r.log.Warn("retries exhausted", "target", label, "attempts", attempts)
	}
	return lastErr
}

func (r *Runner) checkCancel(label string) error {
	if !r.cancel.Tripped() {
		return nil
	}
	r.log.Warn("cancellation requested, not starting", "target", label)
	return failure.Wrap(r.cancel.Err(), failure.Cancelled, label)
}

func execCommand(stdout, stderr io.Writer) func(context.Context, Command) ([]byte, error) {
	return func(ctx context.Context, c Command) ([]byte, error) {
		cmd := exec.CommandContext(ctx, c.Name, c.Args...)
		cmd.Dir = c.Dir
		if len(c.Env) > 0 {
			cmd.Env = append(os.Environ(), c.Env...)
		}
		cmd.Stdin = c.Stdin
		if c.ShowOutput {
			cmd.Stdout = stdout
			cmd.Stderr = stderr
			return nil, cmd.Run()
		}
		return cmd.CombinedOutput()
	}
}

// OutcomeKind is how an external process ended.
type OutcomeKind int

const (
	OutcomeExited OutcomeKind = iota
	OutcomeSignaled
	OutcomeUnknown
)

type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Signal   syscall.Signal
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeExited:
		return fmt.Sprintf("exited with code %d", o.ExitCode)
	case OutcomeSignaled:
		return fmt.Sprintf("terminated by signal %d (%s)", int(o.Signal), o.Signal)
	default:
		return "unclassifiable termination"
	}
}

// Classify maps an exec error onto an Outcome. A nil error is a clean exit
// with code 0.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeExited}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Outcome{Kind: OutcomeUnknown}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Signaled():
			return Outcome{Kind: OutcomeSignaled, Signal: ws.Signal()}
		case ws.Exited():
			return Outcome{Kind: OutcomeExited, ExitCode: ws.ExitStatus()}
		}
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return Outcome{Kind: OutcomeExited, ExitCode: code}
	}
	return Outcome{Kind: OutcomeUnknown}
}

func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
