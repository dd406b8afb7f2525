package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/failure"
	"github.com/buildkite/opibuild/internal/runner"
)

type Kind string

const (
	KindGit  Kind = "git"
	KindFile Kind = "file"
)

// Candidate is one source for an artifact.
type Candidate struct {
	Locator string
	// Ref is a branch or tag for git sources.
	Ref string
	// MinSize is the byte count a file artifact must exceed. Zero disables
	// the check.
	MinSize  int64
	Required bool
}

// Chain is an ordered list of candidates for one artifact. The first
// candidate is the primary source. When EnvOverride names a set variable its
// value is tried right after the primary and before the remaining mirrors.
type Chain struct {
	Name        string
	Kind        Kind
	Candidates  []Candidate
	EnvOverride string
	// FailCode classifies exhaustion. Zero means Unknown.
	FailCode failure.Code
	// Retry applies to each candidate's fetch command, not to the chain.
	Retry *runner.RetryPolicy
}

// Required reports whether exhausting the chain is a hard failure. A chain
// is optional when any of its candidates is.
func (c Chain) Required() bool {
	if len(c.Candidates) == 0 {
		return false
	}
	for _, cand := range c.Candidates {
		if !cand.Required {
			return false
		}
	}
	return true
}

// Attempt records one tried source.
type Attempt struct {
	Locator  string
	Override bool
	Size     int64
	Err      error
}

// Result describes the source that produced a valid artifact.
type Result struct {
	Path     string
	Locator  string
	Index    int
	Override bool
	Attempts []Attempt
}

// UnavailableError is returned when every source of a chain failed.
type UnavailableError struct {
	Chain    string
	Code     failure.Code
	Required bool
	Attempts []Attempt
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "artifact %s unavailable after %d source(s)", e.Chain, len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Locator, a.Err)
	}
	return b.String()
}

func (e *UnavailableError) Unwrap() error {
	return &failure.Error{Code: e.Code, Op: "resolve " + e.Chain, Message: "all sources exhausted"}
}

func (e *UnavailableError) ExitCode() int {
	return int(e.Code)
}

// Soft reports whether the caller may ignore the failure.
func (e *UnavailableError) Soft() bool {
	return !e.Required
}

// IsSoft reports whether err is an UnavailableError for an optional chain.
func IsSoft(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue) && ue.Soft()
}

// FetchRequest is handed to a Fetcher for one candidate.
type FetchRequest struct {
	// Locator may carry a credential; Display never does.
	Locator  string
	Display  string
	Ref      string
	Dest     string
	Token    string
	Retry    *runner.RetryPolicy
	FailCode failure.Code
}

// Fetcher retrieves one candidate into req.Dest.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) error
}

type Options struct {
	Runner      *runner.Runner
	Log         *buildlog.Log
	Credentials CredentialProvider
	Fetchers    map[Kind]Fetcher
	Getenv      func(string) string
	Now         func() time.Time
}

type Resolver struct {
	runner      *runner.Runner
	log         *buildlog.Log
	credentials CredentialProvider
	fetchers    map[Kind]Fetcher
	getenv      func(string) string
	now         func() time.Time
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		runner:      opts.Runner,
		log:         opts.Log,
		credentials: opts.Credentials,
		getenv:      opts.Getenv,
		now:         opts.Now,
	}
	if r.log == nil {
		r.log = buildlog.Nop()
	}
	if r.runner == nil {
		r.runner = runner.New(runner.Options{Log: r.log})
	}
	if r.credentials == nil {
		r.credentials = NewEnvCredentialProvider(nil)
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.fetchers = map[Kind]Fetcher{
		KindGit:  &GitFetcher{Runner: r.runner},
		KindFile: &HTTPFetcher{Runner: r.runner},
	}
	for k, f := range opts.Fetchers {
		r.fetchers[k] = f
	}
	return r
}

type plannedSource struct {
	candidate Candidate
	index     int
	override  bool
}

func (c Chain) plan(getenv func(string) string) []plannedSource {
	out := make([]plannedSource, 0, len(c.Candidates)+1)
	for i, cand := range c.Candidates {
		out = append(out, plannedSource{candidate: cand, index: i})
		if i != 0 || c.EnvOverride == "" {
			continue
		}
		if v := strings.TrimSpace(getenv(c.EnvOverride)); v != "" {
			override := cand
			override.Locator = v
			override.Ref = ""
			out = append(out, plannedSource{candidate: override, index: -1, override: true})
		}
	}
	return out
}

// Resolve tries each source of chain in order and moves the first valid
// artifact to dest.
func (r *Resolver) Resolve(ctx context.Context, chain Chain, dest string) (Result, error) {
	code := chain.FailCode
	if code == failure.Success {
		code = failure.Unknown
	}
	fetcher, ok := r.fetchers[chain.Kind]
	if !ok {
		return Result{}, failure.New(code, "resolve "+chain.Name, "no fetcher for %q artifacts", chain.Kind)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, failure.Wrap(err, failure.PermissionDenied, "resolve "+chain.Name)
	}

	var attempts []Attempt
	for _, src := range chain.plan(r.getenv) {
		if r.runner.Cancel().Tripped() {
			return Result{}, failure.Wrap(r.runner.Cancel().Err(), failure.Cancelled, "resolve "+chain.Name)
		}
		display := Redact(src.candidate.Locator)
		r.log.Info("trying artifact source", "artifact", chain.Name, "source", display, "override", src.override)

		size, err := r.tryCandidate(ctx, fetcher, chain, src.candidate, dest, code)
		attempts = append(attempts, Attempt{Locator: display, Override: src.override, Size: size, Err: err})
		if err == nil {
			r.log.Info("artifact resolved", "artifact", chain.Name, "source", display, "path", dest)
			return Result{Path: dest, Locator: display, Index: src.index, Override: src.override, Attempts: attempts}, nil
		}
		if failure.IsCancelled(err) {
			return Result{}, err
		}
		r.log.Warn("artifact source failed, trying next", "artifact", chain.Name, "source", display, "error", err)
	}

	uerr := &UnavailableError{Chain: chain.Name, Code: code, Required: chain.Required(), Attempts: attempts}
	if uerr.Required {
		r.log.Error("required artifact unavailable", "artifact", chain.Name, "sources", len(attempts))
	} else {
		r.log.Warn("optional artifact unavailable", "artifact", chain.Name, "sources", len(attempts))
	}
	return Result{}, uerr
}

func (r *Resolver) tryCandidate(ctx context.Context, fetcher Fetcher, chain Chain, cand Candidate, dest string, code failure.Code) (int64, error) {
	token := ""
	if RequiresAuth(cand.Locator) {
		t, err := r.credentials.Resolve(ctx, HostOf(cand.Locator))
		if err != nil {
			r.log.Warn("credential lookup failed, fetching anonymously", "host", HostOf(cand.Locator), "error", err)
		}
		token = t
	}
	locator, rewritten := WithToken(cand.Locator, token)
	if rewritten {
		r.log.AddSecret(token)
	}

	tmp := fmt.Sprintf("%s.tmp-%d", dest, r.now().UnixNano())
	defer os.RemoveAll(tmp)

	err := fetcher.Fetch(ctx, FetchRequest{
		Locator:  locator,
		Display:  Redact(cand.Locator),
		Ref:      cand.Ref,
		Dest:     tmp,
		Token:    token,
		Retry:    chain.Retry,
		FailCode: code,
	})
	if err != nil {
		return 0, err
	}

	size, err := validate(chain.Kind, tmp, cand.MinSize)
	if err != nil {
		return size, failure.Wrap(err, code, "validate "+chain.Name)
	}

	if err := os.RemoveAll(dest); err != nil {
		return size, fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return size, fmt.Errorf("store artifact %q: %w", dest, err)
	}
	return size, nil
}

func validate(kind Kind, path string, minSize int64) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("artifact missing after fetch: %w", err)
	}
	if kind == KindGit {
		if !st.IsDir() {
			return 0, fmt.Errorf("%s is not a directory", path)
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, fmt.Errorf("%s is empty", path)
		}
		return 0, nil
	}
	if st.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	if minSize > 0 && st.Size() <= minSize {
		return st.Size(), fmt.Errorf("artifact is %d bytes, expected more than %d", st.Size(), minSize)
	}
	return st.Size(), nil
}
