package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/buildkite/opibuild/internal/failure"
	"github.com/dustin/go-humanize"
)

// DefaultMinFreeMB is the free space a full build needs in its build
// directory.
const DefaultMinFreeMB = 15000

type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	// Code classifies a failed check.
	Code failure.Code `json:"code,omitempty"`
}

// Preflight checks that the host can run a build.
type Preflight struct {
	Geteuid   func() int
	LookPath  func(string) (string, error)
	Stat      func(string) (os.FileInfo, error)
	FreeBytes func(path string) (uint64, error)
}

func NewPreflight() *Preflight {
	return &Preflight{
		Geteuid:   os.Geteuid,
		LookPath:  exec.LookPath,
		Stat:      os.Stat,
		FreeBytes: freeBytes,
	}
}

func (p *Preflight) Root() Check {
	if p.Geteuid() != 0 {
		return Check{
			Name:    "privileges",
			Status:  StatusFail,
			Message: "must run as root (mounts, loop devices and chroot need it); re-run with sudo",
			Code:    failure.PermissionDenied,
		}
	}
	return Check{Name: "privileges", Status: StatusPass, Message: "running as root"}
}

// Tools checks every needed tool. Missing tools produce one failing check
// carrying an apt install hint.
func (p *Preflight) Tools(tools []Tool, enabled func(feature string) bool) []Check {
	var (
		checks  []Check
		missing []Tool
	)
	for _, t := range tools {
		if !t.Needed(enabled) {
			continue
		}
		path, err := resolveBinary(t.Binary, p.LookPath, p.Stat, candidateBinaryPaths(t.Binary, sbinPrefixes))
		if err != nil {
			missing = append(missing, t)
			checks = append(checks, Check{Name: "tool " + t.Binary, Status: StatusFail, Message: err.Error(), Code: failure.MissingDependency})
			continue
		}
		checks = append(checks, Check{Name: "tool " + t.Binary, Status: StatusPass, Message: path})
	}
	if len(missing) > 0 {
		checks = append(checks, Check{
			Name:    "install hint",
			Status:  StatusFail,
			Message: InstallHint(missing),
			Code:    failure.MissingDependency,
		})
	}
	return checks
}

// DiskSpace checks the free space of the filesystem holding dir. The
// nearest existing parent is used when dir does not exist yet.
func (p *Preflight) DiskSpace(dir string, minMB int64) Check {
	name := "disk space"
	target := existingParent(dir, p.Stat)
	free, err := p.FreeBytes(target)
	if err != nil {
		return Check{Name: name, Status: StatusWarn, Message: fmt.Sprintf("could not check free space at %s: %v", target, err)}
	}
	required := uint64(minMB) * 1024 * 1024
	if free < required {
		return Check{
			Name:    name,
			Status:  StatusFail,
			Message: fmt.Sprintf("%s free at %s, %s required", humanize.IBytes(free), target, humanize.IBytes(required)),
			Code:    failure.InsufficientDiskSpace,
		}
	}
	return Check{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s free at %s", humanize.IBytes(free), target)}
}

func existingParent(dir string, stat func(string) (os.FileInfo, error)) string {
	current := filepath.Clean(dir)
	for {
		if _, err := stat(current); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return current
		}
		current = parent
	}
}

// FirstFailure turns the first failing check into a classified error.
func FirstFailure(checks []Check) error {
	var errs []error
	var first *Check
	for i := range checks {
		if checks[i].Status != StatusFail {
			continue
		}
		if first == nil {
			first = &checks[i]
		}
		errs = append(errs, fmt.Errorf("%s: %s", checks[i].Name, checks[i].Message))
	}
	if first == nil {
		return nil
	}
	return failure.Wrap(errors.Join(errs...), first.Code, "preflight")
}
