package failure

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Code is a process exit status. The set is closed; every stage failure maps
// to exactly one of these.
type Code int

const (
	Success               Code = 0
	PermissionDenied      Code = 1
	FileNotFound          Code = 2
	NetworkFailure        Code = 3
	CompilationFailed     Code = 4
	InsufficientDiskSpace Code = 5
	MissingDependency     Code = 6
	GPUDriverFailure      Code = 7
	KernelConfigFailed    Code = 8
	InstallationFailed    Code = 9
	Cancelled             Code = 10
	Unknown               Code = 99
)

var codeNames = map[Code]string{
	Success:               "success",
	PermissionDenied:      "permission denied",
	FileNotFound:          "file not found",
	NetworkFailure:        "network failure",
	CompilationFailed:     "compilation failed",
	InsufficientDiskSpace: "insufficient disk space",
	MissingDependency:     "missing dependency",
	GPUDriverFailure:      "gpu driver failure",
	KernelConfigFailed:    "kernel configuration failed",
	InstallationFailed:    "installation failed",
	Cancelled:             "cancelled by user",
	Unknown:               "unknown error",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code %d", int(c))
}

// Valid reports whether c belongs to the exit-code taxonomy.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// Error carries the diagnostic context of a failure: what failed, where it
// was raised and when.
type Error struct {
	Code     Code
	Op       string
	Message  string
	Location string
	Time     time.Time
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ExitCode() int {
	return int(e.Code)
}

// New returns an Error with the caller's location attached.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Op:       op,
		Message:  fmt.Sprintf(format, args...),
		Location: caller(2),
		Time:     time.Now().UTC(),
	}
}

// Wrap classifies err under code. A nil err yields nil. If err already
// carries a code it is kept as the cause but the outer code wins.
func Wrap(err error, code Code, op string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:     code,
		Op:       op,
		Location: caller(2),
		Time:     time.Now().UTC(),
		Err:      err,
	}
}

// CodeOf extracts the outermost failure code in err's chain. Errors that carry
// no code map to Unknown; nil maps to Success.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Unknown
}

// IsCancelled reports whether err was caused by a user cancellation.
func IsCancelled(err error) bool {
	var fe *Error
	for err != nil {
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == Cancelled {
			return true
		}
		err = fe.Err
	}
	return false
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
