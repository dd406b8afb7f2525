package buildlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

const (
	DefaultFile      = "/tmp/opibuild.log"
	DefaultErrorFile = "/tmp/opibuild_errors.log"

	timeFormat = "2006-01-02 15:04:05"
)

type Options struct {
	// File and ErrorFile are opened in append mode. Writers, when set, take
	// precedence over the paths.
	File        string
	ErrorFile   string
	Writer      io.Writer
	ErrorWriter io.Writer

	Level log.Level

	// Console, when set, receives records at ConsoleLevel and above.
	// StyleConsole lets the caller apply terminal styles.
	Console      io.Writer
	ConsoleLevel log.Level
	StyleConsole func(*log.Logger)
}

// Log fans records out to an append-only combined log, an ERROR-only log and
// an optional console logger. Registered secrets never reach any sink.
type Log struct {
	combined *log.Logger
	errs     *log.Logger
	console  *log.Logger

	secrets *secretSet
	closers []io.Closer
}

func Open(opts Options) (*Log, error) {
	secrets := &secretSet{}
	l := &Log{secrets: secrets}

	combinedW := opts.Writer
	if combinedW == nil {
		f, err := openAppend(opts.File, DefaultFile)
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, f)
		combinedW = f
	}
	errorW := opts.ErrorWriter
	if errorW == nil {
		f, err := openAppend(opts.ErrorFile, DefaultErrorFile)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.closers = append(l.closers, f)
		errorW = f
	}

	l.combined = newFileLogger(&redactWriter{w: combinedW, secrets: secrets}, opts.Level)
	l.errs = newFileLogger(&redactWriter{w: errorW, secrets: secrets}, log.ErrorLevel)
	if opts.Console != nil {
		l.console = log.NewWithOptions(&redactWriter{w: opts.Console, secrets: secrets}, log.Options{
			Level:     opts.ConsoleLevel,
			Formatter: log.TextFormatter,
		})
		if opts.StyleConsole != nil {
			opts.StyleConsole(l.console)
		}
	}
	return l, nil
}

// Nop returns a Log that discards everything.
func Nop() *Log {
	l, _ := Open(Options{Writer: io.Discard, ErrorWriter: io.Discard})
	return l
}

func newFileLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		ReportCaller:    true,
		TimeFormat:      timeFormat,
		Formatter:       log.TextFormatter,
	})
}

func openAppend(path, fallback string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		path = fallback
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", path, err)
	}
	return f, nil
}

// AddSecret registers a value that is replaced by *** in every sink.
func (l *Log) AddSecret(secret string) {
	l.secrets.add(secret)
}

// With returns a child logger carrying keyvals on every record.
func (l *Log) With(keyvals ...any) *Log {
	child := &Log{
		combined: l.combined.With(keyvals...),
		errs:     l.errs.With(keyvals...),
		secrets:  l.secrets,
	}
	if l.console != nil {
		child.console = l.console.With(keyvals...)
	}
	return child
}

func (l *Log) Debug(msg string, keyvals ...any) {
	l.combined.Helper()
	l.combined.Debug(msg, keyvals...)
	if l.console != nil {
		l.console.Helper()
		l.console.Debug(msg, keyvals...)
	}
}

func (l *Log) Info(msg string, keyvals ...any) {
	l.combined.Helper()
	l.combined.Info(msg, keyvals...)
	if l.console != nil {
		l.console.Helper()
		l.console.Info(msg, keyvals...)
	}
}

func (l *Log) Warn(msg string, keyvals ...any) {
	l.combined.Helper()
	l.combined.Warn(msg, keyvals...)
	if l.console != nil {
		l.console.Helper()
		l.console.Warn(msg, keyvals...)
	}
}

// Error writes to the combined log, the error log and the console.
func (l *Log) Error(msg string, keyvals ...any) {
	l.combined.Helper()
	l.errs.Helper()
	l.combined.Error(msg, keyvals...)
	l.errs.Error(msg, keyvals...)
	if l.console != nil {
		l.console.Helper()
		l.console.Error(msg, keyvals...)
	}
}

func (l *Log) Close() error {
	var errs []error
	for _, c := range l.closers {
		if f, ok := c.(*os.File); ok {
			_ = f.Sync()
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}

type secretSet struct {
	mu     sync.RWMutex
	values []string
}

func (s *secretSet) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.values {
		if existing == v {
			return
		}
	}
	s.values = append(s.values, v)
}

func (s *secretSet) redact(p []byte) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.values) == 0 {
		return p
	}
	out := string(p)
	for _, v := range s.values {
		out = strings.ReplaceAll(out, v, "***")
	}
	return []byte(out)
}

type redactWriter struct {
	mu      sync.Mutex
	w       io.Writer
	secrets *secretSet
}

func (r *redactWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(r.secrets.redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
