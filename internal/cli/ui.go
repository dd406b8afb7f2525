package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/opibuild/internal/buildlog"
	"github.com/buildkite/opibuild/internal/history"
	"github.com/buildkite/opibuild/internal/hosttools"
	"github.com/buildkite/opibuild/internal/pipeline"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "opibuild"
	}

	var out strings.Builder
	icon := "🍊"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')
	writeFields(&out, h.Fields, color)
	out.WriteByte('\n')

	return out.String()
}

// renderFields lists non-empty fields without a title.
func renderFields(fields []startupField) string {
	var out strings.Builder
	writeFields(&out, fields, false)
	return out.String()
}

func writeFields(out *strings.Builder, fields []startupField, color bool) {
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
}

func runFields(runID string, b *pipeline.BuildContext, logFile string) []startupField {
	if logFile == "" {
		logFile = buildlog.DefaultFile
	}
	return []startupField{
		{Key: "run", Value: runID},
		{Key: "release", Value: fmt.Sprintf("Ubuntu %s (%s)", b.Release, b.Codename)},
		{Key: "kernel", Value: b.KernelVersion},
		{Key: "distro", Value: string(b.Flavor)},
		{Key: "jobs", Value: strconv.Itoa(b.Jobs)},
		{Key: "image", Value: b.ImagePath()},
		{Key: "log", Value: logFile},
	}
}

func renderDoctorReport(name string, checks []hosttools.Check, color bool) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "opibuild"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	passCount := 0
	warnCount := 0
	failCount := 0

	for _, check := range checks {
		status := normalizeDoctorStatus(string(check.Status))
		switch status {
		case "pass":
			passCount++
		case "warn":
			warnCount++
		case "fail":
			failCount++
		}

		statusBlock := fmt.Sprintf("%s [%s]", statusIcon(status), status)
		if color {
			statusBlock = ansiWrap(statusColor(status), statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}

		out.WriteString(statusBlock)
		out.WriteString(" ")
		out.WriteString(checkName)
		out.WriteString(": ")
		out.WriteString(message)
		out.WriteByte('\n')
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", passCount, warnCount, failCount)
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')

	return out.String()
}

func statusIcon(status string) string {
	switch status {
	case "pass", "succeeded":
		return "✓"
	case "warn", "skipped":
		return "!"
	case "fail", "failed", "cancelled":
		return "✗"
	case "not-run":
		return "-"
	default:
		return "?"
	}
}

func statusColor(status string) string {
	switch status {
	case "pass", "succeeded":
		return "1;32"
	case "warn", "skipped":
		return "1;33"
	case "fail", "failed", "cancelled":
		return "1;31"
	default:
		return "1;37"
	}
}

func renderPlan(plan []pipeline.PlanEntry, color bool) string {
	var out strings.Builder
	for i, entry := range plan {
		state := "run"
		if !entry.Enabled {
			state = "skip"
		}
		if color {
			code := "1;32"
			if !entry.Enabled {
				code = "38;5;246"
			}
			state = ansiWrap(code, state)
		}
		feature := string(entry.Feature)
		if feature == "" {
			feature = "always"
		}
		fmt.Fprintf(&out, "%2d. %-24s %-10s %s\n", i+1, entry.Stage, feature, state)
	}
	return out.String()
}

func renderBuildSummary(report pipeline.Report, color bool) string {
	var out strings.Builder
	title := fmt.Sprintf("build %s: %s", report.RunID, report.State)
	if color {
		code := "1;32"
		if report.State != pipeline.StateSucceeded {
			code = "1;31"
		}
		title = ansiWrap(code, title)
	}
	out.WriteByte('\n')
	out.WriteString(title)
	out.WriteByte('\n')

	for _, res := range report.Results {
		status := string(res.Status)
		block := fmt.Sprintf("%s [%s]", statusIcon(status), status)
		if color {
			block = ansiWrap(statusColor(status), block)
		}
		line := fmt.Sprintf("%s %s", block, res.Stage)
		if res.Duration > 0 {
			line += " (" + res.Duration.Round(time.Second).String() + ")"
		}
		if res.Status == pipeline.StatusFailed || res.Status == pipeline.StatusCancelled {
			line += fmt.Sprintf(": exit %d: %s", res.Code, res.Message)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if !report.Finished.IsZero() && !report.Started.IsZero() {
		fmt.Fprintf(&out, "   total: %s\n", report.Finished.Sub(report.Started).Round(time.Second))
	}
	return out.String()
}

func renderRunList(runs []history.Run) string {
	var out strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&out, "%s  %-24s exit %-3d %s %s  %s\n",
			run.ID, run.State, run.ExitCode, run.Codename, run.KernelVersion, humanize.Time(run.StartedAt))
	}
	return out.String()
}

func renderRun(run history.Run) string {
	var out strings.Builder
	out.WriteString(renderFields([]startupField{
		{Key: "run", Value: run.ID},
		{Key: "state", Value: run.State},
		{Key: "exit code", Value: strconv.Itoa(run.ExitCode)},
		{Key: "started", Value: fmt.Sprintf("%s (%s)", run.StartedAt.Format(time.RFC3339), humanize.Time(run.StartedAt))},
		{Key: "duration", Value: run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()},
		{Key: "release", Value: strings.TrimSpace(run.Release + " " + run.Codename)},
		{Key: "kernel", Value: strings.TrimSpace(run.KernelVersion + " " + run.KernelFlavor)},
		{Key: "distro", Value: run.Flavor},
		{Key: "image", Value: run.ImagePath},
	}))
	for _, st := range run.Stages {
		line := fmt.Sprintf("   %s [%s] %s", statusIcon(st.Status), st.Status, st.Stage)
		if st.Message != "" && st.Status != string(pipeline.StatusSucceeded) {
			line += ": " + st.Message
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(stderr *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
