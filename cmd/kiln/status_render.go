package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"kiln/internal/checkpoint"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.Und)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func renderInfoLine(label, value string) string {
	return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// unitStatusLabel renders a unit status for tables: "quality_rejected"
// becomes "Quality Rejected".
func unitStatusLabel(status checkpoint.Status) string {
	if status == "" {
		return "Unknown"
	}
	return titleCaser.String(strings.ReplaceAll(string(status), "_", " "))
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// unitDetail is the most useful free-text column for a unit: its error when
// it has one, otherwise its output.
func unitDetail(st checkpoint.TaskState) string {
	detail := st.Output
	if st.LastError != "" && st.Status != checkpoint.StatusCompleted {
		detail = st.LastError
		if st.FailureKind != "" {
			detail = fmt.Sprintf("%s: %s", st.FailureKind, st.LastError)
		}
	}
	return strings.Join(strings.Fields(detail), " ")
}

func unitRows(units []checkpoint.TaskState) [][]string {
	rows := make([][]string, 0, len(units))
	for _, st := range units {
		rows = append(rows, []string{
			st.UnitID,
			unitStatusLabel(st.Status),
			valueOrDash(st.Stage),
			fmt.Sprintf("%d", st.Attempts),
			unitDetail(st),
		})
	}
	return rows
}

func renderUnitTable(units []checkpoint.TaskState) string {
	return renderTable(
		[]string{"Unit", "Status", "Stage", "Attempts", "Detail"},
		unitRows(units),
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
