package main

import (
	"fmt"
	"strings"

	"kiln/internal/pipeline"
)

func renderReport(report pipeline.Report, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader("Run "+report.Workflow, colorize) {
		b.WriteString(line + "\n")
	}
	b.WriteString(renderInfoLine("Run key", report.RunKey) + "\n")
	b.WriteString(renderInfoLine("Mode", string(report.Mode)) + "\n")
	b.WriteString(renderInfoLine("Elapsed", formatDuration(report.Elapsed)) + "\n")
	kind, summary := reportSummary(report)
	b.WriteString(renderStatusLine("Summary", kind, summary, colorize) + "\n")
	if report.RunError != "" {
		b.WriteString(renderStatusLine("Stopped", statusError, report.RunError, colorize) + "\n")
	}
	if len(report.Units) > 0 {
		b.WriteString("\n")
		b.WriteString(renderUnitTable(report.Units))
		b.WriteString("\n")
	}
	return b.String()
}

func reportSummary(report pipeline.Report) (statusKind, string) {
	summary := fmt.Sprintf("%d/%d completed, %d failed, %d quality rejected, %d pending",
		report.Completed, report.Total, report.Failed, report.QualityRejected, report.Pending)
	switch {
	case report.Failed > 0 || report.RunError != "":
		return statusError, summary
	case report.QualityRejected > 0 || report.Pending > 0:
		return statusWarn, summary
	default:
		return statusOK, summary
	}
}
